// Package openapi renders an OpenAPI 3.0 document describing the routes
// registered on an echo instance.
package openapi

import (
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
)

// Generator builds the document from the live route table, so it never
// drifts from what the server actually serves.
type Generator struct {
	e          *echo.Echo
	version    string
	baseURL    string
	apiKeyName string
}

// NewGenerator creates a generator for e. apiKeyHeader names the header
// accepted by API-key authentication.
func NewGenerator(e *echo.Echo, version, baseURL, apiKeyHeader string) *Generator {
	return &Generator{e: e, version: version, baseURL: baseURL, apiKeyName: apiKeyHeader}
}

var paramPattern = regexp.MustCompile(`:([A-Za-z][A-Za-z0-9_]*)`)

// handlerPackage extracts the package of a route's handler from its
// reflected name, e.g. ".../domain/encounter.(*Handler).AddEncounter-fm".
var handlerPackage = regexp.MustCompile(`/domain/([a-z]+)\.`)

// GenerateSpec produces the OpenAPI 3.0 document as a map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	paths := make(map[string]map[string]interface{})
	tags := make(map[string]bool)

	for _, r := range g.e.Routes() {
		if !strings.HasPrefix(r.Path, "/api/") || r.Method == echo.RouteNotFound {
			continue
		}
		path, params := convertPath(r.Path)
		tag := "records"
		if m := handlerPackage.FindStringSubmatch(r.Name); m != nil {
			tag = m[1]
		}
		tags[tag] = true

		op := map[string]interface{}{
			"operationId": operationID(r.Name),
			"tags":        []string{tag},
			"responses": map[string]interface{}{
				"200": buildResponse("Success", "#/components/schemas/Envelope"),
				"400": buildResponse("Validation, not-found or conflict fault", "#/components/schemas/Failure"),
				"401": buildResponse("Missing or invalid credentials", "#/components/schemas/Failure"),
				"403": buildResponse("Insufficient role", "#/components/schemas/Failure"),
			},
		}
		if len(params) > 0 {
			op["parameters"] = params
		}
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			op["requestBody"] = map[string]interface{}{
				"required": true,
				"content": map[string]interface{}{
					"application/json": map[string]interface{}{
						"schema": map[string]string{"type": "object"},
					},
				},
			}
		}

		if paths[path] == nil {
			paths[path] = make(map[string]interface{})
		}
		paths[path][strings.ToLower(r.Method)] = op
	}

	tagList := make([]map[string]string, 0, len(tags))
	names := make([]string, 0, len(tags))
	for t := range tags {
		names = append(names, t)
	}
	sort.Strings(names)
	for _, t := range names {
		tagList = append(tagList, map[string]string{"name": t})
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "Digital Health Records API",
			"version":     g.version,
			"description": "Patients, encounters and observations",
		},
		"servers": []map[string]string{
			{"url": g.baseURL},
		},
		"tags":  tagList,
		"paths": paths,
		"components": map[string]interface{}{
			"schemas": buildComponentSchemas(),
			"securitySchemes": map[string]interface{}{
				"apiKey": map[string]string{"type": "apiKey", "in": "header", "name": g.apiKeyName},
				"bearer": map[string]string{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
			},
		},
		"security": []map[string][]string{{"apiKey": {}}, {"bearer": {}}},
	}
}

// convertPath rewrites echo's ":id" segments to "{id}" and describes them.
func convertPath(p string) (string, []map[string]interface{}) {
	var params []map[string]interface{}
	for _, m := range paramPattern.FindAllStringSubmatch(p, -1) {
		params = append(params, map[string]interface{}{
			"name":     m[1],
			"in":       "path",
			"required": true,
			"schema":   map[string]string{"type": "integer", "format": "int64"},
		})
	}
	return paramPattern.ReplaceAllString(p, "{$1}"), params
}

func operationID(handlerName string) string {
	name := handlerName
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	if name == "" {
		return handlerName
	}
	return strings.ToLower(name[:1]) + name[1:]
}

func buildResponse(description, schemaRef string) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": map[string]interface{}{
					"$ref": schemaRef,
				},
			},
		},
	}
}

func str(format string) map[string]string {
	if format == "" {
		return map[string]string{"type": "string"}
	}
	return map[string]string{"type": "string", "format": format}
}

func buildComponentSchemas() map[string]interface{} {
	id := map[string]string{"type": "integer", "format": "int64"}
	boolean := map[string]string{"type": "boolean"}
	ref := func(name string) map[string]string { return map[string]string{"$ref": "#/components/schemas/" + name} }

	return map[string]interface{}{
		"Envelope": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"status":  map[string]string{"type": "integer"},
				"message": str(""),
				"data":    map[string]interface{}{},
			},
		},
		"Failure": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"status":  map[string]string{"type": "integer"},
				"message": str(""),
				"field":   str(""),
			},
		},
		"Patient": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id":           id,
				"identifier":   id,
				"givenName":    str(""),
				"familyName":   str(""),
				"gender":       map[string]interface{}{"type": "string", "enum": []string{"MALE", "FEMALE", "OTHER"}},
				"birthDate":    str("date"),
				"softDelete":   boolean,
				"createdOn":    str("date-time"),
				"encounterIds": map[string]interface{}{"type": "array", "items": id},
			},
		},
		"Encounter": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id":            id,
				"patientId":     id,
				"start":         str("yyyy-MM-dd HH:mm:ss"),
				"end":           str("yyyy-MM-dd HH:mm:ss"),
				"encounterDate": str("date"),
				"softDelete":    boolean,
				"createdOn":     str("date-time"),
				"observations":  map[string]interface{}{"type": "array", "items": ref("Observation")},
			},
		},
		"Observation": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id":                id,
				"patientId":         id,
				"encounterId":       id,
				"code":              str(""),
				"value":             str(""),
				"effectiveDateTime": str("yyyy-MM-dd HH:mm:ss"),
				"softDelete":        boolean,
				"createdOn":         str("date-time"),
			},
		},
		"EncounterPage": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"encounters":      map[string]interface{}{"type": "array", "items": ref("Encounter")},
				"currentPage":     map[string]string{"type": "integer"},
				"totalPages":      map[string]string{"type": "integer"},
				"totalEncounters": map[string]string{"type": "integer"},
				"hasNext":         boolean,
				"hasPrevious":     boolean,
			},
		},
	}
}

// RegisterRoutes serves the document. Call it after every API route is
// registered; the document is generated per request either way.
func (g *Generator) RegisterRoutes(e *echo.Echo) {
	e.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
}
