package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/intellisoft/digitalhealth/internal/config"
	"github.com/intellisoft/digitalhealth/internal/domain/record"
	"github.com/intellisoft/digitalhealth/internal/platform/auth"
	"github.com/intellisoft/digitalhealth/migrations"
)

const testAPIKey = "s3cret-key"

func testConfig() *config.Config {
	return &config.Config{
		Env:            "test",
		StoreDriver:    config.StoreMemory,
		Timezone:       "Africa/Nairobi",
		AuthMode:       config.AuthAPIKey,
		APIKeyHeader:   "X-API-KEY",
		APIKeySecret:   testAPIKey,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		CacheDriver:    config.CacheNone,
		CacheTTL:       30 * time.Second,
		RequestTimeout: 5 * time.Second,
		BodyLimit:      "1M",
		MetricsEnabled: true,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *server {
	t.Helper()
	b := &backend{store: record.NewMemoryStore()}
	b.pinger = b.store.(*record.MemoryStore)
	srv, err := newServer(cfg, b, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Field   string          `json:"field"`
	Data    json.RawMessage `json:"data"`
}

func call(t *testing.T, e *echo.Echo, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-API-KEY", testAPIKey)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("failed to parse response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, env
}

func idOf(t *testing.T, data json.RawMessage) int64 {
	t.Helper()
	var v struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("failed to parse id from %s: %v", data, err)
	}
	return v.ID
}

func TestServer_RecordsFlow(t *testing.T) {
	e := newTestServer(t, testConfig()).Echo

	rec, env := call(t, e, http.MethodPost, "/api/patients",
		`{"identifier":16372916,"givenName":"Felix","familyName":"Maina","gender":"MALE","birthDate":"1990-04-12"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create patient: %d %s", rec.Code, rec.Body.String())
	}
	patientID := strconv.FormatInt(idOf(t, env.Data), 10)

	rec, env = call(t, e, http.MethodPost, "/api/patients/add-encounter/"+patientID,
		`{"start":"2024-03-01 08:30:00","encounterDate":"2024-03-01"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add encounter: %d %s", rec.Code, rec.Body.String())
	}
	encounterID := strconv.FormatInt(idOf(t, env.Data), 10)

	rec, env = call(t, e, http.MethodPost, "/api/patients/add/observations/"+encounterID,
		`{"code":"8867-4","value":"72","effectiveDateTime":"2024-03-01 09:00:00"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add observation: %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(string(env.Data), `"code":"8867-4"`) {
		t.Errorf("expected observation on returned encounter, got %s", env.Data)
	}

	rec, _ = call(t, e, http.MethodPost, "/api/patients/end/encounter/"+encounterID,
		`{"endEncounter":"2024-03-01 08:45:00"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("ending before the observation: expected 400, got %d", rec.Code)
	}
	rec, _ = call(t, e, http.MethodPost, "/api/patients/end/encounter/"+encounterID,
		`{"endEncounter":"2024-03-01 10:00:00"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("end encounter: %d %s", rec.Code, rec.Body.String())
	}

	rec, env = call(t, e, http.MethodGet, "/api/patients?family=Maina&given=Felix&identifier=16372916&birthDate=1990-04-12", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rec.Code, rec.Body.String())
	}
	var page struct {
		TotalEncounters int `json:"totalEncounters"`
	}
	if err := json.Unmarshal(env.Data, &page); err != nil || page.TotalEncounters != 1 {
		t.Errorf("expected 1 encounter from search, got %s", env.Data)
	}

	rec, env = call(t, e, http.MethodGet, "/api/patients/"+patientID+"/observations", "")
	if rec.Code != http.StatusOK || !strings.Contains(string(env.Data), `"value":"72"`) {
		t.Errorf("list observations: %d %s", rec.Code, rec.Body.String())
	}

	rec, env = call(t, e, http.MethodDelete, "/api/patients/"+patientID, "")
	if rec.Code != http.StatusBadRequest || env.Message != "Patient has encounters, kindly clear the encounters" {
		t.Errorf("delete with encounters: %d %q", rec.Code, env.Message)
	}
}

func TestServer_RequiresAPIKey(t *testing.T) {
	e := newTestServer(t, testConfig()).Echo

	req := httptest.NewRequest(http.MethodGet, "/api/patients/1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", rec.Code)
	}
}

func TestServer_PublicEndpoints(t *testing.T) {
	e := newTestServer(t, testConfig()).Echo

	for _, path := range []string{"/health", "/health/db", "/metrics", "/openapi.json"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "digitalhealth_store_up") {
		t.Error("expected store gauge in metrics output")
	}
}

func TestServer_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsEnabled = false
	e := newTestServer(t, cfg).Echo

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 with metrics disabled, got %d", rec.Code)
	}
}

func TestServer_ResponseCache(t *testing.T) {
	for _, driver := range []string{config.CacheMemory, config.CacheLevelDB} {
		t.Run(driver, func(t *testing.T) {
			cfg := testConfig()
			cfg.CacheDriver = driver
			cfg.CachePath = ""
			if driver == config.CacheLevelDB {
				cfg.CachePath = t.TempDir()
			}
			e := newTestServer(t, cfg).Echo

			rec, env := call(t, e, http.MethodPost, "/api/patients",
				`{"identifier":1234567,"givenName":"Amina","familyName":"Otieno","gender":"FEMALE","birthDate":"1996-08-09"}`)
			if rec.Code != http.StatusOK {
				t.Fatalf("create patient: %d %s", rec.Code, rec.Body.String())
			}
			target := "/api/patients/" + strconv.FormatInt(idOf(t, env.Data), 10)

			rec, _ = call(t, e, http.MethodGet, target, "")
			if rec.Header().Get("X-Cache") != "MISS" {
				t.Errorf("first read: expected MISS, got %q", rec.Header().Get("X-Cache"))
			}
			rec, _ = call(t, e, http.MethodGet, target, "")
			if rec.Header().Get("X-Cache") != "HIT" {
				t.Errorf("second read: expected HIT, got %q", rec.Header().Get("X-Cache"))
			}
		})
	}
}

const testSigningKey = "jwt-test-signing-key"

func signToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func callAs(t *testing.T, e *echo.Echo, token, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("failed to parse response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, env
}

func TestServer_ResponseCacheHonorsRoles(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthJWT
	cfg.JWTSigningKey = testSigningKey
	cfg.CacheDriver = config.CacheMemory
	e := newTestServer(t, cfg).Echo

	clinician := signToken(t, "dr-wanjiku", auth.RoleClinician)
	billing := signToken(t, "billing-clerk", "billing")

	rec, env := callAs(t, e, clinician, http.MethodPost, "/api/patients",
		`{"identifier":7654321,"givenName":"Baraka","familyName":"Mwangi","gender":"MALE","birthDate":"1985-02-17"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create patient: %d %s", rec.Code, rec.Body.String())
	}
	target := "/api/patients/" + strconv.FormatInt(idOf(t, env.Data), 10)

	rec, _ = callAs(t, e, billing, http.MethodGet, target, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cold read without a reader role: expected 403, got %d", rec.Code)
	}

	for _, want := range []string{"MISS", "HIT"} {
		rec, _ = callAs(t, e, clinician, http.MethodGet, target, "")
		if rec.Code != http.StatusOK || rec.Header().Get("X-Cache") != want {
			t.Fatalf("clinician read: expected 200 %s, got %d %q", want, rec.Code, rec.Header().Get("X-Cache"))
		}
	}

	rec, _ = callAs(t, e, billing, http.MethodGet, target, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("warm read without a reader role: expected 403, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Cache"); got != "" {
		t.Errorf("denied read must not touch the cache, got X-Cache %q", got)
	}

	rec, _ = callAs(t, e, billing, http.MethodGet, "/api/patients", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("list without a reader role: expected 403, got %d", rec.Code)
	}
}

func TestAuthMiddleware_MissingSecrets(t *testing.T) {
	tests := []struct {
		mode string
	}{
		{config.AuthAPIKey},
		{config.AuthJWT},
		{"oauth"},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := testConfig()
			cfg.AuthMode = tt.mode
			cfg.APIKeySecret = ""
			if _, err := authMiddleware(cfg); err == nil {
				t.Errorf("expected error for mode %q without secrets", tt.mode)
			}
		})
	}
}

func TestOpenStore_Drivers(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	b, err := openStore(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	b.Close()

	cfg.StoreDriver = config.StoreSQLite
	cfg.SQLitePath = ":memory:"
	b, err = openStore(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	if err := b.pinger.Ping(ctx); err != nil {
		t.Errorf("sqlite ping: %v", err)
	}
	b.Close()

	cfg.StoreDriver = config.StorePostgres
	cfg.DatabaseURL = ""
	if _, err := openStore(ctx, cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for postgres without DATABASE_URL")
	}
}

func TestMigrationSource(t *testing.T) {
	if _, origin := migrationSource(""); origin != "embedded" {
		t.Errorf("expected embedded source, got %q", origin)
	}
	if _, origin := migrationSource("/does/not/exist"); origin != "embedded" {
		t.Errorf("missing directory should fall back to embedded, got %q", origin)
	}
	dir := t.TempDir()
	if _, origin := migrationSource(dir); origin != dir {
		t.Errorf("expected %q, got %q", dir, origin)
	}
	if _, err := migrations.FS.ReadFile("001_records.sql"); err != nil {
		t.Errorf("embedded migration missing: %v", err)
	}
}

func TestServer_OpenAPIDocumentsRecordsRoutes(t *testing.T) {
	e := newTestServer(t, testConfig()).Echo

	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var doc struct {
		Paths map[string]map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("invalid document: %v", err)
	}
	for path, method := range map[string]string{
		"/api/patients":                                "post",
		"/api/patients/{id}":                           "delete",
		"/api/patients/add-encounter/{patientId}":      "post",
		"/api/patients/{id}/encounters/paged":          "get",
		"/api/patients/add/observations/{encounterId}": "post",
	} {
		if _, ok := doc.Paths[path][method]; !ok {
			t.Errorf("missing %s %s", method, path)
		}
	}
}
