package fault

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestAs_Wrapped(t *testing.T) {
	err := fmt.Errorf("create patient: %w", Conflict("Patient already exists"))
	f, ok := As(err)
	if !ok {
		t.Fatal("expected wrapped fault to be found")
	}
	if f.Kind != KindConflict {
		t.Errorf("expected conflict, got %s", f.Kind)
	}
	if !IsKind(err, KindConflict) {
		t.Error("expected IsKind to report conflict")
	}
	if IsKind(err, KindNotFound) {
		t.Error("did not expect not_found")
	}
}

func TestAs_PlainError(t *testing.T) {
	if _, ok := As(errors.New("boom")); ok {
		t.Error("plain errors are not faults")
	}
}

func TestWithField_Copies(t *testing.T) {
	orig := InvalidFormat("", "bad date")
	named := orig.WithField("birthDate")
	if orig.Field != "" {
		t.Error("original fault must not be mutated")
	}
	if named.Field != "birthDate" || named.Code != CodeInvalidFormat {
		t.Errorf("unexpected copy: %+v", named)
	}
}

type countingObserver map[string]int

func (o countingObserver) ObserveFault(kind string) { o[kind]++ }

func TestHTTPErrorHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
		wantKind   string
	}{
		{"validation", Validation("givenName", "GivenName is mandatory"), 400, "GivenName is mandatory", "validation"},
		{"not found", NotFound("Patient not found"), 400, "Patient not found", "not_found"},
		{"conflict wrapped", fmt.Errorf("x: %w", Conflict("Patient already exists")), 400, "Patient already exists", "conflict"},
		{"echo 401", echo.NewHTTPError(http.StatusUnauthorized, "Invalid or missing API key"), 401, "Invalid or missing API key", "http"},
		{"echo 404", echo.ErrNotFound, 404, "Not Found", "http"},
		{"unexpected", errors.New("connection refused"), 500, "internal server error", "unexpected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := countingObserver{}
			h := HTTPErrorHandler(zerolog.Nop(), obs)
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/patients/1", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h(tt.err, c)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected HTTP %d, got %d", tt.wantStatus, rec.Code)
			}
			var body struct {
				Status  int    `json:"status"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("expected envelope status %d, got %d", tt.wantStatus, body.Status)
			}
			if body.Message != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, body.Message)
			}
			if obs[tt.wantKind] != 1 {
				t.Errorf("expected observer to count kind %q, got %v", tt.wantKind, obs)
			}
		})
	}
}
