package observation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/intellisoft/digitalhealth/internal/domain/record"
	"github.com/intellisoft/digitalhealth/internal/platform/fault"
)

var now = time.Date(2025, 11, 1, 15, 0, 0, 0, time.UTC)

var testClock = record.Clock{Location: time.UTC, NowFunc: func() time.Time { return now }}

func newTestService() (*Service, *record.MemoryStore) {
	store := record.NewMemoryStore()
	return NewService(store, testClock, zerolog.Nop()), store
}

// seedEncounter stores a patient with one encounter started at
// 2025-11-01 10:30:15, ended at end when end is non-nil.
func seedEncounter(t *testing.T, store record.Store, end *time.Time) *record.Encounter {
	t.Helper()
	ctx := context.Background()
	p, err := store.SavePatient(ctx, record.NewPatient(record.PatientParams{
		Identifier: 16372916,
		GivenName:  "Felix",
		FamilyName: "Maina",
		Gender:     record.GenderMale,
		BirthDate:  time.Date(1996, 8, 9, 0, 0, 0, 0, time.UTC),
	}, now))
	if err != nil {
		t.Fatalf("SavePatient: %v", err)
	}
	enc := record.NewEncounter(record.EncounterParams{
		PatientID:     p.ID,
		Start:         time.Date(2025, 11, 1, 10, 30, 15, 0, time.UTC),
		EncounterDate: time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
	}, now)
	enc.End = end
	saved, err := store.SaveEncounter(ctx, enc)
	if err != nil {
		t.Fatalf("SaveEncounter: %v", err)
	}
	return saved
}

func validInput() Input {
	return Input{Code: "BP-01", Value: "120/190", EffectiveDateTime: "2025-11-01 11:30:15"}
}

func expectFault(t *testing.T, err error, kind fault.Kind, field, message string) {
	t.Helper()
	f, ok := fault.As(err)
	if !ok {
		t.Fatalf("expected %s fault, got %v", kind, err)
	}
	if f.Kind != kind {
		t.Errorf("expected kind %s, got %s", kind, f.Kind)
	}
	if field != "" && f.Field != field {
		t.Errorf("expected field %q, got %q", field, f.Field)
	}
	if message != "" && f.Message != message {
		t.Errorf("expected message %q, got %q", message, f.Message)
	}
}

func TestAddObservation(t *testing.T) {
	svc, store := newTestService()
	enc := seedEncounter(t, store, nil)

	resp, err := svc.AddObservation(context.Background(), enc.ID, validInput())
	if err != nil {
		t.Fatalf("AddObservation: %v", err)
	}
	if resp.Message != MsgAdded {
		t.Errorf("unexpected message %q", resp.Message)
	}
	got := resp.Data
	if got.ID != enc.ID {
		t.Fatalf("expected the parent encounter %d, got %d", enc.ID, got.ID)
	}
	if len(got.Observations) != 1 {
		t.Fatalf("expected one observation, got %d", len(got.Observations))
	}
	obs := got.Observations[0]
	if obs.PatientID != enc.PatientID || obs.EncounterID != enc.ID {
		t.Errorf("observation links not derived from encounter: %+v", obs)
	}
	if obs.Code != "BP-01" || obs.Value != "120/190" {
		t.Errorf("unexpected observation %+v", obs)
	}
}

func TestAddObservation_Validation(t *testing.T) {
	ended := time.Date(2025, 11, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		end     *time.Time
		mutate  func(*Input)
		field   string
		message string
	}{
		{"blank code", nil, func(in *Input) { in.Code = "" }, "code", "Observation code is mandatory"},
		{"lowercase code", nil, func(in *Input) { in.Code = "bp-01" }, "code",
			"Code must contain only uppercase letters, numbers, underscores, and hyphens"},
		{"blank value", nil, func(in *Input) { in.Value = "  " }, "value", "Observation value is mandatory"},
		{"missing effective time", nil, func(in *Input) { in.EffectiveDateTime = "" }, "effectiveDateTime", "Effective date and time is mandatory"},
		{"malformed effective time", nil, func(in *Input) { in.EffectiveDateTime = "2025-11-01" }, "effectiveDateTime", ""},
		{"future effective time", nil, func(in *Input) { in.EffectiveDateTime = "2025-11-01 15:00:01" }, "effectiveDateTime", msgEffectiveAhead},
		{"before start", nil, func(in *Input) { in.EffectiveDateTime = "2025-11-01 10:30:14" }, "effectiveDateTime",
			"Effective date and time cannot be before the encounter start"},
		{"after end", &ended, func(in *Input) { in.EffectiveDateTime = "2025-11-01 12:00:01" }, "effectiveDateTime",
			"Effective date and time cannot be after the encounter end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService()
			enc := seedEncounter(t, store, tt.end)
			in := validInput()
			tt.mutate(&in)
			_, err := svc.AddObservation(context.Background(), enc.ID, in)
			expectFault(t, err, fault.KindValidation, tt.field, tt.message)

			got, _ := store.FindActiveEncounterByID(context.Background(), enc.ID)
			if len(got.Observations) != 0 {
				t.Error("rejected observation must not be stored")
			}
		})
	}
}

func TestAddObservation_WindowBoundsInclusive(t *testing.T) {
	end := time.Date(2025, 11, 1, 12, 0, 0, 0, time.UTC)
	for _, at := range []string{"2025-11-01 10:30:15", "2025-11-01 12:00:00"} {
		svc, store := newTestService()
		enc := seedEncounter(t, store, &end)
		in := validInput()
		in.EffectiveDateTime = at
		if _, err := svc.AddObservation(context.Background(), enc.ID, in); err != nil {
			t.Errorf("effective time %s on the window edge must be accepted: %v", at, err)
		}
	}
}

func TestAddObservation_EncounterNotFound(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	_, err := svc.AddObservation(ctx, 404, validInput())
	expectFault(t, err, fault.KindNotFound, "", MsgNotFound)

	enc := seedEncounter(t, store, nil)
	enc.SoftDelete = true
	if _, err := store.SaveEncounter(ctx, enc); err != nil {
		t.Fatalf("SaveEncounter: %v", err)
	}
	_, err = svc.AddObservation(ctx, enc.ID, validInput())
	expectFault(t, err, fault.KindNotFound, "", MsgNotFound)
}

type failingSaveStore struct {
	*record.MemoryStore
}

func (failingSaveStore) SaveObservation(context.Context, *record.Observation) (*record.Observation, error) {
	return nil, errors.New("disk full")
}

func TestAddObservation_StoreFailureIsUnexpected(t *testing.T) {
	mem := record.NewMemoryStore()
	enc := seedEncounter(t, mem, nil)
	svc := NewService(failingSaveStore{mem}, testClock, zerolog.Nop())

	_, err := svc.AddObservation(context.Background(), enc.ID, validInput())
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := fault.As(err); ok {
		t.Errorf("store failure must not be a domain fault: %v", err)
	}
}

func TestListObservations(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	enc := seedEncounter(t, store, nil)

	for i := 0; i < 12; i++ {
		in := validInput()
		in.Value = fmt.Sprintf("reading-%d", i)
		if _, err := svc.AddObservation(ctx, enc.ID, in); err != nil {
			t.Fatalf("AddObservation: %v", err)
		}
	}

	resp, err := svc.ListObservations(ctx, enc.PatientID)
	if err != nil {
		t.Fatalf("ListObservations: %v", err)
	}
	if resp.Message != MsgListed {
		t.Errorf("unexpected message %q", resp.Message)
	}
	if len(resp.Data) != recentSize {
		t.Fatalf("expected %d observations, got %d", recentSize, len(resp.Data))
	}
	if resp.Data[0].Value != "reading-11" || resp.Data[9].Value != "reading-2" {
		t.Errorf("expected newest first, got %s .. %s", resp.Data[0].Value, resp.Data[9].Value)
	}
}

func TestListObservations_PatientNotFound(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.ListObservations(context.Background(), 5)
	expectFault(t, err, fault.KindNotFound, "", MsgPatientAbsent)
}
