// Package record holds the patient, encounter and observation entities and
// the Store they are persisted through. Three Store backends are provided:
// PostgreSQL (pgx), SQLite (modernc) and an in-memory map store.
package record

import (
	"context"
	"errors"
	"time"

	"github.com/intellisoft/digitalhealth/internal/platform/validate"
	"github.com/intellisoft/digitalhealth/pkg/pagination"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("record: not found")

	// ErrDuplicate is returned when a write would give two active patients
	// the same identifier.
	ErrDuplicate = errors.New("record: duplicate active identifier")
)

// SortOrder orders observation pages by surrogate id.
type SortOrder int

const (
	SortAsc SortOrder = iota
	SortDesc
)

func (o SortOrder) sql() string {
	if o == SortDesc {
		return "DESC"
	}
	return "ASC"
}

// Demographics is the combined family/given/identifier/birth-date lookup key.
type Demographics struct {
	FamilyName string
	GivenName  string
	Identifier int64
	BirthDate  time.Time
}

// Store is the durable keyed storage behind the record managers. Lookups
// named Active exclude soft-deleted rows; the others do not.
type Store interface {
	FindPatientByID(ctx context.Context, id int64) (*Patient, error)
	FindActivePatientByID(ctx context.Context, id int64) (*Patient, error)
	// FindPatientByIdentifier prefers an active row when soft-deleted rows
	// share the identifier, then the most recently created one.
	FindPatientByIdentifier(ctx context.Context, identifier int64) (*Patient, error)
	FindActivePatientByIdentifier(ctx context.Context, identifier int64) (*Patient, error)
	FindActivePatientByDemographics(ctx context.Context, q Demographics) (*Patient, error)
	SavePatient(ctx context.Context, p *Patient) (*Patient, error)

	FindActiveEncounterByID(ctx context.Context, id int64) (*Encounter, error)
	FindEncountersByPatient(ctx context.Context, patientID int64) ([]*Encounter, error)
	SaveEncounter(ctx context.Context, e *Encounter) (*Encounter, error)
	PageActiveEncountersByPatient(ctx context.Context, patientID int64, p pagination.Params) (*pagination.Page[*Encounter], error)
	CountActiveEncountersByPatient(ctx context.Context, patientID int64) (int, error)

	SaveObservation(ctx context.Context, o *Observation) (*Observation, error)
	PageActiveObservationsByPatient(ctx context.Context, patientID int64, p pagination.Params, order SortOrder) (*pagination.Page[*Observation], error)

	// WithinTx runs fn in a single transaction. Nested calls join the
	// outer transaction.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Clock supplies the creation instant stamped on new records and the civil
// "now" used by future-date checks.
type Clock struct {
	Location *time.Location
	NowFunc  func() time.Time
}

// NewClock returns a Clock reading the system time in loc.
func NewClock(loc *time.Location) Clock {
	return Clock{Location: loc, NowFunc: time.Now}
}

// Instant returns the current instant in the clock's zone.
func (c Clock) Instant() time.Time {
	now := time.Now
	if c.NowFunc != nil {
		now = c.NowFunc
	}
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	return now().In(loc)
}

// Civil returns the current wall-clock time in the clock's zone, labelled
// UTC to match parsed timestamps.
func (c Clock) Civil() time.Time {
	return validate.Civil(c.Instant())
}
