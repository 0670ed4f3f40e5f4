package record

import (
	"encoding/json"
	"time"

	"github.com/intellisoft/digitalhealth/internal/platform/fault"
	"github.com/intellisoft/digitalhealth/internal/platform/validate"
)

// Audit holds the fields every record carries. It is embedded by value in
// each entity.
type Audit struct {
	ID         int64
	CreatedOn  time.Time
	SoftDelete bool
}

// Active reports whether the record is visible to active queries.
func (a Audit) Active() bool { return !a.SoftDelete }

// Gender is the enumerated patient gender.
type Gender string

const (
	GenderMale   Gender = "MALE"
	GenderFemale Gender = "FEMALE"
	GenderOther  Gender = "OTHER"
)

// ParseGender maps text onto a known gender. Matching is exact.
func ParseGender(s string) (Gender, error) {
	switch g := Gender(s); g {
	case GenderMale, GenderFemale, GenderOther:
		return g, nil
	case "":
		return "", fault.Validation("gender", "Gender is mandatory")
	default:
		return "", fault.Validation("gender", "Invalid gender: "+s+". Expected one of MALE, FEMALE, OTHER")
	}
}

// Patient owns its encounters by id. Encounters reference the patient by id
// only.
type Patient struct {
	Audit
	Identifier   int64
	GivenName    string
	FamilyName   string
	Gender       Gender
	BirthDate    time.Time
	EncounterIDs []int64
}

// PatientParams carries fully validated patient fields.
type PatientParams struct {
	Identifier int64
	GivenName  string
	FamilyName string
	Gender     Gender
	BirthDate  time.Time
}

// NewPatient builds an active, unsaved patient.
func NewPatient(p PatientParams, createdOn time.Time) *Patient {
	pt := &Patient{Audit: Audit{CreatedOn: createdOn}}
	pt.Apply(p)
	return pt
}

// Apply overwrites every mutable field from p.
func (pt *Patient) Apply(p PatientParams) {
	pt.Identifier = p.Identifier
	pt.GivenName = p.GivenName
	pt.FamilyName = p.FamilyName
	pt.Gender = p.Gender
	pt.BirthDate = p.BirthDate
}

// HasEncounters reports whether any encounter has been linked to the patient,
// soft-deleted or not.
func (pt *Patient) HasEncounters() bool { return len(pt.EncounterIDs) > 0 }

func (pt *Patient) MarshalJSON() ([]byte, error) {
	ids := pt.EncounterIDs
	if ids == nil {
		ids = []int64{}
	}
	return json.Marshal(struct {
		ID           int64   `json:"id"`
		Identifier   int64   `json:"identifier"`
		GivenName    string  `json:"givenName"`
		FamilyName   string  `json:"familyName"`
		Gender       Gender  `json:"gender"`
		BirthDate    string  `json:"birthDate"`
		SoftDelete   bool    `json:"softDelete"`
		CreatedOn    string  `json:"createdOn"`
		EncounterIDs []int64 `json:"encounterIds"`
	}{
		ID:           pt.ID,
		Identifier:   pt.Identifier,
		GivenName:    pt.GivenName,
		FamilyName:   pt.FamilyName,
		Gender:       pt.Gender,
		BirthDate:    validate.FormatDate(pt.BirthDate),
		SoftDelete:   pt.SoftDelete,
		CreatedOn:    pt.CreatedOn.Format(time.RFC3339),
		EncounterIDs: ids,
	})
}

// Encounter belongs to one patient and owns its observations by value.
type Encounter struct {
	Audit
	PatientID     int64
	Start         time.Time
	End           *time.Time
	EncounterDate time.Time
	Observations  []*Observation
}

// EncounterParams carries fully validated encounter fields.
type EncounterParams struct {
	PatientID     int64
	Start         time.Time
	EncounterDate time.Time
}

// NewEncounter builds an open, unsaved encounter.
func NewEncounter(p EncounterParams, createdOn time.Time) *Encounter {
	return &Encounter{
		Audit:         Audit{CreatedOn: createdOn},
		PatientID:     p.PatientID,
		Start:         p.Start,
		EncounterDate: p.EncounterDate,
	}
}

// LatestObservation returns the greatest effective time among the
// encounter's observations.
func (e *Encounter) LatestObservation() (time.Time, bool) {
	var latest time.Time
	found := false
	for _, o := range e.Observations {
		if !found || o.EffectiveDateTime.After(latest) {
			latest = o.EffectiveDateTime
			found = true
		}
	}
	return latest, found
}

func (e *Encounter) MarshalJSON() ([]byte, error) {
	var end *string
	if e.End != nil {
		s := validate.FormatTimestamp(*e.End)
		end = &s
	}
	obs := e.Observations
	if obs == nil {
		obs = []*Observation{}
	}
	return json.Marshal(struct {
		ID            int64          `json:"id"`
		PatientID     int64          `json:"patientId"`
		Start         string         `json:"start"`
		End           *string        `json:"end"`
		EncounterDate string         `json:"encounterDate"`
		SoftDelete    bool           `json:"softDelete"`
		CreatedOn     string         `json:"createdOn"`
		Observations  []*Observation `json:"observations"`
	}{
		ID:            e.ID,
		PatientID:     e.PatientID,
		Start:         validate.FormatTimestamp(e.Start),
		End:           end,
		EncounterDate: validate.FormatDate(e.EncounterDate),
		SoftDelete:    e.SoftDelete,
		CreatedOn:     e.CreatedOn.Format(time.RFC3339),
		Observations:  obs,
	})
}

// Observation belongs to one encounter and, through it, one patient. It is
// never mutated after creation.
type Observation struct {
	Audit
	PatientID         int64
	EncounterID       int64
	Code              string
	Value             string
	EffectiveDateTime time.Time
}

// ObservationParams carries fully validated observation fields.
type ObservationParams struct {
	Code              string
	Value             string
	EffectiveDateTime time.Time
}

// NewObservation builds an unsaved observation attached to enc. The patient
// link is taken from the encounter.
func NewObservation(enc *Encounter, p ObservationParams, createdOn time.Time) *Observation {
	return &Observation{
		Audit:             Audit{CreatedOn: createdOn},
		PatientID:         enc.PatientID,
		EncounterID:       enc.ID,
		Code:              p.Code,
		Value:             p.Value,
		EffectiveDateTime: p.EffectiveDateTime,
	}
}

func (o *Observation) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID                int64  `json:"id"`
		PatientID         int64  `json:"patientId"`
		EncounterID       int64  `json:"encounterId"`
		Code              string `json:"code"`
		Value             string `json:"value"`
		EffectiveDateTime string `json:"effectiveDateTime"`
		SoftDelete        bool   `json:"softDelete"`
		CreatedOn         string `json:"createdOn"`
	}{
		ID:                o.ID,
		PatientID:         o.PatientID,
		EncounterID:       o.EncounterID,
		Code:              o.Code,
		Value:             o.Value,
		EffectiveDateTime: validate.FormatTimestamp(o.EffectiveDateTime),
		SoftDelete:        o.SoftDelete,
		CreatedOn:         o.CreatedOn.Format(time.RFC3339),
	})
}
