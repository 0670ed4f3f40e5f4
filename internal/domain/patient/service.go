// Package patient implements the patient lifecycle: create-or-restore,
// retrieve, update and soft delete.
package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/intellisoft/digitalhealth/internal/domain/record"
	"github.com/intellisoft/digitalhealth/internal/platform/fault"
	"github.com/intellisoft/digitalhealth/internal/platform/result"
	"github.com/intellisoft/digitalhealth/internal/platform/validate"
)

const (
	MsgCreated   = "Patient created successfully"
	MsgRestored  = "Patient restored and updated successfully"
	MsgRetrieved = "Patient retrieved successfully"
	MsgUpdated   = "Patient updated successfully"
	MsgDeleted   = "Patient deleted successfully"

	MsgNotFound          = "Patient not found"
	MsgAlreadyExists     = "Patient already exists"
	MsgIdentifierTaken   = "Identifier already exists for another patient"
	MsgHasEncounters     = "Patient has encounters, kindly clear the encounters"
	msgBirthDateNotPast  = "Birth date must be in the past"
	msgBirthDateRequired = "birthDate is mandatory"
)

// Input is the client-supplied patient payload.
type Input struct {
	Identifier *int64 `json:"identifier"`
	GivenName  string `json:"givenName"`
	FamilyName string `json:"familyName"`
	Gender     string `json:"gender"`
	BirthDate  string `json:"birthDate"`
}

// Params validates every field and returns the parsed values. The first
// failing field is reported. now is the civil time; a birth date must fall
// before its calendar day.
func (in Input) Params(now time.Time) (record.PatientParams, error) {
	if err := validate.Identifier(in.Identifier); err != nil {
		return record.PatientParams{}, err
	}
	if err := validate.Name(validate.GivenName, in.GivenName); err != nil {
		return record.PatientParams{}, err
	}
	if err := validate.Name(validate.FamilyName, in.FamilyName); err != nil {
		return record.PatientParams{}, err
	}
	gender, err := record.ParseGender(in.Gender)
	if err != nil {
		return record.PatientParams{}, err
	}
	if err := validate.Required("birthDate", in.BirthDate, msgBirthDateRequired); err != nil {
		return record.PatientParams{}, err
	}
	birth, err := validate.Field("birthDate", in.BirthDate, validate.ParseCalendarDate)
	if err != nil {
		return record.PatientParams{}, err
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if err := validate.Past("birthDate", birth, today, msgBirthDateNotPast); err != nil {
		return record.PatientParams{}, err
	}
	return record.PatientParams{
		Identifier: *in.Identifier,
		GivenName:  in.GivenName,
		FamilyName: in.FamilyName,
		Gender:     gender,
		BirthDate:  birth,
	}, nil
}

type Service struct {
	store  record.Store
	clock  record.Clock
	logger zerolog.Logger
}

func NewService(store record.Store, clock record.Clock, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		clock:  clock,
		logger: logger.With().Str("component", "patient").Logger(),
	}
}

// CreatePatient persists a new patient, or restores a soft-deleted one
// holding the same identifier with every mutable field taken from in.
func (s *Service) CreatePatient(ctx context.Context, in Input) (*result.Response[*record.Patient], error) {
	params, err := in.Params(s.clock.Civil())
	if err != nil {
		return nil, err
	}

	var resp *result.Response[*record.Patient]
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		existing, err := s.store.FindPatientByIdentifier(ctx, params.Identifier)
		switch {
		case errors.Is(err, record.ErrNotFound):
			saved, err := s.store.SavePatient(ctx, record.NewPatient(params, s.clock.Instant()))
			if err != nil {
				return s.saveError(err, MsgAlreadyExists)
			}
			resp = result.OK(MsgCreated, saved)
			return nil
		case err != nil:
			return fmt.Errorf("find patient by identifier: %w", err)
		case existing.Active():
			return fault.Conflict(MsgAlreadyExists)
		}

		existing.Apply(params)
		existing.SoftDelete = false
		saved, err := s.store.SavePatient(ctx, existing)
		if err != nil {
			return s.saveError(err, MsgAlreadyExists)
		}
		s.logger.Info().Int64("patient_id", saved.ID).Msg("patient restored")
		resp = result.OK(MsgRestored, saved)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// RetrievePatient returns the active patient with the given id.
func (s *Service) RetrievePatient(ctx context.Context, id int64) (*result.Response[*record.Patient], error) {
	p, err := s.activePatient(ctx, id)
	if err != nil {
		return nil, err
	}
	return result.OK(MsgRetrieved, p), nil
}

// UpdatePatient overwrites the active patient's fields. A changed identifier
// must not belong to another active patient.
func (s *Service) UpdatePatient(ctx context.Context, id int64, in Input) (*result.Response[*record.Patient], error) {
	var resp *result.Response[*record.Patient]
	err := s.store.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.activePatient(ctx, id)
		if err != nil {
			return err
		}
		params, err := in.Params(s.clock.Civil())
		if err != nil {
			return err
		}

		if params.Identifier != p.Identifier {
			other, err := s.store.FindActivePatientByIdentifier(ctx, params.Identifier)
			switch {
			case err == nil && other.ID != p.ID:
				return fault.Conflict(MsgIdentifierTaken)
			case err != nil && !errors.Is(err, record.ErrNotFound):
				return fmt.Errorf("find patient by identifier: %w", err)
			}
		}

		p.Apply(params)
		saved, err := s.store.SavePatient(ctx, p)
		if err != nil {
			return s.saveError(err, MsgIdentifierTaken)
		}
		resp = result.OK(MsgUpdated, saved)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// DeletePatient soft-deletes the active patient. Any linked encounter,
// soft-deleted or not, blocks the delete.
func (s *Service) DeletePatient(ctx context.Context, id int64) (*result.Response[any], error) {
	err := s.store.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.activePatient(ctx, id)
		if err != nil {
			return err
		}
		if p.HasEncounters() {
			return fault.Conflict(MsgHasEncounters)
		}
		p.SoftDelete = true
		if _, err := s.store.SavePatient(ctx, p); err != nil {
			return fmt.Errorf("soft delete patient %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("patient_id", id).Msg("patient soft deleted")
	return result.Message(MsgDeleted), nil
}

func (s *Service) activePatient(ctx context.Context, id int64) (*record.Patient, error) {
	p, err := s.store.FindActivePatientByID(ctx, id)
	if errors.Is(err, record.ErrNotFound) {
		return nil, fault.NotFound(MsgNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find patient %d: %w", id, err)
	}
	return p, nil
}

// saveError turns the store's uniqueness backstop into a conflict fault.
func (s *Service) saveError(err error, conflict string) error {
	if errors.Is(err, record.ErrDuplicate) {
		return fault.Conflict(conflict)
	}
	return fmt.Errorf("save patient: %w", err)
}
