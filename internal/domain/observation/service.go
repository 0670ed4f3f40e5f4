// Package observation records clinical observations against an encounter
// and lists a patient's most recent ones.
package observation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/intellisoft/digitalhealth/internal/domain/record"
	"github.com/intellisoft/digitalhealth/internal/platform/fault"
	"github.com/intellisoft/digitalhealth/internal/platform/result"
	"github.com/intellisoft/digitalhealth/internal/platform/validate"
	"github.com/intellisoft/digitalhealth/pkg/pagination"
)

const (
	MsgAdded          = "Observation added successfully"
	MsgListed         = "Patient observations retrieved successfully"
	MsgNotFound       = "Encounter with the given id does not exist"
	MsgPatientAbsent  = "Patient not found"
	msgEffectiveEmpty = "Effective date and time is mandatory"
	msgEffectiveAhead = "Effective date and time cannot be in the future"
)

// recentSize is the fixed page size of ListObservations.
const recentSize = 10

type Input struct {
	Code              string `json:"code"`
	Value             string `json:"value"`
	EffectiveDateTime string `json:"effectiveDateTime"`
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
		logger: logger.With().Str("component", "observation").Logger(),
	}
}

// AddObservation attaches an observation to the active encounter and returns
// the encounter with its observations reloaded. The effective time must lie
// inside the encounter window and not in the future.
func (s *Service) AddObservation(ctx context.Context, encounterID int64, in Input) (*result.Response[*record.Encounter], error) {
	var resp *result.Response[*record.Encounter]
	err := s.store.WithinTx(ctx, func(ctx context.Context) error {
		enc, err := s.activeEncounter(ctx, encounterID)
		if err != nil {
			return err
		}

		if err := validate.Code(in.Code); err != nil {
			return err
		}
		if err := validate.Value(in.Value); err != nil {
			return err
		}
		if err := validate.Required("effectiveDateTime", in.EffectiveDateTime, msgEffectiveEmpty); err != nil {
			return err
		}
		effective, err := validate.Field("effectiveDateTime", in.EffectiveDateTime, validate.ParseTimestamp)
		if err != nil {
			return err
		}
		if err := validate.NotFuture("effectiveDateTime", effective, s.clock.Civil(), msgEffectiveAhead); err != nil {
			return err
		}
		if err := validate.WithinWindow(effective, enc.Start, enc.End); err != nil {
			return err
		}

		obs := record.NewObservation(enc, record.ObservationParams{
			Code:              in.Code,
			Value:             in.Value,
			EffectiveDateTime: effective,
		}, s.clock.Instant())
		if _, err := s.store.SaveObservation(ctx, obs); err != nil {
			return fmt.Errorf("save observation for encounter %d: %w", encounterID, err)
		}

		updated, err := s.activeEncounter(ctx, encounterID)
		if err != nil {
			return err
		}
		resp = result.OK(MsgAdded, updated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ListObservations returns the active patient's ten newest active
// observations.
func (s *Service) ListObservations(ctx context.Context, patientID int64) (*result.Response[[]*record.Observation], error) {
	_, err := s.store.FindActivePatientByID(ctx, patientID)
	if errors.Is(err, record.ErrNotFound) {
		return nil, fault.NotFound(MsgPatientAbsent)
	}
	if err != nil {
		return nil, fmt.Errorf("find patient %d: %w", patientID, err)
	}

	page, err := s.store.PageActiveObservationsByPatient(ctx, patientID,
		pagination.Params{Page: 0, Size: recentSize}, record.SortDesc)
	if err != nil {
		return nil, fmt.Errorf("page observations for patient %d: %w", patientID, err)
	}
	return result.OK(MsgListed, page.Content), nil
}

func (s *Service) activeEncounter(ctx context.Context, id int64) (*record.Encounter, error) {
	enc, err := s.store.FindActiveEncounterByID(ctx, id)
	if errors.Is(err, record.ErrNotFound) {
		return nil, fault.NotFound(MsgNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find encounter %d: %w", id, err)
	}
	return enc, nil
}
