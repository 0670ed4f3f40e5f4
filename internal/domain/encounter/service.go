// Package encounter opens, ends and lists patient encounters, including the
// paged lookup by patient demographics.
package encounter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/intellisoft/digitalhealth/internal/domain/record"
	"github.com/intellisoft/digitalhealth/internal/platform/fault"
	"github.com/intellisoft/digitalhealth/internal/platform/result"
	"github.com/intellisoft/digitalhealth/internal/platform/validate"
	"github.com/intellisoft/digitalhealth/pkg/pagination"
)

const (
	MsgAdded         = "Encounter added successfully"
	MsgEnded         = "Encounter ended successfully"
	MsgListed        = "Patient encounters retrieved successfully"
	MsgDemographic   = "Patient encounters and Observations"
	MsgNotFound      = "Encounter with the given id does not exist"
	MsgPatientAbsent = "Patient not found"
)

// Input is the payload for opening an encounter. Patient duplicates the
// path parameter and is accepted for compatibility; the path wins.
type Input struct {
	Patient       *int64 `json:"patient,omitempty"`
	Start         string `json:"start"`
	EncounterDate string `json:"encounterDate"`
}

// EndInput is the payload for ending an encounter.
type EndInput struct {
	EndEncounter string `json:"endEncounter"`
}

// SearchQuery is the demographic lookup. Every field is required.
type SearchQuery struct {
	FamilyName string
	GivenName  string
	Identifier string
	BirthDate  string
	Page       pagination.Params
}

// Page is the paged encounter payload.
type Page struct {
	Encounters      []*record.Encounter `json:"encounters"`
	CurrentPage     int                 `json:"currentPage"`
	TotalPages      int                 `json:"totalPages"`
	TotalEncounters int                 `json:"totalEncounters"`
	HasNext         bool                `json:"hasNext"`
	HasPrevious     bool                `json:"hasPrevious"`
}

func newPage(p *pagination.Page[*record.Encounter]) *Page {
	return &Page{
		Encounters:      p.Content,
		CurrentPage:     p.Number,
		TotalPages:      p.TotalPages,
		TotalEncounters: p.TotalElements,
		HasNext:         p.HasNext,
		HasPrevious:     p.HasPrevious,
	}
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
		logger: logger.With().Str("component", "encounter").Logger(),
	}
}

// AddEncounter opens a new encounter for the active patient. Neither the
// start nor the encounter date may lie in the future.
func (s *Service) AddEncounter(ctx context.Context, patientID int64, in Input) (*result.Response[*record.Encounter], error) {
	var resp *result.Response[*record.Encounter]
	err := s.store.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.activePatient(ctx, patientID); err != nil {
			return err
		}

		if err := validate.Required("start", in.Start, "Start date and time is mandatory"); err != nil {
			return err
		}
		if err := validate.Required("encounterDate", in.EncounterDate, "Encounter date is mandatory"); err != nil {
			return err
		}
		date, err := validate.Field("encounterDate", in.EncounterDate, validate.ParseCalendarDate)
		if err != nil {
			return err
		}
		start, err := validate.Field("start", in.Start, validate.ParseTimestamp)
		if err != nil {
			return err
		}

		now := s.clock.Civil()
		if err := validate.NotFuture("encounterDate", date, now, "Encounter date cannot be in the future"); err != nil {
			return err
		}
		if err := validate.NotFuture("start", start, now, "Start date and time cannot be in the future"); err != nil {
			return err
		}

		enc := record.NewEncounter(record.EncounterParams{
			PatientID:     patientID,
			Start:         start,
			EncounterDate: date,
		}, s.clock.Instant())
		saved, err := s.store.SaveEncounter(ctx, enc)
		if err != nil {
			return fmt.Errorf("save encounter: %w", err)
		}
		resp = result.OK(MsgAdded, saved)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// EndEncounter sets the end of an active encounter. The end may not precede
// the start or any recorded observation, and may not lie in the future.
func (s *Service) EndEncounter(ctx context.Context, encounterID int64, endText string) (*result.Response[*record.Encounter], error) {
	var resp *result.Response[*record.Encounter]
	err := s.store.WithinTx(ctx, func(ctx context.Context) error {
		enc, err := s.store.FindActiveEncounterByID(ctx, encounterID)
		if errors.Is(err, record.ErrNotFound) {
			return fault.NotFound(MsgNotFound)
		}
		if err != nil {
			return fmt.Errorf("find encounter %d: %w", encounterID, err)
		}

		end, err := validate.Field("endEncounter", endText, validate.ParseTimestamp)
		if err != nil {
			return err
		}
		if err := validate.NotBefore("endEncounter", end, enc.Start, "End date and time cannot be before the encounter start"); err != nil {
			return err
		}
		if err := validate.NotFuture("endEncounter", end, s.clock.Civil(), "End date and time cannot be in the future"); err != nil {
			return err
		}
		if latest, ok := enc.LatestObservation(); ok {
			if err := validate.NotBefore("endEncounter", end, latest, "End date and time cannot be before a recorded observation"); err != nil {
				return err
			}
		}

		enc.End = &end
		saved, err := s.store.SaveEncounter(ctx, enc)
		if err != nil {
			return fmt.Errorf("end encounter %d: %w", encounterID, err)
		}
		resp = result.OK(MsgEnded, saved)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Int64("encounter_id", encounterID).Msg("encounter ended")
	return resp, nil
}

// ListEncounters returns every encounter linked to the active patient.
func (s *Service) ListEncounters(ctx context.Context, patientID int64) (*result.Response[[]*record.Encounter], error) {
	if _, err := s.activePatient(ctx, patientID); err != nil {
		return nil, err
	}
	encounters, err := s.store.FindEncountersByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list encounters for patient %d: %w", patientID, err)
	}
	if encounters == nil {
		encounters = []*record.Encounter{}
	}
	return result.OK(MsgListed, encounters), nil
}

// ListEncountersPaged returns one page of the active patient's active
// encounters in id order.
func (s *Service) ListEncountersPaged(ctx context.Context, patientID int64, p pagination.Params) (*result.Response[*Page], error) {
	if err := pageFault(p.Validate()); err != nil {
		return nil, err
	}
	if _, err := s.activePatient(ctx, patientID); err != nil {
		return nil, err
	}
	page, err := s.store.PageActiveEncountersByPatient(ctx, patientID, p)
	if err != nil {
		return nil, fmt.Errorf("page encounters for patient %d: %w", patientID, err)
	}
	return result.OK(MsgListed, newPage(page)), nil
}

// SearchPatientEncounters finds the active patient matching every
// demographic field and returns a page of their active encounters.
func (s *Service) SearchPatientEncounters(ctx context.Context, q SearchQuery) (*result.Response[*Page], error) {
	if err := validate.Required("family", q.FamilyName, "Family name is mandatory"); err != nil {
		return nil, err
	}
	if err := validate.Required("given", q.GivenName, "Given name is mandatory"); err != nil {
		return nil, err
	}
	identifier, err := parseIdentifier(q.Identifier)
	if err != nil {
		return nil, err
	}
	birth, err := validate.Field("birthDate", q.BirthDate, validate.ParseCalendarDate)
	if err != nil {
		return nil, err
	}
	if err := pageFault(q.Page.Validate()); err != nil {
		return nil, err
	}

	patient, err := s.store.FindActivePatientByDemographics(ctx, record.Demographics{
		FamilyName: q.FamilyName,
		GivenName:  q.GivenName,
		Identifier: identifier,
		BirthDate:  birth,
	})
	if errors.Is(err, record.ErrNotFound) {
		return nil, fault.NotFound(MsgPatientAbsent)
	}
	if err != nil {
		return nil, fmt.Errorf("find patient by demographics: %w", err)
	}

	page, err := s.store.PageActiveEncountersByPatient(ctx, patient.ID, q.Page)
	if err != nil {
		return nil, fmt.Errorf("page encounters for patient %d: %w", patient.ID, err)
	}
	return result.OK(MsgDemographic, newPage(page)), nil
}

func (s *Service) activePatient(ctx context.Context, id int64) (*record.Patient, error) {
	p, err := s.store.FindActivePatientByID(ctx, id)
	if errors.Is(err, record.ErrNotFound) {
		return nil, fault.NotFound(MsgPatientAbsent)
	}
	if err != nil {
		return nil, fmt.Errorf("find patient %d: %w", id, err)
	}
	return p, nil
}

func parseIdentifier(text string) (int64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, validate.Identifier(nil)
	}
	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fault.InvalidFormat("identifier", "Identifier must be numeric, but got: "+text)
	}
	if err := validate.Identifier(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func pageFault(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pagination.ErrInvalidPage):
		return fault.Validation("page", err.Error())
	case errors.Is(err, pagination.ErrInvalidSize):
		return fault.Validation("size", err.Error())
	default:
		return err
	}
}
