package record

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/intellisoft/digitalhealth/pkg/pagination"
)

type memTxKey struct{}

// MemoryStore is a map-backed Store. Reads return copies so callers can
// mutate what they load without touching stored state.
type MemoryStore struct {
	mu           sync.RWMutex
	txMu         sync.Mutex
	patients     map[int64]*Patient
	encounters   map[int64]*Encounter
	observations map[int64]*Observation
	seq          int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:     make(map[int64]*Patient),
		encounters:   make(map[int64]*Encounter),
		observations: make(map[int64]*Observation),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() {}

func (s *MemoryStore) nextID() int64 {
	s.seq++
	return s.seq
}

func clonePatient(p *Patient) *Patient {
	cp := *p
	cp.EncounterIDs = nil
	return &cp
}

func cloneEncounter(e *Encounter) *Encounter {
	cp := *e
	if e.End != nil {
		end := *e.End
		cp.End = &end
	}
	cp.Observations = nil
	return &cp
}

func cloneObservation(o *Observation) *Observation {
	cp := *o
	return &cp
}

// loadPatient must be called with mu held.
func (s *MemoryStore) loadPatient(p *Patient) *Patient {
	out := clonePatient(p)
	out.EncounterIDs = []int64{}
	for id, e := range s.encounters {
		if e.PatientID == p.ID {
			out.EncounterIDs = append(out.EncounterIDs, id)
		}
	}
	sort.Slice(out.EncounterIDs, func(i, j int) bool { return out.EncounterIDs[i] < out.EncounterIDs[j] })
	return out
}

// loadEncounter must be called with mu held.
func (s *MemoryStore) loadEncounter(e *Encounter) *Encounter {
	out := cloneEncounter(e)
	out.Observations = []*Observation{}
	for _, o := range s.observations {
		if o.EncounterID == e.ID {
			out.Observations = append(out.Observations, cloneObservation(o))
		}
	}
	sort.Slice(out.Observations, func(i, j int) bool { return out.Observations[i].ID < out.Observations[j].ID })
	return out
}

func (s *MemoryStore) FindPatientByID(_ context.Context, id int64) (*Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.loadPatient(p), nil
}

func (s *MemoryStore) FindActivePatientByID(_ context.Context, id int64) (*Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok || !p.Active() {
		return nil, ErrNotFound
	}
	return s.loadPatient(p), nil
}

// patientsWhere returns matching patients ordered active first, then newest.
func (s *MemoryStore) patientsWhere(match func(*Patient) bool) []*Patient {
	var out []*Patient
	for _, p := range s.patients {
		if match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SoftDelete != out[j].SoftDelete {
			return !out[i].SoftDelete
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *MemoryStore) FindPatientByIdentifier(_ context.Context, identifier int64) (*Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := s.patientsWhere(func(p *Patient) bool { return p.Identifier == identifier })
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return s.loadPatient(found[0]), nil
}

func (s *MemoryStore) FindActivePatientByIdentifier(_ context.Context, identifier int64) (*Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := activeOnly(s.patientsWhere(func(p *Patient) bool { return p.Identifier == identifier }),
		func(p *Patient) Audit { return p.Audit })
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return s.loadPatient(found[0]), nil
}

func (s *MemoryStore) FindActivePatientByDemographics(_ context.Context, q Demographics) (*Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := activeOnly(s.patientsWhere(func(p *Patient) bool {
		return p.FamilyName == q.FamilyName &&
			p.GivenName == q.GivenName &&
			p.Identifier == q.Identifier &&
			p.BirthDate.Equal(q.BirthDate)
	}), func(p *Patient) Audit { return p.Audit })
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return s.loadPatient(found[0]), nil
}

func (s *MemoryStore) SavePatient(_ context.Context, p *Patient) (*Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Active() {
		for _, other := range s.patients {
			if other.ID != p.ID && other.Active() && other.Identifier == p.Identifier {
				return nil, ErrDuplicate
			}
		}
	}

	stored := clonePatient(p)
	if stored.ID == 0 {
		stored.ID = s.nextID()
	} else {
		prev, ok := s.patients[stored.ID]
		if !ok {
			return nil, fmt.Errorf("update patient %d: %w", stored.ID, ErrNotFound)
		}
		stored.CreatedOn = prev.CreatedOn
	}
	s.patients[stored.ID] = stored
	return s.loadPatient(stored), nil
}

func (s *MemoryStore) FindActiveEncounterByID(_ context.Context, id int64) (*Encounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.encounters[id]
	if !ok || !e.Active() {
		return nil, ErrNotFound
	}
	return s.loadEncounter(e), nil
}

// encountersOf must be called with mu held. Results are ordered by id.
func (s *MemoryStore) encountersOf(patientID int64) []*Encounter {
	var out []*Encounter
	for _, e := range s.encounters {
		if e.PatientID == patientID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) FindEncountersByPatient(_ context.Context, patientID int64) ([]*Encounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw := s.encountersOf(patientID)
	out := make([]*Encounter, 0, len(raw))
	for _, e := range raw {
		out = append(out, s.loadEncounter(e))
	}
	return out, nil
}

func (s *MemoryStore) SaveEncounter(_ context.Context, e *Encounter) (*Encounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.patients[e.PatientID]; !ok {
		return nil, fmt.Errorf("save encounter for patient %d: %w", e.PatientID, ErrNotFound)
	}

	stored := cloneEncounter(e)
	if stored.ID == 0 {
		stored.ID = s.nextID()
	} else {
		prev, ok := s.encounters[stored.ID]
		if !ok {
			return nil, fmt.Errorf("update encounter %d: %w", stored.ID, ErrNotFound)
		}
		stored.CreatedOn = prev.CreatedOn
		stored.PatientID = prev.PatientID
	}
	s.encounters[stored.ID] = stored
	return s.loadEncounter(stored), nil
}

func (s *MemoryStore) PageActiveEncountersByPatient(_ context.Context, patientID int64, p pagination.Params) (*pagination.Page[*Encounter], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := activeOnly(s.encountersOf(patientID), func(e *Encounter) Audit { return e.Audit })
	window := pagination.Slice(active, p)
	content := make([]*Encounter, 0, len(window))
	for _, e := range window {
		content = append(content, s.loadEncounter(e))
	}
	return pagination.NewPage(content, p, len(active)), nil
}

func (s *MemoryStore) CountActiveEncountersByPatient(_ context.Context, patientID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(activeOnly(s.encountersOf(patientID), func(e *Encounter) Audit { return e.Audit })), nil
}

func (s *MemoryStore) SaveObservation(_ context.Context, o *Observation) (*Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, ok := s.encounters[o.EncounterID]
	if !ok {
		return nil, fmt.Errorf("save observation for encounter %d: %w", o.EncounterID, ErrNotFound)
	}

	stored := cloneObservation(o)
	stored.PatientID = enc.PatientID
	if stored.ID == 0 {
		stored.ID = s.nextID()
	} else {
		prev, ok := s.observations[stored.ID]
		if !ok {
			return nil, fmt.Errorf("update observation %d: %w", stored.ID, ErrNotFound)
		}
		stored.CreatedOn = prev.CreatedOn
	}
	s.observations[stored.ID] = stored
	return cloneObservation(stored), nil
}

func (s *MemoryStore) PageActiveObservationsByPatient(_ context.Context, patientID int64, p pagination.Params, order SortOrder) (*pagination.Page[*Observation], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Observation
	for _, o := range s.observations {
		if o.PatientID == patientID && o.Active() {
			matched = append(matched, o)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if order == SortDesc {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].ID < matched[j].ID
	})

	window := pagination.Slice(matched, p)
	content := make([]*Observation, 0, len(window))
	for _, o := range window {
		content = append(content, cloneObservation(o))
	}
	return pagination.NewPage(content, p, len(matched)), nil
}

type memSnapshot struct {
	patients     map[int64]*Patient
	encounters   map[int64]*Encounter
	observations map[int64]*Observation
	seq          int64
}

func (s *MemoryStore) snapshot() memSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := memSnapshot{
		patients:     make(map[int64]*Patient, len(s.patients)),
		encounters:   make(map[int64]*Encounter, len(s.encounters)),
		observations: make(map[int64]*Observation, len(s.observations)),
		seq:          s.seq,
	}
	for id, p := range s.patients {
		snap.patients[id] = clonePatient(p)
	}
	for id, e := range s.encounters {
		snap.encounters[id] = cloneEncounter(e)
	}
	for id, o := range s.observations {
		snap.observations[id] = cloneObservation(o)
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients = snap.patients
	s.encounters = snap.encounters
	s.observations = snap.observations
	s.seq = snap.seq
}

// WithinTx serialises transactions and restores the pre-transaction state
// when fn fails. Writes made outside a transaction are not isolated from it.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}
