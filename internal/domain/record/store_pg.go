package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intellisoft/digitalhealth/internal/platform/db"
	"github.com/intellisoft/digitalhealth/pkg/pagination"
)

const pgUniqueViolation = "23505"

const (
	patientColumns     = `id, identifier, given_name, family_name, gender, birth_date, soft_delete, created_on`
	encounterColumns   = `id, patient_id, encounter_start, encounter_end, encounter_date, soft_delete, created_on`
	observationColumns = `id, patient_id, encounter_id, code, observation_value, effective_date_time, soft_delete, created_on`
)

// PGStore is the PostgreSQL Store. Queries run on the transaction carried
// by the context when there is one.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

func (s *PGStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PGStore) Close() { s.pool.Close() }

func (s *PGStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, s.pool, fn)
}

func mapPGError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicate
	}
	return err
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var gender string
	if err := row.Scan(&p.ID, &p.Identifier, &p.GivenName, &p.FamilyName, &gender,
		&p.BirthDate, &p.SoftDelete, &p.CreatedOn); err != nil {
		return nil, err
	}
	p.Gender = Gender(gender)
	return &p, nil
}

func scanEncounter(row pgx.Row) (*Encounter, error) {
	var e Encounter
	if err := row.Scan(&e.ID, &e.PatientID, &e.Start, &e.End, &e.EncounterDate,
		&e.SoftDelete, &e.CreatedOn); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanObservation(row pgx.Row) (*Observation, error) {
	var o Observation
	if err := row.Scan(&o.ID, &o.PatientID, &o.EncounterID, &o.Code, &o.Value,
		&o.EffectiveDateTime, &o.SoftDelete, &o.CreatedOn); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PGStore) withEncounterIDs(ctx context.Context, p *Patient) (*Patient, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT id FROM encounter WHERE patient_id = $1 ORDER BY id`, p.ID)
	if err != nil {
		return nil, fmt.Errorf("load encounter ids for patient %d: %w", p.ID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("load encounter ids for patient %d: %w", p.ID, err)
	}
	p.EncounterIDs = ids
	if p.EncounterIDs == nil {
		p.EncounterIDs = []int64{}
	}
	return p, nil
}

func (s *PGStore) onePatient(ctx context.Context, query string, args ...interface{}) (*Patient, error) {
	p, err := scanPatient(s.conn(ctx).QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapPGError(err)
	}
	return s.withEncounterIDs(ctx, p)
}

func (s *PGStore) FindPatientByID(ctx context.Context, id int64) (*Patient, error) {
	return s.onePatient(ctx, `SELECT `+patientColumns+` FROM patient WHERE id = $1`, id)
}

func (s *PGStore) FindActivePatientByID(ctx context.Context, id int64) (*Patient, error) {
	return s.onePatient(ctx, `SELECT `+patientColumns+` FROM patient WHERE id = $1 AND `+activeClause(""), id)
}

func (s *PGStore) FindPatientByIdentifier(ctx context.Context, identifier int64) (*Patient, error) {
	return s.onePatient(ctx, `SELECT `+patientColumns+` FROM patient WHERE identifier = $1
		ORDER BY soft_delete ASC, id DESC LIMIT 1`, identifier)
}

func (s *PGStore) FindActivePatientByIdentifier(ctx context.Context, identifier int64) (*Patient, error) {
	return s.onePatient(ctx, `SELECT `+patientColumns+` FROM patient WHERE identifier = $1 AND `+activeClause("")+`
		ORDER BY id DESC LIMIT 1`, identifier)
}

func (s *PGStore) FindActivePatientByDemographics(ctx context.Context, q Demographics) (*Patient, error) {
	return s.onePatient(ctx, `SELECT `+patientColumns+` FROM patient
		WHERE family_name = $1 AND given_name = $2 AND identifier = $3 AND birth_date = $4 AND `+activeClause("")+`
		ORDER BY id DESC LIMIT 1`,
		q.FamilyName, q.GivenName, q.Identifier, q.BirthDate)
}

func (s *PGStore) SavePatient(ctx context.Context, p *Patient) (*Patient, error) {
	var err error
	if p.ID == 0 {
		err = s.conn(ctx).QueryRow(ctx, `
			INSERT INTO patient (identifier, given_name, family_name, gender, birth_date, soft_delete, created_on)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			p.Identifier, p.GivenName, p.FamilyName, string(p.Gender), p.BirthDate, p.SoftDelete, createdOn(p.CreatedOn),
		).Scan(&p.ID)
	} else {
		var tag pgconn.CommandTag
		tag, err = s.conn(ctx).Exec(ctx, `
			UPDATE patient SET
				identifier = $2, given_name = $3, family_name = $4, gender = $5,
				birth_date = $6, soft_delete = $7, updated_at = NOW()
			WHERE id = $1`,
			p.ID, p.Identifier, p.GivenName, p.FamilyName, string(p.Gender), p.BirthDate, p.SoftDelete,
		)
		if err == nil && tag.RowsAffected() == 0 {
			err = pgx.ErrNoRows
		}
	}
	if err != nil {
		return nil, fmt.Errorf("save patient: %w", mapPGError(err))
	}
	return s.FindPatientByID(ctx, p.ID)
}

func (s *PGStore) withObservations(ctx context.Context, encounters []*Encounter) error {
	if len(encounters) == 0 {
		return nil
	}
	ids := make([]int64, len(encounters))
	byID := make(map[int64]*Encounter, len(encounters))
	for i, e := range encounters {
		ids[i] = e.ID
		byID[e.ID] = e
		e.Observations = []*Observation{}
	}

	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+observationColumns+` FROM observation WHERE encounter_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("load observations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return fmt.Errorf("scan observation: %w", err)
		}
		if e := byID[o.EncounterID]; e != nil {
			e.Observations = append(e.Observations, o)
		}
	}
	return rows.Err()
}

func (s *PGStore) encounters(ctx context.Context, query string, args ...interface{}) ([]*Encounter, error) {
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Encounter
	for rows.Next() {
		e, err := scanEncounter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := s.withObservations(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) FindActiveEncounterByID(ctx context.Context, id int64) (*Encounter, error) {
	e, err := scanEncounter(s.conn(ctx).QueryRow(ctx,
		`SELECT `+encounterColumns+` FROM encounter WHERE id = $1 AND `+activeClause(""), id))
	if err != nil {
		return nil, mapPGError(err)
	}
	if err := s.withObservations(ctx, []*Encounter{e}); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *PGStore) FindEncountersByPatient(ctx context.Context, patientID int64) ([]*Encounter, error) {
	out, err := s.encounters(ctx,
		`SELECT `+encounterColumns+` FROM encounter WHERE patient_id = $1 ORDER BY id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list encounters for patient %d: %w", patientID, err)
	}
	if out == nil {
		out = []*Encounter{}
	}
	return out, nil
}

func (s *PGStore) SaveEncounter(ctx context.Context, e *Encounter) (*Encounter, error) {
	var err error
	if e.ID == 0 {
		err = s.conn(ctx).QueryRow(ctx, `
			INSERT INTO encounter (patient_id, encounter_start, encounter_end, encounter_date, soft_delete, created_on)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			e.PatientID, e.Start, e.End, e.EncounterDate, e.SoftDelete, createdOn(e.CreatedOn),
		).Scan(&e.ID)
	} else {
		var tag pgconn.CommandTag
		tag, err = s.conn(ctx).Exec(ctx, `
			UPDATE encounter SET
				encounter_start = $2, encounter_end = $3, encounter_date = $4,
				soft_delete = $5, updated_at = NOW()
			WHERE id = $1`,
			e.ID, e.Start, e.End, e.EncounterDate, e.SoftDelete,
		)
		if err == nil && tag.RowsAffected() == 0 {
			err = pgx.ErrNoRows
		}
	}
	if err != nil {
		return nil, fmt.Errorf("save encounter: %w", mapPGError(err))
	}

	saved, err := scanEncounter(s.conn(ctx).QueryRow(ctx,
		`SELECT `+encounterColumns+` FROM encounter WHERE id = $1`, e.ID))
	if err != nil {
		return nil, fmt.Errorf("reload encounter %d: %w", e.ID, mapPGError(err))
	}
	if err := s.withObservations(ctx, []*Encounter{saved}); err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *PGStore) PageActiveEncountersByPatient(ctx context.Context, patientID int64, p pagination.Params) (*pagination.Page[*Encounter], error) {
	total, err := s.CountActiveEncountersByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	content, err := s.encounters(ctx,
		`SELECT `+encounterColumns+` FROM encounter WHERE patient_id = $1 AND `+activeClause("")+`
		ORDER BY id `+p.SQL(), patientID)
	if err != nil {
		return nil, fmt.Errorf("page encounters for patient %d: %w", patientID, err)
	}
	return pagination.NewPage(content, p, total), nil
}

func (s *PGStore) CountActiveEncountersByPatient(ctx context.Context, patientID int64) (int, error) {
	var total int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM encounter WHERE patient_id = $1 AND `+activeClause(""), patientID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count encounters for patient %d: %w", patientID, err)
	}
	return total, nil
}

func (s *PGStore) SaveObservation(ctx context.Context, o *Observation) (*Observation, error) {
	var err error
	if o.ID == 0 {
		err = s.conn(ctx).QueryRow(ctx, `
			INSERT INTO observation (patient_id, encounter_id, code, observation_value, effective_date_time, soft_delete, created_on)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			o.PatientID, o.EncounterID, o.Code, o.Value, o.EffectiveDateTime, o.SoftDelete, createdOn(o.CreatedOn),
		).Scan(&o.ID)
	} else {
		var tag pgconn.CommandTag
		tag, err = s.conn(ctx).Exec(ctx, `
			UPDATE observation SET
				code = $2, observation_value = $3, effective_date_time = $4,
				soft_delete = $5, updated_at = NOW()
			WHERE id = $1`,
			o.ID, o.Code, o.Value, o.EffectiveDateTime, o.SoftDelete,
		)
		if err == nil && tag.RowsAffected() == 0 {
			err = pgx.ErrNoRows
		}
	}
	if err != nil {
		return nil, fmt.Errorf("save observation: %w", mapPGError(err))
	}

	saved, err := scanObservation(s.conn(ctx).QueryRow(ctx,
		`SELECT `+observationColumns+` FROM observation WHERE id = $1`, o.ID))
	if err != nil {
		return nil, fmt.Errorf("reload observation %d: %w", o.ID, mapPGError(err))
	}
	return saved, nil
}

func (s *PGStore) PageActiveObservationsByPatient(ctx context.Context, patientID int64, p pagination.Params, order SortOrder) (*pagination.Page[*Observation], error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM observation WHERE patient_id = $1 AND `+activeClause(""), patientID).Scan(&total); err != nil {
		return nil, fmt.Errorf("count observations for patient %d: %w", patientID, err)
	}

	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+observationColumns+` FROM observation WHERE patient_id = $1 AND `+activeClause("")+`
		ORDER BY id `+order.sql()+` `+p.SQL(), patientID)
	if err != nil {
		return nil, fmt.Errorf("page observations for patient %d: %w", patientID, err)
	}
	defer rows.Close()

	var content []*Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		content = append(content, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("page observations for patient %d: %w", patientID, err)
	}
	return pagination.NewPage(content, p, total), nil
}

// createdOn defaults an unset creation stamp to the current instant.
func createdOn(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
