package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/intellisoft/digitalhealth/internal/platform/validate"
	"github.com/intellisoft/digitalhealth/pkg/pagination"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS patient (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    identifier  INTEGER NOT NULL,
    given_name  TEXT NOT NULL,
    family_name TEXT NOT NULL,
    gender      TEXT NOT NULL,
    birth_date  TEXT NOT NULL,
    soft_delete BOOLEAN NOT NULL DEFAULT FALSE,
    created_on  TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_patient_identifier_active
    ON patient (identifier) WHERE soft_delete = FALSE;

CREATE TABLE IF NOT EXISTS encounter (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    patient_id      INTEGER NOT NULL REFERENCES patient(id) ON DELETE CASCADE,
    encounter_start TEXT NOT NULL,
    encounter_end   TEXT,
    encounter_date  TEXT NOT NULL,
    soft_delete     BOOLEAN NOT NULL DEFAULT FALSE,
    created_on      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_encounter_patient ON encounter (patient_id, id);

CREATE TABLE IF NOT EXISTS observation (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    patient_id          INTEGER NOT NULL REFERENCES patient(id) ON DELETE CASCADE,
    encounter_id        INTEGER NOT NULL REFERENCES encounter(id) ON DELETE CASCADE,
    code                TEXT NOT NULL,
    observation_value   TEXT NOT NULL,
    effective_date_time TEXT NOT NULL,
    soft_delete         BOOLEAN NOT NULL DEFAULT FALSE,
    created_on          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observation_patient ON observation (patient_id, id);
`

type sqliteTxKey struct{}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type sqlScanner interface {
	Scan(dest ...interface{}) error
}

// SQLiteStore is a single-file Store for development and tests. Dates and
// timestamps are stored as text in the API layouts so they sort and compare
// lexically.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps in-memory databases shared and serialises writers.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, sqliteSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: sqlDB}, nil
}

func (s *SQLiteStore) conn(ctx context.Context) sqlQuerier {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() { s.db.Close() }

func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, sqliteTxKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func mapSQLiteError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

func parseStoredDate(s string) (time.Time, error) {
	return time.Parse(validate.DateLayout, s)
}

func parseStoredTimestamp(s string) (time.Time, error) {
	return time.Parse(validate.TimestampLayout, s)
}

func formatCreatedOn(t time.Time) string {
	return createdOn(t).Format(time.RFC3339Nano)
}

func sqliteScanPatient(row sqlScanner) (*Patient, error) {
	var p Patient
	var gender, birth, created string
	if err := row.Scan(&p.ID, &p.Identifier, &p.GivenName, &p.FamilyName, &gender,
		&birth, &p.SoftDelete, &created); err != nil {
		return nil, err
	}
	var err error
	if p.BirthDate, err = parseStoredDate(birth); err != nil {
		return nil, fmt.Errorf("patient %d birth_date: %w", p.ID, err)
	}
	if p.CreatedOn, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("patient %d created_on: %w", p.ID, err)
	}
	p.Gender = Gender(gender)
	return &p, nil
}

func sqliteScanEncounter(row sqlScanner) (*Encounter, error) {
	var e Encounter
	var start, date, created string
	var end sql.NullString
	if err := row.Scan(&e.ID, &e.PatientID, &start, &end, &date, &e.SoftDelete, &created); err != nil {
		return nil, err
	}
	var err error
	if e.Start, err = parseStoredTimestamp(start); err != nil {
		return nil, fmt.Errorf("encounter %d start: %w", e.ID, err)
	}
	if end.Valid {
		t, err := parseStoredTimestamp(end.String)
		if err != nil {
			return nil, fmt.Errorf("encounter %d end: %w", e.ID, err)
		}
		e.End = &t
	}
	if e.EncounterDate, err = parseStoredDate(date); err != nil {
		return nil, fmt.Errorf("encounter %d date: %w", e.ID, err)
	}
	if e.CreatedOn, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("encounter %d created_on: %w", e.ID, err)
	}
	return &e, nil
}

func sqliteScanObservation(row sqlScanner) (*Observation, error) {
	var o Observation
	var effective, created string
	if err := row.Scan(&o.ID, &o.PatientID, &o.EncounterID, &o.Code, &o.Value,
		&effective, &o.SoftDelete, &created); err != nil {
		return nil, err
	}
	var err error
	if o.EffectiveDateTime, err = parseStoredTimestamp(effective); err != nil {
		return nil, fmt.Errorf("observation %d effective_date_time: %w", o.ID, err)
	}
	if o.CreatedOn, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("observation %d created_on: %w", o.ID, err)
	}
	return &o, nil
}

func (s *SQLiteStore) onePatient(ctx context.Context, query string, args ...interface{}) (*Patient, error) {
	p, err := sqliteScanPatient(s.conn(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapSQLiteError(err)
	}

	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT id FROM encounter WHERE patient_id = ? ORDER BY id`, p.ID)
	if err != nil {
		return nil, fmt.Errorf("load encounter ids for patient %d: %w", p.ID, err)
	}
	defer rows.Close()

	p.EncounterIDs = []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan encounter id: %w", err)
		}
		p.EncounterIDs = append(p.EncounterIDs, id)
	}
	return p, rows.Err()
}

func (s *SQLiteStore) FindPatientByID(ctx context.Context, id int64) (*Patient, error) {
	return s.onePatient(ctx, `SELECT `+patientColumns+` FROM patient WHERE id = ?`, id)
}

func (s *SQLiteStore) FindActivePatientByID(ctx context.Context, id int64) (*Patient, error) {
	return s.onePatient(ctx, `SELECT `+patientColumns+` FROM patient WHERE id = ? AND `+activeClause(""), id)
}

func (s *SQLiteStore) FindPatientByIdentifier(ctx context.Context, identifier int64) (*Patient, error) {
	return s.onePatient(ctx, `SELECT `+patientColumns+` FROM patient WHERE identifier = ?
		ORDER BY soft_delete ASC, id DESC LIMIT 1`, identifier)
}

func (s *SQLiteStore) FindActivePatientByIdentifier(ctx context.Context, identifier int64) (*Patient, error) {
	return s.onePatient(ctx, `SELECT `+patientColumns+` FROM patient WHERE identifier = ? AND `+activeClause("")+`
		ORDER BY id DESC LIMIT 1`, identifier)
}

func (s *SQLiteStore) FindActivePatientByDemographics(ctx context.Context, q Demographics) (*Patient, error) {
	return s.onePatient(ctx, `SELECT `+patientColumns+` FROM patient
		WHERE family_name = ? AND given_name = ? AND identifier = ? AND birth_date = ? AND `+activeClause("")+`
		ORDER BY id DESC LIMIT 1`,
		q.FamilyName, q.GivenName, q.Identifier, validate.FormatDate(q.BirthDate))
}

func (s *SQLiteStore) SavePatient(ctx context.Context, p *Patient) (*Patient, error) {
	id := p.ID
	if id == 0 {
		res, err := s.conn(ctx).ExecContext(ctx, `
			INSERT INTO patient (identifier, given_name, family_name, gender, birth_date, soft_delete, created_on)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.Identifier, p.GivenName, p.FamilyName, string(p.Gender),
			validate.FormatDate(p.BirthDate), p.SoftDelete, formatCreatedOn(p.CreatedOn),
		)
		if err != nil {
			return nil, fmt.Errorf("insert patient: %w", mapSQLiteError(err))
		}
		if id, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("insert patient: %w", err)
		}
	} else if err := s.update(ctx, "patient", `
		UPDATE patient SET identifier = ?, given_name = ?, family_name = ?, gender = ?,
			birth_date = ?, soft_delete = ?
		WHERE id = ?`,
		p.Identifier, p.GivenName, p.FamilyName, string(p.Gender),
		validate.FormatDate(p.BirthDate), p.SoftDelete, id,
	); err != nil {
		return nil, err
	}
	return s.FindPatientByID(ctx, id)
}

func (s *SQLiteStore) update(ctx context.Context, table, query string, args ...interface{}) error {
	res, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, mapSQLiteError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", table, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) withObservations(ctx context.Context, encounters []*Encounter) error {
	if len(encounters) == 0 {
		return nil
	}
	byID := make(map[int64]*Encounter, len(encounters))
	placeholders := make([]string, len(encounters))
	args := make([]interface{}, len(encounters))
	for i, e := range encounters {
		byID[e.ID] = e
		e.Observations = []*Observation{}
		placeholders[i] = "?"
		args[i] = e.ID
	}

	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT `+observationColumns+` FROM observation WHERE encounter_id IN (`+strings.Join(placeholders, ", ")+`) ORDER BY id`,
		args...)
	if err != nil {
		return fmt.Errorf("load observations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		o, err := sqliteScanObservation(rows)
		if err != nil {
			return err
		}
		if e := byID[o.EncounterID]; e != nil {
			e.Observations = append(e.Observations, o)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) encounters(ctx context.Context, query string, args ...interface{}) ([]*Encounter, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Encounter{}
	for rows.Next() {
		e, err := sqliteScanEncounter(rows)
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

func (s *SQLiteStore) encounterByID(ctx context.Context, query string, id int64) (*Encounter, error) {
	e, err := sqliteScanEncounter(s.conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	if err := s.withObservations(ctx, []*Encounter{e}); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) FindActiveEncounterByID(ctx context.Context, id int64) (*Encounter, error) {
	return s.encounterByID(ctx, `SELECT `+encounterColumns+` FROM encounter WHERE id = ? AND `+activeClause(""), id)
}

func (s *SQLiteStore) FindEncountersByPatient(ctx context.Context, patientID int64) ([]*Encounter, error) {
	out, err := s.encounters(ctx, `SELECT `+encounterColumns+` FROM encounter WHERE patient_id = ? ORDER BY id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list encounters for patient %d: %w", patientID, err)
	}
	return out, nil
}

func nullableTimestamp(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return validate.FormatTimestamp(*t)
}

func (s *SQLiteStore) SaveEncounter(ctx context.Context, e *Encounter) (*Encounter, error) {
	id := e.ID
	if id == 0 {
		res, err := s.conn(ctx).ExecContext(ctx, `
			INSERT INTO encounter (patient_id, encounter_start, encounter_end, encounter_date, soft_delete, created_on)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.PatientID, validate.FormatTimestamp(e.Start), nullableTimestamp(e.End),
			validate.FormatDate(e.EncounterDate), e.SoftDelete, formatCreatedOn(e.CreatedOn),
		)
		if err != nil {
			return nil, fmt.Errorf("insert encounter: %w", mapSQLiteError(err))
		}
		if id, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("insert encounter: %w", err)
		}
	} else if err := s.update(ctx, "encounter", `
		UPDATE encounter SET encounter_start = ?, encounter_end = ?, encounter_date = ?, soft_delete = ?
		WHERE id = ?`,
		validate.FormatTimestamp(e.Start), nullableTimestamp(e.End),
		validate.FormatDate(e.EncounterDate), e.SoftDelete, id,
	); err != nil {
		return nil, err
	}

	saved, err := s.encounterByID(ctx, `SELECT `+encounterColumns+` FROM encounter WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("reload encounter %d: %w", id, err)
	}
	return saved, nil
}

func (s *SQLiteStore) PageActiveEncountersByPatient(ctx context.Context, patientID int64, p pagination.Params) (*pagination.Page[*Encounter], error) {
	total, err := s.CountActiveEncountersByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	content, err := s.encounters(ctx,
		`SELECT `+encounterColumns+` FROM encounter WHERE patient_id = ? AND `+activeClause("")+`
		ORDER BY id `+p.SQL(), patientID)
	if err != nil {
		return nil, fmt.Errorf("page encounters for patient %d: %w", patientID, err)
	}
	return pagination.NewPage(content, p, total), nil
}

func (s *SQLiteStore) CountActiveEncountersByPatient(ctx context.Context, patientID int64) (int, error) {
	var total int
	if err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM encounter WHERE patient_id = ? AND `+activeClause(""), patientID).Scan(&total); err != nil {
		return 0, fmt.Errorf("count encounters for patient %d: %w", patientID, err)
	}
	return total, nil
}

func (s *SQLiteStore) SaveObservation(ctx context.Context, o *Observation) (*Observation, error) {
	id := o.ID
	if id == 0 {
		res, err := s.conn(ctx).ExecContext(ctx, `
			INSERT INTO observation (patient_id, encounter_id, code, observation_value, effective_date_time, soft_delete, created_on)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			o.PatientID, o.EncounterID, o.Code, o.Value,
			validate.FormatTimestamp(o.EffectiveDateTime), o.SoftDelete, formatCreatedOn(o.CreatedOn),
		)
		if err != nil {
			return nil, fmt.Errorf("insert observation: %w", mapSQLiteError(err))
		}
		if id, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("insert observation: %w", err)
		}
	} else if err := s.update(ctx, "observation", `
		UPDATE observation SET code = ?, observation_value = ?, effective_date_time = ?, soft_delete = ?
		WHERE id = ?`,
		o.Code, o.Value, validate.FormatTimestamp(o.EffectiveDateTime), o.SoftDelete, id,
	); err != nil {
		return nil, err
	}

	saved, err := sqliteScanObservation(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+observationColumns+` FROM observation WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("reload observation %d: %w", id, mapSQLiteError(err))
	}
	return saved, nil
}

func (s *SQLiteStore) PageActiveObservationsByPatient(ctx context.Context, patientID int64, p pagination.Params, order SortOrder) (*pagination.Page[*Observation], error) {
	var total int
	if err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM observation WHERE patient_id = ? AND `+activeClause(""), patientID).Scan(&total); err != nil {
		return nil, fmt.Errorf("count observations for patient %d: %w", patientID, err)
	}

	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT `+observationColumns+` FROM observation WHERE patient_id = ? AND `+activeClause("")+`
		ORDER BY id `+order.sql()+` `+p.SQL(), patientID)
	if err != nil {
		return nil, fmt.Errorf("page observations for patient %d: %w", patientID, err)
	}
	defer rows.Close()

	content := []*Observation{}
	for rows.Next() {
		o, err := sqliteScanObservation(rows)
		if err != nil {
			return nil, err
		}
		content = append(content, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("page observations for patient %d: %w", patientID, err)
	}
	return pagination.NewPage(content, p, total), nil
}
