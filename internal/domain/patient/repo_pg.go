package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// -- Patient Repository --

type patientRepoPG struct {
	db querier
}

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{db: pool}
}

const patientCols = `id, name, date_of_birth, last_visited, phone, email, place, gender, blood_type,
	profile_image_url, record_ids, version, created_at, updated_at`

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.RecordIDs == nil {
		p.RecordIDs = []string{}
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO patient (
			id, name, date_of_birth, last_visited, phone, email, place, gender, blood_type,
			profile_image_url, record_ids, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1)
		RETURNING version, created_at, updated_at`,
		p.ID, p.Name, p.DateOfBirth, p.LastVisited, p.Phone, p.Email, p.Place, p.Gender, p.BloodType,
		p.ProfileImageURL, p.RecordIDs,
	).Scan(&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	return nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id string) (*Patient, error) {
	p, err := scanPatient(r.db.QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *patientRepoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, err
	}
	patients, err := r.query(ctx, `SELECT `+patientCols+` FROM patient ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	return patients, total, err
}

func (r *patientRepoPG) ListAll(ctx context.Context) ([]*Patient, error) {
	return r.query(ctx, `SELECT `+patientCols+` FROM patient ORDER BY created_at`)
}

func (r *patientRepoPG) SearchByName(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error) {
	pattern := containsPattern(query)
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM patient WHERE name ILIKE $1 ESCAPE '\'`, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	patients, err := r.query(ctx, `SELECT `+patientCols+` FROM patient WHERE name ILIKE $1 ESCAPE '\'
		ORDER BY lower(name) LIMIT $2 OFFSET $3`, pattern, limit, offset)
	return patients, total, err
}

// likeEscaper quotes the LIKE wildcards so a search is a literal substring
// match, as in the Mongo backend.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func containsPattern(query string) string {
	return "%" + likeEscaper.Replace(query) + "%"
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	err := r.db.QueryRow(ctx, `
		UPDATE patient SET
			name=$3, date_of_birth=$4, last_visited=$5, phone=$6, email=$7, place=$8, gender=$9,
			blood_type=$10, profile_image_url=$11, version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		p.ID, p.Version,
		p.Name, p.DateOfBirth, p.LastVisited, p.Phone, p.Email, p.Place, p.Gender,
		p.BloodType, p.ProfileImageURL,
	).Scan(&p.Version, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.missOrConflict(ctx, p.ID)
	}
	return err
}

func (r *patientRepoPG) SetRecordIDs(ctx context.Context, id string, recordIDs []string, expectedVersion int64) (int64, error) {
	if recordIDs == nil {
		recordIDs = []string{}
	}
	var version int64
	err := r.db.QueryRow(ctx, `
		UPDATE patient SET record_ids=$3, version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $2
		RETURNING version`,
		id, expectedVersion, recordIDs,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, r.missOrConflict(ctx, id)
	}
	return version, err
}

// missOrConflict tells apart a lost race from a missing row after a
// version-checked update matched nothing.
func (r *patientRepoPG) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM patient WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (r *patientRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Patient, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.Name, &p.DateOfBirth, &p.LastVisited, &p.Phone, &p.Email, &p.Place, &p.Gender, &p.BloodType,
		&p.ProfileImageURL, &p.RecordIDs, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// -- Visit Record Repository --

type visitRecordRepoPG struct {
	db querier
}

func NewVisitRecordRepoPG(pool *pgxpool.Pool) VisitRecordRepository {
	return &visitRecordRepoPG{db: pool}
}

const recordCols = `id, patient_id, patient_name, visit_date, symptom1, symptom2, symptom3, summary,
	place, image_url, image_file_id, created_at`

func (r *visitRecordRepoPG) Create(ctx context.Context, rec *VisitRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO visit_record (
			id, patient_id, patient_name, visit_date, symptom1, symptom2, symptom3, summary,
			place, image_url, image_file_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at`,
		rec.ID, rec.PatientID, rec.PatientName, rec.VisitDate, rec.Symptom1, rec.Symptom2, rec.Symptom3, rec.Summary,
		rec.Place, rec.ImageURL, rec.ImageFileID,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("visit record create: %w", err)
	}
	return nil
}

func (r *visitRecordRepoPG) GetByID(ctx context.Context, id string) (*VisitRecord, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, `SELECT `+recordCols+` FROM visit_record WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (r *visitRecordRepoPG) ListByPatient(ctx context.Context, patientID string) ([]*VisitRecord, error) {
	return r.query(ctx, `SELECT `+recordCols+` FROM visit_record WHERE patient_id = $1 ORDER BY created_at`, patientID)
}

func (r *visitRecordRepoPG) ListByName(ctx context.Context, name string) ([]*VisitRecord, error) {
	return r.query(ctx, `SELECT `+recordCols+` FROM visit_record
		WHERE lower(btrim(patient_name)) = lower(btrim($1)) ORDER BY created_at`, name)
}

func (r *visitRecordRepoPG) ListAll(ctx context.Context) ([]*VisitRecord, error) {
	return r.query(ctx, `SELECT `+recordCols+` FROM visit_record ORDER BY created_at`)
}

func (r *visitRecordRepoPG) SetPatientID(ctx context.Context, id, patientID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE visit_record SET patient_id = $2 WHERE id = $1`, id, patientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *visitRecordRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*VisitRecord, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*VisitRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(row pgx.Row) (*VisitRecord, error) {
	var rec VisitRecord
	err := row.Scan(
		&rec.ID, &rec.PatientID, &rec.PatientName, &rec.VisitDate, &rec.Symptom1, &rec.Symptom2, &rec.Symptom3, &rec.Summary,
		&rec.Place, &rec.ImageURL, &rec.ImageFileID, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
