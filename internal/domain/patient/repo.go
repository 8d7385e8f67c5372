package patient

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a patient or visit record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a version-checked write loses a race.
	ErrConflict = errors.New("version conflict")
)

// PatientRepository is the document-store contract for the patients
// collection. Update and SetRecordIDs are version-checked: they fail with
// ErrConflict when the stored version differs from the one supplied, and
// bump the version on success.
type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id string) (*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	ListAll(ctx context.Context) ([]*Patient, error)
	SearchByName(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error)

	// Update writes the profile attributes of p (everything except
	// RecordIDs). On success p.Version holds the new version.
	Update(ctx context.Context, p *Patient) error
	// SetRecordIDs replaces the record identifier list.
	SetRecordIDs(ctx context.Context, id string, recordIDs []string, expectedVersion int64) (int64, error)
}

// VisitRecordRepository is the document-store contract for the visit
// records collection.
type VisitRecordRepository interface {
	Create(ctx context.Context, r *VisitRecord) error
	GetByID(ctx context.Context, id string) (*VisitRecord, error)
	ListByPatient(ctx context.Context, patientID string) ([]*VisitRecord, error)
	// ListByName returns records whose denormalized patient name equals name,
	// compared case-insensitively after trimming.
	ListByName(ctx context.Context, name string) ([]*VisitRecord, error)
	ListAll(ctx context.Context) ([]*VisitRecord, error)
	SetPatientID(ctx context.Context, id, patientID string) error
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

func trim(s string) string {
	return strings.TrimSpace(s)
}
