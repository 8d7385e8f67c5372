package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/abtik/intake/internal/domain/patient"
	"github.com/abtik/intake/pkg/normalize"
)

// LinkConfig bounds the read-modify-write loop that appends a record ID to
// its patient.
type LinkConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// DefaultLinkConfig is 6 attempts 300ms apart.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{MaxAttempts: 6, RetryDelay: 300 * time.Millisecond}
}

// RecordInput is the content of a new visit record.
type RecordInput struct {
	PatientID   string
	PatientName string
	ImageURL    string
	ImageFileID string
	Extraction  ExtractionResult
}

// Linker creates visit records and keeps patients' record lists in step.
type Linker struct {
	patients patient.PatientRepository
	records  patient.VisitRecordRepository
	cfg      LinkConfig
	now      func() time.Time
	logger   zerolog.Logger
}

func NewLinker(patients patient.PatientRepository, records patient.VisitRecordRepository, cfg LinkConfig, logger zerolog.Logger) *Linker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Linker{
		patients: patients,
		records:  records,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With().Str("component", "linker").Logger(),
	}
}

// CreateRecord stores a visit record for in. The visit date defaults to
// today when the form carried none.
func (l *Linker) CreateRecord(ctx context.Context, in RecordInput) (*patient.VisitRecord, error) {
	visit := normalize.Today(l.now())
	if in.Extraction.Visited != nil && *in.Extraction.Visited != "" {
		visit = normalize.Date(*in.Extraction.Visited)
	}
	r := &patient.VisitRecord{
		PatientID:   in.PatientID,
		PatientName: in.PatientName,
		VisitDate:   visit,
		Symptom1:    in.Extraction.Symptom1,
		Symptom2:    in.Extraction.Symptom2,
		Symptom3:    in.Extraction.Symptom3,
		Summary:     in.Extraction.Summary,
		Place:       in.Extraction.Place,
		ImageURL:    in.ImageURL,
		ImageFileID: in.ImageFileID,
	}
	if err := l.records.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create visit record: %w", err)
	}
	return r, nil
}

// Link adds recordID to the patient's record list. Each attempt refetches
// the patient and writes against the version it read; conflicts and other
// failures are retried after RetryDelay. ErrLinkExhausted is returned once
// every attempt failed. A cancelled context stops the loop early.
func (l *Linker) Link(ctx context.Context, patientID, recordID string) (attempts int, err error) {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, l.cfg.RetryDelay); err != nil {
				return attempt - 1, fmt.Errorf("%w: %v", ErrLinkExhausted, err)
			}
		}

		lastErr = l.linkOnce(ctx, patientID, recordID)
		if lastErr == nil {
			return attempt, nil
		}
		if errors.Is(lastErr, patient.ErrNotFound) {
			return attempt, fmt.Errorf("%w: patient %s: %v", ErrLinkExhausted, patientID, lastErr)
		}
		l.logger.Debug().Err(lastErr).
			Str("patient_id", patientID).
			Str("record_id", recordID).
			Int("attempt", attempt).
			Msg("link attempt failed")
	}
	return l.cfg.MaxAttempts, fmt.Errorf("%w after %d attempts: %v", ErrLinkExhausted, l.cfg.MaxAttempts, lastErr)
}

func (l *Linker) linkOnce(ctx context.Context, patientID, recordID string) error {
	p, err := l.patients.GetByID(ctx, patientID)
	if err != nil {
		return err
	}
	if p.HasRecord(recordID) {
		return nil
	}
	ids := append(append([]string{}, p.RecordIDs...), recordID)
	_, err = l.patients.SetRecordIDs(ctx, patientID, ids, p.Version)
	return err
}

// VerifyReference re-reads the record and points it back at patientID when
// a concurrent write left it referencing something else. corrected reports
// whether a corrective update was issued.
func (l *Linker) VerifyReference(ctx context.Context, recordID, patientID string) (corrected bool, err error) {
	r, err := l.records.GetByID(ctx, recordID)
	if err != nil {
		return false, fmt.Errorf("reread visit record: %w", err)
	}
	if r.PatientID == patientID {
		return false, nil
	}
	l.logger.Warn().
		Str("record_id", recordID).
		Str("stored", r.PatientID).
		Str("expected", patientID).
		Msg("visit record reference mismatch, correcting")
	if err := l.records.SetPatientID(ctx, recordID, patientID); err != nil {
		return false, fmt.Errorf("correct visit record reference: %w", err)
	}
	return true, nil
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
