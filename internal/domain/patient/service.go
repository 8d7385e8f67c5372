package patient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/abtik/intake/internal/platform/blobstore"
	"github.com/abtik/intake/pkg/normalize"
)

// ErrInvalid wraps every input validation failure of the maintenance flow.
var ErrInvalid = errors.New("invalid input")

// profileImageAttempts bounds the fetch-and-write loop that attaches an
// uploaded profile image when the patient is being modified concurrently.
const profileImageAttempts = 3

type Service struct {
	patients PatientRepository
	records  VisitRecordRepository
	blobs    blobstore.BlobStore
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewService(patients PatientRepository, records VisitRecordRepository, blobs blobstore.BlobStore, logger zerolog.Logger) *Service {
	return &Service{
		patients: patients,
		records:  records,
		blobs:    blobs,
		validate: validator.New(),
		logger:   logger.With().Str("component", "patient").Logger(),
	}
}

// SearchPatients returns patients whose name contains query, or every patient
// when query is blank.
func (s *Service) SearchPatients(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error) {
	if strings.TrimSpace(query) == "" {
		return s.patients.List(ctx, limit, offset)
	}
	return s.patients.SearchByName(ctx, query, limit, offset)
}

func (s *Service) GetPatient(ctx context.Context, id string) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// UpdateProfile applies an explicit staff edit. Unlike intake field-fill it
// overwrites stored values; empty optional fields clear the attribute.
func (s *Service) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*Patient, error) {
	if err := s.validate.Struct(upd); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, describeValidation(err))
	}

	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Version != 0 && upd.Version != p.Version {
		return nil, ErrConflict
	}

	p.Name = strings.TrimSpace(upd.Name)
	p.DateOfBirth = canonicalDate(upd.DateOfBirth)
	p.LastVisited = canonicalDate(upd.LastVisited)
	p.Phone = nil
	if upd.Phone != nil {
		p.Phone = normalize.PhoneDigits(*upd.Phone)
	}
	p.Email = optional(upd.Email)
	p.Place = optional(upd.Place)
	p.Gender = optional(upd.Gender)
	p.BloodType = optional(upd.BloodType)

	if err := s.patients.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SetProfileImage stores an uploaded image and points the patient profile
// at it. The stored file is removed again if the profile cannot be updated.
func (s *Service) SetProfileImage(ctx context.Context, id, fileName, contentType string, content io.Reader) (*Patient, error) {
	if _, err := s.patients.GetByID(ctx, id); err != nil {
		return nil, err
	}

	meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
		FileName:    fileName,
		ContentType: contentType,
		Category:    blobstore.CategoryProfileImage,
	}, content)
	if err != nil {
		return nil, fmt.Errorf("upload profile image: %w", err)
	}
	url := s.blobs.ViewURL(meta.ID)

	for attempt := 1; ; attempt++ {
		p, err := s.patients.GetByID(ctx, id)
		if err == nil {
			p.ProfileImageURL = &url
			err = s.patients.Update(ctx, p)
			if err == nil {
				return p, nil
			}
		}
		if !errors.Is(err, ErrConflict) || attempt == profileImageAttempts {
			if derr := s.blobs.Delete(ctx, meta.ID); derr != nil {
				s.logger.Warn().Err(derr).Str("file_id", meta.ID).Msg("failed to remove orphaned profile image")
			}
			return nil, err
		}
	}
}

// ListVisitRecords returns the visits of a patient, newest first. Records
// are found by reference; records without a usable reference are matched on
// their denormalized patient name.
func (s *Service) ListVisitRecords(ctx context.Context, patientID string) ([]*VisitRecord, error) {
	p, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}

	byRef, err := s.records.ListByPatient(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(byRef))
	out := make([]*VisitRecord, 0, len(byRef))
	for _, r := range byRef {
		seen[r.ID] = true
		out = append(out, r)
	}

	byName, err := s.records.ListByName(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	want := normalize.Name(p.Name)
	for _, r := range byName {
		if seen[r.ID] || normalize.Name(r.PatientName) != want {
			continue
		}
		if r.PatientID != "" {
			// A reference is authoritative unless it points nowhere.
			if _, err := s.patients.GetByID(ctx, r.PatientID); !errors.Is(err, ErrNotFound) {
				continue
			}
		}
		seen[r.ID] = true
		out = append(out, r)
	}

	SortNewestFirst(out)
	return out, nil
}

func (s *Service) GetVisitRecord(ctx context.Context, id string) (*VisitRecord, error) {
	return s.records.GetByID(ctx, id)
}

// SortNewestFirst orders records by visit date, most recent first. Records
// whose date cannot be parsed sort by creation time after dated ones.
func SortNewestFirst(records []*VisitRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		di, oki := normalize.ParseDate(records[i].VisitDate)
		dj, okj := normalize.ParseDate(records[j].VisitDate)
		switch {
		case oki && okj && !di.Equal(dj):
			return di.After(dj)
		case oki != okj:
			return oki
		default:
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
	})
}

func canonicalDate(s *string) *string {
	if isBlank(s) {
		return nil
	}
	v := normalize.Date(trim(*s))
	return &v
}

func optional(s *string) *string {
	if isBlank(s) {
		return nil
	}
	v := trim(*s)
	return &v
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
