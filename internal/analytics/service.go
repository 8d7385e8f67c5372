package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/abtik/intake/internal/domain/patient"
	"github.com/abtik/intake/internal/platform/geocode"
	"github.com/abtik/intake/internal/platform/websocket"
)

// DefaultMaxGeocoded bounds how many hotspots are geocoded per dashboard.
const DefaultMaxGeocoded = 25

type PatientLister interface {
	ListAll(ctx context.Context) ([]*patient.Patient, error)
}

type RecordLister interface {
	ListAll(ctx context.Context) ([]*patient.VisitRecord, error)
}

// Notifier delivers change notifications in-process.
type Notifier interface {
	Listen(topic string, fn websocket.Listener) (unsubscribe func())
}

type snapshot struct {
	patients []*patient.Patient
	records  []*patient.VisitRecord
	loadedAt time.Time
}

// Service keeps a snapshot of the patient and record collections and
// computes dashboards from it. The snapshot is replaced by Refresh, which
// is meant to run from a poller.
type Service struct {
	patients    PatientLister
	records     RecordLister
	geo         geocode.Geocoder
	logger      zerolog.Logger
	now         func() time.Time
	maxGeocoded int

	mu   sync.RWMutex
	snap *snapshot
}

// NewService builds a Service. geo may be nil, in which case hotspots carry
// no coordinates.
func NewService(patients PatientLister, records RecordLister, geo geocode.Geocoder, logger zerolog.Logger) *Service {
	return &Service{
		patients:    patients,
		records:     records,
		geo:         geo,
		logger:      logger.With().Str("component", "analytics").Logger(),
		now:         time.Now,
		maxGeocoded: DefaultMaxGeocoded,
	}
}

// Refresh reloads the snapshot. A failed refresh keeps the previous one.
func (s *Service) Refresh(ctx context.Context) error {
	patients, err := s.patients.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list patients: %w", err)
	}
	records, err := s.records.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list visit records: %w", err)
	}

	s.mu.Lock()
	s.snap = &snapshot{patients: patients, records: records, loadedAt: s.now()}
	s.mu.Unlock()

	s.logger.Debug().Int("patients", len(patients)).Int("records", len(records)).Msg("analytics snapshot refreshed")
	return nil
}

// Watch calls trigger whenever visit records change.
func (s *Service) Watch(n Notifier, trigger func()) (stop func()) {
	return n.Listen(websocket.TopicRecords, func(websocket.Event) { trigger() })
}

func (s *Service) current(ctx context.Context) (*snapshot, error) {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, nil
}

// Dashboard computes the dashboard for q, loading the snapshot first if no
// refresh has completed yet.
func (s *Service) Dashboard(ctx context.Context, q Query) (*Dashboard, error) {
	snap, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	d := Compute(s.now(), snap.patients, snap.records, q)
	d.DataAsOf = snap.loadedAt
	s.locate(ctx, d.Hotspots)
	return d, nil
}

// locate fills in coordinates for the busiest hotspots. Lookup failures
// leave the hotspot without coordinates.
func (s *Service) locate(ctx context.Context, spots []Hotspot) {
	if s.geo == nil {
		return
	}
	for i := range spots {
		if i >= s.maxGeocoded {
			return
		}
		c, err := s.geo.Geocode(ctx, spots[i].Place)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Str("place", spots[i].Place).Msg("geocode failed")
			continue
		}
		spots[i].Coords = c
	}
}
