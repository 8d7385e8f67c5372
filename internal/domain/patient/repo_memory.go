package patient

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe, in-memory implementation of both
// repositories, used in development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	patients map[string]*Patient
	records  map[string]*VisitRecord
	order    []string
	recOrder []string
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients: make(map[string]*Patient),
		records:  make(map[string]*VisitRecord),
		now:      time.Now,
	}
}

// Patients returns the store viewed as a PatientRepository.
func (s *MemoryStore) Patients() PatientRepository { return memoryPatients{s} }

// Records returns the store viewed as a VisitRecordRepository.
func (s *MemoryStore) Records() VisitRecordRepository { return memoryRecords{s} }

type memoryPatients struct{ s *MemoryStore }

func (m memoryPatients) Create(_ context.Context, p *Patient) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.RecordIDs == nil {
		p.RecordIDs = []string{}
	}
	now := s.now().UTC()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	s.patients[p.ID] = p.Clone()
	s.order = append(s.order, p.ID)
	return nil
}

func (m memoryPatients) GetByID(_ context.Context, id string) (*Patient, error) {
	s := m.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m memoryPatients) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	all, _ := m.ListAll(ctx)
	return page(all, limit, offset), len(all), nil
}

func (m memoryPatients) ListAll(_ context.Context) ([]*Patient, error) {
	s := m.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Patient, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.patients[id].Clone())
	}
	return out, nil
}

func (m memoryPatients) SearchByName(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error) {
	all, _ := m.ListAll(ctx)
	q := strings.ToLower(strings.TrimSpace(query))
	var matched []*Patient
	for _, p := range all {
		if strings.Contains(strings.ToLower(p.Name), q) {
			matched = append(matched, p)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return strings.ToLower(matched[i].Name) < strings.ToLower(matched[j].Name)
	})
	return page(matched, limit, offset), len(matched), nil
}

func (m memoryPatients) Update(_ context.Context, p *Patient) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.patients[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return ErrConflict
	}
	next := p.Clone()
	next.RecordIDs = cur.RecordIDs
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now().UTC()
	s.patients[p.ID] = next
	p.Version = next.Version
	p.UpdatedAt = next.UpdatedAt
	return nil
}

func (m memoryPatients) SetRecordIDs(_ context.Context, id string, recordIDs []string, expectedVersion int64) (int64, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.patients[id]
	if !ok {
		return 0, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return 0, ErrConflict
	}
	cur.RecordIDs = append([]string{}, recordIDs...)
	cur.Version++
	cur.UpdatedAt = s.now().UTC()
	return cur.Version, nil
}

type memoryRecords struct{ s *MemoryStore }

func (m memoryRecords) Create(_ context.Context, r *VisitRecord) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = s.now().UTC()
	s.records[r.ID] = r.Clone()
	s.recOrder = append(s.recOrder, r.ID)
	return nil
}

func (m memoryRecords) GetByID(_ context.Context, id string) (*VisitRecord, error) {
	s := m.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m memoryRecords) ListByPatient(ctx context.Context, patientID string) ([]*VisitRecord, error) {
	return m.filter(func(r *VisitRecord) bool { return r.PatientID == patientID }), nil
}

func (m memoryRecords) ListByName(ctx context.Context, name string) ([]*VisitRecord, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return nil, nil
	}
	return m.filter(func(r *VisitRecord) bool {
		return strings.ToLower(strings.TrimSpace(r.PatientName)) == want
	}), nil
}

func (m memoryRecords) ListAll(_ context.Context) ([]*VisitRecord, error) {
	return m.filter(func(*VisitRecord) bool { return true }), nil
}

func (m memoryRecords) SetPatientID(_ context.Context, id, patientID string) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	r.PatientID = patientID
	return nil
}

func (m memoryRecords) filter(keep func(*VisitRecord) bool) []*VisitRecord {
	s := m.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*VisitRecord
	for _, id := range s.recOrder {
		r := s.records[id]
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = 20
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
