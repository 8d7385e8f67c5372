// Package lookup keeps the per-user view state of the patient lookup screen.
// Each patient a user has opened is in exactly one of Collapsed, Expanded,
// Editing or Saving, and at most one patient is expanded at a time.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/abtik/intake/internal/domain/patient"
	"github.com/abtik/intake/internal/platform/websocket"
)

// ViewState is the display state of one patient.
type ViewState string

const (
	Collapsed ViewState = "collapsed"
	Expanded  ViewState = "expanded"
	Editing   ViewState = "editing"
	Saving    ViewState = "saving"
)

// ErrInvalidTransition is returned for an action the current state does not
// allow.
var ErrInvalidTransition = errors.New("invalid view state transition")

// PatientService is the maintenance flow the workspace drives.
type PatientService interface {
	GetPatient(ctx context.Context, id string) (*patient.Patient, error)
	ListVisitRecords(ctx context.Context, patientID string) ([]*patient.VisitRecord, error)
	UpdateProfile(ctx context.Context, id string, upd patient.ProfileUpdate) (*patient.Patient, error)
}

// Notifier delivers change notifications in-process.
type Notifier interface {
	Listen(topic string, fn websocket.Listener) (unsubscribe func())
}

// EntityView is what the client renders for one patient.
type EntityView struct {
	PatientID string                 `json:"patientId"`
	State     ViewState              `json:"state"`
	Patient   *patient.Patient       `json:"patient,omitempty"`
	Records   []*patient.VisitRecord `json:"records,omitempty"`
	Error     string                 `json:"error,omitempty"`
	LoadedAt  time.Time              `json:"loadedAt,omitempty"`
}

type entity struct {
	state    ViewState
	patient  *patient.Patient
	records  []*patient.VisitRecord
	stale    bool
	err      string
	loadedAt time.Time
}

func (e *entity) view(id string) EntityView {
	v := EntityView{PatientID: id, State: e.state, Error: e.err, LoadedAt: e.loadedAt}
	if e.state != Collapsed {
		v.Patient = e.patient
		v.Records = e.records
	}
	return v
}

// Workspace is one user's lookup screen.
type Workspace struct {
	mu       sync.Mutex
	entities map[string]*entity
	expanded string

	// usedAt is guarded by Manager.mu.
	usedAt time.Time
}

func newWorkspace() *Workspace {
	return &Workspace{entities: make(map[string]*entity)}
}

func (w *Workspace) entityLocked(id string) *entity {
	e, ok := w.entities[id]
	if !ok {
		e = &entity{state: Collapsed}
		w.entities[id] = e
	}
	return e
}

// Manager owns every user's workspace.
type Manager struct {
	svc    PatientService
	events websocket.EventPublisher
	logger zerolog.Logger
	now    func() time.Time
	idle   time.Duration

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

// NewManager builds a Manager. events may be nil.
func NewManager(svc PatientService, events websocket.EventPublisher, logger zerolog.Logger) *Manager {
	return &Manager{
		svc:        svc,
		events:     events,
		logger:     logger.With().Str("component", "lookup").Logger(),
		now:        time.Now,
		workspaces: make(map[string]*Workspace),
	}
}

// SetIdleTimeout makes Sweep drop workspaces unused for longer than d.
// Zero keeps them forever. Call it before serving requests.
func (m *Manager) SetIdleTimeout(d time.Duration) {
	m.idle = d
}

// Watch marks loaded patients stale when a records notification names them,
// so the next read refetches them. Profile saves are announced on the same
// topic. The returned func stops watching.
func (m *Manager) Watch(n Notifier) (stop func()) {
	return n.Listen(websocket.TopicRecords, func(ev websocket.Event) {
		if ev.PatientID != "" {
			m.markStale(ev.PatientID)
		}
	})
}

func (m *Manager) markStale(patientID string) {
	m.mu.Lock()
	wss := make([]*Workspace, 0, len(m.workspaces))
	for _, w := range m.workspaces {
		wss = append(wss, w)
	}
	m.mu.Unlock()

	for _, w := range wss {
		w.mu.Lock()
		if e, ok := w.entities[patientID]; ok {
			e.stale = true
		}
		w.mu.Unlock()
	}
}

func (m *Manager) workspace(user string) *Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workspaces[user]
	if !ok {
		w = newWorkspace()
		m.workspaces[user] = w
	}
	w.usedAt = m.now()
	return w
}

// Sweep drops idle workspaces. A workspace with a save in flight is kept.
// It has the poller's refresh signature.
func (m *Manager) Sweep(_ context.Context) error {
	if m.idle <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for user, w := range m.workspaces {
		if now.Sub(w.usedAt) <= m.idle || w.saving() {
			continue
		}
		delete(m.workspaces, user)
	}
	return nil
}

func (w *Workspace) saving() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.entities {
		if e.state == Saving {
			return true
		}
	}
	return false
}

// Len returns the number of live workspaces.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workspaces)
}

// List returns the state of every patient the user has opened, expanded
// first.
func (m *Manager) List(user string) []EntityView {
	w := m.workspace(user)
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]EntityView, 0, len(w.entities))
	for id, e := range w.entities {
		out = append(out, e.view(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].PatientID == w.expanded) != (out[j].PatientID == w.expanded) {
			return out[i].PatientID == w.expanded
		}
		return out[i].PatientID < out[j].PatientID
	})
	return out
}

// Get returns the view of one patient, refetching it first when a change
// notification arrived since it was loaded.
func (m *Manager) Get(ctx context.Context, user, patientID string) (EntityView, error) {
	w := m.workspace(user)
	w.mu.Lock()
	e := w.entityLocked(patientID)
	refetch := e.stale && (e.state == Expanded || e.state == Editing)
	v := e.view(patientID)
	w.mu.Unlock()
	if !refetch {
		return v, nil
	}
	return m.load(ctx, w, patientID)
}

// Expand opens a patient and collapses the previously expanded one.
func (m *Manager) Expand(ctx context.Context, user, patientID string) (EntityView, error) {
	w := m.workspace(user)
	w.mu.Lock()
	e := w.entityLocked(patientID)
	if e.state == Saving {
		v := e.view(patientID)
		w.mu.Unlock()
		return v, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.state, Expanded)
	}
	if prev := w.expanded; prev != "" && prev != patientID {
		if pe := w.entities[prev]; pe != nil && pe.state != Saving {
			pe.state = Collapsed
		}
	}
	if e.state == Collapsed {
		e.state = Expanded
	}
	w.expanded = patientID
	w.mu.Unlock()

	return m.load(ctx, w, patientID)
}

// load fetches the patient and its records into the workspace.
func (m *Manager) load(ctx context.Context, w *Workspace, patientID string) (EntityView, error) {
	p, err := m.svc.GetPatient(ctx, patientID)
	var records []*patient.VisitRecord
	if err == nil {
		records, err = m.svc.ListVisitRecords(ctx, patientID)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.entityLocked(patientID)
	if err != nil {
		e.err = err.Error()
		if errors.Is(err, patient.ErrNotFound) {
			e.state = Collapsed
			if w.expanded == patientID {
				w.expanded = ""
			}
		}
		return e.view(patientID), err
	}
	e.patient = p
	e.records = records
	e.stale = false
	e.err = ""
	e.loadedAt = m.now()
	return e.view(patientID), nil
}

// Collapse closes a patient.
func (m *Manager) Collapse(user, patientID string) (EntityView, error) {
	return m.transition(user, patientID, Collapsed, Expanded, Editing)
}

// BeginEdit opens the profile editor of an expanded patient.
func (m *Manager) BeginEdit(user, patientID string) (EntityView, error) {
	return m.transition(user, patientID, Editing, Expanded)
}

// CancelEdit discards the editor.
func (m *Manager) CancelEdit(user, patientID string) (EntityView, error) {
	return m.transition(user, patientID, Expanded, Editing)
}

func (m *Manager) transition(user, patientID string, to ViewState, from ...ViewState) (EntityView, error) {
	w := m.workspace(user)
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.entityLocked(patientID)
	if !allowed(e.state, from) {
		return e.view(patientID), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.state, to)
	}
	e.state = to
	e.err = ""
	if to == Collapsed && w.expanded == patientID {
		w.expanded = ""
	}
	return e.view(patientID), nil
}

func allowed(s ViewState, from []ViewState) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}

// SaveProfile writes an explicit profile edit. The patient returns to
// Expanded on success and stays in Editing with the error otherwise.
func (m *Manager) SaveProfile(ctx context.Context, user, patientID string, upd patient.ProfileUpdate) (EntityView, error) {
	w := m.workspace(user)
	w.mu.Lock()
	e := w.entityLocked(patientID)
	if e.state != Editing {
		v := e.view(patientID)
		w.mu.Unlock()
		return v, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.state, Saving)
	}
	e.state = Saving
	w.mu.Unlock()

	p, err := m.svc.UpdateProfile(ctx, patientID, upd)

	w.mu.Lock()
	e = w.entityLocked(patientID)
	if err != nil {
		e.state = Editing
		e.err = err.Error()
		v := e.view(patientID)
		w.mu.Unlock()
		return v, err
	}
	e.state = Expanded
	e.patient = p
	e.err = ""
	w.mu.Unlock()

	if m.events != nil {
		for _, topic := range []string{websocket.PatientTopic(patientID), websocket.TopicRecords} {
			ev := websocket.Event{Type: websocket.EventPatientUpdated, Topic: topic, PatientID: patientID}
			if perr := m.events.Publish(ctx, ev); perr != nil {
				m.logger.Warn().Err(perr).Str("patient_id", patientID).Str("topic", topic).Msg("failed to publish profile change")
			}
		}
	}
	return m.load(ctx, w, patientID)
}
