package intake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the position of a session in the intake workflow.
type State string

const (
	StateIdle               State = "idle"
	StateFileSelected       State = "file_selected"
	StateExtracting         State = "extracting"
	StateReviewing          State = "reviewing"
	StateSaving             State = "saving"
	StateCompleted          State = "completed"
	StatePartiallyCompleted State = "partially_completed"
	StateFailed             State = "failed"
)

// busy states own an in-flight external call.
func (s State) busy() bool {
	return s == StateExtracting || s == StateSaving
}

// File is an uploaded form held by a session until it is saved.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Session is one upload operation. All fields are guarded by mu; external
// calls run outside the lock while State marks the session busy.
type Session struct {
	mu sync.Mutex

	id         string
	owner      string
	state      State
	file       *File
	ocrText    string
	extraction *ExtractionResult
	outcome    *Outcome
	lastErr    string
	warnings   []Warning
	updatedAt  time.Time
}

// View is the client-facing snapshot of a session.
type View struct {
	ID         string            `json:"id"`
	State      State             `json:"state"`
	FileName   string            `json:"fileName,omitempty"`
	FileSize   int               `json:"fileSize,omitempty"`
	OCRText    string            `json:"ocrText,omitempty"`
	Extraction *ExtractionResult `json:"extraction,omitempty"`
	Outcome    *Outcome          `json:"outcome,omitempty"`
	Error      string            `json:"error,omitempty"`
	Warnings   []Warning         `json:"warnings,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

func (s *Session) ID() string { return s.id }

// View returns a snapshot of the session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	v := View{
		ID:        s.id,
		State:     s.state,
		OCRText:   s.ocrText,
		Outcome:   s.outcome,
		Error:     s.lastErr,
		Warnings:  append([]Warning(nil), s.warnings...),
		UpdatedAt: s.updatedAt,
	}
	if s.file != nil {
		v.FileName = s.file.Name
		v.FileSize = len(s.file.Data)
	}
	if s.extraction != nil {
		e := *s.extraction
		v.Extraction = &e
	}
	return v
}

func (s *Session) touch(now time.Time) { s.updatedAt = now }

// clearLocked drops everything tied to the previous form.
func (s *Session) clearLocked() {
	s.file = nil
	s.ocrText = ""
	s.extraction = nil
	s.lastErr = ""
	s.warnings = nil
}

// SessionStore keeps sessions in memory and forgets those idle for longer
// than the configured timeout.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	idle     time.Duration
	now      func() time.Time
}

func NewSessionStore(idle time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		idle:     idle,
		now:      time.Now,
	}
}

// Create starts an idle session for owner.
func (st *SessionStore) Create(owner string) *Session {
	s := &Session{id: uuid.New().String(), owner: owner, state: StateIdle, updatedAt: st.now()}
	st.mu.Lock()
	st.sessions[s.id] = s
	st.mu.Unlock()
	return s
}

// Get returns the session if it exists, belongs to owner and has not
// expired. An empty owner matches any session.
func (st *SessionStore) Get(id, owner string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	expired := st.expiredLocked(s)
	foreign := owner != "" && s.owner != "" && s.owner != owner
	s.mu.Unlock()
	if expired || foreign {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Delete forgets a session. Sessions with an in-flight call are kept.
func (st *SessionStore) Delete(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	busy := s.state.busy()
	s.mu.Unlock()
	if busy {
		return ErrInvalidState
	}
	delete(st.sessions, id)
	return nil
}

// Len returns the number of stored sessions.
func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Sweep removes expired sessions. It has the poller's refresh signature.
func (st *SessionStore) Sweep(_ context.Context) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, s := range st.sessions {
		s.mu.Lock()
		expired := st.expiredLocked(s)
		s.mu.Unlock()
		if expired {
			delete(st.sessions, id)
		}
	}
	return nil
}

func (st *SessionStore) expiredLocked(s *Session) bool {
	if st.idle <= 0 || s.state.busy() {
		return false
	}
	return st.now().Sub(s.updatedAt) > st.idle
}
