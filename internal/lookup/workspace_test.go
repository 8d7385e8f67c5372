package lookup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/abtik/intake/internal/domain/patient"
	"github.com/abtik/intake/internal/platform/blobstore"
	"github.com/abtik/intake/internal/platform/websocket"
)

func strp(s string) *string { return &s }

type fixture struct {
	m     *Manager
	store *patient.MemoryStore
	hub   *websocket.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := patient.NewMemoryStore()
	blobs := blobstore.NewInMemoryBlobStore("http://test", 0)
	svc := patient.NewService(store.Patients(), store.Records(), blobs, zerolog.Nop())
	hub := websocket.NewHub(zerolog.Nop())
	m := NewManager(svc, hub, zerolog.Nop())
	t.Cleanup(m.Watch(hub))
	return &fixture{m: m, store: store, hub: hub}
}

func (f *fixture) seed(t *testing.T, name string) *patient.Patient {
	t.Helper()
	p := &patient.Patient{Name: name}
	if err := f.store.Patients().Create(context.Background(), p); err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	return p
}

func (f *fixture) addRecord(t *testing.T, p *patient.Patient, visited string) *patient.VisitRecord {
	t.Helper()
	r := &patient.VisitRecord{PatientID: p.ID, PatientName: p.Name, VisitDate: visited}
	if err := f.store.Records().Create(context.Background(), r); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return r
}

func TestManager_ExpandCollapsesPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seed(t, "Juan Dela Cruz")
	b := f.seed(t, "Maria Santos")

	if _, err := f.m.Expand(ctx, "u1", a.ID); err != nil {
		t.Fatalf("expand a: %v", err)
	}
	v, err := f.m.Expand(ctx, "u1", b.ID)
	if err != nil {
		t.Fatalf("expand b: %v", err)
	}
	if v.State != Expanded || v.Patient == nil || v.Patient.Name != "Maria Santos" {
		t.Errorf("unexpected view of b: %+v", v)
	}

	list := f.m.List("u1")
	if len(list) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(list))
	}
	if list[0].PatientID != b.ID {
		t.Errorf("expected expanded patient listed first")
	}
	if list[1].State != Collapsed || list[1].Patient != nil {
		t.Errorf("expected previous patient collapsed without details, got %+v", list[1])
	}
}

func TestManager_WorkspacesArePerUser(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, "Juan Dela Cruz")
	if _, err := f.m.Expand(context.Background(), "u1", p.ID); err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got := f.m.List("u2"); len(got) != 0 {
		t.Errorf("expected empty workspace for u2, got %d", len(got))
	}
}

func TestManager_InvalidTransitions(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, "Juan Dela Cruz")

	if _, err := f.m.BeginEdit("u1", p.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("edit while collapsed: %v", err)
	}
	if _, err := f.m.CancelEdit("u1", p.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancel while collapsed: %v", err)
	}
	if _, err := f.m.Collapse("u1", p.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("collapse while collapsed: %v", err)
	}
	if _, err := f.m.SaveProfile(context.Background(), "u1", p.ID, patient.ProfileUpdate{Name: "X"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("save while collapsed: %v", err)
	}
}

func TestManager_EditCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seed(t, "Juan Dela Cruz")

	f.m.Expand(ctx, "u1", p.ID)
	if v, err := f.m.BeginEdit("u1", p.ID); err != nil || v.State != Editing {
		t.Fatalf("begin edit: %v %+v", err, v)
	}
	if v, err := f.m.CancelEdit("u1", p.ID); err != nil || v.State != Expanded {
		t.Fatalf("cancel edit: %v %+v", err, v)
	}
	f.m.BeginEdit("u1", p.ID)
	if v, err := f.m.Collapse("u1", p.ID); err != nil || v.State != Collapsed {
		t.Fatalf("collapse from editing: %v %+v", err, v)
	}
}

func TestManager_SaveProfileSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seed(t, "Juan Dela Cruz")

	var events int
	defer f.hub.Listen(websocket.PatientTopic(p.ID), func(websocket.Event) { events++ })()

	f.m.Expand(ctx, "u1", p.ID)
	f.m.BeginEdit("u1", p.ID)
	v, err := f.m.SaveProfile(ctx, "u1", p.ID, patient.ProfileUpdate{Name: "Juan Dela Cruz", Place: strp("Quezon City")})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if v.State != Expanded || v.Error != "" {
		t.Errorf("expected expanded without error, got %+v", v)
	}
	if v.Patient == nil || v.Patient.Place == nil || *v.Patient.Place != "Quezon City" {
		t.Errorf("expected updated place, got %+v", v.Patient)
	}
	if events != 1 {
		t.Errorf("expected one patient.updated event, got %d", events)
	}
}

func TestManager_SaveProfileInvalidStaysEditing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seed(t, "Juan Dela Cruz")

	f.m.Expand(ctx, "u1", p.ID)
	f.m.BeginEdit("u1", p.ID)
	v, err := f.m.SaveProfile(ctx, "u1", p.ID, patient.ProfileUpdate{Name: "Juan", Email: strp("not-an-email")})
	if !errors.Is(err, patient.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if v.State != Editing || v.Error == "" {
		t.Errorf("expected editing with error, got %+v", v)
	}

	stored, _ := f.store.Patients().GetByID(ctx, p.ID)
	if stored.Email != nil {
		t.Errorf("invalid edit must not be stored")
	}
}

func TestManager_StaleRefetchOnRecordsEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seed(t, "Juan Dela Cruz")
	f.addRecord(t, p, "03-01-2024")

	v, _ := f.m.Expand(ctx, "u1", p.ID)
	if len(v.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(v.Records))
	}

	f.addRecord(t, p, "04-01-2024")
	if v, _ := f.m.Get(ctx, "u1", p.ID); len(v.Records) != 1 {
		t.Errorf("expected cached view before notification, got %d records", len(v.Records))
	}

	f.hub.Publish(ctx, websocket.Event{Type: websocket.EventRecordsUpdated, Topic: websocket.TopicRecords, PatientID: p.ID})

	v, err := f.m.Get(ctx, "u1", p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(v.Records) != 2 {
		t.Errorf("expected refetched records, got %d", len(v.Records))
	}
	if v.Records[0].VisitDate != "04-01-2024" {
		t.Errorf("expected newest first, got %s", v.Records[0].VisitDate)
	}
}

func TestManager_ExpandMissingPatient(t *testing.T) {
	f := newFixture(t)
	v, err := f.m.Expand(context.Background(), "u1", "missing")
	if !errors.Is(err, patient.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if v.State != Collapsed {
		t.Errorf("expected collapsed, got %s", v.State)
	}
}

func TestManager_ProfileSaveMarksOtherUsersStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seed(t, "Juan Dela Cruz")

	f.m.Expand(ctx, "u1", p.ID)
	f.m.Expand(ctx, "u2", p.ID)

	f.m.BeginEdit("u1", p.ID)
	if _, err := f.m.SaveProfile(ctx, "u1", p.ID, patient.ProfileUpdate{Name: "Juan Dela Cruz", Place: strp("Cebu")}); err != nil {
		t.Fatalf("save: %v", err)
	}

	v, err := f.m.Get(ctx, "u2", p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.Patient == nil || v.Patient.Place == nil || *v.Patient.Place != "Cebu" {
		t.Errorf("expected refetched profile for the other user, got %+v", v.Patient)
	}
}

func TestManager_SweepDropsIdleWorkspaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clock := time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)
	f.m.now = func() time.Time { return clock }
	f.m.SetIdleTimeout(time.Minute)

	p := f.seed(t, "Juan Dela Cruz")
	f.m.Expand(ctx, "idle", p.ID)
	f.m.Expand(ctx, "saving", p.ID)
	f.m.BeginEdit("saving", p.ID)
	w := f.m.workspace("saving")
	w.mu.Lock()
	w.entities[p.ID].state = Saving
	w.mu.Unlock()

	clock = clock.Add(30 * time.Second)
	f.m.List("active")

	clock = clock.Add(45 * time.Second)
	if err := f.m.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.m.Len() != 2 {
		t.Fatalf("expected active and saving workspaces kept, got %d", f.m.Len())
	}
	f.m.mu.Lock()
	_, idleKept := f.m.workspaces["idle"]
	f.m.mu.Unlock()
	if idleKept {
		t.Error("expected idle workspace dropped")
	}
}

func TestManager_SweepDisabledByDefault(t *testing.T) {
	f := newFixture(t)
	f.m.List("u1")
	f.m.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	f.m.Sweep(context.Background())
	if f.m.Len() != 1 {
		t.Errorf("expected workspace kept without an idle timeout, got %d", f.m.Len())
	}
}
