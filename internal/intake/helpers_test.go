package intake

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/abtik/intake/internal/domain/patient"
	"github.com/abtik/intake/internal/platform/blobstore"
	"github.com/abtik/intake/internal/platform/websocket"
)

func strp(s string) *string { return &s }

// faultyPatients wraps a repository and injects failures.
type faultyPatients struct {
	patient.PatientRepository

	mu sync.Mutex
	// listErr fails ListAll.
	listErr error
	// createErr fails Create.
	createErr error
	// setConflicts is how many SetRecordIDs calls fail with ErrConflict
	// before writes go through.
	setConflicts int
	setCalls     int
	// beforeUpdate runs once, ahead of the first Update; a non-nil return
	// is returned from that Update.
	beforeUpdate func() error
}

func (f *faultyPatients) ListAll(ctx context.Context) ([]*patient.Patient, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.PatientRepository.ListAll(ctx)
}

func (f *faultyPatients) Create(ctx context.Context, p *patient.Patient) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.PatientRepository.Create(ctx, p)
}

func (f *faultyPatients) Update(ctx context.Context, p *patient.Patient) error {
	f.mu.Lock()
	hook := f.beforeUpdate
	f.beforeUpdate = nil
	f.mu.Unlock()
	if hook != nil {
		if err := hook(); err != nil {
			return err
		}
	}
	return f.PatientRepository.Update(ctx, p)
}

func (f *faultyPatients) SetRecordIDs(ctx context.Context, id string, ids []string, version int64) (int64, error) {
	f.mu.Lock()
	f.setCalls++
	fail := f.setCalls <= f.setConflicts
	f.mu.Unlock()
	if fail {
		return 0, patient.ErrConflict
	}
	return f.PatientRepository.SetRecordIDs(ctx, id, ids, version)
}

func (f *faultyPatients) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setCalls
}

type fakeOCR struct {
	text  string
	err   error
	calls int
}

func (f *fakeOCR) ExtractText(_ context.Context, _ string, _ []byte) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakeExtractor struct {
	raw     string
	err     error
	calls   int
	gotText string
}

func (f *fakeExtractor) ExtractFields(_ context.Context, text string) (json.RawMessage, error) {
	f.calls++
	f.gotText = text
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.raw), nil
}

// countingBlobs counts uploads and can fail them.
type countingBlobs struct {
	blobstore.BlobStore
	uploads   int
	deletes   int
	uploadErr error
}

func (b *countingBlobs) Upload(ctx context.Context, meta blobstore.BlobMetadata, r io.Reader) (*blobstore.BlobMetadata, error) {
	b.uploads++
	if b.uploadErr != nil {
		return nil, b.uploadErr
	}
	return b.BlobStore.Upload(ctx, meta, r)
}

func (b *countingBlobs) Delete(ctx context.Context, id string) error {
	b.deletes++
	return b.BlobStore.Delete(ctx, id)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count(typ, topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == typ && ev.Topic == topic {
			n++
		}
	}
	return n
}

type harness struct {
	store    *patient.MemoryStore
	patients *faultyPatients
	ocr      *fakeOCR
	ai       *fakeExtractor
	blobs    *countingBlobs
	events   *recordingPublisher
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := patient.NewMemoryStore()
	h := &harness{
		store:    store,
		patients: &faultyPatients{PatientRepository: store.Patients()},
		ocr:      &fakeOCR{text: "scanned form text"},
		ai:       &fakeExtractor{raw: `{}`},
		blobs:    &countingBlobs{BlobStore: blobstore.NewInMemoryBlobStore("http://files.test", 0)},
		events:   &recordingPublisher{},
	}
	h.orch = NewOrchestrator(Deps{
		Sessions:    NewSessionStore(time.Hour),
		OCR:         h.ocr,
		Extractor:   h.ai,
		Blobs:       h.blobs,
		Patients:    h.patients,
		Records:     store.Records(),
		Events:      h.events,
		Link:        LinkConfig{MaxAttempts: 6},
		CallTimeout: time.Second,
	}, zerolog.Nop())
	return h
}

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func testFile() File {
	return File{Name: "form.png", ContentType: "image/png", Data: pngBytes}
}

// processed opens a session, selects a form and runs extraction with raw
// as the provider answer.
func (h *harness) processed(t *testing.T, raw string) string {
	t.Helper()
	h.ai.raw = raw
	v := h.orch.Start("staff-1")
	if _, err := h.orch.SelectFile(v.ID, "staff-1", testFile()); err != nil {
		t.Fatalf("select file: %v", err)
	}
	pv, err := h.orch.Process(context.Background(), v.ID, "staff-1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if pv.State != StateReviewing {
		t.Fatalf("expected reviewing, got %s", pv.State)
	}
	return v.ID
}

func (h *harness) allPatients(t *testing.T) []*patient.Patient {
	t.Helper()
	all, err := h.store.Patients().ListAll(context.Background())
	if err != nil {
		t.Fatalf("list patients: %v", err)
	}
	return all
}

func (h *harness) allRecords(t *testing.T) []*patient.VisitRecord {
	t.Helper()
	all, err := h.store.Records().ListAll(context.Background())
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	return all
}
