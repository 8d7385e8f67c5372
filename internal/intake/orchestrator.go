package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/abtik/intake/internal/domain/patient"
	"github.com/abtik/intake/internal/platform/aiextract"
	"github.com/abtik/intake/internal/platform/blobstore"
	"github.com/abtik/intake/internal/platform/ocr"
	"github.com/abtik/intake/internal/platform/websocket"
)

// Orchestrator drives intake sessions through OCR, extraction, review and
// save.
type Orchestrator struct {
	sessions  *SessionStore
	ocr       ocr.Extractor
	extractor aiextract.FieldExtractor
	blobs     blobstore.BlobStore
	resolver  *Resolver
	linker    *Linker
	events    websocket.EventPublisher
	validate  *validator.Validate
	timeout   time.Duration
	logger    zerolog.Logger
}

// Deps are the collaborators of an Orchestrator. Events may be nil.
type Deps struct {
	Sessions  *SessionStore
	OCR       ocr.Extractor
	Extractor aiextract.FieldExtractor
	Blobs     blobstore.BlobStore
	Patients  patient.PatientRepository
	Records   patient.VisitRecordRepository
	Events    websocket.EventPublisher
	Link      LinkConfig
	// CallTimeout bounds every external call; zero disables it.
	CallTimeout time.Duration
}

func NewOrchestrator(d Deps, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		sessions:  d.Sessions,
		ocr:       d.OCR,
		extractor: d.Extractor,
		blobs:     d.Blobs,
		resolver:  NewResolver(d.Patients, logger),
		linker:    NewLinker(d.Patients, d.Records, d.Link, logger),
		events:    d.Events,
		validate:  validator.New(),
		timeout:   d.CallTimeout,
		logger:    logger.With().Str("component", "intake").Logger(),
	}
}

// Resolver exposes the resolution engine for dry runs.
func (o *Orchestrator) Resolver() *Resolver { return o.resolver }

func (o *Orchestrator) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

// Start opens a new idle session.
func (o *Orchestrator) Start(owner string) View {
	return o.sessions.Create(owner).View()
}

// Get returns the current view of a session.
func (o *Orchestrator) Get(id, owner string) (View, error) {
	s, err := o.sessions.Get(id, owner)
	if err != nil {
		return View{}, err
	}
	return s.View(), nil
}

// SelectFile attaches a form to the session and clears every result of a
// previous form.
func (o *Orchestrator) SelectFile(id, owner string, f File) (View, error) {
	if strings.TrimSpace(f.Name) == "" {
		return View{}, &ValidationError{Field: "file", Message: "file name is required"}
	}
	if len(f.Data) == 0 {
		return View{}, &ValidationError{Field: "file", Message: "file is empty"}
	}
	s, err := o.sessions.Get(id, owner)
	if err != nil {
		return View{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.busy() {
		return s.viewLocked(), ErrInvalidState
	}
	s.clearLocked()
	s.outcome = nil
	s.file = &f
	s.state = StateFileSelected
	s.touch(o.sessions.now())
	return s.viewLocked(), nil
}

// Process runs OCR and field extraction. Empty OCR text is not an error:
// extraction still runs and yields an empty result. On failure the session
// returns to FileSelected so the user can retry.
func (o *Orchestrator) Process(ctx context.Context, id, owner string) (View, error) {
	s, err := o.sessions.Get(id, owner)
	if err != nil {
		return View{}, err
	}

	s.mu.Lock()
	if s.file == nil {
		v := s.viewLocked()
		s.mu.Unlock()
		return v, &ValidationError{Field: "file", Message: "select a file first"}
	}
	if s.state != StateFileSelected && s.state != StateReviewing {
		v := s.viewLocked()
		s.mu.Unlock()
		return v, ErrInvalidState
	}
	file := *s.file
	s.state = StateExtracting
	s.lastErr = ""
	s.warnings = nil
	s.touch(o.sessions.now())
	s.mu.Unlock()

	text, ext, warnings, err := o.extract(ctx, file)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(o.sessions.now())
	if err != nil {
		s.state = StateFileSelected
		s.lastErr = err.Error()
		o.logger.Warn().Err(err).Str("session_id", id).Msg("form extraction failed")
		return s.viewLocked(), err
	}
	s.state = StateReviewing
	s.ocrText = text
	s.extraction = &ext
	s.warnings = warnings
	return s.viewLocked(), nil
}

func (o *Orchestrator) extract(ctx context.Context, f File) (string, ExtractionResult, []Warning, error) {
	var warnings []Warning

	octx, cancel := o.call(ctx)
	text, err := o.ocr.ExtractText(octx, f.Name, f.Data)
	cancel()
	if err != nil {
		return "", ExtractionResult{}, nil, &StepError{Step: StepOCR, Err: err}
	}
	if text == "" {
		warnings = append(warnings, Warning{Code: WarnEmptyOCRText, Step: StepOCR, Message: "no text recognized on the form"})
	}

	actx, cancel := o.call(ctx)
	raw, err := o.extractor.ExtractFields(actx, text)
	cancel()
	if err != nil {
		return "", ExtractionResult{}, nil, &StepError{Step: StepExtract, Err: err}
	}

	ext, ok := ParseRawExtraction(raw)
	if !ok {
		warnings = append(warnings, Warning{Code: WarnExtractionUnparsed, Step: StepExtract, Message: "extraction answer held no field object"})
	}
	ext.Normalize()
	return text, ext, warnings, nil
}

// Edit replaces the extraction under review. It makes no backend calls.
func (o *Orchestrator) Edit(id, owner string, e ExtractionResult) (View, error) {
	if err := o.validate.Struct(e); err != nil {
		return View{}, validationError(err)
	}
	s, err := o.sessions.Get(id, owner)
	if err != nil {
		return View{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReviewing && s.state != StateFailed {
		return s.viewLocked(), ErrInvalidState
	}
	e.Normalize()
	s.extraction = &e
	s.state = StateReviewing
	s.touch(o.sessions.now())
	return s.viewLocked(), nil
}

// Save resolves the patient, stores the form, creates the visit record and
// links it. It keeps running when ctx is cancelled; every external call is
// bounded by the call timeout instead. Completed and PartiallyCompleted
// clear the session for the next form; Failed keeps the file and
// extraction for a retry.
func (o *Orchestrator) Save(ctx context.Context, id, owner string) (View, error) {
	s, err := o.sessions.Get(id, owner)
	if err != nil {
		return View{}, err
	}

	s.mu.Lock()
	if s.state.busy() {
		v := s.viewLocked()
		s.mu.Unlock()
		return v, ErrInvalidState
	}
	if s.file == nil {
		v := s.viewLocked()
		s.mu.Unlock()
		return v, &ValidationError{Field: "file", Message: "no file selected"}
	}
	if s.extraction == nil {
		v := s.viewLocked()
		s.mu.Unlock()
		return v, &ValidationError{Field: "extraction", Message: "process the form before saving"}
	}
	if s.state != StateReviewing && s.state != StateFailed {
		v := s.viewLocked()
		s.mu.Unlock()
		return v, ErrInvalidState
	}
	file, ext := *s.file, *s.extraction
	s.state = StateSaving
	s.lastErr = ""
	s.touch(o.sessions.now())
	s.mu.Unlock()

	out := o.save(context.WithoutCancel(ctx), owner, file, ext)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = out
	s.touch(o.sessions.now())
	switch out.Status {
	case StatusCompleted:
		s.clearLocked()
		s.state = StateCompleted
	case StatusPartiallyCompleted:
		s.clearLocked()
		s.state = StatePartiallyCompleted
	default:
		s.state = StateFailed
		s.lastErr = out.Error
	}
	return s.viewLocked(), nil
}

func (o *Orchestrator) save(ctx context.Context, owner string, f File, e ExtractionResult) *Outcome {
	out := &Outcome{}
	log := o.logger.With().Str("name", e.NameOrEmpty()).Logger()

	// a-c: resolve, fill or create.
	rctx, cancel := o.call(ctx)
	res, err := o.resolver.Resolve(rctx, e, out)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("patient resolution failed")
		return out.fail(err)
	}
	p := res.Patient
	out.PatientID = p.ID
	out.MatchedBy = res.MatchedBy
	out.Created = res.Created
	out.Filled = res.Filled

	// d: upload the original form.
	uctx, cancel := o.call(ctx)
	meta, err := o.blobs.Upload(uctx, blobstore.BlobMetadata{
		FileName:    f.Name,
		ContentType: f.ContentType,
		Category:    blobstore.CategoryIntakeForm,
		CreatedBy:   owner,
	}, bytes.NewReader(f.Data))
	cancel()
	if err != nil {
		log.Error().Err(err).Str("patient_id", p.ID).Msg("form upload failed")
		return out.fail(&StepError{Step: StepUpload, Err: err})
	}
	out.ImageURL = o.blobs.ViewURL(meta.ID)

	// e: visit record.
	cctx, cancel := o.call(ctx)
	rec, err := o.linker.CreateRecord(cctx, RecordInput{
		PatientID:   p.ID,
		PatientName: p.Name,
		ImageURL:    out.ImageURL,
		ImageFileID: meta.ID,
		Extraction:  e,
	})
	cancel()
	if err != nil {
		log.Error().Err(err).Str("patient_id", p.ID).Msg("visit record creation failed")
		dctx, cancel := o.call(ctx)
		if derr := o.blobs.Delete(dctx, meta.ID); derr != nil {
			log.Warn().Err(derr).Str("file_id", meta.ID).Msg("failed to remove orphaned form upload")
		}
		cancel()
		return out.fail(&StepError{Step: StepRecord, Err: err})
	}
	out.RecordID = rec.ID

	// f: link.
	out.Status = StatusCompleted
	lctx, cancel := o.call(ctx)
	out.LinkTries, err = o.linker.Link(lctx, p.ID, rec.ID)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("patient_id", p.ID).Str("record_id", rec.ID).Msg("record left unlinked")
		out.Status = StatusPartiallyCompleted
		out.warn(WarnLinkExhausted, StepLink, err)
	}

	// g: reference check.
	vctx, cancel := o.call(ctx)
	corrected, err := o.linker.VerifyReference(vctx, rec.ID, p.ID)
	cancel()
	switch {
	case err != nil:
		out.warn(WarnReferenceCheckFailed, StepVerify, err)
	case corrected:
		out.warn(WarnReferenceCorrected, StepVerify, fmt.Errorf("record %s now references patient %s", rec.ID, p.ID))
	}

	o.notify(ctx, out, res)
	log.Info().
		Str("patient_id", p.ID).
		Str("record_id", rec.ID).
		Str("status", string(out.Status)).
		Str("matched_by", string(out.MatchedBy)).
		Int("link_attempts", out.LinkTries).
		Msg("intake saved")
	return out
}

func (o *Orchestrator) notify(ctx context.Context, out *Outcome, res *Resolution) {
	if o.events == nil {
		return
	}
	events := []websocket.Event{
		{Type: websocket.EventRecordsUpdated, Topic: websocket.PatientTopic(out.PatientID), PatientID: out.PatientID, RecordID: out.RecordID},
		{Type: websocket.EventRecordsUpdated, Topic: websocket.TopicRecords, PatientID: out.PatientID, RecordID: out.RecordID},
	}
	if res.Created || len(res.Filled) > 0 {
		events = append(events, websocket.Event{Type: websocket.EventPatientUpdated, Topic: websocket.PatientTopic(out.PatientID), PatientID: out.PatientID})
	}
	for _, ev := range events {
		nctx, cancel := o.call(ctx)
		err := o.events.Publish(nctx, ev)
		cancel()
		if err != nil {
			out.warn(WarnNotifyFailed, StepNotify, err)
		}
	}
}

// Reset returns the session to Idle and drops its form.
func (o *Orchestrator) Reset(id, owner string) (View, error) {
	s, err := o.sessions.Get(id, owner)
	if err != nil {
		return View{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.busy() {
		return s.viewLocked(), ErrInvalidState
	}
	s.clearLocked()
	s.outcome = nil
	s.state = StateIdle
	s.touch(o.sessions.now())
	return s.viewLocked(), nil
}

// Close forgets a session.
func (o *Orchestrator) Close(id, owner string) error {
	if _, err := o.sessions.Get(id, owner); err != nil {
		return err
	}
	return o.sessions.Delete(id)
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Message: err.Error()}
	}
	fe := verrs[0]
	return &ValidationError{Field: strings.ToLower(fe.Field()), Message: "failed " + fe.Tag()}
}
