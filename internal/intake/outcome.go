package intake

import (
	"errors"
	"fmt"
)

// Status is the terminal result of a save.
type Status string

const (
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusFailed             Status = "failed"
)

// Step names the stage of a save.
type Step string

const (
	StepResolve  Step = "resolve"
	StepFill     Step = "fill"
	StepCreate   Step = "create_patient"
	StepUpload   Step = "upload"
	StepRecord   Step = "create_record"
	StepLink     Step = "link"
	StepVerify   Step = "verify_reference"
	StepOCR      Step = "ocr"
	StepExtract  Step = "extract"
	StepValidate Step = "validate"
	StepNotify   Step = "notify"
)

// Warning codes.
const (
	WarnPatientListingFailed = "patient_listing_failed"
	WarnExtractionUnparsed   = "extraction_unparsed"
	WarnEmptyOCRText         = "empty_ocr_text"
	WarnLinkExhausted        = "link_retries_exhausted"
	WarnReferenceCorrected   = "reference_corrected"
	WarnReferenceCheckFailed = "reference_check_failed"
	WarnNotifyFailed         = "notify_failed"
)

// Warning is a recoverable degradation reported alongside a result.
type Warning struct {
	Code    string `json:"code"`
	Step    Step   `json:"step"`
	Message string `json:"message"`
}

var (
	// ErrInvalidState is returned when an action is not allowed in the
	// session's current state.
	ErrInvalidState = errors.New("action not allowed in current state")
	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = errors.New("intake session not found")
	// ErrLinkExhausted is returned when every link attempt failed.
	ErrLinkExhausted = errors.New("record link attempts exhausted")
)

// ValidationError rejects an action before any external call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// StepError is a fatal failure of one step.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("intake step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Outcome is the result of a save. Status is Failed only together with a
// non-nil Err.
type Outcome struct {
	Status     Status    `json:"status"`
	PatientID  string    `json:"patientId,omitempty"`
	RecordID   string    `json:"recordId,omitempty"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	MatchedBy  MatchTier `json:"matchedBy,omitempty"`
	Created    bool      `json:"patientCreated"`
	Filled     []string  `json:"filledFields,omitempty"`
	LinkTries  int       `json:"linkAttempts,omitempty"`
	FailedStep Step      `json:"failedStep,omitempty"`
	Error      string    `json:"error,omitempty"`
	Warnings   []Warning `json:"warnings,omitempty"`
	Err        error     `json:"-"`
}

func (o *Outcome) fail(err error) *Outcome {
	o.Status = StatusFailed
	o.Err = err
	o.Error = err.Error()
	var se *StepError
	if errors.As(err, &se) {
		o.FailedStep = se.Step
	}
	return o
}

func (o *Outcome) warn(code string, step Step, err error) {
	o.Warnings = append(o.Warnings, Warning{Code: code, Step: step, Message: err.Error()})
}
