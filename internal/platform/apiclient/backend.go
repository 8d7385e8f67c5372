// Package apiclient is the shared HTTP plumbing for the external services
// the intake flow calls: OCR, AI extraction and geocoding.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// Error is a non-2xx answer from an external service.
type Error struct {
	Service string
	Status  int
	Body    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: status=%d: %s", e.Service, e.Status, e.Body)
}

// ErrTimeout marks a call that ran past its deadline.
var ErrTimeout = errors.New("external call timed out")

// Backend performs calls against one external service.
type Backend struct {
	Service    string
	HTTPClient *http.Client
	APIKey     string
	UserAgent  string
	// Timeout bounds each call on top of the caller's context.
	Timeout time.Duration
}

// NewBackend returns a Backend with its own http.Client.
func NewBackend(service, apiKey string, timeout time.Duration) *Backend {
	return &Backend{
		Service:    service,
		HTTPClient: &http.Client{},
		APIKey:     apiKey,
		Timeout:    timeout,
	}
}

// CallJSON POSTs body as JSON and returns the raw response body.
func (b *Backend) CallJSON(ctx context.Context, url string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", b.Service, err)
	}
	return b.call(ctx, http.MethodPost, url, "application/json", payload)
}

// CallMultipart POSTs a single file part named field.
func (b *Backend) CallMultipart(ctx context.Context, url, field, fileName string, data []byte) ([]byte, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, fileName)
	if err != nil {
		return nil, fmt.Errorf("%s: build form: %w", b.Service, err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("%s: build form: %w", b.Service, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%s: build form: %w", b.Service, err)
	}
	return b.call(ctx, http.MethodPost, url, writer.FormDataContentType(), body.Bytes())
}

// Get issues a GET and returns the raw response body.
func (b *Backend) Get(ctx context.Context, url string) ([]byte, error) {
	return b.call(ctx, http.MethodGet, url, "", nil)
}

func (b *Backend) call(ctx context.Context, method, url, contentType string, payload []byte) ([]byte, error) {
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%s: new request: %w", b.Service, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if b.APIKey != "" {
		req.Header.Set("x-api-key", b.APIKey)
	}
	if b.UserAgent != "" {
		req.Header.Set("User-Agent", b.UserAgent)
	}

	return b.Do(req)
}

// Do executes req and returns its body, or an *Error for non-2xx answers.
func (b *Backend) Do(req *http.Request) ([]byte, error) {
	client := b.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", b.Service, ErrTimeout)
		}
		return nil, fmt.Errorf("%s: %w", b.Service, err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", b.Service, ErrTimeout)
		}
		return nil, fmt.Errorf("%s: read response: %w", b.Service, err)
	}

	if res.StatusCode >= 300 {
		msg := string(resBody)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, &Error{Service: b.Service, Status: res.StatusCode, Body: msg}
	}
	return resBody, nil
}
