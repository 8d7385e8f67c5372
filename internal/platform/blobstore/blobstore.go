// Package blobstore provides object storage for scanned intake forms and
// profile images. It defines the BlobStore interface, an in-memory
// implementation for development and tests, an S3 implementation, and the
// Echo handler that serves the public view URL of a stored file.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
	ErrEmptyFile          = errors.New("file is empty")
	ErrPresignUnavailable = errors.New("presigned urls not configured")
)

// ---------------------------------------------------------------------------
// Validation constants
// ---------------------------------------------------------------------------

// DefaultMaxFileSize is used when a store is built with a non-positive limit.
const DefaultMaxFileSize = 20 * 1024 * 1024

// Categories of stored files.
const (
	CategoryIntakeForm   = "intake-form"
	CategoryProfileImage = "profile-image"
)

// AllowedContentTypes lists the MIME types a photographed or scanned form
// can arrive as.
var AllowedContentTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"image/gif":       true,
	"image/heic":      true,
	"image/tiff":      true,
	"application/pdf": true,
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Category    string    `json:"category"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by,omitempty"`
}

// BlobStore defines the contract for blob storage backends. Upload is
// all-or-nothing: on error nothing is retrievable under the returned ID.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, id string) error
	GetMetadata(ctx context.Context, id string) (*BlobMetadata, error)
	// ViewURL returns a URL from which the file can be fetched for display.
	ViewURL(id string) string
}

// ViewPath is the route, relative to the public base URL, that serves files.
func ViewPath(id string) string {
	return "/files/" + id + "/view"
}

// prepare validates meta, reads the whole content and fills in the
// server-assigned fields. Backends share it so that they reject the same input.
func prepare(meta BlobMetadata, content io.Reader, maxSize int64) (BlobMetadata, []byte, error) {
	if strings.TrimSpace(meta.FileName) == "" {
		return meta, nil, ErrMissingFileName
	}
	data, err := io.ReadAll(io.LimitReader(content, maxSize+1))
	if err != nil {
		return meta, nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > maxSize {
		return meta, nil, ErrFileTooLarge
	}
	if len(data) == 0 {
		return meta, nil, ErrEmptyFile
	}

	if meta.ContentType == "" || meta.ContentType == "application/octet-stream" {
		meta.ContentType = http.DetectContentType(data)
	}
	if i := strings.Index(meta.ContentType, ";"); i >= 0 {
		meta.ContentType = strings.TrimSpace(meta.ContentType[:i])
	}
	if !AllowedContentTypes[meta.ContentType] {
		return meta, nil, ErrInvalidContentType
	}

	h := sha256.Sum256(data)
	meta.ID = uuid.New().String()
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = time.Now().UTC()
	return meta, data, nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu      sync.RWMutex
	blobs   map[string]*storedBlob
	baseURL string
	maxSize int64
}

// NewInMemoryBlobStore returns a store whose view URLs are rooted at baseURL.
func NewInMemoryBlobStore(baseURL string, maxSize int64) *InMemoryBlobStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &InMemoryBlobStore{
		blobs:   make(map[string]*storedBlob),
		baseURL: strings.TrimRight(baseURL, "/"),
		maxSize: maxSize,
	}
}

// Upload validates inputs, reads the content, computes a SHA-256 hash, and
// stores the blob in memory.
func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content, s.maxSize)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

// Download returns an io.ReadCloser over the blob content and its metadata.
func (s *InMemoryBlobStore) Download(_ context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

// Delete removes a blob by ID.
func (s *InMemoryBlobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[id]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, id)
	return nil
}

// GetMetadata returns blob metadata without content.
func (s *InMemoryBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrBlobNotFound
	}

	meta := blob.metadata
	return &meta, nil
}

func (s *InMemoryBlobStore) ViewURL(id string) string {
	return s.baseURL + ViewPath(id)
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// Presigner is implemented by backends that can hand out a short-lived
// direct URL instead of streaming through this service.
type Presigner interface {
	PresignedURL(ctx context.Context, id string) (string, error)
}

// BlobHandler serves stored files by ID.
type BlobHandler struct {
	store BlobStore
}

// NewBlobHandler creates a new BlobHandler.
func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts the view and metadata routes. File IDs are random
// UUIDs so the view route is mounted without role checks, which lets image
// tags load it directly.
func (h *BlobHandler) RegisterRoutes(public *echo.Group, api *echo.Group) {
	public.GET("/files/:id/view", h.handleView)
	api.GET("/files/:id/metadata", h.handleGetMetadata)
}

func (h *BlobHandler) handleView(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	if p, ok := h.store.(Presigner); ok {
		url, err := p.PresignedURL(ctx, id)
		switch {
		case err == nil:
			if _, err := h.store.GetMetadata(ctx, id); err != nil {
				return blobError(err)
			}
			return c.Redirect(http.StatusFound, url)
		case !errors.Is(err, ErrPresignUnavailable):
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
	}

	rc, meta, err := h.store.Download(ctx, id)
	if err != nil {
		return blobError(err)
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, meta.FileName))
	c.Response().Header().Set("Cache-Control", "private, max-age=3600")
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *BlobHandler) handleGetMetadata(c echo.Context) error {
	meta, err := h.store.GetMetadata(c.Request().Context(), c.Param("id"))
	if err != nil {
		return blobError(err)
	}
	return c.JSON(http.StatusOK, meta)
}

// StatusFor maps store errors to HTTP status codes for upload endpoints
// owned by other packages.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrBlobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrMissingFileName), errors.Is(err, ErrEmptyFile):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidContentType):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}

func blobError(err error) error {
	return echo.NewHTTPError(StatusFor(err), err.Error())
}
