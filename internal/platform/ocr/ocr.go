// Package ocr calls the external OCR service that turns a scanned intake
// form into plain text.
package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/abtik/intake/internal/platform/apiclient"
)

// Extractor turns an uploaded form into text.
type Extractor interface {
	ExtractText(ctx context.Context, fileName string, data []byte) (string, error)
}

type Client struct {
	url     string
	backend *apiclient.Backend
}

func NewClient(url, apiKey string, timeout time.Duration) *Client {
	return &Client{url: url, backend: apiclient.NewBackend("ocr", apiKey, timeout)}
}

type response struct {
	Text    *string `json:"text"`
	OCRText *string `json:"ocrText"`
}

// ExtractText uploads the file and returns the recognized text with its
// whitespace collapsed. An empty string is a valid answer.
func (c *Client) ExtractText(ctx context.Context, fileName string, data []byte) (string, error) {
	body, err := c.backend.CallMultipart(ctx, c.url, "file", fileName, data)
	if err != nil {
		return "", err
	}

	var res response
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("ocr: decode response: %w", err)
	}
	text := ""
	switch {
	case res.Text != nil && *res.Text != "":
		text = *res.Text
	case res.OCRText != nil:
		text = *res.OCRText
	}
	return CleanText(text), nil
}

// CleanText collapses every whitespace run to a single space and trims.
func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
