// Package aiextract asks the external prompt service to pull structured
// patient fields out of OCR text.
package aiextract

import (
	"context"
	"encoding/json"
	"time"

	"github.com/abtik/intake/internal/platform/apiclient"
)

// Prompt is the instruction sent with every extraction request.
const Prompt = "Extract patient information from the medical form text and return VALID JSON ONLY with these keys: " +
	"`name`, `dateofbirth` (MM/DD/YYYY or ISO or null), `visited` (MM/DD/YYYY or ISO or null), `phone`, `email`, " +
	"`bloodtype`, `gender`, `place`, `symptom1`, `symptom2`, `symptom3`, `summary`. " +
	"If a field is missing, set it to null. Phone should contain digits (you may return formatted), " +
	"email as a string if present, gender as 'Male'/'Female'/'Other' or null. Return JSON only."

// OutputKeys are the keys of the expected output skeleton.
var OutputKeys = []string{
	"name", "dateofbirth", "visited", "phone", "email", "bloodtype", "gender", "place",
	"symptom1", "symptom2", "symptom3", "summary",
}

// FieldExtractor returns the provider's raw answer for the given text.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, text string) (json.RawMessage, error)
}

type Client struct {
	url     string
	backend *apiclient.Backend
}

func NewClient(url, apiKey string, timeout time.Duration) *Client {
	return &Client{url: url, backend: apiclient.NewBackend("ai-extraction", apiKey, timeout)}
}

type request struct {
	Prompt         string                 `json:"prompt"`
	Content        string                 `json:"content"`
	ExpectedOutput map[string]interface{} `json:"expected_output"`
}

// ExtractFields posts the prompt and returns the response body unparsed.
// Shaping the answer into fields is left to the caller since providers
// wrap it in several ways.
func (c *Client) ExtractFields(ctx context.Context, text string) (json.RawMessage, error) {
	skeleton := make(map[string]interface{}, len(OutputKeys))
	for _, k := range OutputKeys {
		skeleton[k] = nil
	}
	body, err := c.backend.CallJSON(ctx, c.url, request{
		Prompt:         Prompt,
		Content:        text,
		ExpectedOutput: skeleton,
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}
