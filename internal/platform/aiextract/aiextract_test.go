package aiextract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/abtik/intake/internal/platform/apiclient"
)

func TestClient_ExtractFields(t *testing.T) {
	var got request
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"output":"{\"name\":\"Juan\"}"}`))
	}))
	defer srv.Close()

	raw, err := NewClient(srv.URL, "key", time.Second).ExtractFields(context.Background(), "Name: Juan")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"output":"{\"name\":\"Juan\"}"}` {
		t.Errorf("expected raw body passed through, got %s", raw)
	}
	if gotKey != "key" || got.Content != "Name: Juan" || got.Prompt != Prompt {
		t.Errorf("unexpected request %+v key=%q", got, gotKey)
	}
	if len(got.ExpectedOutput) != len(OutputKeys) {
		t.Errorf("expected %d skeleton keys, got %d", len(OutputKeys), len(got.ExpectedOutput))
	}
	if v, ok := got.ExpectedOutput["summary"]; !ok || v != nil {
		t.Errorf("expected null summary in skeleton, got %v", v)
	}
}

func TestClient_ExtractFields_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", time.Second).ExtractFields(context.Background(), "x")
	var apiErr *apiclient.Error
	if !errors.As(err, &apiErr) || apiErr.Service != "ai-extraction" {
		t.Fatalf("expected ai-extraction error, got %v", err)
	}
}
