package ocr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/abtik/intake/internal/platform/apiclient"
)

func TestClient_ExtractText(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"text field", `{"text":"Name:  Juan\n Dela Cruz"}`, "Name: Juan Dela Cruz"},
		{"ocrText field", `{"ocrText":"DOB 01/02/1990"}`, "DOB 01/02/1990"},
		{"empty text falls back", `{"text":"","ocrText":"fallback"}`, "fallback"},
		{"nothing recognized", `{}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotKey string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotKey = r.Header.Get("x-api-key")
				if _, _, err := r.FormFile("file"); err != nil {
					http.Error(w, "missing file", http.StatusBadRequest)
					return
				}
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := NewClient(srv.URL, "k", time.Second).ExtractText(context.Background(), "form.jpg", []byte("img"))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
			if gotKey != "k" {
				t.Errorf("expected api key header, got %q", gotKey)
			}
		})
	}
}

func TestClient_ExtractText_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", time.Second).ExtractText(context.Background(), "f.png", nil)
	var apiErr *apiclient.Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected status error, got %v", err)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>"))
	}))
	defer bad.Close()
	if _, err := NewClient(bad.URL, "", time.Second).ExtractText(context.Background(), "f.png", nil); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCleanText(t *testing.T) {
	if got := CleanText("  a\t\tb \n\n c  "); got != "a b c" {
		t.Errorf("unexpected %q", got)
	}
}
