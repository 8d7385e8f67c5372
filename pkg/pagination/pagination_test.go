package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	return e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		target     string
		wantLimit  int
		wantOffset int
	}{
		{"/", DefaultLimit, 0},
		{"/?limit=50&offset=10", 50, 10},
		{"/?limit=500", MaxLimit, 0},
		{"/?limit=-1&offset=-5", DefaultLimit, 0},
		{"/?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := FromContext(contextFor(tt.target))
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("%s: got limit=%d offset=%d, want %d/%d", tt.target, p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	if r := NewResponse(nil, 45, 20, 20); !r.HasMore {
		t.Error("expected more after second page of 45")
	}
	if r := NewResponse(nil, 40, 20, 20); r.HasMore {
		t.Error("expected last page")
	}
}

func TestResponse_WithNext(t *testing.T) {
	q := url.Values{"q": {"juan"}, "offset": {"0"}}
	r := NewResponse(nil, 45, 20, 0).WithNext(q)
	if r.Next != "?limit=20&offset=20&q=juan" {
		t.Errorf("unexpected next %q", r.Next)
	}
	if q.Get("offset") != "0" {
		t.Error("WithNext must not modify the caller's values")
	}

	last := NewResponse(nil, 10, 20, 0).WithNext(q)
	if last.Next != "" {
		t.Errorf("expected no next link, got %q", last.Next)
	}
}
