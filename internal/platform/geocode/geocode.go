// Package geocode resolves free-text place names to coordinates for the
// analytics hotspot map.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/abtik/intake/internal/platform/apiclient"
)

type Coords struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Geocoder returns nil coordinates, not an error, when a place is unknown.
type Geocoder interface {
	Geocode(ctx context.Context, place string) (*Coords, error)
}

// Nominatim queries an OpenStreetMap Nominatim search endpoint. Requests
// are throttled to the provider's usage policy.
type Nominatim struct {
	baseURL string
	region  string
	backend *apiclient.Backend
	limiter *rate.Limiter
}

// NewNominatim builds a client. region is appended to every query to keep
// matches inside one country; rps caps outbound requests per second.
func NewNominatim(baseURL, region, userAgent string, rps float64, timeout time.Duration) *Nominatim {
	b := apiclient.NewBackend("geocoder", "", timeout)
	b.UserAgent = userAgent
	return &Nominatim{
		baseURL: baseURL,
		region:  region,
		backend: b,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type searchResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

func (n *Nominatim) Geocode(ctx context.Context, place string) (*Coords, error) {
	place = strings.TrimSpace(place)
	if place == "" {
		return nil, nil
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("geocoder: %w", err)
	}

	q := place
	if n.region != "" {
		q = place + ", " + n.region
	}
	params := url.Values{}
	params.Set("format", "json")
	params.Set("q", q)
	params.Set("limit", "1")

	body, err := n.backend.Get(ctx, n.baseURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var results []searchResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("geocoder: decode response: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("geocoder: bad latitude %q", results[0].Lat)
	}
	lng, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("geocoder: bad longitude %q", results[0].Lon)
	}
	return &Coords{Lat: lat, Lng: lng}, nil
}
