// Package analytics aggregates visit records into the dashboard served to
// analysts: symptom frequency, a monthly trend for one symptom and the
// places where that symptom was reported.
package analytics

import (
	"sort"
	"strings"
	"time"

	"github.com/abtik/intake/internal/domain/patient"
	"github.com/abtik/intake/internal/platform/geocode"
	"github.com/abtik/intake/pkg/normalize"
)

const (
	DefaultMonths = 12
	MinMonths     = 1
	MaxMonths     = 120
	// MaxTrendBuckets caps the number of trend points; longer windows are
	// summed into groups of consecutive months.
	MaxTrendBuckets = 60

	monthLabel = "2006-01"
)

// Query selects the dashboard window and the symptom the trend and hotspots
// follow. An empty Symptom means the most frequent one.
type Query struct {
	Months  int
	Symptom string
}

// ClampMonths bounds a requested window to the supported range. Zero selects
// the default.
func ClampMonths(m int) int {
	switch {
	case m == 0:
		return DefaultMonths
	case m < MinMonths:
		return MinMonths
	case m > MaxMonths:
		return MaxMonths
	}
	return m
}

type SymptomCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TrendPoint counts matching visits from the month Start through the month
// End, both inclusive.
type TrendPoint struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Count int    `json:"count"`
}

type Hotspot struct {
	Place  string          `json:"place"`
	Count  int             `json:"count"`
	Coords *geocode.Coords `json:"coords,omitempty"`
}

type Dashboard struct {
	Months      int            `json:"months"`
	Symptom     string         `json:"symptom"`
	Records     int            `json:"records"`
	Unmatched   int            `json:"unmatched"`
	Symptoms    []SymptomCount `json:"symptoms"`
	Trend       []TrendPoint   `json:"trend"`
	Hotspots    []Hotspot      `json:"hotspots"`
	DataAsOf    time.Time      `json:"dataAsOf"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// joined is a visit record inside the window with the patient it belongs
// to, if one could be found.
type joined struct {
	record   *patient.VisitRecord
	patient  *patient.Patient
	visited  time.Time
	symptoms []string
}

// Compute builds the dashboard for q from full listings of patients and
// records. Hotspot coordinates are left empty.
func Compute(now time.Time, patients []*patient.Patient, records []*patient.VisitRecord, q Query) *Dashboard {
	months := ClampMonths(q.Months)
	first := windowStart(now, months)
	end := first.AddDate(0, months, 0)

	j := newJoiner(patients)
	var rows []joined
	unmatched := 0
	for _, r := range records {
		visited, ok := normalize.ParseDate(r.VisitDate)
		if !ok || visited.Before(first) || !visited.Before(end) {
			continue
		}
		p := j.match(r)
		if p == nil {
			unmatched++
		}
		rows = append(rows, joined{record: r, patient: p, visited: visited, symptoms: r.Symptoms()})
	}

	d := &Dashboard{
		Months:      months,
		Records:     len(rows),
		Unmatched:   unmatched,
		Symptoms:    frequency(rows),
		GeneratedAt: now,
	}
	d.Symptom = strings.TrimSpace(q.Symptom)
	if d.Symptom == "" && len(d.Symptoms) > 0 {
		d.Symptom = d.Symptoms[0].Name
	}

	selected := filterSymptom(rows, d.Symptom)
	d.Trend = trend(first, months, selected)
	d.Hotspots = hotspots(selected)
	return d
}

type joiner struct {
	patients []*patient.Patient
	names    []string
	byID     map[string]*patient.Patient
	byName   map[string]*patient.Patient
}

func newJoiner(patients []*patient.Patient) *joiner {
	j := &joiner{
		patients: patients,
		names:    make([]string, len(patients)),
		byID:     make(map[string]*patient.Patient, len(patients)),
		byName:   make(map[string]*patient.Patient, len(patients)),
	}
	for i, p := range patients {
		j.byID[p.ID] = p
		n := normalize.Name(p.Name)
		j.names[i] = n
		if _, ok := j.byName[n]; n != "" && !ok {
			j.byName[n] = p
		}
	}
	return j
}

// match finds the patient of r: by reference, then by exact normalized
// name, then by the first patient whose name contains every token of the
// record's name.
func (j *joiner) match(r *patient.VisitRecord) *patient.Patient {
	if p, ok := j.byID[r.PatientID]; ok && r.PatientID != "" {
		return p
	}
	rn := normalize.Name(r.PatientName)
	if rn == "" {
		return nil
	}
	if p, ok := j.byName[rn]; ok {
		return p
	}
	tokens := strings.Fields(rn)
	for i, pn := range j.names {
		if pn != "" && containsAll(pn, tokens) {
			return j.patients[i]
		}
	}
	return nil
}

func containsAll(s string, tokens []string) bool {
	for _, t := range tokens {
		if !strings.Contains(s, t) {
			return false
		}
	}
	return true
}

func frequency(rows []joined) []SymptomCount {
	counts := make(map[string]int)
	for _, r := range rows {
		for _, s := range r.symptoms {
			counts[s]++
		}
	}
	out := make([]SymptomCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, SymptomCount{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// filterSymptom keeps the rows with a symptom containing want,
// case-insensitively.
func filterSymptom(rows []joined, want string) []joined {
	want = strings.ToLower(want)
	var out []joined
	for _, r := range rows {
		for _, s := range r.symptoms {
			if strings.Contains(strings.ToLower(s), want) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// windowStart is the first day of the oldest month in a window of months
// calendar months ending with the month of now.
func windowStart(now time.Time, months int) time.Time {
	return time.Date(now.Year(), now.Month()-time.Month(months-1), 1, 0, 0, 0, 0, time.UTC)
}

func trend(first time.Time, months int, rows []joined) []TrendPoint {
	counts := make([]int, months)
	for _, r := range rows {
		idx := (r.visited.Year()-first.Year())*12 + int(r.visited.Month()-first.Month())
		if idx >= 0 && idx < months {
			counts[idx]++
		}
	}

	group := (months + MaxTrendBuckets - 1) / MaxTrendBuckets
	out := make([]TrendPoint, 0, (months+group-1)/group)
	for i := 0; i < months; i += group {
		end := i + group
		if end > months {
			end = months
		}
		p := TrendPoint{
			Start: first.AddDate(0, i, 0).Format(monthLabel),
			End:   first.AddDate(0, end-1, 0).Format(monthLabel),
		}
		for _, c := range counts[i:end] {
			p.Count += c
		}
		out = append(out, p)
	}
	return out
}

// hotspots counts rows per place, taking the place from the matched patient
// and falling back to the one recorded on the visit.
func hotspots(rows []joined) []Hotspot {
	counts := make(map[string]int)
	for _, r := range rows {
		var place string
		if r.patient != nil && r.patient.Place != nil {
			place = strings.TrimSpace(*r.patient.Place)
		}
		if place == "" && r.record.Place != nil {
			place = strings.TrimSpace(*r.record.Place)
		}
		if place != "" {
			counts[place]++
		}
	}
	out := make([]Hotspot, 0, len(counts))
	for place, n := range counts {
		out = append(out, Hotspot{Place: place, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Place < out[j].Place
	})
	return out
}
