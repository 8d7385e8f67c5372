package intake

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/abtik/intake/internal/domain/patient"
	"github.com/abtik/intake/pkg/normalize"
)

// ExtractionResult is the typed, normalized output of OCR and field
// extraction for one form. Every field is optional.
type ExtractionResult struct {
	Name        *string `json:"name" validate:"omitempty,max=200"`
	DateOfBirth *string `json:"dateofbirth" validate:"omitempty,max=40"`
	Visited     *string `json:"visited" validate:"omitempty,max=40"`
	Phone       *string `json:"phone" validate:"omitempty,max=40"`
	Email       *string `json:"email" validate:"omitempty,email"`
	BloodType   *string `json:"bloodtype" validate:"omitempty,max=10"`
	Gender      *string `json:"gender" validate:"omitempty,max=40"`
	Place       *string `json:"place" validate:"omitempty,max=200"`
	Symptom1    *string `json:"symptom1" validate:"omitempty,max=200"`
	Symptom2    *string `json:"symptom2" validate:"omitempty,max=200"`
	Symptom3    *string `json:"symptom3" validate:"omitempty,max=200"`
	Summary     *string `json:"summary" validate:"omitempty,max=4000"`
}

// keySpellings maps each field to the keys providers have been seen to use
// for it, in order of preference.
var keySpellings = []struct {
	keys []string
	dst  func(e *ExtractionResult) **string
}{
	{[]string{"name", "fullname"}, func(e *ExtractionResult) **string { return &e.Name }},
	{[]string{"dateofbirth", "dob"}, func(e *ExtractionResult) **string { return &e.DateOfBirth }},
	{[]string{"visited", "lastvisited", "visitdate"}, func(e *ExtractionResult) **string { return &e.Visited }},
	{[]string{"phone", "phonenumber"}, func(e *ExtractionResult) **string { return &e.Phone }},
	{[]string{"email", "contact_email"}, func(e *ExtractionResult) **string { return &e.Email }},
	{[]string{"bloodtype", "blood_group"}, func(e *ExtractionResult) **string { return &e.BloodType }},
	{[]string{"gender", "sex"}, func(e *ExtractionResult) **string { return &e.Gender }},
	{[]string{"place", "hospital", "location"}, func(e *ExtractionResult) **string { return &e.Place }},
	{[]string{"symptom1", "s1"}, func(e *ExtractionResult) **string { return &e.Symptom1 }},
	{[]string{"symptom2", "s2"}, func(e *ExtractionResult) **string { return &e.Symptom2 }},
	{[]string{"symptom3", "s3"}, func(e *ExtractionResult) **string { return &e.Symptom3 }},
	{[]string{"summary", "notes"}, func(e *ExtractionResult) **string { return &e.Summary }},
}

// ParseRawExtraction maps a provider answer onto an ExtractionResult. The
// answer may be the field object itself, the object wrapped under "output"
// or "result", or a string holding JSON, possibly surrounded by prose.
// ok is false when no field object could be found; the result is then empty.
func ParseRawExtraction(raw []byte) (res ExtractionResult, ok bool) {
	var body interface{}
	if err := json.Unmarshal(bytes.TrimSpace(raw), &body); err != nil {
		body = string(raw)
	}

	if obj, isObj := body.(map[string]interface{}); isObj {
		if out, found := obj["output"]; found && out != nil {
			body = out
		} else if out, found := obj["result"]; found && out != nil {
			body = out
		}
	}

	fields, ok := asObject(body)
	if !ok {
		return ExtractionResult{}, false
	}
	for _, spec := range keySpellings {
		dst := spec.dst(&res)
		for _, k := range spec.keys {
			if v := scalarString(fields[k]); v != nil {
				*dst = v
				break
			}
		}
	}
	return res, true
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case string:
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(t), &obj); err == nil {
			return obj, true
		}
		start := strings.Index(t, "{")
		end := strings.LastIndex(t, "}")
		if start < 0 || end <= start {
			return nil, false
		}
		if err := json.Unmarshal([]byte(t[start:end+1]), &obj); err != nil {
			return nil, false
		}
		return obj, true
	}
	return nil, false
}

// scalarString renders strings, numbers and booleans; blanks, nulls and
// nested values yield nil.
func scalarString(v interface{}) *string {
	var s string
	switch t := v.(type) {
	case string:
		s = strings.TrimSpace(t)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(t)
	default:
		return nil
	}
	if s == "" || strings.EqualFold(s, "null") {
		return nil
	}
	return &s
}

// Normalize canonicalizes the date fields and trims every value. Blank
// values become nil.
func (e *ExtractionResult) Normalize() {
	for _, spec := range keySpellings {
		dst := spec.dst(e)
		if *dst == nil {
			continue
		}
		v := strings.TrimSpace(**dst)
		if v == "" {
			*dst = nil
			continue
		}
		*dst = &v
	}
	if e.DateOfBirth != nil {
		v := normalize.Date(*e.DateOfBirth)
		e.DateOfBirth = &v
	}
	if e.Visited != nil {
		v := normalize.Date(*e.Visited)
		e.Visited = &v
	}
}

// PhoneDigits returns the digits of the extracted phone number, or nil.
func (e *ExtractionResult) PhoneDigits() *string {
	if e.Phone == nil {
		return nil
	}
	return normalize.PhoneDigits(*e.Phone)
}

// NameOrEmpty returns the trimmed extracted name.
func (e *ExtractionResult) NameOrEmpty() string {
	if e.Name == nil {
		return ""
	}
	return strings.TrimSpace(*e.Name)
}

// fillFields is the subset intake may add to an existing patient.
func (e *ExtractionResult) fillFields() patient.FillFields {
	return patient.FillFields{
		Phone:     e.PhoneDigits(),
		Email:     e.Email,
		Place:     e.Place,
		Gender:    e.Gender,
		BloodType: e.BloodType,
	}
}
