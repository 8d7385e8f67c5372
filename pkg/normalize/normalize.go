// Package normalize holds the string transforms used to compare and store
// values extracted from scanned intake forms: names, dates and phone numbers.
package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DateLayout is the canonical stored form of every date.
const DateLayout = "01-02-2006"

// Name returns the comparison key for a person name. It trims, lowercases,
// strips diacritics and punctuation and collapses whitespace runs. The result
// is never meant for display or storage.
func Name(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokens splits a name into its normalized tokens.
func Tokens(raw string) []string {
	n := Name(raw)
	if n == "" {
		return nil
	}
	return strings.Split(n, " ")
}

var (
	slashDate = regexp.MustCompile(`^(\d{1,2})[/\-](\d{1,2})[/\-](\d{2}|\d{4})$`)
	isoDate   = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`)
)

var isoDateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// Date converts MM/DD/YYYY, MM-DD-YYYY, MM/DD/YY (read as 20YY) and ISO
// date or datetime input to MM-DD-YYYY. Input it cannot parse is returned
// unchanged.
func Date(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return raw
	}

	if m := slashDate.FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if len(m[3]) == 2 {
			year += 2000
		}
		if out, ok := format(year, month, day); ok {
			return out
		}
		return raw
	}

	if m := isoDate.FindStringSubmatch(s); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if out, ok := format(year, month, day); ok {
			return out
		}
		return raw
	}

	for _, layout := range isoDateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(DateLayout)
		}
	}
	return raw
}

// ParseDate parses a value previously produced by Date, or any input Date
// accepts. ok is false when the value cannot be read as a calendar date.
func ParseDate(raw string) (time.Time, bool) {
	t, err := time.Parse(DateLayout, Date(raw))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Today returns the canonical representation of now.
func Today(now time.Time) string {
	return now.Format(DateLayout)
}

func format(year, month, day int) (string, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return "", false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// Reject rollovers such as 02-30.
	if t.Day() != day || int(t.Month()) != month {
		return "", false
	}
	return fmt.Sprintf("%02d-%02d-%04d", month, day, year), true
}

// Digits strips every non-digit rune.
func Digits(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneDigits returns the digits of a phone number, or nil when none remain.
// Length and format are not validated.
func PhoneDigits(raw string) *string {
	d := Digits(raw)
	if d == "" {
		return nil
	}
	return &d
}

// DateDigits returns the digits of a date after canonicalization, so that
// 3/4/1990 and 03-04-1990 compare equal.
func DateDigits(raw string) string {
	return Digits(Date(raw))
}
