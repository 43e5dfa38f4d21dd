// Package builtin contains small value helpers shared by the coercer and the
// type probe. Everything here is pure and allocation-light; these functions run
// once per cell on the import hot path.
package builtin

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// HasEdgeSpace reports whether s starts or ends with ASCII whitespace.
// It lets callers skip strings.TrimSpace (and its allocation) in the common case.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return isSpace(s[0]) || isSpace(s[len(s)-1])
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

func trim(s string) string {
	if HasEdgeSpace(s) {
		return strings.TrimSpace(s)
	}
	return s
}

// StripFloatArtifact removes a trailing ".0" from an integer-looking number,
// turning "336025.0" into "336025". Codes exported through a float column pick
// up that suffix; anything that is not sign+digits+".0" is returned unchanged.
func StripFloatArtifact(s string) string {
	if len(s) < 3 || !strings.HasSuffix(s, ".0") {
		return s
	}
	head := s[:len(s)-2]
	digits := head
	if digits[0] == '-' || digits[0] == '+' {
		digits = digits[1:]
	}
	if digits == "" {
		return s
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return s
		}
	}
	return head
}

// ParseFloat parses s as a finite float64.
//
// A single decimal comma ("12,5") is accepted when no dot is present, which is
// how semicolon-separated extracts usually write decimals. NaN and ±Inf are
// rejected so they never reach a numeric column.
func ParseFloat(s string) (float64, bool) {
	s = trim(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if strings.Count(s, ",") != 1 || strings.Contains(s, ".") {
			return 0, false
		}
		f, err = strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
		if err != nil {
			return 0, false
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ParseInt parses s as an int64. Numeric strings with a fractional part are
// accepted and truncated toward zero ("12.0" → 12, "12.7" → 12); values out of
// int64 range are rejected.
func ParseInt(s string) (int64, bool) {
	s = trim(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, ok := ParseFloat(s)
	if !ok || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

// IsInt reports whether s is a plain base-10 integer.
func IsInt(s string) bool {
	_, err := strconv.ParseInt(trim(s), 10, 64)
	return err == nil
}

// dateLayouts is tried in order. Day-first wins for slash dates because the
// extracts this tool loads are produced with dd/mm/yyyy.
var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"01/02/2006",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"02/01/2006 15:04:05",
	"02-01-2006",
	"20060102",
}

// ParseDate parses s as a calendar date and returns it at UTC midnight along
// with the layout that matched.
func ParseDate(s string) (time.Time, string, bool) {
	s = trim(s)
	if s == "" {
		return time.Time{}, "", false
	}
	for _, lay := range dateLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), lay, true
		}
	}
	return time.Time{}, "", false
}
