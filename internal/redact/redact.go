// Package redact scrubs upstream error text before it is stored on a
// conversion or logged. Provider errors can echo credentials or fragments
// of the submitted text back to us.
package redact

import "regexp"

const maxDetailRunes = 512

var (
	apiKeyPattern = regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-*]{8,}`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]{8,}`)
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// Detail masks credentials and common PII patterns, then caps the length.
func Detail(input string) (redacted string, changed bool) {
	out := input
	for _, r := range []struct {
		pattern *regexp.Regexp
		marker  string
	}{
		{apiKeyPattern, "[REDACTED_KEY]"},
		{bearerPattern, "Bearer [REDACTED_KEY]"},
		{emailPattern, "[REDACTED_EMAIL]"},
		// Cards before phones, or long card numbers read as phone numbers.
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}

	if runes := []rune(out); len(runes) > maxDetailRunes {
		out = string(runes[:maxDetailRunes]) + "…"
		changed = true
	}
	return out, changed
}

// String is Detail without the changed flag.
func String(input string) string {
	out, _ := Detail(input)
	return out
}
