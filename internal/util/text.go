package util

import (
	"regexp"
	"strings"
	"unicode"
)

var reSpaces = regexp.MustCompile(`\s+`)

// CleanCell collapses whitespace in extracted cell text and drops the
// quoted-printable residue ("=" soft breaks, non-breaking spaces) that
// forwarded notification emails carry.
func CleanCell(input string) string {
	s := strings.ReplaceAll(input, "\u00a0", " ")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "=", "")
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// CleanListEntry is CleanCell plus removal of the "?" placeholders the
// source system prints for unknown seals.
func CleanListEntry(input string) string {
	return strings.TrimSpace(strings.ReplaceAll(CleanCell(input), "?", ""))
}

// NormalizeCode uppercases an identifier and strips every whitespace rune.
func NormalizeCode(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

func StringPtr(v string) *string { return &v }
