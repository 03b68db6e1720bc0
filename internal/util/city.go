package util

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var accentReplacer = strings.NewReplacer(
	"Á", "A", "À", "A", "Ã", "A", "Â", "A", "Ä", "A",
	"É", "E", "È", "E", "Ê", "E", "Ë", "E",
	"Í", "I", "Ì", "I", "Î", "I", "Ï", "I",
	"Ó", "O", "Ò", "O", "Õ", "O", "Ô", "O", "Ö", "O",
	"Ú", "U", "Ù", "U", "Û", "U", "Ü", "U",
	"Ç", "C", "Ñ", "N",
)

// DefaultLocationPrefixes are the unit-type tokens the postal network
// puts in front of place names.
var DefaultLocationPrefixes = []string{"CDD", "AC", "UD", "AG", "CTO", "TECA"}

type CityNormalizer struct {
	Hub           string
	HubPrefix     string
	DefaultPrefix string
	Prefixes      []string
}

func NewCityNormalizer(hub, hubPrefix, defaultPrefix string) *CityNormalizer {
	return &CityNormalizer{
		Hub:           FoldAccents(strings.ToUpper(strings.TrimSpace(hub))),
		HubPrefix:     strings.ToUpper(strings.TrimSpace(hubPrefix)),
		DefaultPrefix: strings.ToUpper(strings.TrimSpace(defaultPrefix)),
		Prefixes:      DefaultLocationPrefixes,
	}
}

// Normalize returns the canonical uppercase ASCII form of a place name.
// Empty input yields "UNKNOWN", never "".
func (c *CityNormalizer) Normalize(raw string) string {
	s := reSpaces.ReplaceAllString(strings.ToUpper(strings.TrimSpace(raw)), " ")
	s = FoldAccents(s)
	if s == "" {
		return "UNKNOWN"
	}
	if c.Hub != "" && s == c.Hub {
		return c.HubPrefix + " " + c.Hub
	}
	if c.hasPrefix(s) || c.DefaultPrefix == "" {
		return s
	}
	return c.DefaultPrefix + " " + s
}

func (c *CityNormalizer) hasPrefix(s string) bool {
	for _, p := range c.Prefixes {
		if s == p || strings.HasPrefix(s, p+" ") {
			return true
		}
	}
	return false
}

// FoldAccents applies the fixed Portuguese substitution table, then strips
// any combining mark the table does not cover.
func FoldAccents(s string) string {
	s = accentReplacer.Replace(s)
	for _, r := range s {
		if r > unicode.MaxASCII {
			t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
			if out, _, err := transform.String(t, s); err == nil {
				return out
			}
			break
		}
	}
	return s
}
