package util

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	kgSuffix   = regexp.MustCompile(`(?i)\s*kg\.?\s*$`)
	firstDigit = regexp.MustCompile(`\d+`)
)

// ParseBRDecimal parses a weight written with the Brazilian convention
// ("1.500,50 Kg"): dots group thousands, the comma marks decimals.
// ok is false when nothing numeric is left after cleanup or the value
// is not a finite, non-negative number.
func ParseBRDecimal(input string) (float64, bool) {
	s := strings.TrimSpace(strings.ReplaceAll(input, "\u00a0", " "))
	s = kgSuffix.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ParseFirstInt returns the first run of digits found anywhere in input.
func ParseFirstInt(input string) (int, bool) {
	m := firstDigit.FindString(input)
	if m == "" {
		return 0, false
	}
	v, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return v, true
}

func FormatWeight(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
