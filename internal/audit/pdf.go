package audit

import (
	"bytes"
	"fmt"
	"strings"

	pdf "github.com/ledongthuc/pdf"

	"cargonotes/internal"
	"cargonotes/internal/util"
)

// Carrier file kinds accepted by the audit.
const (
	CarrierPostal = "Postal"
	CarrierDensa  = "Densa"
)

// ExtractPDFText returns the plain text of every page, normalized for
// identifier lookup. Pages whose text cannot be decoded are skipped.
func ExtractPDFText(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return NormalizeCarrierText(b.String()), nil
}

// NormalizeCarrierText removes all whitespace and uppercases, so that a
// unit id split across a line wrap still matches.
func NormalizeCarrierText(text string) string {
	return util.NormalizeCode(text)
}

func LoadCarrierFile(label string, content []byte, period string, rate float64) (internal.CarrierFile, error) {
	text, err := ExtractPDFText(content)
	if err != nil {
		return internal.CarrierFile{}, fmt.Errorf("%s pdf: %w", label, err)
	}
	return internal.CarrierFile{Label: label, Text: text, Period: period, Rate: rate}, nil
}
