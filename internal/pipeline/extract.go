package pipeline

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jhillyerd/enmime"

	"cargonotes/internal"
	"cargonotes/internal/util"
)

// Positional layout of a dispatch-note data row.
const (
	colNoteID = iota
	colOrigin
	colDestination
	colOccurrenceDate
	colItemCount
	colDeclaredWeight
	colUnits
	colSeals
	colWeights

	minDataColumns
)

var (
	headerPhrasesCol0 = []string{"nota de despacho"}
	headerPhrasesCol1 = []string{"origem"}
	noiseTokens       = map[string]struct{}{"unitizador": {}, "lacre": {}, "objeto": {}}
)

const minUnitIDLength = 4

type MailContent struct {
	Subject string
	Date    string
	HTML    string
}

// ExtractEmail reads a raw RFC 822 message. The Date header is kept as sent.
func ExtractEmail(raw []byte) (MailContent, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return MailContent{}, err
	}
	html := env.HTML
	if strings.TrimSpace(html) == "" {
		html = env.Text
	}
	return MailContent{
		Subject: env.GetHeader("Subject"),
		Date:    env.GetHeader("Date"),
		HTML:    html,
	}, nil
}

type Parser struct {
	cities *util.CityNormalizer
}

func NewParser(cities *util.CityNormalizer) *Parser {
	return &Parser{cities: cities}
}

// Parse extracts every dispatch note listed in the tables of one HTML
// document. Rows repeating a note number within the same document are
// folded into the first occurrence.
func (p *Parser) Parse(html string) ([]internal.ParsedNote, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	out := []internal.ParsedNote{}
	index := map[string]int{}
	doc.Find("table").Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td,th")
		if isHeaderRow(cells) {
			return
		}
		note, ok := p.parseRow(cells)
		if !ok {
			return
		}
		if i, seen := index[note.NoteID]; seen {
			prev := &out[i]
			prev.Items = MergeItems(prev.Items, note.Items)
			prev.ComputedWeight = sumWeights(prev.Items)
			prev.Warnings = append(prev.Warnings, note.Warnings...)
			return
		}
		index[note.NoteID] = len(out)
		out = append(out, note)
	})
	return out, nil
}

func isHeaderRow(cells *goquery.Selection) bool {
	if cells.Filter("th").Length() > 0 {
		return true
	}
	if containsAny(strings.ToLower(cellText(cells, 0)), headerPhrasesCol0) {
		return true
	}
	return containsAny(strings.ToLower(cellText(cells, 1)), headerPhrasesCol1)
}

func (p *Parser) parseRow(cells *goquery.Selection) (internal.ParsedNote, bool) {
	if cells.Length() < minDataColumns {
		return internal.ParsedNote{}, false
	}
	noteID := internal.NoteIDPattern.FindString(cellText(cells, colNoteID))
	if noteID == "" {
		return internal.ParsedNote{}, false
	}

	note := internal.ParsedNote{
		NoteID:         noteID,
		Origin:         p.cities.Normalize(cellText(cells, colOrigin)),
		Destination:    p.cities.Normalize(cellText(cells, colDestination)),
		OccurrenceDate: cellText(cells, colOccurrenceDate),
	}

	rawCount := cellText(cells, colItemCount)
	if count, ok := util.ParseFirstInt(rawCount); ok {
		note.DeclaredItemCount = count
	} else {
		note.Warnings = append(note.Warnings, fmt.Sprintf("declared item count %q defaulted to 0", rawCount))
	}
	rawWeight := cellText(cells, colDeclaredWeight)
	if weight, ok := util.ParseBRDecimal(rawWeight); ok {
		note.DeclaredWeight = weight
	} else {
		note.Warnings = append(note.Warnings, fmt.Sprintf("declared weight %q defaulted to 0", rawWeight))
	}

	units := cellList(cells.Eq(colUnits))
	seals := cellList(cells.Eq(colSeals))
	weights := cellList(cells.Eq(colWeights))

	n := max(len(units), len(seals), len(weights))
	for i := 0; i < n; i++ {
		unitID := at(units, i, "")
		if isNoiseUnit(unitID) {
			continue
		}
		rawItemWeight := at(weights, i, "0")
		weight, ok := util.ParseBRDecimal(rawItemWeight)
		if !ok {
			note.Warnings = append(note.Warnings, fmt.Sprintf("weight %q of %s defaulted to 0", rawItemWeight, unitID))
		}
		note.Items = append(note.Items, internal.Item{
			UnitID: unitID,
			Seal:   at(seals, i, ""),
			Weight: weight,
		})
	}
	note.ComputedWeight = sumWeights(note.Items)
	return note, true
}

func isNoiseUnit(unitID string) bool {
	if len([]rune(unitID)) < minUnitIDLength {
		return true
	}
	_, noise := noiseTokens[strings.ToLower(unitID)]
	return noise
}

func cellText(cells *goquery.Selection, idx int) string {
	if idx >= cells.Length() {
		return ""
	}
	return util.CleanCell(cells.Eq(idx).Text())
}

// cellList splits a list cell on line breaks, falling back to whitespace
// when the cell holds a single line.
func cellList(cell *goquery.Selection) []string {
	var b strings.Builder
	writeListText(cell, &b)
	text := b.String()

	lines := []string{}
	for _, line := range strings.Split(text, "\n") {
		if line = util.CleanListEntry(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > 1 {
		return lines
	}
	return strings.Fields(util.CleanListEntry(text))
}

func writeListText(s *goquery.Selection, b *strings.Builder) {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		switch goquery.NodeName(c) {
		case "#text":
			b.WriteString(c.Text())
		case "br":
			b.WriteByte('\n')
		case "p", "div", "li":
			writeListText(c, b)
			b.WriteByte('\n')
		default:
			writeListText(c, b)
		}
	})
}

func at(list []string, i int, fallback string) string {
	if i < len(list) {
		return list[i]
	}
	return fallback
}

func containsAny(s string, probes []string) bool {
	for _, p := range probes {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func sumWeights(items []internal.Item) float64 {
	total := 0.0
	for _, it := range items {
		total += it.Weight
	}
	return total
}
