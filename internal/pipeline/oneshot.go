package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cargonotes/internal"
)

// ParseNotesFromFile runs the parser over a saved message (.eml) or a bare
// HTML body (.html, .htm) without touching the store.
func ParseNotesFromFile(p *Parser, path string) (MailContent, []internal.ParsedNote, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return MailContent{}, nil, err
	}

	var content MailContent
	switch strings.ToLower(filepath.Ext(path)) {
	case ".eml":
		content, err = ExtractEmail(blob)
		if err != nil {
			return MailContent{}, nil, err
		}
	case ".html", ".htm":
		content = MailContent{HTML: string(blob)}
	default:
		return MailContent{}, nil, fmt.Errorf("unsupported input file: %s", path)
	}

	notes, err := p.Parse(content.HTML)
	if err != nil {
		return content, nil, err
	}
	return content, notes, nil
}
