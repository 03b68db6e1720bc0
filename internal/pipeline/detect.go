package pipeline

import (
	"strings"

	"cargonotes/internal"
	"cargonotes/internal/util"
)

// ClassifyMovement derives the movement of an email from its subject.
// Matching ignores case and accents; entry keywords win when a subject
// names both.
func ClassifyMovement(subject string, entryKeywords, exitKeywords []string) internal.Movement {
	s := foldSubject(subject)
	if s == "" {
		return internal.MovementUnknown
	}
	for _, kw := range entryKeywords {
		if kw = foldSubject(kw); kw != "" && strings.Contains(s, kw) {
			return internal.MovementEntry
		}
	}
	for _, kw := range exitKeywords {
		if kw = foldSubject(kw); kw != "" && strings.Contains(s, kw) {
			return internal.MovementExit
		}
	}
	return internal.MovementUnknown
}

func foldSubject(s string) string {
	return strings.ToLower(util.FoldAccents(strings.ToUpper(strings.Join(strings.Fields(s), " "))))
}
