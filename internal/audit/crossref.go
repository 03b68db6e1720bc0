package audit

import (
	"sort"
	"strings"

	"cargonotes/internal"
	"cargonotes/internal/util"
)

type CrossRefResult struct {
	Matched map[string]internal.CarrierMatch
	Missing []string
}

// MatchedIDs returns the matched identifiers in sorted order.
func (r CrossRefResult) MatchedIDs() []string {
	out := make([]string, 0, len(r.Matched))
	for id := range r.Matched {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CrossReference looks up every known identifier in the carrier texts, in
// file order. The first file containing an identifier wins. Texts are
// expected to be normalized already (see NormalizeCarrierText).
func CrossReference(knownIDs []string, files []internal.CarrierFile) CrossRefResult {
	res := CrossRefResult{Matched: map[string]internal.CarrierMatch{}, Missing: []string{}}
	seen := make(map[string]struct{}, len(knownIDs))
	for _, raw := range knownIDs {
		id := util.NormalizeCode(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		matched := false
		for _, f := range files {
			if strings.Contains(f.Text, id) {
				res.Matched[id] = internal.CarrierMatch{Label: f.Label, Period: f.Period, Rate: f.Rate}
				matched = true
				break
			}
		}
		if !matched {
			res.Missing = append(res.Missing, id)
		}
	}
	sort.Strings(res.Missing)
	return res
}

// NeedsCarrierUpdate is false only when the item is already matched for
// the same billing period.
func NeedsCarrierUpdate(item internal.Item, m internal.CarrierMatch) bool {
	return !(item.CarrierMatch && item.CarrierRefMonth == m.Period)
}

// ApplyCarrierMatch sets the billing fields of an item and leaves the rest
// untouched.
func ApplyCarrierMatch(item *internal.Item, m internal.CarrierMatch) {
	item.CarrierMatch = true
	item.CarrierRefMonth = m.Period
	item.CarrierType = m.Label
	item.CarrierValue = m.Rate
}
