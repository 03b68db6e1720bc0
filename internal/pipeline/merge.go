package pipeline

import (
	"strings"

	"cargonotes/internal"
)

// MergeItems overlays incoming onto existing, keyed by trimmed unit id.
// A unit seen in both is replaced by the incoming observation in place;
// new units are appended in arrival order.
func MergeItems(existing, incoming []internal.Item) []internal.Item {
	out := make([]internal.Item, 0, len(existing)+len(incoming))
	pos := make(map[string]int, len(existing)+len(incoming))

	put := func(it internal.Item) {
		it.UnitID = strings.TrimSpace(it.UnitID)
		if i, ok := pos[it.UnitID]; ok {
			out[i] = it
			return
		}
		pos[it.UnitID] = len(out)
		out = append(out, it)
	}
	for _, it := range existing {
		put(it)
	}
	for _, it := range incoming {
		put(it)
	}
	return out
}
