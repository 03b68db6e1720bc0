package pipeline

import (
	"fmt"
	"math"
	"strings"

	"cargonotes/internal"
	"cargonotes/internal/util"
)

// DefaultWeightTolerance absorbs rounding and scale noise between the
// entry and exit weighings of a unit.
const DefaultWeightTolerance = 0.1

// OrphanExitText is recorded on notes seen only through a return email.
const OrphanExitText = "return without prior receipt"

const toleranceEpsilon = 1e-9

type DivergenceKind string

const (
	DivergenceNotInEntry      DivergenceKind = "not_in_entry"
	DivergenceWeight          DivergenceKind = "weight"
	DivergenceMissingFromExit DivergenceKind = "missing_from_exit"
)

type Divergence struct {
	UnitID      string
	Kind        DivergenceKind
	EntryWeight float64
	ExitWeight  float64
}

func (d Divergence) String() string {
	switch d.Kind {
	case DivergenceNotInEntry:
		return d.UnitID + ": not present in entry"
	case DivergenceWeight:
		return fmt.Sprintf("%s: entry weight %s ≠ exit weight %s", d.UnitID, util.FormatWeight(d.EntryWeight), util.FormatWeight(d.ExitWeight))
	case DivergenceMissingFromExit:
		return d.UnitID + ": missing from exit"
	default:
		return d.UnitID + ": " + string(d.Kind)
	}
}

type Reconciliation struct {
	Status      internal.NoteStatus
	Divergences []Divergence
}

// Text joins the divergence messages in discovery order. It is nil for a
// clean comparison.
func (r Reconciliation) Text() *string {
	if r.Status == internal.StatusDeliveredNoReceipt {
		return util.StringPtr(OrphanExitText)
	}
	if len(r.Divergences) == 0 {
		return nil
	}
	parts := make([]string, 0, len(r.Divergences))
	for _, d := range r.Divergences {
		parts = append(parts, d.String())
	}
	return util.StringPtr(strings.Join(parts, "; "))
}

// Reconcile compares the entry and exit item sets of one note. Exit-side
// checks run first, then entry units never returned. An empty entry side
// yields DELIVERED_NO_RECEIPT without comparison.
func Reconcile(entry, exit []internal.Item, tolerance float64) Reconciliation {
	if len(entry) == 0 {
		return Reconciliation{Status: internal.StatusDeliveredNoReceipt}
	}

	entryByID := make(map[string]internal.Item, len(entry))
	for _, it := range entry {
		entryByID[strings.TrimSpace(it.UnitID)] = it
	}
	exitIDs := make(map[string]struct{}, len(exit))

	var divs []Divergence
	for _, out := range exit {
		id := strings.TrimSpace(out.UnitID)
		exitIDs[id] = struct{}{}
		in, ok := entryByID[id]
		if !ok {
			divs = append(divs, Divergence{UnitID: id, Kind: DivergenceNotInEntry, ExitWeight: out.Weight})
			continue
		}
		if math.Abs(in.Weight-out.Weight) > tolerance+toleranceEpsilon {
			divs = append(divs, Divergence{UnitID: id, Kind: DivergenceWeight, EntryWeight: in.Weight, ExitWeight: out.Weight})
		}
	}
	for _, in := range entry {
		id := strings.TrimSpace(in.UnitID)
		if _, ok := exitIDs[id]; !ok {
			divs = append(divs, Divergence{UnitID: id, Kind: DivergenceMissingFromExit, EntryWeight: in.Weight})
		}
	}

	if len(divs) > 0 {
		return Reconciliation{Status: internal.StatusDivergent, Divergences: divs}
	}
	return Reconciliation{Status: internal.StatusComplete}
}
