package pipeline

import (
	"reflect"
	"testing"

	"cargonotes/internal"
)

func ids(items []internal.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.UnitID)
	}
	return out
}

func TestMergeItemsOrderAndReplace(t *testing.T) {
	existing := []internal.Item{
		{UnitID: "A", Weight: 1, CarrierMatch: true},
		{UnitID: " B ", Weight: 2},
		{UnitID: "C", Weight: 3},
	}
	incoming := []internal.Item{
		{UnitID: "D", Weight: 4},
		{UnitID: "B", Weight: 20, Seal: "S"},
		{UnitID: "E", Weight: 5},
	}
	got := MergeItems(existing, incoming)
	if want := []string{"A", "B", "C", "D", "E"}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("order=%v want %v", ids(got), want)
	}
	if got[1].Weight != 20 || got[1].Seal != "S" {
		t.Fatalf("B not replaced: %+v", got[1])
	}
	if !got[0].CarrierMatch {
		t.Fatalf("A should be kept unchanged: %+v", got[0])
	}
	if existing[1].Weight != 2 {
		t.Fatal("existing slice mutated")
	}
}

func TestMergeItemsIdempotent(t *testing.T) {
	a := []internal.Item{{UnitID: "X1", Weight: 1}, {UnitID: "X2", Weight: 2}}
	b := []internal.Item{{UnitID: "X2", Weight: 2.5}, {UnitID: "X3", Weight: 3}}
	once := MergeItems(a, b)
	twice := MergeItems(once, b)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("merge not idempotent:\n%+v\n%+v", once, twice)
	}
}

func TestMergeItemsEmpty(t *testing.T) {
	if got := MergeItems(nil, nil); len(got) != 0 {
		t.Fatalf("got %+v", got)
	}
	got := MergeItems(nil, []internal.Item{{UnitID: "X1"}, {UnitID: "X1", Weight: 2}})
	if len(got) != 1 || got[0].Weight != 2 {
		t.Fatalf("duplicate incoming ids should collapse: %+v", got)
	}
}
