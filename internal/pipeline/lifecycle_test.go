package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"cargonotes/internal"
)

type memStore struct {
	notes   map[string]internal.DispatchNote
	failPut map[string]bool
}

func newMemStore() *memStore {
	return &memStore{notes: map[string]internal.DispatchNote{}, failPut: map[string]bool{}}
}

func (m *memStore) GetNote(_ context.Context, id string) (*internal.DispatchNote, error) {
	n, ok := m.notes[id]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (m *memStore) PutNote(_ context.Context, n *internal.DispatchNote) error {
	if m.failPut[n.NoteID] {
		return errors.New("store unavailable")
	}
	m.notes[n.NoteID] = *n
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noteHTML(id string, units, seals, weights []string) string {
	return "<table>" + row(id, "Santarem", "Alenquer", "09/02/2026", "1", "10",
		strings.Join(units, "<br>"), strings.Join(seals, "<br>"), strings.Join(weights, "<br>")) + "</table>"
}

func TestFoldNoteStateTable(t *testing.T) {
	entry := internal.ParsedNote{NoteID: "NN100", Origin: "CDD SANTAREM", Destination: "AC ALENQUER", Items: []internal.Item{{UnitID: "X1", Weight: 10}}}
	exitOK := internal.ParsedNote{NoteID: "NN100", Origin: internal.UnknownPlace, Items: []internal.Item{{UnitID: "X1", Weight: 10.05}}}
	exitBad := internal.ParsedNote{NoteID: "NN100", Items: []internal.Item{{UnitID: "X1", Weight: 10.2}}}

	fold := func(t *testing.T, n *internal.DispatchNote, mv internal.Movement, p internal.ParsedNote) *internal.DispatchNote {
		t.Helper()
		out, err := FoldNote(n, mv, p, "d", DefaultWeightTolerance)
		if err != nil {
			t.Fatal(err)
		}
		if err := out.Validate(); err != nil {
			t.Fatal(err)
		}
		return out
	}

	t.Run("none+entry", func(t *testing.T) {
		n := fold(t, nil, internal.MovementEntry, entry)
		if n.Status != internal.StatusReceived || n.DivergenceText != nil || n.EntryMessageCount != 1 || n.ReceivedAt != "d" {
			t.Fatalf("unexpected: %+v", n)
		}
	})
	t.Run("none+exit", func(t *testing.T) {
		n := fold(t, nil, internal.MovementExit, exitOK)
		if n.Status != internal.StatusDeliveredNoReceipt || n.DivergenceText == nil || *n.DivergenceText != OrphanExitText {
			t.Fatalf("unexpected: %+v", n)
		}
		if n.ComputedWeight != 10.05 {
			t.Fatalf("computed=%v", n.ComputedWeight)
		}
	})
	t.Run("received+entry", func(t *testing.T) {
		n := fold(t, fold(t, nil, internal.MovementEntry, entry), internal.MovementEntry, internal.ParsedNote{NoteID: "NN100", Items: []internal.Item{{UnitID: "X2", Weight: 1}}})
		if n.Status != internal.StatusReceived || len(n.EntryItems) != 2 || n.EntryMessageCount != 2 {
			t.Fatalf("unexpected: %+v", n)
		}
	})
	t.Run("received+exit within tolerance", func(t *testing.T) {
		n := fold(t, fold(t, nil, internal.MovementEntry, entry), internal.MovementExit, exitOK)
		if n.Status != internal.StatusComplete || n.DivergenceText != nil {
			t.Fatalf("unexpected: %+v", n)
		}
		if n.Origin != "CDD SANTAREM" {
			t.Fatalf("exit overwrote origin: %q", n.Origin)
		}
	})
	t.Run("received+exit divergent", func(t *testing.T) {
		n := fold(t, fold(t, nil, internal.MovementEntry, entry), internal.MovementExit, exitBad)
		if n.Status != internal.StatusDivergent || n.DivergenceText == nil || !strings.Contains(*n.DivergenceText, "X1") {
			t.Fatalf("unexpected: %+v", n)
		}
	})
	t.Run("orphan+exit", func(t *testing.T) {
		n := fold(t, fold(t, nil, internal.MovementExit, exitOK), internal.MovementExit, exitBad)
		if n.Status != internal.StatusDeliveredNoReceipt || n.ExitMessageCount != 2 || n.ExitItems[0].Weight != 10.2 {
			t.Fatalf("unexpected: %+v", n)
		}
	})
	t.Run("orphan+entry", func(t *testing.T) {
		n := fold(t, fold(t, nil, internal.MovementExit, exitOK), internal.MovementEntry, entry)
		if n.Status != internal.StatusComplete || n.DivergenceText != nil || n.Origin != "CDD SANTAREM" {
			t.Fatalf("unexpected: %+v", n)
		}
	})
	t.Run("divergent+exit correction", func(t *testing.T) {
		divergent := fold(t, fold(t, nil, internal.MovementEntry, entry), internal.MovementExit, exitBad)
		n := fold(t, divergent, internal.MovementExit, exitOK)
		if n.Status != internal.StatusComplete || n.DivergenceText != nil {
			t.Fatalf("unexpected: %+v", n)
		}
		if divergent.Status != internal.StatusDivergent {
			t.Fatal("stored note mutated")
		}
	})
	t.Run("unknown movement", func(t *testing.T) {
		if _, err := FoldNote(nil, internal.MovementUnknown, entry, "d", DefaultWeightTolerance); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestOrchestratorResentEntryEmail(t *testing.T) {
	store := newMemStore()
	o := NewOrchestrator(store, testParser(), DefaultWeightTolerance, quietLogger())
	ctx := context.Background()
	html := noteHTML("NN200", []string{"U0001A", "U0002B"}, []string{"L1", "L2"}, []string{"4", "6"})

	first, err := o.ProcessEmail(ctx, internal.MovementEntry, html, "d1")
	if err != nil {
		t.Fatal(err)
	}
	before := store.notes["NN200"]
	second, err := o.ProcessEmail(ctx, internal.MovementEntry, html, "d1")
	if err != nil {
		t.Fatal(err)
	}
	after := store.notes["NN200"]

	if !reflect.DeepEqual(first, second) || first[0].Status != internal.StatusReceived {
		t.Fatalf("outcomes differ: %+v %+v", first, second)
	}
	if after.EntryMessageCount != 2 {
		t.Fatalf("entryMessageCount=%d", after.EntryMessageCount)
	}
	if !reflect.DeepEqual(before.EntryItems, after.EntryItems) || before.Status != after.Status {
		t.Fatalf("content changed on resend:\n%+v\n%+v", before, after)
	}
}

func TestOrchestratorEntryThenExit(t *testing.T) {
	store := newMemStore()
	o := NewOrchestrator(store, testParser(), DefaultWeightTolerance, quietLogger())
	ctx := context.Background()

	if _, err := o.ProcessEmail(ctx, internal.MovementEntry, noteHTML("NN100", []string{"X0001"}, []string{"L1"}, []string{"10,0"}), "d1"); err != nil {
		t.Fatal(err)
	}
	out, err := o.ProcessEmail(ctx, internal.MovementExit, noteHTML("NN100", []string{"X0001"}, []string{"L1"}, []string{"10,2"}), "d2")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Status != internal.StatusDivergent {
		t.Fatalf("outcomes=%+v", out)
	}
	n := store.notes["NN100"]
	if n.ReceivedAt != "d1" || n.ReturnedAt != "d2" || n.EmailDate != "d2" {
		t.Fatalf("dates: %+v", n)
	}
}

func TestOrchestratorNoOps(t *testing.T) {
	store := newMemStore()
	o := NewOrchestrator(store, testParser(), DefaultWeightTolerance, quietLogger())
	ctx := context.Background()
	html := noteHTML("NN1", []string{"U0001"}, []string{"L1"}, []string{"1"})

	out, err := o.ProcessEmail(ctx, internal.MovementUnknown, html, "d")
	if err != nil || out != nil {
		t.Fatalf("out=%v err=%v", out, err)
	}
	out, err = o.ProcessEmail(ctx, internal.MovementEntry, "<p>nada</p>", "d")
	if err != nil || out != nil {
		t.Fatalf("out=%v err=%v", out, err)
	}
	if len(store.notes) != 0 {
		t.Fatalf("store touched: %+v", store.notes)
	}
}

func TestOrchestratorStorageFailureIsolated(t *testing.T) {
	store := newMemStore()
	store.failPut["NN1"] = true
	o := NewOrchestrator(store, testParser(), DefaultWeightTolerance, quietLogger())
	html := "<table>" +
		row("NN1", "a", "b", "d", "1", "1", "U0001", "L1", "1") +
		row("NN2", "a", "b", "d", "1", "1", "U0002", "L2", "1") +
		"</table>"

	out, err := o.ProcessEmail(context.Background(), internal.MovementEntry, html, "d")
	if err == nil || !strings.Contains(err.Error(), "NN1") {
		t.Fatalf("err=%v", err)
	}
	if len(out) != 1 || out[0].NoteID != "NN2" {
		t.Fatalf("outcomes=%+v", out)
	}
	if _, ok := store.notes["NN2"]; !ok {
		t.Fatal("NN2 not stored")
	}
}
