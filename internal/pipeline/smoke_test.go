package pipeline

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"cargonotes/internal"
	"cargonotes/internal/config"
	"cargonotes/internal/storage"
)

func entryEML(t *testing.T) []byte {
	t.Helper()
	html, err := os.ReadFile(filepath.Join("testdata", "entry_nn100.html"))
	if err != nil {
		t.Fatal(err)
	}
	head := strings.Join([]string{
		"From: Sistema <noreply@example.com>",
		"Subject: Recebimento de Carga NN100",
		"Date: Mon, 09 Feb 2026 10:20:00 -0300",
		"Message-ID: <entry-nn100@example.com>",
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
		"", "",
	}, "\r\n")
	return append([]byte(head), html...)
}

func TestSmokeEntryExitToXLSX(t *testing.T) {
	tmp := t.TempDir()
	db, err := storage.Open(filepath.Join(tmp, "app.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	exitBlob, err := os.ReadFile(filepath.Join("testdata", "exit_nn100.eml"))
	if err != nil {
		t.Fatal(err)
	}
	fixtures := []struct {
		name       string
		messageID  string
		subject    string
		receivedAt string
		raw        []byte
	}{
		{"entry", "<entry-nn100@example.com>", "Recebimento de Carga NN100", "2026-02-09T13:20:00Z", entryEML(t)},
		{"exit", "<exit-nn100@example.com>", "Devolução de carga NN100", "2026-02-10T11:30:00Z", exitBlob},
	}

	cfg, _ := config.Load()
	proc := NewProcessingService(db, cfg, quietLogger())
	ctx := context.Background()

	for _, fx := range fixtures {
		rawPath := filepath.Join(tmp, fx.name+".eml")
		if err := os.WriteFile(rawPath, fx.raw, 0o644); err != nil {
			t.Fatal(err)
		}
		email, err := db.UpsertEmail(internal.FetchedMailMessage{
			Provider:   "gmail",
			MessageID:  fx.messageID,
			Subject:    fx.subject,
			ReceivedAt: fx.receivedAt,
		}, "hash", rawPath, EmailFetched)
		if err != nil {
			t.Fatal(err)
		}
		if email.ID == 0 {
			t.Fatal("email id not assigned")
		}
	}

	results, err := proc.ProcessPending(ctx, 10, "gmail")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results=%+v", results)
	}
	for _, res := range results {
		if res.Status != EmailProcessed {
			t.Fatalf("email %d status=%s", res.EmailID, res.Status)
		}
	}

	note, err := db.GetNote(ctx, "NN100")
	if err != nil {
		t.Fatal(err)
	}
	if note == nil {
		t.Fatal("NN100 not stored")
	}
	if note.Status != internal.StatusDivergent || note.EntryMessageCount != 1 || note.ExitMessageCount != 1 {
		t.Fatalf("unexpected note: %+v", note)
	}
	if note.DivergenceText == nil || *note.DivergenceText != "U0002B: entry weight 1000.5 ≠ exit weight 1000.9" {
		t.Fatalf("divergence=%v", note.DivergenceText)
	}
	if runs, _ := db.CountRuns("email"); runs != 2 {
		t.Fatalf("runs=%d", runs)
	}

	notes, err := db.ListNotes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(tmp, "notes.xlsx")
	if err := ExportNotesToXLSX(notes, out); err != nil {
		t.Fatal(err)
	}
	f, err := excelize.OpenFile(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows(itemsSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 5 {
		t.Fatalf("item rows=%d", len(rows))
	}
}

func TestProcessEmailSkipsUnclassifiedSubject(t *testing.T) {
	tmp := t.TempDir()
	db, err := storage.Open(filepath.Join(tmp, "app.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	raw := "Subject: Boletim\r\nContent-Type: text/html\r\n\r\n<table></table>"
	rawPath := filepath.Join(tmp, "m.eml")
	if err := os.WriteFile(rawPath, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	email, err := db.UpsertEmail(internal.FetchedMailMessage{Provider: "imap", MessageID: "<m>"}, "h", rawPath, EmailFetched)
	if err != nil {
		t.Fatal(err)
	}

	cfg, _ := config.Load()
	res, err := NewProcessingService(db, cfg, quietLogger()).ProcessEmail(context.Background(), email)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != EmailSkipped || res.Movement != internal.MovementUnknown {
		t.Fatalf("res=%+v", res)
	}
	row, _ := db.GetEmailByID(email.ID)
	if row == nil || row.Status != EmailSkipped {
		t.Fatalf("row=%+v", row)
	}
}

func TestParseNotesFromFile(t *testing.T) {
	content, notes, err := ParseNotesFromFile(testParser(), filepath.Join("testdata", "exit_nn100.eml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(content.Subject, "Devolução") || len(notes) != 1 || len(notes[0].Items) != 2 {
		t.Fatalf("content=%+v notes=%+v", content, notes)
	}
	if _, _, err := ParseNotesFromFile(testParser(), filepath.Join("testdata", "missing.txt")); err == nil {
		t.Fatal("expected error")
	}
}

func TestStorageFailureNamesNoteOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "app.db")
	db, err := storage.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	if _, err := raw.Exec(`CREATE TRIGGER block_notes BEFORE INSERT ON notes BEGIN SELECT RAISE(ABORT, 'blocked'); END;`); err != nil {
		t.Fatal(err)
	}

	o := NewOrchestrator(db, testParser(), DefaultWeightTolerance, quietLogger())
	html := "<table>" + row("NN1", "a", "b", "d", "1", "1", "U0001", "L1", "1") + "</table>"
	_, err = o.ProcessEmail(context.Background(), internal.MovementEntry, html, "d")
	if err == nil {
		t.Fatal("expected storage error")
	}
	if n := strings.Count(err.Error(), "put note NN1"); n != 1 {
		t.Fatalf("err=%q", err)
	}
}
