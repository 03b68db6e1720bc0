package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"cargonotes/internal"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type DB struct {
	conn *sqlx.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS notes (
  noteId TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  origin TEXT NOT NULL DEFAULT '',
  destination TEXT NOT NULL DEFAULT '',
  occurrenceDate TEXT NOT NULL DEFAULT '',
  emailDate TEXT NOT NULL DEFAULT '',
  receivedAt TEXT NOT NULL DEFAULT '',
  returnedAt TEXT NOT NULL DEFAULT '',
  declaredItemCount INTEGER NOT NULL DEFAULT 0,
  declaredWeight REAL NOT NULL DEFAULT 0,
  computedWeight REAL NOT NULL DEFAULT 0,
  entryItemsJson TEXT NOT NULL DEFAULT '[]',
  exitItemsJson TEXT NOT NULL DEFAULT '[]',
  divergenceText TEXT,
  entryMessageCount INTEGER NOT NULL DEFAULT 0,
  exitMessageCount INTEGER NOT NULL DEFAULT 0,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_notes_status ON notes(status);

CREATE TABLE IF NOT EXISTS emails (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  provider TEXT NOT NULL,
  messageId TEXT NOT NULL,
  providerRef TEXT NOT NULL DEFAULT '',
  label TEXT NOT NULL DEFAULT '',
  subject TEXT NOT NULL DEFAULT '',
  sender TEXT NOT NULL DEFAULT '',
  receivedAt TEXT NOT NULL DEFAULT '',
  hash TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'fetched',
  rawRef TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(provider, messageId)
);

CREATE TABLE IF NOT EXISTS email_notes (
  emailId INTEGER NOT NULL,
  noteId TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY(emailId, noteId),
  FOREIGN KEY(emailId) REFERENCES emails(id)
);

CREATE TABLE IF NOT EXISTS runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  traceId TEXT NOT NULL,
  kind TEXT NOT NULL,
  emailId INTEGER,
  timingsJson TEXT NOT NULL,
  countsJson TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(emailId) REFERENCES emails(id)
);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

	_, err := d.conn.Exec(schema)
	return err
}

type noteRow struct {
	NoteID            string         `db:"noteId"`
	Status            string         `db:"status"`
	Origin            string         `db:"origin"`
	Destination       string         `db:"destination"`
	OccurrenceDate    string         `db:"occurrenceDate"`
	EmailDate         string         `db:"emailDate"`
	ReceivedAt        string         `db:"receivedAt"`
	ReturnedAt        string         `db:"returnedAt"`
	DeclaredItemCount int            `db:"declaredItemCount"`
	DeclaredWeight    float64        `db:"declaredWeight"`
	ComputedWeight    float64        `db:"computedWeight"`
	EntryItemsJSON    string         `db:"entryItemsJson"`
	ExitItemsJSON     string         `db:"exitItemsJson"`
	DivergenceText    sql.NullString `db:"divergenceText"`
	EntryMessageCount int            `db:"entryMessageCount"`
	ExitMessageCount  int            `db:"exitMessageCount"`
}

const noteColumns = `noteId, status, origin, destination, occurrenceDate, emailDate, receivedAt, returnedAt,
  declaredItemCount, declaredWeight, computedWeight, entryItemsJson, exitItemsJson, divergenceText,
  entryMessageCount, exitMessageCount`

func toNoteRow(n *internal.DispatchNote) (noteRow, error) {
	entry, err := json.Marshal(nonNilItems(n.EntryItems))
	if err != nil {
		return noteRow{}, err
	}
	exit, err := json.Marshal(nonNilItems(n.ExitItems))
	if err != nil {
		return noteRow{}, err
	}
	row := noteRow{
		NoteID:            n.NoteID,
		Status:            string(n.Status),
		Origin:            n.Origin,
		Destination:       n.Destination,
		OccurrenceDate:    n.OccurrenceDate,
		EmailDate:         n.EmailDate,
		ReceivedAt:        n.ReceivedAt,
		ReturnedAt:        n.ReturnedAt,
		DeclaredItemCount: n.DeclaredItemCount,
		DeclaredWeight:    n.DeclaredWeight,
		ComputedWeight:    n.ComputedWeight,
		EntryItemsJSON:    string(entry),
		ExitItemsJSON:     string(exit),
		EntryMessageCount: n.EntryMessageCount,
		ExitMessageCount:  n.ExitMessageCount,
	}
	if n.DivergenceText != nil {
		row.DivergenceText = sql.NullString{String: *n.DivergenceText, Valid: true}
	}
	return row, nil
}

func (r noteRow) toNote() (internal.DispatchNote, error) {
	n := internal.DispatchNote{
		NoteID:            r.NoteID,
		Status:            internal.NoteStatus(r.Status),
		Origin:            r.Origin,
		Destination:       r.Destination,
		OccurrenceDate:    r.OccurrenceDate,
		EmailDate:         r.EmailDate,
		ReceivedAt:        r.ReceivedAt,
		ReturnedAt:        r.ReturnedAt,
		DeclaredItemCount: r.DeclaredItemCount,
		DeclaredWeight:    r.DeclaredWeight,
		ComputedWeight:    r.ComputedWeight,
		EntryMessageCount: r.EntryMessageCount,
		ExitMessageCount:  r.ExitMessageCount,
	}
	if r.DivergenceText.Valid {
		text := r.DivergenceText.String
		n.DivergenceText = &text
	}
	if err := json.Unmarshal([]byte(r.EntryItemsJSON), &n.EntryItems); err != nil {
		return internal.DispatchNote{}, fmt.Errorf("note %s entry items: %w", r.NoteID, err)
	}
	if err := json.Unmarshal([]byte(r.ExitItemsJSON), &n.ExitItems); err != nil {
		return internal.DispatchNote{}, fmt.Errorf("note %s exit items: %w", r.NoteID, err)
	}
	return n, nil
}

func nonNilItems(items []internal.Item) []internal.Item {
	if items == nil {
		return []internal.Item{}
	}
	return items
}

// GetNote returns nil, nil when the note does not exist.
func (d *DB) GetNote(ctx context.Context, noteID string) (*internal.DispatchNote, error) {
	var row noteRow
	err := d.conn.GetContext(ctx, &row, `SELECT `+noteColumns+` FROM notes WHERE noteId = ?`, noteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	note, err := row.toNote()
	if err != nil {
		return nil, err
	}
	return &note, nil
}

// PutNote replaces the whole stored document for note.NoteID.
func (d *DB) PutNote(ctx context.Context, note *internal.DispatchNote) error {
	row, err := toNoteRow(note)
	if err != nil {
		return err
	}
	_, err = d.conn.NamedExecContext(ctx, `
INSERT INTO notes (`+noteColumns+`)
VALUES (:noteId, :status, :origin, :destination, :occurrenceDate, :emailDate, :receivedAt, :returnedAt,
  :declaredItemCount, :declaredWeight, :computedWeight, :entryItemsJson, :exitItemsJson, :divergenceText,
  :entryMessageCount, :exitMessageCount)
ON CONFLICT(noteId) DO UPDATE SET
  status=excluded.status,
  origin=excluded.origin,
  destination=excluded.destination,
  occurrenceDate=excluded.occurrenceDate,
  emailDate=excluded.emailDate,
  receivedAt=excluded.receivedAt,
  returnedAt=excluded.returnedAt,
  declaredItemCount=excluded.declaredItemCount,
  declaredWeight=excluded.declaredWeight,
  computedWeight=excluded.computedWeight,
  entryItemsJson=excluded.entryItemsJson,
  exitItemsJson=excluded.exitItemsJson,
  divergenceText=excluded.divergenceText,
  entryMessageCount=excluded.entryMessageCount,
  exitMessageCount=excluded.exitMessageCount,
  updatedAt=CURRENT_TIMESTAMP
`, row)
	return err
}

func (d *DB) ListNotes(ctx context.Context) ([]internal.DispatchNote, error) {
	return d.selectNotes(ctx, `SELECT `+noteColumns+` FROM notes ORDER BY noteId ASC`)
}

func (d *DB) ListNotesByStatus(ctx context.Context, status internal.NoteStatus) ([]internal.DispatchNote, error) {
	return d.selectNotes(ctx, `SELECT `+noteColumns+` FROM notes WHERE status = ? ORDER BY noteId ASC`, string(status))
}

func (d *DB) selectNotes(ctx context.Context, query string, args ...any) ([]internal.DispatchNote, error) {
	var rows []noteRow
	if err := d.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]internal.DispatchNote, 0, len(rows))
	for _, r := range rows {
		n, err := r.toNote()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// A failed email that is fetched again goes back to the pending status so
// the next processing pass retries it.
const emailStatusFailed = "failed"

const emailColumns = `id, provider, messageId, providerRef, label, subject, sender, receivedAt, hash, status, rawRef`

func (d *DB) UpsertEmail(msg internal.FetchedMailMessage, hash, rawRef, status string) (internal.EmailRow, error) {
	_, err := d.conn.Exec(`
INSERT INTO emails (provider, messageId, providerRef, label, subject, sender, receivedAt, hash, status, rawRef)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, messageId) DO UPDATE SET
  providerRef=excluded.providerRef,
  label=excluded.label,
  subject=excluded.subject,
  sender=excluded.sender,
  receivedAt=excluded.receivedAt,
  hash=excluded.hash,
  rawRef=excluded.rawRef,
  status=CASE WHEN emails.status = ? THEN excluded.status ELSE emails.status END,
  updatedAt=CURRENT_TIMESTAMP
`, msg.Provider, msg.MessageID, msg.ProviderRef, msg.Label, msg.Subject, msg.From, msg.ReceivedAt, hash, status, rawRef, emailStatusFailed)
	if err != nil {
		return internal.EmailRow{}, err
	}

	row, err := d.GetEmailByProviderMessageID(msg.Provider, msg.MessageID)
	if err != nil {
		return internal.EmailRow{}, err
	}
	if row == nil {
		return internal.EmailRow{}, errors.New("failed to upsert email")
	}
	return *row, nil
}

func (d *DB) GetEmailByProviderMessageID(provider, messageID string) (*internal.EmailRow, error) {
	var row internal.EmailRow
	err := d.conn.Get(&row, `SELECT `+emailColumns+` FROM emails WHERE provider = ? AND messageId = ?`, provider, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (d *DB) GetEmailByID(id int) (*internal.EmailRow, error) {
	var row internal.EmailRow
	err := d.conn.Get(&row, `SELECT `+emailColumns+` FROM emails WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (d *DB) ListEmailsByStatus(status string, limit int) ([]internal.EmailRow, error) {
	var out []internal.EmailRow
	err := d.conn.Select(&out, `SELECT `+emailColumns+` FROM emails WHERE status = ? ORDER BY receivedAt ASC, id ASC LIMIT ?`, status, limit)
	return out, err
}

func (d *DB) UpdateEmailStatus(emailID int, status string) error {
	_, err := d.conn.Exec(`UPDATE emails SET status = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, status, emailID)
	return err
}

func (d *DB) MustEmailByProviderMessageID(provider, messageID string) (internal.EmailRow, error) {
	row, err := d.GetEmailByProviderMessageID(provider, messageID)
	if err != nil {
		return internal.EmailRow{}, err
	}
	if row == nil {
		return internal.EmailRow{}, fmt.Errorf("email not found: provider=%s messageId=%s", provider, messageID)
	}
	return *row, nil
}

// InsertRun records one processing or audit run. emailID 0 stores NULL.
// AppliedNotes returns the notes an email has already been folded into.
func (d *DB) AppliedNotes(ctx context.Context, emailID int) (map[string]bool, error) {
	var ids []string
	if err := d.conn.SelectContext(ctx, &ids, `SELECT noteId FROM email_notes WHERE emailId = ?`, emailID); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (d *DB) RecordAppliedNotes(ctx context.Context, emailID int, noteIDs []string) error {
	if len(noteIDs) == 0 {
		return nil
	}
	tx, err := d.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range noteIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO email_notes (emailId, noteId) VALUES (?, ?)`, emailID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *DB) InsertRun(traceID, kind string, emailID int, timings map[string]float64, counts map[string]int) error {
	timingsJSON, _ := json.Marshal(timings)
	countsJSON, _ := json.Marshal(counts)
	var email any
	if emailID > 0 {
		email = emailID
	}
	_, err := d.conn.Exec(`INSERT INTO runs (traceId, kind, emailId, timingsJson, countsJson) VALUES (?, ?, ?, ?, ?)`, traceID, kind, email, string(timingsJSON), string(countsJSON))
	return err
}

func (d *DB) CountRuns(kind string) (int, error) {
	var n int
	err := d.conn.Get(&n, `SELECT COUNT(*) FROM runs WHERE kind = ?`, kind)
	return n, err
}

func (d *DB) SetMetadata(key, value string) error {
	_, err := d.conn.Exec(`
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	return err
}

func (d *DB) GetMetadata(key string) (*string, error) {
	var value string
	err := d.conn.Get(&value, `SELECT value FROM metadata WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}
