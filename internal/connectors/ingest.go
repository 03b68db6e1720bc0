package connectors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"cargonotes/internal"
	"cargonotes/internal/logutil"
	"cargonotes/internal/storage"
)

const statusFetched = "fetched"

// Ingestor pulls messages from a mailbox and persists them as pending
// email rows. Raw bodies are content-addressed on disk.
type Ingestor struct {
	db        *storage.DB
	rawDir    string
	connector MailConnector
	logger    *slog.Logger
}

type IngestResult struct {
	Fetched    int
	Stored     int
	Duplicates int
	Skipped    int
}

func NewIngestor(db *storage.DB, rawDir string, connector MailConnector, logger *slog.Logger) *Ingestor {
	return &Ingestor{db: db, rawDir: rawDir, connector: connector, logger: logutil.OrDefault(logger)}
}

// Ingest stores every fetched message it can. A failing message does not
// stop the batch; all failures are returned joined.
func (g *Ingestor) Ingest(ctx context.Context, label string, max int) (IngestResult, error) {
	messages, err := g.connector.FetchInbox(ctx, label, max)
	if err != nil {
		return IngestResult{}, fmt.Errorf("fetch %s: %w", label, err)
	}

	res := IngestResult{Fetched: len(messages)}
	var errs []error
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if len(msg.Raw) == 0 {
			g.logger.Warn("skipping message without body", "provider", msg.Provider, "message_id", msg.MessageID)
			res.Skipped++
			continue
		}
		dup, err := g.store(msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("store %s: %w", msg.MessageID, err))
			continue
		}
		res.Stored++
		if dup {
			res.Duplicates++
		}
	}
	return res, errors.Join(errs...)
}

// store reports whether the raw body was already on disk. Re-storing a
// known message refreshes its metadata and keeps its processing status.
func (g *Ingestor) store(msg internal.FetchedMailMessage) (bool, error) {
	sum := sha256.Sum256(msg.Raw)
	hash := hex.EncodeToString(sum[:])

	dir := filepath.Join(g.rawDir, hash[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	rawPath := filepath.Join(dir, hash+".eml")

	dup := true
	if _, err := os.Stat(rawPath); errors.Is(err, os.ErrNotExist) {
		dup = false
		if err := writeAtomic(rawPath, msg.Raw); err != nil {
			return false, err
		}
	} else if err != nil {
		return false, err
	}

	_, err := g.db.UpsertEmail(msg, hash, rawPath, statusFetched)
	return dup, err
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".raw-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
