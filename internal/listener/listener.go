package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cargonotes/internal"
	"cargonotes/internal/config"
	"cargonotes/internal/connectors"
	gmailconnector "cargonotes/internal/connectors/gmail"
	imapconnector "cargonotes/internal/connectors/imap"
	"cargonotes/internal/logutil"
	"cargonotes/internal/pipeline"
	"cargonotes/internal/storage"
)

type Service struct {
	db     *storage.DB
	cfg    config.Config
	logger *slog.Logger

	// cycles never overlap, whether started by the loop or over HTTP
	mu        sync.Mutex
	connector connectors.MailConnector
}

func NewService(db *storage.DB, cfg config.Config, logger *slog.Logger) *Service {
	return &Service{db: db, cfg: cfg, logger: logutil.OrDefault(logger)}
}

// WithConnector fixes the mailbox instead of building one from config.
func (s *Service) WithConnector(c connectors.MailConnector) *Service {
	s.connector = c
	return s
}

// LastCycleKey is the metadata key holding the JSON of the latest cycle.
const LastCycleKey = "listener.last_cycle"

type CycleResult struct {
	At        string                    `json:"at"`
	Provider  string                    `json:"provider"`
	Fetched   int                       `json:"fetched"`
	Stored    int                       `json:"stored"`
	Processed int                       `json:"processed"`
	Skipped   int                       `json:"skipped"`
	Failed    int                       `json:"failed"`
	Marked    int                       `json:"marked"`
	Notes     []internal.ProcessOutcome `json:"notes"`
	Export    string                    `json:"export,omitempty"`
}

func (s *Service) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.MailListenerIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		if _, err := s.RunCycle(ctx); err != nil {
			s.logger.Error("listener cycle failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// RunCycle fetches labelled mail, folds it into the notes and takes the
// label off every message that was processed or skipped. Failed messages
// keep their label.
func (s *Service) RunCycle(ctx context.Context) (CycleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	provider := strings.ToLower(strings.TrimSpace(s.cfg.MailListenerProvider))
	res := CycleResult{At: time.Now().UTC().Format(time.RFC3339), Provider: provider}
	mailConnector, err := s.mailConnector(ctx, provider)
	if err != nil {
		return res, err
	}

	ingestor := connectors.NewIngestor(s.db, s.cfg.RawMailDir, mailConnector, s.logger)
	ingested, err := ingestor.Ingest(ctx, s.cfg.MailListenerLabel, s.cfg.MailListenerFetchMax)
	res.Fetched, res.Stored = ingested.Fetched, ingested.Stored
	if err != nil {
		if ingested.Stored == 0 {
			return res, err
		}
		s.logger.Warn("some messages were not stored", "provider", provider, "error", err)
	}

	processor := pipeline.NewProcessingService(s.db, s.cfg, s.logger)
	results, procErr := processor.ProcessPending(ctx, s.cfg.MailListenerProcessBatch, provider)

	var errs []error
	if procErr != nil {
		errs = append(errs, procErr)
	}
	for _, r := range results {
		switch r.Status {
		case pipeline.EmailProcessed:
			res.Processed++
		case pipeline.EmailSkipped:
			res.Skipped++
		default:
			res.Failed++
			continue
		}
		res.Notes = append(res.Notes, r.Outcomes...)
		if err := s.markProcessed(ctx, mailConnector, r.EmailID); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Marked++
	}

	if s.cfg.MailListenerAutoExport && res.Processed > 0 {
		path, err := s.exportNotes(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		res.Export = path
	}

	if blob, err := json.Marshal(res); err == nil {
		if err := s.db.SetMetadata(LastCycleKey, string(blob)); err != nil {
			errs = append(errs, fmt.Errorf("record cycle: %w", err))
		}
	}

	s.logger.Info("listener cycle done", "provider", provider, "fetched", res.Fetched, "stored", res.Stored,
		"processed", res.Processed, "skipped", res.Skipped, "failed", res.Failed, "marked", res.Marked)
	return res, errors.Join(errs...)
}

func (s *Service) markProcessed(ctx context.Context, c connectors.MailConnector, emailID int) error {
	email, err := s.db.GetEmailByID(emailID)
	if err != nil {
		return err
	}
	if email == nil || email.ProviderRef == "" {
		return nil
	}
	label := email.Label
	if label == "" {
		label = s.cfg.MailListenerLabel
	}
	return c.MarkProcessed(ctx, email.ProviderRef, label)
}

func (s *Service) exportNotes(ctx context.Context) (string, error) {
	notes, err := s.db.ListNotes(ctx)
	if err != nil {
		return "", err
	}
	outputPath := filepath.Join(s.cfg.OutputDir, "listener", "notes.xlsx")
	if err := pipeline.ExportNotesToXLSX(notes, outputPath); err != nil {
		return "", err
	}
	return outputPath, nil
}

func (s *Service) mailConnector(ctx context.Context, provider string) (connectors.MailConnector, error) {
	if s.connector != nil {
		return s.connector, nil
	}
	var (
		c   connectors.MailConnector
		err error
	)
	switch provider {
	case "gmail":
		// the token source outlives this cycle
		c, err = gmailconnector.NewConnector(context.WithoutCancel(ctx), s.cfg)
	case "imap":
		c, err = imapconnector.NewConnector(s.cfg)
	default:
		return nil, fmt.Errorf("unsupported listener provider: %s", provider)
	}
	if err != nil {
		return nil, err
	}
	s.connector = c
	return c, nil
}
