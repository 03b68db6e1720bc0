package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"cargonotes/internal"
	"cargonotes/internal/config"
	"cargonotes/internal/logutil"
	"cargonotes/internal/storage"
	"cargonotes/internal/util"
)

// Email statuses tracked in the emails table.
const (
	EmailFetched   = "fetched"
	EmailProcessed = "processed"
	EmailSkipped   = "skipped"
	EmailFailed    = "failed"
)

type ProcessingService struct {
	db     *storage.DB
	cfg    config.Config
	orch   *Orchestrator
	logger *slog.Logger
}

func NewProcessingService(db *storage.DB, cfg config.Config, logger *slog.Logger) *ProcessingService {
	logger = logutil.OrDefault(logger)
	cities := util.NewCityNormalizer(cfg.HubCity, cfg.HubPrefix, cfg.DefaultCityPrefix)
	return &ProcessingService{
		db:     db,
		cfg:    cfg,
		orch:   NewOrchestrator(db, NewParser(cities), cfg.WeightToleranceKg, logger),
		logger: logger,
	}
}

type ProcessResult struct {
	EmailID  int
	Movement internal.Movement
	Status   string
	Outcomes []internal.ProcessOutcome
}

func (s *ProcessingService) ProcessByProviderMessageID(ctx context.Context, provider, messageID string) (ProcessResult, error) {
	email, err := s.db.MustEmailByProviderMessageID(provider, messageID)
	if err != nil {
		return ProcessResult{}, err
	}
	return s.ProcessEmail(ctx, email)
}

// ProcessPending works through fetched emails oldest first. A failing
// email does not stop the batch.
func (s *ProcessingService) ProcessPending(ctx context.Context, limit int, provider string) ([]ProcessResult, error) {
	pending, err := s.db.ListEmailsByStatus(EmailFetched, limit)
	if err != nil {
		return nil, err
	}
	results := []ProcessResult{}
	var errs []error
	for _, email := range pending {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if provider != "" && email.Provider != provider {
			continue
		}
		res, err := s.ProcessEmail(ctx, email)
		if err != nil {
			errs = append(errs, fmt.Errorf("email %d: %w", email.ID, err))
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (s *ProcessingService) ProcessEmail(ctx context.Context, email internal.EmailRow) (ProcessResult, error) {
	start := time.Now()
	traceID := uuid.NewString()
	logger := s.logger.With("trace", traceID, "email", email.ID)
	res := ProcessResult{EmailID: email.ID, Movement: internal.MovementUnknown}

	finish := func(status string, cause error) (ProcessResult, error) {
		res.Status = status
		if err := s.db.UpdateEmailStatus(email.ID, status); err != nil {
			cause = errors.Join(cause, err)
		}
		counts := map[string]int{"notes": len(res.Outcomes)}
		for _, o := range res.Outcomes {
			counts[string(o.Status)]++
		}
		timings := map[string]float64{"totalMs": float64(time.Since(start).Milliseconds())}
		if err := s.db.InsertRun(traceID, "email", email.ID, timings, counts); err != nil {
			logger.Warn("run not recorded", "err", err)
		}
		logger.Info("email handled", "status", status, "movement", res.Movement, "notes", len(res.Outcomes))
		return res, cause
	}

	raw, err := os.ReadFile(email.RawRef)
	if err != nil {
		return finish(EmailFailed, fmt.Errorf("read raw message: %w", err))
	}
	content, err := ExtractEmail(raw)
	if err != nil {
		return finish(EmailFailed, fmt.Errorf("read envelope: %w", err))
	}

	res.Movement = ClassifyMovement(firstNonEmpty(content.Subject, email.Subject), s.cfg.EntrySubjectKeywords, s.cfg.ExitSubjectKeywords)
	if res.Movement == internal.MovementUnknown {
		return finish(EmailSkipped, nil)
	}

	applied, err := s.db.AppliedNotes(ctx, email.ID)
	if err != nil {
		return finish(EmailFailed, fmt.Errorf("applied notes: %w", err))
	}
	outcomes, err := s.orch.ProcessEmailExcept(ctx, res.Movement, content.HTML, firstNonEmpty(content.Date, email.ReceivedAt), applied)
	res.Outcomes = outcomes
	ids := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		ids = append(ids, o.NoteID)
	}
	if recErr := s.db.RecordAppliedNotes(ctx, email.ID, ids); recErr != nil {
		err = errors.Join(err, fmt.Errorf("record applied notes: %w", recErr))
	}
	if err != nil {
		return finish(EmailFailed, err)
	}
	if len(outcomes) == 0 {
		return finish(EmailSkipped, nil)
	}
	return finish(EmailProcessed, nil)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
