package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"cargonotes/internal"
	"cargonotes/internal/logutil"
	"cargonotes/internal/util"
)

var ErrNoCarrierFiles = errors.New("no carrier file provided")

type Store interface {
	ListNotes(ctx context.Context) ([]internal.DispatchNote, error)
	PutNote(ctx context.Context, note *internal.DispatchNote) error
	InsertRun(traceID, kind string, emailID int, timings map[string]float64, counts map[string]int) error
}

type Report struct {
	TraceID      string   `json:"trace_id"`
	FoundCount   int      `json:"found_count"`
	MissingCount int      `json:"missing_count"`
	Total        int      `json:"total_processed"`
	DocsUpdated  int      `json:"docs_updated"`
	MissingCodes []string `json:"missing_codes"`
	Files        []string `json:"files"`
}

type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logutil.OrDefault(logger)}
}

// Run matches every unit id known to the store against the carrier files
// and writes back the notes whose billing fields changed. A note that
// fails to save does not stop the others.
func (s *Service) Run(ctx context.Context, files []internal.CarrierFile) (Report, error) {
	if len(files) == 0 {
		return Report{}, ErrNoCarrierFiles
	}
	start := time.Now()
	report := Report{TraceID: uuid.NewString()}
	for _, f := range files {
		report.Files = append(report.Files, f.Label+" "+f.Period)
	}

	notes, err := s.store.ListNotes(ctx)
	if err != nil {
		return report, fmt.Errorf("list notes: %w", err)
	}
	known := []string{}
	for _, n := range notes {
		for _, it := range n.EntryItems {
			known = append(known, it.UnitID)
		}
		for _, it := range n.ExitItems {
			known = append(known, it.UnitID)
		}
	}

	res := CrossReference(known, files)
	report.FoundCount = len(res.Matched)
	report.MissingCount = len(res.Missing)
	report.Total = report.FoundCount + report.MissingCount
	report.MissingCodes = res.Missing

	var errs []error
	for i := range notes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		note := &notes[i]
		changed := applyMatches(note.EntryItems, res.Matched)
		if applyMatches(note.ExitItems, res.Matched) {
			changed = true
		}
		if !changed {
			continue
		}
		if err := s.store.PutNote(ctx, note); err != nil {
			s.logger.Error("carrier fields not saved", "trace", report.TraceID, "note", note.NoteID, "err", err)
			errs = append(errs, fmt.Errorf("put note %s: %w", note.NoteID, err))
			continue
		}
		report.DocsUpdated++
	}

	timings := map[string]float64{"totalMs": float64(time.Since(start).Milliseconds())}
	counts := map[string]int{"found": report.FoundCount, "missing": report.MissingCount, "docsUpdated": report.DocsUpdated}
	if err := s.store.InsertRun(report.TraceID, "audit", 0, timings, counts); err != nil {
		s.logger.Warn("run not recorded", "trace", report.TraceID, "err", err)
	}
	s.logger.Info("carrier audit finished", "trace", report.TraceID, "found", report.FoundCount,
		"missing", report.MissingCount, "docsUpdated", report.DocsUpdated)
	return report, errors.Join(errs...)
}

func applyMatches(items []internal.Item, matched map[string]internal.CarrierMatch) bool {
	changed := false
	for i := range items {
		m, ok := matched[util.NormalizeCode(items[i].UnitID)]
		if !ok || !NeedsCarrierUpdate(items[i], m) {
			continue
		}
		ApplyCarrierMatch(&items[i], m)
		changed = true
	}
	return changed
}
