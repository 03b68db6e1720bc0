package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cargonotes/internal"
	"cargonotes/internal/logutil"
)

// NoteStore is the persistence the orchestrator needs: a lookup that
// returns nil for an unknown note, and a full replace.
type NoteStore interface {
	GetNote(ctx context.Context, noteID string) (*internal.DispatchNote, error)
	PutNote(ctx context.Context, note *internal.DispatchNote) error
}

type Orchestrator struct {
	store     NoteStore
	parser    *Parser
	tolerance float64
	logger    *slog.Logger
}

func NewOrchestrator(store NoteStore, parser *Parser, tolerance float64, logger *slog.Logger) *Orchestrator {
	if tolerance <= 0 {
		tolerance = DefaultWeightTolerance
	}
	return &Orchestrator{store: store, parser: parser, tolerance: tolerance, logger: logutil.OrDefault(logger)}
}

// ProcessEmail folds every note found in one email into the store. An
// unclassified movement or an unparseable body is a no-op. A storage
// failure aborts only the note it happened on; the remaining notes are
// still processed and the failures are returned joined.
func (o *Orchestrator) ProcessEmail(ctx context.Context, mv internal.Movement, html, emailDate string) ([]internal.ProcessOutcome, error) {
	return o.ProcessEmailExcept(ctx, mv, html, emailDate, nil)
}

// ProcessEmailExcept is ProcessEmail for a retried email: notes in applied
// were already folded from it by an earlier attempt, so they are reported
// with their stored status instead of being folded again.
func (o *Orchestrator) ProcessEmailExcept(ctx context.Context, mv internal.Movement, html, emailDate string, applied map[string]bool) ([]internal.ProcessOutcome, error) {
	if mv != internal.MovementEntry && mv != internal.MovementExit {
		o.logger.Debug("movement not classified, skipping email", "movement", mv)
		return nil, nil
	}
	parsed, err := o.parser.Parse(html)
	if err != nil {
		o.logger.Warn("email body not parseable", "err", err)
		return nil, nil
	}
	if len(parsed) == 0 {
		o.logger.Info("no dispatch notes found in email", "movement", mv)
		return nil, nil
	}

	outcomes := make([]internal.ProcessOutcome, 0, len(parsed))
	var errs []error
	for _, p := range parsed {
		if applied[p.NoteID] {
			stored, err := o.store.GetNote(ctx, p.NoteID)
			if err != nil {
				errs = append(errs, fmt.Errorf("get note %s: %w", p.NoteID, err))
				continue
			}
			if stored != nil {
				o.logger.Debug("note already applied from this email", "note", p.NoteID)
				outcomes = append(outcomes, internal.ProcessOutcome{NoteID: stored.NoteID, Status: stored.Status})
				continue
			}
		}
		for _, w := range p.Warnings {
			o.logger.Warn("field defaulted", "note", p.NoteID, "detail", w)
		}
		note, err := o.apply(ctx, mv, p, emailDate)
		if err != nil {
			o.logger.Error("note not updated", "note", p.NoteID, "err", err)
			errs = append(errs, err)
			continue
		}
		o.logger.Info("note updated", "note", note.NoteID, "movement", mv, "status", note.Status,
			"entryItems", len(note.EntryItems), "exitItems", len(note.ExitItems))
		outcomes = append(outcomes, internal.ProcessOutcome{NoteID: note.NoteID, Status: note.Status})
	}
	return outcomes, errors.Join(errs...)
}

func (o *Orchestrator) apply(ctx context.Context, mv internal.Movement, p internal.ParsedNote, emailDate string) (*internal.DispatchNote, error) {
	existing, err := o.store.GetNote(ctx, p.NoteID)
	if err != nil {
		return nil, fmt.Errorf("get note %s: %w", p.NoteID, err)
	}
	note, err := FoldNote(existing, mv, p, emailDate, o.tolerance)
	if err != nil {
		return nil, err
	}
	if err := note.Validate(); err != nil {
		return nil, err
	}
	if err := o.store.PutNote(ctx, note); err != nil {
		return nil, fmt.Errorf("put note %s: %w", p.NoteID, err)
	}
	return note, nil
}

// FoldNote computes the next state of a note from its stored state (nil
// when none exists) and one parsed observation. The stored note is not
// modified.
func FoldNote(existing *internal.DispatchNote, mv internal.Movement, p internal.ParsedNote, emailDate string, tolerance float64) (*internal.DispatchNote, error) {
	var note *internal.DispatchNote
	if existing == nil {
		fresh, err := internal.NewDispatchNote(p.NoteID)
		if err != nil {
			return nil, err
		}
		note = fresh
	} else {
		note = cloneNote(existing)
	}
	note.EmailDate = emailDate

	switch mv {
	case internal.MovementEntry:
		note.EntryItems = MergeItems(note.EntryItems, p.Items)
		note.EntryMessageCount++
		if note.ReceivedAt == "" {
			note.ReceivedAt = emailDate
		}
		overwriteScalars(note, p)
	case internal.MovementExit:
		note.ExitItems = MergeItems(note.ExitItems, p.Items)
		note.ExitMessageCount++
		if note.ReturnedAt == "" {
			note.ReturnedAt = emailDate
		}
		fillScalars(note, p)
	default:
		return nil, fmt.Errorf("note %s: unsupported movement %q", p.NoteID, mv)
	}

	if note.HasExit() {
		rec := Reconcile(note.EntryItems, note.ExitItems, tolerance)
		note.Status = rec.Status
		note.DivergenceText = rec.Text()
	} else {
		note.Status = internal.StatusReceived
		note.DivergenceText = nil
	}

	if len(note.EntryItems) > 0 {
		note.ComputedWeight = sumWeights(note.EntryItems)
	} else {
		note.ComputedWeight = sumWeights(note.ExitItems)
	}
	return note, nil
}

func cloneNote(n *internal.DispatchNote) *internal.DispatchNote {
	c := *n
	c.EntryItems = append([]internal.Item(nil), n.EntryItems...)
	c.ExitItems = append([]internal.Item(nil), n.ExitItems...)
	if n.DivergenceText != nil {
		text := *n.DivergenceText
		c.DivergenceText = &text
	}
	return &c
}

// overwriteScalars lets a receipt email correct the header fields.
func overwriteScalars(note *internal.DispatchNote, p internal.ParsedNote) {
	if knownPlace(p.Origin) {
		note.Origin = p.Origin
	}
	if knownPlace(p.Destination) {
		note.Destination = p.Destination
	}
	if p.OccurrenceDate != "" {
		note.OccurrenceDate = p.OccurrenceDate
	}
	if p.DeclaredItemCount > 0 {
		note.DeclaredItemCount = p.DeclaredItemCount
	}
	if p.DeclaredWeight > 0 {
		note.DeclaredWeight = p.DeclaredWeight
	}
	fillScalars(note, p)
}

// fillScalars only sets header fields the note does not have yet.
func fillScalars(note *internal.DispatchNote, p internal.ParsedNote) {
	if !knownPlace(note.Origin) && p.Origin != "" {
		note.Origin = p.Origin
	}
	if !knownPlace(note.Destination) && p.Destination != "" {
		note.Destination = p.Destination
	}
	if note.OccurrenceDate == "" {
		note.OccurrenceDate = p.OccurrenceDate
	}
	if note.DeclaredItemCount == 0 {
		note.DeclaredItemCount = p.DeclaredItemCount
	}
	if note.DeclaredWeight == 0 {
		note.DeclaredWeight = p.DeclaredWeight
	}
}

func knownPlace(s string) bool {
	return s != "" && s != internal.UnknownPlace
}
