package internal

import (
	"errors"
	"fmt"
	"regexp"
)

type NoteStatus string

const (
	StatusNone               NoteStatus = ""
	StatusReceived           NoteStatus = "RECEIVED"
	StatusDeliveredNoReceipt NoteStatus = "DELIVERED_NO_RECEIPT"
	StatusComplete           NoteStatus = "COMPLETE"
	StatusDivergent          NoteStatus = "DIVERGENT"
)

type Movement string

const (
	MovementUnknown Movement = "UNKNOWN"
	MovementEntry   Movement = "ENTRY"
	MovementExit    Movement = "EXIT"
)

// UnknownPlace replaces empty origin/destination values.
const UnknownPlace = "UNKNOWN"

var noteIDPattern = regexp.MustCompile(`^NN\d+$`)

// NoteIDPattern finds a dispatch note number anywhere in a string.
var NoteIDPattern = regexp.MustCompile(`NN\d+`)

type Item struct {
	UnitID          string  `json:"unitId"`
	Seal            string  `json:"seal"`
	Weight          float64 `json:"weight"`
	Verified        bool    `json:"verified"`
	CarrierMatch    bool    `json:"carrierMatch"`
	CarrierRefMonth string  `json:"carrierRefMonth"`
	CarrierType     string  `json:"carrierType"`
	CarrierValue    float64 `json:"carrierValue"`
}

type ParsedNote struct {
	NoteID            string
	Origin            string
	Destination       string
	OccurrenceDate    string
	DeclaredItemCount int
	DeclaredWeight    float64
	ComputedWeight    float64
	Items             []Item
	// Warnings lists fields that failed to parse and were defaulted to zero.
	Warnings []string
}

type DispatchNote struct {
	NoteID            string     `json:"noteId"`
	Status            NoteStatus `json:"status"`
	Origin            string     `json:"origin"`
	Destination       string     `json:"destination"`
	OccurrenceDate    string     `json:"occurrenceDate"`
	EmailDate         string     `json:"emailDate"`
	ReceivedAt        string     `json:"receivedAt"`
	ReturnedAt        string     `json:"returnedAt"`
	DeclaredItemCount int        `json:"declaredItemCount"`
	DeclaredWeight    float64    `json:"declaredWeight"`
	ComputedWeight    float64    `json:"computedWeight"`
	EntryItems        []Item     `json:"entryItems"`
	ExitItems         []Item     `json:"exitItems"`
	DivergenceText    *string    `json:"divergenceText"`
	EntryMessageCount int        `json:"entryMessageCount"`
	ExitMessageCount  int        `json:"exitMessageCount"`
}

// NewDispatchNote returns an empty note for a canonical NN<digits> id.
func NewDispatchNote(noteID string) (*DispatchNote, error) {
	if !noteIDPattern.MatchString(noteID) {
		return nil, fmt.Errorf("invalid note id %q", noteID)
	}
	return &DispatchNote{NoteID: noteID, Status: StatusNone}, nil
}

// HasExit reports whether a return email has been folded into the note.
func (n *DispatchNote) HasExit() bool {
	return n.ExitMessageCount > 0
}

func (n *DispatchNote) Validate() error {
	if !noteIDPattern.MatchString(n.NoteID) {
		return fmt.Errorf("note %q: invalid id", n.NoteID)
	}
	switch n.Status {
	case StatusReceived, StatusDeliveredNoReceipt, StatusComplete, StatusDivergent:
	default:
		return fmt.Errorf("note %s: invalid status %q", n.NoteID, n.Status)
	}

	var errs []error
	if len(n.EntryItems) > 0 && len(n.ExitItems) > 0 && n.Status != StatusComplete && n.Status != StatusDivergent {
		errs = append(errs, fmt.Errorf("entry and exit items present with status %s", n.Status))
	}
	if len(n.EntryItems) == 0 && len(n.ExitItems) > 0 && n.Status != StatusDeliveredNoReceipt {
		errs = append(errs, fmt.Errorf("exit-only note with status %s", n.Status))
	}
	textless := n.Status == StatusReceived || n.Status == StatusComplete
	if textless != (n.DivergenceText == nil) {
		errs = append(errs, fmt.Errorf("divergence text does not agree with status %s", n.Status))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("note %s: %w", n.NoteID, err)
	}
	return nil
}

type ProcessOutcome struct {
	NoteID string
	Status NoteStatus
}

type CarrierFile struct {
	Label  string
	Text   string
	Period string
	Rate   float64
}

type CarrierMatch struct {
	Label  string
	Period string
	Rate   float64
}

type EmailRow struct {
	ID          int    `db:"id"`
	Provider    string `db:"provider"`
	MessageID   string `db:"messageId"`
	ProviderRef string `db:"providerRef"`
	Label       string `db:"label"`
	Subject     string `db:"subject"`
	Sender      string `db:"sender"`
	ReceivedAt  string `db:"receivedAt"`
	Hash        string `db:"hash"`
	Status      string `db:"status"`
	RawRef      string `db:"rawRef"`
}

type FetchedMailMessage struct {
	Provider    string
	MessageID   string
	ProviderRef string
	Label       string
	Subject     string
	From        string
	ReceivedAt  string
	Raw         []byte
}
