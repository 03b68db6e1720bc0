package connectors

import (
	"context"

	"cargonotes/internal"
)

// MailConnector is a mailbox the listener reads dispatch emails from.
// MarkProcessed takes the ProviderRef and Label of a fetched message.
type MailConnector interface {
	FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error)
	MarkProcessed(ctx context.Context, ref, label string) error
}
