package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"cargonotes/internal"
	"cargonotes/internal/config"
	"cargonotes/internal/connectors"
)

const provider = "gmail"

type Connector struct {
	service *gmail.Service
	pacer   *connectors.Pacer

	mu       sync.Mutex
	labelIDs map[string]string
}

// NewConnector builds a Gmail client from a stored refresh token. The
// token needs the modify scope to take the label off processed messages.
func NewConnector(ctx context.Context, cfg config.Config) (*Connector, error) {
	if err := cfg.Require("GMAIL_CLIENT_ID", cfg.GmailClientID); err != nil {
		return nil, err
	}
	if err := cfg.Require("GMAIL_CLIENT_SECRET", cfg.GmailClientSecret); err != nil {
		return nil, err
	}
	if err := cfg.Require("GMAIL_REFRESH_TOKEN", cfg.GmailRefreshToken); err != nil {
		return nil, err
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GmailRedirectURI,
		Scopes:       []string{gmail.GmailModifyScope},
	}

	tokenSource := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.GmailRefreshToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, err
	}

	return &Connector{
		service:  svc,
		pacer:    connectors.NewPacer(cfg.GmailRateLimitRPS),
		labelIDs: map[string]string{},
	}, nil
}

func (c *Connector) FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error) {
	labelID, err := c.labelID(ctx, label)
	if err != nil {
		return nil, err
	}
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	listResp, err := c.service.Users.Messages.List("me").LabelIds(labelID).MaxResults(int64(max)).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	out := make([]internal.FetchedMailMessage, 0, len(listResp.Messages))
	for _, msgRef := range listResp.Messages {
		if msgRef.Id == "" {
			continue
		}

		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}
		rawResp, err := c.service.Users.Messages.Get("me", msgRef.Id).Format("raw").Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		if rawResp.Raw == "" {
			continue
		}
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}
		metaResp, err := c.service.Users.Messages.Get("me", msgRef.Id).Format("metadata").MetadataHeaders("Subject", "From", "Date", "Message-ID").Context(ctx).Do()
		if err != nil {
			return nil, err
		}

		rawBytes, err := decodeBase64URL(rawResp.Raw)
		if err != nil {
			return nil, err
		}

		headers := map[string]string{}
		if metaResp.Payload != nil {
			for _, h := range metaResp.Payload.Headers {
				headers[strings.ToLower(h.Name)] = h.Value
			}
		}

		received := time.UnixMilli(metaResp.InternalDate).UTC().Format(time.RFC3339)
		if metaResp.InternalDate == 0 {
			received = time.Now().UTC().Format(time.RFC3339)
		}
		if dateHeader := headers["date"]; dateHeader != "" {
			if t, err := mailDate(dateHeader); err == nil {
				received = t.UTC().Format(time.RFC3339)
			}
		}

		messageID := headers["message-id"]
		if messageID == "" {
			messageID = msgRef.Id
		}

		out = append(out, internal.FetchedMailMessage{
			Provider:    provider,
			MessageID:   messageID,
			ProviderRef: msgRef.Id,
			Label:       label,
			Subject:     headers["subject"],
			From:        headers["from"],
			ReceivedAt:  received,
			Raw:         rawBytes,
		})
	}

	return out, nil
}

// MarkProcessed takes the label off a message so the next fetch skips it.
func (c *Connector) MarkProcessed(ctx context.Context, ref, label string) error {
	labelID, err := c.labelID(ctx, label)
	if err != nil {
		return err
	}
	if err := c.pacer.Wait(ctx); err != nil {
		return err
	}
	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{labelID}}
	if _, err := c.service.Users.Messages.Modify("me", ref, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("remove label %s from %s: %w", label, ref, err)
	}
	return nil
}

// labelID resolves a user label name; system labels and ids pass through.
func (c *Connector) labelID(ctx context.Context, label string) (string, error) {
	c.mu.Lock()
	id, ok := c.labelIDs[label]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	if err := c.pacer.Wait(ctx); err != nil {
		return "", err
	}
	resp, err := c.service.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("list gmail labels: %w", err)
	}
	id = findLabelID(resp.Labels, label)
	if id == "" {
		return "", fmt.Errorf("gmail label not found: %s", label)
	}

	c.mu.Lock()
	c.labelIDs[label] = id
	c.mu.Unlock()
	return id, nil
}

func findLabelID(labels []*gmail.Label, name string) string {
	for _, l := range labels {
		if l != nil && (l.Name == name || l.Id == name) {
			return l.Id
		}
	}
	return ""
}

func decodeBase64URL(input string) ([]byte, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(input)
	if err == nil {
		return decoded, nil
	}
	decoded, err = base64.URLEncoding.DecodeString(input)
	if err == nil {
		return decoded, nil
	}
	return nil, fmt.Errorf("decode gmail raw payload: %w", err)
}

func mailDate(value string) (time.Time, error) {
	layouts := []string{time.RFC1123Z, "Mon, 2 Jan 2006 15:04:05 -0700", time.RFC1123, time.RFC822Z, time.RFC822, time.RFC850, time.ANSIC}
	value = strings.TrimSpace(value)
	if i := strings.Index(value, " ("); i > 0 {
		value = value[:i]
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date format: %s", value)
}
