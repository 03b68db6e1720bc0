package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"

	"cargonotes/internal"
	"cargonotes/internal/config"
)

const provider = "imap"

// Connector reads unseen dispatch-note mail from one mailbox. Messages are
// addressed by UID so a reference stays valid across sessions; only
// MarkProcessed sets \Seen.
type Connector struct {
	addr       string
	serverName string
	secure     bool
	user       string
	password   string
}

func NewConnector(cfg config.Config) (*Connector, error) {
	for _, req := range []struct{ name, value string }{
		{"IMAP_HOST", cfg.IMAPHost},
		{"IMAP_USER", cfg.IMAPUser},
		{"IMAP_PASSWORD", cfg.IMAPPassword},
	} {
		if err := cfg.Require(req.name, req.value); err != nil {
			return nil, err
		}
	}
	return &Connector{
		addr:       net.JoinHostPort(cfg.IMAPHost, strconv.Itoa(cfg.IMAPPort)),
		serverName: cfg.IMAPHost,
		secure:     cfg.IMAPSecure,
		user:       cfg.IMAPUser,
		password:   cfg.IMAPPassword,
	}, nil
}

// session logs in, selects mailbox read-write and runs fn.
func (c *Connector) session(ctx context.Context, mailbox string, fn func(*imapclient.Client) error) error {
	var (
		cl  *imapclient.Client
		err error
	)
	if c.secure {
		cl, err = imapclient.DialTLS(c.addr, &tls.Config{ServerName: c.serverName})
	} else {
		cl, err = imapclient.Dial(c.addr)
	}
	if err != nil {
		return fmt.Errorf("imap dial %s: %w", c.addr, err)
	}
	defer cl.Logout()

	if deadline, ok := ctx.Deadline(); ok {
		cl.Timeout = time.Until(deadline)
	}
	if err := cl.Login(c.user, c.password); err != nil {
		return fmt.Errorf("imap login: %w", err)
	}
	if _, err := cl.Select(mailbox, false); err != nil {
		return fmt.Errorf("imap select %s: %w", mailbox, err)
	}
	return fn(cl)
}

// FetchInbox returns up to max of the newest unseen messages, oldest first.
func (c *Connector) FetchInbox(ctx context.Context, mailbox string, max int) ([]internal.FetchedMailMessage, error) {
	var out []internal.FetchedMailMessage
	err := c.session(ctx, mailbox, func(cl *imapclient.Client) error {
		criteria := imap.NewSearchCriteria()
		criteria.WithoutFlags = []string{imap.SeenFlag}
		uids, err := cl.UidSearch(criteria)
		if err != nil {
			return err
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		if max > 0 && len(uids) > max {
			uids = uids[len(uids)-max:]
		}
		if len(uids) == 0 {
			return nil
		}

		set := new(imap.SeqSet)
		set.AddNum(uids...)
		section := &imap.BodySectionName{Peek: true}
		items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}

		ch := make(chan *imap.Message, len(uids))
		done := make(chan error, 1)
		go func() { done <- cl.UidFetch(set, items, ch) }()

		var readErr error
		for msg := range ch {
			if msg == nil || readErr != nil {
				continue
			}
			body := msg.GetBody(section)
			if body == nil {
				continue
			}
			raw, err := io.ReadAll(body)
			if err != nil {
				readErr = fmt.Errorf("read uid %d: %w", msg.Uid, err)
				continue
			}
			out = append(out, toFetched(msg, raw, mailbox))
		}
		if err := <-done; err != nil {
			return err
		}
		return readErr
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return uidOf(out[i]) < uidOf(out[j]) })
	return out, nil
}

// MarkProcessed flags the message with UID ref as \Seen.
func (c *Connector) MarkProcessed(ctx context.Context, ref, mailbox string) error {
	uid, err := strconv.ParseUint(ref, 10, 32)
	if err != nil {
		return fmt.Errorf("imap ref %q is not a uid: %w", ref, err)
	}
	return c.session(ctx, mailbox, func(cl *imapclient.Client) error {
		set := new(imap.SeqSet)
		set.AddNum(uint32(uid))
		op := imap.FormatFlagsOp(imap.AddFlags, true)
		return cl.UidStore(set, op, []interface{}{imap.SeenFlag}, nil)
	})
}

func toFetched(msg *imap.Message, raw []byte, mailbox string) internal.FetchedMailMessage {
	out := internal.FetchedMailMessage{
		Provider:    provider,
		ProviderRef: strconv.FormatUint(uint64(msg.Uid), 10),
		Label:       mailbox,
		ReceivedAt:  time.Now().UTC().Format(time.RFC3339),
		Raw:         raw,
	}
	if env := msg.Envelope; env != nil {
		out.MessageID = env.MessageId
		out.Subject = env.Subject
		out.From = formatAddresses(env.From)
	}
	if out.MessageID == "" {
		out.MessageID = fmt.Sprintf("imap-%s-%d", mailbox, msg.Uid)
	}
	if !msg.InternalDate.IsZero() {
		out.ReceivedAt = msg.InternalDate.UTC().Format(time.RFC3339)
	}
	return out
}

func uidOf(m internal.FetchedMailMessage) uint64 {
	n, _ := strconv.ParseUint(m.ProviderRef, 10, 32)
	return n
}

func formatAddresses(addrs []*imap.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		email := a.Address()
		if a.PersonalName != "" {
			email = fmt.Sprintf("%s <%s>", a.PersonalName, email)
		}
		parts = append(parts, email)
	}
	return strings.Join(parts, ", ")
}
