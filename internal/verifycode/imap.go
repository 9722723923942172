package verifycode

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/pkg/errors"
)

// IMAPConfig locates the mailbox that receives release codes.
type IMAPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                bool
	InsecureSkipVerify bool
	Mailbox            string
	Timeout            time.Duration
}

// DialIMAP returns a MailboxDialer that logs into the configured server.
func DialIMAP(cfg IMAPConfig) MailboxDialer {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return func(ctx context.Context) (Mailbox, error) {
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		dialer := &net.Dialer{Timeout: cfg.Timeout}
		if dl, ok := ctx.Deadline(); ok {
			dialer.Deadline = dl
		}
		var (
			c   *client.Client
			err error
		)
		if cfg.TLS {
			c, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{
				ServerName:         cfg.Host,
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // some providers use self-signed certs
			})
		} else {
			c, err = client.DialWithDialer(dialer, addr)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "imap dial %s", addr)
		}
		c.Timeout = cfg.Timeout
		if err := c.Login(cfg.Username, cfg.Password); err != nil {
			_ = c.Logout()
			return nil, errors.Wrap(err, "imap login")
		}
		return &imapMailbox{c: c, name: cfg.Mailbox}, nil
	}
}

type imapMailbox struct {
	c    *client.Client
	name string
}

func (m *imapMailbox) Recent(_ context.Context, n int) ([]Message, error) {
	// Re-select every scan so UIDNEXT reflects mail that arrived since the last attempt.
	status, err := m.c.Select(m.name, false)
	if err != nil {
		return nil, errors.Wrapf(err, "imap select %s", m.name)
	}
	if status.Messages == 0 || status.UidNext <= 1 {
		return nil, nil
	}
	last := status.UidNext - 1
	from := uint32(1)
	if last > uint32(n) {
		from = last - uint32(n) + 1
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, last)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, section.FetchItem()}
	ch := make(chan *imap.Message, n+1)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seqset, items, ch)
	}()

	var out []Message
	for msg := range ch {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			continue
		}
		out = append(out, Message{UID: msg.Uid, Seen: hasFlag(msg.Flags, imap.SeenFlag), Raw: raw})
	}
	if err := <-done; err != nil {
		return nil, errors.Wrap(err, "imap fetch")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID > out[j].UID })
	return out, nil
}

func (m *imapMailbox) MarkSeen(_ context.Context, uid uint32) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := m.c.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return errors.Wrapf(err, "imap mark seen uid=%d", uid)
	}
	return nil
}

func (m *imapMailbox) Close() error {
	return m.c.Logout()
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
