package verifycode

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"github.com/betbot/p2prelease/internal/common"
	"github.com/betbot/p2prelease/pkg/logger"
)

// DefaultSubjectMarker identifies the exchange's release confirmation mail.
const DefaultSubjectMarker = "[Binance] Release P2P Payment"

// ErrCodeNotFound is returned when no matching unread mail showed up in time.
var ErrCodeNotFound = errors.New("release code email not found")

var (
	spanCodeRe  = regexp.MustCompile(`(\d{6})\s*</span>`)
	plainCodeRe = regexp.MustCompile(`\b(\d{6})\b`)
)

// Message is one mailbox entry as fetched, without marking it read.
type Message struct {
	UID  uint32
	Seen bool
	Raw  []byte
}

// Mailbox is the slice of an IMAP session the provider needs.
type Mailbox interface {
	// Recent returns up to n of the newest messages, newest first.
	Recent(ctx context.Context, n int) ([]Message, error)
	MarkSeen(ctx context.Context, uid uint32) error
	Close() error
}

// MailboxDialer opens a mailbox session.
type MailboxDialer func(ctx context.Context) (Mailbox, error)

// EmailConfig tunes the mailbox scan.
type EmailConfig struct {
	SubjectMarker string
	ScanDepth     int
	Attempts      int
	Backoff       time.Duration
}

// EmailProvider reads the release code the exchange mails during a challenge.
type EmailProvider struct {
	dial  MailboxDialer
	cfg   EmailConfig
	sleep common.SleepFunc
	log   *logrus.Entry
}

func NewEmailProvider(dial MailboxDialer, cfg EmailConfig, log *logrus.Entry) *EmailProvider {
	if cfg.SubjectMarker == "" {
		cfg.SubjectMarker = DefaultSubjectMarker
	}
	if cfg.ScanDepth <= 0 {
		cfg.ScanDepth = 10
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Second
	}
	return &EmailProvider{
		dial:  dial,
		cfg:   cfg,
		sleep: common.Sleep,
		log:   logger.OrDefault(log, "email-code"),
	}
}

// WithSleep replaces the wait between attempts.
func (p *EmailProvider) WithSleep(sleep common.SleepFunc) *EmailProvider {
	p.sleep = sleep
	return p
}

// FetchCode scans the newest unread messages for the release mail and returns its code.
// The message is marked seen so the same code is never used twice.
func (p *EmailProvider) FetchCode(ctx context.Context) (string, error) {
	mb, err := p.dial(ctx)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := mb.Close(); err != nil {
			p.log.WithError(err).Debug("close mailbox")
		}
	}()

	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, p.cfg.Backoff); err != nil {
				return "", err
			}
		}
		p.log.Debugf("scanning mailbox, attempt %d/%d", attempt, p.cfg.Attempts)
		msgs, err := mb.Recent(ctx, p.cfg.ScanDepth)
		if err != nil {
			return "", err
		}
		for _, m := range msgs {
			if m.Seen {
				continue
			}
			code, ok := ExtractCode(m.Raw, p.cfg.SubjectMarker)
			if !ok {
				continue
			}
			if err := mb.MarkSeen(ctx, m.UID); err != nil {
				return "", err
			}
			p.log.WithField("uid", m.UID).Info("release code found")
			return code, nil
		}
	}
	return "", ErrCodeNotFound
}

// ExtractCode returns the 6-digit code of a release mail, or false when raw is not one.
func ExtractCode(raw []byte, marker string) (string, bool) {
	subject, texts, err := readMail(raw)
	if err != nil {
		return extractLegacy(raw, marker)
	}
	matched := strings.Contains(subject, marker)
	for _, t := range texts {
		if strings.Contains(t, marker) {
			matched = true
		}
	}
	if !matched {
		return "", false
	}
	for _, t := range texts {
		if m := spanCodeRe.FindStringSubmatch(t); m != nil {
			return m[1], true
		}
	}
	for _, t := range texts {
		if m := plainCodeRe.FindStringSubmatch(stripTags(t)); m != nil {
			return m[1], true
		}
	}
	return "", false
}

func readMail(raw []byte) (string, []string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", nil, err
	}
	subject, _ := mr.Header.Subject()

	var texts []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return "", nil, err
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		if ct != "" && !strings.HasPrefix(ct, "text/") {
			continue
		}
		b, err := io.ReadAll(part.Body)
		if err != nil {
			return "", nil, err
		}
		texts = append(texts, string(b))
	}
	return subject, texts, nil
}

// extractLegacy handles bodies that do not parse as MIME: everything after the
// MIME-Version line is a single base64 blob.
func extractLegacy(raw []byte, marker string) (string, bool) {
	s := string(raw)
	if !strings.Contains(s, marker) {
		return "", false
	}
	_, rest, found := strings.Cut(s, "MIME-Version: 1.0")
	if !found {
		return "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(rest), ""))
	if err != nil {
		return "", false
	}
	if m := spanCodeRe.FindStringSubmatch(string(decoded)); m != nil {
		return m[1], true
	}
	return "", false
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

func stripTags(s string) string {
	return tagRe.ReplaceAllString(s, " ")
}
