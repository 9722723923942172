package verifycode

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func releaseMail(code string) []byte {
	html := `<html><body><p>Your verification code:</p><span style="font-size:24px">` + code + `</span></body></html>`
	enc := base64.StdEncoding.EncodeToString([]byte(html))
	return []byte(strings.Join([]string{
		"From: Binance <do-not-reply@post.binance.com>",
		"To: merchant@example.com",
		"Subject: [Binance] Release P2P Payment - 2024-06-01 10:00:00(UTC)",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		`Content-Type: text/html; charset="UTF-8"`,
		"Content-Transfer-Encoding: base64",
		"",
		enc,
		"--b1--",
		"",
	}, "\r\n"))
}

func otherMail() []byte {
	return []byte("From: a@b.c\r\nSubject: Weekly digest\r\nContent-Type: text/plain\r\n\r\nCode 123456 is not for you\r\n")
}

func TestExtractCode(t *testing.T) {
	code, ok := ExtractCode(releaseMail("482913"), DefaultSubjectMarker)
	require.True(t, ok)
	assert.Equal(t, "482913", code)

	_, ok = ExtractCode(otherMail(), DefaultSubjectMarker)
	assert.False(t, ok)
}

func TestExtractCode_LegacyBase64Body(t *testing.T) {
	body := base64.StdEncoding.EncodeToString([]byte(`<td><span>771204</span></td>`))
	raw := "Subject: [Binance] Release P2P Payment\nMIME-Version: 1.0\n" + body
	// Not valid MIME headers after the blob; the legacy path still finds the code.
	code, ok := extractLegacy([]byte(raw), DefaultSubjectMarker)
	require.True(t, ok)
	assert.Equal(t, "771204", code)
}

type fakeMailbox struct {
	scans   [][]Message
	scanIdx int
	seen    []uint32
	closed  bool
}

func (f *fakeMailbox) Recent(context.Context, int) ([]Message, error) {
	if f.scanIdx >= len(f.scans) {
		return nil, nil
	}
	out := f.scans[f.scanIdx]
	f.scanIdx++
	return out, nil
}

func (f *fakeMailbox) MarkSeen(_ context.Context, uid uint32) error {
	f.seen = append(f.seen, uid)
	return nil
}

func (f *fakeMailbox) Close() error { f.closed = true; return nil }

func TestEmailProvider_FoundOnSecondAttempt(t *testing.T) {
	mb := &fakeMailbox{scans: [][]Message{
		{{UID: 9, Raw: otherMail()}},
		{{UID: 10, Raw: releaseMail("482913")}, {UID: 9, Raw: otherMail()}},
	}}
	var waits []time.Duration
	p := NewEmailProvider(func(context.Context) (Mailbox, error) { return mb, nil }, EmailConfig{}, nil).
		WithSleep(func(_ context.Context, d time.Duration) error { waits = append(waits, d); return nil })

	code, err := p.FetchCode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "482913", code)
	assert.Equal(t, []uint32{10}, mb.seen)
	assert.Equal(t, []time.Duration{10 * time.Second}, waits)
	assert.True(t, mb.closed)
}

func TestEmailProvider_SkipsSeenAndPrefersNewest(t *testing.T) {
	mb := &fakeMailbox{scans: [][]Message{{
		{UID: 12, Seen: true, Raw: releaseMail("111111")},
		{UID: 11, Raw: releaseMail("222222")},
		{UID: 10, Raw: releaseMail("333333")},
	}}}
	p := NewEmailProvider(func(context.Context) (Mailbox, error) { return mb, nil }, EmailConfig{}, nil)

	code, err := p.FetchCode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "222222", code)
	assert.Equal(t, []uint32{11}, mb.seen)
}

func TestEmailProvider_ExhaustsAttempts(t *testing.T) {
	mb := &fakeMailbox{}
	sleeps := 0
	p := NewEmailProvider(func(context.Context) (Mailbox, error) { return mb, nil }, EmailConfig{Attempts: 3}, nil).
		WithSleep(func(context.Context, time.Duration) error { sleeps++; return nil })

	_, err := p.FetchCode(context.Background())
	assert.True(t, errors.Is(err, ErrCodeNotFound))
	assert.Equal(t, 2, sleeps)
}

func TestEmailProvider_DialError(t *testing.T) {
	p := NewEmailProvider(func(context.Context) (Mailbox, error) { return nil, errors.New("refused") }, EmailConfig{}, nil)
	_, err := p.FetchCode(context.Background())
	assert.EqualError(t, err, "refused")
}
