package verifycode

import (
	"context"
	"errors"
	"testing"
	"time"
)

// RFC 6238 SHA1 seed "12345678901234567890" in base32.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestTOTPProvider_RFCVectors(t *testing.T) {
	cases := []struct {
		unix int64
		want string
	}{
		{1234567890, "005924"},
		{2000000000, "279037"},
	}
	for _, c := range cases {
		p := NewTOTPProvider(rfcSecret, 0)
		p.now = func() time.Time { return time.Unix(c.unix, 0) }
		p.sleep = func(context.Context, time.Duration) error {
			t.Fatalf("no guard wait expected at %d", c.unix)
			return nil
		}
		got, err := p.Code(context.Background())
		if err != nil {
			t.Fatalf("Code: %v", err)
		}
		if got != c.want {
			t.Fatalf("at %d got %s want %s", c.unix, got, c.want)
		}
	}
}

func TestTOTPProvider_WaitsNearRollover(t *testing.T) {
	base := time.Unix(1234567860, 0) // second 0 of a minute
	for _, sec := range []int{26, 29, 56, 59} {
		now := base.Add(time.Duration(sec) * time.Second)
		var waited time.Duration
		p := NewTOTPProvider(rfcSecret, 0)
		p.now = func() time.Time { return now }
		p.sleep = func(_ context.Context, d time.Duration) error {
			waited = d
			now = now.Add(d)
			return nil
		}
		if _, err := p.Code(context.Background()); err != nil {
			t.Fatalf("sec %d: %v", sec, err)
		}
		if waited != 5*time.Second {
			t.Fatalf("sec %d: expected 5s guard wait, got %v", sec, waited)
		}
	}
	for _, sec := range []int{0, 25, 30, 55} {
		if nearRollover(sec) {
			t.Fatalf("sec %d must not trigger the guard", sec)
		}
	}
}

func TestTOTPProvider_NotConfigured(t *testing.T) {
	p := NewTOTPProvider("  ", 0)
	if _, err := p.Code(context.Background()); !errors.Is(err, ErrTOTPNotConfigured) {
		t.Fatalf("expected ErrTOTPNotConfigured, got %v", err)
	}
}
