package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

// chdir changes the working directory for the duration of the test
// (stand-in for testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoad_DefaultsOnly(t *testing.T) {
	chdir(t, t.TempDir()) // no stray .env
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Release.BatchSize)
	assert.Equal(t, 15*time.Second, cfg.Release.OrderPause)
	assert.Equal(t, 10*time.Second, cfg.Release.CyclePause)
	assert.Equal(t, 1500*time.Millisecond, cfg.Release.SettleDelay)
	assert.Equal(t, 5*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, "SELL", cfg.Reconcile.TradeType)
	assert.Equal(t, 10*time.Second, cfg.Approval.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Exchange.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Email.Timeout)
	assert.Equal(t, 993, cfg.Email.Port)
	assert.Equal(t, "file", cfg.Store.Driver)
	assert.False(t, cfg.Purchase.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, "config.yaml", `
release:
  batch_size: 5
  order_pause: 20s
reconcile:
  trade_type: buy
store:
  driver: SQLite
  path: data/orders.db
purchase:
  enabled: true
  symbol: usdtbrl
email:
  host: imap.example.com
`)
	t.Setenv("BINANCE_API_KEY", "k")
	t.Setenv("BINANCE_API_SECRET", "s")
	t.Setenv("EMAIL_HOST", "imap.override.com")
	t.Setenv("EMAIL_PORT", "1993")
	t.Setenv("PURCHASE_ENABLED", "false")
	t.Cleanup(func() { os.Unsetenv("TOTP_SECRET") })

	cfg, err := Load(path, writeFile(t, ".env", "TOTP_SECRET=JBSWY3DPEHPK3PXP\n"))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Release.BatchSize)
	assert.Equal(t, 20*time.Second, cfg.Release.OrderPause)
	assert.Equal(t, 10*time.Second, cfg.Release.CyclePause, "unset keys keep defaults")
	assert.Equal(t, "BUY", cfg.Reconcile.TradeType)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "USDTBRL", cfg.Purchase.Symbol)
	assert.False(t, cfg.Purchase.Enabled, "env wins over file")
	assert.Equal(t, "imap.override.com", cfg.Email.Host)
	assert.Equal(t, 1993, cfg.Email.Port)
	assert.Equal(t, "k", cfg.Exchange.APIKey)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", os.Getenv("TOTP_SECRET"))
	assert.Equal(t, "JBSWY3DPEHPK3PXP", cfg.TOTP.Secret)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "release: [1, 2"), "")
	assert.Error(t, err)

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func validConfig() *Config {
	c := Default()
	c.Exchange.APIKey = "k"
	c.Exchange.APISecret = "s"
	c.Session.EncryptionKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	c.Approval.BaseURL = "https://approval.example.com"
	c.Approval.Email = "bot@example.com"
	c.Approval.Password = "pw"
	return c
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing api key", func(c *Config) { c.Exchange.APIKey = "" }, "exchange.api_key"},
		{"missing secrets key", func(c *Config) { c.Session.EncryptionKey = "" }, "session.encryption_key"},
		{"missing approval", func(c *Config) { c.Approval.Password = "" }, "approval.base_url"},
		{"bad trade type", func(c *Config) { c.Reconcile.TradeType = "HOLD" }, "reconcile.trade_type"},
		{"bad driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"mirror without dsn", func(c *Config) { c.Store.MirrorDriver = "postgres" }, "store.mirror_dsn"},
		{"zero batch", func(c *Config) { c.Release.BatchSize = 0 }, "release.batch_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
