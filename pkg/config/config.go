package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ExchangeConfig struct {
	APIBaseURL     string        `yaml:"api_base_url"`
	ConsoleBaseURL string        `yaml:"console_base_url"`
	APIKey         string        `yaml:"api_key"`
	APISecret      string        `yaml:"api_secret"`
	Timeout        time.Duration `yaml:"timeout"`
	RecvWindow     int64         `yaml:"recv_window"` // 0 = not sent
}

type SessionConfig struct {
	SecretsDir     string `yaml:"secrets_dir"`
	EncryptionKey  string `yaml:"encryption_key"` // 32 bytes, hex or base64
	EncryptedFile  string `yaml:"encrypted_file"` // optional AES-GCM bundle file
	Referer        string `yaml:"referer"`
	AcceptLanguage string `yaml:"accept_language"`
}

type ApprovalConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Email     string        `yaml:"email"`
	Password  string        `yaml:"password"`
	CompanyID string        `yaml:"company_id"`
	Timeout   time.Duration `yaml:"timeout"`
}

type EmailConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	TLS                bool          `yaml:"tls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Mailbox            string        `yaml:"mailbox"`
	SubjectMarker      string        `yaml:"subject_marker"`
	ScanDepth          int           `yaml:"scan_depth"`
	Attempts           int           `yaml:"attempts"`
	Backoff            time.Duration `yaml:"backoff"`
	Timeout            time.Duration `yaml:"timeout"`
}

type TOTPConfig struct {
	Secret    string        `yaml:"secret"`
	GuardWait time.Duration `yaml:"guard_wait"`
}

type ReleaseConfig struct {
	BatchSize   int           `yaml:"batch_size"`
	OrderPause  time.Duration `yaml:"order_pause"`
	CyclePause  time.Duration `yaml:"cycle_pause"`
	SettleDelay time.Duration `yaml:"settle_delay"`
	EmailDelay  time.Duration `yaml:"email_delay"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
}

type ReconcileConfig struct {
	Interval  time.Duration `yaml:"interval"`
	TradeType string        `yaml:"trade_type"`
	Rows      int           `yaml:"rows"`
}

type PurchaseConfig struct {
	Enabled        bool          `yaml:"enabled"` // initial switch state
	Symbol         string        `yaml:"symbol"`
	PriceOffset    string        `yaml:"price_offset"`
	PricePrecision int32         `yaml:"price_precision"`
	DepthStream    bool          `yaml:"depth_stream"`
	StreamURL      string        `yaml:"stream_url"`
	MaxBookAge     time.Duration `yaml:"max_book_age"`
}

type StoreConfig struct {
	Driver       string `yaml:"driver"`
	Path         string `yaml:"path"`
	DSN          string `yaml:"dsn"`
	MirrorDriver string `yaml:"mirror_driver"`
	MirrorDSN    string `yaml:"mirror_dsn"`
}

type LockConfig struct {
	RedisAddr     string `yaml:"redis_addr"` // empty = in-process lock
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type ControlConfig struct {
	Listen      string `yaml:"listen"`       // empty = control API disabled
	DebugListen string `yaml:"debug_listen"` // empty = pprof disabled
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Config is the whole application configuration.
type Config struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Session   SessionConfig   `yaml:"session"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Email     EmailConfig     `yaml:"email"`
	TOTP      TOTPConfig      `yaml:"totp"`
	Release   ReleaseConfig   `yaml:"release"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Purchase  PurchaseConfig  `yaml:"purchase"`
	Store     StoreConfig     `yaml:"store"`
	Lock      LockConfig      `yaml:"lock"`
	Control   ControlConfig   `yaml:"control"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the configuration used when neither the file nor the environment set a value.
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			APIBaseURL:     "https://api.binance.com",
			ConsoleBaseURL: "https://c2c-admin.binance.com",
			Timeout:        30 * time.Second,
		},
		Session: SessionConfig{
			SecretsDir:     "data/secrets",
			Referer:        "https://c2c-admin.binance.com/pt-BR/order/pending",
			AcceptLanguage: "en-US,en;q=0.9,pt-BR;q=0.8,pt;q=0.7",
		},
		Approval: ApprovalConfig{Timeout: 10 * time.Second},
		Email: EmailConfig{
			Port:          993,
			TLS:           true,
			Mailbox:       "INBOX",
			SubjectMarker: "[Binance] Release P2P Payment",
			ScanDepth:     10,
			Attempts:      3,
			Backoff:       10 * time.Second,
			Timeout:       60 * time.Second,
		},
		TOTP: TOTPConfig{GuardWait: 5 * time.Second},
		Release: ReleaseConfig{
			BatchSize:   3,
			OrderPause:  15 * time.Second,
			CyclePause:  10 * time.Second,
			SettleDelay: 1500 * time.Millisecond,
			EmailDelay:  15 * time.Second,
			LockTTL:     10 * time.Minute,
		},
		Reconcile: ReconcileConfig{Interval: 5 * time.Second, TradeType: "SELL", Rows: 100},
		Purchase: PurchaseConfig{
			Symbol:         "USDTBRL",
			PriceOffset:    "0.001",
			PricePrecision: 3,
			StreamURL:      "wss://stream.binance.com:9443/ws",
			MaxBookAge:     5 * time.Second,
		},
		Store: StoreConfig{Driver: "file", Path: "data/orders"},
		Log: LogConfig{
			Level:      "info",
			File:       "logs/p2prelease.log",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// Load reads envFile (best effort when empty, defaulting to .env), then the YAML file at
// path over the defaults, then environment overrides. Priority: env > file > defaults.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()
	if path != "" {
		if err := loadConfigFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Exchange.APIKey = getEnv("BINANCE_API_KEY", c.Exchange.APIKey)
	c.Exchange.APISecret = getEnv("BINANCE_API_SECRET", c.Exchange.APISecret)
	c.Exchange.APIBaseURL = getEnv("BINANCE_API_BASE_URL", c.Exchange.APIBaseURL)

	c.Session.EncryptionKey = getEnv("P2P_SECRETS_KEY", c.Session.EncryptionKey)

	c.Approval.BaseURL = getEnv("API_APPROVAL_PREFIX", c.Approval.BaseURL)
	c.Approval.Email = getEnv("API_APPROVAL_EMAIL", c.Approval.Email)
	c.Approval.Password = getEnv("API_APPROVAL_PASSWORD", c.Approval.Password)
	c.Approval.CompanyID = getEnv("API_APPROVAL_COMPANY_ID", c.Approval.CompanyID)

	c.Email.Host = getEnv("EMAIL_HOST", c.Email.Host)
	c.Email.Port = parseIntEnv("EMAIL_PORT", c.Email.Port)
	c.Email.Username = getEnv("EMAIL_USERNAME", c.Email.Username)
	c.Email.Password = getEnv("EMAIL_PASSWORD", c.Email.Password)
	c.Email.InsecureSkipVerify = parseBoolEnv("EMAIL_INSECURE_SKIP_VERIFY", c.Email.InsecureSkipVerify)

	c.TOTP.Secret = getEnv("TOTP_SECRET", c.TOTP.Secret)

	c.Purchase.Enabled = parseBoolEnv("PURCHASE_ENABLED", c.Purchase.Enabled)

	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = getEnv("STORE_DSN", c.Store.DSN)
	c.Store.MirrorDSN = getEnv("STORE_MIRROR_DSN", c.Store.MirrorDSN)

	c.Lock.RedisAddr = getEnv("REDIS_ADDR", c.Lock.RedisAddr)
	c.Lock.RedisPassword = getEnv("REDIS_PASSWORD", c.Lock.RedisPassword)

	c.Control.Listen = getEnv("CONTROL_LISTEN", c.Control.Listen)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

func normalize(c *Config) {
	c.Reconcile.TradeType = strings.ToUpper(strings.TrimSpace(c.Reconcile.TradeType))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Store.MirrorDriver = strings.ToLower(strings.TrimSpace(c.Store.MirrorDriver))
	c.Purchase.Symbol = strings.ToUpper(strings.TrimSpace(c.Purchase.Symbol))
}

// Validate reports every setting the run command cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		errs = append(errs, errors.New("exchange.api_key and exchange.api_secret (BINANCE_API_KEY, BINANCE_API_SECRET) are required"))
	}
	if c.Session.EncryptionKey == "" {
		errs = append(errs, errors.New("session.encryption_key (P2P_SECRETS_KEY) is required"))
	}
	if c.Approval.BaseURL == "" || c.Approval.Email == "" || c.Approval.Password == "" {
		errs = append(errs, errors.New("approval.base_url, approval.email and approval.password are required"))
	}
	if c.Release.BatchSize <= 0 {
		errs = append(errs, errors.New("release.batch_size must be positive"))
	}
	if c.Reconcile.TradeType != "BUY" && c.Reconcile.TradeType != "SELL" {
		errs = append(errs, fmt.Errorf("reconcile.trade_type must be BUY or SELL, got %q", c.Reconcile.TradeType))
	}
	switch c.Store.Driver {
	case "file", "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be file, sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.MirrorDriver != "" && c.Store.MirrorDSN == "" {
		errs = append(errs, errors.New("store.mirror_dsn is required when store.mirror_driver is set"))
	}
	if c.Purchase.Enabled || c.Purchase.DepthStream {
		if c.Purchase.Symbol == "" {
			errs = append(errs, errors.New("purchase.symbol is required"))
		}
		if c.Purchase.PricePrecision < 0 {
			errs = append(errs, errors.New("purchase.price_precision must not be negative"))
		}
	}
	return errors.Join(errs...)
}

// getEnv returns the environment value of key, or fallback when it is unset or empty.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBoolEnv(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
