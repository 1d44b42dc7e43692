package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/cimillas/chain-trade/internal/domain"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds runtime configuration.
type Config struct {
	Port        string   `env:"PORT"         envDefault:"8080"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	// Persistence
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH"  envDefault:"chain-trade.db"`

	// Ledger
	LedgerRPCURL        string        `env:"LEDGER_RPC_URL,required,notEmpty"`
	SigningKey          string        `env:"SIGNING_KEY,required,notEmpty,unset"`
	SettlementAddress   string        `env:"SETTLEMENT_ADDRESS"`
	TransferGasLimit    uint64        `env:"TRANSFER_GAS_LIMIT"    envDefault:"21000"`
	LedgerCallTimeout   time.Duration `env:"LEDGER_CALL_TIMEOUT"   envDefault:"15s"`
	ReceiptTimeout      time.Duration `env:"RECEIPT_TIMEOUT"       envDefault:"2m"`
	ReceiptPollInterval time.Duration `env:"RECEIPT_POLL_INTERVAL" envDefault:"2s"`
	LedgerRetryAttempts uint          `env:"LEDGER_RETRY_ATTEMPTS" envDefault:"3"`

	// Tracing is off unless an OTLP/HTTP endpoint is set.
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load parses Config from the environment. SIGNING_KEY is removed from the
// process environment once read.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.SettlementAddress != "" && !domain.ValidAddress(c.SettlementAddress) {
		errs = append(errs, fmt.Errorf("SETTLEMENT_ADDRESS %q is not a 0x-prefixed 20-byte hex address", c.SettlementAddress))
	}
	if c.TransferGasLimit == 0 {
		errs = append(errs, errors.New("TRANSFER_GAS_LIMIT must be positive"))
	}
	if c.ReceiptTimeout <= 0 {
		errs = append(errs, errors.New("RECEIPT_TIMEOUT must be positive"))
	}
	if c.ReceiptPollInterval <= 0 {
		errs = append(errs, errors.New("RECEIPT_POLL_INTERVAL must be positive"))
	}
	if c.LedgerRetryAttempts == 0 {
		errs = append(errs, errors.New("LEDGER_RETRY_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}

// LogValue omits the signing key and database credentials. The ledger URL is
// reduced to scheme and host since providers put API keys in the path.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("port", c.Port),
		slog.String("store_driver", c.StoreDriver),
		slog.Bool("database_url_set", c.DatabaseURL != ""),
		slog.String("sqlite_path", c.SQLitePath),
		slog.String("ledger_rpc_host", redactURL(c.LedgerRPCURL)),
		slog.String("settlement_address", c.SettlementAddress),
		slog.Uint64("transfer_gas_limit", c.TransferGasLimit),
		slog.Duration("receipt_timeout", c.ReceiptTimeout),
		slog.Duration("receipt_poll_interval", c.ReceiptPollInterval),
		slog.Uint64("ledger_retry_attempts", uint64(c.LedgerRetryAttempts)),
		slog.Bool("tracing", c.OTelEndpoint != ""),
	)
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unparsed"
	}
	return u.Scheme + "://" + u.Host
}

// LoadDotEnv loads KEY=VALUE pairs from the nearest .env file at or above
// the working directory and returns its path, or "" when there is none.
// Variables already set are left alone.
func LoadDotEnv() (string, error) {
	path, err := findEnvFile()
	if err != nil || path == "" {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := parseEnvFile(f); err != nil {
		return "", fmt.Errorf("load %s: %w", path, err)
	}
	return path, nil
}
