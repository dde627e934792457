package main

import (
	"errors"
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut06"
	"github.com/elnosh/gonuts-mint/mint"
	"github.com/elnosh/gonuts-mint/mint/storage"
	"github.com/tyler-smith/go-bip39"
)

const (
	backendSQLite   = "sqlite"
	backendPostgres = "postgres"
	backendBolt     = "bolt"
	backendMemory   = "memory"
)

type Config struct {
	Host      string `env:"MINT_HOST,default=127.0.0.1"`
	Port      string `env:"MINT_PORT,default=3338"`
	AdminHost string `env:"MINT_ADMIN_HOST,default=127.0.0.1"`
	AdminPort string `env:"MINT_ADMIN_PORT,default=3339"`

	DBBackend          string        `env:"MINT_DB_BACKEND,default=sqlite"`
	DBPath             string        `env:"MINT_DB_PATH,default=.gonuts-mint"`
	DatabaseURL        string        `env:"DATABASE_URL"`
	DBMaxConnections   int32         `env:"DB_MAX_CONNECTIONS,default=10"`
	DBStatementTimeout time.Duration `env:"DB_STATEMENT_TIMEOUT,default=10s"`
	DBIdleInTxTimeout  time.Duration `env:"DB_IDLE_IN_TX_TIMEOUT,default=30s"`
	DBOpenTimeout      time.Duration `env:"DB_OPEN_TIMEOUT,default=1s"`

	Mnemonic string `env:"MINT_MNEMONIC,required=true"`
	Unit     string `env:"MINT_UNIT,default=sat"`

	Name            string `env:"MINT_NAME,default=gonuts-mint"`
	Description     string `env:"MINT_DESCRIPTION"`
	LongDescription string `env:"MINT_DESCRIPTION_LONG"`
	Motd            string `env:"MINT_MOTD"`
	IconURL         string `env:"MINT_ICON_URL"`
	Email           string `env:"MINT_CONTACT_EMAIL"`
	Nostr           string `env:"MINT_CONTACT_NOSTR"`

	InputFeePpk     uint   `env:"MINT_INPUT_FEE_PPK,default=0"`
	MinAmount       uint64 `env:"MINT_MIN_AMOUNT,default=0"`
	MaxAmount       uint64 `env:"MINT_MAX_AMOUNT,default=0"`
	MintingDisabled bool   `env:"MINTING_DISABLED,default=false"`

	SerializationRetries int           `env:"SERIALIZATION_RETRIES,default=3"`
	RateLimitRPS         float64       `env:"RATE_LIMIT_RPS,default=0"`
	RateLimitBurst       int           `env:"RATE_LIMIT_BURST,default=20"`
	ShutdownTimeout      time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=10s"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func loadConfig() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from environment: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	var errs []error

	switch cfg.DBBackend {
	case backendSQLite, backendBolt:
		if cfg.DBPath == "" {
			errs = append(errs, fmt.Errorf("MINT_DB_PATH is required for the %v backend", cfg.DBBackend))
		}
	case backendPostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
		if cfg.DBMaxConnections < 1 {
			errs = append(errs, errors.New("DB_MAX_CONNECTIONS must be at least 1"))
		}
	case backendMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid MINT_DB_BACKEND '%v'", cfg.DBBackend))
	}

	if !bip39.IsMnemonicValid(cfg.Mnemonic) {
		errs = append(errs, errors.New("MINT_MNEMONIC is not a valid mnemonic"))
	}
	if _, err := cashu.ParseUnit(cfg.Unit); err != nil {
		errs = append(errs, fmt.Errorf("invalid MINT_UNIT: %w", err))
	}
	if cfg.MaxAmount > 0 && cfg.MinAmount > cfg.MaxAmount {
		errs = append(errs, errors.New("MINT_MIN_AMOUNT cannot be greater than MINT_MAX_AMOUNT"))
	}
	if cfg.SerializationRetries < 0 {
		errs = append(errs, errors.New("SERIALIZATION_RETRIES cannot be negative"))
	}
	if cfg.RateLimitRPS < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS cannot be negative"))
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_BURST must be at least 1 when rate limiting"))
	}
	if _, err := parseLogLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func parseLogLevel(level string) (mint.LogLevel, error) {
	switch level {
	case "info":
		return mint.Info, nil
	case "debug":
		return mint.Debug, nil
	case "disable":
		return mint.Disable, nil
	default:
		return mint.Info, fmt.Errorf("invalid LOG_LEVEL '%v'", level)
	}
}

// mintConfig builds the mint config for a validated Config.
func (cfg *Config) mintConfig(db storage.MintDB) (mint.Config[cashu.Method, cashu.Unit], error) {
	seed, err := bip39.NewSeedWithErrorChecking(cfg.Mnemonic, "")
	if err != nil {
		return mint.Config[cashu.Method, cashu.Unit]{}, fmt.Errorf("invalid mnemonic: %v", err)
	}
	unit, err := cashu.ParseUnit(cfg.Unit)
	if err != nil {
		return mint.Config[cashu.Method, cashu.Unit]{}, err
	}
	logLevel, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return mint.Config[cashu.Method, cashu.Unit]{}, err
	}

	info := mint.MintInfo{
		Name:            cfg.Name,
		Description:     cfg.Description,
		LongDescription: cfg.LongDescription,
		Motd:            cfg.Motd,
		IconURL:         cfg.IconURL,
	}
	if cfg.Email != "" {
		info.Contact = append(info.Contact, nut06.ContactInfo{Method: "email", Info: cfg.Email})
	}
	if cfg.Nostr != "" {
		info.Contact = append(info.Contact, nut06.ContactInfo{Method: "nostr", Info: cfg.Nostr})
	}

	return mint.Config[cashu.Method, cashu.Unit]{
		DB:          db,
		Seed:        seed,
		Unit:        unit,
		ParseUnit:   cashu.ParseUnit,
		InputFeePpk: cfg.InputFeePpk,
		Settings: nut04.Settings[cashu.Method, cashu.Unit]{
			Methods: []nut04.MethodSetting[cashu.Method, cashu.Unit]{
				{
					Method:    cashu.Bolt11,
					Unit:      unit,
					MinAmount: cfg.MinAmount,
					MaxAmount: cfg.MaxAmount,
				},
			},
			Disabled: cfg.MintingDisabled,
		},
		SerializationRetries: cfg.SerializationRetries,
		MintInfo:             info,
		LogLevel:             logLevel,
	}, nil
}
