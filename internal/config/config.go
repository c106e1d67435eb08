package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ruralpay/ledger/internal/database"
)

type LedgerConfig struct {
	Store             string
	Guard             string
	LockTimeout       time.Duration
	LockTTL           time.Duration
	LockRetryInterval time.Duration
	CommitTimeout     time.Duration
	MinWithdrawAmount int64
	VerifyAfterCommit bool
	DefaultPageSize   int
	MaxPageSize       int
}

type EventsConfig struct {
	RedisChannel string
	KafkaBrokers []string
	KafkaTopic   string
}

type Config struct {
	Port            string
	JWTSecret       string
	RedisEnabled    bool
	Database        *database.DBConfig
	Ledger          LedgerConfig
	Events          EventsConfig
	AuditorInterval time.Duration
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("redis.enabled", true)

	viper.SetDefault("ledger.store", "postgres")
	viper.SetDefault("ledger.guard", "local")
	viper.SetDefault("ledger.lock_timeout", 3*time.Second)
	viper.SetDefault("ledger.lock_ttl", 30*time.Second)
	viper.SetDefault("ledger.lock_retry_interval", 25*time.Millisecond)
	viper.SetDefault("ledger.commit_timeout", 10*time.Second)
	viper.SetDefault("ledger.min_withdraw_amount", 1)
	viper.SetDefault("ledger.verify_after_commit", false)
	viper.SetDefault("ledger.default_page_size", 10)
	viper.SetDefault("ledger.max_page_size", 100)

	viper.SetDefault("events.redis_channel", "ledger_events")
	viper.SetDefault("events.kafka_brokers", "")
	viper.SetDefault("events.kafka_topic", "ledger-events")

	viper.SetDefault("auditor.interval", 10*time.Minute)
}

// Load reads .env (if present) and the environment into a validated Config.
// DATABASE_HOST style variables map onto database.host keys. A missing .env
// is not an error; an unreadable one is.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("server.port", "PORT", "SERVER_PORT")
	setDefaults()

	cfg := &Config{
		Port:         viper.GetString("server.port"),
		JWTSecret:    viper.GetString("jwt.secret_key"),
		RedisEnabled: viper.GetBool("redis.enabled"),
		Database:     database.GetConfig(),
		Ledger: LedgerConfig{
			Store:             strings.ToLower(viper.GetString("ledger.store")),
			Guard:             strings.ToLower(viper.GetString("ledger.guard")),
			LockTimeout:       viper.GetDuration("ledger.lock_timeout"),
			LockTTL:           viper.GetDuration("ledger.lock_ttl"),
			LockRetryInterval: viper.GetDuration("ledger.lock_retry_interval"),
			CommitTimeout:     viper.GetDuration("ledger.commit_timeout"),
			MinWithdrawAmount: viper.GetInt64("ledger.min_withdraw_amount"),
			VerifyAfterCommit: viper.GetBool("ledger.verify_after_commit"),
			DefaultPageSize:   viper.GetInt("ledger.default_page_size"),
			MaxPageSize:       viper.GetInt("ledger.max_page_size"),
		},
		Events: EventsConfig{
			RedisChannel: viper.GetString("events.redis_channel"),
			KafkaBrokers: splitList(viper.GetString("events.kafka_brokers")),
			KafkaTopic:   viper.GetString("events.kafka_topic"),
		},
		AuditorInterval: viper.GetDuration("auditor.interval"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Ledger.Store {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("ledger.store must be postgres or memory, got %q", c.Ledger.Store))
	}
	switch c.Ledger.Guard {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("ledger.guard must be local or redis, got %q", c.Ledger.Guard))
	}
	if c.Ledger.Guard == "redis" && !c.RedisEnabled {
		errs = append(errs, errors.New("ledger.guard redis requires redis.enabled"))
	}
	if c.Ledger.LockTimeout <= 0 {
		errs = append(errs, errors.New("ledger.lock_timeout must be positive"))
	}
	if c.Ledger.Guard == "redis" && c.Ledger.LockTTL <= c.Ledger.CommitTimeout {
		errs = append(errs, errors.New("ledger.lock_ttl must exceed ledger.commit_timeout"))
	}
	if c.Ledger.CommitTimeout <= 0 {
		errs = append(errs, errors.New("ledger.commit_timeout must be positive"))
	}
	if c.Ledger.MinWithdrawAmount < 1 {
		errs = append(errs, errors.New("ledger.min_withdraw_amount must be at least 1"))
	}
	if c.Ledger.DefaultPageSize < 1 || c.Ledger.MaxPageSize < c.Ledger.DefaultPageSize || c.Ledger.MaxPageSize > 100 {
		errs = append(errs, errors.New("ledger page sizes must satisfy 1 <= default_page_size <= max_page_size <= 100"))
	}
	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		errs = append(errs, errors.New("events.kafka_topic is required when kafka brokers are set"))
	}
	if c.Database != nil {
		switch c.Database.Driver {
		case "postgres", "pgx":
		default:
			errs = append(errs, fmt.Errorf("database.driver must be postgres or pgx, got %q", c.Database.Driver))
		}
	}

	return errors.Join(errs...)
}
