package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Поддерживаемые бэкенды блокировки слотов.
const (
	LockBackendPostgres = "postgres"
	LockBackendRedis    = "redis"
	LockBackendNone     = "none"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	GRPCAddr string `mapstructure:"GRPC_ADDR"`

	DB     DBConfig     `mapstructure:",squash"`
	Redis  RedisConfig  `mapstructure:",squash"`
	NATS   NATSConfig   `mapstructure:",squash"`
	Engine EngineConfig `mapstructure:",squash"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"REDIS_ADDR"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
	// QueueDB: отдельная база для очереди периодических задач.
	QueueDB int `mapstructure:"REDIS_QUEUE_DB"`
}

// Enabled: задан ли адрес Redis.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type NATSConfig struct {
	URL           string `mapstructure:"NATS_URL"`
	SubjectPrefix string `mapstructure:"NATS_SUBJECT_PREFIX"`
}

// EngineConfig: политика движка записи.
type EngineConfig struct {
	MaxPartySize            int           `mapstructure:"ENGINE_MAX_PARTY_SIZE"`
	SelfServiceMaxPartySize int           `mapstructure:"ENGINE_SELF_SERVICE_MAX_PARTY_SIZE"`
	MaxAdvanceDays          int           `mapstructure:"ENGINE_MAX_ADVANCE_DAYS"`
	OverflowSlotSteps       int           `mapstructure:"ENGINE_OVERFLOW_SLOT_STEPS"`
	FallbackSlotCapacity    int           `mapstructure:"ENGINE_FALLBACK_SLOT_CAPACITY"`
	SuggestionCount         int           `mapstructure:"ENGINE_SUGGESTION_COUNT"`
	SuggestionLookaheadDays int           `mapstructure:"ENGINE_SUGGESTION_LOOKAHEAD_DAYS"`
	LockTimeout             time.Duration `mapstructure:"ENGINE_LOCK_TIMEOUT"`
	LockBackend             string        `mapstructure:"ENGINE_LOCK_BACKEND"`
	SweepInterval           time.Duration `mapstructure:"ENGINE_SWEEP_INTERVAL"`
}

// DefaultEngineConfig возвращает значения политики по умолчанию.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxPartySize:            10,
		SelfServiceMaxPartySize: 5,
		MaxAdvanceDays:          90,
		OverflowSlotSteps:       5,
		FallbackSlotCapacity:    5,
		SuggestionCount:         3,
		SuggestionLookaheadDays: 30,
		LockTimeout:             5 * time.Second,
		LockBackend:             LockBackendPostgres,
		SweepInterval:           15 * time.Minute,
	}
}

type defaulter interface {
	SetDefault(key string, value any)
}

var keys = []string{
	"ENV", "LOG_LEVEL", "GRPC_ADDR",
	"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE", "DB_TIMEZONE",
	"DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_CONN_MAX_LIFETIME_MIN",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_QUEUE_DB",
	"NATS_URL", "NATS_SUBJECT_PREFIX",
	"ENGINE_MAX_PARTY_SIZE", "ENGINE_SELF_SERVICE_MAX_PARTY_SIZE", "ENGINE_MAX_ADVANCE_DAYS",
	"ENGINE_OVERFLOW_SLOT_STEPS", "ENGINE_FALLBACK_SLOT_CAPACITY", "ENGINE_SUGGESTION_COUNT",
	"ENGINE_SUGGESTION_LOOKAHEAD_DAYS", "ENGINE_LOCK_TIMEOUT", "ENGINE_LOCK_BACKEND",
	"ENGINE_SWEEP_INTERVAL",
}

// Load читает конфигурацию из окружения и, если есть, из файла path.
// Пустой path означает "только окружение".
func Load(path string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("GRPC_ADDR", ":50051")
	setDBDefaults(v)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_QUEUE_DB", 1)
	v.SetDefault("NATS_SUBJECT_PREFIX", "scheduling.notify")

	def := DefaultEngineConfig()
	v.SetDefault("ENGINE_MAX_PARTY_SIZE", def.MaxPartySize)
	v.SetDefault("ENGINE_SELF_SERVICE_MAX_PARTY_SIZE", def.SelfServiceMaxPartySize)
	v.SetDefault("ENGINE_MAX_ADVANCE_DAYS", def.MaxAdvanceDays)
	v.SetDefault("ENGINE_OVERFLOW_SLOT_STEPS", def.OverflowSlotSteps)
	v.SetDefault("ENGINE_FALLBACK_SLOT_CAPACITY", def.FallbackSlotCapacity)
	v.SetDefault("ENGINE_SUGGESTION_COUNT", def.SuggestionCount)
	v.SetDefault("ENGINE_SUGGESTION_LOOKAHEAD_DAYS", def.SuggestionLookaheadDays)
	v.SetDefault("ENGINE_LOCK_TIMEOUT", def.LockTimeout.String())
	v.SetDefault("ENGINE_LOCK_BACKEND", def.LockBackend)
	v.SetDefault("ENGINE_SWEEP_INTERVAL", def.SweepInterval.String())

	// Unmarshal видит переменные окружения только после явного BindEnv.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность значений.
func (c *Config) Validate() error {
	if err := c.DB.validate(); err != nil {
		return err
	}

	e := c.Engine
	var errs []error
	if e.MaxPartySize < 1 || e.SelfServiceMaxPartySize < 1 {
		errs = append(errs, errors.New("party size limits must be positive"))
	}
	if e.SelfServiceMaxPartySize > e.MaxPartySize {
		errs = append(errs, errors.New("self-service party limit exceeds general limit"))
	}
	if e.MaxAdvanceDays < 1 {
		errs = append(errs, errors.New("ENGINE_MAX_ADVANCE_DAYS must be positive"))
	}
	if e.OverflowSlotSteps < 1 {
		errs = append(errs, errors.New("ENGINE_OVERFLOW_SLOT_STEPS must be positive"))
	}
	if e.FallbackSlotCapacity < 1 {
		errs = append(errs, errors.New("ENGINE_FALLBACK_SLOT_CAPACITY must be positive"))
	}
	if e.SuggestionCount < 0 || e.SuggestionLookaheadDays < 1 {
		errs = append(errs, errors.New("invalid suggestion settings"))
	}
	if e.LockTimeout <= 0 {
		errs = append(errs, errors.New("ENGINE_LOCK_TIMEOUT must be positive"))
	}
	if e.SweepInterval < time.Second {
		errs = append(errs, errors.New("ENGINE_SWEEP_INTERVAL must be at least 1s"))
	}

	switch strings.ToLower(e.LockBackend) {
	case LockBackendPostgres, LockBackendNone:
	case LockBackendRedis:
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("redis lock backend requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock backend %q", e.LockBackend))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
