// Package config loads the service configuration.
//
// Values are layered, later sources overriding earlier ones: built-in
// defaults, an optional YAML file, PYRIS_* environment variables and
// finally command-line flags. Secrets may be given inline or, preferably,
// as a path in the matching *_file key (Docker and Kubernetes secrets).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/knadh/koanf/v2"
)

// Config is the complete service configuration.
type Config struct {
	InstanceID string         `koanf:"instance_id"`
	Log        LogConfig      `koanf:"log"`
	Server     ServerConfig   `koanf:"server"`
	Registry   RegistryConfig `koanf:"registry"`
	Pyris      PyrisConfig    `koanf:"pyris"`
	Events     EventsConfig   `koanf:"events"`
}

// LogConfig controls the process-wide slog handler.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Port              string        `koanf:"port" validate:"required,numeric"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required,numeric,nefield=Port"`
	APIKey            string        `koanf:"api_key"`
	APIKeyFile        string        `koanf:"api_key_file"`
	EventSigningKey   string        `koanf:"event_signing_key"`
	EventSigningFile  string        `koanf:"event_signing_key_file"`
	CallbackBaseURL   string        `koanf:"callback_base_url" validate:"required,url"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	ShutdownDrainWait time.Duration `koanf:"shutdown_drain_wait" validate:"gte=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// RegistryConfig selects and tunes the job registry.
type RegistryConfig struct {
	Backend      string        `koanf:"backend" validate:"oneof=memory redis"`
	DefaultTTL   time.Duration `koanf:"default_ttl" validate:"gt=0"`
	IngestionTTL time.Duration `koanf:"ingestion_ttl" validate:"gt=0"`
	ReapInterval time.Duration `koanf:"reap_interval" validate:"gt=0"`
	Redis        RedisConfig   `koanf:"redis"`
}

// RedisConfig configures the clustered registry.
type RedisConfig struct {
	Mode           string        `koanf:"mode" validate:"oneof=single cluster sentinel"`
	Addresses      []string      `koanf:"addresses" validate:"dive,hostname_port"`
	DB             int           `koanf:"db" validate:"gte=0"`
	Username       string        `koanf:"username"`
	Password       string        `koanf:"password"`
	PasswordFile   string        `koanf:"password_file"`
	SentinelMaster string        `koanf:"sentinel_master" validate:"required_if=Mode sentinel"`
	PoolSize       int           `koanf:"pool_size" validate:"gte=0"`
	DialTimeout    time.Duration `koanf:"dial_timeout" validate:"gte=0"`
	KeyPrefix      string        `koanf:"key_prefix" validate:"required"`
	ConnAttempts   int           `koanf:"conn_attempts" validate:"gte=1"`
}

// PyrisConfig configures the connector to the pipeline service.
type PyrisConfig struct {
	URL              string        `koanf:"url" validate:"required,url"`
	Secret           string        `koanf:"secret"`
	SecretFile       string        `koanf:"secret_file"`
	Timeout          time.Duration `koanf:"timeout" validate:"gt=0"`
	BreakerThreshold int           `koanf:"breaker_threshold" validate:"gte=1"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown" validate:"gt=0"`
	Variant          string        `koanf:"variant" validate:"required"`
}

// EventsConfig configures the event router.
type EventsConfig struct {
	Workers         int           `koanf:"workers" validate:"gte=1"`
	QueueSize       int           `koanf:"queue_size" validate:"gte=1"`
	HandlerTimeout  time.Duration `koanf:"handler_timeout" validate:"gt=0"`
	Enabled         []string      `koanf:"enabled" validate:"dive,oneof=new_result build_failed progress_stalled competency_jol_set lecture_unit_published faq_updated"`
	DisabledCourses []int64       `koanf:"disabled_courses"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Port:              "8080",
			MetricsPort:       "9090",
			CallbackBaseURL:   "http://localhost:8080/api/pyris",
			ShutdownDrainWait: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Registry: RegistryConfig{
			Backend:      "memory",
			DefaultTTL:   5 * time.Minute,
			IngestionTTL: time.Hour,
			ReapInterval: 30 * time.Second,
			Redis: RedisConfig{
				Mode:         "single",
				Addresses:    []string{"localhost:6379"},
				KeyPrefix:    "pyris:job:",
				DialTimeout:  5 * time.Second,
				ConnAttempts: 5,
			},
		},
		Pyris: PyrisConfig{
			URL:              "http://localhost:8000",
			Timeout:          10 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
			Variant:          "default",
		},
		Events: EventsConfig{
			Workers:        8,
			QueueSize:      1000,
			HandlerTimeout: 30 * time.Second,
		},
	}
}

// defaultMap flattens Default for koanf's confmap provider.
func defaultMap() map[string]any {
	d := Default()
	return map[string]any{
		"instance_id": d.InstanceID,

		"log.level":  d.Log.Level,
		"log.format": d.Log.Format,

		"server.port":                   d.Server.Port,
		"server.metrics_port":           d.Server.MetricsPort,
		"server.api_key":                d.Server.APIKey,
		"server.api_key_file":           d.Server.APIKeyFile,
		"server.event_signing_key":      d.Server.EventSigningKey,
		"server.event_signing_key_file": d.Server.EventSigningFile,
		"server.callback_base_url":      d.Server.CallbackBaseURL,
		"server.cors_origins":           d.Server.CORSOrigins,
		"server.shutdown_drain_wait":    d.Server.ShutdownDrainWait,
		"server.shutdown_timeout":       d.Server.ShutdownTimeout,

		"registry.backend":       d.Registry.Backend,
		"registry.default_ttl":   d.Registry.DefaultTTL,
		"registry.ingestion_ttl": d.Registry.IngestionTTL,
		"registry.reap_interval": d.Registry.ReapInterval,

		"registry.redis.mode":            d.Registry.Redis.Mode,
		"registry.redis.addresses":       d.Registry.Redis.Addresses,
		"registry.redis.db":              d.Registry.Redis.DB,
		"registry.redis.username":        d.Registry.Redis.Username,
		"registry.redis.password":        d.Registry.Redis.Password,
		"registry.redis.password_file":   d.Registry.Redis.PasswordFile,
		"registry.redis.sentinel_master": d.Registry.Redis.SentinelMaster,
		"registry.redis.pool_size":       d.Registry.Redis.PoolSize,
		"registry.redis.dial_timeout":    d.Registry.Redis.DialTimeout,
		"registry.redis.key_prefix":      d.Registry.Redis.KeyPrefix,
		"registry.redis.conn_attempts":   d.Registry.Redis.ConnAttempts,

		"pyris.url":               d.Pyris.URL,
		"pyris.secret":            d.Pyris.Secret,
		"pyris.secret_file":       d.Pyris.SecretFile,
		"pyris.timeout":           d.Pyris.Timeout,
		"pyris.breaker_threshold": d.Pyris.BreakerThreshold,
		"pyris.breaker_cooldown":  d.Pyris.BreakerCooldown,
		"pyris.variant":           d.Pyris.Variant,

		"events.workers":          d.Events.Workers,
		"events.queue_size":       d.Events.QueueSize,
		"events.handler_timeout":  d.Events.HandlerTimeout,
		"events.enabled":          d.Events.Enabled,
		"events.disabled_courses": d.Events.DisabledCourses,
	}
}

var validate = validator.New()

// Load merges sources in priority order, resolves secret files, fills in
// derived defaults and validates the result.
func Load(sources ...Source) (*Config, error) {
	k := koanf.New(".")
	for _, src := range sortSources(sources) {
		if err := src.Load(k); err != nil {
			return nil, fmt.Errorf("config source %s: %w", src.Name(), err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Registry.Backend == "redis" && len(c.Registry.Redis.Addresses) == 0 {
		return errors.New("invalid config: registry.redis.addresses is required for the redis backend")
	}
	return nil
}

func (c *Config) resolveSecrets() error {
	secrets := []struct {
		file   string
		target *string
	}{
		{c.Server.APIKeyFile, &c.Server.APIKey},
		{c.Server.EventSigningFile, &c.Server.EventSigningKey},
		{c.Registry.Redis.PasswordFile, &c.Registry.Redis.Password},
		{c.Pyris.SecretFile, &c.Pyris.Secret},
	}
	for _, s := range secrets {
		if s.file == "" {
			continue
		}
		value, err := ReadSecretFile(s.file)
		if err != nil {
			return err
		}
		*s.target = value
	}
	return nil
}
