package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"pyris/internal/apperrors"
	"pyris/internal/job"
	"pyris/pkg/backoff"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "pyris:job:"

// RedisConfig holds configuration for the clustered registry.
type RedisConfig struct {
	Mode           string // single, cluster or sentinel
	Addresses      []string
	DB             int
	Username       string
	Password       string
	SentinelMaster string
	PoolSize       int
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	KeyPrefix      string // default: pyris:job:

	DefaultTTL   time.Duration // TTL used by Register (default: 5m)
	InstanceID   string
	ConnAttempts int // startup ping attempts before giving up (default: 5)
	Observer     Observer
}

// NewRedisClient builds a go-redis client for the configured topology.
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("redis addresses empty")
	}
	switch strings.ToLower(cfg.Mode) {
	case "", "single", "cluster":
	case "sentinel":
		if cfg.SentinelMaster == "" {
			return nil, errors.New("sentinel mode requires a sentinel master name")
		}
	default:
		return nil, fmt.Errorf("unknown redis mode: %s", cfg.Mode)
	}

	opts := &redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		DB:           cfg.DB,
		Username:     cfg.Username,
		Password:     cfg.Password,
		MasterName:   cfg.SentinelMaster,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if strings.EqualFold(cfg.Mode, "cluster") {
		opts.IsClusterMode = true
	}
	return redis.NewUniversalClient(opts), nil
}

// Redis is a registry shared by every service instance through Redis. Key
// expiry provides the TTL; SET NX / SET XX KEEPTTL / GETDEL keep each
// operation atomic for its key.
type Redis struct {
	client     redis.UniversalClient
	prefix     string
	tokens     *TokenGenerator
	defaultTTL time.Duration
	observer   Observer
	logger     *slog.Logger
}

// NewRedis wraps client as a registry.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	return &Redis{
		client:     client,
		prefix:     cfg.KeyPrefix,
		tokens:     NewTokenGenerator(cfg.InstanceID),
		defaultTTL: cfg.DefaultTTL,
		observer:   cfg.Observer,
		logger:     slog.With("component", "registry", "backend", "redis"),
	}
}

// ConnectRedis creates the client and blocks until Redis answers a ping,
// retrying with exponential backoff. The service refuses to start without
// its registry.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	attempts := cfg.ConnAttempts
	if attempts <= 0 {
		attempts = 5
	}

	r := NewRedis(client, cfg)
	err = backoff.Retry(ctx, attempts, &backoff.Config{Initial: 200 * time.Millisecond, Max: 5 * time.Second},
		func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return r.Ready(pingCtx)
		},
		func(attempt int, wait time.Duration, err error) {
			r.logger.Warn("Registry not reachable, retrying", "attempt", attempt, "wait", wait, "error", err)
		})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis registry unreachable: %w", err)
	}
	r.logger.Info("Registry connected", "addrs", cfg.Addresses, "mode", cfg.Mode)
	return r, nil
}

func (r *Redis) key(token string) string {
	return r.prefix + token
}

// Register implements Registry.
func (r *Redis) Register(ctx context.Context, factory job.Factory) (string, error) {
	return r.RegisterWithTTL(ctx, factory, r.defaultTTL)
}

// RegisterWithTTL implements Registry.
func (r *Redis) RegisterWithTTL(ctx context.Context, factory job.Factory, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", apperrors.Validation("ttl", "ttl must be positive")
	}

	for range maxRegisterAttempts {
		token, err := r.tokens.Next()
		if err != nil {
			return "", apperrors.Internal("registry.register", err)
		}
		j, err := build(factory, token)
		if err != nil {
			return "", apperrors.Internal("registry.register", err)
		}
		data, err := json.Marshal(j)
		if err != nil {
			return "", apperrors.Internal("registry.register", err)
		}

		err = r.client.SetArgs(ctx, r.key(token), data, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", apperrors.Internal("registry.register", err)
		}

		if r.observer != nil {
			r.observer.RecordJobRegistered(ctx, string(j.Kind))
		}
		return token, nil
	}
	return "", apperrors.Internal("registry.register", errors.New("could not issue a unique token"))
}

// Get implements Registry.
func (r *Redis) Get(ctx context.Context, token string) (job.Job, error) {
	data, err := r.client.Get(ctx, r.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return job.Job{}, apperrors.NotFound("job", job.RedactToken(token))
	}
	if err != nil {
		return job.Job{}, apperrors.Internal("registry.get", err)
	}
	return decode(data)
}

// Update implements Registry.
func (r *Redis) Update(ctx context.Context, j job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return apperrors.Internal("registry.update", err)
	}
	err = r.client.SetArgs(ctx, r.key(j.Token), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return apperrors.NotFound("job", job.RedactToken(j.Token))
	}
	if err != nil {
		return apperrors.Internal("registry.update", err)
	}
	return nil
}

// Remove implements Registry.
func (r *Redis) Remove(ctx context.Context, token string) error {
	data, err := r.client.GetDel(ctx, r.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return apperrors.Internal("registry.remove", err)
	}

	if r.observer != nil {
		kind := "unknown"
		if j, err := decode(data); err == nil {
			kind = string(j.Kind)
		}
		r.observer.RecordJobEvicted(ctx, kind, EvictRemoved)
	}
	return nil
}

// Ready implements Registry.
func (r *Redis) Ready(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func decode(data []byte) (job.Job, error) {
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return job.Job{}, apperrors.Internal("registry.decode", err)
	}
	return j, nil
}

// Verify Redis implements Registry
var _ Registry = (*Redis)(nil)
