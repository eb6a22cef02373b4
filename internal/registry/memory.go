package registry

import (
	"context"
	"errors"
	"log/slog"
	"pyris/internal/apperrors"
	"pyris/internal/job"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryConfig holds configuration for the single-node registry.
type MemoryConfig struct {
	DefaultTTL    time.Duration // TTL used by Register (default: 5m)
	ReapInterval  time.Duration // how often expired entries are purged (default: 30s)
	InstanceID    string
	Observer      Observer
	DisableReaper bool // tests drive Reap directly
}

type memoryEntry struct {
	job       job.Job
	expiresAt time.Time
}

// Memory is a registry for single-instance deployments. Expired entries are
// invisible immediately and purged by a background reaper.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	tokens     *TokenGenerator
	defaultTTL time.Duration
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time

	shutdown chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewMemory creates an in-memory registry and starts its reaper.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}

	m := &Memory{
		entries:    make(map[string]memoryEntry),
		tokens:     NewTokenGenerator(cfg.InstanceID),
		defaultTTL: cfg.DefaultTTL,
		observer:   cfg.Observer,
		logger:     slog.With("component", "registry", "backend", "memory"),
		now:        time.Now,
		shutdown:   make(chan struct{}),
	}

	if !cfg.DisableReaper {
		m.wg.Add(1)
		go m.reaper(cfg.ReapInterval)
	}
	return m
}

// Register implements Registry.
func (m *Memory) Register(ctx context.Context, factory job.Factory) (string, error) {
	return m.RegisterWithTTL(ctx, factory, m.defaultTTL)
}

// RegisterWithTTL implements Registry.
func (m *Memory) RegisterWithTTL(ctx context.Context, factory job.Factory, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", apperrors.Validation("ttl", "ttl must be positive")
	}

	for range maxRegisterAttempts {
		token, err := m.tokens.Next()
		if err != nil {
			return "", apperrors.Internal("registry.register", err)
		}
		j, err := build(factory, token)
		if err != nil {
			return "", apperrors.Internal("registry.register", err)
		}

		m.mu.Lock()
		now := m.now()
		if e, exists := m.entries[token]; exists && now.Before(e.expiresAt) {
			m.mu.Unlock()
			continue
		}
		m.entries[token] = memoryEntry{job: j, expiresAt: now.Add(ttl)}
		m.mu.Unlock()

		if m.observer != nil {
			m.observer.RecordJobRegistered(ctx, string(j.Kind))
		}
		return token, nil
	}
	return "", apperrors.Internal("registry.register", errors.New("could not issue a unique token"))
}

// Get implements Registry.
func (m *Memory) Get(ctx context.Context, token string) (job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[token]
	if !ok || !m.now().Before(e.expiresAt) {
		return job.Job{}, apperrors.NotFound("job", job.RedactToken(token))
	}
	return e.job, nil
}

// Update implements Registry.
func (m *Memory) Update(ctx context.Context, j job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[j.Token]
	if !ok || !m.now().Before(e.expiresAt) {
		return apperrors.NotFound("job", job.RedactToken(j.Token))
	}
	e.job = j
	m.entries[j.Token] = e
	return nil
}

// Remove implements Registry.
func (m *Memory) Remove(ctx context.Context, token string) error {
	m.mu.Lock()
	e, ok := m.entries[token]
	delete(m.entries, token)
	live := ok && m.now().Before(e.expiresAt)
	m.mu.Unlock()

	if live && m.observer != nil {
		m.observer.RecordJobEvicted(ctx, string(e.job.Kind), EvictRemoved)
	}
	return nil
}

// Ready implements Registry.
func (m *Memory) Ready(ctx context.Context) error {
	if m.closed.Load() {
		return errors.New("registry is closed")
	}
	return nil
}

// Len returns the number of stored entries, including expired ones the
// reaper has not purged yet.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Reap purges expired entries and returns how many were removed.
func (m *Memory) Reap() int {
	m.mu.Lock()
	now := m.now()
	var expired []job.Job
	for token, e := range m.entries {
		if !now.Before(e.expiresAt) {
			expired = append(expired, e.job)
			delete(m.entries, token)
		}
	}
	m.mu.Unlock()

	for _, j := range expired {
		m.logger.Info("Job expired without terminal status", "kind", j.Kind, "token", job.RedactToken(j.Token))
		if m.observer != nil {
			m.observer.RecordJobEvicted(context.Background(), string(j.Kind), EvictExpired)
		}
	}
	return len(expired)
}

func (m *Memory) reaper(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

// Close stops the reaper. Stored jobs are kept.
func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	close(m.shutdown)
	m.wg.Wait()
	return nil
}

// Verify Memory implements Registry
var _ Registry = (*Memory)(nil)
