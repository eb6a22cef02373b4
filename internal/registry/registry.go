// Package registry stores live pipeline jobs under their bearer tokens.
//
// The registry is the only shared mutable state of the service. Every
// operation is atomic for a single token; jobs are independent of each
// other so no multi-key transactions exist. Entries carry a TTL so that a
// pipeline which never reports completion cannot grow the registry forever.
//
// Implementations must surface backend failures as errors. Falling back to
// instance-local state would let a callback that lands on another instance
// fail authentication.
package registry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"pyris/internal/job"
	"strconv"
	"strings"
	"time"
)

// Registry is a token to job map with per-entry expiry.
type Registry interface {
	// Register issues a new token, stores factory(token) under the default
	// TTL and returns the token.
	Register(ctx context.Context, factory job.Factory) (string, error)

	// RegisterWithTTL is Register with an explicit TTL.
	RegisterWithTTL(ctx context.Context, factory job.Factory, ttl time.Duration) (string, error)

	// Get returns the live job for token. Returns an apperrors.ErrNotFound
	// error if the token is unknown, expired or removed.
	Get(ctx context.Context, token string) (job.Job, error)

	// Update replaces the stored job, keeping the remaining TTL. Returns an
	// apperrors.ErrNotFound error if the job is no longer live; an evicted
	// job is never brought back.
	Update(ctx context.Context, j job.Job) error

	// Remove evicts a job. Removing an absent token is a no-op.
	Remove(ctx context.Context, token string) error

	// Ready checks that the backing store is reachable.
	Ready(ctx context.Context) error
}

// Observer receives registry lifecycle notifications (metrics).
type Observer interface {
	RecordJobRegistered(ctx context.Context, kind string)
	RecordJobEvicted(ctx context.Context, kind string, reason string)
}

// Eviction reasons reported to the Observer.
const (
	EvictRemoved = "removed"
	EvictExpired = "expired"
)

const (
	tokenRandomLength = 20
	tokenAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// maxRegisterAttempts bounds the set-if-absent loop. A collision of 119
	// random bits is not expected to happen even once.
	maxRegisterAttempts = 3
)

// TokenGenerator issues job tokens of the form
// <instance>-<unix millis>-<random alphanumerics>.
type TokenGenerator struct {
	instance string
	now      func() time.Time
}

// NewTokenGenerator creates a generator for the given instance identifier.
// Characters that are unsafe in headers or URLs are stripped from it.
func NewTokenGenerator(instanceID string) *TokenGenerator {
	instance := sanitize(instanceID)
	if instance == "" {
		instance = "node"
	}
	return &TokenGenerator{instance: instance, now: time.Now}
}

// Next returns a fresh token.
func (g *TokenGenerator) Next() (string, error) {
	random, err := randomAlphanumeric(tokenRandomLength)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	var b strings.Builder
	b.Grow(len(g.instance) + 15 + tokenRandomLength)
	b.WriteString(g.instance)
	b.WriteByte('-')
	b.WriteString(strconv.FormatInt(g.now().UnixMilli(), 10))
	b.WriteByte('-')
	b.WriteString(random)
	return b.String(), nil
}

func randomAlphanumeric(n int) (string, error) {
	max := big.NewInt(int64(len(tokenAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = tokenAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// sanitize keeps ASCII letters, digits and underscores.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return -1
	}, s)
}

// build runs the factory and checks it kept the issued token.
func build(factory job.Factory, token string) (job.Job, error) {
	j := factory(token)
	if j.Token != token {
		return job.Job{}, fmt.Errorf("job factory must keep the issued token")
	}
	if !j.Kind.Valid() {
		return job.Job{}, fmt.Errorf("job factory returned unknown kind %q", j.Kind)
	}
	return j, nil
}
