// Package auth authenticates pipeline callbacks by their job token.
//
// The token issued when a job is registered doubles as the bearer
// credential for that job's callbacks. A callback is accepted only while
// the job is live in the registry, so a duplicate terminal callback fails
// here, after the first one evicted the job.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"pyris/internal/apperrors"
	"pyris/internal/job"
	"pyris/internal/registry"
	"strings"
)

// Messages returned to the caller. They deliberately do not distinguish an
// unknown token from an expired or already terminated one.
const (
	msgMissingHeader = "Authorization header required"
	msgInvalidHeader = "Invalid authorization header format"
	msgInvalidToken  = "No valid token provided"
)

// Authenticator resolves bearer tokens against the job registry.
type Authenticator struct {
	registry registry.Registry
	logger   *slog.Logger
}

// New creates an authenticator backed by reg.
func New(reg registry.Registry) *Authenticator {
	return &Authenticator{
		registry: reg,
		logger:   slog.With("component", "auth"),
	}
}

// Authenticate resolves the job behind an Authorization header and checks it
// is of the expected kind. It never mutates the registry.
func (a *Authenticator) Authenticate(ctx context.Context, header string, expected job.Kind) (job.Job, error) {
	token, err := BearerToken(header)
	if err != nil {
		return job.Job{}, err
	}

	j, err := a.registry.Get(ctx, token)
	if errors.Is(err, apperrors.ErrNotFound) {
		a.logger.Warn("Rejected callback with unknown token", "expectedKind", expected, "token", job.RedactToken(token))
		return job.Job{}, apperrors.Authentication(msgInvalidToken)
	}
	if err != nil {
		// Registry outages are not an authentication verdict.
		return job.Job{}, err
	}

	if j.Kind != expected {
		a.logger.Warn("Rejected callback for wrong job kind", "expectedKind", expected, "kind", j.Kind, "token", job.RedactToken(token))
		return job.Job{}, apperrors.KindMismatch(string(expected), string(j.Kind))
	}
	return j, nil
}

// AuthenticateRun is Authenticate plus a check that the run id in the
// callback path names the same job as the token.
func (a *Authenticator) AuthenticateRun(ctx context.Context, header string, expected job.Kind, runID string) (job.Job, error) {
	j, err := a.Authenticate(ctx, header, expected)
	if err != nil {
		return job.Job{}, err
	}
	if subtle.ConstantTimeCompare([]byte(j.Token), []byte(runID)) != 1 {
		return job.Job{}, apperrors.Conflict("job", "run id does not match the job token")
	}
	return j, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", apperrors.Authentication(msgMissingHeader)
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", apperrors.Authentication(msgInvalidHeader)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperrors.Authentication(msgInvalidHeader)
	}
	return token, nil
}
