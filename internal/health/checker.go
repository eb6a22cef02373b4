// Package health provides liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker is anything that can report whether it can serve.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc adapts a function to ReadinessChecker.
type CheckFunc func(ctx context.Context) error

// Ready implements ReadinessChecker.
func (f CheckFunc) Ready(ctx context.Context) error {
	return f(ctx)
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady reports whether the instance should receive traffic. A degraded
// instance still serves callbacks.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// Check is one named dependency. A failing critical check makes the
// instance unhealthy; any other failing check only degrades it.
type Check struct {
	Name     string
	Probe    ReadinessChecker
	Critical bool
}

// Checker runs the readiness checks and caches the result briefly.
type Checker struct {
	checks   []Check
	timeout  time.Duration
	cacheTTL time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker over checks.
func NewChecker(checks ...Check) *Checker {
	return &Checker{
		checks:   checks,
		timeout:  5 * time.Second,
		cacheTTL: time.Second,
	}
}

// Liveness returns healthy while the process runs. It does not touch any
// dependency, so a registry outage never restarts the instance.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness checks every dependency. A shutting-down instance is unhealthy
// so that load balancers stop sending new callbacks.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < c.cacheTTL {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.checks))}
	if len(c.checks) == 0 {
		response.Status = StatusUnhealthy
		response.Checks["registry"] = CheckResult{Status: StatusUnhealthy, Message: "no checks configured"}
	}

	for _, check := range c.checks {
		result := c.run(ctx, check)
		response.Checks[check.Name] = result
		if result.Status == StatusHealthy {
			continue
		}
		if check.Critical {
			response.Status = StatusUnhealthy
		} else if response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context, check Check) CheckResult {
	failed := StatusDegraded
	if check.Critical {
		failed = StatusUnhealthy
	}
	if check.Probe == nil {
		return CheckResult{Status: failed, Message: check.Name + " not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := check.Probe.Ready(ctx); err != nil {
		return CheckResult{Status: failed, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SetShuttingDown marks the service as shutting down.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
