package enrich

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Missing reasons reported in Result.
const (
	ReasonDisabled    = "disabled"
	ReasonTimeout     = "timeout"
	ReasonCircuitOpen = "circuit_open"
	ReasonRateLimited = "rate_limited"
	ReasonError       = "error"
	ReasonCancelled   = "cancelled"
)

// Result is the outcome of one enrichment. When Missing is true Value is
// the zero value and Reason says why; callers proceed with local signals.
type Result[T any] struct {
	Value   T
	Missing bool
	Reason  string
	Err     error
}

// Found wraps a successful value.
func Found[T any](v T) Result[T] { return Result[T]{Value: v} }

// Missing returns a missing result for reason.
func Missing[T any](reason string, err error) Result[T] {
	return Result[T]{Missing: true, Reason: reason, Err: err}
}

// GuardConfig bounds one collaborator.
type GuardConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	// RatePerSecond of zero disables rate limiting.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Guard runs calls to one collaborator with a timeout, a circuit breaker and
// an optional non-blocking rate limit. Safe for concurrent use.
type Guard struct {
	service  string
	timeout  time.Duration
	breaker  *Breaker
	limiter  *rate.Limiter
	logger   *slog.Logger
	observer func(service, reason string)
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the logger.
func WithGuardLogger(l *slog.Logger) GuardOption { return func(g *Guard) { g.logger = l } }

// WithMissingObserver is called for every missing result, e.g. to count
// enrichment failures by reason.
func WithMissingObserver(fn func(service, reason string)) GuardOption {
	return func(g *Guard) { g.observer = fn }
}

// WithBreaker replaces the breaker built from the config.
func WithBreaker(b *Breaker) GuardOption { return func(g *Guard) { g.breaker = b } }

// NewGuard builds a guard for service. Timeout defaults to 2s.
func NewGuard(service string, cfg GuardConfig, opts ...GuardOption) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	var bopts []BreakerOption
	if cfg.BreakerThreshold > 0 {
		bopts = append(bopts, WithBreakerThreshold(cfg.BreakerThreshold))
	}
	if cfg.BreakerCooldown > 0 {
		bopts = append(bopts, WithBreakerCooldown(cfg.BreakerCooldown))
	}
	g := &Guard{
		service: service,
		timeout: cfg.Timeout,
		breaker: NewBreaker(bopts...),
		logger:  slog.Default(),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RatePerSecond))
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Service returns the guarded service name.
func (g *Guard) Service() string { return g.service }

// Breaker exposes the breaker state for health reporting.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Call runs fn under g. It never blocks past the guard timeout and never
// waits for rate budget. Failures come back as a Missing result.
func Call[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) Result[T] {
	if err := ctx.Err(); err != nil {
		return Missing[T](ReasonCancelled, err)
	}
	if !g.breaker.Allow() {
		return missing[T](g, ReasonCircuitOpen, &ErrCircuitOpen{Service: g.service})
	}
	if g.limiter != nil && !g.limiter.Allow() {
		return missing[T](g, ReasonRateLimited, &ErrRateLimited{Service: g.service})
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	v, err := fn(cctx)
	switch {
	case err == nil:
		g.breaker.Success()
		return Found(v)
	case ctx.Err() != nil:
		// Caller cancelled; not the collaborator's fault.
		return Missing[T](ReasonCancelled, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded) || cctx.Err() != nil:
		g.breaker.Failure()
		return missing[T](g, ReasonTimeout, ErrEnrichmentTimeout)
	default:
		g.breaker.Failure()
		return missing[T](g, ReasonError, &CallError{Service: g.service, Cause: err})
	}
}

func missing[T any](g *Guard, reason string, err error) Result[T] {
	level := slog.LevelWarn
	if reason == ReasonCircuitOpen || reason == ReasonRateLimited {
		level = slog.LevelDebug
	}
	g.logger.Log(context.Background(), level, "enrich: enrichment skipped",
		"service", g.service, "reason", reason, "error", err)
	if g.observer != nil {
		g.observer(g.service, reason)
	}
	return Missing[T](reason, err)
}
