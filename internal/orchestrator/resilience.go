package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/elisa/internal/logging"
)

// BreakerConfig configures the per-agent circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // Runner errors in a row before tripping (default 5)
	OpenTimeout         time.Duration // Time to stay open before probing (default 30s)
	HalfOpenRequests    uint32        // Trial requests allowed while half-open (default 3)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    3,
	}
}

// BreakerRegistry manages one circuit breaker per agent. Only runner errors
// (a crashed CLI, a missing binary) count against the breaker; an agent that
// runs and reports failure is an ordinary failed attempt.
type BreakerRegistry struct {
	config BreakerConfig
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a new circuit breaker registry.
func NewBreakerRegistry(cfg BreakerConfig, logger *zap.Logger) *BreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = def.HalfOpenRequests
	}
	return &BreakerRegistry{
		config:   cfg,
		logger:   logging.OrNop(logger),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given agent, creating it on first use.
func (r *BreakerRegistry) Get(agentName string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agentName]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentName,
		MaxRequests: r.config.HalfOpenRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.config.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("agent circuit breaker changed state",
				zap.String("agent", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
		IsSuccessful: func(err error) bool {
			// User cancellation is not a runner failure
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[agentName] = cb
	return cb
}

// runAttempt executes one attempt through cb. Any error, including an open
// circuit, becomes a failed AttemptResult whose summary is the error text.
func runAttempt(ctx context.Context, runner AgentRunner, opts ExecuteOptions, cb *gobreaker.CircuitBreaker) AttemptResult {
	call := func() (AttemptResult, error) {
		return runner.Execute(ctx, opts)
	}

	var (
		result AttemptResult
		err    error
	)
	if cb == nil {
		result, err = call()
	} else {
		var out interface{}
		out, err = cb.Execute(func() (interface{}, error) {
			return call()
		})
		if out != nil {
			result = out.(AttemptResult)
		}
	}

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("agent %s unavailable: %w", opts.AgentName, err)
		}
		result.Success = false
		if result.Summary == "" {
			result.Summary = err.Error()
		}
	}
	return result
}
