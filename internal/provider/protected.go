package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/prajwalk/classrelay/internal/circuitbreaker"
)

// Protected wraps a Provider with a circuit breaker. While the circuit is
// open, Send returns a failed Result immediately; the dispatcher records
// it like any other transport failure and the event goes to failed, still
// retryable from the admin surface once the transport recovers.
type Protected struct {
	inner   Provider
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewProtected wraps a provider with circuit breaker protection.
func NewProtected(inner Provider, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Protected {
	return &Protected{
		inner:   inner,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *Protected) Name() string { return p.inner.Name() }

func (p *Protected) Send(ctx context.Context, to, templateName string, params map[string]string) Result {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("template", templateName),
			zap.String("state", p.breaker.GetState().String()),
		)
		return failure(fmt.Sprintf("%v: %s provider unavailable", circuitbreaker.ErrCircuitOpen, p.inner.Name()))
	}

	res := p.inner.Send(ctx, to, templateName, params)
	if res.Success {
		p.breaker.RecordSuccess()
	} else {
		p.breaker.RecordFailure()
	}
	return res
}

// Breaker exposes the underlying breaker for the admin stats endpoint.
func (p *Protected) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}
