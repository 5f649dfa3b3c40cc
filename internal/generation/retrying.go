package generation

import (
	"context"
	"iter"
	"log/slog"

	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/ashureev/antirisk-desk/internal/metrics"
	"github.com/ashureev/antirisk-desk/internal/resilience"
)

// Retrying runs every call of the wrapped Generator under a retry policy.
// Streams are retried only until their first fragment arrives.
type Retrying struct {
	next    Generator
	policy  resilience.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRetrying wraps next. logger and m may be nil.
func NewRetrying(next Generator, policy resilience.Policy, logger *slog.Logger, m *metrics.Metrics) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, policy: policy, logger: logger, metrics: m}
}

// policyFor layers logging, metrics and the request's own observer on top of
// the configured policy.
func (r *Retrying) policyFor(req Request) resilience.Policy {
	p := r.policy
	base := p.OnRetry
	p.OnRetry = func(a resilience.Attempt) {
		r.metrics.RetryScheduled(req.Operation)
		r.logger.Warn("generation service over capacity, retrying",
			"operation", req.Operation,
			"attempt", a.Number,
			"delay", a.Delay,
			"error", a.Err,
		)
		if base != nil {
			base(a)
		}
		if req.OnRetry != nil {
			req.OnRetry(a)
		}
	}
	return p
}

// Generate implements Generator.
func (r *Retrying) Generate(ctx context.Context, req Request) (Result, error) {
	return resilience.Execute(ctx, r.policyFor(req), func(ctx context.Context) (Result, error) {
		return r.next.Generate(ctx, req)
	})
}

// GenerateStream implements Generator.
func (r *Retrying) GenerateStream(ctx context.Context, req Request) iter.Seq2[domain.Fragment, error] {
	return resilience.Stream(ctx, r.policyFor(req), func(ctx context.Context) iter.Seq2[domain.Fragment, error] {
		return r.next.GenerateStream(ctx, req)
	})
}
