package provider

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/batchkeeper/pkg/circuitbreaker"
)

// tracerName is the instrumentation scope for gateway spans.
const tracerName = "github.com/ChuLiYu/batchkeeper/internal/provider"

// Handler performs one gateway call.
type Handler func(ctx context.Context) error

// Interceptor wraps a single gateway call. target is the remote batch id,
// or the job id for submissions.
type Interceptor func(ctx context.Context, op, target string, next Handler) error

// Intercept returns a Gateway whose every call runs through ic.
func Intercept(gw Gateway, ic Interceptor) Gateway {
	return &intercepted{next: gw, ic: ic}
}

type intercepted struct {
	next Gateway
	ic   Interceptor
}

func (g *intercepted) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var id string
	err := g.ic(ctx, OpSubmit, string(req.JobID), func(ctx context.Context) error {
		var err error
		id, err = g.next.Submit(ctx, req)
		return err
	})
	return id, err
}

func (g *intercepted) PollStatus(ctx context.Context, remoteID string) (Status, error) {
	var st Status
	err := g.ic(ctx, OpPoll, remoteID, func(ctx context.Context) error {
		var err error
		st, err = g.next.PollStatus(ctx, remoteID)
		return err
	})
	return st, err
}

func (g *intercepted) FetchResults(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := g.ic(ctx, OpFetch, remoteID, func(ctx context.Context) error {
		var err error
		rc, err = g.next.FetchResults(ctx, remoteID)
		return err
	})
	return rc, err
}

func (g *intercepted) DeleteRemoteArtifacts(ctx context.Context, remoteID string) error {
	return g.ic(ctx, OpCleanup, remoteID, func(ctx context.Context) error {
		return g.next.DeleteRemoteArtifacts(ctx, remoteID)
	})
}

// ============================================================================
// Timeout
// ============================================================================

// WithTimeout bounds every call by d. A call that runs out of time fails
// with a transient error. For FetchResults the deadline also covers reading
// the returned stream.
func WithTimeout(gw Gateway, d time.Duration) Gateway {
	if d <= 0 {
		return gw
	}
	return &timeoutGateway{next: gw, d: d}
}

type timeoutGateway struct {
	next Gateway
	d    time.Duration
}

func (g *timeoutGateway) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.d)
	defer cancel()
	id, err := g.next.Submit(ctx, req)
	return id, timedOut(ctx, OpSubmit, err)
}

func (g *timeoutGateway) PollStatus(ctx context.Context, remoteID string) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, g.d)
	defer cancel()
	st, err := g.next.PollStatus(ctx, remoteID)
	return st, timedOut(ctx, OpPoll, err)
}

func (g *timeoutGateway) FetchResults(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, g.d)
	rc, err := g.next.FetchResults(ctx, remoteID)
	if err != nil {
		cancel()
		return nil, timedOut(ctx, OpFetch, err)
	}
	return &cancelOnClose{ReadCloser: rc, cancel: cancel}, nil
}

func (g *timeoutGateway) DeleteRemoteArtifacts(ctx context.Context, remoteID string) error {
	ctx, cancel := context.WithTimeout(ctx, g.d)
	defer cancel()
	return timedOut(ctx, OpCleanup, g.next.DeleteRemoteArtifacts(ctx, remoteID))
}

func timedOut(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || IsTimeout(err) {
		return TransientError(op, err)
	}
	return err
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

// ============================================================================
// Rate limit
// ============================================================================

// WithRateLimit makes every call wait for a token from limiter. A wait that
// cannot complete before the context ends is a transient failure.
func WithRateLimit(gw Gateway, limiter *rate.Limiter) Gateway {
	if limiter == nil {
		return gw
	}
	return Intercept(gw, func(ctx context.Context, op, _ string, next Handler) error {
		if err := limiter.Wait(ctx); err != nil {
			return TransientError(op, err)
		}
		return next(ctx)
	})
}

// ============================================================================
// Circuit breaker
// ============================================================================

// WithCircuitBreaker stops calling the provider after repeated transient
// failures. Calls rejected by an open breaker fail with a transient error.
// Permanent errors describe the request, not the provider's health, and do
// not count.
func WithCircuitBreaker(gw Gateway, b *circuitbreaker.Breaker) Gateway {
	if b == nil {
		return gw
	}
	return Intercept(gw, func(ctx context.Context, op, _ string, next Handler) error {
		err := b.Do(func() error { return next(ctx) }, IsTransient)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return TransientError(op, err)
		}
		return err
	})
}

// ============================================================================
// Tracing
// ============================================================================

// WithTracing wraps each call in a span from the global tracer provider.
func WithTracing(gw Gateway) Gateway {
	return WithTracer(gw, otel.Tracer(tracerName))
}

// WithTracer is WithTracing with an explicit tracer.
func WithTracer(gw Gateway, tracer trace.Tracer) Gateway {
	return Intercept(gw, func(ctx context.Context, op, target string, next Handler) error {
		key := "batchkeeper.remote_batch_id"
		if op == OpSubmit {
			key = "batchkeeper.job_id"
		}
		ctx, span := tracer.Start(ctx, "batchkeeper.gateway."+op,
			trace.WithAttributes(
				attribute.String("batchkeeper.gateway.op", op),
				attribute.String(key, target),
			),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("batchkeeper.error.kind", KindOf(err).String()))
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	})
}

// ============================================================================
// Metrics
// ============================================================================

// CallObserver receives one record per gateway call. *metrics.Collector
// implements it.
type CallObserver interface {
	ObserveGatewayCall(op, outcome string, elapsed time.Duration)
}

// WithMetrics reports the latency and outcome ("ok", "transient",
// "permanent") of every call.
func WithMetrics(gw Gateway, obs CallObserver) Gateway {
	if obs == nil {
		return gw
	}
	return Intercept(gw, func(ctx context.Context, op, _ string, next Handler) error {
		start := time.Now()
		err := next(ctx)
		outcome := "ok"
		if err != nil {
			outcome = KindOf(err).String()
		}
		obs.ObserveGatewayCall(op, outcome, time.Since(start))
		return err
	})
}
