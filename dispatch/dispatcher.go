// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatch routes envelopes from a partitioned log to the targets
// registered for their routing key. Every message ends in exactly one of:
// fan-out to the work queue, no-op for an empty target set, hand-over to the
// retry channel, skip on a transport error, or loop termination.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/absmach/dispatcher/cache"
	"github.com/absmach/dispatcher/envelope"
	"github.com/absmach/dispatcher/workqueue"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RouteBy selects the envelope field used as the cache key.
type RouteBy string

const (
	RouteByTenant      RouteBy = "tenant"
	RouteByEventSource RouteBy = "event_source"
)

// EnqueueFailurePolicy selects what a failed fan-out does.
type EnqueueFailurePolicy string

const (
	// AbortOnEnqueueFailure terminates the loop.
	AbortOnEnqueueFailure EnqueueFailurePolicy = "abort"
	// RetryOnEnqueueFailure sends the whole message to the retry channel.
	// Targets that were already enqueued receive it again on redelivery.
	RetryOnEnqueueFailure EnqueueFailurePolicy = "retry"
)

// Outcome labels how one message was handled.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeNoTargets  Outcome = "no_targets"
	OutcomeRetried    Outcome = "retried"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeFatal      Outcome = "fatal"
)

// TargetCache resolves routing keys to target sets without blocking.
type TargetCache interface {
	Get(ctx context.Context, key uuid.UUID) ([]uuid.UUID, bool, error)
}

// Metrics receives per-message outcomes.
type Metrics interface {
	RecordDispatch(ctx context.Context, loop, outcome string)
	RecordFanOut(ctx context.Context, loop string, targets int)
}

// Config holds dispatch loop settings.
type Config struct {
	// Name identifies the loop in logs and metrics.
	Name string
	// WorkerPoolSize is the number of messages pulled per window.
	WorkerPoolSize int
	RouteBy        RouteBy
	OnEnqueueFail  EnqueueFailurePolicy
}

// Option configures a Dispatcher.
type Option func(*options)

type options struct {
	metrics Metrics
	tracer  trace.Tracer
}

// WithMetrics sets the outcome recorder.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// Dispatcher is a sequential, at-least-once dispatch loop over one Source.
type Dispatcher[T any] struct {
	cfg     Config
	source  Source[T]
	targets TargetCache
	queue   workqueue.Enqueuer
	retry   Retrier[T]
	codec   envelope.Codec[T]
	metrics Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	running atomic.Bool
	handled atomic.Uint64
}

// New creates a dispatch loop.
func New[T any](cfg Config, source Source[T], targets TargetCache, queue workqueue.Enqueuer, retry Retrier[T], codec envelope.Codec[T], logger *slog.Logger, opts ...Option) (*Dispatcher[T], error) {
	if source == nil || targets == nil || queue == nil || retry == nil || codec == nil {
		return nil, errors.New("dispatch: source, targets, queue, retry and codec are required")
	}
	if cfg.WorkerPoolSize <= 0 {
		return nil, fmt.Errorf("dispatch: worker pool size must be positive, got %d", cfg.WorkerPoolSize)
	}
	switch cfg.RouteBy {
	case "":
		cfg.RouteBy = RouteByTenant
	case RouteByTenant, RouteByEventSource:
	default:
		return nil, fmt.Errorf("dispatch: unknown route_by %q", cfg.RouteBy)
	}
	switch cfg.OnEnqueueFail {
	case "":
		cfg.OnEnqueueFail = AbortOnEnqueueFailure
	case AbortOnEnqueueFailure, RetryOnEnqueueFailure:
	default:
		return nil, fmt.Errorf("dispatch: unknown enqueue failure policy %q", cfg.OnEnqueueFail)
	}
	if cfg.Name == "" {
		cfg.Name = "dispatch"
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/absmach/dispatcher/dispatch")
	}

	return &Dispatcher[T]{
		cfg:     cfg,
		source:  source,
		targets: targets,
		queue:   queue,
		retry:   retry,
		codec:   codec,
		metrics: o.metrics,
		tracer:  o.tracer,
		logger:  logger.With(slog.String("loop", cfg.Name)),
	}, nil
}

// Run dispatches until ctx is done or a fatal error occurs. It returns nil
// on shutdown.
func (d *Dispatcher[T]) Run(ctx context.Context) error {
	d.running.Store(true)
	defer d.running.Store(false)

	d.logger.Info("dispatch loop started",
		slog.Int("window", d.cfg.WorkerPoolSize),
		slog.String("route_by", string(d.cfg.RouteBy)))

	for {
		for range d.cfg.WorkerPoolSize {
			if err := d.step(ctx); err != nil {
				if ctx.Err() != nil {
					d.logger.Info("dispatch loop stopped")
					return nil
				}
				d.logger.Error("dispatch loop terminated", slog.String("error", err.Error()))
				return err
			}
		}
	}
}

// Running reports whether Run is active.
func (d *Dispatcher[T]) Running() bool {
	return d.running.Load()
}

// Handled returns the number of messages committed so far.
func (d *Dispatcher[T]) Handled() uint64 {
	return d.handled.Load()
}

func (d *Dispatcher[T]) step(ctx context.Context) error {
	env, err := d.source.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrTransport) {
			return err
		}
		d.logger.Warn("failed to read message, skipping", slog.String("error", err.Error()))
		d.record(ctx, OutcomeSkipped)
		return d.commit(ctx)
	}

	herr := d.handle(ctx, env)
	if herr != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	// The offset moves past fatal messages too; the loop is not expected to
	// see them again after a restart.
	if err := d.commit(ctx); err != nil {
		return errors.Join(herr, err)
	}
	return herr
}

func (d *Dispatcher[T]) handle(ctx context.Context, env envelope.Envelope[T]) error {
	key := d.routingKey(env)

	ctx, span := d.tracer.Start(ctx, "dispatch.message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("dispatch.loop", d.cfg.Name),
			attribute.String("tenant_id", env.TenantID.String()),
			attribute.String("trace_id", env.TraceID.String()),
			attribute.String("event_source_id", env.EventSourceID.String()),
		))
	defer span.End()

	outcome, err := d.resolve(ctx, key, env)
	span.SetAttributes(attribute.String("dispatch.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	d.record(ctx, outcome)

	return err
}

func (d *Dispatcher[T]) resolve(ctx context.Context, key uuid.UUID, env envelope.Envelope[T]) (Outcome, error) {
	attrs := []any{
		slog.String("key", key.String()),
		slog.String("trace_id", env.TraceID.String()),
	}

	targets, ok, err := d.targets.Get(ctx, key)
	switch {
	case err != nil && cache.IsRetryable(err):
		d.logger.Debug("target lookup failed, routing to retry", append(attrs, slog.String("error", err.Error()))...)
		return d.routeRetry(ctx, env)

	case err != nil:
		return OutcomeFatal, fmt.Errorf("%w: %w", ErrCacheFatal, err)

	case !ok:
		d.logger.Debug("targets not resolved yet, routing to retry", attrs...)
		return d.routeRetry(ctx, env)

	case len(targets) == 0:
		d.logger.Warn("no targets for key", attrs...)
		return OutcomeNoTargets, nil
	}

	payload, err := d.codec.Marshal(env.Payload)
	if err != nil {
		return OutcomeFatal, fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	tmpl := workqueue.Item{
		Payload:       payload,
		TenantID:      env.TenantID,
		TraceID:       env.TraceID,
		EventSourceID: env.EventSourceID,
	}
	if err := fanOut(ctx, d.queue, tmpl, targets); err != nil {
		if d.cfg.OnEnqueueFail == RetryOnEnqueueFailure && ctx.Err() == nil {
			d.logger.Warn("fan-out failed, routing to retry", append(attrs, slog.String("error", err.Error()))...)
			return d.routeRetry(ctx, env)
		}
		return OutcomeFatal, fmt.Errorf("%w: %w", ErrEnqueue, err)
	}

	if d.metrics != nil {
		d.metrics.RecordFanOut(ctx, d.cfg.Name, len(targets))
	}
	d.logger.Info("message dispatched", append(attrs, slog.Int("targets", len(targets)))...)

	return OutcomeDispatched, nil
}

func (d *Dispatcher[T]) routeRetry(ctx context.Context, env envelope.Envelope[T]) (Outcome, error) {
	if err := d.retry.Route(ctx, env); err != nil {
		return OutcomeFatal, err
	}
	return OutcomeRetried, nil
}

func (d *Dispatcher[T]) commit(ctx context.Context) error {
	if err := d.source.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrCommit, err)
	}
	d.handled.Add(1)
	return nil
}

func (d *Dispatcher[T]) record(ctx context.Context, outcome Outcome) {
	if d.metrics != nil {
		d.metrics.RecordDispatch(ctx, d.cfg.Name, string(outcome))
	}
}

func (d *Dispatcher[T]) routingKey(env envelope.Envelope[T]) uuid.UUID {
	if d.cfg.RouteBy == RouteByEventSource {
		return env.EventSourceID
	}
	return env.TenantID
}
