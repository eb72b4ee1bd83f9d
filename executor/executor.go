// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package executor runs the lease/ack loop of an execution sidecar: it pulls
// one work item at a time for its target, processes it, and acknowledges it
// unless the failure is retriable.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/dispatcher/workqueue"
	"github.com/google/uuid"
)

const defaultPollDelay = time.Second

// Processor handles one work item.
type Processor interface {
	Process(ctx context.Context, item workqueue.Item) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, item workqueue.Item) error

func (f ProcessorFunc) Process(ctx context.Context, item workqueue.Item) error {
	return f(ctx, item)
}

// Metrics receives per-item outcomes.
type Metrics interface {
	RecordExecution(ctx context.Context, target, outcome string, d time.Duration)
}

// Config holds executor settings.
type Config struct {
	TargetID uuid.UUID
	// PollDelay is the pause after a pull finds no work.
	PollDelay time.Duration
}

// Executor is the lease/ack loop for one target.
type Executor struct {
	cfg     Config
	queue   workqueue.Client
	proc    Processor
	metrics Metrics
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	running atomic.Bool
}

// New creates an executor. metrics may be nil.
func New(cfg Config, queue workqueue.Client, proc Processor, metrics Metrics, logger *slog.Logger) (*Executor, error) {
	if cfg.TargetID == uuid.Nil {
		return nil, errors.New("executor: target id is required")
	}
	if queue == nil || proc == nil {
		return nil, errors.New("executor: queue and processor are required")
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = defaultPollDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		cfg:     cfg,
		queue:   queue,
		proc:    proc,
		metrics: metrics,
		logger:  logger.With(slog.String("target_id", cfg.TargetID.String())),
		sleep:   sleepCtx,
	}, nil
}

// Run processes work until ctx is done or the queue fails. It returns nil on
// shutdown.
func (e *Executor) Run(ctx context.Context) error {
	e.running.Store(true)
	defer e.running.Store(false)

	e.logger.Info("executor started", slog.Duration("poll_delay", e.cfg.PollDelay))

	for {
		lease, err := e.queue.Pull(ctx, e.cfg.TargetID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrPull, err)
		}

		if lease == nil {
			e.logger.Debug("found no work")
			if err := e.sleep(ctx, e.cfg.PollDelay); err != nil {
				return nil
			}
			continue
		}

		if err := e.execute(ctx, lease); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Running reports whether Run is active.
func (e *Executor) Running() bool {
	return e.running.Load()
}

func (e *Executor) execute(ctx context.Context, lease *workqueue.Lease) error {
	attrs := []any{
		slog.String("tenant_id", lease.Item.TenantID.String()),
		slog.String("trace_id", lease.Item.TraceID.String()),
		slog.Int("deliveries", lease.Deliveries),
	}

	start := time.Now()
	perr := e.proc.Process(ctx, lease.Item)
	elapsed := time.Since(start)

	outcome := workqueue.OutcomeSuccess
	switch {
	case perr == nil:
		e.logger.Debug("work processed", attrs...)
	case IsRetriable(perr):
		e.logger.Warn("work failed, leaving for redelivery", append(attrs, slog.String("error", perr.Error()))...)
		e.record(ctx, "retried", elapsed)
		return nil
	default:
		e.logger.Error("work failed permanently", append(attrs, slog.String("error", perr.Error()))...)
		outcome = workqueue.OutcomeFailure
	}

	if err := e.queue.Ack(ctx, lease.Token, outcome); err != nil {
		if errors.Is(err, workqueue.ErrLeaseNotFound) {
			e.logger.Warn("lease expired before ack", attrs...)
			e.record(ctx, "lease_lost", elapsed)
			return nil
		}
		return fmt.Errorf("%w: %w", ErrAck, err)
	}
	e.record(ctx, outcome.String(), elapsed)

	return nil
}

func (e *Executor) record(ctx context.Context, outcome string, d time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordExecution(ctx, e.cfg.TargetID.String(), outcome, d)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
