// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/dispatcher/cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the dispatcher's OpenTelemetry instruments. It satisfies the
// dispatch and executor metrics interfaces.
type Metrics struct {
	meter metric.Meter

	messagesTotal   metric.Int64Counter
	fanOutTargets   metric.Int64Histogram
	executionsTotal metric.Int64Counter
	executionTime   metric.Float64Histogram
	ingestedTotal   metric.Int64Counter

	cacheHits      metric.Int64ObservableCounter
	cacheMisses    metric.Int64ObservableCounter
	cacheRefreshes metric.Int64ObservableCounter
	cacheDropped   metric.Int64ObservableCounter
	cacheFailures  metric.Int64ObservableCounter
	cacheEntries   metric.Int64ObservableGauge
}

// NewMetrics creates the instruments on provider, or on the global provider
// when provider is nil.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: provider.Meter("github.com/absmach/dispatcher"),
	}

	var err error

	m.messagesTotal, err = m.meter.Int64Counter(
		"dispatch.messages.total",
		metric.WithDescription("Messages handled by dispatch loops, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesTotal counter: %w", err)
	}

	m.fanOutTargets, err = m.meter.Int64Histogram(
		"dispatch.fanout.targets",
		metric.WithDescription("Work items created per dispatched message"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fanOutTargets histogram: %w", err)
	}

	m.executionsTotal, err = m.meter.Int64Counter(
		"executor.items.total",
		metric.WithDescription("Work items processed by executors, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create executionsTotal counter: %w", err)
	}

	m.executionTime, err = m.meter.Float64Histogram(
		"executor.process.duration.ms",
		metric.WithDescription("Work item processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create executionTime histogram: %w", err)
	}

	m.ingestedTotal, err = m.meter.Int64Counter(
		"ingest.messages.total",
		metric.WithDescription("Envelopes appended through the ingest endpoint"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestedTotal counter: %w", err)
	}

	if m.cacheHits, err = m.meter.Int64ObservableCounter("cache.hits.total"); err != nil {
		return nil, fmt.Errorf("failed to create cacheHits counter: %w", err)
	}
	if m.cacheMisses, err = m.meter.Int64ObservableCounter("cache.misses.total"); err != nil {
		return nil, fmt.Errorf("failed to create cacheMisses counter: %w", err)
	}
	if m.cacheRefreshes, err = m.meter.Int64ObservableCounter("cache.refreshes.total"); err != nil {
		return nil, fmt.Errorf("failed to create cacheRefreshes counter: %w", err)
	}
	if m.cacheDropped, err = m.meter.Int64ObservableCounter("cache.refreshes.dropped.total"); err != nil {
		return nil, fmt.Errorf("failed to create cacheDropped counter: %w", err)
	}
	if m.cacheFailures, err = m.meter.Int64ObservableCounter("cache.refreshes.failed.total"); err != nil {
		return nil, fmt.Errorf("failed to create cacheFailures counter: %w", err)
	}
	if m.cacheEntries, err = m.meter.Int64ObservableGauge("cache.entries"); err != nil {
		return nil, fmt.Errorf("failed to create cacheEntries gauge: %w", err)
	}

	return m, nil
}

// RecordDispatch counts one handled message.
func (m *Metrics) RecordDispatch(ctx context.Context, loop, outcome string) {
	m.messagesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("loop", loop),
		attribute.String("outcome", outcome),
	))
}

// RecordFanOut records the number of targets a message was sent to.
func (m *Metrics) RecordFanOut(ctx context.Context, loop string, targets int) {
	m.fanOutTargets.Record(ctx, int64(targets), metric.WithAttributes(
		attribute.String("loop", loop),
	))
}

// RecordExecution counts one processed work item.
func (m *Metrics) RecordExecution(ctx context.Context, target, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("target_id", target),
		attribute.String("outcome", outcome),
	)
	m.executionsTotal.Add(ctx, 1, attrs)
	m.executionTime.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// RecordIngest counts envelopes accepted by the ingest endpoint.
func (m *Metrics) RecordIngest(ctx context.Context, topic string) {
	m.ingestedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

// ObserveCache reports the cache counters on every collection. The returned
// registration should be unregistered when the cache is closed.
func (m *Metrics) ObserveCache(name string, stats func() cache.Stats) (metric.Registration, error) {
	attrs := metric.WithAttributes(attribute.String("cache", name))

	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(m.cacheHits, s.Hits, attrs)
		o.ObserveInt64(m.cacheMisses, s.Misses, attrs)
		o.ObserveInt64(m.cacheRefreshes, s.Refreshes, attrs)
		o.ObserveInt64(m.cacheDropped, s.Dropped, attrs)
		o.ObserveInt64(m.cacheFailures, s.Failures, attrs)
		o.ObserveInt64(m.cacheEntries, int64(s.Entries), attrs)
		return nil
	}, m.cacheHits, m.cacheMisses, m.cacheRefreshes, m.cacheDropped, m.cacheFailures, m.cacheEntries)
}
