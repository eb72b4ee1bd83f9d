// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/dispatcher/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumInt64(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is %T", m.Name, m.Data)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDispatch(ctx, "events", "dispatched")
	m.RecordDispatch(ctx, "events", "retried")
	m.RecordFanOut(ctx, "events", 3)
	m.RecordExecution(ctx, "t1", "success", 5*time.Millisecond)
	m.RecordIngest(ctx, "events")

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumInt64(t, got["dispatch.messages.total"]))
	assert.Equal(t, int64(1), sumInt64(t, got["executor.items.total"]))
	assert.Equal(t, int64(1), sumInt64(t, got["ingest.messages.total"]))

	hist, ok := got["dispatch.fanout.targets"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, int64(3), hist.DataPoints[0].Sum)
}

func TestMetrics_ObserveCache(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	reg, err := m.ObserveCache("targets", func() cache.Stats {
		return cache.Stats{Hits: 7, Misses: 2, Refreshes: 2, Entries: 1}
	})
	require.NoError(t, err)
	defer reg.Unregister()

	got := collect(t, reader)
	assert.Equal(t, int64(7), sumInt64(t, got["cache.hits.total"]))
	assert.Equal(t, int64(2), sumInt64(t, got["cache.misses.total"]))

	gauge, ok := got["cache.entries"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(1), gauge.DataPoints[0].Value)
}
