// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLog(t *testing.T, opts ...Option) *Log {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(db, opts...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLog_AppendAndRead(t *testing.T) {
	l := setupTestLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec, err := l.Append(ctx, "events", 0, []byte("k"), []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), rec.Offset)
	}

	rec, ok, err := l.Read(ctx, "events", 0, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), rec.Offset)
	assert.Equal(t, []byte("v1"), rec.Value)
	assert.Equal(t, []byte("k"), rec.Key)

	_, ok, err = l.Read(ctx, "events", 0, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	hw, err := l.HighWatermark(ctx, "events", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), hw)
}

func TestLog_PartitionsAreIsolated(t *testing.T) {
	l := setupTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "events", 10, nil, []byte("p10"))
	require.NoError(t, err)

	_, ok, err := l.Read(ctx, "events", 1, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	rec, ok, err := l.Read(ctx, "events", 10, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("p10"), rec.Value)
}

func TestLog_InvalidTopic(t *testing.T) {
	l := setupTestLog(t)

	for _, topic := range []string{"", "a:b"} {
		_, err := l.Append(context.Background(), topic, 0, nil, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidTopic)
	}

	_, err := l.Append(context.Background(), "events", -1, nil, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidPartition)
}

func TestLog_CommitIsPerGroup(t *testing.T) {
	l := setupTestLog(t)
	ctx := context.Background()

	off, err := l.Committed(ctx, "g1", "events", 0)
	require.NoError(t, err)
	assert.Zero(t, off)

	require.NoError(t, l.Commit(ctx, "g1", "events", 0, 7))

	off, err = l.Committed(ctx, "g1", "events", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), off)

	off, err = l.Committed(ctx, "g2", "events", 0)
	require.NoError(t, err)
	assert.Zero(t, off)

	assert.ErrorIs(t, l.Commit(ctx, "", "events", 0, 1), ErrEmptyGroup)
}

func TestConsumer_FetchInOrderAndResume(t *testing.T) {
	l := setupTestLog(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, "events", 0, nil, []byte{byte(i)})
		require.NoError(t, err)
	}

	cfg := ConsumerConfig{Group: "dispatcher", Topic: "events", Partition: 0}
	c, err := NewConsumer(l, cfg)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rec, err := c.Fetch(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), rec.Offset)
	}
	require.NoError(t, c.Commit(ctx))

	// Read one more without committing: it must be replayed.
	rec, err := c.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Offset)

	c2, err := NewConsumer(l, cfg)
	require.NoError(t, err)
	rec, err = c2.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Offset)
}

func TestConsumer_WaitsForNewRecords(t *testing.T) {
	l := setupTestLog(t)

	c, err := NewConsumer(l, ConsumerConfig{
		Group:        "dispatcher",
		Topic:        "events",
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		l.Append(context.Background(), "events", 0, nil, []byte("late"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec, err := c.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), rec.Value)
}

func TestConsumer_FetchCanceled(t *testing.T) {
	l := setupTestLog(t)

	c, err := NewConsumer(l, ConsumerConfig{Group: "g", Topic: "events", PollInterval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.Fetch(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConsumer_Delay(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	l := setupTestLog(t, WithClock(clock.Now))
	ctx := context.Background()

	_, err := l.Append(ctx, "retry", 0, nil, []byte("again"))
	require.NoError(t, err)

	c, err := NewConsumer(l, ConsumerConfig{Group: "g", Topic: "retry", Delay: 10 * time.Second})
	require.NoError(t, err)

	var waited []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		waited = append(waited, d)
		clock.Advance(d)
		return nil
	}

	clock.Advance(4 * time.Second)
	rec, err := c.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), rec.Value)
	assert.Equal(t, []time.Duration{6 * time.Second}, waited)
}

func TestProducer_Partition(t *testing.T) {
	l := setupTestLog(t)

	p, err := NewProducer(l, "events", 4)
	require.NoError(t, err)

	key := []byte("tenant-a")
	first := p.Partition(key)
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 4)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, p.Partition(key))
	}

	rec, err := p.Send(context.Background(), key, []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, first, rec.Partition)
	assert.Equal(t, "events", rec.Topic)

	_, err = NewProducer(l, "events", 0)
	assert.ErrorIs(t, err, ErrInvalidPartition)
}

func corruptRecord(t *testing.T, l *Log, topic string, partition int, offset uint64) {
	t.Helper()

	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(makeRecordKey(topic, partition, offset), []byte("not json"))
	})
	require.NoError(t, err)
}

func TestConsumer_SkipsCorruptRecord(t *testing.T) {
	l := setupTestLog(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Append(ctx, "events", 0, nil, []byte{byte(i)})
		require.NoError(t, err)
	}
	corruptRecord(t, l, "events", 0, 0)

	cfg := ConsumerConfig{Group: "dispatcher", Topic: "events", Partition: 0}
	c, err := NewConsumer(l, cfg)
	require.NoError(t, err)

	_, err = c.Fetch(ctx)
	var cre *CorruptRecordError
	require.True(t, errors.As(err, &cre), "expected corrupt record error, got %v", err)
	assert.Equal(t, uint64(0), cre.Offset)
	assert.Equal(t, uint64(1), c.Position())
	require.NoError(t, c.Commit(ctx))

	rec, err := c.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Offset)
	assert.Equal(t, []byte{1}, rec.Value)

	// A restarted consumer resumes after the skipped record.
	c2, err := NewConsumer(l, cfg)
	require.NoError(t, err)
	rec, err = c2.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Offset)
}
