// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/absmach/dispatcher/cache"
	"github.com/absmach/dispatcher/discovery"
	"github.com/absmach/dispatcher/envelope"
	"github.com/absmach/dispatcher/stream"
	"github.com/absmach/dispatcher/workqueue"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_LogToWorkQueue(t *testing.T) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tenant := uuid.New()
	t1, t2 := uuid.New(), uuid.New()

	resolver, err := discovery.NewStaticResolver(map[string][]string{
		tenant.String(): {t1.String(), t2.String()},
	})
	require.NoError(t, err)

	targets, err := cache.New(cache.Config{
		Capacity:   16,
		TTL:        time.Minute,
		Workers:    1,
		QueueDepth: 4,
	}, discovery.Populate(resolver, nil), nil)
	require.NoError(t, err)
	defer targets.Close()

	log := stream.New(db)
	retryProducer, err := stream.NewProducer(log, "events.retry", 1)
	require.NoError(t, err)
	consumer, err := stream.NewConsumer(log, stream.ConsumerConfig{
		Group:        "dispatcher",
		Topic:        "events",
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	queue, err := workqueue.New(db, workqueue.Config{})
	require.NoError(t, err)
	defer queue.Close()

	d, err := New[[]byte](
		Config{Name: "events", WorkerPoolSize: 4},
		NewLogSource[[]byte](consumer, envelope.Raw{}),
		targets,
		queue,
		NewRetryRouter[[]byte](retryProducer, envelope.Raw{}),
		envelope.Raw{},
		nil,
	)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	publish := func(payload string) envelope.Envelope[[]byte] {
		env := envelope.New(tenant, uuid.New(), uuid.New(), []byte(payload))
		data, err := envelope.Encode(env, envelope.Raw{})
		require.NoError(t, err)
		_, err = log.Append(ctx, "events", 0, tenant[:], data)
		require.NoError(t, err)
		return env
	}

	// Cold cache: the message goes to the retry topic untouched.
	first := publish("first")
	require.Eventually(t, func() bool {
		hw, err := log.HighWatermark(ctx, "events.retry", 0)
		return err == nil && hw == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec, ok, err := log.Read(ctx, "events.retry", 0, 0)
	require.NoError(t, err)
	require.True(t, ok)
	routed, err := envelope.Decode(rec.Value, envelope.Raw{})
	require.NoError(t, err)
	assert.Equal(t, first, routed)

	require.Eventually(t, func() bool {
		off, err := log.Committed(ctx, "dispatcher", "events", 0)
		return err == nil && off == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Wait for the background population before the next message.
	require.Eventually(t, func() bool {
		return targets.Stats().Entries == 1
	}, 5*time.Second, 10*time.Millisecond)

	publish("second")
	require.Eventually(t, func() bool {
		n1, err1 := queue.Count(ctx, t1)
		n2, err2 := queue.Count(ctx, t2)
		return err1 == nil && err2 == nil && n1 == 1 && n2 == 1
	}, 5*time.Second, 10*time.Millisecond)

	lease, err := queue.Pull(ctx, t1)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "second", string(lease.Item.Payload))
	assert.Equal(t, tenant, lease.Item.TenantID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}

func TestDispatch_CorruptRecordIsSkipped(t *testing.T) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tenant, target := uuid.New(), uuid.New()
	resolver, err := discovery.NewStaticResolver(map[string][]string{
		tenant.String(): {target.String()},
	})
	require.NoError(t, err)

	targets, err := cache.New(cache.Config{
		Capacity:   16,
		TTL:        time.Minute,
		Workers:    1,
		QueueDepth: 4,
	}, discovery.Populate(resolver, nil), nil)
	require.NoError(t, err)
	defer targets.Close()

	// Warm the cache so the valid message fans out directly.
	_, _, err = targets.Get(ctx, tenant)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return targets.Stats().Entries == 1
	}, 5*time.Second, 10*time.Millisecond)

	log := stream.New(db)

	_, err = log.Append(ctx, "events", 0, tenant[:], []byte("placeholder"))
	require.NoError(t, err)
	err = db.Update(func(txn *badger.Txn) error {
		key := binary.BigEndian.AppendUint64([]byte("log:rec:events:0:"), 0)
		return txn.Set(key, []byte("not json"))
	})
	require.NoError(t, err)

	env := envelope.New(tenant, uuid.New(), uuid.New(), []byte("valid"))
	data, err := envelope.Encode(env, envelope.Raw{})
	require.NoError(t, err)
	_, err = log.Append(ctx, "events", 0, tenant[:], data)
	require.NoError(t, err)

	retryProducer, err := stream.NewProducer(log, "events.retry", 1)
	require.NoError(t, err)
	consumer, err := stream.NewConsumer(log, stream.ConsumerConfig{
		Group:        "dispatcher",
		Topic:        "events",
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	queue, err := workqueue.New(db, workqueue.Config{})
	require.NoError(t, err)
	defer queue.Close()

	d, err := New[[]byte](
		Config{Name: "events", WorkerPoolSize: 4},
		NewLogSource[[]byte](consumer, envelope.Raw{}),
		targets,
		queue,
		NewRetryRouter[[]byte](retryProducer, envelope.Raw{}),
		envelope.Raw{},
		nil,
	)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := queue.Count(ctx, target)
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		off, err := log.Committed(ctx, "dispatcher", "events", 0)
		return err == nil && off == 2
	}, 5*time.Second, 10*time.Millisecond)

	lease, err := queue.Pull(ctx, target)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "valid", string(lease.Item.Payload))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}
