// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stream implements an ordered, partitioned, offset-committed log on
// top of BadgerDB. It backs both the source stream and the retry channel.
package stream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	recordPrefix = "log:rec:"
	seqPrefix    = "log:seq:"
	commitPrefix = "log:commit:"
)

var (
	ErrInvalidTopic     = errors.New("invalid topic")
	ErrInvalidPartition = errors.New("invalid partition")
	ErrEmptyGroup       = errors.New("consumer group cannot be empty")
)

// CorruptRecordError reports a stored record that cannot be decoded.
type CorruptRecordError struct {
	Topic     string
	Partition int
	Offset    uint64
	Err       error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record %s/%d@%d: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *CorruptRecordError) Unwrap() error {
	return e.Err
}

// Record is one entry of a topic partition.
type Record struct {
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	Offset    uint64    `json:"offset"`
	Key       []byte    `json:"key,omitempty"`
	Value     []byte    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Log stores topic partitions and consumer group offsets.
type Log struct {
	db        *badger.DB
	retention time.Duration
	now       func() time.Time

	// Appends are serialized so offset allocation never conflicts.
	mu sync.Mutex
}

// Option configures a Log.
type Option func(*Log)

// WithRetention expires records after d. Zero keeps records for a year.
func WithRetention(d time.Duration) Option {
	return func(l *Log) {
		l.retention = d
	}
}

// WithClock overrides the clock used to timestamp records.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// New creates a log over an open BadgerDB.
func New(db *badger.DB, opts ...Option) *Log {
	l := &Log{
		db:        db,
		retention: 365 * 24 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.retention <= 0 {
		l.retention = 365 * 24 * time.Hour
	}
	return l
}

// Append writes value to the end of a topic partition and returns its offset.
func (l *Log) Append(ctx context.Context, topic string, partition int, key, value []byte) (Record, error) {
	if err := validateTopic(topic); err != nil {
		return Record{}, err
	}
	if partition < 0 {
		return Record{}, ErrInvalidPartition
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		Topic:     topic,
		Partition: partition,
		Key:       key,
		Value:     value,
		Timestamp: l.now(),
	}

	err := l.db.Update(func(txn *badger.Txn) error {
		seqKey := partitionKey(seqPrefix, topic, partition)
		next, err := readUint64(txn, seqKey)
		if err != nil {
			return err
		}
		rec.Offset = next

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.SetEntry(badger.NewEntry(makeRecordKey(topic, partition, next), data).WithTTL(l.retention)); err != nil {
			return err
		}
		return txn.Set(seqKey, encodeUint64(next+1))
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to append to %s/%d: %w", topic, partition, err)
	}

	return rec, nil
}

// Read returns the first record at or after offset from. The boolean is false
// when the partition has nothing at or after from.
func (l *Log) Read(ctx context.Context, topic string, partition int, from uint64) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	var (
		rec   Record
		found bool
	)
	prefix := partitionKey(recordPrefix, topic, partition)

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = 1

		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(makeRecordKey(topic, partition, from))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		found = true
		key := it.Item().Key()
		return it.Item().Value(func(val []byte) error {
			if err := json.Unmarshal(val, &rec); err != nil {
				return &CorruptRecordError{
					Topic:     topic,
					Partition: partition,
					Offset:    binary.BigEndian.Uint64(key[len(key)-8:]),
					Err:       err,
				}
			}
			return nil
		})
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read %s/%d@%d: %w", topic, partition, from, err)
	}

	return rec, found, nil
}

// HighWatermark returns the offset the next append to the partition will get.
func (l *Log) HighWatermark(ctx context.Context, topic string, partition int) (uint64, error) {
	var next uint64
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		next, err = readUint64(txn, partitionKey(seqPrefix, topic, partition))
		return err
	})
	return next, err
}

// Committed returns the next offset to read for a consumer group. A group with
// no commit starts at zero.
func (l *Log) Committed(ctx context.Context, group, topic string, partition int) (uint64, error) {
	if group == "" {
		return 0, ErrEmptyGroup
	}

	var offset uint64
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		offset, err = readUint64(txn, commitKey(group, topic, partition))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load committed offset: %w", err)
	}
	return offset, nil
}

// Commit stores next as the group's read position for the partition.
func (l *Log) Commit(ctx context.Context, group, topic string, partition int, next uint64) error {
	if group == "" {
		return ErrEmptyGroup
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(commitKey(group, topic, partition), encodeUint64(next))
	})
}

// validateTopic rejects names that would make partition key prefixes overlap.
func validateTopic(topic string) error {
	if topic == "" || strings.Contains(topic, ":") {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

func partitionKey(prefix, topic string, partition int) []byte {
	return []byte(fmt.Sprintf("%s%s:%d:", prefix, topic, partition))
}

func makeRecordKey(topic string, partition int, offset uint64) []byte {
	key := partitionKey(recordPrefix, topic, partition)
	return binary.BigEndian.AppendUint64(key, offset)
}

func commitKey(group, topic string, partition int) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%d", commitPrefix, group, topic, partition))
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func readUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt counter %q", key)
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}
