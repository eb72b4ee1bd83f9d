// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const (
	itemPrefix  = "wq:item:"
	seqPrefix   = "wq:seq:"
	leasePrefix = "wq:lease:"
	deadPrefix  = "wq:dead:"

	// Payloads at or above this size are stored zstd-compressed.
	compressThreshold = 256
)

// record is the stored form of an item.
type record struct {
	Seq           uint64     `json:"seq"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	TraceID       uuid.UUID  `json:"trace_id"`
	EventSourceID uuid.UUID  `json:"event_source_id"`
	TargetID      uuid.UUID  `json:"target_id"`
	Payload       []byte     `json:"payload"`
	Compressed    bool       `json:"compressed,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	VisibleAt     time.Time  `json:"visible_at"`
	Deliveries    int        `json:"deliveries"`
	Token         LeaseToken `json:"token,omitempty"`
	FailedAt      time.Time  `json:"failed_at,omitzero"`
}

// Config holds work-queue settings.
type Config struct {
	// VisibilityTimeout is how long a pulled item stays invisible to other pulls.
	VisibilityTimeout time.Duration
	// Retention bounds how long unacknowledged items and dead items are kept.
	Retention time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// Store is a BadgerDB-backed Client.
type Store struct {
	db         *badger.DB
	visibility time.Duration
	retention  time.Duration
	now        func() time.Time
	enc        *zstd.Encoder
	dec        *zstd.Decoder

	// Pull and Enqueue are read-modify-write; serializing them avoids
	// transaction conflicts between goroutines of this process.
	mu sync.Mutex
}

var _ Client = (*Store)(nil)

// New creates a work-queue store over an open BadgerDB.
func New(db *badger.DB, cfg Config) (*Store, error) {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 10 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Store{
		db:         db,
		visibility: cfg.VisibilityTimeout,
		retention:  cfg.Retention,
		now:        cfg.Now,
		enc:        enc,
		dec:        dec,
	}, nil
}

// Enqueue appends item to its target's queue.
func (s *Store) Enqueue(ctx context.Context, item Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := s.now()
	rec := record{
		TenantID:      item.TenantID,
		TraceID:       item.TraceID,
		EventSourceID: item.EventSourceID,
		TargetID:      item.TargetID,
		Payload:       item.Payload,
		EnqueuedAt:    now,
		VisibleAt:     now,
	}
	if len(item.Payload) >= compressThreshold {
		rec.Payload = s.enc.EncodeAll(item.Payload, nil)
		rec.Compressed = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		seqKey := []byte(seqPrefix + item.TargetID.String())
		seq, err := readUint64(txn, seqKey)
		if err != nil {
			return err
		}
		rec.Seq = seq

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.SetEntry(badger.NewEntry(makeKey(itemPrefix, item.TargetID, seq), data).WithTTL(s.retention)); err != nil {
			return err
		}
		return txn.Set(seqKey, binary.BigEndian.AppendUint64(nil, seq+1))
	})
}

// Pull leases the oldest visible item for target.
func (s *Store) Pull(ctx context.Context, target uuid.UUID) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var lease *Lease

	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := targetPrefix(itemPrefix, target)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var rec record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.VisibleAt.After(now) {
				continue
			}

			key := it.Item().KeyCopy(nil)
			if rec.Token != "" {
				if err := txn.Delete([]byte(leasePrefix + string(rec.Token))); err != nil {
					return err
				}
			}
			rec.Token = LeaseToken(uuid.NewString())
			rec.VisibleAt = now.Add(s.visibility)
			rec.Deliveries++

			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.SetEntry(badger.NewEntry(key, data).WithTTL(s.retention)); err != nil {
				return err
			}
			if err := txn.SetEntry(badger.NewEntry([]byte(leasePrefix+string(rec.Token)), key).WithTTL(s.retention)); err != nil {
				return err
			}

			item, err := s.toItem(rec)
			if err != nil {
				return err
			}
			lease = &Lease{
				Token:      rec.Token,
				Item:       item,
				Deliveries: rec.Deliveries,
				ExpiresAt:  rec.VisibleAt,
			}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pull work for %s: %w", target, err)
	}

	return lease, nil
}

// Ack removes the item held by token. Acking a lease that lapsed and was
// taken by another pull returns ErrLeaseNotFound.
func (s *Store) Ack(ctx context.Context, token LeaseToken, outcome Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		leaseKey := []byte(leasePrefix + string(token))
		li, err := txn.Get(leaseKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrLeaseNotFound
		}
		if err != nil {
			return err
		}
		itemKey, err := li.ValueCopy(nil)
		if err != nil {
			return err
		}

		ii, err := txn.Get(itemKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrLeaseNotFound
		}
		if err != nil {
			return err
		}
		var rec record
		if err := ii.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		if rec.Token != token {
			return ErrLeaseNotFound
		}

		if err := txn.Delete(itemKey); err != nil {
			return err
		}
		if err := txn.Delete(leaseKey); err != nil {
			return err
		}

		if outcome == OutcomeFailure {
			rec.FailedAt = s.now()
			rec.Token = ""
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			return txn.SetEntry(badger.NewEntry(makeKey(deadPrefix, rec.TargetID, rec.Seq), data).WithTTL(s.retention))
		}
		return nil
	})
}

// Count returns the number of unacknowledged items for target.
func (s *Store) Count(ctx context.Context, target uuid.UUID) (int, error) {
	return s.count(targetPrefix(itemPrefix, target))
}

// ListDead returns up to limit permanently failed items for target.
func (s *Store) ListDead(ctx context.Context, target uuid.UUID, limit int) ([]Item, error) {
	items := make([]Item, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := targetPrefix(deadPrefix, target)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix) && (limit <= 0 || len(items) < limit); it.Next() {
			var rec record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			item, err := s.toItem(rec)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})

	return items, err
}

// Close releases the codec resources. The database is owned by the caller.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return nil
}

func (s *Store) count(prefix []byte) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *Store) toItem(rec record) (Item, error) {
	payload := rec.Payload
	if rec.Compressed {
		var err error
		payload, err = s.dec.DecodeAll(rec.Payload, nil)
		if err != nil {
			return Item{}, fmt.Errorf("failed to decompress payload: %w", err)
		}
	}

	return Item{
		Payload:       payload,
		TenantID:      rec.TenantID,
		TraceID:       rec.TraceID,
		EventSourceID: rec.EventSourceID,
		TargetID:      rec.TargetID,
	}, nil
}

func targetPrefix(prefix string, target uuid.UUID) []byte {
	return []byte(prefix + target.String() + ":")
}

func makeKey(prefix string, target uuid.UUID, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(targetPrefix(prefix, target), seq)
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
			return fmt.Errorf("corrupt sequence %q", key)
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}
