// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ConsumerConfig configures a partition consumer.
type ConsumerConfig struct {
	Group     string
	Topic     string
	Partition int

	// PollInterval is how long Fetch waits before re-checking an empty partition.
	PollInterval time.Duration

	// Delay holds each record back until Delay after it was appended. Retry
	// channels use it to space out redelivery.
	Delay time.Duration
}

// Consumer reads one topic partition in offset order on behalf of a group.
// A Consumer is not safe for concurrent use.
type Consumer struct {
	log      *Log
	cfg      ConsumerConfig
	position uint64
	loaded   bool
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewConsumer creates a consumer. Reading starts at the group's committed offset.
func NewConsumer(log *Log, cfg ConsumerConfig) (*Consumer, error) {
	if err := validateTopic(cfg.Topic); err != nil {
		return nil, err
	}
	if cfg.Group == "" {
		return nil, ErrEmptyGroup
	}
	if cfg.Partition < 0 {
		return nil, ErrInvalidPartition
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	return &Consumer{
		log:   log,
		cfg:   cfg,
		sleep: sleepCtx,
	}, nil
}

// Fetch blocks until the next record is available and returns it, advancing
// the consumer's read position past it. The position is only persisted by
// Commit. A record that cannot be decoded yields a *CorruptRecordError and
// the position still moves past it.
func (c *Consumer) Fetch(ctx context.Context) (Record, error) {
	if !c.loaded {
		offset, err := c.log.Committed(ctx, c.cfg.Group, c.cfg.Topic, c.cfg.Partition)
		if err != nil {
			return Record{}, err
		}
		c.position = offset
		c.loaded = true
	}

	for {
		rec, ok, err := c.log.Read(ctx, c.cfg.Topic, c.cfg.Partition, c.position)
		if err != nil {
			// Step past an undecodable record so a commit skips it.
			var cre *CorruptRecordError
			if errors.As(err, &cre) {
				c.position = cre.Offset + 1
			}
			return Record{}, err
		}
		if !ok {
			if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
				return Record{}, err
			}
			continue
		}

		if c.cfg.Delay > 0 {
			if wait := rec.Timestamp.Add(c.cfg.Delay).Sub(c.log.now()); wait > 0 {
				if err := c.sleep(ctx, wait); err != nil {
					return Record{}, err
				}
			}
		}

		c.position = rec.Offset + 1
		return rec, nil
	}
}

// Position returns the offset Fetch will read next.
func (c *Consumer) Position() uint64 {
	return c.position
}

// Commit persists the current read position for the group.
func (c *Consumer) Commit(ctx context.Context) error {
	if !c.loaded {
		return nil
	}
	if err := c.log.Commit(ctx, c.cfg.Group, c.cfg.Topic, c.cfg.Partition, c.position); err != nil {
		return fmt.Errorf("failed to commit %s/%d@%d: %w", c.cfg.Topic, c.cfg.Partition, c.position, err)
	}
	return nil
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
