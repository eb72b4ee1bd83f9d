// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Producer appends records to a topic, choosing the partition from the key so
// that records sharing a key stay ordered.
type Producer struct {
	log        *Log
	topic      string
	partitions int
}

// NewProducer creates a producer for topic with the given partition count.
func NewProducer(log *Log, topic string, partitions int) (*Producer, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}
	if partitions < 1 {
		return nil, fmt.Errorf("%w: topic %s needs at least one partition", ErrInvalidPartition, topic)
	}
	return &Producer{log: log, topic: topic, partitions: partitions}, nil
}

// Topic returns the topic this producer writes to.
func (p *Producer) Topic() string {
	return p.topic
}

// Send appends value to the partition owning key.
func (p *Producer) Send(ctx context.Context, key, value []byte) (Record, error) {
	return p.log.Append(ctx, p.topic, p.Partition(key), key, value)
}

// Partition returns the partition key maps to.
func (p *Producer) Partition(key []byte) int {
	if len(key) == 0 || p.partitions == 1 {
		return 0
	}
	return int(xxhash.Sum64(key) % uint64(p.partitions))
}
