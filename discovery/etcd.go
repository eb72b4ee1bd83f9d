// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdResolver reads registrations stored as keys of the form
// <prefix>/<key>/<target>. Values are ignored.
type EtcdResolver struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
}

// NewEtcdResolver creates a resolver over an existing client.
func NewEtcdResolver(client *clientv3.Client, prefix string, timeout time.Duration) *EtcdResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EtcdResolver{
		client:  client,
		prefix:  strings.TrimRight(prefix, "/"),
		timeout: timeout,
	}
}

// Register stores a key to target registration.
func (r *EtcdResolver) Register(ctx context.Context, key, target uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.client.Put(ctx, r.keyPrefix(key)+target.String(), ""); err != nil {
		return fmt.Errorf("failed to register target: %w", err)
	}
	return nil
}

func (r *EtcdResolver) Resolve(ctx context.Context, key uuid.UUID) ([]uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	prefix := r.keyPrefix(key)
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	targets := make([]uuid.UUID, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id, err := uuid.Parse(strings.TrimPrefix(string(kv.Key), prefix))
		if err != nil {
			return nil, fmt.Errorf("invalid registration %q: %w", kv.Key, err)
		}
		targets = append(targets, id)
	}

	return targets, nil
}

func (r *EtcdResolver) keyPrefix(key uuid.UUID) string {
	return r.prefix + "/" + key.String() + "/"
}
