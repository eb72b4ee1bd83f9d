// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wiring

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/dispatcher/cache"
	"github.com/absmach/dispatcher/config"
	"github.com/absmach/dispatcher/discovery"
	"github.com/absmach/dispatcher/dispatch"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResolver(t *testing.T) {
	key, target := uuid.New(), uuid.New()

	cases := []struct {
		desc    string
		modify  func(*config.DiscoveryConfig)
		want    any
		wantErr error
	}{
		{
			desc: "static",
			modify: func(c *config.DiscoveryConfig) {
				c.Static = map[string][]string{key.String(): {target.String()}}
			},
			want: &discovery.StaticResolver{},
		},
		{
			desc: "http",
			modify: func(c *config.DiscoveryConfig) {
				c.Type = "http"
				c.HTTP.URL = "http://localhost:9000"
			},
			want: &discovery.HTTPResolver{},
		},
		{
			desc: "etcd",
			modify: func(c *config.DiscoveryConfig) {
				c.Type = "etcd"
			},
			want: &discovery.EtcdResolver{},
		},
		{
			desc: "unknown",
			modify: func(c *config.DiscoveryConfig) {
				c.Type = "dns"
			},
			wantErr: ErrUnknownDiscovery,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := config.Default().Discovery
			tc.modify(&cfg)

			r, closeFn, err := NewResolver(cfg, nil)
			require.NotNil(t, closeFn)
			defer closeFn()

			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tc.want, r)
		})
	}
}

func TestNewResolver_StaticResolves(t *testing.T) {
	key, target := uuid.New(), uuid.New()
	cfg := config.Default().Discovery
	cfg.Static = map[string][]string{key.String(): {target.String()}}

	r, _, err := NewResolver(cfg, nil)
	require.NoError(t, err)

	got, err := r.Resolve(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{target}, got)
}

func TestConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.RefreshFullPolicy = "block"
	cfg.Dispatcher.EnqueueFailurePolicy = "retry"

	cc := CacheConfig(cfg.Cache)
	assert.Equal(t, cfg.Cache.Capacity, cc.Capacity)
	assert.Equal(t, cfg.Cache.RefreshPoolSize, cc.Workers)
	assert.Equal(t, cfg.Cache.RefreshQueueDepth, cc.QueueDepth)
	assert.Equal(t, cache.BlockOnFull, cc.FullPolicy)

	dc := DispatchConfig("events-0", cfg.Dispatcher)
	assert.Equal(t, "events-0", dc.Name)
	assert.Equal(t, dispatch.RouteByTenant, dc.RouteBy)
	assert.Equal(t, dispatch.RetryOnEnqueueFailure, dc.OnEnqueueFail)

	wc := WorkQueueConfig(cfg.WorkQueue)
	assert.Equal(t, 30*time.Second, wc.VisibilityTimeout)
}
