// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startEtcd(t *testing.T) *clientv3.Client {
	t.Helper()

	cfg := embed.NewConfig()
	cfg.Name = "discovery-test"
	cfg.Dir = t.TempDir()
	cfg.Logger = "zap"
	cfg.LogLevel = "error"

	peerURL, err := url.Parse("http://" + freeAddr(t))
	require.NoError(t, err)
	clientURL, err := url.Parse("http://" + freeAddr(t))
	require.NoError(t, err)

	cfg.ListenPeerUrls = []url.URL{*peerURL}
	cfg.AdvertisePeerUrls = []url.URL{*peerURL}
	cfg.ListenClientUrls = []url.URL{*clientURL}
	cfg.AdvertiseClientUrls = []url.URL{*clientURL}
	cfg.InitialCluster = cfg.Name + "=" + peerURL.String()

	e, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(30 * time.Second):
		t.Fatal("etcd server took too long to start")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{clientURL.Host},
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func TestEtcdResolver(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded etcd test in short mode")
	}

	client := startEtcd(t)
	r := NewEtcdResolver(client, "/dispatcher/targets/", time.Second)
	ctx := context.Background()

	key := uuid.New()
	t1, t2 := uuid.New(), uuid.New()
	require.NoError(t, r.Register(ctx, key, t1))
	require.NoError(t, r.Register(ctx, key, t2))
	require.NoError(t, r.Register(ctx, uuid.New(), uuid.New()))

	got, err := r.Resolve(ctx, key)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{t1, t2}, got)

	_, err = r.Resolve(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
