// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProcessor(t *testing.T) {
	cases := []struct {
		desc      string
		status    int
		wantErr   bool
		retriable bool
	}{
		{desc: "ok", status: http.StatusOK},
		{desc: "accepted", status: http.StatusAccepted},
		{desc: "server error", status: http.StatusBadGateway, wantErr: true, retriable: true},
		{desc: "throttled", status: http.StatusTooManyRequests, wantErr: true, retriable: true},
		{desc: "rejected", status: http.StatusUnprocessableEntity, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			item := newItem(uuid.New())

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, err := io.ReadAll(r.Body)
				assert.NoError(t, err)
				assert.Equal(t, item.Payload, body)
				assert.Equal(t, item.TenantID.String(), r.Header.Get("X-Tenant-ID"))
				assert.Equal(t, item.TargetID.String(), r.Header.Get("X-Target-ID"))
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			p, err := NewHTTPProcessor(srv.URL, time.Second)
			require.NoError(t, err)

			err = p.Process(context.Background(), item)
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.retriable, IsRetriable(err))
		})
	}
}

func TestHTTPProcessor_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, err := NewHTTPProcessor(url, time.Second)
	require.NoError(t, err)

	err = p.Process(context.Background(), newItem(uuid.New()))
	require.Error(t, err)
	assert.True(t, IsRetriable(err))
}
