// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	registered bool
	pending    int
	failures   int
}

func (f *fakeAgent) Registered() bool  { return f.registered }
func (f *fakeAgent) PendingCount() int { return f.pending }
func (f *fakeAgent) FailureCount() int { return f.failures }

func startServer(t *testing.T, agent Agent) string {
	t.Helper()

	s := New(Config{Address: "127.0.0.1:0"}, agent, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go s.Listen(ctx)

	require.Eventually(t, func() bool { return s.Addr() != "" },
		time.Second, 5*time.Millisecond)
	return "http://" + s.Addr()
}

func TestHealth_AlwaysHealthy(t *testing.T) {
	base := startServer(t, &fakeAgent{})

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReady_UnregisteredIsNotReady(t *testing.T) {
	base := startServer(t, &fakeAgent{registered: false})

	resp, err := http.Get(base + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body ReadyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Contains(t, body.Details, "not registered")
}

func TestReady_RegisteredIsReady(t *testing.T) {
	base := startServer(t, &fakeAgent{registered: true})

	resp, err := http.Get(base + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatus_ReportsQueueAndFailures(t *testing.T) {
	base := startServer(t, &fakeAgent{registered: true, pending: 7, failures: 2})

	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Registered)
	assert.Equal(t, 7, body.PendingMessages)
	assert.Equal(t, 2, body.ExchangeFailures)
}

func TestMethodNotAllowed(t *testing.T) {
	base := startServer(t, &fakeAgent{})

	resp, err := http.Post(base+"/health", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
