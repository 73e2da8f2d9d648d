// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fleetagent/message"
)

func TestHTTPTransport_Exchange(t *testing.T) {
	var received Payload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		require.Equal(t, "computer-1", r.Header.Get("X-Computer-ID"))

		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		raw, err := io.ReadAll(zr)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &received))

		json.NewEncoder(w).Encode(Response{
			NextExpectedSequence: 3,
			AcceptedTypes:        []string{"test"},
			Resynchronize:        true,
		})
	}))
	defer srv.Close()

	tr := NewHTTP(HTTPConfig{URL: srv.URL}, nil)
	defer tr.Close()

	resp, err := tr.Exchange(context.Background(), &Payload{
		API:        message.API,
		ComputerID: "computer-1",
		Sequence:   1,
		Messages:   []message.Message{{"type": "test"}},
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(3), resp.NextExpectedSequence)
	assert.Equal(t, []string{"test"}, resp.AcceptedTypes)
	assert.True(t, resp.Resynchronize)

	assert.Equal(t, "computer-1", received.ComputerID)
	require.Len(t, received.Messages, 1)
	assert.Equal(t, "test", received.Messages[0].Type())
}

func TestHTTPTransport_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTP(HTTPConfig{URL: srv.URL}, nil)
	defer tr.Close()

	_, err := tr.Exchange(context.Background(), &Payload{})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestHTTPTransport_IdentityRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewHTTP(HTTPConfig{URL: srv.URL}, nil)
	defer tr.Close()

	_, err := tr.Exchange(context.Background(), &Payload{})
	assert.ErrorIs(t, err, ErrIdentityRejected)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestHTTPTransport_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	tr := NewHTTP(HTTPConfig{URL: srv.URL}, nil)
	defer tr.Close()

	_, err := tr.Exchange(context.Background(), &Payload{})
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestHTTPTransport_NetworkFailure(t *testing.T) {
	// Nothing listens here.
	tr := NewHTTP(HTTPConfig{
		URL:     "http://127.0.0.1:1",
		Timeout: time.Second,
	}, nil)
	defer tr.Close()

	_, err := tr.Exchange(context.Background(), &Payload{})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestHTTPTransport_CircuitBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewHTTP(HTTPConfig{
		URL:              srv.URL,
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	}, nil)
	defer tr.Close()

	for i := 0; i < 2; i++ {
		_, err := tr.Exchange(context.Background(), &Payload{})
		assert.ErrorIs(t, err, ErrTransport)
	}

	// Breaker is now open: the failure is reported without reaching the
	// server.
	_, err := tr.Exchange(context.Background(), &Payload{})
	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "circuit breaker")
}

func TestFake_ScriptedReplies(t *testing.T) {
	f := NewFake()
	f.QueueResponse(&Response{NextExpectedSequence: 2})
	f.QueueError(ErrTransport)

	resp, err := f.Exchange(context.Background(), &Payload{Sequence: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), resp.NextExpectedSequence)

	_, err = f.Exchange(context.Background(), &Payload{Sequence: 2})
	assert.ErrorIs(t, err, ErrTransport)

	assert.Equal(t, 2, f.ExchangeCount())
	assert.Equal(t, uint64(1), f.Payloads()[0].Sequence)
}
