// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fleetagent/message"
	"github.com/absmach/fleetagent/persist"
	"github.com/absmach/fleetagent/store"
	"github.com/absmach/fleetagent/transport"
)

type fakeIdentity struct {
	secureID string
	cleared  int
}

func (f *fakeIdentity) SecureID() string { return f.secureID }
func (f *fakeIdentity) ClearSecureID()   { f.secureID = ""; f.cleared++ }

type fakeResync struct{ count int }

func (f *fakeResync) Resynchronize() { f.count++ }

type fakeFlusher struct{ count int }

func (f *fakeFlusher) Exchange(context.Context) { f.count++ }

func newStore(t *testing.T) *store.MessageStore {
	t.Helper()
	p, err := persist.NewFileStore(filepath.Join(t.TempDir(), "state.json"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	ms := store.New(p, nil)
	ms.SetAcceptedTypes([]string{"test", "register"})
	return ms
}

func newEngine(t *testing.T, ms *store.MessageStore, tr transport.Transport) *Engine {
	t.Helper()
	return New(Config{}, ms, tr, &fakeIdentity{secureID: "secure-1"}, nil)
}

func TestRunOnce_SendsPendingBatch(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	e := newEngine(t, ms, fk)

	for i := 0; i < 3; i++ {
		_, err := ms.Add(message.Message{"type": "test", "n": i})
		require.NoError(t, err)
	}

	require.NoError(t, e.RunOnce(context.Background()))

	require.Equal(t, 1, fk.ExchangeCount())
	p := fk.Payloads()[0]
	assert.Equal(t, message.API, p.API)
	assert.Equal(t, "secure-1", p.ComputerID)
	assert.Equal(t, uint64(1), p.Sequence)
	assert.Len(t, p.Messages, 3)
	assert.Equal(t, 3, p.TotalMessages)
}

func TestRunOnce_SkipsEmptyNonUrgent(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	e := newEngine(t, ms, fk)

	require.NoError(t, e.RunOnce(context.Background()))
	assert.Equal(t, 0, fk.ExchangeCount(), "nothing pending, nothing urgent: no exchange")
}

func TestRunOnce_UrgentForcesEmptyExchange(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	e := newEngine(t, ms, fk)

	e.Urgent()
	require.NoError(t, e.RunOnce(context.Background()))

	require.Equal(t, 1, fk.ExchangeCount())
	assert.Empty(t, fk.Payloads()[0].Messages)
	assert.False(t, e.IsUrgent(), "success clears urgency")
}

func TestRunOnce_HeartbeatSendsEmptyExchange(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	e := New(Config{Heartbeat: true}, ms, fk, nil, nil)

	require.NoError(t, e.RunOnce(context.Background()))
	assert.Equal(t, 1, fk.ExchangeCount())
}

func TestRunOnce_AppliesAcknowledgment(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	e := newEngine(t, ms, fk)

	for i := 0; i < 3; i++ {
		_, err := ms.Add(message.Message{"type": "test"})
		require.NoError(t, err)
	}

	// Server confirms sequences 1 and 2.
	fk.QueueResponse(&transport.Response{NextExpectedSequence: 3})
	require.NoError(t, e.RunOnce(context.Background()))

	assert.Equal(t, 1, ms.PendingCount())
	assert.Equal(t, uint64(2), ms.AckSequence())
	assert.Equal(t, 0, e.FailureCount())
}

func TestRunOnce_AppliesAcceptedTypes(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	e := newEngine(t, ms, fk)

	_, err := ms.Add(message.Message{"type": "test"})
	require.NoError(t, err)

	fk.QueueResponse(&transport.Response{
		NextExpectedSequence: 2,
		AcceptedTypes:        []string{"register", "other"},
	})
	require.NoError(t, e.RunOnce(context.Background()))

	assert.Equal(t, []string{"other", "register"}, ms.AcceptedTypes())
	assert.False(t, ms.Accepts("test"))
}

func TestRunOnce_DispatchesServerMessages(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	e := newEngine(t, ms, fk)

	var got []message.Message
	e.Handle("set-id", func(_ context.Context, msg message.Message) error {
		got = append(got, msg)
		return nil
	})

	fk.QueueResponse(&transport.Response{
		Messages: []message.Message{
			{"type": "set-id", "id": "abc"},
			{"type": "unknown-thing"},
		},
	})

	e.Urgent()
	require.NoError(t, e.RunOnce(context.Background()))

	require.Len(t, got, 1)
	assert.Equal(t, "abc", got[0]["id"])
}

func TestRunOnce_ResynchronizeFiresHooks(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	e := newEngine(t, ms, fk)

	rs := &fakeResync{}
	e.AddResynchronizer(rs)

	fk.QueueResponse(&transport.Response{Resynchronize: true})
	e.Urgent()
	require.NoError(t, e.RunOnce(context.Background()))

	assert.Equal(t, 1, rs.count)
}

func TestRunOnce_FailureKeepsPendingAndCounts(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	e := newEngine(t, ms, fk)

	_, err := ms.Add(message.Message{"type": "test"})
	require.NoError(t, err)

	fk.QueueError(transport.ErrTransport)
	err = e.RunOnce(context.Background())
	assert.ErrorIs(t, err, transport.ErrTransport)

	assert.Equal(t, 1, ms.PendingCount(), "failed transmission must not drop messages")
	assert.Equal(t, 1, e.FailureCount())

	// Next exchange retransmits the same sequence.
	require.NoError(t, e.RunOnce(context.Background()))
	assert.Equal(t, fk.Payloads()[0].Sequence, fk.Payloads()[1].Sequence)
	assert.Equal(t, 0, e.FailureCount(), "success resets the failure count")
}

func TestRunOnce_IdentityRejectionClearsCredential(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	id := &fakeIdentity{secureID: "secure-1"}
	e := New(Config{}, ms, fk, id, nil)

	rejected := 0
	e.OnIdentityRejected(func() { rejected++ })

	_, err := ms.Add(message.Message{"type": "test"})
	require.NoError(t, err)

	fk.QueueError(transport.ErrIdentityRejected)
	err = e.RunOnce(context.Background())
	assert.ErrorIs(t, err, transport.ErrIdentityRejected)

	assert.Equal(t, 1, id.cleared)
	assert.Equal(t, "", id.SecureID())
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, ms.PendingCount(), "queued messages survive re-registration")
}

func TestRunOnce_InvokesFlushersFirst(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	e := newEngine(t, ms, fk)

	fl := &fakeFlusher{}
	e.AddFlusher(fl)

	e.Urgent()
	require.NoError(t, e.RunOnce(context.Background()))
	assert.Equal(t, 1, fl.count)
}

func TestRunOnce_BatchRespectsMaxBatch(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	e := New(Config{MaxBatch: 2}, ms, fk, nil, nil)

	for i := 0; i < 5; i++ {
		_, err := ms.Add(message.Message{"type": "test"})
		require.NoError(t, err)
	}

	require.NoError(t, e.RunOnce(context.Background()))

	p := fk.Payloads()[0]
	assert.Len(t, p.Messages, 2)
	assert.Equal(t, 5, p.TotalMessages)
}

func TestRunOnce_KeepsUrgencyWhileBacklogRemains(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	e := New(Config{MaxBatch: 2}, ms, fk, nil, nil)

	for i := 0; i < 5; i++ {
		_, err := ms.Add(message.Message{"type": "test"})
		require.NoError(t, err)
	}

	e.Urgent()
	fk.QueueResponse(&transport.Response{NextExpectedSequence: 3})
	require.NoError(t, e.RunOnce(context.Background()))

	assert.Equal(t, 3, ms.PendingCount())
	assert.True(t, e.IsUrgent(), "a truncated batch leaves the urgent flag set")

	fk.QueueResponse(&transport.Response{NextExpectedSequence: 6})
	require.NoError(t, e.RunOnce(context.Background()))

	assert.Equal(t, 0, ms.PendingCount())
	assert.False(t, e.IsUrgent(), "urgency clears once the queue drains")
}

func TestBackoffDelay_DoublesUpToCap(t *testing.T) {
	e := New(Config{
		BackoffBase: time.Minute,
		BackoffCap:  10 * time.Minute,
	}, newStore(t), transport.NewFake(), nil, nil)

	assert.Equal(t, time.Minute, e.backoffDelay(1))
	assert.Equal(t, 2*time.Minute, e.backoffDelay(2))
	assert.Equal(t, 4*time.Minute, e.backoffDelay(3))
	assert.Equal(t, 8*time.Minute, e.backoffDelay(4))
	assert.Equal(t, 10*time.Minute, e.backoffDelay(5))
	assert.Equal(t, 10*time.Minute, e.backoffDelay(20))
}

func TestNextDelay(t *testing.T) {
	e := New(Config{
		Interval:       15 * time.Minute,
		UrgentInterval: time.Minute,
		BackoffBase:    2 * time.Minute,
	}, newStore(t), transport.NewFake(), nil, nil)

	assert.Equal(t, 15*time.Minute, e.nextDelay())

	e.Urgent()
	assert.Equal(t, time.Minute, e.nextDelay())

	e.mu.Lock()
	e.failures = 2
	e.mu.Unlock()
	assert.Equal(t, 4*time.Minute, e.nextDelay(), "backoff takes precedence over urgency")
}

func TestStart_DeliversOnUrgentSignal(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	e := New(Config{
		Interval:       time.Hour,
		UrgentInterval: time.Millisecond,
	}, ms, fk, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Start(ctx)

	_, err := ms.Add(message.Message{"type": "test"})
	require.NoError(t, err)
	e.Urgent()

	require.Eventually(t, func() bool { return fk.ExchangeCount() >= 1 },
		time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-e.Stopped():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestStart_UrgentRespectsSpacingFloor(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	e := New(Config{
		Interval:       time.Hour,
		UrgentInterval: 100 * time.Millisecond,
	}, ms, fk, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Start(ctx)

	e.Urgent()
	require.Eventually(t, func() bool { return fk.ExchangeCount() == 1 },
		time.Second, time.Millisecond)
	first := time.Now()

	e.Urgent()
	require.Eventually(t, func() bool { return fk.ExchangeCount() == 2 },
		time.Second, time.Millisecond)

	// Back-to-back urgency is throttled to the minimum spacing.
	assert.GreaterOrEqual(t, time.Since(first), 80*time.Millisecond)
}

func TestStart_UrgentDefersToBackoffAfterFailure(t *testing.T) {
	ms := newStore(t)
	fk := transport.NewFake()
	e := New(Config{
		Interval:       time.Hour,
		UrgentInterval: time.Millisecond,
		BackoffBase:    time.Hour,
	}, ms, fk, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Start(ctx)

	fk.QueueError(transport.ErrTransport)
	_, err := ms.Add(message.Message{"type": "test"})
	require.NoError(t, err)
	e.Urgent()

	require.Eventually(t, func() bool { return e.FailureCount() == 1 },
		time.Second, time.Millisecond)

	// Urgency must not shortcut the backoff window.
	e.Urgent()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fk.ExchangeCount())
	assert.True(t, e.IsUrgent(), "the request is kept for the backoff retry")
}
