package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()
	q := New(DefaultConfig())
	defer q.Close()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(t.Context(), 0x03, i)
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		msg, err := q.Dequeue(t.Context())
		require.NoError(t, err)
		assert.Equal(t, i, msg.Payload)
	}
}

func TestEnqueueFailsFastWhenFull(t *testing.T) {
	t.Parallel()
	q := New(Config{MaxSize: 2})
	defer q.Close()

	_, err := q.Enqueue(t.Context(), 0x03, "a")
	require.NoError(t, err)
	_, err = q.Enqueue(t.Context(), 0x03, "b")
	require.NoError(t, err)

	start := time.Now()
	_, err = q.Enqueue(t.Context(), 0x03, "c")
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "full queue must fail fast")
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	t.Parallel()
	q := New(DefaultConfig())
	q.Close()
	_, err := q.Enqueue(t.Context(), 0x03, "a")
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()
	q := New(DefaultConfig())
	defer q.Close()

	got := make(chan *Message, 1)
	go func() {
		msg, err := q.Dequeue(context.Background())
		if err == nil {
			got <- msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.Enqueue(t.Context(), 0x01, "late")
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Equal(t, "late", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe enqueue")
	}
}

func TestDequeueUnblocksOnClose(t *testing.T) {
	t.Parallel()
	q := New(DefaultConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock on close")
	}
}

func TestAckResolvesPendingMessage(t *testing.T) {
	t.Parallel()
	q := New(DefaultConfig())
	defer q.Close()

	msg, err := q.Enqueue(t.Context(), 0x03, "chunk")
	require.NoError(t, err)
	_, err = q.Dequeue(t.Context())
	require.NoError(t, err)

	q.TrackPending(msg)
	assert.Equal(t, 1, q.GetPendingCount())

	q.AckMessage(msg.ID, nil)
	assert.Equal(t, 0, q.GetPendingCount())

	select {
	case res := <-msg.Result:
		assert.NoError(t, res)
	default:
		t.Fatal("ack did not resolve result channel")
	}
}

func TestRetryPendingRestoresToHeadInOrder(t *testing.T) {
	t.Parallel()
	q := New(DefaultConfig())
	defer q.Close()

	// Send #1..#5, leave #4 and #5 unacked, then enqueue #6 while "down".
	var sent []*Message
	for i := 1; i <= 5; i++ {
		msg, err := q.Enqueue(t.Context(), 0x03, i)
		require.NoError(t, err)
		sent = append(sent, msg)
		_, err = q.Dequeue(t.Context())
		require.NoError(t, err)
	}
	q.TrackPending(sent[3])
	q.TrackPending(sent[4])
	_, err := q.Enqueue(t.Context(), 0x03, 6)
	require.NoError(t, err)

	restored := q.RetryPending()
	assert.Equal(t, 2, restored)

	// Restored pending messages come out before the newly queued one,
	// preserving their original relative order.
	for _, want := range []int{4, 5, 6} {
		msg, err := q.Dequeue(t.Context())
		require.NoError(t, err)
		assert.Equal(t, want, msg.Payload)
	}
}

func TestRetryPendingExhaustsRetries(t *testing.T) {
	t.Parallel()
	q := New(Config{MaxRetries: 2})
	defer q.Close()

	msg, err := q.Enqueue(t.Context(), 0x03, "x")
	require.NoError(t, err)
	_, err = q.Dequeue(t.Context())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		q.TrackPending(msg)
		require.Equal(t, 1, q.RetryPending())
		_, err = q.Dequeue(t.Context())
		require.NoError(t, err)
	}

	// Third failure goes over MaxRetries.
	q.TrackPending(msg)
	assert.Equal(t, 0, q.RetryPending())

	select {
	case res := <-msg.Result:
		assert.ErrorIs(t, res, ErrMaxRetries)
	case <-time.After(time.Second):
		t.Fatal("exhausted message did not resolve")
	}
}

func TestAckTimeoutRequeues(t *testing.T) {
	t.Parallel()
	q := New(Config{AckTimeout: 150 * time.Millisecond, MaxRetries: 3})
	defer q.Close()

	msg, err := q.Enqueue(t.Context(), 0x03, "slow")
	require.NoError(t, err)
	_, err = q.Dequeue(t.Context())
	require.NoError(t, err)
	q.TrackPending(msg)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	again, err := q.Dequeue(ctx)
	require.NoError(t, err, "expired message should be re-queued")
	assert.Equal(t, msg.ID, again.ID)
	assert.Equal(t, 1, again.Retries)
}

func TestCloseFailsPendingAndQueued(t *testing.T) {
	t.Parallel()
	q := New(DefaultConfig())

	inflight, err := q.Enqueue(t.Context(), 0x03, "inflight")
	require.NoError(t, err)
	_, err = q.Dequeue(t.Context())
	require.NoError(t, err)
	q.TrackPending(inflight)

	queued, err := q.Enqueue(t.Context(), 0x03, "queued")
	require.NoError(t, err)

	q.Close()
	q.Close() // idempotent

	for _, msg := range []*Message{queued, inflight} {
		select {
		case res := <-msg.Result:
			assert.ErrorIs(t, res, ErrQueueClosed)
		case <-time.After(time.Second):
			t.Fatal("close did not resolve message")
		}
	}
}

func TestEnqueueSyncResolvedBySendLoop(t *testing.T) {
	t.Parallel()
	q := New(DefaultConfig())
	defer q.Close()

	// Simulate the send loop: dequeue and resolve immediately.
	go func() {
		msg, err := q.Dequeue(context.Background())
		if err == nil {
			msg.Result <- nil
		}
	}()

	require.NoError(t, q.EnqueueSync(t.Context(), 0x05, "close-msg"))
}
