package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/agentdesk/workstation/lib/logger"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
	ErrSendTimeout = errors.New("send timeout")
	ErrAckTimeout  = errors.New("acknowledgment timeout")
	ErrMaxRetries  = errors.New("max retries exceeded")
)

// Message represents a queued message with tracking info
type Message struct {
	ID        uint64
	Type      byte
	Payload   interface{}
	Result    chan error
	Timestamp time.Time
	Retries   int
}

type pendingEntry struct {
	msg      *Message
	deadline time.Time
}

// Queue is a bounded FIFO with an ACK correlation table. Messages restored
// from the pending table on reconnect go back to the HEAD of the queue, ahead
// of anything enqueued while the connection was down.
type Queue struct {
	mu      sync.Mutex
	items   []*Message
	pending map[uint64]*pendingEntry
	closed  bool
	seqNum  uint64

	notEmpty chan struct{}
	done     chan struct{}

	maxSize    int
	ackTimeout time.Duration
	maxRetries int
}

// Config holds queue configuration
type Config struct {
	MaxSize    int           // Maximum queue size
	AckTimeout time.Duration // Timeout waiting for ACK
	MaxRetries int           // Maximum send retries
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxSize:    1000,
		AckTimeout: 30 * time.Second,
		MaxRetries: 3,
	}
}

// New creates a new message queue and starts its ACK-expiry sweeper.
func New(cfg Config) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	q := &Queue{
		items:      make([]*Message, 0, cfg.MaxSize),
		pending:    make(map[uint64]*pendingEntry),
		notEmpty:   make(chan struct{}, 1),
		done:       make(chan struct{}),
		maxSize:    cfg.MaxSize,
		ackTimeout: cfg.AckTimeout,
		maxRetries: cfg.MaxRetries,
	}
	go q.sweepExpired()
	return q
}

// Enqueue appends a message. It never blocks: a full or closed queue fails
// immediately.
func (q *Queue) Enqueue(ctx context.Context, msgType byte, payload interface{}) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if len(q.items) >= q.maxSize {
		return nil, ErrQueueFull
	}

	q.seqNum++
	msg := &Message{
		ID:        q.seqNum,
		Type:      msgType,
		Payload:   payload,
		Result:    make(chan error, 1),
		Timestamp: time.Now(),
	}
	q.items = append(q.items, msg)
	q.signalLocked()
	return msg, nil
}

// EnqueueSync enqueues and waits until the message's result channel resolves.
func (q *Queue) EnqueueSync(ctx context.Context, msgType byte, payload interface{}) error {
	msg, err := q.Enqueue(ctx, msgType, payload)
	if err != nil {
		return err
	}

	select {
	case err := <-msg.Result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(q.ackTimeout * time.Duration(q.maxRetries+1)):
		return ErrSendTimeout
	}
}

// Dequeue pops the head message, blocking until one is available, the queue
// closes, or ctx is cancelled. There is a single consumer.
func (q *Queue) Dequeue(ctx context.Context) (*Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.signalLocked()
			}
			q.mu.Unlock()
			return msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
		case <-q.done:
			return nil, ErrQueueClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TrackPending registers a sent message in the ACK correlation table.
func (q *Queue) TrackPending(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[msg.ID] = &pendingEntry{msg: msg, deadline: time.Now().Add(q.ackTimeout)}
}

// AckMessage resolves a pending message with the given result.
func (q *Queue) AckMessage(msgID uint64, err error) {
	q.mu.Lock()
	entry, ok := q.pending[msgID]
	if ok {
		delete(q.pending, msgID)
	}
	q.mu.Unlock()

	if ok {
		resolve(entry.msg, err)
	}
}

// GetPendingCount returns the number of messages awaiting an ACK.
func (q *Queue) GetPendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// RetryPending drains the ACK table back into the queue HEAD, preserving the
// original send order. Messages over the retry cap resolve with a terminal
// error instead. Returns the number restored.
func (q *Queue) RetryPending() int {
	q.mu.Lock()

	restored := make([]*Message, 0, len(q.pending))
	var failed []*Message
	for id, entry := range q.pending {
		delete(q.pending, id)
		entry.msg.Retries++
		if entry.msg.Retries > q.maxRetries {
			failed = append(failed, entry.msg)
			continue
		}
		restored = append(restored, entry.msg)
	}
	sort.Slice(restored, func(i, j int) bool { return restored[i].ID < restored[j].ID })

	q.items = append(restored, q.items...)
	if len(q.items) > 0 {
		q.signalLocked()
	}
	q.mu.Unlock()

	for _, msg := range failed {
		logger.FromContext(context.Background()).Warn("message exceeded max retries", "id", msg.ID)
		resolve(msg, ErrMaxRetries)
	}
	return len(restored)
}

// Len returns the current queue length
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close fails every queued and pending message and releases the consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	queued := q.items
	q.items = nil
	pend := q.pending
	q.pending = make(map[uint64]*pendingEntry)
	close(q.done)
	q.mu.Unlock()

	for _, msg := range queued {
		resolve(msg, ErrQueueClosed)
	}
	for _, entry := range pend {
		resolve(entry.msg, ErrQueueClosed)
	}
}

// sweepExpired re-queues pending messages whose ACK window has elapsed.
func (q *Queue) sweepExpired() {
	interval := q.ackTimeout / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case now := <-ticker.C:
			q.expireLocked(now)
		}
	}
}

func (q *Queue) expireLocked(now time.Time) {
	q.mu.Lock()
	var expired []*Message
	var failed []*Message
	for id, entry := range q.pending {
		if now.Before(entry.deadline) {
			continue
		}
		delete(q.pending, id)
		entry.msg.Retries++
		if entry.msg.Retries > q.maxRetries {
			failed = append(failed, entry.msg)
			continue
		}
		expired = append(expired, entry.msg)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	q.items = append(expired, q.items...)
	if len(q.items) > 0 {
		q.signalLocked()
	}
	q.mu.Unlock()

	for _, msg := range failed {
		resolve(msg, ErrAckTimeout)
	}
}

func (q *Queue) signalLocked() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

func resolve(msg *Message, err error) {
	select {
	case msg.Result <- err:
	default:
	}
}
