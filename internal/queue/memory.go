package queue

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const memoryPollInterval = 10 * time.Millisecond

// MemoryQueue is an in-process queue with the same lease and redrive rules as
// the networked drivers. Used by tests and single-process local runs.
type MemoryQueue struct {
	mu              sync.Mutex
	visibility      time.Duration
	maxReceiveCount int
	seq             int64
	ready           []string
	messages        map[string]*memoryMessage
	dead            [][]byte
	closed          bool
}

type memoryMessage struct {
	body       []byte
	count      int
	enqueuedAt time.Time
	leased     bool
	visibleAt  time.Time
}

func NewMemoryQueue(visibility time.Duration, maxReceiveCount int) *MemoryQueue {
	if visibility <= 0 {
		visibility = defaultVisibility
	}
	if maxReceiveCount <= 0 {
		maxReceiveCount = defaultMaxReceiveCount
	}
	return &MemoryQueue{
		visibility:      visibility,
		maxReceiveCount: maxReceiveCount,
		messages:        make(map[string]*memoryMessage),
	}
}

func (q *MemoryQueue) Send(_ context.Context, body []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}

	q.seq++
	id := "mem-" + strconv.FormatInt(q.seq, 10)
	q.messages[id] = &memoryMessage{body: bytes.Clone(body), enqueuedAt: time.Now().UTC()}
	q.ready = append(q.ready, id)
	return id, nil
}

func (q *MemoryQueue) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		d, err := q.receiveOnce()
		if err != nil || d != nil {
			return d, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if !sleepCtx(ctx, min(remaining, memoryPollInterval)) {
			return nil, nil
		}
	}
}

func (q *MemoryQueue) receiveOnce() (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	now := time.Now()
	for id, m := range q.messages {
		if m.leased && !now.Before(m.visibleAt) {
			m.leased = false
			q.ready = append(q.ready, id)
		}
	}

	for len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]
		m, ok := q.messages[id]
		if !ok || m.leased {
			continue
		}
		m.count++
		if m.count > q.maxReceiveCount {
			q.dead = append(q.dead, m.body)
			delete(q.messages, id)
			continue
		}
		m.leased = true
		m.visibleAt = now.Add(q.visibility)
		return &Delivery{
			ID:            id,
			Body:          bytes.Clone(m.body),
			ReceiveCount:  m.count,
			EnqueuedAt:    m.enqueuedAt,
			ReceiptHandle: id + ":" + strconv.Itoa(m.count),
		}, nil
	}
	return nil, nil
}

func (q *MemoryQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, id, err := q.lookup(receiptHandle)
	if err != nil {
		return err
	}
	delete(q.messages, id)
	return nil
}

func (q *MemoryQueue) ChangeVisibility(_ context.Context, receiptHandle string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, _, err := q.lookup(receiptHandle)
	if err != nil {
		return err
	}
	if !m.leased {
		return ErrStaleReceipt
	}
	m.visibleAt = time.Now().Add(timeout)
	return nil
}

func (q *MemoryQueue) lookup(receiptHandle string) (*memoryMessage, string, error) {
	id, countStr, ok := strings.Cut(receiptHandle, ":")
	count, err := strconv.Atoi(countStr)
	if !ok || err != nil {
		return nil, "", fmt.Errorf("queue: malformed receipt handle %q", receiptHandle)
	}
	m, exists := q.messages[id]
	if !exists || m.count != count {
		return nil, "", ErrStaleReceipt
	}
	return m, id, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// DeadLetters returns the bodies moved to the dead-letter sibling.
func (q *MemoryQueue) DeadLetters() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.dead))
	for i, b := range q.dead {
		out[i] = bytes.Clone(b)
	}
	return out
}

// Len reports messages not yet deleted or dead-lettered, leased or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
