package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"db-pipe/internal/record"
)

// ErrChannelClosed is returned by Push after Close.
var ErrChannelClosed = errors.New("pipeline: channel closed")

// Channel is a bounded FIFO of records between one dumper and one importer.
type Channel struct {
	ch     chan record.Record
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = 1
	}
	return &Channel{
		ch:   make(chan record.Record, capacity),
		done: make(chan struct{}),
	}
}

// Push appends records in order, blocking while the channel is full.
func (c *Channel) Push(ctx context.Context, records ...record.Record) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrChannelClosed
	}
	for _, r := range records {
		select {
		case c.ch <- r:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrChannelClosed
		}
	}
	return nil
}

// Pop returns the next record. ok is false once the channel is closed and drained.
func (c *Channel) Pop(ctx context.Context) (record.Record, bool, error) {
	select {
	case r, ok := <-c.ch:
		return r, ok, nil
	case <-ctx.Done():
		return record.Record{}, false, ctx.Err()
	}
}

// Fetch blocks for the first record, then collects up to max records or until window elapses.
// An empty result with a nil error means the channel is closed and drained.
func (c *Channel) Fetch(ctx context.Context, max int, window time.Duration) ([]record.Record, error) {
	first, ok, err := c.Pop(ctx)
	if err != nil || !ok {
		return nil, err
	}
	batch := []record.Record{first}
	timer := time.NewTimer(window)
	defer timer.Stop()
	for len(batch) < max {
		select {
		case r, ok := <-c.ch:
			if !ok {
				return batch, nil
			}
			batch = append(batch, r)
		case <-timer.C:
			return batch, nil
		case <-ctx.Done():
			return batch, nil
		}
	}
	return batch, nil
}

// Close stops further pushes. Buffered records remain readable. Safe to call repeatedly.
func (c *Channel) Close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}

func (c *Channel) Len() int { return len(c.ch) }
