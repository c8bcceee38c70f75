// Package memory provides the in-process work queue feeding the worker pool.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// ErrClosed is returned once the queue has been drained and closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations. The
// scheduler feeds it id chunks and requeued single-id items; workers drain
// it until Close.
type Queue struct {
	ch      chan ruc.WorkItem
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan ruc.WorkItem, capacity),
	}
}

// Enqueue pushes a work item or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item ruc.WorkItem) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation. A closed and
// drained queue returns ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (ruc.WorkItem, error) {
	select {
	case <-ctx.Done():
		return ruc.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return ruc.WorkItem{}, ErrClosed
		}
		return item, nil
	}
}

// Len reports the items currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Safe to call twice.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
