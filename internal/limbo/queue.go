// Package limbo holds requests suspended while the network is marked down.
//
// Ownership boundary:
// - FIFO ordering of suspended requests
// - atomic drain on recovery
//
// Status changes are owned by netwatch; limbo never decides when to drain.
package limbo

import (
	"errors"
	"sync"
	"time"
)

var ErrAbandoned = errors.New("limbo: ticket abandoned")

// PendingRequest describes one suspended request for inspection.
type PendingRequest struct {
	ID       uint64    `json:"id"`
	Label    string    `json:"label"`
	QueuedAt time.Time `json:"queued_at"`
}

// Ticket is the deferred-result handle of one suspended request.
type Ticket struct {
	PendingRequest

	release chan struct{}
	settled chan struct{}
	once    sync.Once
	err     error
}

// Err is non-nil when the ticket was released by Cancel instead of a drain.
// Only valid after Released is closed.
func (t *Ticket) Err() error { return t.err }

// Released is closed when the queue drains this ticket.
func (t *Ticket) Released() <-chan struct{} { return t.release }

// Dispatched acknowledges that the released request has been handed to the
// transport. The drain does not release the next ticket before this.
func (t *Ticket) Dispatched() { t.settle() }

func (t *Ticket) settle() {
	t.once.Do(func() { close(t.settled) })
}

// Queue is a FIFO of tickets.
type Queue struct {
	mu     sync.Mutex
	items  []*Ticket
	nextID uint64
}

func NewQueue() *Queue {
	return &Queue{items: make([]*Ticket, 0)}
}

func (q *Queue) Push(label string, at time.Time) *Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	t := &Ticket{
		PendingRequest: PendingRequest{ID: q.nextID, Label: label, QueuedAt: at},
		release:        make(chan struct{}),
		settled:        make(chan struct{}),
	}
	q.items = append(q.items, t)
	return t
}

// Abandon removes a ticket whose caller gave up. It returns false when the
// ticket was already taken by a drain; the caller must then wait for release
// and acknowledge it.
func (q *Queue) Abandon(t *Ticket) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item == t {
			q.items = append(q.items[:i], q.items[i+1:]...)
			t.settle()
			return true
		}
	}
	return false
}

// Take detaches every ticket in FIFO order and clears the queue.
func (q *Queue) Take() []*Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = make([]*Ticket, 0)
	return out
}

// Release hands tickets back to their callers one at a time, waiting for each
// dispatch acknowledgement before releasing the next.
func Release(tickets []*Ticket) int {
	for _, t := range tickets {
		close(t.release)
		<-t.settled
	}
	return len(tickets)
}

// Cancel releases tickets with err without waiting for acknowledgements.
func Cancel(tickets []*Ticket, err error) {
	for _, t := range tickets {
		t.err = err
		close(t.release)
		t.settle()
	}
}

// Drain is Take followed by Release.
func (q *Queue) Drain() int {
	return Release(q.Take())
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) List() []PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingRequest, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item.PendingRequest)
	}
	return out
}
