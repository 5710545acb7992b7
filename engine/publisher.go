package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event names streamed to run subscribers.
const (
	EventStepStarted   = "step_started"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
	EventLog           = "log"
	EventRunCompleted  = "run_completed"
)

// Event is one progress message of a run.
type Event struct {
	Name string
	Data string
}

// String renders the event as a server-sent-event block.
func (e Event) String() string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", e.Name, e.Data)
}

// queue is an unbounded FIFO of events for one run. Consumers compete for
// items; once closed and drained every consumer finishes.
type queue struct {
	mu       sync.Mutex
	items    []Event
	closed   bool
	closedAt time.Time
	changed  chan struct{}
}

func newQueue() *queue {
	return &queue{changed: make(chan struct{})}
}

// broadcast wakes all waiting consumers. Must hold q.mu.
func (q *queue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *queue) push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, ev)
	q.broadcast()
}

func (q *queue) close(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.closedAt = now
	q.broadcast()
}

// next blocks until an event is available. ok is false once the queue is
// closed and drained, or ctx is done.
func (q *queue) next(ctx context.Context) (Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		if q.closed {
			q.mu.Unlock()
			return Event{}, false
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

func (q *queue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

func (q *queue) expired(now time.Time, retention time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && now.Sub(q.closedAt) > retention
}

// Publisher owns the per-run event queues.
type Publisher struct {
	mu        sync.Mutex
	queues    map[string]*queue
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewPublisher returns a publisher that forgets closed, unconsumed queues
// after retention.
func NewPublisher(retention time.Duration, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		queues:    make(map[string]*queue),
		retention: retention,
		now:       time.Now,
		logger:    logger,
	}
}

// Ensure creates the queue for runID if it does not exist.
func (p *Publisher) Ensure(runID string) {
	p.ensure(runID)
}

func (p *Publisher) ensure(runID string) *queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purgeLocked()
	q, ok := p.queues[runID]
	if !ok {
		q = newQueue()
		p.queues[runID] = q
	}
	return q
}

// Publish appends ev to the run's queue, creating the queue if needed.
func (p *Publisher) Publish(runID string, ev Event) {
	p.mu.Lock()
	_, ok := p.queues[runID]
	p.mu.Unlock()
	if !ok {
		p.logger.Info("event queue missing, creating it", "run_id", runID)
	}
	p.ensure(runID).push(ev)
}

// Close marks the end of the run's event stream.
func (p *Publisher) Close(runID string) {
	p.mu.Lock()
	q, ok := p.queues[runID]
	p.mu.Unlock()
	if ok {
		q.close(p.now())
	}
}

// Subscribe streams the run's events until its queue is closed and drained
// or ctx is done. It returns false if the run has no queue. Draining a
// closed queue releases it.
func (p *Publisher) Subscribe(ctx context.Context, runID string) (<-chan Event, bool) {
	p.mu.Lock()
	q, ok := p.queues[runID]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			ev, ok := q.next(ctx)
			if !ok {
				if q.drained() {
					p.release(runID, q)
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, true
}

func (p *Publisher) release(runID string, q *queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queues[runID] == q {
		delete(p.queues, runID)
	}
}

// Len returns the number of live queues.
func (p *Publisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues)
}

func (p *Publisher) purgeLocked() {
	if p.retention <= 0 {
		return
	}
	now := p.now()
	for id, q := range p.queues {
		if q.expired(now, p.retention) {
			delete(p.queues, id)
		}
	}
}
