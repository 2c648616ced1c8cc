// Package poller multiplexes the per-project queues into a single stream of
// "next job to run" notifications, handed out one at a time.
package poller

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/crawlhq/spiderd/internal/metrics"
	"github.com/crawlhq/spiderd/internal/spiderd"
)

// QueueOpener creates or opens the queue for a project.
type QueueOpener func(project string) (spiderd.Queue, error)

// ProjectLister returns the set of currently known projects.
type ProjectLister func(ctx context.Context) ([]string, error)

// Poller owns one queue per known project and a single-slot delivery
// buffer. Poll fills the buffer from the queues; Next drains it. At most
// one unclaimed notification exists at any time, so the poller can never
// run ahead of its consumers.
type Poller struct {
	openQueue QueueOpener
	projects  ProjectLister
	logger    *zap.Logger

	mu      sync.Mutex
	queues  map[string]spiderd.Queue
	waiters []chan spiderd.Message
	buffer  *spiderd.Message
}

// New creates a Poller. Call UpdateProjects before the first Poll to
// populate the queue registry.
func New(openQueue QueueOpener, projects ProjectLister, logger *zap.Logger) *Poller {
	return &Poller{
		openQueue: openQueue,
		projects:  projects,
		logger:    logger,
		queues:    map[string]spiderd.Queue{},
	}
}

// Poll scans the project queues for pending work. When the delivery buffer
// already holds an unclaimed notification it does nothing, so calling Poll
// any number of times without a consumer never double-delivers. Otherwise
// the first non-empty queue in stable sorted project order has one message
// popped, tagged with its project, and handed to the oldest waiting Next
// caller (or parked in the buffer when nobody is waiting).
func (p *Poller) Poll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	metrics.PollPerformed()
	if p.buffer != nil {
		return nil
	}

	names := make([]string, 0, len(p.queues))
	for name := range p.queues {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		q := p.queues[name]
		n, err := q.Count(ctx)
		if err != nil {
			return fmt.Errorf("count queue %q: %w", name, err)
		}
		metrics.SetPendingJobs(name, n)
		if n == 0 {
			continue
		}
		msg, ok, err := q.Pop(ctx)
		if err != nil {
			return fmt.Errorf("pop queue %q: %w", name, err)
		}
		if !ok {
			continue
		}
		metrics.SetPendingJobs(name, n-1)
		p.deliver(tag(msg, name))
		return nil
	}
	return nil
}

// tag stamps the owning project onto a freshly popped message and promotes
// the submitted spider name into the Spider field.
func tag(msg spiderd.Message, project string) spiderd.Message {
	msg.Project = project
	if msg.Spider == "" {
		msg.Spider = msg.Name
	}
	msg.Name = ""
	return msg
}

// deliver hands the message to the oldest waiter, or parks it as the single
// unclaimed notification. Caller holds p.mu.
func (p *Poller) deliver(msg spiderd.Message) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w <- msg
		return
	}
	p.buffer = &msg
}

// Next returns the next job to run. It resolves immediately when an
// unclaimed notification is buffered, and otherwise blocks until a later
// Poll finds work or the context ends. Concurrent callers are served in
// FIFO order, exactly one per notification.
func (p *Poller) Next(ctx context.Context) (spiderd.Message, error) {
	p.mu.Lock()
	if p.buffer != nil {
		msg := *p.buffer
		p.buffer = nil
		p.mu.Unlock()
		return msg, nil
	}
	w := make(chan spiderd.Message, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case msg := <-w:
		return msg, nil
	case <-ctx.Done():
		p.abandon(w)
		return spiderd.Message{}, fmt.Errorf("wait for next job: %w", ctx.Err())
	}
}

// abandon drops a canceled waiter. A message may have been delivered in the
// window before the lock is reacquired; it is put back as the unclaimed
// notification rather than lost.
func (p *Poller) abandon(w chan spiderd.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, other := range p.waiters {
		if other == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	select {
	case msg := <-w:
		p.deliver(msg)
	default:
	}
}

// UpdateProjects re-derives the queue registry from the project lister,
// keeping queues that still exist and opening empty ones for new projects.
// Queues of removed projects are closed and dropped; any jobs still pending
// in them become unreachable.
func (p *Poller) UpdateProjects(ctx context.Context) error {
	names, err := p.projects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	known := make(map[string]bool, len(names))
	for _, name := range names {
		known[name] = true
		if _, ok := p.queues[name]; ok {
			continue
		}
		q, err := p.openQueue(name)
		if err != nil {
			return fmt.Errorf("open queue %q: %w", name, err)
		}
		p.queues[name] = q
	}
	for name, q := range p.queues {
		if known[name] {
			continue
		}
		if err := q.Close(); err != nil {
			p.logger.Warn("close queue for removed project",
				zap.String("project", name), zap.Error(err))
		}
		delete(p.queues, name)
		p.logger.Info("dropped queue for removed project", zap.String("project", name))
	}
	return nil
}

// Queue returns the queue for a project, or false when the project is
// unknown.
func (p *Poller) Queue(project string) (spiderd.Queue, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[project]
	return q, ok
}

// Projects returns the known project names in sorted order.
func (p *Poller) Projects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.queues))
	for name := range p.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every project queue.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for name, q := range p.queues {
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close queue %q: %w", name, err)
		}
	}
	p.queues = map[string]spiderd.Queue{}
	return firstErr
}
