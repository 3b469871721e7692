// Package streamtest provides an in-memory stream.Source for tests.
package streamtest

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/stream"
)

// Source replays a fixed log of events. Events without a sequence are always
// delivered; sequenced events are delivered when their sequence is greater than the
// resume position.
type Source struct {
	mu          sync.Mutex
	events      []stream.CommitEvent
	failAfter   int
	failWith    error
	hold        bool
	quiet       bool
	subscribes  int
	subscribeFn func(attempt int) error
}

// Option customizes a Source.
type Option func(*Source)

// WithFailure makes every subscription fail with err after delivering n events.
func WithFailure(n int, err error) Option {
	return func(s *Source) {
		s.failAfter = n
		s.failWith = err
	}
}

// WithHold keeps subscriptions open after the log is exhausted, like a live source.
func WithHold() Option {
	return func(s *Source) { s.hold = true }
}

// WithoutBacklogSignal hides the end-of-backlog marker so readers must detect idleness.
func WithoutBacklogSignal() Option {
	return func(s *Source) { s.quiet = true }
}

// WithSubscribeHook lets a test fail individual subscribe attempts (1-based).
func WithSubscribeHook(fn func(attempt int) error) Option {
	return func(s *Source) { s.subscribeFn = fn }
}

func NewSource(events []stream.CommitEvent, opts ...Option) *Source {
	source := &Source{events: append([]stream.CommitEvent(nil), events...), failAfter: -1}
	for _, opt := range opts {
		opt(source)
	}
	return source
}

// Append adds events to the log; open subscriptions do not see them.
func (s *Source) Append(events ...stream.CommitEvent) {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
}

// Subscribes returns how many subscriptions were attempted.
func (s *Source) Subscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes
}

func (s *Source) Subscribe(ctx context.Context, resumeFrom *int64) (stream.Subscription, error) {
	s.mu.Lock()
	s.subscribes++
	attempt := s.subscribes
	pending := make([]stream.CommitEvent, 0, len(s.events))
	for _, event := range s.events {
		if resumeFrom != nil && event.Sequence != nil && *event.Sequence <= *resumeFrom {
			continue
		}
		pending = append(pending, event)
	}
	failAfter, failWith, hold, quiet, hook := s.failAfter, s.failWith, s.hold, s.quiet, s.subscribeFn
	s.mu.Unlock()

	if hook != nil {
		if err := hook(attempt); err != nil {
			return nil, err
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		events:   make(chan stream.CommitEvent),
		caughtUp: make(chan struct{}),
		quiet:    quiet,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go sub.run(subCtx, pending, failAfter, failWith, hold)
	return sub, nil
}

type memorySubscription struct {
	events   chan stream.CommitEvent
	caughtUp chan struct{}
	quiet    bool
	cancel   context.CancelFunc
	done     chan struct{}

	mu  sync.Mutex
	err error
}

func (m *memorySubscription) run(ctx context.Context, pending []stream.CommitEvent, failAfter int, failWith error, hold bool) {
	defer close(m.done)
	defer close(m.events)
	for i, event := range pending {
		if failAfter >= 0 && i == failAfter {
			m.setErr(failWith)
			return
		}
		select {
		case m.events <- event:
		case <-ctx.Done():
			return
		}
	}
	if failAfter >= 0 && failAfter >= len(pending) && failWith != nil {
		m.setErr(failWith)
		return
	}
	close(m.caughtUp)
	if hold {
		<-ctx.Done()
		return
	}
	m.setErr(stream.ErrClosed)
}

func (m *memorySubscription) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *memorySubscription) Events() <-chan stream.CommitEvent { return m.events }

func (m *memorySubscription) CaughtUp() <-chan struct{} {
	if m.quiet {
		return nil
	}
	return m.caughtUp
}

func (m *memorySubscription) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *memorySubscription) Close() error {
	m.cancel()
	<-m.done
	return nil
}
