package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/quorum"
)

const (
	RealtimeEventDecision  = "review-decision"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceIndexer  = "poltr-indexer"

	// AllSubjects subscribes to decisions for every subject.
	AllSubjects = "*"
)

// DecisionMessage announces that a subject reached a final review decision.
type DecisionMessage struct {
	Subject   string
	Decision  quorum.Decision
	Timestamp time.Time
}

// DecisionDispatcher fans finalized decisions out to in-process subscribers. Slow
// subscribers lose messages instead of blocking the publisher.
type DecisionDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan DecisionMessage
}

func NewDecisionDispatcher() *DecisionDispatcher {
	return &DecisionDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers for one subject, or for every subject with AllSubjects. The
// subscription ends when ctx is done or cleanup is called.
func (d *DecisionDispatcher) Subscribe(ctx context.Context, subject string) (<-chan DecisionMessage, func()) {
	if subject == "" {
		ch := make(chan DecisionMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan DecisionMessage, d.bufferSize),
	}
	d.registerSubscriber(subject, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(subject, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishDecision satisfies quorum.Publisher.
func (d *DecisionDispatcher) PublishDecision(_ context.Context, subject string, decision quorum.Decision) {
	d.Publish(DecisionMessage{Subject: subject, Decision: decision, Timestamp: d.clock().UTC()})
}

func (d *DecisionDispatcher) Publish(message DecisionMessage) {
	if message.Subject == "" || message.Decision == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers[message.Subject])+len(d.subscribers[AllSubjects]))
	for _, subscriber := range d.subscribers[message.Subject] {
		copies = append(copies, subscriber)
	}
	if message.Subject != AllSubjects {
		for _, subscriber := range d.subscribers[AllSubjects] {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *DecisionDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *DecisionDispatcher) registerSubscriber(subject string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[subject]; !ok {
		d.subscribers[subject] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[subject][subscriber.id] = subscriber
}

func (d *DecisionDispatcher) unregisterSubscriber(subject string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[subject]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, subject)
		}
	}
	d.mu.Unlock()
}

func (d *DecisionDispatcher) subscriberCount(subject string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[subject])
}
