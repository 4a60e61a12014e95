package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// closedRetention is how long a finished run's topic is kept so that late
// subscribers still get a closed channel.
const closedRetention = time.Minute

// Event types published for a run.
const (
	EventQueued  = "queued"
	EventStarted = "started"
	EventChunk   = "chunk"
	EventDone    = "done"
)

// Event is one progress notification for a run.
type Event struct {
	Type    string    `json:"type"`
	RunID   string    `json:"run_id"`
	Time    time.Time `json:"time"`
	Workers int       `json:"workers,omitempty"`
	Chunk   int       `json:"chunk"`
	Items   int       `json:"items,omitempty"`
	Done    int       `json:"done,omitempty"`
	Total   int       `json:"total,omitempty"`
	Status  string    `json:"status,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Broker fans out run progress events to subscribers. It is safe for
// concurrent use.
//
// Closed topics are retained for a minute as markers so that subscribers
// arriving just after a run finished receive a closed channel instead of
// blocking forever. Older markers are pruned on Close.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	now    func() time.Time
}

type topic struct {
	subs     map[int]chan Event
	nextID   int
	closed   bool
	closedAt time.Time
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
		now:    time.Now,
	}
}

// Subscribe returns a channel that receives events for the given run and an
// unsubscribe function. If the run has already finished, the returned channel
// is immediately closed.
func (b *Broker) Subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[runID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends ev to all subscribers of ev.RunID. Events are dropped for
// subscribers whose buffers are full.
func (b *Broker) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.RunID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close signals that no more events will be published for the given run.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)

	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[runID] = t
	}

	t.closed = true
	t.closedAt = now
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// prune drops closed topics older than closedRetention. b.mu must be held.
func (b *Broker) prune(now time.Time) {
	for id, t := range b.topics {
		if t.closed && now.Sub(t.closedAt) > closedRetention {
			delete(b.topics, id)
		}
	}
}
