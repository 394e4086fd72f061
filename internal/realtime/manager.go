package realtime

import (
	"context"
	"sync"

	"crewtrack/internal/metrics"
)

// Reducer receives the changes of one subscription. It runs on the table's
// dispatch goroutine and must not block.
type Reducer func(Change)

type subscription struct {
	filter Filter
	reduce Reducer
}

type tableFeed struct {
	ch   chan Change
	subs map[uint64]subscription
}

// Manager is the single subscription point for every view. It holds one broker
// subscription per table and dispatches each change to the reducers whose
// filter matches.
type Manager struct {
	broker Broker

	mu     sync.Mutex
	nextID uint64
	feeds  map[string]*tableFeed
}

func NewManager(b Broker) *Manager {
	return &Manager{broker: b, feeds: map[string]*tableFeed{}}
}

// Subscribe registers reduce for changes on table matching filter. The
// subscription ends when the returned func is called or ctx is done.
func (m *Manager) Subscribe(ctx context.Context, table string, filter Filter, reduce Reducer) (unsubscribe func()) {
	m.mu.Lock()
	feed := m.feeds[table]
	if feed == nil {
		feed = &tableFeed{ch: m.broker.Subscribe(table), subs: map[uint64]subscription{}}
		m.feeds[table] = feed
		go m.dispatch(feed)
	}
	m.nextID++
	id := m.nextID
	feed.subs[id] = subscription{filter: filter, reduce: reduce}
	m.mu.Unlock()
	metrics.RealtimeSubscribers.WithLabelValues(table).Inc()

	var once sync.Once
	unsub := func() { once.Do(func() { m.remove(table, id) }) }
	stop := context.AfterFunc(ctx, unsub)
	return func() {
		stop()
		unsub()
	}
}

func (m *Manager) remove(table string, id uint64) {
	m.mu.Lock()
	feed := m.feeds[table]
	if feed == nil {
		m.mu.Unlock()
		return
	}
	if _, ok := feed.subs[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(feed.subs, id)
	last := len(feed.subs) == 0
	if last {
		delete(m.feeds, table)
	}
	m.mu.Unlock()
	metrics.RealtimeSubscribers.WithLabelValues(table).Dec()
	if last {
		m.broker.Unsubscribe(table, feed.ch)
	}
}

func (m *Manager) dispatch(feed *tableFeed) {
	for c := range feed.ch {
		m.mu.Lock()
		targets := make([]subscription, 0, len(feed.subs))
		for _, s := range feed.subs {
			if s.filter.Matches(c) {
				targets = append(targets, s)
			}
		}
		m.mu.Unlock()
		for _, s := range targets {
			s.reduce(c)
		}
	}
}

// Subscribers reports the live subscription count for table.
func (m *Manager) Subscribers(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f := m.feeds[table]; f != nil {
		return len(f.subs)
	}
	return 0
}

// Publish forwards c to the broker.
func (m *Manager) Publish(c Change) { m.broker.Publish(c) }
