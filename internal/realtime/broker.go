package realtime

import (
	"sync"

	"crewtrack/internal/metrics"
)

// Broker fans changes out per table.
type Broker interface {
	Subscribe(table string) chan Change
	Unsubscribe(table string, ch chan Change)
	Publish(c Change)
}

// MemoryBroker is an in-process Broker. Slow subscribers drop changes rather
// than block publishers.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan Change]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[string]map[chan Change]struct{}{}}
}

func (b *MemoryBroker) Subscribe(table string) chan Change {
	ch := make(chan Change, 32)
	b.mu.Lock()
	if b.subs[table] == nil {
		b.subs[table] = map[chan Change]struct{}{}
	}
	b.subs[table][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *MemoryBroker) Unsubscribe(table string, ch chan Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[table]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, table)
	}
	close(ch)
}

func (b *MemoryBroker) Publish(c Change) {
	metrics.RealtimeChanges.WithLabelValues(c.Table, string(c.Type)).Inc()
	b.mu.Lock()
	for ch := range b.subs[c.Table] {
		select {
		case ch <- c:
		default:
		}
	}
	b.mu.Unlock()
}
