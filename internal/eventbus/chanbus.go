package eventbus

import (
	"sync"

	"github.com/agentbgp/agentbgpd/internal/metrics"
)

const subscriberBuffer = 256

// chanBus is the in-process default Bus: a fan-out over per-kind buffered
// channels. A subscriber that falls behind drops events rather than
// blocking Publish, matching the "non-blocking or bounded" handler
// requirement.
type chanBus struct {
	mu   sync.RWMutex
	subs map[Kind][]chan Event
	done chan struct{}
}

func newChanBus() *chanBus {
	return &chanBus{
		subs: make(map[Kind][]chan Event),
		done: make(chan struct{}),
	}
}

func (b *chanBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	select {
	case <-b.done:
		return
	default:
	}
	metrics.EventBusPublishedTotal.WithLabelValues(string(e.Kind)).Inc()
	for _, ch := range b.subs[e.Kind] {
		select {
		case ch <- e:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
}

func (b *chanBus) Subscribe(kind Kind) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], ch)
	return ch
}

func (b *chanBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return
	default:
		close(b.done)
	}
	for _, chs := range b.subs {
		for _, ch := range chs {
			close(ch)
		}
	}
	b.subs = nil
}
