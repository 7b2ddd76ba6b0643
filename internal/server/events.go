package server

import (
	"context"
	"sync"

	"github.com/superteam-academy/backend/internal/relay"
)

const eventHeartbeat = "heartbeat"

// ProgressDispatcher fans ledger-verified progress events out to per-wallet
// SSE subscribers. It implements relay.EventPublisher; publishing never
// blocks, slow subscribers drop events.
type ProgressDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*progressSubscriber
	nextID      int64
	bufferSize  int
}

type progressSubscriber struct {
	id     int64
	stream chan relay.ProgressEvent
}

func NewProgressDispatcher() *ProgressDispatcher {
	return &ProgressDispatcher{
		subscribers: make(map[string]map[int64]*progressSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a wallet-scoped stream. The returned cleanup is safe to
// call more than once; cancelling ctx also unsubscribes.
func (d *ProgressDispatcher) Subscribe(ctx context.Context, wallet string) (<-chan relay.ProgressEvent, func()) {
	if wallet == "" {
		ch := make(chan relay.ProgressEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &progressSubscriber{
		id:     d.nextSequence(),
		stream: make(chan relay.ProgressEvent, d.bufferSize),
	}
	d.registerSubscriber(wallet, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(wallet, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber of the event's wallet.
func (d *ProgressDispatcher) Publish(event relay.ProgressEvent) {
	if event.Wallet == "" || event.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.Wallet]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*progressSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *ProgressDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *ProgressDispatcher) registerSubscriber(wallet string, subscriber *progressSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[wallet]; !ok {
		d.subscribers[wallet] = make(map[int64]*progressSubscriber)
	}
	d.subscribers[wallet][subscriber.id] = subscriber
}

func (d *ProgressDispatcher) unregisterSubscriber(wallet string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[wallet]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, wallet)
		}
	}
	d.mu.Unlock()
}
