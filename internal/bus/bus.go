// Package bus is the degraded transport used when no relay is reachable.
// Envelopes travel two ways: an in-process exchange that reaches every other
// live session in the same process almost synchronously, and a bounded ring
// inside the shared store that other processes pick up by polling.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"drocsid-backend/internal/keyValue"
	"drocsid-backend/internal/protocol"

	"go.uber.org/zap"
)

const (
	// RingKey is the well-known store key of the realtime envelope ring.
	RingKey = "drocsid-realtime-messages"

	// RingCapacity bounds the ring; the oldest entries are dropped.
	RingCapacity = 100

	// DefaultPollInterval is how often the ring is re-read.
	DefaultPollInterval = 5 * time.Second
)

type subscriber struct {
	origin  string
	handler func(protocol.Envelope)
}

// Exchange is the same-origin path between sessions of one process. The
// originating session never receives its own broadcast through it; self-echo
// is the connection manager's job.
type Exchange struct {
	mutex sync.RWMutex
	next  int
	subs  map[int]subscriber
}

func NewExchange() *Exchange {
	return &Exchange{subs: make(map[int]subscriber)}
}

func (x *Exchange) Subscribe(origin string, handler func(protocol.Envelope)) int {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	x.next++
	x.subs[x.next] = subscriber{origin, handler}
	return x.next
}

func (x *Exchange) Unsubscribe(token int) {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	delete(x.subs, token)
}

// Publish delivers env to every subscriber except ones owned by the envelope's
// origin user.
func (x *Exchange) Publish(env protocol.Envelope) {
	x.mutex.RLock()
	subs := make([]subscriber, 0, len(x.subs))
	for _, sub := range x.subs {
		subs = append(subs, sub)
	}
	x.mutex.RUnlock()

	for _, sub := range subs {
		if env.UserID != "" && sub.origin == env.UserID {
			continue
		}
		sub.handler(env)
	}
}

// Bus broadcasts envelopes over both fallback paths and receives from both,
// deduplicating ring entries against a high-water-mark timestamp.
type Bus struct {
	sugar    *zap.SugaredLogger
	store    *keyValue.Store
	exchange *Exchange
	origin   string
	interval time.Duration

	mutex    sync.Mutex
	handler  func(protocol.Envelope)
	subToken int
	hwm      time.Time

	done    chan struct{}
	started bool
}

func NewBus(sugar *zap.SugaredLogger, store *keyValue.Store, exchange *Exchange, origin string) *Bus {
	return &Bus{
		sugar:    sugar,
		store:    store,
		exchange: exchange,
		origin:   origin,
		interval: DefaultPollInterval,
		hwm:      time.Now().UTC(),
		done:     make(chan struct{}),
	}
}

// SetPollInterval must be called before Start.
func (b *Bus) SetPollInterval(d time.Duration) {
	b.interval = d
}

// OnReceive sets the handler for envelopes arriving from other contexts.
func (b *Bus) OnReceive(handler func(protocol.Envelope)) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.handler = handler
}

// Start subscribes to the exchange and begins polling the ring.
func (b *Bus) Start() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.started {
		return
	}
	b.started = true
	b.subToken = b.exchange.Subscribe(b.origin, b.deliver)
	go b.pollLoop()
}

// Close stops polling and detaches from the exchange.
func (b *Bus) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.started {
		return
	}
	b.started = false
	b.exchange.Unsubscribe(b.subToken)
	close(b.done)
}

// Broadcast sends env over both paths. The ring write can fail independently
// of the exchange; that only narrows reach, so it is logged and swallowed.
func (b *Bus) Broadcast(env protocol.Envelope) {
	b.exchange.Publish(env)

	raw, err := json.Marshal(env)
	if err != nil {
		b.sugar.Error(err)
		return
	}

	err = b.store.AppendRing(RingKey, raw, RingCapacity)
	if err != nil {
		b.sugar.Errorf("Writing envelope to fallback ring: %v", err)
	}

	// The high-water mark only moves on Poll. Advancing it here would let a
	// foreign entry with an earlier timestamp slip under it; the origin check
	// in Poll already keeps own entries from echoing back.
}

func (b *Bus) deliver(env protocol.Envelope) {
	b.mutex.Lock()
	handler := b.handler
	b.mutex.Unlock()

	if handler != nil {
		handler(env)
	}
}

func (b *Bus) pollLoop() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.Poll()
		}
	}
}

// Poll reads the ring once and delivers every envelope newer than the
// high-water mark that didn't originate here. Exported so the session can
// drive an immediate sync right after engaging the fallback.
func (b *Bus) Poll() {
	entries, err := b.store.ReadRing(RingKey)
	if err != nil {
		b.sugar.Errorf("Reading fallback ring: %v", err)
		return
	}

	b.mutex.Lock()
	hwm := b.hwm
	b.mutex.Unlock()

	newest := hwm
	for _, raw := range entries {
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			b.sugar.Warnf("Dropping corrupt ring entry: %v", err)
			continue
		}

		if !env.Timestamp.After(hwm) {
			continue
		}
		if env.Timestamp.After(newest) {
			newest = env.Timestamp
		}
		if env.UserID != "" && env.UserID == b.origin {
			continue
		}

		b.deliver(env)
	}

	b.mutex.Lock()
	if newest.After(b.hwm) {
		b.hwm = newest
	}
	b.mutex.Unlock()
}
