package protocol

import "sync"

// Handler consumes a dispatched envelope.
type Handler func(Envelope)

// Dispatcher routes envelopes to handlers registered per event type. Handlers
// are keyed by a token returned from On so they can be removed again; Go
// functions aren't comparable, so the token stands in for handler identity.
type Dispatcher struct {
	mutex    sync.RWMutex
	next     int
	handlers map[EventType]map[int]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[EventType]map[int]Handler),
	}
}

// On registers handler for t and returns a token for Off.
func (d *Dispatcher) On(t EventType, handler Handler) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.next++
	if d.handlers[t] == nil {
		d.handlers[t] = make(map[int]Handler)
	}
	d.handlers[t][d.next] = handler
	return d.next
}

// Off removes the handler registered under token for t.
func (d *Dispatcher) Off(t EventType, token int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	handlers := d.handlers[t]
	delete(handlers, token)
	if len(handlers) == 0 {
		delete(d.handlers, t)
	}
}

// Emit delivers env to every handler registered for its type, in registration
// order. Delivery happens on the caller's goroutine.
func (d *Dispatcher) Emit(env Envelope) {
	d.mutex.RLock()
	registered := d.handlers[env.Type]
	tokens := make([]int, 0, len(registered))
	for token := range registered {
		tokens = append(tokens, token)
	}
	d.mutex.RUnlock()

	// Sort tokens so handlers run in the order they were added.
	for i := 1; i < len(tokens); i++ {
		for j := i; j > 0 && tokens[j] < tokens[j-1]; j-- {
			tokens[j], tokens[j-1] = tokens[j-1], tokens[j]
		}
	}

	for _, token := range tokens {
		d.mutex.RLock()
		handler, ok := d.handlers[env.Type][token]
		d.mutex.RUnlock()
		if ok {
			handler(env)
		}
	}
}
