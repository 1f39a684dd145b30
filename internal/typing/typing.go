// Package typing keeps the per-channel typing-indicator view. A typing_stop
// can get lost on either transport, so every start carries its own expiry and
// the view converges to not-typing on its own.
package typing

import (
	"sort"
	"sync"
	"time"
)

// Expiry is how long a typing_start stays visible without a refresh or an
// explicit stop.
const Expiry = 3 * time.Second

type key struct {
	userID    string
	channelID string
}

// Tracker is safe for concurrent use. Only one expiry timer is outstanding
// per (user, channel); a repeated start resets it.
type Tracker struct {
	mutex  sync.Mutex
	expiry time.Duration
	timers map[key]*time.Timer
	closed bool
}

func NewTracker() *Tracker {
	return &Tracker{
		expiry: Expiry,
		timers: make(map[key]*time.Timer),
	}
}

// SetExpiry must be called before the tracker is used.
func (t *Tracker) SetExpiry(d time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.expiry = d
}

// Start marks userID as typing in channelID and (re)arms its expiry.
func (t *Tracker) Start(userID, channelID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return
	}

	k := key{userID, channelID}
	if timer, ok := t.timers[k]; ok {
		timer.Reset(t.expiry)
		return
	}
	t.timers[k] = time.AfterFunc(t.expiry, func() {
		t.Stop(userID, channelID)
	})
}

// Stop clears the typing mark, whether by explicit stop or expiry.
func (t *Tracker) Stop(userID, channelID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	k := key{userID, channelID}
	if timer, ok := t.timers[k]; ok {
		timer.Stop()
		delete(t.timers, k)
	}
}

// StopAll clears every typing mark held by userID, used when the user leaves.
func (t *Tracker) StopAll(userID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for k, timer := range t.timers {
		if k.userID == userID {
			timer.Stop()
			delete(t.timers, k)
		}
	}
}

// Active returns the ids currently typing in channelID, sorted.
func (t *Tracker) Active(channelID string) []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var users []string
	for k := range t.timers {
		if k.channelID == channelID {
			users = append(users, k.userID)
		}
	}
	sort.Strings(users)
	return users
}

// Close stops every outstanding timer.
func (t *Tracker) Close() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.closed = true
	for k, timer := range t.timers {
		timer.Stop()
		delete(t.timers, k)
	}
}
