// Package presence tracks who is online and how fresh they are. Under the
// live transport, leaves arrive explicitly; under the fallback, liveness is
// inferred and stale entries are swept out.
package presence

import (
	"sort"
	"sync"
	"time"

	"drocsid-backend/internal/models"
)

// StaleAfter is the fallback staleness horizon: an entry whose lastSeen is
// older than this is considered gone.
const StaleAfter = 30 * time.Second

// Registry owns the set of online users. Safe for concurrent use.
type Registry struct {
	mutex   sync.Mutex
	entries map[string]models.PresenceEntry
	onLeave func(userID string)

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]models.PresenceEntry),
		now:     time.Now,
	}
}

// OnLeave registers a callback invoked for every removal, whether explicit or
// swept. Downstream consumers use it to drop voice state consistently.
func (r *Registry) OnLeave(fn func(userID string)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.onLeave = fn
}

// Join upserts the user. Re-joining an already-present id refreshes the entry
// instead of duplicating it.
func (r *Registry) Join(user models.User) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	status := user.Status
	if status == "" {
		status = models.StatusOnline
	}

	r.entries[user.ID] = models.PresenceEntry{
		ID:       user.ID,
		Nickname: user.Nickname,
		Avatar:   user.Avatar,
		Status:   status,
		LastSeen: r.now(),
	}
}

// Leave removes userID and reports whether it was present.
func (r *Registry) Leave(userID string) bool {
	r.mutex.Lock()
	_, existed := r.entries[userID]
	delete(r.entries, userID)
	onLeave := r.onLeave
	r.mutex.Unlock()

	if existed && onLeave != nil {
		onLeave(userID)
	}
	return existed
}

// Touch refreshes lastSeen for userID if present.
func (r *Registry) Touch(userID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, ok := r.entries[userID]
	if !ok {
		return
	}
	entry.LastSeen = r.now()
	r.entries[userID] = entry
}

// SetStatus updates the status of userID if present.
func (r *Registry) SetStatus(userID string, status string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, ok := r.entries[userID]
	if !ok {
		return
	}
	entry.Status = status
	entry.LastSeen = r.now()
	r.entries[userID] = entry
}

// List returns a snapshot ordered by user id. Never contains duplicates.
func (r *Registry) List() []models.PresenceEntry {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	list := make([]models.PresenceEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Merge upserts entries into the registry, keeping whichever copy of an id
// was seen more recently. Used to fold the shared store's presence document
// and users_online snapshots into the local view.
func (r *Registry) Merge(entries []models.PresenceEntry) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, entry := range entries {
		existing, ok := r.entries[entry.ID]
		if ok && existing.LastSeen.After(entry.LastSeen) {
			continue
		}
		r.entries[entry.ID] = entry
	}
}

// SweepExpired removes every entry whose lastSeen is older than ttl and
// returns the removed ids. The OnLeave callback fires once per removal.
func (r *Registry) SweepExpired(ttl time.Duration) []string {
	r.mutex.Lock()
	cutoff := r.now().Add(-ttl)

	var removed []string
	for id, entry := range r.entries {
		if entry.LastSeen.Before(cutoff) {
			delete(r.entries, id)
			removed = append(removed, id)
		}
	}
	onLeave := r.onLeave
	r.mutex.Unlock()

	sort.Strings(removed)
	if onLeave != nil {
		for _, id := range removed {
			onLeave(id)
		}
	}
	return removed
}
