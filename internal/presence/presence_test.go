package presence

import (
	"testing"
	"time"

	"drocsid-backend/internal/models"
)

func TestJoinIsIdempotent(t *testing.T) {
	registry := NewRegistry()

	registry.Join(models.User{ID: "a", Nickname: "alice"})
	registry.Join(models.User{ID: "a", Nickname: "alice2"})
	registry.Join(models.User{ID: "b", Nickname: "bob"})

	list := registry.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(list))
	}
	if list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("List() order got [%s %s], want [a b]", list[0].ID, list[1].ID)
	}
	if list[0].Nickname != "alice2" {
		t.Errorf("re-join did not update entry: nickname %q, want %q", list[0].Nickname, "alice2")
	}
}

func TestListNeverContainsDuplicates(t *testing.T) {
	registry := NewRegistry()

	ops := []struct {
		join   bool
		userID string
	}{
		{true, "a"}, {true, "b"}, {true, "a"}, {false, "b"},
		{true, "c"}, {true, "b"}, {false, "a"}, {true, "a"},
	}

	for _, op := range ops {
		if op.join {
			registry.Join(models.User{ID: op.userID})
		} else {
			registry.Leave(op.userID)
		}

		seen := make(map[string]bool)
		for _, entry := range registry.List() {
			if seen[entry.ID] {
				t.Fatalf("List() contains duplicate id %q", entry.ID)
			}
			seen[entry.ID] = true
		}
	}
}

func TestLeaveExcludesUntilRejoin(t *testing.T) {
	registry := NewRegistry()

	registry.Join(models.User{ID: "a"})
	if !registry.Leave("a") {
		t.Fatal("Leave(a) reported not present")
	}

	for _, entry := range registry.List() {
		if entry.ID == "a" {
			t.Fatal("List() still contains a after Leave")
		}
	}

	if registry.Leave("a") {
		t.Error("second Leave(a) reported present")
	}

	registry.Join(models.User{ID: "a"})
	if len(registry.List()) != 1 {
		t.Error("re-join after leave did not restore the entry")
	}
}

func TestSweepExpired(t *testing.T) {
	registry := NewRegistry()

	current := time.Now()
	registry.now = func() time.Time { return current }

	registry.Join(models.User{ID: "stale"})
	current = current.Add(31 * time.Second)
	registry.Join(models.User{ID: "fresh"})

	var left []string
	registry.OnLeave(func(userID string) { left = append(left, userID) })

	removed := registry.SweepExpired(30 * time.Second)
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("SweepExpired removed %v, want [stale]", removed)
	}
	if len(left) != 1 || left[0] != "stale" {
		t.Errorf("OnLeave fired for %v, want [stale]", left)
	}

	list := registry.List()
	if len(list) != 1 || list[0].ID != "fresh" {
		t.Errorf("List() after sweep = %v, want only fresh", list)
	}
}

func TestTouchKeepsEntryAlive(t *testing.T) {
	registry := NewRegistry()

	current := time.Now()
	registry.now = func() time.Time { return current }

	registry.Join(models.User{ID: "a"})
	current = current.Add(20 * time.Second)
	registry.Touch("a")
	current = current.Add(20 * time.Second)

	if removed := registry.SweepExpired(30 * time.Second); len(removed) != 0 {
		t.Errorf("SweepExpired removed %v after Touch, want none", removed)
	}
}

func TestMergeKeepsNewerEntry(t *testing.T) {
	registry := NewRegistry()

	now := time.Now()
	registry.Merge([]models.PresenceEntry{
		{ID: "a", Nickname: "new", LastSeen: now},
	})
	registry.Merge([]models.PresenceEntry{
		{ID: "a", Nickname: "old", LastSeen: now.Add(-time.Minute)},
		{ID: "b", Nickname: "bob", LastSeen: now},
	})

	list := registry.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(list))
	}
	if list[0].Nickname != "new" {
		t.Errorf("Merge overwrote newer entry with older one: nickname %q", list[0].Nickname)
	}
}
