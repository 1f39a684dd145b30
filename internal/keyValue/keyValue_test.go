package keyValue

import (
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store := NewStore(zap.NewNop().Sugar(), nil, true)
	t.Cleanup(store.Close)
	return store
}

func TestSetGet(t *testing.T) {
	store := newTestStore(t)

	if err := store.Set("key", "value", 0); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get("key")
	if err != nil {
		t.Fatal(err)
	}
	if got != "value" {
		t.Errorf("Get() = %q, want value", got)
	}

	missing, err := store.Get("missing")
	if err != nil {
		t.Fatal(err)
	}
	if missing != "" {
		t.Errorf("Get(missing) = %q, want empty", missing)
	}
}

func TestGetDel(t *testing.T) {
	store := newTestStore(t)

	if err := store.Set("key", "value", 0); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetDel("key")
	if err != nil {
		t.Fatal(err)
	}
	if got != "value" {
		t.Errorf("GetDel() = %q, want value", got)
	}

	after, err := store.Get("key")
	if err != nil {
		t.Fatal(err)
	}
	if after != "" {
		t.Errorf("key still present after GetDel: %q", after)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	store := newTestStore(t)

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := store.SetJSON("doc", doc{Name: "a", Count: 3}); err != nil {
		t.Fatal(err)
	}

	var got doc
	if err := store.GetJSON("doc", &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "a" || got.Count != 3 {
		t.Errorf("GetJSON() = %+v", got)
	}
}

func TestGetJSONMissingAndCorrupt(t *testing.T) {
	store := newTestStore(t)

	var got []string
	if err := store.GetJSON("missing", &got); err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("missing key modified target: %v", got)
	}

	if err := store.Set("corrupt", "{not json", 0); err != nil {
		t.Fatal(err)
	}
	if err := store.GetJSON("corrupt", &got); err != nil {
		t.Errorf("corrupt document returned error: %v", err)
	}
	if got != nil {
		t.Errorf("corrupt document modified target: %v", got)
	}
}

func TestAppendRingDropsOldest(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		doc, _ := json.Marshal(i)
		if err := store.AppendRing("ring", doc, 3); err != nil {
			t.Fatal(err)
		}
	}

	ring, err := store.ReadRing("ring")
	if err != nil {
		t.Fatal(err)
	}
	if len(ring) != 3 {
		t.Fatalf("ring holds %d entries, want 3", len(ring))
	}

	want := []int{2, 3, 4}
	for i, raw := range ring {
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			t.Fatal(err)
		}
		if n != want[i] {
			t.Errorf("ring[%d] = %d, want %d", i, n, want[i])
		}
	}
}

func TestSetExpiry(t *testing.T) {
	store := newTestStore(t)

	if err := store.Set("eternal", "v", 0); err != nil {
		t.Fatal(err)
	}
	if err := store.Set("transient", "v", time.Millisecond); err != nil {
		t.Fatal(err)
	}

	store.mutex.RLock()
	if !store.hashmap["eternal"].expires.IsZero() {
		t.Error("expires of 0 produced a deadline")
	}
	if store.hashmap["transient"].expires.IsZero() {
		t.Error("positive expires produced no deadline")
	}
	store.mutex.RUnlock()
}
