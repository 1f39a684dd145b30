package invite

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"drocsid-backend/internal/keyValue"
	"drocsid-backend/internal/models"

	"go.uber.org/zap"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	store := keyValue.NewStore(zap.NewNop().Sugar(), nil, true)
	t.Cleanup(store.Close)
	return NewLedger(zap.NewNop().Sugar(), store)
}

func testServer() models.Server {
	return models.Server{
		ID:   "srv-1",
		Name: "general hangout",
		Channels: []models.Channel{
			{ID: "chan-1", Name: "general", Type: models.ChannelText, ServerID: "srv-1"},
		},
		Members: []string{"owner"},
		OwnerID: "owner",
	}
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := GenerateCode()
		if len(code) != 8 {
			t.Fatalf("code %q has length %d, want 8", code, len(code))
		}
		for _, r := range code {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("code %q contains %q outside the alphabet", code, r)
			}
		}
		seen[code] = true
	}
	if len(seen) < 90 {
		t.Errorf("only %d distinct codes out of 100 draws", len(seen))
	}
}

func TestCreateAndRedeemRoundTrip(t *testing.T) {
	ledger := newTestLedger(t)

	inv, err := ledger.CreateInvite(testServer(), "owner")
	if err != nil {
		t.Fatal(err)
	}
	if inv.ServerID != "srv-1" || inv.MaxUses != DefaultMaxUses {
		t.Errorf("created invite = %+v", inv)
	}
	if !inv.ExpiresAt.After(inv.CreatedAt) {
		t.Error("invite created already expired")
	}

	server, err := ledger.RedeemInvite(inv.Code, models.User{ID: "joiner"})
	if err != nil {
		t.Fatal(err)
	}
	if !server.HasMember("joiner") {
		t.Error("redeemed server does not list the joiner")
	}

	active, err := ledger.ListInvites("srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Uses != 1 {
		t.Errorf("ListInvites after redemption = %+v", active)
	}
}

func TestRedeemIsCaseInsensitive(t *testing.T) {
	ledger := newTestLedger(t)

	inv, err := ledger.CreateInvite(testServer(), "owner")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ledger.RedeemInvite(strings.ToUpper(inv.Code), models.User{ID: "a"}); err != nil {
		t.Errorf("uppercased code rejected: %v", err)
	}
	if _, err := ledger.RedeemInvite(strings.ToLower(inv.Code), models.User{ID: "b"}); err != nil {
		t.Errorf("lowercased code rejected: %v", err)
	}
}

func TestRedeemFailures(t *testing.T) {
	ledger := newTestLedger(t)

	current := time.Now()
	ledger.now = func() time.Time { return current }

	inv, err := ledger.CreateInvite(testServer(), "owner")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ledger.RedeemInvite("nosuch12", models.User{ID: "a"}); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("unknown code: got %v, want ErrInvalidCode", err)
	}

	if _, err := ledger.RedeemInvite("not a code!", models.User{ID: "a"}); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("malformed code: got %v, want ErrInvalidCode", err)
	}

	if _, err := ledger.RedeemInvite(inv.Code, models.User{ID: "owner"}); !errors.Is(err, ErrAlreadyMember) {
		t.Errorf("existing member: got %v, want ErrAlreadyMember", err)
	}

	current = current.Add(DefaultTTL + time.Second)
	if _, err := ledger.RedeemInvite(inv.Code, models.User{ID: "late"}); !errors.Is(err, ErrExpired) {
		t.Errorf("expired code: got %v, want ErrExpired", err)
	}
}

func TestRedeemExhaustion(t *testing.T) {
	ledger := newTestLedger(t)

	inv, err := ledger.CreateInvite(testServer(), "owner")
	if err != nil {
		t.Fatal(err)
	}

	// Exhaust the invite directly rather than redeeming 100 times.
	var invites []models.Invite
	if err := ledger.store.GetJSON(LocalInvitesKey, &invites); err != nil {
		t.Fatal(err)
	}
	invites[0].Uses = invites[0].MaxUses
	if err := ledger.store.SetJSON(LocalInvitesKey, invites); err != nil {
		t.Fatal(err)
	}
	if err := ledger.store.SetJSON(GlobalInvitesKey, invites); err != nil {
		t.Fatal(err)
	}

	if _, err := ledger.RedeemInvite(inv.Code, models.User{ID: "a"}); !errors.Is(err, ErrExhausted) {
		t.Errorf("exhausted code: got %v, want ErrExhausted", err)
	}
}

func TestConcurrentRedeemsNeverExceedMaxUses(t *testing.T) {
	ledger := newTestLedger(t)

	inv, err := ledger.CreateInvite(testServer(), "owner")
	if err != nil {
		t.Fatal(err)
	}

	// Shrink MaxUses so contention matters.
	var invites []models.Invite
	if err := ledger.store.GetJSON(LocalInvitesKey, &invites); err != nil {
		t.Fatal(err)
	}
	invites[0].MaxUses = 3
	if err := ledger.store.SetJSON(LocalInvitesKey, invites); err != nil {
		t.Fatal(err)
	}
	if err := ledger.store.SetJSON(GlobalInvitesKey, invites); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := ledger.RedeemInvite(inv.Code, models.User{ID: string(rune('a' + n))})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrExhausted) {
			t.Errorf("unexpected redemption error: %v", err)
		}
	}
	if succeeded != 3 {
		t.Errorf("%d redemptions succeeded, want exactly 3", succeeded)
	}

	if err := ledger.store.GetJSON(LocalInvitesKey, &invites); err != nil {
		t.Fatal(err)
	}
	if invites[0].Uses != 3 {
		t.Errorf("stored uses = %d, want 3", invites[0].Uses)
	}
}

func TestRedeemMaterializesMissingServer(t *testing.T) {
	ledger := newTestLedger(t)

	// An invite replica arrives from another context without a server replica.
	if err := ledger.MergeInvites([]models.Invite{{
		Code:       "abCD1234",
		ServerID:   "ghost",
		ServerName: "lost server",
		CreatedBy:  "creator",
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
		MaxUses:    DefaultMaxUses,
	}}); err != nil {
		t.Fatal(err)
	}

	server, err := ledger.RedeemInvite("abCD1234", models.User{ID: "joiner"})
	if err != nil {
		t.Fatal(err)
	}

	if server.ID != "ghost" || server.Name != "lost server" || server.OwnerID != "creator" {
		t.Errorf("materialized server = %+v", server)
	}
	if len(server.Channels) != 2 {
		t.Fatalf("materialized server has %d channels, want 2", len(server.Channels))
	}
	if server.Channels[0].Type != models.ChannelText || server.Channels[1].Type != models.ChannelVoice {
		t.Errorf("materialized channels = %+v", server.Channels)
	}
	if !server.HasMember("joiner") {
		t.Error("joiner missing from materialized server")
	}

	// The materialized server must now be resolvable directly.
	got, found, err := ledger.Server("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if !found || !got.HasMember("joiner") {
		t.Errorf("Server(ghost) = %+v found=%v", got, found)
	}
}

func TestSweepExpired(t *testing.T) {
	ledger := newTestLedger(t)

	current := time.Now()
	ledger.now = func() time.Time { return current }

	if _, err := ledger.CreateInvite(testServer(), "owner"); err != nil {
		t.Fatal(err)
	}
	current = current.Add(DefaultTTL + time.Minute)
	fresh, err := ledger.CreateInvite(testServer(), "owner")
	if err != nil {
		t.Fatal(err)
	}

	removed, err := ledger.SweepExpired()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("SweepExpired removed %d invites, want 1", removed)
	}

	active, err := ledger.ListInvites("srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Code != fresh.Code {
		t.Errorf("surviving invites = %+v", active)
	}
}

func TestReconcileInvites(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	recent := time.Now()

	a := []models.Invite{
		{Code: "aaaa1111", ServerID: "s1", CreatedAt: old, Uses: 0},
		{Code: "bbbb2222", ServerID: "s1", CreatedAt: old},
	}
	b := []models.Invite{
		{Code: "AAAA1111", ServerID: "s1", CreatedAt: recent, Uses: 5},
		{Code: "cccc3333", ServerID: "s2", CreatedAt: recent},
	}

	merged := ReconcileInvites(a, b)
	if len(merged) != 3 {
		t.Fatalf("merged holds %d invites, want 3", len(merged))
	}

	byCode := make(map[string]models.Invite)
	for _, inv := range merged {
		byCode[strings.ToLower(inv.Code)] = inv
	}
	if byCode["aaaa1111"].Uses != 5 {
		t.Errorf("conflicting code kept first writer, uses = %d, want 5", byCode["aaaa1111"].Uses)
	}
	if _, ok := byCode["bbbb2222"]; !ok {
		t.Error("key from first replica lost")
	}
	if _, ok := byCode["cccc3333"]; !ok {
		t.Error("key from second replica lost")
	}
}

func TestReconcileServers(t *testing.T) {
	a := []models.Server{{ID: "s1", Name: "old"}, {ID: "s2", Name: "only-a"}}
	b := []models.Server{{ID: "s1", Name: "new"}, {ID: "s3", Name: "only-b"}}

	merged := ReconcileServers(a, b)
	if len(merged) != 3 {
		t.Fatalf("merged holds %d servers, want 3", len(merged))
	}

	byID := make(map[string]models.Server)
	for _, srv := range merged {
		byID[srv.ID] = srv
	}
	if byID["s1"].Name != "new" {
		t.Errorf("conflicting id kept first writer: %q", byID["s1"].Name)
	}
	if _, ok := byID["s2"]; !ok {
		t.Error("id from first replica lost")
	}
	if _, ok := byID["s3"]; !ok {
		t.Error("id from second replica lost")
	}
}

func TestSyncFoldsLocalIntoGlobal(t *testing.T) {
	ledger := newTestLedger(t)

	if err := ledger.store.SetJSON(LocalServersKey, []models.Server{{ID: "s1", Name: "local"}}); err != nil {
		t.Fatal(err)
	}
	if err := ledger.store.SetJSON(GlobalServersKey, []models.Server{{ID: "s2", Name: "global"}}); err != nil {
		t.Fatal(err)
	}

	if err := ledger.Sync(); err != nil {
		t.Fatal(err)
	}

	var global []models.Server
	if err := ledger.store.GetJSON(GlobalServersKey, &global); err != nil {
		t.Fatal(err)
	}
	if len(global) != 2 {
		t.Errorf("global replica holds %d servers after Sync, want 2", len(global))
	}
}
