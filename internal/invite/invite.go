// Package invite issues and redeems time- and use-limited server join codes,
// and reconciles the independently replicated invite/server documents that
// accumulate in the shared store. Conflict resolution is last-writer-wins by
// key; the domain tolerates eventual, lossy convergence.
package invite

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"drocsid-backend/internal/keyValue"
	"drocsid-backend/internal/models"
	"drocsid-backend/internal/validator"

	"go.uber.org/zap"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	codeLength   = 8

	// DefaultTTL and DefaultMaxUses bound every created invite.
	DefaultTTL     = 24 * time.Hour
	DefaultMaxUses = 100

	// Store keys of the replicated documents. "Global" documents are the
	// cross-context replicas; "local" ones belong to this context.
	GlobalInvitesKey = "drocsid-global-invites"
	LocalInvitesKey  = "drocsid-invites"
	GlobalServersKey = "drocsid-global-servers"
	LocalServersKey  = "drocsid-servers"
)

// Redemption failures, returned typed so the caller can show the reason.
var (
	ErrInvalidCode   = errors.New("invalid invite code")
	ErrExpired       = errors.New("invite code expired")
	ErrExhausted     = errors.New("invite code exhausted")
	ErrAlreadyMember = errors.New("already a member of this server")
)

// Ledger owns invite lifecycle against a shared store. Redemption runs under
// the ledger mutex so uses can't exceed maxUses within one process; races
// between independent replicas stay last-writer-wins.
type Ledger struct {
	sugar *zap.SugaredLogger
	store *keyValue.Store
	mutex sync.Mutex

	now func() time.Time
}

func NewLedger(sugar *zap.SugaredLogger, store *keyValue.Store) *Ledger {
	return &Ledger{
		sugar: sugar,
		store: store,
		now:   time.Now,
	}
}

// GenerateCode draws 8 symbols uniformly from a 62-symbol alphabet. Collisions
// are negligible but not impossible; CreateInvite re-draws on a local clash.
func GenerateCode() string {
	var b strings.Builder
	for i := 0; i < codeLength; i++ {
		b.WriteByte(codeAlphabet[rand.Intn(len(codeAlphabet))])
	}
	return b.String()
}

// CreateInvite issues a new invite bound to server and persists both the
// invite and a server replica so other contexts can resolve the code.
func (l *Ledger) CreateInvite(server models.Server, creatorID string) (models.Invite, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	invites, err := l.loadInvites()
	if err != nil {
		return models.Invite{}, err
	}

	code := GenerateCode()
	if findInvite(invites, code) != nil {
		code = GenerateCode()
	}

	now := l.now()
	created := models.Invite{
		Code:       code,
		ServerID:   server.ID,
		ServerName: server.Name,
		CreatedBy:  creatorID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(DefaultTTL),
		Uses:       0,
		MaxUses:    DefaultMaxUses,
	}

	invites = append(invites, created)
	if err := l.saveInvites(invites); err != nil {
		return models.Invite{}, err
	}
	if err := l.saveServer(server); err != nil {
		return models.Invite{}, err
	}

	l.sugar.Debugf("Created invite [%s] for server [%s]", created.Code, server.ID)
	return created, nil
}

// RedeemInvite resolves code case-insensitively, enforces the invite's
// terminal states, joins user to the resolved server and persists the updated
// replicas. When no server replica exists anywhere, a minimal server is
// materialized from the invite's cached name, that is a deliberate
// degraded-recovery path, not an error.
func (l *Ledger) RedeemInvite(code string, user models.User) (models.Server, error) {
	if err := validator.InviteCode(code); err != nil {
		return models.Server{}, ErrInvalidCode
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	invites, err := l.loadInvites()
	if err != nil {
		return models.Server{}, err
	}

	inv := findInvite(invites, code)
	if inv == nil {
		return models.Server{}, ErrInvalidCode
	}
	if l.now().After(inv.ExpiresAt) {
		return models.Server{}, ErrExpired
	}
	if inv.MaxUses > 0 && inv.Uses >= inv.MaxUses {
		return models.Server{}, ErrExhausted
	}

	server, err := l.resolveServer(*inv)
	if err != nil {
		return models.Server{}, err
	}

	if server.HasMember(user.ID) {
		return models.Server{}, ErrAlreadyMember
	}

	server.Members = append(server.Members, user.ID)
	inv.Uses++

	if err := l.saveServer(server); err != nil {
		return models.Server{}, err
	}
	if err := l.saveInvites(invites); err != nil {
		return models.Server{}, err
	}

	l.sugar.Debugf("User [%s] joined server [%s] via invite [%s]", user.ID, server.ID, inv.Code)
	return server, nil
}

// ListInvites returns the still-active invites of serverID.
func (l *Ledger) ListInvites(serverID string) ([]models.Invite, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	invites, err := l.loadInvites()
	if err != nil {
		return nil, err
	}

	now := l.now()
	active := []models.Invite{}
	for _, inv := range invites {
		if inv.ServerID != serverID {
			continue
		}
		if now.After(inv.ExpiresAt) {
			continue
		}
		if inv.MaxUses > 0 && inv.Uses >= inv.MaxUses {
			continue
		}
		active = append(active, inv)
	}
	return active, nil
}

// MergeInvites folds a replica batch received from another context into the
// stored set, last-merged wins per code.
func (l *Ledger) MergeInvites(incoming []models.Invite) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	invites, err := l.loadInvites()
	if err != nil {
		return err
	}
	return l.saveInvites(ReconcileInvites(invites, incoming))
}

// MergeServer folds a server replica into the stored set.
func (l *Ledger) MergeServer(server models.Server) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.saveServer(server)
}

// Server resolves serverID from the best available replica.
func (l *Ledger) Server(serverID string) (models.Server, bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.lookupServer(serverID)
}

// SweepExpired drops time-expired invites from both replicas and returns how
// many were removed.
func (l *Ledger) SweepExpired() (int, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	invites, err := l.loadInvites()
	if err != nil {
		return 0, err
	}

	now := l.now()
	kept := invites[:0]
	for _, inv := range invites {
		if now.After(inv.ExpiresAt) {
			continue
		}
		kept = append(kept, inv)
	}

	removed := len(invites) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	return removed, l.saveInvites(kept)
}

// Sync mirrors the original periodic reconciliation: fold the local documents
// into the global ones so independently written copies converge.
func (l *Ledger) Sync() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	invites, err := l.loadInvites()
	if err != nil {
		return err
	}
	if err := l.saveInvites(invites); err != nil {
		return err
	}

	var global, local []models.Server
	if err := l.store.GetJSON(GlobalServersKey, &global); err != nil {
		return err
	}
	if err := l.store.GetJSON(LocalServersKey, &local); err != nil {
		return err
	}
	return l.store.SetJSON(GlobalServersKey, ReconcileServers(global, local))
}

// ReconcileInvites unions two replica sets by code. On conflict the entry
// merged last wins; no key from either input is lost.
func ReconcileInvites(a, b []models.Invite) []models.Invite {
	merged := make([]models.Invite, 0, len(a)+len(b))
	index := make(map[string]int)

	for _, set := range [][]models.Invite{a, b} {
		for _, inv := range set {
			key := strings.ToLower(inv.Code)
			if at, ok := index[key]; ok {
				merged[at] = inv
				continue
			}
			index[key] = len(merged)
			merged = append(merged, inv)
		}
	}
	return merged
}

// ReconcileServers unions two replica sets by server id, last merged wins.
func ReconcileServers(a, b []models.Server) []models.Server {
	merged := make([]models.Server, 0, len(a)+len(b))
	index := make(map[string]int)

	for _, set := range [][]models.Server{a, b} {
		for _, srv := range set {
			if at, ok := index[srv.ID]; ok {
				merged[at] = srv
				continue
			}
			index[srv.ID] = len(merged)
			merged = append(merged, srv)
		}
	}
	return merged
}

func findInvite(invites []models.Invite, code string) *models.Invite {
	for i := range invites {
		if strings.EqualFold(invites[i].Code, code) {
			return &invites[i]
		}
	}
	return nil
}

// loadInvites merges the global replica with the local one, local wins.
func (l *Ledger) loadInvites() ([]models.Invite, error) {
	var global, local []models.Invite
	if err := l.store.GetJSON(GlobalInvitesKey, &global); err != nil {
		return nil, err
	}
	if err := l.store.GetJSON(LocalInvitesKey, &local); err != nil {
		return nil, err
	}
	return ReconcileInvites(global, local), nil
}

// saveInvites writes the local document and folds it into the global replica.
func (l *Ledger) saveInvites(invites []models.Invite) error {
	if err := l.store.SetJSON(LocalInvitesKey, invites); err != nil {
		return err
	}

	var global []models.Invite
	if err := l.store.GetJSON(GlobalInvitesKey, &global); err != nil {
		return err
	}
	return l.store.SetJSON(GlobalInvitesKey, ReconcileInvites(global, invites))
}

func (l *Ledger) lookupServer(serverID string) (models.Server, bool, error) {
	var global []models.Server
	if err := l.store.GetJSON(GlobalServersKey, &global); err != nil {
		return models.Server{}, false, err
	}
	for _, srv := range global {
		if srv.ID == serverID {
			return srv, true, nil
		}
	}

	var local []models.Server
	if err := l.store.GetJSON(LocalServersKey, &local); err != nil {
		return models.Server{}, false, err
	}
	for _, srv := range local {
		if srv.ID == serverID {
			return srv, true, nil
		}
	}

	return models.Server{}, false, nil
}

func (l *Ledger) resolveServer(inv models.Invite) (models.Server, error) {
	server, found, err := l.lookupServer(inv.ServerID)
	if err != nil {
		return models.Server{}, err
	}
	if found {
		return server, nil
	}

	l.sugar.Debugf("No replica for server [%s], materializing from invite [%s]", inv.ServerID, inv.Code)
	return models.Server{
		ID:   inv.ServerID,
		Name: inv.ServerName,
		Icon: "",
		Channels: []models.Channel{
			{ID: inv.ServerID + "-general", Name: "general", Type: models.ChannelText, ServerID: inv.ServerID},
			{ID: inv.ServerID + "-voice", Name: "Voice Room", Type: models.ChannelVoice, ServerID: inv.ServerID},
		},
		Members: []string{},
		OwnerID: inv.CreatedBy,
	}, nil
}

// saveServer upserts server into both replica documents.
func (l *Ledger) saveServer(server models.Server) error {
	var local []models.Server
	if err := l.store.GetJSON(LocalServersKey, &local); err != nil {
		return err
	}
	if err := l.store.SetJSON(LocalServersKey, ReconcileServers(local, []models.Server{server})); err != nil {
		return err
	}

	var global []models.Server
	if err := l.store.GetJSON(GlobalServersKey, &global); err != nil {
		return err
	}
	return l.store.SetJSON(GlobalServersKey, ReconcileServers(global, []models.Server{server}))
}
