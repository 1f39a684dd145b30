// Package hub is the relay process: it owns the websocket clients, the
// presence registry, per-user voice state and the server replica set, and
// fans incoming envelopes out to the members that should see them. All
// mutation happens inside one handler turn per incoming envelope, guarded by
// the hub mutex.
package hub

import (
	"database/sql"
	"net/http"
	"sync"
	"time"

	"drocsid-backend/internal/invite"
	"drocsid-backend/internal/models"
	"drocsid-backend/internal/presence"
	"drocsid-backend/internal/protocol"
	"drocsid-backend/internal/snowflake"
	"drocsid-backend/internal/typing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Live-transport presence is push-based, so the expiry sweep is only a safety
// net and runs with a longer horizon than the fallback's 30s.
const (
	presenceSweepInterval = 30 * time.Second
	presenceTTL           = 90 * time.Second
	inviteSweepInterval   = time.Minute

	clientSendBuffer = 64
)

type Client struct {
	SessionID int64
	Conn      *websocket.Conn
	Send      chan protocol.Envelope

	// UserID is set by the first user_join on this connection.
	UserID string
	User   models.User
}

type Hub struct {
	sugar  *zap.SugaredLogger
	db     *sql.DB
	idGen  *snowflake.Generator
	ledger *invite.Ledger

	registry *presence.Registry
	tracker  *typing.Tracker

	mutex       sync.Mutex
	clients     map[int64]*Client
	servers     map[string]models.Server
	voiceStates map[string]models.VoiceState

	done chan struct{}
}

func NewHub(sugar *zap.SugaredLogger, db *sql.DB, idGen *snowflake.Generator, ledger *invite.Ledger) *Hub {
	h := &Hub{
		sugar:       sugar,
		db:          db,
		idGen:       idGen,
		ledger:      ledger,
		registry:    presence.NewRegistry(),
		tracker:     typing.NewTracker(),
		clients:     make(map[int64]*Client),
		servers:     make(map[string]models.Server),
		voiceStates: make(map[string]models.VoiceState),
		done:        make(chan struct{}),
	}

	h.registry.OnLeave(func(userID string) {
		h.mutex.Lock()
		delete(h.voiceStates, userID)
		h.mutex.Unlock()
	})

	go h.sweepLoop()
	return h
}

// Close stops the periodic sweeps and the typing expiry timers.
func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
		h.tracker.Close()
	}
}

func (h *Hub) sweepLoop() {
	presenceTicker := time.NewTicker(presenceSweepInterval)
	inviteTicker := time.NewTicker(inviteSweepInterval)
	defer presenceTicker.Stop()
	defer inviteTicker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-presenceTicker.C:
			for _, userID := range h.registry.SweepExpired(presenceTTL) {
				h.sugar.Debugf("Swept stale user [%s] from presence", userID)
				h.tracker.StopAll(userID)
				h.broadcastAll(h.mustEnvelope(protocol.UserLeave,
					protocol.UserLeaveData{UserID: userID}), userID)
			}
		case <-inviteTicker.C:
			removed, err := h.ledger.SweepExpired()
			if err != nil {
				h.sugar.Errorf("Sweeping expired invites: %v", err)
			} else if removed > 0 {
				h.sugar.Debugf("Swept %d expired invites", removed)
			}
		}
	}
}

// HandleClient upgrades the request and runs the connection until it closes.
func (h *Hub) HandleClient(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.sugar.Error(err)
		return
	}
	defer conn.Close()

	sessionID, err := h.idGen.Generate()
	if err != nil {
		h.sugar.Error(err)
		return
	}

	client := &Client{
		SessionID: sessionID,
		Conn:      conn,
		Send:      make(chan protocol.Envelope, clientSendBuffer),
	}

	h.mutex.Lock()
	h.clients[sessionID] = client
	h.mutex.Unlock()

	h.sugar.Debugf("Session ID [%d] connected", sessionID)

	go h.writeLoop(client)

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.sugar.Debugf("Session ID [%d] closed uncleanly: %v", sessionID, err)
			}
			break
		}
		h.handleEnvelope(client, env)
	}

	h.disconnectClient(client)
}

func (h *Hub) writeLoop(client *Client) {
	for env := range client.Send {
		if err := client.Conn.WriteJSON(env); err != nil {
			h.sugar.Debugf("Writing to session ID [%d]: %v", client.SessionID, err)
			return
		}
	}
}

func (h *Hub) disconnectClient(client *Client) {
	h.mutex.Lock()
	_, present := h.clients[client.SessionID]
	delete(h.clients, client.SessionID)
	if present {
		close(client.Send)
	}
	delete(h.voiceStates, client.UserID)
	h.mutex.Unlock()

	if !present {
		return
	}

	h.sugar.Debugf("Session ID [%d] disconnected", client.SessionID)

	if client.UserID == "" {
		return
	}
	h.tracker.StopAll(client.UserID)
	if h.registry.Leave(client.UserID) {
		h.broadcastAll(h.mustEnvelope(protocol.UserLeave,
			protocol.UserLeaveData{UserID: client.UserID}), client.UserID)
	}
}

// enqueue hands env to a client without ever blocking the handler turn; a
// client whose buffer is full just loses the envelope.
func (h *Hub) enqueue(client *Client, env protocol.Envelope) {
	select {
	case client.Send <- env:
	default:
		h.sugar.Warnf("Dropping %s envelope for slow session ID [%d]", env.Type, client.SessionID)
	}
}

// broadcastAll fans env out to every connected client except excludeUserID.
func (h *Hub) broadcastAll(env protocol.Envelope, excludeUserID string) {
	h.mutex.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		if excludeUserID != "" && client.UserID == excludeUserID {
			continue
		}
		targets = append(targets, client)
	}
	h.mutex.Unlock()

	for _, client := range targets {
		h.enqueue(client, env)
	}
}

// broadcastToServer fans env out to the currently connected members of
// serverID, except excludeUserID.
func (h *Hub) broadcastToServer(serverID string, env protocol.Envelope, excludeUserID string) {
	h.mutex.Lock()
	server, known := h.servers[serverID]
	if !known {
		h.mutex.Unlock()
		return
	}

	members := make(map[string]bool, len(server.Members))
	for _, id := range server.Members {
		members[id] = true
	}

	var targets []*Client
	for _, client := range h.clients {
		if client.UserID == "" || !members[client.UserID] {
			continue
		}
		if excludeUserID != "" && client.UserID == excludeUserID {
			continue
		}
		targets = append(targets, client)
	}
	h.mutex.Unlock()

	for _, client := range targets {
		h.enqueue(client, env)
	}
}

// sendToUser delivers env to every connection of exactly one user.
func (h *Hub) sendToUser(userID string, env protocol.Envelope) {
	h.mutex.Lock()
	var targets []*Client
	for _, client := range h.clients {
		if client.UserID == userID {
			targets = append(targets, client)
		}
	}
	h.mutex.Unlock()

	for _, client := range targets {
		h.enqueue(client, env)
	}
}

// serverIDByChannel is the reverse lookup over the known servers' channels.
func (h *Hub) serverIDByChannel(channelID string) string {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for id, server := range h.servers {
		for _, channel := range server.Channels {
			if channel.ID == channelID {
				return id
			}
		}
	}
	return ""
}

func (h *Hub) mustEnvelope(t protocol.EventType, data any) protocol.Envelope {
	env, err := protocol.NewEnvelope(t, data, "")
	if err != nil {
		h.sugar.Error(err)
	}
	return env
}

// TypingUsers returns who the relay currently considers typing in channelID.
func (h *Hub) TypingUsers(channelID string) []string {
	return h.tracker.Active(channelID)
}

// Servers returns a snapshot of the known server replicas for the REST
// surface.
func (h *Hub) Servers() []models.Server {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	servers := make([]models.Server, 0, len(h.servers))
	for _, server := range h.servers {
		servers = append(servers, server)
	}
	return servers
}

// RegisterServer stores a server replica, used by the REST create endpoint.
func (h *Hub) RegisterServer(server models.Server) {
	h.mutex.Lock()
	h.servers[server.ID] = server
	h.mutex.Unlock()

	h.persistServer(server)
}
