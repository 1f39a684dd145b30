// Package session owns a client's single active transport to the realtime
// relay: a live websocket when one can be established, the local fallback bus
// when it can't. Higher layers see one uniform envelope stream either way.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"drocsid-backend/internal/bus"
	"drocsid-backend/internal/invite"
	"drocsid-backend/internal/keyValue"
	"drocsid-backend/internal/models"
	"drocsid-backend/internal/presence"
	"drocsid-backend/internal/protocol"
	"drocsid-backend/internal/typing"

	"go.uber.org/zap"
)

// State of the connection manager.
type State string

const (
	StateConnecting      State = "connecting"
	StateOpen            State = "open"
	StateOfflineFallback State = "offline-fallback"
	StateClosing         State = "closing"
	StateClosed          State = "closed"
)

const (
	// PresenceKey and VoiceStatesKey are the shared store mirrors kept while
	// running on the fallback transport.
	PresenceKey    = "drocsid-online-users"
	VoiceStatesKey = "drocsid-voice-states"

	defaultConnectTimeout = 5 * time.Second
	defaultMaxReconnects  = 5
	defaultBaseDelay      = time.Second
	defaultSelfEchoDelay  = 100 * time.Millisecond
	defaultSyncInterval   = 5 * time.Second
)

// Config wires a session. Store is required; every other zero value gets a
// default. Dialer overrides URL when set, which is how tests substitute the
// primary transport.
type Config struct {
	URL      string
	Dialer   Dialer
	Store    *keyValue.Store
	Exchange *bus.Exchange

	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	SelfEchoDelay        time.Duration
	SyncInterval         time.Duration
	PresenceTTL          time.Duration
	IdleTypingStop       time.Duration
}

// Session is created, connected, operated and disposed by its caller; all
// timers are fields of the session and die with it.
type Session struct {
	sugar *zap.SugaredLogger
	cfg   Config

	dialer     Dialer
	store      *keyValue.Store
	exchange   *bus.Exchange
	dispatcher *protocol.Dispatcher
	registry   *presence.Registry
	tracker    *typing.Tracker
	ledger     *invite.Ledger

	mutex         sync.Mutex
	state         State
	identity      models.User
	conn          Conn
	queue         []protocol.Envelope
	attempts      int
	usingFallback bool
	fallback      *bus.Bus
	voiceStates   map[string]models.VoiceState

	reconnectTimer *time.Timer
	echoTimers     map[int]*time.Timer
	echoNext       int
	idleStop       map[string]*time.Timer
	syncDone       chan struct{}
}

// New builds a session. Failing to provide a store is the one hard error in
// this layer: without it neither transport can exist.
func New(sugar *zap.SugaredLogger, cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, errors.New("session requires a key-value store")
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaultBaseDelay
	}
	if cfg.SelfEchoDelay <= 0 {
		cfg.SelfEchoDelay = defaultSelfEchoDelay
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = presence.StaleAfter
	}
	if cfg.IdleTypingStop <= 0 {
		cfg.IdleTypingStop = 2 * time.Second
	}
	if cfg.Exchange == nil {
		cfg.Exchange = bus.NewExchange()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WebsocketDialer(cfg.URL)
	}

	s := &Session{
		sugar:       sugar,
		cfg:         cfg,
		dialer:      dialer,
		store:       cfg.Store,
		exchange:    cfg.Exchange,
		dispatcher:  protocol.NewDispatcher(),
		registry:    presence.NewRegistry(),
		tracker:     typing.NewTracker(),
		ledger:      invite.NewLedger(sugar, cfg.Store),
		state:       StateClosed,
		voiceStates: make(map[string]models.VoiceState),
		echoTimers:  make(map[int]*time.Timer),
		idleStop:    make(map[string]*time.Timer),
	}
	return s, nil
}

// Connect starts the session for identity. It returns immediately; the
// outcome arrives as a synthetic "connected" event once either transport is
// confirmed usable. Connection problems are never surfaced as errors, they
// funnel into retries and the fallback downgrade.
func (s *Session) Connect(identity models.User) {
	s.mutex.Lock()
	if s.state != StateClosed {
		s.mutex.Unlock()
		return
	}
	s.identity = identity
	s.state = StateConnecting
	s.attempts = 0
	s.mutex.Unlock()

	go s.tryPrimary(true)
}

// tryPrimary attempts one dial of the primary transport. The initial attempt
// downgrades straight to the fallback on failure; reconnect attempts feed the
// backoff schedule instead.
func (s *Session) tryPrimary(initial bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dialer(ctx)
	if err != nil {
		s.sugar.Debugf("Primary transport dial failed: %v", err)
		if initial {
			s.engageFallback()
		} else {
			s.scheduleReconnect()
		}
		return
	}

	s.mutex.Lock()
	if s.state != StateConnecting {
		// Disposed or downgraded while dialing.
		s.mutex.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.state = StateOpen
	s.attempts = 0
	queued := s.queue
	s.queue = nil
	identity := s.identity
	s.mutex.Unlock()

	s.sugar.Debugf("Primary transport open for user [%s]", identity.ID)
	s.emitLocal(protocol.Connected, struct{}{})

	for _, env := range queued {
		if err := conn.WriteEnvelope(env); err != nil {
			s.sugar.Errorf("Flushing queued envelope: %v", err)
		}
	}

	join, err := protocol.NewEnvelope(protocol.UserJoin, protocol.UserJoinData{User: identity}, identity.ID)
	if err == nil {
		if err := conn.WriteEnvelope(join); err != nil {
			s.sugar.Errorf("Sending user_join: %v", err)
		}
	}

	go s.readLoop(conn)
}

func (s *Session) readLoop(conn Conn) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			// Clearing the conn and demoting the state must be one atomic
			// step, or a concurrent Send can observe an open state with no
			// link behind it.
			s.mutex.Lock()
			deliberate := s.state == StateClosing || s.state == StateClosed
			if s.conn == conn {
				s.conn = nil
				if s.state == StateOpen {
					s.state = StateConnecting
				}
			}
			s.mutex.Unlock()

			if deliberate {
				return
			}
			s.sugar.Debugf("Primary transport closed uncleanly: %v", err)
			s.scheduleReconnect()
			return
		}

		s.handleIncoming(env)
	}
}

// scheduleReconnect arms the next backoff attempt, or downgrades once the
// bounded attempt count is exhausted.
func (s *Session) scheduleReconnect() {
	s.mutex.Lock()
	if s.usingFallback || s.state == StateClosing || s.state == StateClosed {
		s.mutex.Unlock()
		return
	}

	s.attempts++
	if s.attempts > s.cfg.MaxReconnectAttempts {
		s.mutex.Unlock()
		s.sugar.Debug("Reconnect attempts exhausted, downgrading to fallback")
		s.engageFallback()
		return
	}

	attempt := s.attempts
	delay := s.cfg.ReconnectBaseDelay << (attempt - 1)
	s.reconnectTimer = time.AfterFunc(delay, func() { s.tryPrimary(false) })
	s.mutex.Unlock()

	s.sugar.Debugf("Reconnect attempt %d/%d in %s", attempt, s.cfg.MaxReconnectAttempts, delay)
	s.emitLocal(protocol.Reconnecting, protocol.ReconnectingData{Attempt: attempt})
}

// engageFallback is a one-way downgrade: once taken, the primary transport is
// not probed again for the rest of the session.
func (s *Session) engageFallback() {
	s.mutex.Lock()
	if s.usingFallback || s.state == StateClosing || s.state == StateClosed {
		s.mutex.Unlock()
		return
	}
	s.usingFallback = true
	s.state = StateOfflineFallback
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}

	s.fallback = bus.NewBus(s.sugar, s.store, s.exchange, s.identity.ID)
	s.fallback.SetPollInterval(s.cfg.SyncInterval)
	s.fallback.OnReceive(s.handleIncoming)
	s.fallback.Start()

	s.syncDone = make(chan struct{})
	queued := s.queue
	s.queue = nil
	identity := s.identity
	s.mutex.Unlock()

	s.sugar.Infof("User [%s] running on local fallback transport", identity.ID)

	// Fold the stored presence document in before the first mirror write so
	// entries from other contexts survive it.
	var stored []models.PresenceEntry
	if err := s.store.GetJSON(PresenceKey, &stored); err != nil {
		s.sugar.Errorf("Reading presence mirror: %v", err)
	} else {
		s.registry.Merge(stored)
	}

	s.registry.Join(identity)
	s.mirrorPresence()

	s.emitLocal(protocol.Connected, struct{}{})

	for _, env := range queued {
		s.Send(env)
	}

	join, err := protocol.NewEnvelope(protocol.UserJoin, protocol.UserJoinData{User: identity}, identity.ID)
	if err == nil {
		s.broadcastFallback(join)
	}

	go s.syncLoop()
}

// Send transmits immediately while open, queues FIFO while connecting, and
// rides the fallback bus afterwards. In fallback mode the envelope also loops
// back to the local listener set after a short delay so the sender observes
// its own action exactly once.
func (s *Session) Send(env protocol.Envelope) {
	s.mutex.Lock()
	state := s.state
	conn := s.conn

	switch state {
	case StateConnecting:
		s.queue = append(s.queue, env)
		s.mutex.Unlock()
		return
	case StateOpen:
		if conn == nil {
			// Link already torn down; queue for the reconnect flush.
			s.queue = append(s.queue, env)
			s.mutex.Unlock()
			return
		}
		s.mutex.Unlock()
		if err := conn.WriteEnvelope(env); err != nil {
			s.sugar.Errorf("Sending %s envelope: %v", env.Type, err)
		}
		return
	case StateOfflineFallback:
		s.mutex.Unlock()
		s.broadcastFallback(env)
		return
	default:
		s.mutex.Unlock()
		s.sugar.Debugf("Dropping %s envelope sent while %s", env.Type, state)
	}
}

func (s *Session) broadcastFallback(env protocol.Envelope) {
	s.mutex.Lock()
	fallback := s.fallback
	if fallback == nil {
		s.mutex.Unlock()
		return
	}

	s.echoNext++
	token := s.echoNext
	s.echoTimers[token] = time.AfterFunc(s.cfg.SelfEchoDelay, func() {
		s.mutex.Lock()
		delete(s.echoTimers, token)
		s.mutex.Unlock()
		s.handleIncoming(env)
	})
	s.mutex.Unlock()

	fallback.Broadcast(env)
}

// handleIncoming maintains the local presence/typing/voice views and then
// hands the envelope to registered listeners. Both transports funnel here.
func (s *Session) handleIncoming(env protocol.Envelope) {
	switch env.Type {
	case protocol.UserJoin:
		var data protocol.UserJoinData
		if err := env.Decode(&data); err == nil {
			s.registry.Join(data.User)
		}
	case protocol.UserLeave:
		var data protocol.UserLeaveData
		if err := env.Decode(&data); err == nil {
			s.dropUser(data.UserID)
		}
	case protocol.UsersOnline:
		var data protocol.UsersOnlineData
		if err := env.Decode(&data); err == nil {
			s.registry.Merge(data.Users)
		}
	case protocol.TypingStart:
		var data protocol.TypingData
		if err := env.Decode(&data); err == nil {
			s.tracker.Start(data.UserID, data.ChannelID)
		}
	case protocol.TypingStop:
		var data protocol.TypingData
		if err := env.Decode(&data); err == nil {
			s.tracker.Stop(data.UserID, data.ChannelID)
		}
	case protocol.VoiceJoin:
		var data protocol.VoiceJoinData
		if err := env.Decode(&data); err == nil {
			s.mutex.Lock()
			s.voiceStates[data.VoiceState.UserID] = data.VoiceState
			s.mutex.Unlock()
		}
	case protocol.VoiceLeave:
		var data protocol.VoiceLeaveData
		if err := env.Decode(&data); err == nil {
			s.mutex.Lock()
			delete(s.voiceStates, data.UserID)
			s.mutex.Unlock()
		}
	case protocol.VoiceState:
		var data protocol.VoiceStateData
		if err := env.Decode(&data); err == nil {
			s.mutex.Lock()
			state := s.voiceStates[data.UserID]
			state.UserID = data.UserID
			data.State.Apply(&state)
			s.voiceStates[data.UserID] = state
			s.mutex.Unlock()
		}
	case protocol.InviteUpdate:
		var data protocol.InviteUpdateData
		if err := env.Decode(&data); err == nil {
			if err := s.ledger.MergeInvites(data.Invites); err != nil {
				s.sugar.Errorf("Merging invite update: %v", err)
			}
		}
	case protocol.ServerData, protocol.InviteSuccess:
		var data protocol.ServerDataData
		if err := env.Decode(&data); err == nil {
			if err := s.ledger.MergeServer(data.Server); err != nil {
				s.sugar.Errorf("Merging server replica: %v", err)
			}
		}
	}

	if env.UserID != "" {
		s.registry.Touch(env.UserID)
	}

	s.dispatcher.Emit(env)
}

func (s *Session) dropUser(userID string) {
	s.registry.Leave(userID)
	s.tracker.StopAll(userID)
	s.mutex.Lock()
	delete(s.voiceStates, userID)
	s.mutex.Unlock()
}

// syncLoop is the fallback cadence: refresh own liveness, sweep stale
// presence, reconcile replicated documents.
func (s *Session) syncLoop() {
	s.mutex.Lock()
	interval := s.cfg.SyncInterval
	done := s.syncDone
	s.mutex.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.syncTick()
		}
	}
}

func (s *Session) syncTick() {
	var stored []models.PresenceEntry
	if err := s.store.GetJSON(PresenceKey, &stored); err != nil {
		s.sugar.Errorf("Reading presence mirror: %v", err)
	} else {
		s.registry.Merge(stored)
	}

	s.registry.Touch(s.identity.ID)

	removed := s.registry.SweepExpired(s.cfg.PresenceTTL)
	for _, userID := range removed {
		s.mutex.Lock()
		delete(s.voiceStates, userID)
		s.mutex.Unlock()
		s.tracker.StopAll(userID)

		leave, err := protocol.NewEnvelope(protocol.UserLeave, protocol.UserLeaveData{UserID: userID}, "")
		if err == nil {
			s.dispatcher.Emit(leave)
		}
	}

	s.mirrorPresence()
	s.mirrorVoiceStates()

	if err := s.ledger.Sync(); err != nil {
		s.sugar.Errorf("Reconciling replicas: %v", err)
	}
}

func (s *Session) mirrorPresence() {
	if err := s.store.SetJSON(PresenceKey, s.registry.List()); err != nil {
		s.sugar.Errorf("Writing presence mirror: %v", err)
	}
}

func (s *Session) mirrorVoiceStates() {
	s.mutex.Lock()
	states := make([]models.VoiceState, 0, len(s.voiceStates))
	for _, state := range s.voiceStates {
		states = append(states, state)
	}
	s.mutex.Unlock()

	if err := s.store.SetJSON(VoiceStatesKey, states); err != nil {
		s.sugar.Errorf("Writing voice-state mirror: %v", err)
	}
}

// On registers handler for t; the token removes it again via Off.
func (s *Session) On(t protocol.EventType, handler protocol.Handler) int {
	return s.dispatcher.On(t, handler)
}

func (s *Session) Off(t protocol.EventType, token int) {
	s.dispatcher.Off(t, token)
}

// ConnectionState reports the manager's current state.
func (s *Session) ConnectionState() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.state
}

// UsingFallback reports whether the one-way downgrade has happened.
func (s *Session) UsingFallback() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.usingFallback
}

// Dispose tears the session down deterministically: every timer owned by the
// session is cancelled, the active transport is closed, and a user_leave is
// broadcast when running on the fallback so other contexts drop this user.
func (s *Session) Dispose() {
	s.mutex.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mutex.Unlock()
		return
	}
	s.state = StateClosing

	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	for token, timer := range s.echoTimers {
		timer.Stop()
		delete(s.echoTimers, token)
	}
	for channelID, timer := range s.idleStop {
		timer.Stop()
		delete(s.idleStop, channelID)
	}
	if s.syncDone != nil {
		close(s.syncDone)
		s.syncDone = nil
	}

	conn := s.conn
	s.conn = nil
	fallback := s.fallback
	s.fallback = nil
	wasFallback := s.usingFallback
	identity := s.identity
	s.mutex.Unlock()

	s.tracker.Close()

	if wasFallback && fallback != nil {
		leave, err := protocol.NewEnvelope(protocol.UserLeave, protocol.UserLeaveData{UserID: identity.ID}, identity.ID)
		if err == nil {
			fallback.Broadcast(leave)
		}

		s.registry.Leave(identity.ID)
		s.mirrorPresence()
		fallback.Close()
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.sugar.Debug(err)
		}
	}

	s.mutex.Lock()
	s.state = StateClosed
	s.mutex.Unlock()

	s.emitLocal(protocol.Disconnected, struct{}{})
}

func (s *Session) emitLocal(t protocol.EventType, data any) {
	env, err := protocol.NewEnvelope(t, data, s.identity.ID)
	if err != nil {
		s.sugar.Error(err)
		return
	}
	s.dispatcher.Emit(env)
}
