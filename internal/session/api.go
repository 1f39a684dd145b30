package session

import (
	"encoding/json"
	"sort"
	"time"

	"drocsid-backend/internal/models"
	"drocsid-backend/internal/protocol"
)

// sendTyped builds an envelope from data and hands it to Send. Marshalling a
// payload struct can't realistically fail, so failures are logged and the
// envelope dropped rather than surfaced.
func (s *Session) sendTyped(t protocol.EventType, data any) {
	env, err := protocol.NewEnvelope(t, data, s.identity.ID)
	if err != nil {
		s.sugar.Error(err)
		return
	}
	s.Send(env)
}

// SendMessage publishes a chat message to its channel.
func (s *Session) SendMessage(message models.Message, channelID string) {
	s.sendTyped(protocol.MessageSend, protocol.MessageSendData{
		Message:   message,
		ChannelID: channelID,
	})
}

// StartTyping announces a keystroke in channelID. Each call re-arms the idle
// auto-stop, so a stop goes out on its own once the user pauses; only one
// such timer is outstanding per channel.
func (s *Session) StartTyping(channelID string) {
	s.sendTyped(protocol.TypingStart, protocol.TypingData{
		UserID:    s.identity.ID,
		ChannelID: channelID,
	})

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == StateClosing || s.state == StateClosed {
		return
	}
	if timer, ok := s.idleStop[channelID]; ok {
		timer.Reset(s.cfg.IdleTypingStop)
		return
	}
	s.idleStop[channelID] = time.AfterFunc(s.cfg.IdleTypingStop, func() {
		s.StopTyping(channelID)
	})
}

// StopTyping announces the end of typing in channelID and cancels the idle
// auto-stop.
func (s *Session) StopTyping(channelID string) {
	s.mutex.Lock()
	if timer, ok := s.idleStop[channelID]; ok {
		timer.Stop()
		delete(s.idleStop, channelID)
	}
	s.mutex.Unlock()

	s.sendTyped(protocol.TypingStop, protocol.TypingData{
		UserID:    s.identity.ID,
		ChannelID: channelID,
	})
}

// JoinVoiceChannel announces this user's voice presence with default state.
func (s *Session) JoinVoiceChannel(channelID string) {
	state := models.VoiceState{
		UserID:     s.identity.ID,
		ChannelID:  channelID,
		IsMuted:    false,
		IsDeafened: false,
		IsSpeaking: false,
	}

	s.mutex.Lock()
	s.voiceStates[state.UserID] = state
	s.mutex.Unlock()

	s.sendTyped(protocol.VoiceJoin, protocol.VoiceJoinData{VoiceState: state})
}

// LeaveVoiceChannel drops this user's voice presence.
func (s *Session) LeaveVoiceChannel() {
	s.mutex.Lock()
	delete(s.voiceStates, s.identity.ID)
	s.mutex.Unlock()

	s.sendTyped(protocol.VoiceLeave, protocol.VoiceLeaveData{UserID: s.identity.ID})
}

// UpdateVoiceState sends a partial state change; unset fields keep their
// prior values on every receiver.
func (s *Session) UpdateVoiceState(patch protocol.VoiceStatePatch) {
	s.mutex.Lock()
	state := s.voiceStates[s.identity.ID]
	state.UserID = s.identity.ID
	patch.Apply(&state)
	s.voiceStates[s.identity.ID] = state
	s.mutex.Unlock()

	s.sendTyped(protocol.VoiceState, protocol.VoiceStateData{
		UserID: s.identity.ID,
		State:  patch,
	})
}

// SendVoiceOffer relays a media-negotiation offer to exactly one peer.
func (s *Session) SendVoiceOffer(targetUserID string, payload json.RawMessage) {
	s.sendTyped(protocol.VoiceOffer, protocol.VoiceSignalData{
		FromUserID:   s.identity.ID,
		TargetUserID: targetUserID,
		Payload:      payload,
	})
}

// SendVoiceAnswer relays a media-negotiation answer to exactly one peer.
func (s *Session) SendVoiceAnswer(targetUserID string, payload json.RawMessage) {
	s.sendTyped(protocol.VoiceAnswer, protocol.VoiceSignalData{
		FromUserID:   s.identity.ID,
		TargetUserID: targetUserID,
		Payload:      payload,
	})
}

// SendIceCandidate relays an ICE candidate to exactly one peer.
func (s *Session) SendIceCandidate(targetUserID string, payload json.RawMessage) {
	s.sendTyped(protocol.VoiceIceCandidate, protocol.VoiceSignalData{
		FromUserID:   s.identity.ID,
		TargetUserID: targetUserID,
		Payload:      payload,
	})
}

// CreateServer announces a newly created server and stores its replica.
func (s *Session) CreateServer(server models.Server) error {
	if err := s.ledger.MergeServer(server); err != nil {
		return err
	}
	s.sendTyped(protocol.ServerCreate, protocol.ServerCreateData{Server: server})
	return nil
}

// JoinServer asks the relay for server data and membership.
func (s *Session) JoinServer(serverID string) {
	s.sendTyped(protocol.ServerJoin, protocol.ServerJoinData{ServerID: serverID})
}

// CreateInvite issues an invite for server through the ledger and announces
// it so other contexts learn the code.
func (s *Session) CreateInvite(server models.Server) (models.Invite, error) {
	created, err := s.ledger.CreateInvite(server, s.identity.ID)
	if err != nil {
		return models.Invite{}, err
	}

	s.sendTyped(protocol.InviteCreate, protocol.InviteCreateData{Invite: created})
	return created, nil
}

// RedeemInvite resolves code against the reconciled replica set, joins this
// user, and notifies the server's members. Redemption failures come back as
// the ledger's typed errors.
func (s *Session) RedeemInvite(code string) (models.Server, error) {
	server, err := s.ledger.RedeemInvite(code, s.identity)
	if err != nil {
		return models.Server{}, err
	}

	s.sendTyped(protocol.ServerMemberJoin, protocol.ServerMemberJoinData{
		ServerID: server.ID,
		User:     &s.identity,
	})

	invites, err := s.ledger.ListInvites(server.ID)
	if err == nil {
		s.sendTyped(protocol.InviteUpdate, protocol.InviteUpdateData{Invites: invites})
	}

	return server, nil
}

// Invites lists the active invites of serverID from the reconciled set.
func (s *Session) Invites(serverID string) ([]models.Invite, error) {
	return s.ledger.ListInvites(serverID)
}

// OnlineUsers returns the current presence view.
func (s *Session) OnlineUsers() []models.PresenceEntry {
	return s.registry.List()
}

// TypingUsers returns who is typing in channelID right now.
func (s *Session) TypingUsers(channelID string) []string {
	return s.tracker.Active(channelID)
}

// VoiceStates returns the merged voice-state view, ordered by user id.
func (s *Session) VoiceStates() []models.VoiceState {
	s.mutex.Lock()
	states := make([]models.VoiceState, 0, len(s.voiceStates))
	for _, state := range s.voiceStates {
		states = append(states, state)
	}
	s.mutex.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].UserID < states[j].UserID })
	return states
}
