package hub

import (
	"errors"
	"fmt"
	"time"

	"drocsid-backend/internal/invite"
	"drocsid-backend/internal/models"
	"drocsid-backend/internal/protocol"
	"drocsid-backend/internal/validator"
)

func (h *Hub) handleEnvelope(client *Client, env protocol.Envelope) {
	if client.UserID != "" {
		h.registry.Touch(client.UserID)
	}

	switch env.Type {
	case protocol.UserJoin:
		h.handleUserJoin(client, env)
	case protocol.UserLeave:
		h.handleUserLeave(client)
	case protocol.MessageSend:
		h.handleMessageSend(client, env)
	case protocol.TypingStart, protocol.TypingStop:
		h.handleTyping(client, env)
	case protocol.VoiceJoin:
		h.handleVoiceJoin(client, env)
	case protocol.VoiceLeave:
		h.handleVoiceLeave(client, env)
	case protocol.VoiceState:
		h.handleVoiceState(client, env)
	case protocol.VoiceOffer, protocol.VoiceAnswer, protocol.VoiceIceCandidate:
		h.handleVoiceSignal(client, env)
	case protocol.ServerCreate:
		h.handleServerCreate(client, env)
	case protocol.ServerJoin:
		h.handleServerJoin(client, env)
	case protocol.ServerMemberJoin:
		h.handleServerMemberJoin(client, env)
	case protocol.InviteCreate:
		h.handleInviteCreate(client, env)
	case protocol.InviteUse:
		h.handleInviteUse(client, env)
	case protocol.InviteUpdate:
		h.handleInviteUpdate(client, env)
	default:
		h.sugar.Debugf("Unhandled envelope type [%s] from session ID [%d]", env.Type, client.SessionID)
	}
}

func (h *Hub) handleUserJoin(client *Client, env protocol.Envelope) {
	var data protocol.UserJoinData
	if err := env.Decode(&data); err != nil {
		h.sugar.Error(err)
		return
	}

	if data.User.ID == "" {
		h.sugar.Debugf("Ignoring user_join without a user id from session ID [%d]", client.SessionID)
		return
	}
	if err := validator.Nickname(data.User.Nickname); err != nil {
		h.sugar.Debugf("Ignoring user_join from session ID [%d]: %v", client.SessionID, err)
		return
	}

	client.UserID = data.User.ID
	client.User = data.User
	h.registry.Join(data.User)

	// The joiner gets the full snapshot; everyone else just hears about the
	// join.
	snapshot := h.mustEnvelope(protocol.UsersOnline,
		protocol.UsersOnlineData{Users: h.registry.List()})
	h.enqueue(client, snapshot)

	h.broadcastAll(h.mustEnvelope(protocol.UserJoin, data), data.User.ID)

	h.sugar.Debugf("User [%s] joined as session ID [%d]", data.User.ID, client.SessionID)
}

func (h *Hub) handleUserLeave(client *Client) {
	if client.UserID == "" {
		return
	}

	h.mutex.Lock()
	delete(h.voiceStates, client.UserID)
	h.mutex.Unlock()
	h.tracker.StopAll(client.UserID)

	if h.registry.Leave(client.UserID) {
		h.broadcastAll(h.mustEnvelope(protocol.UserLeave,
			protocol.UserLeaveData{UserID: client.UserID}), client.UserID)
	}
}

func (h *Hub) handleMessageSend(client *Client, env protocol.Envelope) {
	var data protocol.MessageSendData
	if err := env.Decode(&data); err != nil {
		h.sugar.Error(err)
		return
	}

	if data.Message.ID == "" {
		id, err := h.idGen.Generate()
		if err != nil {
			h.sugar.Error(err)
			return
		}
		data.Message.ID = fmt.Sprint(id)
	}
	if data.Message.Timestamp.IsZero() {
		data.Message.Timestamp = time.Now().UTC()
	}
	data.Message.ChannelID = data.ChannelID

	h.persistMessage(data.Message)

	// No owning server known means no broadcast; the sender's own local echo
	// already covers optimistic display.
	serverID := h.serverIDByChannel(data.ChannelID)
	if serverID == "" {
		h.sugar.Debugf("No owning server for channel [%s], message [%s] not relayed", data.ChannelID, data.Message.ID)
		return
	}

	out := h.mustEnvelope(protocol.MessageSend, data)
	out.UserID = env.UserID
	h.broadcastToServer(serverID, out, "")
}

func (h *Hub) handleTyping(client *Client, env protocol.Envelope) {
	var data protocol.TypingData
	if err := env.Decode(&data); err != nil {
		h.sugar.Error(err)
		return
	}
	data.UserID = client.UserID

	// The tracker's auto-expiry covers a lost typing_stop.
	if env.Type == protocol.TypingStart {
		h.tracker.Start(data.UserID, data.ChannelID)
	} else {
		h.tracker.Stop(data.UserID, data.ChannelID)
	}

	serverID := h.serverIDByChannel(data.ChannelID)
	if serverID == "" {
		return
	}

	out := h.mustEnvelope(env.Type, data)
	out.UserID = client.UserID
	h.broadcastToServer(serverID, out, client.UserID)
}

func (h *Hub) handleVoiceJoin(client *Client, env protocol.Envelope) {
	var data protocol.VoiceJoinData
	if err := env.Decode(&data); err != nil {
		h.sugar.Error(err)
		return
	}

	// A join replaces any previous state wholesale.
	h.mutex.Lock()
	h.voiceStates[data.VoiceState.UserID] = data.VoiceState
	h.mutex.Unlock()

	serverID := h.serverIDByChannel(data.VoiceState.ChannelID)
	if serverID == "" {
		return
	}
	h.broadcastToServer(serverID, h.mustEnvelope(protocol.VoiceJoin, data), "")
}

func (h *Hub) handleVoiceLeave(client *Client, env protocol.Envelope) {
	var data protocol.VoiceLeaveData
	if err := env.Decode(&data); err != nil {
		h.sugar.Error(err)
		return
	}

	h.mutex.Lock()
	state, known := h.voiceStates[data.UserID]
	delete(h.voiceStates, data.UserID)
	h.mutex.Unlock()

	if !known {
		return
	}

	// Peers tear down their negotiation sessions off this broadcast.
	serverID := h.serverIDByChannel(state.ChannelID)
	if serverID == "" {
		return
	}
	h.broadcastToServer(serverID, h.mustEnvelope(protocol.VoiceLeave, data), "")
}

func (h *Hub) handleVoiceState(client *Client, env protocol.Envelope) {
	var data protocol.VoiceStateData
	if err := env.Decode(&data); err != nil {
		h.sugar.Error(err)
		return
	}

	h.mutex.Lock()
	state, known := h.voiceStates[data.UserID]
	if !known {
		h.mutex.Unlock()
		return
	}
	data.State.Apply(&state)
	h.voiceStates[data.UserID] = state
	h.mutex.Unlock()

	// Only the delta goes out; receivers merge locally.
	serverID := h.serverIDByChannel(state.ChannelID)
	if serverID == "" {
		return
	}
	h.broadcastToServer(serverID, h.mustEnvelope(protocol.VoiceState, data), "")
}

// handleVoiceSignal delivers offers, answers and ICE candidates to exactly
// the named target, never broadcast. The sender id is stamped from the
// connection so receivers can multiplex concurrent peer sessions.
func (h *Hub) handleVoiceSignal(client *Client, env protocol.Envelope) {
	var data protocol.VoiceSignalData
	if err := env.Decode(&data); err != nil {
		h.sugar.Error(err)
		return
	}

	if data.TargetUserID == "" {
		h.sugar.Debugf("Dropping %s without a target from user [%s]", env.Type, client.UserID)
		return
	}
	data.FromUserID = client.UserID

	out := h.mustEnvelope(env.Type, data)
	out.UserID = client.UserID
	h.sendToUser(data.TargetUserID, out)
}

func (h *Hub) handleServerCreate(client *Client, env protocol.Envelope) {
	var data protocol.ServerCreateData
	if err := env.Decode(&data); err != nil {
		h.sugar.Error(err)
		return
	}

	if data.Server.ID == "" {
		return
	}
	if err := validator.ServerName(data.Server.Name); err != nil {
		h.sugar.Debugf("Rejecting server [%s]: %v", data.Server.ID, err)
		return
	}

	h.RegisterServer(data.Server)
	if err := h.ledger.MergeServer(data.Server); err != nil {
		h.sugar.Error(err)
	}
	h.sugar.Debugf("Server [%s] created by user [%s]", data.Server.ID, client.UserID)
}

func (h *Hub) handleServerJoin(client *Client, env protocol.Envelope) {
	var data protocol.ServerJoinData
	if err := env.Decode(&data); err != nil {
		h.sugar.Error(err)
		return
	}
	if client.UserID == "" {
		return
	}

	h.mutex.Lock()
	server, known := h.servers[data.ServerID]
	if !known {
		h.mutex.Unlock()
		return
	}
	if !server.HasMember(client.UserID) {
		server.Members = append(server.Members, client.UserID)
		h.servers[data.ServerID] = server
	}
	h.mutex.Unlock()

	h.persistMember(server.ID, client.UserID)

	h.enqueue(client, h.mustEnvelope(protocol.ServerData,
		protocol.ServerDataData{Server: server}))

	h.broadcastToServer(server.ID, h.mustEnvelope(protocol.ServerMemberJoin,
		protocol.ServerMemberJoinData{ServerID: server.ID, UserID: client.UserID}), client.UserID)
}

func (h *Hub) handleServerMemberJoin(client *Client, env protocol.Envelope) {
	var data protocol.ServerMemberJoinData
	if err := env.Decode(&data); err != nil {
		h.sugar.Error(err)
		return
	}

	userID := data.UserID
	if userID == "" && data.User != nil {
		userID = data.User.ID
	}
	if userID == "" {
		return
	}

	h.mutex.Lock()
	server, known := h.servers[data.ServerID]
	if known && !server.HasMember(userID) {
		server.Members = append(server.Members, userID)
		h.servers[data.ServerID] = server
	}
	h.mutex.Unlock()

	if !known {
		return
	}

	h.persistMember(data.ServerID, userID)
	h.broadcastToServer(data.ServerID, h.mustEnvelope(protocol.ServerMemberJoin, data), userID)
}

func (h *Hub) handleInviteCreate(client *Client, env protocol.Envelope) {
	var data protocol.InviteCreateData
	if err := env.Decode(&data); err != nil {
		h.sugar.Error(err)
		return
	}

	// The invite arrives fully formed; the ledger just absorbs the replica.
	if err := h.ledger.MergeInvites([]models.Invite{data.Invite}); err != nil {
		h.sugar.Error(err)
		return
	}

	h.enqueue(client, h.mustEnvelope(protocol.InviteCreated, data))
	h.sugar.Debugf("Invite [%s] registered for server [%s]", data.Invite.Code, data.Invite.ServerID)
}

func (h *Hub) handleInviteUse(client *Client, env protocol.Envelope) {
	var data protocol.InviteUseData
	if err := env.Decode(&data); err != nil {
		h.sugar.Error(err)
		return
	}

	server, err := h.ledger.RedeemInvite(data.Code, data.User)
	if err != nil {
		var reason string
		switch {
		case errors.Is(err, invite.ErrInvalidCode):
			reason = "Invalid invite code"
		case errors.Is(err, invite.ErrExpired):
			reason = "Invite code expired"
		case errors.Is(err, invite.ErrExhausted):
			reason = "Invite code exhausted"
		case errors.Is(err, invite.ErrAlreadyMember):
			reason = "You are already a member of this server"
		default:
			h.sugar.Error(err)
			reason = "Could not redeem invite"
		}
		h.enqueue(client, h.mustEnvelope(protocol.InviteError,
			protocol.InviteErrorData{Error: reason}))
		return
	}

	h.mutex.Lock()
	h.servers[server.ID] = server
	h.mutex.Unlock()
	h.persistServer(server)
	h.persistMember(server.ID, data.User.ID)

	h.enqueue(client, h.mustEnvelope(protocol.InviteSuccess,
		protocol.InviteSuccessData{Server: server}))

	h.broadcastToServer(server.ID, h.mustEnvelope(protocol.ServerMemberJoin,
		protocol.ServerMemberJoinData{ServerID: server.ID, User: &data.User}), data.User.ID)
}

func (h *Hub) handleInviteUpdate(client *Client, env protocol.Envelope) {
	var data protocol.InviteUpdateData
	if err := env.Decode(&data); err != nil {
		h.sugar.Error(err)
		return
	}
	if err := h.ledger.MergeInvites(data.Invites); err != nil {
		h.sugar.Error(err)
	}
}
