package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"drocsid-backend/internal/models"

	"github.com/google/uuid"
)

// EventType tags an envelope. Every value the relay understands is listed
// here; dispatch goes through these constants so an unknown tag can't be
// silently routed.
type EventType string

const (
	UserJoin    EventType = "user_join"
	UserLeave   EventType = "user_leave"
	UsersOnline EventType = "users_online"

	MessageSend EventType = "message_send"
	TypingStart EventType = "typing_start"
	TypingStop  EventType = "typing_stop"

	VoiceJoin         EventType = "voice_join"
	VoiceLeave        EventType = "voice_leave"
	VoiceState        EventType = "voice_state"
	VoiceData         EventType = "voice_data"
	VoiceOffer        EventType = "voice_offer"
	VoiceAnswer       EventType = "voice_answer"
	VoiceIceCandidate EventType = "voice_ice_candidate"

	ServerJoin       EventType = "server_join"
	ServerCreate     EventType = "server_create"
	ServerData       EventType = "server_data"
	ServerMemberJoin EventType = "server_member_join"

	InviteCreate  EventType = "invite_create"
	InviteCreated EventType = "invite_created"
	InviteUse     EventType = "invite_use"
	InviteSuccess EventType = "invite_success"
	InviteError   EventType = "invite_error"
	InviteUpdate  EventType = "invite_update"

	// Synthetic connection events, emitted locally and never put on the wire.
	Connected    EventType = "connected"
	Disconnected EventType = "disconnected"
	Reconnecting EventType = "reconnecting"
)

// Envelope is the unit of transport. It is immutable once sent; recipients
// must tolerate duplicates and dedupe by ID, falling back to
// (Type, UserID, Timestamp) for envelopes produced without an id.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	UserID    string          `json:"userId,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// NewEnvelope marshals data and stamps id, origin and creation time.
func NewEnvelope(t EventType, data any, userID string) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}

	return Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		Data:      raw,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// DedupeKey identifies an envelope across transports.
func (e Envelope) DedupeKey() string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("%s|%s|%d", e.Type, e.UserID, e.Timestamp.UnixNano())
}

// Decode unmarshals the tag-specific payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

type UserJoinData struct {
	User models.User `json:"user"`
}

type UserLeaveData struct {
	UserID string `json:"userId"`
}

type UsersOnlineData struct {
	Users []models.PresenceEntry `json:"users"`
}

type MessageSendData struct {
	Message   models.Message `json:"message"`
	ChannelID string         `json:"channelId"`
}

type TypingData struct {
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
}

type VoiceJoinData struct {
	VoiceState models.VoiceState `json:"voiceState"`
}

type VoiceLeaveData struct {
	UserID string `json:"userId"`
}

// VoiceStatePatch is a partial VoiceState: nil fields keep their prior value.
// Broadcasts carry only the delta, so receivers merge rather than replace.
type VoiceStatePatch struct {
	ChannelID  *string `json:"channelId,omitempty"`
	IsMuted    *bool   `json:"isMuted,omitempty"`
	IsDeafened *bool   `json:"isDeafened,omitempty"`
	IsSpeaking *bool   `json:"isSpeaking,omitempty"`
}

// Apply merges the patch into state.
func (p VoiceStatePatch) Apply(state *models.VoiceState) {
	if p.ChannelID != nil {
		state.ChannelID = *p.ChannelID
	}
	if p.IsMuted != nil {
		state.IsMuted = *p.IsMuted
	}
	if p.IsDeafened != nil {
		state.IsDeafened = *p.IsDeafened
	}
	if p.IsSpeaking != nil {
		state.IsSpeaking = *p.IsSpeaking
	}
}

type VoiceStateData struct {
	UserID string          `json:"userId"`
	State  VoiceStatePatch `json:"state"`
}

// VoiceSignalData rides voice_offer, voice_answer and voice_ice_candidate.
// FromUserID travels in the payload so receivers can multiplex concurrent
// peer negotiations; the relay stamps it from the sending connection and
// delivers only to TargetUserID. Payload is an opaque media-negotiation blob.
type VoiceSignalData struct {
	FromUserID   string          `json:"fromUserId"`
	TargetUserID string          `json:"targetUserId"`
	Payload      json.RawMessage `json:"payload"`
}

type ServerJoinData struct {
	ServerID string `json:"serverId"`
}

type ServerCreateData struct {
	Server models.Server `json:"server"`
}

type ServerDataData struct {
	Server models.Server `json:"server"`
}

type ServerMemberJoinData struct {
	ServerID string       `json:"serverId"`
	UserID   string       `json:"userId,omitempty"`
	User     *models.User `json:"user,omitempty"`
}

type InviteCreateData struct {
	Invite models.Invite `json:"invite"`
}

type InviteUseData struct {
	Code string      `json:"code"`
	User models.User `json:"user"`
}

type InviteSuccessData struct {
	Server models.Server `json:"server"`
}

type InviteErrorData struct {
	Error string `json:"error"`
}

type InviteUpdateData struct {
	Invites []models.Invite `json:"invites"`
}

type ReconnectingData struct {
	Attempt int `json:"attempt"`
}
