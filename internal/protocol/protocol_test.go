package protocol

import (
	"testing"

	"drocsid-backend/internal/models"
)

func TestDispatcherEmitOrder(t *testing.T) {
	dispatcher := NewDispatcher()

	var order []int
	dispatcher.On(MessageSend, func(Envelope) { order = append(order, 1) })
	dispatcher.On(MessageSend, func(Envelope) { order = append(order, 2) })
	dispatcher.On(MessageSend, func(Envelope) { order = append(order, 3) })
	dispatcher.On(UserJoin, func(Envelope) { t.Error("handler for a different type fired") })

	dispatcher.Emit(Envelope{Type: MessageSend})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("handlers ran in order %v, want [1 2 3]", order)
	}
}

func TestDispatcherOff(t *testing.T) {
	dispatcher := NewDispatcher()

	var fired []string
	dispatcher.On(TypingStart, func(Envelope) { fired = append(fired, "keep") })
	removed := dispatcher.On(TypingStart, func(Envelope) { fired = append(fired, "removed") })

	dispatcher.Off(TypingStart, removed)
	dispatcher.Emit(Envelope{Type: TypingStart})

	if len(fired) != 1 || fired[0] != "keep" {
		t.Errorf("after Off, fired = %v, want [keep]", fired)
	}

	// Off with a stale token must be a no-op.
	dispatcher.Off(TypingStart, removed)
	dispatcher.Off(UserLeave, 42)
	dispatcher.Emit(Envelope{Type: TypingStart})
	if len(fired) != 2 {
		t.Errorf("surviving handler did not fire again, fired = %v", fired)
	}
}

func TestNewEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(MessageSend, MessageSendData{
		Message:   models.Message{ID: "1", Content: "hello"},
		ChannelID: "chan-1",
	}, "user-1")
	if err != nil {
		t.Fatal(err)
	}

	if env.ID == "" {
		t.Error("NewEnvelope did not assign an id")
	}
	if env.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", env.UserID)
	}

	var data MessageSendData
	if err := env.Decode(&data); err != nil {
		t.Fatal(err)
	}
	if data.Message.Content != "hello" || data.ChannelID != "chan-1" {
		t.Errorf("decoded payload = %+v", data)
	}
}

func TestDedupeKey(t *testing.T) {
	withID := Envelope{ID: "abc", Type: MessageSend, UserID: "u"}
	if withID.DedupeKey() != "abc" {
		t.Errorf("DedupeKey with id = %q, want abc", withID.DedupeKey())
	}

	a, err := NewEnvelope(UserJoin, UserJoinData{}, "u1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewEnvelope(UserJoin, UserJoinData{}, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if a.DedupeKey() == b.DedupeKey() {
		t.Error("distinct envelopes share a dedupe key")
	}

	legacy := Envelope{Type: TypingStart, UserID: "u2", Timestamp: a.Timestamp}
	if legacy.DedupeKey() == "" {
		t.Error("envelope without id has empty dedupe key")
	}
}

func TestVoiceStatePatchApply(t *testing.T) {
	channel := "voice-1"
	muted := true

	tests := []struct {
		name  string
		patch VoiceStatePatch
		want  models.VoiceState
	}{
		{
			name:  "empty patch keeps everything",
			patch: VoiceStatePatch{},
			want:  models.VoiceState{UserID: "u", ChannelID: "old", IsSpeaking: true},
		},
		{
			name:  "single field",
			patch: VoiceStatePatch{IsMuted: &muted},
			want:  models.VoiceState{UserID: "u", ChannelID: "old", IsMuted: true, IsSpeaking: true},
		},
		{
			name:  "channel move",
			patch: VoiceStatePatch{ChannelID: &channel},
			want:  models.VoiceState{UserID: "u", ChannelID: "voice-1", IsSpeaking: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := models.VoiceState{UserID: "u", ChannelID: "old", IsSpeaking: true}
			tt.patch.Apply(&state)
			if state != tt.want {
				t.Errorf("Apply() = %+v, want %+v", state, tt.want)
			}
		})
	}
}
