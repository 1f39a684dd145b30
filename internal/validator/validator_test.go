package validator_test

import (
	"strings"
	"testing"

	"drocsid-backend/internal/validator"
)

func TestInviteCode(t *testing.T) {
	tests := []struct {
		code    string
		wantErr string
	}{
		{"abCD1234", ""},
		{"AAAAAAAA", ""},
		{"12345678", ""},
		{"", "bad_code"},
		{"short", "bad_code"},
		{"toolongcode99", "bad_code"},
		{"with-dash", "bad_code"},
		{"space in", "bad_code"},
	}

	for _, tt := range tests {
		err := validator.InviteCode(tt.code)
		if tt.wantErr == "" && err != nil {
			t.Errorf("validator.InviteCode(%q) = %v, want nil", tt.code, err)
		}
		if tt.wantErr != "" && (err == nil || err.Error() != tt.wantErr) {
			t.Errorf("validator.InviteCode(%q) = %v, want %s", tt.code, err, tt.wantErr)
		}
	}
}

func TestNickname(t *testing.T) {
	tests := []struct {
		nickname string
		wantErr  string
	}{
		{"alice", ""},
		{"a", ""},
		{strings.Repeat("x", 32), ""},
		{"", "empty_nickname"},
		{strings.Repeat("x", 33), "long_nickname"},
	}

	for _, tt := range tests {
		err := validator.Nickname(tt.nickname)
		if tt.wantErr == "" && err != nil {
			t.Errorf("validator.Nickname(%q) = %v, want nil", tt.nickname, err)
		}
		if tt.wantErr != "" && (err == nil || err.Error() != tt.wantErr) {
			t.Errorf("validator.Nickname(%q) = %v, want %s", tt.nickname, err, tt.wantErr)
		}
	}
}

func TestServerName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr string
	}{
		{"general hangout", ""},
		{strings.Repeat("x", 64), ""},
		{"", "empty_server_name"},
		{strings.Repeat("x", 65), "long_server_name"},
	}

	for _, tt := range tests {
		err := validator.ServerName(tt.name)
		if tt.wantErr == "" && err != nil {
			t.Errorf("validator.ServerName(%q) = %v, want nil", tt.name, err)
		}
		if tt.wantErr != "" && (err == nil || err.Error() != tt.wantErr) {
			t.Errorf("validator.ServerName(%q) = %v, want %s", tt.name, err, tt.wantErr)
		}
	}
}
