package models

import "time"

type User struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	Status   string `json:"status,omitempty"`
}

// Presence statuses. Offline entries are removed rather than stored.
const (
	StatusOnline = "online"
	StatusAway   = "away"
	StatusBusy   = "busy"
)

type PresenceEntry struct {
	ID       string    `json:"id"`
	Nickname string    `json:"nickname"`
	Avatar   string    `json:"avatar"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

const (
	ChannelText  = "text"
	ChannelVoice = "voice"
)

type Channel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
}

type Server struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Icon     string    `json:"icon"`
	Channels []Channel `json:"channels"`
	Members  []string  `json:"members"`
	OwnerID  string    `json:"ownerId"`
}

// HasMember reports whether userID is already in the membership list.
func (s *Server) HasMember(userID string) bool {
	for _, id := range s.Members {
		if id == userID {
			return true
		}
	}
	return false
}

type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Author    User      `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	ChannelID string    `json:"channelId"`
}

type Invite struct {
	Code       string    `json:"code"`
	ServerID   string    `json:"serverId"`
	ServerName string    `json:"serverName"`
	CreatedBy  string    `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Uses       int       `json:"uses"`
	MaxUses    int       `json:"maxUses"`
}

type VoiceState struct {
	UserID     string `json:"userId"`
	ChannelID  string `json:"channelId"`
	IsMuted    bool   `json:"isMuted"`
	IsDeafened bool   `json:"isDeafened"`
	IsSpeaking bool   `json:"isSpeaking"`
}

type ConfigFile struct {
	Address           string
	Port              string
	BehindNginx       bool
	TlsCert           string
	TlsKey            string
	Cors              bool
	PrintHttpRequests bool
	LogToFile         bool
	LogLevel          string
	SnowflakeWorkerID int64
	SelfContained     bool
	RedisAddress      string
	RedisPassword     string
	DbUser            string
	DbPassword        string
	DbAddress         string
	DbPort            string
	DbDatabase        string
}
