package message

import (
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
)

// ChannelConnection is the persisted registration of a tenant connection.
type ChannelConnection struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	UserID          string            `json:"user_id"`
	Name            string            `json:"name"`
	Status          connection.Status `json:"status"`
	PhoneNumber     string            `json:"phone_number"`
	LastError       string            `json:"last_error"`
	LastConnectedAt *time.Time        `json:"last_connected_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ChannelConnectionUpdate lists the optional fields UpdateChannelConnection may change.
type ChannelConnectionUpdate struct {
	Name            *string
	PhoneNumber     *string
	LastConnectedAt *time.Time
}

type ContactInput struct {
	TenantID     string
	ConnectionID string
	Identifier   string // canonical JID, or the opaque LID when unresolved
	LinkedID     string // LID seen for this contact, if any
	Name         string
	IsGroup      bool
}

type Contact struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Identifier  string    `json:"identifier"`
	LinkedID    string    `json:"linked_id,omitempty"`
	Name        string    `json:"name"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	IsGroup     bool      `json:"is_group"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Conversation struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	ContactID     string     `json:"contact_id"`
	ChannelID     string     `json:"channel_id"`
	Name          string     `json:"name"`
	IsGroup       bool       `json:"is_group"`
	UnreadCount   int        `json:"unread_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type ConversationUpdate struct {
	Name            *string
	LastMessageAt   *time.Time
	UnreadIncrement int
	ResetUnread     bool
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	ContactID      string         `json:"contact_id"`
	ConnectionID   string         `json:"connection_id"`
	ExternalID     string         `json:"external_id"`
	Direction      Direction      `json:"direction"`
	Type           string         `json:"type"`
	Content        string         `json:"content"`
	MediaPath      string         `json:"media_path,omitempty"`
	MediaMime      string         `json:"media_mime,omitempty"`
	SenderLID      string         `json:"sender_lid,omitempty"`
	Status         string         `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	SentAt         time.Time      `json:"sent_at"`
	CreatedAt      time.Time      `json:"created_at"`
}
