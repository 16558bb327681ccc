package message

import (
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
)

// InboundMessage is the normalized result handed to downstream flow processing.
type InboundMessage struct {
	ConnectionID   string               `json:"connection_id"`
	TenantID       string               `json:"tenant_id"`
	ContactID      string               `json:"contact_id"`
	ConversationID string               `json:"conversation_id"`
	MessageID      string               `json:"message_id"`
	ExternalID     string               `json:"external_id"`
	ChatJID        string               `json:"chat_jid"`
	From           string               `json:"from"`
	FromResolved   bool                 `json:"from_resolved"`
	PushName       string               `json:"push_name,omitempty"`
	FromMe         bool                 `json:"from_me"`
	IsGroup        bool                 `json:"is_group"`
	Kind           protocol.ContentKind `json:"kind"`
	Text           string               `json:"text"`
	MediaPath      string               `json:"media_path,omitempty"`
	MediaMime      string               `json:"media_mime,omitempty"`
	Vote           *PollVoteResult      `json:"vote,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
}
