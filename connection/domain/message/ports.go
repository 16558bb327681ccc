package message

import (
	"context"

	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
)

// IStorage is the persistence collaborator. Lookups return (nil, nil) when
// nothing matches, except GetChannelConnection which returns a NotFoundError.
type IStorage interface {
	GetChannelConnection(ctx context.Context, id string) (*ChannelConnection, error)
	ListChannelConnections(ctx context.Context) ([]ChannelConnection, error)
	UpsertChannelConnection(ctx context.Context, conn *ChannelConnection) error
	UpdateChannelConnectionStatus(ctx context.Context, id string, status connection.Status, lastError string) error
	UpdateChannelConnection(ctx context.Context, id string, upd ChannelConnectionUpdate) error

	GetOrCreateContact(ctx context.Context, in ContactInput) (*Contact, error)
	FindContactBySenderLID(ctx context.Context, connectionID, lid string) (*Contact, error)

	GetConversationByContactAndChannel(ctx context.Context, contactID, channelID string) (*Conversation, error)
	CreateConversation(ctx context.Context, conv *Conversation) error
	UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error

	CreateMessage(ctx context.Context, msg *Message) error
	GetMessageByExternalID(ctx context.Context, conversationID, externalID string) (*Message, error)
}

// IEventBus is publish-only. Delivery failures are logged by the implementation.
type IEventBus interface {
	Publish(ctx context.Context, evt Event)
}

// IPollContextStore caches poll contexts for vote decryption.
type IPollContextStore interface {
	Put(ctx context.Context, pc PollContext) error
	Get(ctx context.Context, pollID string) (*PollContext, error)
}
