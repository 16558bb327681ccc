package protocol

import (
	"context"
	"os"

	"github.com/AzielCF/az-wap-connector/connection/domain/common"
)

// Presence is the chat state shown to the remote contact.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresenceRecording Presence = "recording"
	PresencePaused    Presence = "paused"
)

// Sender cubre el envío de mensajes y presencia
type Sender interface {
	SendText(ctx context.Context, to, text, quotedID string) (common.SendResponse, error)
	SendMedia(ctx context.Context, to string, media common.MediaUpload) (common.SendResponse, error)
	SendPoll(ctx context.Context, to, question string, options []string, selectable int) (common.PollSendResponse, error)
	SendPresence(ctx context.Context, to string, presence Presence) error
}

// Resolver cubre la resolución de identidades y metadatos de grupo
type Resolver interface {
	ResolveLID(ctx context.Context, lid string) (string, error)
	GroupMetadata(ctx context.Context, jid string) (common.GroupInfo, error)
}

// Downloader exposes the three media retrieval primitives, tried in order.
type Downloader interface {
	Download(ctx context.Context, ref *MediaRef) ([]byte, error)
	DownloadDirect(ctx context.Context, ref *MediaRef) ([]byte, error)
	DownloadStream(ctx context.Context, ref *MediaRef, dst *os.File) error
}

// PollDecrypter decrypts a vote using the secret the protocol store kept for the poll.
type PollDecrypter interface {
	DecryptPollVote(ctx context.Context, msg *RawMessage) ([][]byte, error)
}

// Client is one live protocol session. Events are delivered on a bounded channel
// that is closed by Close.
type Client interface {
	Sender
	Resolver
	Downloader
	PollDecrypter

	Connect(ctx context.Context) error
	Disconnect()
	Close()
	Logout(ctx context.Context) error
	Events() <-chan Event
	IsConnected() bool
	SelfJID() string
	Ping(ctx context.Context) error
}

// Factory opens a client bound to the credentials in sessionDir.
type Factory interface {
	New(ctx context.Context, connectionID, sessionDir string) (Client, error)
}

// CredentialValidator checks the protocol-specific credential material of a session directory.
type CredentialValidator interface {
	ValidateCredentials(ctx context.Context, sessionDir string) error
}
