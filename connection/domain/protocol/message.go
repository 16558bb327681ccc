package protocol

import "time"

// ContentKind is the normalized payload variant of an inbound message.
type ContentKind string

const (
	KindText         ContentKind = "text"
	KindImage        ContentKind = "image"
	KindVideo        ContentKind = "video"
	KindAudio        ContentKind = "audio"
	KindDocument     ContentKind = "document"
	KindSticker      ContentKind = "sticker"
	KindLocation     ContentKind = "location"
	KindContact      ContentKind = "contact"
	KindPollCreation ContentKind = "poll_creation"
	KindPollVote     ContentKind = "poll_vote"
	KindReaction     ContentKind = "reaction"
	KindUnknown      ContentKind = "unknown"
)

// IsMedia reports whether the kind carries a downloadable attachment.
func (k ContentKind) IsMedia() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindDocument, KindSticker:
		return true
	}
	return false
}

// MediaRef holds what is needed to fetch and decrypt an attachment.
type MediaRef struct {
	Kind          ContentKind
	MimeType      string
	FileName      string
	URL           string
	DirectPath    string
	MediaKey      []byte
	FileSHA256    []byte
	FileEncSHA256 []byte
	FileLength    uint64
	PTT           bool
}

type PollCreation struct {
	Question        string
	Options         []string
	SelectableCount int
	EncKey          []byte
}

type PollVote struct {
	PollID         string
	PollChatJID    string
	PollCreatorJID string
	VoterJID       string
	EncPayload     []byte
	EncIV          []byte
}

// RawMessage is the provider payload after unwrapping ephemeral/view-once/edit
// envelopes. Business logic never sees the provider's own message types.
type RawMessage struct {
	ID        string
	ChatJID   string
	SenderJID string
	// SenderAlt is the alternate identifier the protocol attached (PN for a LID sender and vice versa).
	SenderAlt string
	PushName  string
	FromMe    bool
	IsGroup   bool
	Timestamp time.Time

	Kind      ContentKind
	Text      string
	QuotedID  string
	Latitude  float64
	Longitude float64
	Media     *MediaRef
	Poll      *PollCreation
	Vote      *PollVote
	Reaction  string

	// Native is the original provider event, used by provider primitives only.
	Native any
}
