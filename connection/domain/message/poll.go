package message

import "time"

// PollContext is the cached material needed to decrypt votes for one poll.
type PollContext struct {
	PollID          string    `json:"poll_id"`
	ConnectionID    string    `json:"connection_id"`
	ChatJID         string    `json:"chat_jid"`
	Question        string    `json:"question"`
	OptionTexts     []string  `json:"option_texts"`
	SelectableCount int       `json:"selectable_count"`
	CreatorJID      string    `json:"creator_jid"`
	EncKey          []byte    `json:"enc_key,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// PollTier names the path that produced a vote result.
type PollTier string

const (
	PollTierCache     PollTier = "cache"
	PollTierMetadata  PollTier = "metadata"
	PollTierHeuristic PollTier = "heuristic"
)

// PollVoteResult is the decoded vote. Lossy is true only for the heuristic
// tier, whose index may not be the option the voter actually picked.
type PollVoteResult struct {
	PollID          string   `json:"poll_id"`
	VoterJID        string   `json:"voter_jid"`
	SelectedIndexes []int    `json:"selected_indexes"`
	SelectedOptions []string `json:"selected_options"`
	Tier            PollTier `json:"tier"`
	Lossy           bool     `json:"lossy"`
}

// Metadata keys used to persist poll material on the poll message itself.
const (
	MetaPollQuestion   = "poll_question"
	MetaPollOptions    = "poll_options"
	MetaPollSelectable = "poll_selectable"
	MetaPollEncKey     = "poll_enc_key"
	MetaPollCreator    = "poll_creator"
	MetaPollID         = "poll_id"
	MetaPollVote       = "poll_vote"
	MetaMediaError     = "media_error"
	MetaChunkIndex     = "chunk_index"
	MetaQueuedID       = "queued_id"
	MetaResolved       = "jid_resolved"
	MetaResolvedVia    = "jid_resolved_via"
)
