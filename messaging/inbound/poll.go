package inbound

import (
	"context"
	"encoding/base64"
	"errors"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/pkg/utils"
	"github.com/sirupsen/logrus"
)

// PollDecoder turns encrypted votes into option indexes.
type PollDecoder struct {
	polls   message.IPollContextStore
	storage message.IStorage
}

func NewPollDecoder(polls message.IPollContextStore, storage message.IStorage) *PollDecoder {
	return &PollDecoder{polls: polls, storage: storage}
}

// Remember caches the context of a poll seen on the wire.
func (d *PollDecoder) Remember(ctx context.Context, pc message.PollContext) {
	if d.polls == nil || pc.PollID == "" {
		return
	}
	if err := d.polls.Put(ctx, pc); err != nil {
		logrus.WithError(err).Warnf("[POLL] Could not cache poll context %s", pc.PollID)
	}
}

// Decode tries the cached context, then the stored poll message, then falls back
// to a lossy guess. It never returns nil for a message carrying a vote.
func (d *PollDecoder) Decode(ctx context.Context, client protocol.PollDecrypter, conversationID string, raw *protocol.RawMessage) *message.PollVoteResult {
	vote := raw.Vote
	if vote == nil {
		return nil
	}
	voter := utils.CanonicalJID(vote.VoterJID)
	if voter == "" {
		voter = utils.CanonicalJID(raw.SenderJID)
	}
	result := &message.PollVoteResult{PollID: vote.PollID, VoterJID: voter}

	var options []string

	if d.polls != nil {
		pc, err := d.polls.Get(ctx, vote.PollID)
		if err != nil {
			logrus.WithError(err).Warnf("[POLL] Cache lookup failed for %s", vote.PollID)
		}
		if pc != nil {
			options = pc.OptionTexts
			if d.decrypt(ctx, client, pc, raw, voter, result) {
				result.Tier = message.PollTierCache
				return result
			}
		}
	}

	if pc := d.fromMetadata(ctx, conversationID, vote.PollID); pc != nil {
		if len(pc.OptionTexts) > 0 {
			options = pc.OptionTexts
		}
		if d.decrypt(ctx, client, pc, raw, voter, result) {
			result.Tier = message.PollTierMetadata
			d.Remember(ctx, *pc)
			return result
		}
	}

	idx := HeuristicIndex(voter, raw.Timestamp, len(options))
	result.Tier = message.PollTierHeuristic
	result.Lossy = true
	result.SelectedIndexes = []int{idx}
	if idx >= 0 {
		result.SelectedOptions = []string{options[idx]}
	}
	logrus.Warnf("[POLL] Vote on %s by %s could not be decrypted, guessed index %d (lossy)", vote.PollID, voter, idx)
	return result
}

func (d *PollDecoder) decrypt(ctx context.Context, client protocol.PollDecrypter, pc *message.PollContext, raw *protocol.RawMessage, voter string, out *message.PollVoteResult) bool {
	if len(pc.OptionTexts) == 0 {
		return false
	}
	vote := raw.Vote
	var (
		hashes [][]byte
		err    error
	)
	if len(pc.EncKey) > 0 {
		creator := pc.CreatorJID
		if creator == "" {
			creator = vote.PollCreatorJID
		}
		hashes, err = DecryptPollVote(pc.EncKey, vote.PollID, utils.CanonicalJID(creator), voter, vote.EncPayload, vote.EncIV)
	} else if client != nil {
		hashes, err = client.DecryptPollVote(ctx, raw)
	} else {
		err = errors.New("no poll secret available")
	}
	if err != nil {
		logrus.WithError(err).Debugf("[POLL] Decrypt failed for %s", vote.PollID)
		return false
	}

	out.SelectedIndexes, out.SelectedOptions = MatchOptions(pc.OptionTexts, hashes)
	if out.SelectedIndexes == nil {
		out.SelectedIndexes = []int{}
	}
	return true
}

// fromMetadata rebuilds a poll context from the stored poll message.
func (d *PollDecoder) fromMetadata(ctx context.Context, conversationID, pollID string) *message.PollContext {
	if d.storage == nil || conversationID == "" {
		return nil
	}
	msg, err := d.storage.GetMessageByExternalID(ctx, conversationID, pollID)
	if err != nil {
		logrus.WithError(err).Warnf("[POLL] Metadata lookup failed for %s", pollID)
		return nil
	}
	if msg == nil || msg.Metadata == nil {
		return nil
	}

	pc := &message.PollContext{
		PollID:          pollID,
		ConnectionID:    msg.ConnectionID,
		Question:        metaString(msg.Metadata[message.MetaPollQuestion]),
		OptionTexts:     metaStrings(msg.Metadata[message.MetaPollOptions]),
		SelectableCount: metaInt(msg.Metadata[message.MetaPollSelectable]),
		CreatorJID:      metaString(msg.Metadata[message.MetaPollCreator]),
		CreatedAt:       msg.SentAt,
	}
	if enc := metaString(msg.Metadata[message.MetaPollEncKey]); enc != "" {
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			logrus.WithError(err).Warnf("[POLL] Stored secret for %s is not base64", pollID)
		} else {
			pc.EncKey = key
		}
	}
	if len(pc.OptionTexts) == 0 {
		return nil
	}
	return pc
}

// HeuristicIndex picks a deterministic option index when the vote cannot be
// decrypted. It is a guess, not the voter's choice. Returns -1 without options.
func HeuristicIndex(voter string, ts time.Time, optionCount int) int {
	if optionCount <= 0 {
		return -1
	}
	h := fnv.New32()
	_, _ = h.Write([]byte(voter + strconv.FormatInt(ts.Unix(), 10)))
	return int(h.Sum32() % uint32(optionCount))
}

func metaString(v any) string {
	s, _ := v.(string)
	return s
}

func metaStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func metaInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}

func encodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
