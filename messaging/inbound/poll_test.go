package inbound

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"testing"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/connection/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

var pollOptions = []string{"Rojo", "Azul", "Verde"}

func pollSecret() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

// encryptVote builds the payload a voter's phone would send.
func encryptVote(t *testing.T, secret []byte, pollID, creator, voter string, selected ...string) ([]byte, []byte) {
	t.Helper()
	key, aad, err := pollVoteKey(secret, pollID, creator, voter)
	require.NoError(t, err)

	vote := &waE2E.PollVoteMessage{}
	for _, s := range selected {
		vote.SelectedOptions = append(vote.SelectedOptions, OptionHash(s))
	}
	plain, err := proto.Marshal(vote)
	require.NoError(t, err)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	iv := make([]byte, gcm.NonceSize())
	_, err = rand.Read(iv)
	require.NoError(t, err)
	return gcm.Seal(nil, iv, plain, aad), iv
}

func voteMessage(t *testing.T, pollID string, selected ...string) *protocol.RawMessage {
	payload, iv := encryptVote(t, pollSecret(), pollID, selfJID, peerPN, selected...)
	return &protocol.RawMessage{
		ID:        "vote-" + pollID,
		ChatJID:   peerPN,
		SenderJID: peerPN,
		Kind:      protocol.KindPollVote,
		Timestamp: time.Unix(1700000100, 0),
		Vote: &protocol.PollVote{
			PollID:         pollID,
			PollChatJID:    peerPN,
			PollCreatorJID: selfJID,
			VoterJID:       peerPN,
			EncPayload:     payload,
			EncIV:          iv,
		},
	}
}

func TestDecryptPollVote(t *testing.T) {
	payload, iv := encryptVote(t, pollSecret(), "P1", selfJID, peerPN, "Azul", "Verde")

	hashes, err := DecryptPollVote(pollSecret(), "P1", selfJID, peerPN, payload, iv)
	require.NoError(t, err)
	idx, names := MatchOptions(pollOptions, hashes)
	assert.Equal(t, []int{1, 2}, idx)
	assert.Equal(t, []string{"Azul", "Verde"}, names)

	_, err = DecryptPollVote(pollSecret(), "P1", selfJID, "5215553334444@s.whatsapp.net", payload, iv)
	assert.Error(t, err)
	_, err = DecryptPollVote(nil, "P1", selfJID, peerPN, payload, iv)
	assert.Error(t, err)
}

func TestPollDecoder_CacheTier(t *testing.T) {
	ctx := context.Background()
	polls := repository.NewMemoryPollStore(time.Hour)
	require.NoError(t, polls.Put(ctx, message.PollContext{
		PollID: "P1", OptionTexts: pollOptions, CreatorJID: selfJID, EncKey: pollSecret(),
	}))
	d := NewPollDecoder(polls, nil)

	res := d.Decode(ctx, newRecvClient(), "", voteMessage(t, "P1", "Verde"))
	require.NotNil(t, res)
	assert.Equal(t, message.PollTierCache, res.Tier)
	assert.False(t, res.Lossy)
	assert.Equal(t, []int{2}, res.SelectedIndexes)
	assert.Equal(t, peerPN, res.VoterJID)
}

func TestPollDecoder_CacheTierUsesProtocolSecret(t *testing.T) {
	ctx := context.Background()
	polls := repository.NewMemoryPollStore(time.Hour)
	require.NoError(t, polls.Put(ctx, message.PollContext{PollID: "P1", OptionTexts: pollOptions}))
	client := newRecvClient()
	client.decrypt = func(*protocol.RawMessage) ([][]byte, error) {
		return [][]byte{OptionHash("Rojo")}, nil
	}

	res := NewPollDecoder(polls, nil).Decode(ctx, client, "", voteMessage(t, "P1", "Rojo"))
	assert.Equal(t, message.PollTierCache, res.Tier)
	assert.Equal(t, []int{0}, res.SelectedIndexes)
}

func TestPollDecoder_MetadataFallback(t *testing.T) {
	ctx := context.Background()
	storage := newStorage(t)
	polls := repository.NewMemoryPollStore(time.Hour)

	contact, err := storage.GetOrCreateContact(ctx, message.ContactInput{TenantID: "t1", Identifier: peerPN})
	require.NoError(t, err)
	conv := &message.Conversation{TenantID: "t1", ContactID: contact.ID, ChannelID: "c1"}
	require.NoError(t, storage.CreateConversation(ctx, conv))
	require.NoError(t, storage.CreateMessage(ctx, &message.Message{
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		ConnectionID:   "c1",
		ExternalID:     "P2",
		Direction:      message.DirectionOutbound,
		Type:           string(protocol.KindPollCreation),
		Content:        "¿Color?",
		Metadata: map[string]any{
			message.MetaPollQuestion: "¿Color?",
			message.MetaPollOptions:  pollOptions,
			message.MetaPollEncKey:   encodeKey(pollSecret()),
			message.MetaPollCreator:  selfJID,
		},
	}))

	d := NewPollDecoder(polls, storage)
	res := d.Decode(ctx, newRecvClient(), conv.ID, voteMessage(t, "P2", "Azul"))
	require.NotNil(t, res)
	assert.Equal(t, message.PollTierMetadata, res.Tier)
	assert.False(t, res.Lossy)
	assert.Equal(t, []int{1}, res.SelectedIndexes)
	assert.Equal(t, []string{"Azul"}, res.SelectedOptions)

	cached, err := polls.Get(ctx, "P2")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, pollOptions, cached.OptionTexts)
}

func TestPollDecoder_HeuristicIsLossy(t *testing.T) {
	ctx := context.Background()
	polls := repository.NewMemoryPollStore(time.Hour)
	// options known, secret wrong
	require.NoError(t, polls.Put(ctx, message.PollContext{
		PollID: "P3", OptionTexts: pollOptions, CreatorJID: selfJID, EncKey: []byte("another-secret-another-secret-32"),
	}))
	raw := voteMessage(t, "P3", "Rojo")

	res := NewPollDecoder(polls, nil).Decode(ctx, newRecvClient(), "", raw)
	assert.Equal(t, message.PollTierHeuristic, res.Tier)
	assert.True(t, res.Lossy)
	want := HeuristicIndex(peerPN, raw.Timestamp, len(pollOptions))
	assert.Equal(t, []int{want}, res.SelectedIndexes)
	assert.Equal(t, []string{pollOptions[want]}, res.SelectedOptions)

	res = NewPollDecoder(repository.NewMemoryPollStore(time.Hour), nil).Decode(ctx, newRecvClient(), "", voteMessage(t, "P4", "Rojo"))
	assert.Equal(t, []int{-1}, res.SelectedIndexes)
	assert.Empty(t, res.SelectedOptions)
}

func TestHeuristicIndex(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	assert.Equal(t, -1, HeuristicIndex(peerPN, ts, 0))
	i := HeuristicIndex(peerPN, ts, 3)
	assert.GreaterOrEqual(t, i, 0)
	assert.Less(t, i, 3)
	assert.Equal(t, i, HeuristicIndex(peerPN, ts, 3))
}
