package inbound

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"golang.org/x/crypto/hkdf"
	"google.golang.org/protobuf/proto"
)

const pollVoteUseCase = "Poll Vote"

// pollVoteKey derives the per-voter key and additional data for a poll vote.
// Both JIDs must already be in their non-device form.
func pollVoteKey(secret []byte, pollID, creatorJID, voterJID string) ([]byte, []byte, error) {
	info := make([]byte, 0, len(pollID)+len(creatorJID)+len(voterJID)+len(pollVoteUseCase))
	info = append(info, pollID...)
	info = append(info, creatorJID...)
	info = append(info, voterJID...)
	info = append(info, pollVoteUseCase...)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, nil, err
	}
	aad := []byte(pollID + "\x00" + voterJID)
	return key, aad, nil
}

// DecryptPollVote returns the selected option hashes of an encrypted vote.
func DecryptPollVote(secret []byte, pollID, creatorJID, voterJID string, payload, iv []byte) ([][]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("missing poll secret")
	}
	key, aad, err := pollVoteKey(secret, pollID, creatorJID, voterJID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, iv, payload, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt poll vote: %w", err)
	}
	var vote waE2E.PollVoteMessage
	if err := proto.Unmarshal(plain, &vote); err != nil {
		return nil, fmt.Errorf("unmarshal poll vote: %w", err)
	}
	return vote.GetSelectedOptions(), nil
}

// OptionHash is how a vote refers to an option.
func OptionHash(option string) []byte {
	sum := sha256.Sum256([]byte(option))
	return sum[:]
}

// MatchOptions maps selected hashes back to option indexes, skipping unknown hashes.
func MatchOptions(options []string, hashes [][]byte) ([]int, []string) {
	byHash := make(map[string]int, len(options))
	for i, o := range options {
		byHash[string(OptionHash(o))] = i
	}
	var idx []int
	var names []string
	for _, h := range hashes {
		if i, ok := byHash[string(h)]; ok {
			idx = append(idx, i)
			names = append(names, options[i])
		}
	}
	return idx, names
}
