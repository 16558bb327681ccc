package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/AzielCF/az-wap-connector/infrastructure/valkey"
	"github.com/patrickmn/go-cache"
)

// MemoryPollStore keeps poll contexts in a go-cache with a fixed TTL.
type MemoryPollStore struct {
	cache *cache.Cache
}

func NewMemoryPollStore(ttl time.Duration) *MemoryPollStore {
	return &MemoryPollStore{cache: cache.New(ttl, 10*time.Minute)}
}

func (s *MemoryPollStore) Put(_ context.Context, pc message.PollContext) error {
	pc.OptionTexts = append([]string(nil), pc.OptionTexts...)
	s.cache.SetDefault(pc.PollID, pc)
	return nil
}

func (s *MemoryPollStore) Get(_ context.Context, pollID string) (*message.PollContext, error) {
	v, ok := s.cache.Get(pollID)
	if !ok {
		return nil, nil
	}
	pc := v.(message.PollContext)
	return &pc, nil
}

// ValkeyPollStore shares poll contexts between processes.
type ValkeyPollStore struct {
	client *valkey.Client
	prefix string
	ttl    time.Duration
}

func NewValkeyPollStore(client *valkey.Client, ttl time.Duration) *ValkeyPollStore {
	return &ValkeyPollStore{
		client: client,
		prefix: client.Key("poll") + ":",
		ttl:    ttl,
	}
}

func (s *ValkeyPollStore) Put(ctx context.Context, pc message.PollContext) error {
	data, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("failed to marshal poll context: %w", err)
	}
	inner := s.client.Inner()
	cmd := inner.B().Set().Key(s.prefix + pc.PollID).Value(string(data)).Ex(s.ttl).Build()
	if err := inner.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save poll context: %w", err)
	}
	return nil
}

func (s *ValkeyPollStore) Get(ctx context.Context, pollID string) (*message.PollContext, error) {
	inner := s.client.Inner()
	data, err := inner.Do(ctx, inner.B().Get().Key(s.prefix+pollID).Build()).AsBytes()
	if err != nil {
		if valkey.IsNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get poll context: %w", err)
	}
	var pc message.PollContext
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal poll context: %w", err)
	}
	return &pc, nil
}
