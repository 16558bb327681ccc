package outbound

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/core/config"
	"github.com/stretchr/testify/assert"
)

func typingConfig() config.SendConfig {
	return config.SendConfig{
		TypingEnabled:  true,
		WordsPerMinute: 45,
		MinDelay:       time.Second,
		MaxDelay:       8 * time.Second,
		RandomFactor:   0.3,
	}
}

func TestTypingSimulator_DelayClamps(t *testing.T) {
	sim := NewTypingSimulator(typingConfig())
	assert.Equal(t, 8*time.Second, sim.Delay(strings.Repeat("palabra ", 60)))

	fast := typingConfig()
	fast.WordsPerMinute = 1000
	sim = NewTypingSimulator(fast)
	assert.Equal(t, time.Second, sim.Delay("hola"))
	assert.Equal(t, time.Second, sim.Delay(""))
}

func TestTypingSimulator_DelayFollowsWordCount(t *testing.T) {
	cfg := typingConfig()
	cfg.MaxDelay = 2 * time.Minute
	sim := NewTypingSimulator(cfg)

	// 45 words at 45 WPM is one minute, ±30%
	text := strings.TrimSpace(strings.Repeat("word ", 45))
	for i := 0; i < 50; i++ {
		d := sim.Delay(text)
		assert.GreaterOrEqual(t, d, 42*time.Second)
		assert.LessOrEqual(t, d, 78*time.Second)
	}
}

func TestTypingSimulator_SimulateCancelled(t *testing.T) {
	cfg := typingConfig()
	cfg.MinDelay = 5 * time.Second
	sim := NewTypingSimulator(cfg)
	client := &sendClient{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.False(t, sim.Simulate(ctx, client, "x@s.whatsapp.net", "hola", true))
	assert.Equal(t, []protocol.Presence{protocol.PresenceRecording, protocol.PresencePaused}, client.presences)
}

func TestTypingSimulator_Disabled(t *testing.T) {
	cfg := typingConfig()
	cfg.TypingEnabled = false
	sim := NewTypingSimulator(cfg)
	client := &sendClient{}

	assert.True(t, sim.Simulate(context.Background(), client, "x@s.whatsapp.net", "hola", false))
	assert.Empty(t, client.presences)
}
