package outbound

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/core/config"
	"github.com/sirupsen/logrus"
)

// Presencer is the part of the transport used to show typing state.
type Presencer interface {
	SendPresence(ctx context.Context, to string, presence protocol.Presence) error
}

// TypingSimulator derives a human typing delay from the word count of a text.
type TypingSimulator struct {
	Enabled        bool
	WordsPerMinute float64
	MinDelay       time.Duration
	MaxDelay       time.Duration
	RandomFactor   float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewTypingSimulator(cfg config.SendConfig) *TypingSimulator {
	return &TypingSimulator{
		Enabled:        cfg.TypingEnabled,
		WordsPerMinute: cfg.WordsPerMinute,
		MinDelay:       cfg.MinDelay,
		MaxDelay:       cfg.MaxDelay,
		RandomFactor:   cfg.RandomFactor,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns words/WPM minutes scaled by 1±RandomFactor and clamped to [MinDelay, MaxDelay].
func (t *TypingSimulator) Delay(text string) time.Duration {
	words := len(strings.Fields(text))
	if words < 1 {
		words = 1
	}
	wpm := t.WordsPerMinute
	if wpm <= 0 {
		wpm = 45
	}
	base := float64(words) / wpm * float64(time.Minute)

	t.mu.Lock()
	factor := 1 + (t.rng.Float64()*2-1)*t.RandomFactor
	t.mu.Unlock()

	d := time.Duration(base * factor)
	if d < t.MinDelay {
		d = t.MinDelay
	}
	if t.MaxDelay > 0 && d > t.MaxDelay {
		d = t.MaxDelay
	}
	return d
}

// Simulate shows composing (or recording) for Delay(text). It returns false
// if ctx was cancelled while waiting.
func (t *TypingSimulator) Simulate(ctx context.Context, p Presencer, to, text string, recording bool) bool {
	if !t.Enabled || p == nil {
		return ctx.Err() == nil
	}

	presence := protocol.PresenceComposing
	if recording {
		presence = protocol.PresenceRecording
	}
	if err := p.SendPresence(ctx, to, presence); err != nil {
		logrus.WithError(err).Debugf("[SEND] Presence %s failed for %s", presence, to)
	}

	if !sleep(ctx, t.Delay(text)) {
		t.Clear(p, to)
		return false
	}
	return true
}

// Clear sends paused with its own short timeout so it still goes out after cancellation.
func (t *TypingSimulator) Clear(p Presencer, to string) {
	if !t.Enabled || p == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.SendPresence(stopCtx, to, protocol.PresencePaused); err != nil {
		logrus.WithError(err).Debugf("[SEND] Presence paused failed for %s", to)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
