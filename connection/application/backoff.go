package application

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/AzielCF/az-wap-connector/core/config"
)

// Backoff computes reconnect delays: Base*Multiplier^(n-1) capped at Max,
// then scaled by a U(0.5, 1.5) factor.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBackoff(cfg config.ReconnectConfig) *Backoff {
	return &Backoff{
		Base:       cfg.BaseDelay,
		Multiplier: cfg.Multiplier,
		Max:        cfg.MaxDelay,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Raw returns the delay for attempt n (1-based) before jitter.
func (b *Backoff) Raw(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt-1))
	if math.IsInf(d, 0) || d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Delay returns Raw(attempt) with jitter applied.
func (b *Backoff) Delay(attempt int) time.Duration {
	return time.Duration(float64(b.Raw(attempt)) * (0.5 + b.float()))
}

func (b *Backoff) float() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Float64()
}

// Jitter returns a uniform offset in [-spread, +spread].
func (b *Backoff) Jitter(spread time.Duration) time.Duration {
	if spread <= 0 {
		return 0
	}
	return time.Duration((b.float()*2 - 1) * float64(spread))
}
