package application

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/core/config"
	"github.com/sirupsen/logrus"
)

const (
	scoreOnSuccess     = 10
	scoreOnError       = 20
	scoreOnTimeout     = 15
	unhealthyScore     = 30
	degradedScore      = 70
	failuresForTrigger = 2
)

// ClientLookup returns the live protocol handle of a connection, if any.
type ClientLookup func(connectionID string) (protocol.Client, bool)

type healthEntry struct {
	snap  connection.HealthSnapshot
	timer *time.Timer
	gen   uint64
}

// HealthMonitor probes each connected session on an adaptive interval and
// keeps a score, a latency window and a failure streak per connection.
type HealthMonitor struct {
	cfg    config.HealthConfig
	lookup ClientLookup

	// OnSnapshot receives every probe result. OnUnhealthy fires when the
	// failure streak and score cross the reconnect threshold.
	OnSnapshot  func(connection.HealthSnapshot)
	OnUnhealthy func(connectionID string)

	mu      sync.Mutex
	entries map[string]*healthEntry

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewHealthMonitor(cfg config.HealthConfig, lookup ClientLookup) *HealthMonitor {
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = 10
	}
	return &HealthMonitor{
		cfg:     cfg,
		lookup:  lookup,
		entries: make(map[string]*healthEntry),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start resets the metrics of a connection and schedules its first probe.
func (m *HealthMonitor) Start(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[connectionID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	e := &healthEntry{snap: connection.HealthSnapshot{
		ConnectionID: connectionID,
		Score:        100,
		Level:        connection.HealthHealthy,
	}}
	m.entries[connectionID] = e
	m.armLocked(connectionID, e)
	logrus.Debugf("[HEALTH] Monitoring %s", connectionID)
}

func (m *HealthMonitor) Stop(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[connectionID]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(m.entries, connectionID)
	}
}

func (m *HealthMonitor) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(m.entries, id)
	}
}

func (m *HealthMonitor) Snapshot(connectionID string) (connection.HealthSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[connectionID]
	if !ok {
		return connection.HealthSnapshot{}, false
	}
	return cloneSnapshot(e.snap), true
}

func (m *HealthMonitor) armLocked(connectionID string, e *healthEntry) {
	e.gen++
	gen := e.gen
	interval := m.nextInterval(e.snap)
	e.snap.NextCheckIn = interval
	e.timer = time.AfterFunc(interval, func() {
		m.mu.Lock()
		cur, ok := m.entries[connectionID]
		stale := !ok || cur.gen != gen
		m.mu.Unlock()
		if stale {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PingTimeout+time.Second)
		m.Check(ctx, connectionID)
		cancel()

		m.mu.Lock()
		if cur, ok := m.entries[connectionID]; ok && cur.gen == gen {
			m.armLocked(connectionID, cur)
		}
		m.mu.Unlock()
	})
}

// Check runs one probe cycle. It returns false when the connection is not monitored.
func (m *HealthMonitor) Check(ctx context.Context, connectionID string) (connection.HealthSnapshot, bool) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("[HEALTH] Probe panic for %s: %v", connectionID, r)
		}
	}()

	m.mu.Lock()
	_, ok := m.entries[connectionID]
	m.mu.Unlock()
	if !ok {
		return connection.HealthSnapshot{}, false
	}

	var err error
	var latency time.Duration
	client, found := m.lookup(connectionID)
	if !found || client == nil {
		err = errors.New("client not available")
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
		start := time.Now()
		err = client.Ping(pingCtx)
		latency = time.Since(start)
		if err == nil && pingCtx.Err() != nil {
			err = pingCtx.Err()
		}
		cancel()
	}

	return m.record(connectionID, latency, err)
}

// RecordFailure applies a failed probe that was observed elsewhere (keepalive timeouts).
func (m *HealthMonitor) RecordFailure(connectionID string, err error) {
	m.record(connectionID, 0, err)
}

func (m *HealthMonitor) record(connectionID string, latency time.Duration, err error) (connection.HealthSnapshot, bool) {
	m.mu.Lock()
	e, ok := m.entries[connectionID]
	if !ok {
		m.mu.Unlock()
		return connection.HealthSnapshot{}, false
	}

	s := &e.snap
	s.CheckedAt = time.Now()
	if err == nil {
		s.Score = min(100, s.Score+scoreOnSuccess)
		s.ErrorCount = max(0, s.ErrorCount-1)
		s.ConsecutiveFailures = 0
		s.LastLatency = latency
		s.Latencies = append(s.Latencies, latency)
		if len(s.Latencies) > m.cfg.LatencyWindow {
			s.Latencies = s.Latencies[len(s.Latencies)-m.cfg.LatencyWindow:]
		}
		var sum time.Duration
		for _, l := range s.Latencies {
			sum += l
		}
		s.AvgLatency = sum / time.Duration(len(s.Latencies))
	} else {
		penalty := scoreOnError
		if errors.Is(err, context.DeadlineExceeded) {
			penalty = scoreOnTimeout
		}
		s.Score = max(0, s.Score-penalty)
		s.ErrorCount++
		s.ConsecutiveFailures++
		s.LastError = err.Error()
	}
	s.Level = m.classify(*s)
	s.NextCheckIn = m.nextInterval(*s)

	snap := cloneSnapshot(*s)
	trigger := snap.ConsecutiveFailures >= failuresForTrigger && snap.Score < unhealthyScore
	m.mu.Unlock()

	if err != nil {
		logrus.WithField("connection_id", connectionID).WithError(err).
			Warnf("[HEALTH] Probe failed (score %d, streak %d)", snap.Score, snap.ConsecutiveFailures)
	}
	if m.OnSnapshot != nil {
		m.OnSnapshot(snap)
	}
	if trigger && m.OnUnhealthy != nil {
		logrus.Warnf("[HEALTH] %s unhealthy, forcing reconnect", connectionID)
		m.OnUnhealthy(connectionID)
	}
	return snap, true
}

func (m *HealthMonitor) classify(s connection.HealthSnapshot) connection.HealthLevel {
	switch {
	case s.Score < unhealthyScore || (m.cfg.UnhealthyLatency > 0 && s.AvgLatency >= m.cfg.UnhealthyLatency):
		return connection.HealthUnhealthy
	case s.Score < degradedScore || (m.cfg.DegradedLatency > 0 && s.AvgLatency >= m.cfg.DegradedLatency):
		return connection.HealthDegraded
	}
	return connection.HealthHealthy
}

// nextInterval picks the probe period: 60-90s when healthy and clean, 45-60s
// while the score is at least 50, 20-30s otherwise, each with ±20% jitter.
func (m *HealthMonitor) nextInterval(s connection.HealthSnapshot) time.Duration {
	var lo, hi time.Duration
	switch {
	case s.Level == connection.HealthHealthy && s.ErrorCount == 0:
		lo, hi = 60*time.Second, 90*time.Second
	case s.Score >= 50:
		lo, hi = 45*time.Second, 60*time.Second
	default:
		lo, hi = 20*time.Second, 30*time.Second
	}

	m.rngMu.Lock()
	base := float64(lo) + m.rng.Float64()*float64(hi-lo)
	jitter := 1 + (m.rng.Float64()*0.4 - 0.2)
	m.rngMu.Unlock()
	return time.Duration(base * jitter)
}

// setSnapshot overrides the tracked metrics of a monitored connection.
func (m *HealthMonitor) setSnapshot(connectionID string, snap connection.HealthSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[connectionID]; ok {
		snap.ConnectionID = connectionID
		e.snap = snap
	}
}

func cloneSnapshot(s connection.HealthSnapshot) connection.HealthSnapshot {
	s.Latencies = append([]time.Duration(nil), s.Latencies...)
	return s
}
