package connection

import "time"

// Status is the supervisor state of one tenant connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusQRCode       Status = "qr_code"
	StatusLoggedOut    Status = "logged_out"
)

// HealthLevel is the classification derived from score and latency.
type HealthLevel string

const (
	HealthHealthy   HealthLevel = "healthy"
	HealthDegraded  HealthLevel = "degraded"
	HealthUnhealthy HealthLevel = "unhealthy"
)

// Owner identifies the tenant (and optionally the user) a connection belongs to.
type Owner struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id,omitempty"`
}

// HealthSnapshot is emitted by the health monitor after every probe cycle.
type HealthSnapshot struct {
	ConnectionID        string          `json:"connection_id"`
	Score               int             `json:"score"`
	ErrorCount          int             `json:"error_count"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastError           string          `json:"last_error,omitempty"`
	LastLatency         time.Duration   `json:"last_latency"`
	AvgLatency          time.Duration   `json:"avg_latency"`
	Latencies           []time.Duration `json:"latencies"`
	Level               HealthLevel     `json:"level"`
	CheckedAt           time.Time       `json:"checked_at"`
	NextCheckIn         time.Duration   `json:"next_check_in"`
}

// State is the supervisor's view of a connection. Copies are handed out, never the live value.
type State struct {
	ConnectionID string `json:"connection_id"`
	Owner        Owner  `json:"owner"`
	Status       Status `json:"status"`
	PhoneNumber  string `json:"phone_number,omitempty"`

	HealthScore         int             `json:"health_score"`
	ErrorCount          int             `json:"error_count"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastError           string          `json:"last_error,omitempty"`
	LastLatency         time.Duration   `json:"last_latency"`
	AvgLatency          time.Duration   `json:"avg_latency"`
	Latencies           []time.Duration `json:"latencies,omitempty"`
	LastHealthCheck     time.Time       `json:"last_health_check"`
	Health              HealthLevel     `json:"health"`

	ReconnectAttempts    int           `json:"reconnect_attempts"`
	LastReconnectAttempt time.Time     `json:"last_reconnect_attempt"`
	NextBackoff          time.Duration `json:"next_backoff"`

	LastQR   string    `json:"-"`
	LastQRAt time.Time `json:"last_qr_at"`

	MessagesSent     int64 `json:"messages_sent"`
	MessagesReceived int64 `json:"messages_received"`
	RateLimited      int64 `json:"rate_limited"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewState returns the initial state for a first connect attempt.
func NewState(connectionID string, owner Owner) *State {
	return &State{
		ConnectionID: connectionID,
		Owner:        owner,
		Status:       StatusDisconnected,
		HealthScore:  100,
		Health:       HealthHealthy,
		UpdatedAt:    time.Now(),
	}
}

// Clone returns a deep copy safe to hand to callers.
func (s *State) Clone() State {
	c := *s
	if s.Latencies != nil {
		c.Latencies = append([]time.Duration(nil), s.Latencies...)
	}
	return c
}

// ApplyHealth merges a monitor snapshot into the state.
func (s *State) ApplyHealth(h HealthSnapshot) {
	s.HealthScore = h.Score
	s.ErrorCount = h.ErrorCount
	s.ConsecutiveFailures = h.ConsecutiveFailures
	s.LastError = h.LastError
	s.LastLatency = h.LastLatency
	s.AvgLatency = h.AvgLatency
	s.Latencies = append(s.Latencies[:0], h.Latencies...)
	s.LastHealthCheck = h.CheckedAt
	s.Health = h.Level
	s.UpdatedAt = time.Now()
}

// ResetErrors clears failure bookkeeping after a successful open.
func (s *State) ResetErrors() {
	s.ReconnectAttempts = 0
	s.NextBackoff = 0
	s.ErrorCount = 0
	s.ConsecutiveFailures = 0
	s.LastError = ""
	s.HealthScore = 100
	s.Health = HealthHealthy
}

// Priority orders reconnect tasks. Higher runs first.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 10
)

// ReconnectTask is one pending recovery in the global queue.
type ReconnectTask struct {
	ConnectionID string
	Owner        Owner
	Priority     Priority
	EnqueuedAt   time.Time
	Reason       string
}
