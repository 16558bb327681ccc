package protocol

import "time"

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	EventOpen              EventKind = "open"
	EventClose             EventKind = "close"
	EventQR                EventKind = "qr"
	EventPaired            EventKind = "paired"
	EventMessage           EventKind = "message"
	EventHistorySync       EventKind = "history_sync"
	EventKeepAliveTimeout  EventKind = "keepalive_timeout"
	EventKeepAliveRestored EventKind = "keepalive_restored"
)

// CloseReason explains why a socket went away.
type CloseReason string

const (
	CloseConnectionLost CloseReason = "connection_lost"
	CloseConnectFailure CloseReason = "connect_failure"
	CloseLoggedOut      CloseReason = "logged_out"
	CloseReplaced       CloseReason = "stream_replaced"
	CloseBanned         CloseReason = "temporary_ban"
	CloseOutdated       CloseReason = "client_outdated"
	CloseBadSession     CloseReason = "bad_session"
)

// Recoverable reports whether a reconnect should be scheduled for this reason.
func (r CloseReason) Recoverable() bool {
	switch r {
	case CloseLoggedOut, CloseReplaced, CloseBanned, CloseOutdated:
		return false
	}
	return true
}

type CloseInfo struct {
	Reason  CloseReason
	Code    int
	Message string
}

type PairInfo struct {
	JID          string
	Platform     string
	BusinessName string
	PushName     string
}

type HistoryBatch struct {
	Progress int
	Final    bool
	Messages []*RawMessage
}

type KeepAliveInfo struct {
	ErrorCount  int
	LastSuccess time.Time
}

// Event is the single internal event type produced by a protocol client.
// Exactly one of the pointer fields matching Kind is set.
type Event struct {
	Kind      EventKind
	At        time.Time
	Close     *CloseInfo
	QR        string
	Paired    *PairInfo
	Message   *RawMessage
	History   *HistoryBatch
	KeepAlive *KeepAliveInfo
}
