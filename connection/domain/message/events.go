package message

import "time"

type EventType string

const (
	EventConnectionStatusUpdate EventType = "connectionStatusUpdate"
	EventConnectionError        EventType = "connectionError"
	EventConnectionReconnecting EventType = "connectionReconnecting"
	EventConnectionHealth       EventType = "connectionHealth"
	EventQRCode                 EventType = "qrCode"
	EventMessageReceived        EventType = "messageReceived"
	EventMessageSent            EventType = "messageSent"
	EventHistorySyncProgress    EventType = "historySyncProgress"
	EventHistorySyncComplete    EventType = "historySyncComplete"
)

// Event is what goes out on the bus.
type Event struct {
	Type         EventType `json:"type"`
	ConnectionID string    `json:"connection_id"`
	TenantID     string    `json:"tenant_id"`
	Payload      any       `json:"payload,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	SenderID     string    `json:"sender_id,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, connectionID, tenantID string, payload any) Event {
	return Event{
		Type:         t,
		ConnectionID: connectionID,
		TenantID:     tenantID,
		Payload:      payload,
		Timestamp:    time.Now(),
	}
}
