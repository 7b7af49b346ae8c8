package models

// Live event types pushed to connected sessions.
const (
	EventNewMessage  = "message"
	EventMessageRead = "message_read"
	EventDelivery    = "delivery_status"
)

// LiveEvent is a push update addressed to one partner's sessions.
type LiveEvent struct {
	PartnerID int64  `json:"-"`
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	// Unread is the partner's unread inbox counter after the change.
	Unread int `json:"unread"`
}
