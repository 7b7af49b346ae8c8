package models

import "time"

// NotificationChannel is the delivery channel of a notification.
type NotificationChannel string

const (
	ChannelInbox NotificationChannel = "inbox"
	ChannelEmail NotificationChannel = "email"
)

// NotificationStatus is the delivery state of a notification.
type NotificationStatus string

const (
	StatusPending  NotificationStatus = "pending"
	StatusSent     NotificationStatus = "sent"
	StatusBounced  NotificationStatus = "bounced"
	StatusFailed   NotificationStatus = "failed"
	StatusCanceled NotificationStatus = "canceled"
)

var allStatuses = []NotificationStatus{StatusPending, StatusSent, StatusBounced, StatusFailed, StatusCanceled}

// CanTransition reports whether a notification may move from one status to another.
// Any status may be canceled. A sent email can still bounce, since delivery
// reports arrive after the relay accepted the mail. Everything else only
// leaves pending.
func CanTransition(from, to NotificationStatus) bool {
	if to == StatusCanceled {
		return true
	}
	if from == StatusSent && to == StatusBounced {
		return true
	}
	if from != StatusPending {
		return false
	}
	switch to {
	case StatusSent, StatusBounced, StatusFailed:
		return true
	}
	return false
}

// PriorStatuses returns the statuses a notification may be in before moving to status.
func PriorStatuses(to NotificationStatus) []NotificationStatus {
	var prior []NotificationStatus
	for _, from := range allStatuses {
		if CanTransition(from, to) {
			prior = append(prior, from)
		}
	}
	return prior
}

// Failure types recorded on notifications.
const (
	FailureRender  = "render"
	FailureSMTP    = "mail_smtp"
	FailureBounce  = "mail_bounce"
	FailureNoEmail = "mail_email_missing"
)

// Notification is the delivery record of one message for one recipient on one channel.
type Notification struct {
	ID            int64               `json:"id"`
	MessageID     int64               `json:"message_id"`
	PartnerID     int64               `json:"partner_id"`
	Channel       NotificationChannel `json:"channel"`
	Status        NotificationStatus  `json:"status"`
	IsRead        bool                `json:"is_read"`
	ReadAt        *time.Time          `json:"read_at,omitempty"`
	MailID        *int64              `json:"mail_id,omitempty"`
	FailureType   string              `json:"failure_type,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// DeliveryRecipient is the per-recipient row of a delivery summary.
type DeliveryRecipient struct {
	PartnerID     int64               `json:"partner_id"`
	PartnerName   string              `json:"partner_name"`
	Channel       NotificationChannel `json:"channel"`
	Status        NotificationStatus  `json:"status"`
	IsRead        bool                `json:"is_read"`
	FailureType   string              `json:"failure_type,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
}

// DeliverySummary aggregates the notifications of one message.
type DeliverySummary struct {
	MessageID  int64               `json:"message_id"`
	Total      int                 `json:"total"`
	Unread     int                 `json:"unread"`
	Errors     int                 `json:"errors"`
	Recipients []DeliveryRecipient `json:"recipients"`
}
