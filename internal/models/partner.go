package models

// NotificationType is a user's preferred way of receiving notifications.
type NotificationType string

const (
	NotifyInbox NotificationType = "inbox"
	NotifyEmail NotificationType = "email"
)

// Partner is a directory identity: anyone who can author or receive messages.
type Partner struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	EmailNormalized string `json:"email_normalized"`
	Active          bool   `json:"active"`
	MessageBounce   int    `json:"message_bounce"`
}

// User is a login bound to a partner.
type User struct {
	ID               int64            `json:"id"`
	Login            string           `json:"login"`
	PartnerID        int64            `json:"partner_id"`
	Share            bool             `json:"share"`
	Superuser        bool             `json:"superuser"`
	NotificationType NotificationType `json:"notification_type"`
	Active           bool             `json:"active"`
}

// Actor is the identity an operation is performed as.
type Actor struct {
	UserID    int64
	PartnerID int64
	Share     bool
	Superuser bool
}

// ActorFromUser builds the actor for a user.
func ActorFromUser(u *User) Actor {
	return Actor{
		UserID:    u.ID,
		PartnerID: u.PartnerID,
		Share:     u.Share,
		Superuser: u.Superuser,
	}
}

// Recipient is a partner together with the user shape the dispatcher classifies on.
type Recipient struct {
	PartnerID        int64            `json:"partner_id"`
	Name             string           `json:"name"`
	Email            string           `json:"email"`
	Active           bool             `json:"active"`
	UserID           *int64           `json:"user_id,omitempty"`
	Share            bool             `json:"share"`
	NotificationType NotificationType `json:"notification_type"`
	IsFollower       bool             `json:"is_follower"`
}

// HasUser reports whether the recipient has a login.
func (r *Recipient) HasUser() bool {
	return r.UserID != nil
}
