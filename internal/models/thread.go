package models

import "time"

// Record is a generic business record messages can be attached to.
type Record struct {
	ID              int64          `json:"id"`
	Model           string         `json:"model"`
	Name            string         `json:"name"`
	Values          map[string]any `json:"values"`
	EmailNormalized string         `json:"email_normalized"`
	MessageBounce   int            `json:"message_bounce"`
	CreatedBy       *int64         `json:"created_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Follower subscribes a partner to a record, scoped to subtypes.
type Follower struct {
	ID         int64   `json:"id"`
	Model      string  `json:"model"`
	ResID      int64   `json:"res_id"`
	PartnerID  int64   `json:"partner_id"`
	SubtypeIDs []int64 `json:"subtype_ids"`
}

// FollowsSubtype reports whether the follower is subscribed to the subtype.
func (f *Follower) FollowsSubtype(subtypeID int64) bool {
	for _, id := range f.SubtypeIDs {
		if id == subtypeID {
			return true
		}
	}
	return false
}

// ContactPolicy restricts who may write to an alias.
type ContactPolicy string

const (
	ContactEveryone  ContactPolicy = "everyone"
	ContactPartners  ContactPolicy = "partners"
	ContactFollowers ContactPolicy = "followers"
)

// Alias maps a mailbox local-part to a record type.
type Alias struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Model          string         `json:"model"`
	ForceThreadID  int64          `json:"force_thread_id"`
	Defaults       map[string]any `json:"defaults"`
	ContactPolicy  ContactPolicy  `json:"contact_policy"`
	ParentModel    string         `json:"parent_model"`
	ParentThreadID int64          `json:"parent_thread_id"`
	UserID         *int64         `json:"user_id,omitempty"`
}

// Route is a resolved inbound destination. ThreadID zero means a new record is
// created. UserID zero means the system acts.
type Route struct {
	Model    string
	ThreadID int64
	Defaults map[string]any
	UserID   int64
	Alias    *Alias
	// ParentID is set when the email replies to a stored entry.
	ParentID *int64
}

// OutboundState is the state of an outbound mail.
type OutboundState string

const (
	OutboundOutgoing  OutboundState = "outgoing"
	OutboundSent      OutboundState = "sent"
	OutboundException OutboundState = "exception"
	OutboundCancel    OutboundState = "cancel"
)

// OutboundMail is an outbox row: one rendered email waiting for the transport.
type OutboundMail struct {
	ID              int64             `json:"id"`
	MessageID       *int64            `json:"message_id,omitempty"`
	EmailFrom       string            `json:"email_from"`
	EmailTo         []string          `json:"email_to"`
	EmailCC         []string          `json:"email_cc"`
	ReplyTo         string            `json:"reply_to"`
	Subject         string            `json:"subject"`
	BodyHTML        string            `json:"body_html"`
	MessageIDHeader string            `json:"message_id_header"`
	References      string            `json:"references"`
	Headers         map[string]string `json:"headers"`
	State           OutboundState     `json:"state"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	RecipientIDs    []int64           `json:"recipient_ids,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	SentAt          *time.Time        `json:"sent_at,omitempty"`
}
