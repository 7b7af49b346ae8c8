package models

import "time"

// MessageType is the kind of a conversation entry.
type MessageType string

const (
	MessageTypeEmail            MessageType = "email"
	MessageTypeComment          MessageType = "comment"
	MessageTypeNotification     MessageType = "notification"
	MessageTypeUserNotification MessageType = "user_notification"
)

// Message is one conversation entry attached to a record, or free-standing
// when Model is empty.
type Message struct {
	ID          int64       `json:"id"`
	ParentID    *int64      `json:"parent_id,omitempty"`
	Model       string      `json:"model"`
	ResID       int64       `json:"res_id"`
	AuthorID    *int64      `json:"author_id,omitempty"`
	EmailFrom   string      `json:"email_from"`
	MessageType MessageType `json:"message_type"`
	Subject     string      `json:"subject"`
	Body        string      `json:"body"`
	// MessageID is the protocol Message-Id, stored verbatim.
	MessageID      string          `json:"message_id"`
	ReplyTo        string          `json:"reply_to"`
	PartnerIDs     []int64         `json:"partner_ids"`
	SubtypeID      *int64          `json:"subtype_id,omitempty"`
	IsInternal     bool            `json:"is_internal"`
	CreatedAt      time.Time       `json:"created_at"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	TrackingValues []TrackingValue `json:"tracking_values,omitempty"`
}

// HasRecord reports whether the message is tied to a record.
func (m *Message) HasRecord() bool {
	return m.Model != "" && m.ResID != 0
}

// IsNote reports whether the message is an internal comment, the only kind
// whose body may be edited after posting.
func (m *Message) IsNote() bool {
	return m.MessageType == MessageTypeComment && m.IsInternal
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID        int64  `json:"id"`
	MessageID int64  `json:"message_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	IsInline  bool   `json:"is_inline"`
	ContentID string `json:"content_id,omitempty"`
	Content   []byte `json:"-"`
}

// TrackingValue records one field change carried by a tracking message.
type TrackingValue struct {
	ID         int64  `json:"id"`
	MessageID  int64  `json:"message_id"`
	Field      string `json:"field"`
	FieldLabel string `json:"field_label"`
	OldValue   string `json:"old_value"`
	NewValue   string `json:"new_value"`
}

// Subtype classifies a message for follower filtering.
type Subtype struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Internal    bool   `json:"internal"`
	Default     bool   `json:"default"`
	ResModel    string `json:"res_model"`
}

const (
	SubtypeDiscussion = "discussion"
	SubtypeNote       = "note"
)
