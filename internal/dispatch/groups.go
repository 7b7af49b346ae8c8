package dispatch

import "github.com/vdavid/threadmail/internal/models"

// Group is one delivery channel group. Recipients are classified by the first
// group whose Match returns true.
type Group struct {
	Name    string
	Channel models.NotificationChannel
	// AccessLink adds a tokenized link to the record in the rendered email.
	AccessLink bool
	Match      func(r *models.Recipient, msg *models.Message) bool
}

// DefaultGroups returns the default classification order: internal users
// by preference, then share users, then partners without a login.
func DefaultGroups() []Group {
	return []Group{
		{
			Name:    "user_inbox",
			Channel: models.ChannelInbox,
			Match: func(r *models.Recipient, _ *models.Message) bool {
				return r.HasUser() && !r.Share && r.NotificationType != models.NotifyEmail
			},
		},
		{
			Name:    "user_email",
			Channel: models.ChannelEmail,
			Match: func(r *models.Recipient, _ *models.Message) bool {
				return r.HasUser() && !r.Share && r.Email != ""
			},
		},
		{
			Name:       "portal",
			Channel:    models.ChannelEmail,
			AccessLink: true,
			Match: func(r *models.Recipient, _ *models.Message) bool {
				return r.HasUser() && r.Share && r.Email != ""
			},
		},
		{
			Name:    "customer",
			Channel: models.ChannelEmail,
			Match: func(r *models.Recipient, _ *models.Message) bool {
				return !r.HasUser() && r.Email != ""
			},
		},
	}
}
