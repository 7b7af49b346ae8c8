// Package dispatch computes who gets notified of a new thread entry, creates
// the delivery records and prepares the outbound emails.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/vdavid/threadmail/internal/db"
	"github.com/vdavid/threadmail/internal/logger"
	"github.com/vdavid/threadmail/internal/mailparse"
	"github.com/vdavid/threadmail/internal/metrics"
	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/registry"
	"go.uber.org/zap"
)

// Store is what the dispatcher reads and writes. It is expected to be bound
// to the transaction that created the message.
type Store interface {
	GetFollowers(ctx context.Context, model string, resID int64) ([]models.Follower, error)
	GetSubtype(ctx context.Context, id int64) (*models.Subtype, error)
	GetSubtypeByName(ctx context.Context, name string) (*models.Subtype, error)
	GetRecipients(ctx context.Context, partnerIDs []int64) ([]models.Recipient, error)
	GetRecord(ctx context.Context, model string, id int64) (*models.Record, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	CreateNotifications(ctx context.Context, notifications []*models.Notification, checkExisting bool) error
	AttachNotificationsToMail(ctx context.Context, notificationIDs []int64, mailID int64) error
	SetNotificationsStatus(ctx context.Context, ids []int64, status models.NotificationStatus, failureType, reason string) (int64, error)
	CreateOutboundMail(ctx context.Context, mail *models.OutboundMail) error
	CountUnread(ctx context.Context, partnerID int64) (int, error)
}

// LinkBuilder builds tokenized links that let share users open a record.
type LinkBuilder interface {
	AccessLink(model string, resID int64) (string, error)
}

// Config holds the dispatcher settings.
type Config struct {
	// From is used when the message carries no sender address.
	From string
	// ReplyTo is used when the message carries no reply address.
	ReplyTo   string
	BatchSize int
	// SyncThreshold is the largest number of email recipients sent right
	// after commit. Larger volumes wait for the outbox sweep.
	SyncThreshold int
}

// Options tune one dispatch.
type Options struct {
	// CheckExisting updates existing delivery records instead of adding new ones.
	CheckExisting bool
	// NotifyAuthor keeps the author among the recipients.
	NotifyAuthor bool
	// Bulk defers every email to the outbox sweep.
	Bulk bool
}

// Result is what a dispatch produced. Events and MailIDs are meant to be
// acted upon only after the enclosing transaction commits.
type Result struct {
	Notifications []*models.Notification
	MailIDs       []int64
	SendNow       bool
	Events        []models.LiveEvent
}

// Dispatcher fans messages out to their recipients.
type Dispatcher struct {
	cfg      Config
	registry *registry.Registry
	renderer Renderer
	links    LinkBuilder
	groups   []Group
}

// New creates a dispatcher with the default groups.
func New(cfg Config, reg *registry.Registry, renderer Renderer, links LinkBuilder) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if renderer == nil {
		renderer = TemplateRenderer{}
	}
	return &Dispatcher{
		cfg:      cfg,
		registry: reg,
		renderer: renderer,
		links:    links,
		groups:   DefaultGroups(),
	}
}

// SetGroups replaces the classification groups. It must be called before the
// dispatcher is shared.
func (d *Dispatcher) SetGroups(groups []Group) {
	d.groups = groups
}

// Recipients computes the raw recipient set of a message: explicit
// recipients plus followers of its subtype, minus the author unless asked.
func (d *Dispatcher) Recipients(ctx context.Context, store Store, msg *models.Message, opts Options) ([]models.Recipient, error) {
	subtype, err := d.subtype(ctx, store, msg)
	if err != nil {
		return nil, err
	}
	internal := msg.IsInternal || (subtype != nil && subtype.Internal)

	ids := slices.Clone(msg.PartnerIDs)
	followerIDs := map[int64]bool{}
	if msg.HasRecord() && msg.MessageType != models.MessageTypeUserNotification && subtype != nil {
		followers, err := store.GetFollowers(ctx, msg.Model, msg.ResID)
		if err != nil {
			return nil, err
		}
		for _, f := range followers {
			if f.FollowsSubtype(subtype.ID) {
				followerIDs[f.PartnerID] = true
				ids = append(ids, f.PartnerID)
			}
		}
	}

	if msg.AuthorID != nil && !opts.NotifyAuthor {
		ids = slices.DeleteFunc(ids, func(id int64) bool { return id == *msg.AuthorID })
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	all, err := store.GetRecipients(ctx, ids)
	if err != nil {
		return nil, err
	}
	recipients := make([]models.Recipient, 0, len(all))
	for _, r := range all {
		if !r.Active {
			continue
		}
		if internal && (!r.HasUser() || r.Share) {
			continue
		}
		r.IsFollower = followerIDs[r.PartnerID]
		recipients = append(recipients, r)
	}
	return recipients, nil
}

// subtype resolves the subtype of a message, falling back to the default
// subtype of its record type.
func (d *Dispatcher) subtype(ctx context.Context, store Store, msg *models.Message) (*models.Subtype, error) {
	if msg.SubtypeID != nil {
		return store.GetSubtype(ctx, *msg.SubtypeID)
	}
	name := models.SubtypeDiscussion
	if rt, ok := d.registry.Get(msg.Model); ok {
		name = rt.DefaultSubtype()
	}
	st, err := store.GetSubtypeByName(ctx, name)
	if errors.Is(err, db.ErrSubtypeNotFound) {
		return nil, nil
	}
	return st, err
}

type classified struct {
	group      Group
	recipients []models.Recipient
}

// classify assigns each recipient to the first matching group. Recipients
// no group accepts are dropped.
func (d *Dispatcher) classify(msg *models.Message, recipients []models.Recipient) []*classified {
	result := make([]*classified, len(d.groups))
	for i, g := range d.groups {
		result[i] = &classified{group: g}
	}
	for i := range recipients {
		r := &recipients[i]
		matched := false
		for _, c := range result {
			if c.group.Match(r, msg) {
				c.recipients = append(c.recipients, *r)
				matched = true
				break
			}
		}
		if !matched {
			logger.Log.Warn("recipient_dropped",
				zap.Int64("message_id", msg.ID),
				zap.Int64("partner_id", r.PartnerID),
				zap.String("reason", "no delivery channel"))
		}
	}
	return result
}

// Dispatch creates the delivery records of a message and renders its emails.
// Every delivery record exists before any email is rendered. A group whose
// email fails to render gets its records marked failed; other groups proceed.
func (d *Dispatcher) Dispatch(ctx context.Context, store Store, msg *models.Message, opts Options) (*Result, error) {
	recipients, err := d.Recipients(ctx, store, msg, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to compute recipients: %w", err)
	}
	result := &Result{}
	if len(recipients) == 0 {
		return result, nil
	}

	groups := d.classify(msg, recipients)

	type pendingGroup struct {
		group         Group
		recipients    []models.Recipient
		notifications []*models.Notification
	}
	var inbox []*models.Notification
	var emails []pendingGroup
	for _, c := range groups {
		if len(c.recipients) == 0 {
			continue
		}
		if c.group.Channel == models.ChannelInbox {
			for _, r := range c.recipients {
				n := &models.Notification{MessageID: msg.ID, PartnerID: r.PartnerID, Channel: models.ChannelInbox, Status: models.StatusSent}
				inbox = append(inbox, n)
				result.Notifications = append(result.Notifications, n)
			}
			continue
		}
		for start := 0; start < len(c.recipients); start += d.cfg.BatchSize {
			chunk := c.recipients[start:min(start+d.cfg.BatchSize, len(c.recipients))]
			pg := pendingGroup{group: c.group, recipients: chunk}
			for _, r := range chunk {
				n := &models.Notification{MessageID: msg.ID, PartnerID: r.PartnerID, Channel: models.ChannelEmail, Status: models.StatusPending}
				pg.notifications = append(pg.notifications, n)
				result.Notifications = append(result.Notifications, n)
			}
			emails = append(emails, pg)
		}
	}

	if err := store.CreateNotifications(ctx, result.Notifications, opts.CheckExisting); err != nil {
		return nil, err
	}
	for _, n := range result.Notifications {
		metrics.NotificationsCreated.WithLabelValues(string(n.Channel)).Inc()
	}

	for _, n := range inbox {
		unread, err := store.CountUnread(ctx, n.PartnerID)
		if err != nil {
			return nil, err
		}
		result.Events = append(result.Events, models.LiveEvent{
			PartnerID: n.PartnerID,
			Type:      models.EventNewMessage,
			Payload:   msg,
			Unread:    unread,
		})
	}

	if len(emails) == 0 {
		return result, nil
	}

	env, err := d.envelope(ctx, store, msg)
	if err != nil {
		return nil, err
	}

	emailRecipients := 0
	for _, pg := range emails {
		ids := make([]int64, len(pg.notifications))
		for i, n := range pg.notifications {
			ids[i] = n.ID
		}

		mail, err := d.renderGroup(ctx, msg, env, pg.group, pg.recipients)
		if err != nil {
			logger.Log.Error("render_failed",
				zap.Int64("message_id", msg.ID),
				zap.String("group", pg.group.Name),
				zap.Int("recipients", len(pg.recipients)),
				zap.Error(err))
			metrics.RenderFailures.Inc()
			if _, err := store.SetNotificationsStatus(ctx, ids, models.StatusFailed, models.FailureRender, err.Error()); err != nil {
				return nil, err
			}
			for _, n := range pg.notifications {
				n.Status = models.StatusFailed
				n.FailureType = models.FailureRender
			}
			continue
		}

		if err := store.CreateOutboundMail(ctx, mail); err != nil {
			return nil, err
		}
		if err := store.AttachNotificationsToMail(ctx, ids, mail.ID); err != nil {
			return nil, err
		}
		for _, n := range pg.notifications {
			n.MailID = &mail.ID
		}
		result.MailIDs = append(result.MailIDs, mail.ID)
		emailRecipients += len(pg.recipients)
	}

	result.SendNow = !opts.Bulk && len(result.MailIDs) > 0 && emailRecipients <= d.cfg.SyncThreshold
	return result, nil
}

// envelope holds what every email of one message shares.
type envelope struct {
	record     *models.Record
	references string
}

func (d *Dispatcher) envelope(ctx context.Context, store Store, msg *models.Message) (*envelope, error) {
	env := &envelope{}
	if msg.HasRecord() {
		record, err := store.GetRecord(ctx, msg.Model, msg.ResID)
		if err != nil && !errors.Is(err, db.ErrRecordNotFound) {
			return nil, err
		}
		env.record = record
	}
	if msg.ParentID != nil {
		parent, err := store.GetMessage(ctx, *msg.ParentID)
		if err != nil && !errors.Is(err, db.ErrMessageNotFound) {
			return nil, err
		}
		if parent != nil {
			env.references = parent.MessageID
		}
	}
	return env, nil
}

func (d *Dispatcher) renderGroup(ctx context.Context, msg *models.Message, env *envelope, group Group, recipients []models.Recipient) (*models.OutboundMail, error) {
	req := RenderRequest{Message: msg, Record: env.record, Group: group.Name, Recipients: recipients}
	if group.AccessLink && msg.HasRecord() && d.links != nil {
		link, err := d.links.AccessLink(msg.Model, msg.ResID)
		if err != nil {
			return nil, fmt.Errorf("failed to build access link: %w", err)
		}
		req.AccessLink = link
	}

	rendered, err := d.renderer.Render(ctx, req)
	if err != nil {
		return nil, err
	}

	mail := &models.OutboundMail{
		MessageID:       &msg.ID,
		EmailFrom:       msg.EmailFrom,
		ReplyTo:         msg.ReplyTo,
		Subject:         rendered.Subject,
		BodyHTML:        rendered.BodyHTML,
		MessageIDHeader: msg.MessageID,
		References:      env.references,
		Headers:         map[string]string{},
	}
	if mail.EmailFrom == "" {
		mail.EmailFrom = d.cfg.From
	}
	if mail.ReplyTo == "" {
		mail.ReplyTo = d.cfg.ReplyTo
	}
	for _, r := range recipients {
		mail.EmailTo = append(mail.EmailTo, mailparse.FormatAddress(r.Name, r.Email))
	}
	if msg.HasRecord() {
		mail.Headers["X-Threadmail-Model"] = msg.Model
		mail.Headers["X-Threadmail-Id"] = fmt.Sprint(msg.ResID)
	}
	if msg.MessageType == models.MessageTypeNotification || msg.MessageType == models.MessageTypeUserNotification {
		mail.Headers["Auto-Submitted"] = "auto-generated"
	}
	return mail, nil
}
