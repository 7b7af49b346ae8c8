package router

import (
	"context"
	"errors"
	"fmt"
	"html"

	"github.com/vdavid/threadmail/internal/db"
	"github.com/vdavid/threadmail/internal/logger"
	"github.com/vdavid/threadmail/internal/mailparse"
	"github.com/vdavid/threadmail/internal/metrics"
	"github.com/vdavid/threadmail/internal/models"
	"go.uber.org/zap"
)

// Handler stores what a route resolved to: it creates or updates the record
// and posts the email on it, in one transaction.
type Handler interface {
	HandleRoute(ctx context.Context, route models.Route, email *mailparse.Email, authorID *int64) (*models.Message, error)
}

// Mailer queues system mail such as bounce replies.
type Mailer interface {
	Queue(ctx context.Context, mail *models.OutboundMail) error
}

// GatewayStore is the store used by the gateway: routing lookups plus bounce bookkeeping.
type GatewayStore interface {
	Store
	GetOutboundMail(ctx context.Context, id int64) (*models.OutboundMail, error)
	IncrementPartnerBounce(ctx context.Context, email string) (int64, error)
	IncrementRecordBounce(ctx context.Context, email string) (int64, error)
	MarkNotificationsBounced(ctx context.Context, email string, mailID int64, reason string) (int64, error)
}

// Locker serializes the processing of emails sharing a Message-Id.
type Locker interface {
	Lock(ctx context.Context, messageID string) (unlock func(), err error)
}

// Gateway is the inbound entry point shared by every receiver.
type Gateway struct {
	router  *Router
	store   GatewayStore
	handler Handler
	mailer  Mailer
	locker  Locker
	from    string
}

// NewGateway wires a gateway. from is the sender of bounce replies. A nil
// locker leaves concurrent copies of one email unserialized.
func NewGateway(router *Router, store GatewayStore, handler Handler, mailer Mailer, locker Locker, from string) *Gateway {
	return &Gateway{router: router, store: store, handler: handler, mailer: mailer, locker: locker, from: from}
}

// Result summarizes the processing of one inbound email.
type Result struct {
	MessageID string            `json:"message_id"`
	Duplicate bool              `json:"duplicate"`
	Bounce    bool              `json:"bounce"`
	Rejected  int               `json:"rejected"`
	Messages  []*models.Message `json:"messages"`
}

// Process parses a raw email and routes it.
func (g *Gateway) Process(ctx context.Context, raw []byte, opts Options) (*Result, error) {
	email, err := mailparse.ParseBytes(raw)
	if err != nil {
		metrics.InboundMessages.WithLabelValues(metrics.OutcomeFailed).Inc()
		return nil, err
	}
	return g.ProcessEmail(ctx, email, opts)
}

// ProcessEmail routes an already parsed email.
func (g *Gateway) ProcessEmail(ctx context.Context, email *mailparse.Email, opts Options) (*Result, error) {
	if email.MessageID == "" {
		email.MessageID = mailparse.GenerateMessageID("", g.router.cfg.Domain)
	}
	result := &Result{MessageID: email.MessageID}

	// The replay check and the inserts must not interleave with another
	// copy of the same email.
	if g.locker != nil {
		unlock, err := g.locker.Lock(ctx, email.MessageID)
		if err != nil {
			metrics.InboundMessages.WithLabelValues(metrics.OutcomeFailed).Inc()
			return nil, err
		}
		defer unlock()
	}

	res, err := g.router.Resolve(ctx, g.store, email, opts)
	if err != nil {
		var routingErr *RoutingError
		if errors.As(err, &routingErr) {
			metrics.InboundMessages.WithLabelValues(metrics.OutcomeUnrouted).Inc()
		} else {
			metrics.InboundMessages.WithLabelValues(metrics.OutcomeFailed).Inc()
		}
		return nil, err
	}

	switch {
	case res.Duplicate:
		logger.Log.Info("inbound_duplicate", zap.String("message_id", email.MessageID))
		metrics.InboundMessages.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		result.Duplicate = true
		return result, nil
	case res.Bounce != nil:
		metrics.InboundMessages.WithLabelValues(metrics.OutcomeBounce).Inc()
		result.Bounce = true
		return result, g.handleBounce(ctx, res.Bounce)
	}

	for _, rejection := range res.Rejections {
		metrics.InboundMessages.WithLabelValues(metrics.OutcomeRejected).Inc()
		result.Rejected++
		if err := g.sendBounceReply(ctx, email, rejection.Reason); err != nil {
			logger.Log.Error("bounce_reply_failed", zap.String("message_id", email.MessageID), zap.Error(err))
		}
	}

	var firstErr error
	for _, route := range res.Routes {
		msg, err := g.handler.HandleRoute(ctx, route, email, res.AuthorID)
		if err != nil {
			if errors.Is(err, db.ErrDuplicateMessage) {
				continue
			}
			logger.Log.Error("route_failed",
				zap.String("message_id", email.MessageID),
				zap.String("model", route.Model),
				zap.Int64("thread_id", route.ThreadID),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		result.Messages = append(result.Messages, msg)
	}

	if len(result.Messages) == 0 && firstErr != nil {
		metrics.InboundMessages.WithLabelValues(metrics.OutcomeFailed).Inc()
		return nil, firstErr
	}
	if len(result.Messages) > 0 {
		metrics.InboundMessages.WithLabelValues(metrics.OutcomeRouted).Inc()
	}
	return result, nil
}

// handleBounce propagates a failure report to the partners, records and
// delivery records of the bounced addresses.
func (g *Gateway) handleBounce(ctx context.Context, bounce *Bounce) error {
	addresses := bounce.Recipients
	if len(addresses) == 0 && bounce.MailID != 0 {
		mail, err := g.store.GetOutboundMail(ctx, bounce.MailID)
		switch {
		case err == nil:
			for _, to := range mail.EmailTo {
				if addr := mailparse.NormalizeEmail(to); addr != "" {
					addresses = append(addresses, addr)
				}
			}
		case !errors.Is(err, db.ErrOutboundMailNotFound):
			return err
		}
	}

	if len(addresses) == 0 {
		logger.Log.Info("bounce_without_address",
			zap.Int64("mail_id", bounce.MailID),
			zap.String("referenced_message_id", bounce.ReferencedMessageID))
		return nil
	}

	for _, addr := range addresses {
		partners, err := g.store.IncrementPartnerBounce(ctx, addr)
		if err != nil {
			return err
		}
		records, err := g.store.IncrementRecordBounce(ctx, addr)
		if err != nil {
			return err
		}
		notifications, err := g.store.MarkNotificationsBounced(ctx, addr, bounce.MailID, bounce.Reason)
		if err != nil {
			return err
		}
		logger.Log.Info("bounce_processed",
			zap.String("email", addr),
			zap.Int64("mail_id", bounce.MailID),
			zap.Int64("partners", partners),
			zap.Int64("records", records),
			zap.Int64("notifications", notifications))
	}
	return nil
}

// sendBounceReply tells the sender their email was not accepted. Automatic
// messages are never answered.
func (g *Gateway) sendBounceReply(ctx context.Context, email *mailparse.Email, reason string) error {
	if email.FromAddress == "" || (email.AutoSubmitted != "" && email.AutoSubmitted != "no") {
		return nil
	}
	references := email.MessageID
	mail := &models.OutboundMail{
		EmailFrom: g.from,
		EmailTo:   []string{mailparse.FormatAddress(email.FromName, email.FromAddress)},
		Subject:   "Re: " + email.Subject,
		BodyHTML: fmt.Sprintf("<p>Your message could not be delivered: %s.</p><blockquote>%s</blockquote>",
			html.EscapeString(reason), html.EscapeString(email.Subject)),
		MessageIDHeader: mailparse.GenerateMessageID("bounce", g.router.cfg.Domain),
		References:      references,
		Headers: map[string]string{
			"Auto-Submitted": "auto-replied",
			"In-Reply-To":    email.MessageID,
		},
	}
	return g.mailer.Queue(ctx, mail)
}
