// Package outbox delivers the outbound mail rows written by posting
// transactions. Rows are sent right after commit for small volumes and by a
// periodic sweep otherwise.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vdavid/threadmail/internal/db"
	"github.com/vdavid/threadmail/internal/logger"
	"github.com/vdavid/threadmail/internal/mailparse"
	"github.com/vdavid/threadmail/internal/metrics"
	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/router"
	"go.uber.org/zap"
)

// Store is the outbox storage.
type Store interface {
	CreateOutboundMail(ctx context.Context, mail *models.OutboundMail) error
	ListOutgoingMailIDs(ctx context.Context, limit int) ([]int64, error)
	LockOutgoingMail(ctx context.Context, id int64) (*models.OutboundMail, error)
	SetOutboundMailState(ctx context.Context, id int64, state models.OutboundState, reason string) error
	SetMailNotificationsStatus(ctx context.Context, mailID int64, status models.NotificationStatus, failureType, reason string) (int64, error)
	SetMailRecipientStatus(ctx context.Context, mailID int64, email string, status models.NotificationStatus, failureType, reason string) (int64, error)
	DeleteReadNotifications(ctx context.Context, before time.Time) (int64, error)
}

// TxRunner runs fn with a store bound to one transaction.
type TxRunner func(ctx context.Context, fn func(store Store) error) error

// Transport hands a message to the mail relay.
type Transport interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// Config holds the worker settings.
type Config struct {
	// BounceAlias and Domain build the envelope sender of each mail.
	BounceAlias string
	Domain      string
	// From is used for rows without a sender.
	From string
}

// Worker sends outbox rows.
type Worker struct {
	cfg       Config
	store     Store
	inTx      TxRunner
	transport Transport
}

// NewWorker creates a worker.
func NewWorker(cfg Config, store Store, inTx TxRunner, transport Transport) *Worker {
	return &Worker{cfg: cfg, store: store, inTx: inTx, transport: transport}
}

// Queue writes a mail to the outbox and sends it immediately.
func (w *Worker) Queue(ctx context.Context, mail *models.OutboundMail) error {
	if mail.EmailFrom == "" {
		mail.EmailFrom = w.cfg.From
	}
	if err := w.store.CreateOutboundMail(ctx, mail); err != nil {
		return err
	}
	return w.Send(ctx, []int64{mail.ID})
}

// Send delivers the given outbox rows. Rows already sent or claimed by
// another worker are skipped. Transport failures are recorded on the rows
// and their delivery records, and do not make Send fail.
func (w *Worker) Send(ctx context.Context, mailIDs []int64) error {
	for _, id := range mailIDs {
		err := w.inTx(ctx, func(store Store) error {
			return w.sendOne(ctx, store, id)
		})
		if err != nil {
			return fmt.Errorf("failed to send mail %d: %w", id, err)
		}
	}
	return nil
}

// ProcessQueue sends up to limit outgoing rows and returns how many it tried.
func (w *Worker) ProcessQueue(ctx context.Context, limit int) (int, error) {
	ids, err := w.store.ListOutgoingMailIDs(ctx, limit)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	logger.Log.Info("outbox_sweep", zap.Int("mails", len(ids)))
	return len(ids), w.Send(ctx, ids)
}

// CollectGarbage deletes read inbox delivery records older than retention.
func (w *Worker) CollectGarbage(ctx context.Context, retention time.Duration) (int64, error) {
	deleted, err := w.store.DeleteReadNotifications(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		logger.Log.Info("notifications_collected", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

func (w *Worker) sendOne(ctx context.Context, store Store, id int64) error {
	mail, err := store.LockOutgoingMail(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrOutboundMailNotFound) {
			return nil
		}
		return err
	}
	if mail.EmailFrom == "" {
		mail.EmailFrom = w.cfg.From
	}

	envelopeFrom := router.BounceAddress(w.cfg.BounceAlias, w.cfg.Domain, mail.ID)
	if envelopeFrom == "" {
		envelopeFrom = mailparse.NormalizeEmail(mail.EmailFrom)
	}

	var failures []string
	recipients := append(append([]string(nil), mail.EmailTo...), mail.EmailCC...)
	if len(recipients) == 0 {
		failures = append(failures, "no recipients")
	}
	for _, to := range recipients {
		status, failureType, reason := models.StatusSent, "", ""
		if err := w.deliver(ctx, mail, envelopeFrom, to); err != nil {
			logger.Log.Error("outbound_send_failed",
				zap.Int64("mail_id", mail.ID),
				zap.String("to", to),
				zap.Error(err))
			failures = append(failures, fmt.Sprintf("%s: %v", to, err))
			status, failureType, reason = models.StatusFailed, models.FailureSMTP, err.Error()
		}
		if _, err := store.SetMailRecipientStatus(ctx, mail.ID, to, status, failureType, reason); err != nil {
			return err
		}
	}

	// Rows whose partner address matched no recipient follow the mail outcome.
	if len(failures) > 0 {
		metrics.OutboundMails.WithLabelValues("failed").Inc()
		reason := strings.Join(failures, "; ")
		if err := store.SetOutboundMailState(ctx, mail.ID, models.OutboundException, reason); err != nil {
			return err
		}
		_, err := store.SetMailNotificationsStatus(ctx, mail.ID, models.StatusFailed, models.FailureSMTP, reason)
		return err
	}

	metrics.OutboundMails.WithLabelValues("sent").Inc()
	if err := store.SetOutboundMailState(ctx, mail.ID, models.OutboundSent, ""); err != nil {
		return err
	}
	_, err = store.SetMailNotificationsStatus(ctx, mail.ID, models.StatusSent, "", "")
	logger.Log.Info("outbound_sent", zap.Int64("mail_id", mail.ID), zap.Int("recipients", len(recipients)))
	return err
}

func (w *Worker) deliver(ctx context.Context, mail *models.OutboundMail, envelopeFrom, to string) error {
	if w.transport == nil {
		return errors.New("no SMTP relay configured")
	}
	addr := mailparse.NormalizeEmail(to)
	if addr == "" {
		return fmt.Errorf("invalid address %q", to)
	}
	msg, err := Build(mail, to)
	if err != nil {
		return err
	}
	return w.transport.Send(ctx, envelopeFrom, []string{addr}, msg)
}
