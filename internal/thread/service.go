// Package thread is the posting side of the engine. It creates and updates
// records, posts entries on their threads and runs the dispatcher inside the
// same transaction. Live events and small email batches are flushed only
// after that transaction commits.
package thread

import (
	"context"
	"errors"

	"github.com/vdavid/threadmail/internal/access"
	"github.com/vdavid/threadmail/internal/dispatch"
	"github.com/vdavid/threadmail/internal/logger"
	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/registry"
	"go.uber.org/zap"
)

var (
	ErrUnknownModel = errors.New("unknown record type")
	ErrNotEditable  = errors.New("only internal notes can be edited")
)

// Store is everything the service reads and writes.
type Store interface {
	access.Store
	dispatch.Store

	CreateRecord(ctx context.Context, record *models.Record) error
	UpdateRecord(ctx context.Context, record *models.Record) error
	DeleteRecord(ctx context.Context, model string, id int64) error

	CreateMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, model string, resID int64, includeInternal bool, viewerID int64) ([]*models.Message, error)
	UpdateMessageBody(ctx context.Context, id int64, body string) error
	GetAttachment(ctx context.Context, id int64) (*models.Attachment, error)
	CreateTrackingValues(ctx context.Context, messageID int64, values []models.TrackingValue) error

	GetPartner(ctx context.Context, id int64) (*models.Partner, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)

	UpsertFollower(ctx context.Context, model string, resID, partnerID int64, subtypeIDs []int64) error
	RemoveFollowers(ctx context.Context, model string, resID int64, partnerIDs []int64) error
	ListDefaultSubtypes(ctx context.Context, model string) ([]models.Subtype, error)
	EnsureSubtype(ctx context.Context, st *models.Subtype) error

	MarkNotificationsRead(ctx context.Context, partnerID int64, messageIDs []int64) ([]int64, error)
	GetDeliverySummary(ctx context.Context, messageID int64) (*models.DeliverySummary, error)
}

// TxRunner runs fn with a store bound to one transaction, committing when fn
// returns nil.
type TxRunner func(ctx context.Context, fn func(store Store) error) error

// Publisher pushes live events to connected sessions.
type Publisher interface {
	Publish(events []models.LiveEvent)
}

// Sender delivers outbound mail rows right away.
type Sender interface {
	Send(ctx context.Context, mailIDs []int64) error
}

// Config holds the service settings.
type Config struct {
	// Domain is the host part of generated Message-Ids.
	Domain string
	// AttachmentURL is a format string taking the attachment id, used to
	// rewrite cid: references in bodies.
	AttachmentURL string
}

// Deps are the collaborators of the service.
type Deps struct {
	Registry   *registry.Registry
	Access     *access.Engine
	Dispatcher *dispatch.Dispatcher
	Store      Store
	InTx       TxRunner
	Publisher  Publisher
	Sender     Sender
}

// Service implements the thread operations.
type Service struct {
	cfg        Config
	registry   *registry.Registry
	access     *access.Engine
	dispatcher *dispatch.Dispatcher
	store      Store
	inTx       TxRunner
	publisher  Publisher
	sender     Sender
}

// New creates a service.
func New(cfg Config, deps Deps) *Service {
	if cfg.AttachmentURL == "" {
		cfg.AttachmentURL = "/api/v1/attachments/%d"
	}
	return &Service{
		cfg:        cfg,
		registry:   deps.Registry,
		access:     deps.Access,
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		inTx:       deps.InTx,
		publisher:  deps.Publisher,
		sender:     deps.Sender,
	}
}

// afterCommit collects what a transaction wants done once it commits.
type afterCommit struct {
	events  []models.LiveEvent
	mailIDs []int64
}

func (a *afterCommit) add(result *dispatch.Result) {
	if result == nil {
		return
	}
	a.events = append(a.events, result.Events...)
	if result.SendNow {
		a.mailIDs = append(a.mailIDs, result.MailIDs...)
	}
}

// flush runs the deferred work. Send failures are recorded on the outbound
// mail by the sender and never reach the caller.
func (s *Service) flush(ctx context.Context, pending *afterCommit) {
	if len(pending.events) > 0 && s.publisher != nil {
		s.publisher.Publish(pending.events)
	}
	if len(pending.mailIDs) > 0 && s.sender != nil {
		if err := s.sender.Send(context.WithoutCancel(ctx), pending.mailIDs); err != nil {
			logger.Log.Error("post_commit_send_failed", zap.Int64s("mail_ids", pending.mailIDs), zap.Error(err))
		}
	}
}

// EnsureSubtypes creates or updates the subtypes declared in the registry.
func (s *Service) EnsureSubtypes(ctx context.Context) error {
	for _, sc := range s.registry.Subtypes() {
		st := &models.Subtype{
			Name:        sc.Name,
			Description: sc.Description,
			Internal:    sc.Internal,
			Default:     sc.Default,
			ResModel:    sc.Model,
		}
		if err := s.store.EnsureSubtype(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) recordType(model string) (*registry.RecordType, error) {
	rt, ok := s.registry.Get(model)
	if !ok {
		return nil, ErrUnknownModel
	}
	return rt, nil
}
