package thread

import (
	"context"
	"fmt"
	"html"
	"maps"

	"github.com/vdavid/threadmail/internal/logger"
	"github.com/vdavid/threadmail/internal/mailparse"
	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/registry"
	"github.com/vdavid/threadmail/internal/tracking"
	"go.uber.org/zap"
)

// CreateOptions tune record creation.
type CreateOptions struct {
	// NoSubscribe keeps the actor out of the followers.
	NoSubscribe bool
	// NoCreationNote skips the "created" entry.
	NoCreationNote bool
}

// CreateRecord creates a record, subscribes the actor and logs the creation
// on the new thread.
func (s *Service) CreateRecord(ctx context.Context, actor models.Actor, model string, values map[string]any, opts CreateOptions) (*models.Record, error) {
	var record *models.Record
	pending := &afterCommit{}
	err := s.inTx(ctx, func(store Store) error {
		var err error
		record, err = s.createRecord(ctx, store, actor, model, values, opts, true, pending)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, pending)
	return record, nil
}

func (s *Service) createRecord(ctx context.Context, store Store, actor models.Actor, model string, values map[string]any, opts CreateOptions, checkAccess bool, pending *afterCommit) (*models.Record, error) {
	rt, err := s.recordType(model)
	if err != nil {
		return nil, err
	}
	if checkAccess {
		if err := s.access.RequireDocument(ctx, store, actor, model, 0, registry.PermCreate); err != nil {
			return nil, err
		}
	}

	record := &models.Record{Model: model, Values: maps.Clone(values)}
	if record.Values == nil {
		record.Values = map[string]any{}
	}
	applyDerivedFields(rt, record)
	if actor.UserID != 0 {
		record.CreatedBy = &actor.UserID
	}
	if err := store.CreateRecord(ctx, record); err != nil {
		return nil, err
	}

	if !opts.NoSubscribe && actor.PartnerID != 0 {
		if err := s.subscribe(ctx, store, model, record.ID, []int64{actor.PartnerID}, nil); err != nil {
			return nil, err
		}
	}

	if !opts.NoCreationNote {
		label := rt.Name()
		_, err := s.post(ctx, store, actor, PostParams{
			Model:       model,
			ResID:       record.ID,
			MessageType: models.MessageTypeNotification,
			Body:        fmt.Sprintf("<p>%s created</p>", html.EscapeString(label)),
		}, false, pending)
		if err != nil {
			return nil, err
		}
	}

	logger.Log.Info("record_created", zap.String("model", model), zap.Int64("res_id", record.ID))
	return record, nil
}

// UpdateRecord applies values to a record, subscribes newly assigned users
// and logs tracked field changes on the thread.
func (s *Service) UpdateRecord(ctx context.Context, actor models.Actor, model string, id int64, values map[string]any) (*models.Record, error) {
	var record *models.Record
	pending := &afterCommit{}
	err := s.inTx(ctx, func(store Store) error {
		var err error
		record, err = s.updateRecord(ctx, store, actor, model, id, values, pending)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, pending)
	return record, nil
}

func (s *Service) updateRecord(ctx context.Context, store Store, actor models.Actor, model string, id int64, values map[string]any, pending *afterCommit) (*models.Record, error) {
	rt, err := s.recordType(model)
	if err != nil {
		return nil, err
	}
	if err := s.access.RequireDocument(ctx, store, actor, model, id, registry.PermWrite); err != nil {
		return nil, err
	}

	record, err := store.GetRecord(ctx, model, id)
	if err != nil {
		return nil, err
	}
	oldValues := maps.Clone(record.Values)
	if record.Values == nil {
		record.Values = map[string]any{}
	}
	maps.Copy(record.Values, values)
	applyDerivedFields(rt, record)
	if err := store.UpdateRecord(ctx, record); err != nil {
		return nil, err
	}

	for _, userID := range tracking.AutoSubscribeUsers(rt, oldValues, values) {
		user, err := store.GetUser(ctx, userID)
		if err != nil {
			logger.Log.Warn("auto_subscribe_skipped", zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		following, err := store.IsFollower(ctx, model, id, user.PartnerID)
		if err != nil {
			return nil, err
		}
		if following {
			continue
		}
		if err := s.subscribe(ctx, store, model, id, []int64{user.PartnerID}, nil); err != nil {
			return nil, err
		}
	}

	for _, batch := range tracking.Changes(rt, oldValues, values) {
		_, err := s.post(ctx, store, actor, PostParams{
			Model:          model,
			ResID:          id,
			MessageType:    models.MessageTypeNotification,
			Subtype:        batch.Subtype,
			Body:           tracking.Body(batch.Values),
			TrackingValues: batch.Values,
		}, false, pending)
		if err != nil {
			return nil, err
		}
	}
	return record, nil
}

// DeleteRecord removes a record with its followers, messages and delivery records.
func (s *Service) DeleteRecord(ctx context.Context, actor models.Actor, model string, id int64) error {
	if _, err := s.recordType(model); err != nil {
		return err
	}
	return s.inTx(ctx, func(store Store) error {
		if err := s.access.RequireDocument(ctx, store, actor, model, id, registry.PermUnlink); err != nil {
			return err
		}
		return store.DeleteRecord(ctx, model, id)
	})
}

// applyDerivedFields fills the columns computed from record values.
func applyDerivedFields(rt *registry.RecordType, record *models.Record) {
	if name, ok := record.Values[rt.NameField()]; ok {
		record.Name = tracking.Format(name)
	}
	if field := rt.EmailField(); field != "" {
		if email, ok := record.Values[field].(string); ok {
			record.EmailNormalized = mailparse.NormalizeEmail(email)
		}
	}
}
