package thread

import (
	"context"
	"maps"

	"github.com/vdavid/threadmail/internal/mailparse"
	"github.com/vdavid/threadmail/internal/models"
)

// HandleRoute creates or updates the record a route points at and posts the
// email on its thread, in one transaction. The router has already validated
// the route, so no access check runs here.
func (s *Service) HandleRoute(ctx context.Context, route models.Route, email *mailparse.Email, authorID *int64) (*models.Message, error) {
	// The alias owner, if any, owns records created from the route.
	var owner models.Actor
	if route.UserID != 0 {
		user, err := s.store.GetUser(ctx, route.UserID)
		if err != nil {
			return nil, err
		}
		owner = models.ActorFromUser(user)
	}

	var msg *models.Message
	pending := &afterCommit{}
	err := s.inTx(ctx, func(store Store) error {
		model, resID := route.Model, route.ThreadID
		if model != "" && resID == 0 {
			record, err := s.createRecord(ctx, store, owner, model, routeValues(route, email), CreateOptions{
				NoSubscribe:    owner.PartnerID == 0,
				NoCreationNote: true,
			}, false, pending)
			if err != nil {
				return err
			}
			resID = record.ID
			if authorID != nil {
				if err := s.subscribe(ctx, store, model, resID, []int64{*authorID}, nil); err != nil {
					return err
				}
			}
		}

		var err error
		// The zero actor keeps unknown senders authorless.
		msg, err = s.post(ctx, store, models.Actor{}, PostParams{
			Model:       model,
			ResID:       resID,
			ParentID:    route.ParentID,
			Subject:     email.Subject,
			Body:        email.BodyHTML,
			MessageType: models.MessageTypeEmail,
			AuthorID:    authorID,
			EmailFrom:   email.From,
			MessageID:   email.MessageID,
			Attachments: email.Attachments,
		}, false, pending)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, pending)
	return msg, nil
}

// routeValues are the values of a record created from an email: alias
// defaults plus the subject and the sender.
func routeValues(route models.Route, email *mailparse.Email) map[string]any {
	values := maps.Clone(route.Defaults)
	if values == nil {
		values = map[string]any{}
	}
	if _, ok := values["name"]; !ok && email.Subject != "" {
		values["name"] = email.Subject
	}
	if _, ok := values["email_from"]; !ok && email.FromAddress != "" {
		values["email_from"] = email.FromAddress
	}
	return values
}
