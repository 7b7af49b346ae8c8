package thread

import (
	"context"
	"errors"
	"fmt"

	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/registry"
)

// Subscribe adds partners to the followers of a record. Subscribing anyone
// else than oneself needs write access. Empty subtypes mean the default ones.
func (s *Service) Subscribe(ctx context.Context, actor models.Actor, model string, id int64, partnerIDs []int64, subtypes []string) error {
	return s.inTx(ctx, func(store Store) error {
		if err := s.requireFollowerAccess(ctx, store, actor, model, id, partnerIDs); err != nil {
			return err
		}
		return s.subscribe(ctx, store, model, id, partnerIDs, subtypes)
	})
}

// Unsubscribe removes partners from the followers of a record.
func (s *Service) Unsubscribe(ctx context.Context, actor models.Actor, model string, id int64, partnerIDs []int64) error {
	return s.inTx(ctx, func(store Store) error {
		if err := s.requireFollowerAccess(ctx, store, actor, model, id, partnerIDs); err != nil {
			return err
		}
		return store.RemoveFollowers(ctx, model, id, partnerIDs)
	})
}

// Followers lists the followers of a record.
func (s *Service) Followers(ctx context.Context, actor models.Actor, model string, id int64) ([]models.Follower, error) {
	if err := s.access.RequireDocument(ctx, s.store, actor, model, id, registry.PermRead); err != nil {
		return nil, err
	}
	return s.store.GetFollowers(ctx, model, id)
}

func (s *Service) requireFollowerAccess(ctx context.Context, store Store, actor models.Actor, model string, id int64, partnerIDs []int64) error {
	if len(partnerIDs) == 0 {
		return errors.New("no partners given")
	}
	perm := registry.PermRead
	for _, pid := range partnerIDs {
		if pid != actor.PartnerID {
			perm = registry.PermWrite
			break
		}
	}
	return s.access.RequireDocument(ctx, store, actor, model, id, perm)
}

func (s *Service) subscribe(ctx context.Context, store Store, model string, id int64, partnerIDs []int64, subtypes []string) error {
	subtypeIDs, err := s.subtypeIDs(ctx, store, model, subtypes)
	if err != nil {
		return err
	}
	for _, pid := range partnerIDs {
		if err := store.UpsertFollower(ctx, model, id, pid, subtypeIDs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) subtypeIDs(ctx context.Context, store Store, model string, names []string) ([]int64, error) {
	var ids []int64
	if len(names) == 0 {
		defaults, err := store.ListDefaultSubtypes(ctx, model)
		if err != nil {
			return nil, err
		}
		for _, st := range defaults {
			ids = append(ids, st.ID)
		}
		return ids, nil
	}
	for _, name := range names {
		st, err := store.GetSubtypeByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("subtype %q: %w", name, err)
		}
		ids = append(ids, st.ID)
	}
	return ids, nil
}
