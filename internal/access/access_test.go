package access

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/registry"
)

type fakeStore struct {
	notified  map[int64]map[int64]bool // partner -> message ids
	followers map[string]bool          // "model/res/partner"
	records   map[string]bool          // "model/res"
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		notified:  map[int64]map[int64]bool{},
		followers: map[string]bool{},
		records:   map[string]bool{},
	}
}

func (f *fakeStore) NotifiedMessageIDs(_ context.Context, ids []int64, partnerID int64) (map[int64]bool, error) {
	result := map[int64]bool{}
	for _, id := range ids {
		if f.notified[partnerID][id] {
			result[id] = true
		}
	}
	return result, nil
}

func (f *fakeStore) IsFollower(_ context.Context, model string, resID, partnerID int64) (bool, error) {
	return f.followers[fmt.Sprintf("%s/%d/%d", model, resID, partnerID)], nil
}

func (f *fakeStore) RecordExists(_ context.Context, model string, id int64) (bool, error) {
	return f.records[fmt.Sprintf("%s/%d", model, id)], nil
}

func (f *fakeStore) notify(partnerID, messageID int64) {
	if f.notified[partnerID] == nil {
		f.notified[partnerID] = map[int64]bool{}
	}
	f.notified[partnerID][messageID] = true
}

func (f *fakeStore) follow(model string, resID, partnerID int64) {
	f.followers[fmt.Sprintf("%s/%d/%d", model, resID, partnerID)] = true
}

func (f *fakeStore) addRecord(model string, id int64) {
	f.records[fmt.Sprintf("%s/%d", model, id)] = true
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Config{RecordTypes: []registry.TypeConfig{
		{Name: "ticket", CreateFromMessage: true, PostAccess: registry.PermRead},
		{Name: "lead", CreateFromMessage: true},
	}})
	require.NoError(t, err)
	return reg
}

func ptr(v int64) *int64 { return &v }

var (
	employee = models.Actor{UserID: 1, PartnerID: 10}
	portal   = models.Actor{UserID: 2, PartnerID: 20, Share: true}
	admin    = models.Actor{UserID: 3, PartnerID: 30, Superuser: true}
)

func TestCheck(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		actor   models.Actor
		msg     *models.Message
		op      Operation
		setup   func(*fakeStore)
		allowed bool
	}{
		{
			name:    "superuser always passes",
			actor:   admin,
			msg:     &models.Message{ID: 1, Model: "ticket", ResID: 99, IsInternal: true},
			op:      OpUnlink,
			allowed: true,
		},
		{
			name:    "share user cannot read internal entry even as recipient",
			actor:   portal,
			msg:     &models.Message{ID: 1, Model: "ticket", ResID: 5, IsInternal: true, PartnerIDs: []int64{20}},
			op:      OpRead,
			setup:   func(f *fakeStore) { f.addRecord("ticket", 5); f.follow("ticket", 5, 20) },
			allowed: false,
		},
		{
			name:    "author of an internal entry can still read it",
			actor:   portal,
			msg:     &models.Message{ID: 1, Model: "ticket", ResID: 5, IsInternal: true, AuthorID: ptr(20)},
			op:      OpRead,
			allowed: true,
		},
		{
			name:    "author can write",
			actor:   portal,
			msg:     &models.Message{ID: 1, Model: "ticket", ResID: 5, AuthorID: ptr(20)},
			op:      OpWrite,
			allowed: true,
		},
		{
			name:    "explicit recipient can read",
			actor:   portal,
			msg:     &models.Message{ID: 1, PartnerIDs: []int64{20}},
			op:      OpRead,
			allowed: true,
		},
		{
			name:    "prior delivery grants read",
			actor:   portal,
			msg:     &models.Message{ID: 7},
			op:      OpRead,
			setup:   func(f *fakeStore) { f.notify(20, 7) },
			allowed: true,
		},
		{
			name:    "share user without link is denied",
			actor:   portal,
			msg:     &models.Message{ID: 7, Model: "ticket", ResID: 5},
			op:      OpRead,
			setup:   func(f *fakeStore) { f.addRecord("ticket", 5) },
			allowed: false,
		},
		{
			name:    "internal user reads through the record",
			actor:   employee,
			msg:     &models.Message{ID: 7, Model: "ticket", ResID: 5},
			op:      OpRead,
			setup:   func(f *fakeStore) { f.addRecord("ticket", 5) },
			allowed: true,
		},
		{
			name:    "record permission on a missing record grants nothing",
			actor:   employee,
			msg:     &models.Message{ID: 7, Model: "ticket", ResID: 5},
			op:      OpWrite,
			allowed: false,
		},
		{
			name:    "private note authored by actor can be created",
			actor:   portal,
			msg:     &models.Message{AuthorID: ptr(20)},
			op:      OpCreate,
			allowed: true,
		},
		{
			name:    "authorship alone does not allow posting on a record",
			actor:   portal,
			msg:     &models.Message{Model: "lead", ResID: 5, AuthorID: ptr(20)},
			op:      OpCreate,
			setup:   func(f *fakeStore) { f.addRecord("lead", 5) },
			allowed: false,
		},
		{
			name:    "read-level post access lets a following share user post",
			actor:   portal,
			msg:     &models.Message{Model: "ticket", ResID: 5, AuthorID: ptr(20)},
			op:      OpCreate,
			setup:   func(f *fakeStore) { f.addRecord("ticket", 5); f.follow("ticket", 5, 20) },
			allowed: true,
		},
		{
			name:    "reply to a notified parent can be created",
			actor:   portal,
			msg:     &models.Message{Model: "lead", ResID: 5, ParentID: ptr(3)},
			op:      OpCreate,
			setup:   func(f *fakeStore) { f.addRecord("lead", 5); f.notify(20, 3) },
			allowed: true,
		},
		{
			name:    "follower can create",
			actor:   portal,
			msg:     &models.Message{Model: "lead", ResID: 5},
			op:      OpCreate,
			setup:   func(f *fakeStore) { f.addRecord("lead", 5); f.follow("lead", 5, 20) },
			allowed: true,
		},
		{
			name:    "unknown record type grants nothing",
			actor:   employee,
			msg:     &models.Message{ID: 1, Model: "invoice", ResID: 5},
			op:      OpRead,
			setup:   func(f *fakeStore) { f.addRecord("invoice", 5) },
			allowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			if tt.setup != nil {
				tt.setup(store)
			}
			engine := NewEngine(testRegistry(t))

			err := engine.Check(ctx, store, tt.actor, []*models.Message{tt.msg}, tt.op)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			var denied *DeniedError
			require.True(t, errors.As(err, &denied), "expected DeniedError, got %v", err)
			assert.Equal(t, tt.op, denied.Operation)
		})
	}
}

func TestAuthorCanAlwaysReadAndWrite(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(testRegistry(t))
	store := newFakeStore()

	for _, actor := range []models.Actor{employee, portal, admin} {
		for _, internal := range []bool{false, true} {
			msg := &models.Message{ID: 1, Model: "ticket", ResID: 42, AuthorID: ptr(actor.PartnerID), IsInternal: internal}
			for _, op := range []Operation{OpRead, OpWrite} {
				assert.NoError(t, engine.Check(ctx, store, actor, []*models.Message{msg}, op),
					"actor %d, internal %v, op %s", actor.PartnerID, internal, op)
			}
		}
	}
}

func TestDeniedErrorTruncatesIDs(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(testRegistry(t))

	var messages []*models.Message
	for i := int64(1); i <= 8; i++ {
		messages = append(messages, &models.Message{ID: i, Model: "ticket", ResID: 5})
	}
	err := engine.Check(ctx, newFakeStore(), portal, messages, OpWrite)

	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Len(t, denied.IDs, 8)
	assert.Equal(t, "access denied: cannot write messages of ticket [1, 2, 3, 4, 5, ...]", err.Error())
}

func TestAccessOverride(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	require.NoError(t, reg.RegisterAccessOverride("lead", func(actor models.Actor, resIDs []int64, perm registry.Permission) (bool, bool) {
		if actor.Share {
			return perm == registry.PermRead, true
		}
		return false, false
	}))
	engine := NewEngine(reg)
	store := newFakeStore()
	store.addRecord("lead", 5)

	ok, err := engine.CheckDocument(ctx, store, portal, "lead", 5, registry.PermRead)
	require.NoError(t, err)
	assert.True(t, ok, "override grants read without following")

	ok, err = engine.CheckDocument(ctx, store, employee, "lead", 5, registry.PermWrite)
	require.NoError(t, err)
	assert.True(t, ok, "unhandled falls back to the default check")

	err = engine.RequireDocument(ctx, store, portal, "lead", 5, registry.PermWrite)
	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "access denied: cannot write lead records [5]", err.Error())
}
