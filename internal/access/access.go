// Package access decides whether an actor may read, write, create or delete
// conversation entries.
package access

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/registry"
)

// Operation is an operation on conversation entries.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpCreate Operation = "create"
	OpUnlink Operation = "unlink"
)

// maxReportedIDs bounds the id list carried by a DeniedError.
const maxReportedIDs = 5

// DeniedError is returned when an actor lacks permission for an operation.
type DeniedError struct {
	Operation Operation
	Model     string
	IDs       []int64
	// Document is set when the refusal is about the records themselves.
	Document bool
}

func (e *DeniedError) Error() string {
	ids := e.IDs
	suffix := ""
	if len(ids) > maxReportedIDs {
		ids = ids[:maxReportedIDs]
		suffix = ", ..."
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	target := "messages"
	switch {
	case e.Document:
		target = e.Model + " records"
	case e.Model != "":
		target = "messages of " + e.Model
	}
	return fmt.Sprintf("access denied: cannot %s %s [%s%s]", e.Operation, target, strings.Join(parts, ", "), suffix)
}

// Store is what the engine reads besides the entries themselves.
type Store interface {
	NotifiedMessageIDs(ctx context.Context, messageIDs []int64, partnerID int64) (map[int64]bool, error)
	IsFollower(ctx context.Context, model string, resID, partnerID int64) (bool, error)
	RecordExists(ctx context.Context, model string, id int64) (bool, error)
}

// Engine evaluates access rules. It is stateless apart from the registry.
type Engine struct {
	registry *registry.Registry
}

// NewEngine creates an engine backed by the record-type registry.
func NewEngine(reg *registry.Registry) *Engine {
	return &Engine{registry: reg}
}

// Check returns nil when actor may perform op on every message, and a
// *DeniedError naming the refused ones otherwise. For OpCreate the messages
// are the entries about to be stored.
func (e *Engine) Check(ctx context.Context, store Store, actor models.Actor, messages []*models.Message, op Operation) error {
	if actor.Superuser || len(messages) == 0 {
		return nil
	}

	var notified map[int64]bool
	if op == OpRead || op == OpWrite {
		ids := make([]int64, 0, len(messages))
		for _, m := range messages {
			if m.ID != 0 {
				ids = append(ids, m.ID)
			}
		}
		var err error
		if notified, err = store.NotifiedMessageIDs(ctx, ids, actor.PartnerID); err != nil {
			return err
		}
	}

	var denied []*models.Message
	for _, msg := range messages {
		allowed, err := e.allowed(ctx, store, actor, msg, op, notified)
		if err != nil {
			return err
		}
		if !allowed {
			denied = append(denied, msg)
		}
	}
	if len(denied) == 0 {
		return nil
	}

	deniedErr := &DeniedError{Operation: op, Model: denied[0].Model}
	for _, m := range denied {
		deniedErr.IDs = append(deniedErr.IDs, m.ID)
		if m.Model != deniedErr.Model {
			deniedErr.Model = ""
		}
	}
	return deniedErr
}

func (e *Engine) allowed(ctx context.Context, store Store, actor models.Actor, msg *models.Message, op Operation, notified map[int64]bool) (bool, error) {
	authored := msg.AuthorID != nil && *msg.AuthorID == actor.PartnerID

	// External actors never see internal entries they did not write.
	if actor.Share && msg.IsInternal && !authored {
		return false, nil
	}

	switch op {
	case OpRead, OpWrite:
		if authored {
			return true, nil
		}
		if slices.Contains(msg.PartnerIDs, actor.PartnerID) || notified[msg.ID] {
			return true, nil
		}
	case OpCreate:
		if authored && !msg.HasRecord() {
			return true, nil
		}
	}

	if msg.HasRecord() {
		ok, err := e.CheckDocument(ctx, store, actor, msg.Model, msg.ResID, documentPermission(e.registry, msg.Model, op))
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}

	if op != OpCreate {
		return false, nil
	}

	if msg.ParentID != nil {
		parent, err := store.NotifiedMessageIDs(ctx, []int64{*msg.ParentID}, actor.PartnerID)
		if err != nil {
			return false, err
		}
		if parent[*msg.ParentID] {
			return true, nil
		}
	}

	if msg.HasRecord() {
		return store.IsFollower(ctx, msg.Model, msg.ResID, actor.PartnerID)
	}
	return false, nil
}

// documentPermission maps an entry operation to the permission required on
// the underlying record.
func documentPermission(reg *registry.Registry, model string, op Operation) registry.Permission {
	switch op {
	case OpRead:
		return registry.PermRead
	case OpCreate:
		if rt, ok := reg.Get(model); ok {
			return rt.PostAccess()
		}
		return registry.PermWrite
	default:
		return registry.PermWrite
	}
}

// CheckDocument reports whether actor holds perm on a record. Unknown record
// types and missing records grant nothing. Internal users hold every
// permission, share users may only read records they follow.
func (e *Engine) CheckDocument(ctx context.Context, store Store, actor models.Actor, model string, resID int64, perm registry.Permission) (bool, error) {
	if actor.Superuser {
		return true, nil
	}
	rt, ok := e.registry.Get(model)
	if !ok {
		return false, nil
	}
	if override := rt.AccessOverride(); override != nil {
		if allowed, handled := override(actor, []int64{resID}, perm); handled {
			return allowed, nil
		}
	}
	if perm == registry.PermCreate {
		return !actor.Share, nil
	}

	exists, err := store.RecordExists(ctx, model, resID)
	if err != nil || !exists {
		return false, err
	}
	if !actor.Share {
		return true, nil
	}
	if perm != registry.PermRead {
		return false, nil
	}
	return store.IsFollower(ctx, model, resID, actor.PartnerID)
}

// RequireDocument is CheckDocument returning a *DeniedError on refusal.
func (e *Engine) RequireDocument(ctx context.Context, store Store, actor models.Actor, model string, resID int64, perm registry.Permission) error {
	ok, err := e.CheckDocument(ctx, store, actor, model, resID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return &DeniedError{Operation: Operation(perm), Model: model, IDs: []int64{resID}, Document: true}
	}
	return nil
}
