// Package router resolves inbound emails to the records they belong to.
package router

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/vdavid/threadmail/internal/db"
	"github.com/vdavid/threadmail/internal/logger"
	"github.com/vdavid/threadmail/internal/mailparse"
	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/registry"
	"go.uber.org/zap"
)

// Config holds the reserved mailbox names and the domain aliases live on.
type Config struct {
	// Domain restricts alias matching to one domain. Empty matches any domain.
	Domain        string
	BounceAlias   string
	CatchallAlias string
}

// Store is the read side the router needs.
type Store interface {
	FindMessageByMessageID(ctx context.Context, messageID string) (*models.Message, error)
	FindAliasesByNames(ctx context.Context, names []string) ([]models.Alias, error)
	FindPartnersByEmail(ctx context.Context, emails []string) ([]models.Partner, error)
	GetUserByPartner(ctx context.Context, partnerID int64) (*models.User, error)
	RecordExists(ctx context.Context, model string, id int64) (bool, error)
	IsFollower(ctx context.Context, model string, resID, partnerID int64) (bool, error)
}

// Options are caller-supplied routing inputs.
type Options struct {
	// EnvelopeRecipients are the RCPT TO addresses, when the transport knows them.
	EnvelopeRecipients []string
	// FallbackModel is used when neither a reply nor an alias matches.
	FallbackModel    string
	FallbackThreadID int64
}

// Rejection is a route refused by alias policy. The sender gets a bounce reply.
type Rejection struct {
	Route  models.Route
	Reason string
}

// Resolution is the outcome of routing one email. At most one of Duplicate,
// Bounce and Routes/Rejections is meaningful.
type Resolution struct {
	Duplicate  bool
	Bounce     *Bounce
	Routes     []models.Route
	Rejections []Rejection
	// AuthorID is the directory identity of the sender, if known.
	AuthorID *int64
}

// RoutingError is returned when no route at all can be found for an email.
type RoutingError struct {
	MessageID  string
	Recipients []string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no route found for message %s (recipients: %s)", e.MessageID, strings.Join(e.Recipients, ", "))
}

// Router resolves emails to routes. It holds no mutable state, so one Router
// can serve concurrent requests.
type Router struct {
	cfg      Config
	registry *registry.Registry
}

// New creates a router.
func New(cfg Config, reg *registry.Registry) *Router {
	cfg.Domain = strings.ToLower(cfg.Domain)
	cfg.BounceAlias = strings.ToLower(cfg.BounceAlias)
	cfg.CatchallAlias = strings.ToLower(cfg.CatchallAlias)
	return &Router{cfg: cfg, registry: reg}
}

// Resolve applies, in order: replay detection, bounce detection, reply
// detection, alias resolution and the fallback, then validates the candidates.
func (r *Router) Resolve(ctx context.Context, store Store, email *mailparse.Email, opts Options) (*Resolution, error) {
	if email.MessageID != "" {
		_, err := store.FindMessageByMessageID(ctx, email.MessageID)
		if err == nil {
			return &Resolution{Duplicate: true}, nil
		}
		if !errors.Is(err, db.ErrMessageNotFound) {
			return nil, err
		}
	}

	recipients := r.recipients(email, opts)

	if bounce := r.detectBounce(email, recipients); bounce != nil {
		return &Resolution{Bounce: bounce}, nil
	}

	author, err := r.resolveAuthor(ctx, store, email)
	if err != nil {
		return nil, err
	}
	res := &Resolution{}
	if author != nil {
		res.AuthorID = &author.partnerID
	}

	aliases, catchall, err := r.matchAliases(ctx, store, recipients)
	if err != nil {
		return nil, err
	}

	candidates, err := r.replyRoute(ctx, store, email, aliases, author)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		for i := range aliases {
			alias := &aliases[i]
			candidates = append(candidates, models.Route{
				Model:    alias.Model,
				ThreadID: alias.ForceThreadID,
				Defaults: alias.Defaults,
				UserID:   routeUser(alias, author),
				Alias:    alias,
			})
		}
		if len(candidates) == 0 && catchall {
			res.Rejections = append(res.Rejections, Rejection{Reason: "address not found"})
			return res, nil
		}
	}

	if len(candidates) == 0 && opts.FallbackModel != "" {
		candidates = append(candidates, models.Route{
			Model:    opts.FallbackModel,
			ThreadID: opts.FallbackThreadID,
			UserID:   routeUser(nil, author),
		})
	}

	for _, route := range candidates {
		validated, reason, err := r.validate(ctx, store, route, res.AuthorID)
		if err != nil {
			return nil, err
		}
		switch {
		case reason != "":
			res.Rejections = append(res.Rejections, Rejection{Route: route, Reason: reason})
		case validated != nil:
			res.Routes = append(res.Routes, *validated)
		}
	}

	if len(res.Routes) == 0 && len(res.Rejections) == 0 {
		return nil, &RoutingError{MessageID: email.MessageID, Recipients: recipients}
	}
	return res, nil
}

// recipients merges envelope and header recipients, envelope first.
func (r *Router) recipients(email *mailparse.Email, opts Options) []string {
	var result []string
	for _, addr := range opts.EnvelopeRecipients {
		if n := mailparse.NormalizeEmail(addr); n != "" && !slices.Contains(result, n) {
			result = append(result, n)
		}
	}
	for _, addr := range email.Recipients() {
		if !slices.Contains(result, addr) {
			result = append(result, addr)
		}
	}
	return result
}

type author struct {
	partnerID int64
	user      *models.User
}

// resolveAuthor finds the sender in the directory. Several partners with the
// same address resolve to the first by id.
func (r *Router) resolveAuthor(ctx context.Context, store Store, email *mailparse.Email) (*author, error) {
	if email.FromAddress == "" {
		return nil, nil
	}
	partners, err := store.FindPartnersByEmail(ctx, []string{email.FromAddress})
	if err != nil {
		return nil, err
	}
	if len(partners) == 0 {
		return nil, nil
	}
	a := &author{partnerID: partners[0].ID}
	user, err := store.GetUserByPartner(ctx, a.partnerID)
	switch {
	case err == nil:
		a.user = user
	case !errors.Is(err, db.ErrUserNotFound):
		return nil, err
	}
	return a, nil
}

// routeUser picks the acting user: the alias owner, else an internal author.
func routeUser(alias *models.Alias, a *author) int64 {
	if alias != nil && alias.UserID != nil {
		return *alias.UserID
	}
	if a != nil && a.user != nil && !a.user.Share {
		return a.user.ID
	}
	return 0
}

// matchAliases returns the aliases addressed by the recipients in recipient
// order, and whether the catch-all mailbox was addressed.
func (r *Router) matchAliases(ctx context.Context, store Store, recipients []string) ([]models.Alias, bool, error) {
	var names []string
	catchall := false
	for _, addr := range recipients {
		local, domain := mailparse.SplitAddress(addr)
		if r.cfg.Domain != "" && domain != r.cfg.Domain {
			continue
		}
		switch {
		case local == r.cfg.CatchallAlias:
			catchall = true
		case local == r.cfg.BounceAlias || strings.HasPrefix(local, r.cfg.BounceAlias+"+"):
		default:
			if !slices.Contains(names, local) {
				names = append(names, local)
			}
		}
	}
	if len(names) == 0 {
		return nil, catchall, nil
	}

	found, err := store.FindAliasesByNames(ctx, names)
	if err != nil {
		return nil, false, err
	}
	byName := make(map[string]models.Alias, len(found))
	for _, a := range found {
		byName[a.Name] = a
	}
	var aliases []models.Alias
	for _, name := range names {
		if a, ok := byName[name]; ok {
			aliases = append(aliases, a)
		}
	}
	return aliases, catchall, nil
}

// replyRoute looks the reference chain up in the stored Message-Ids. A reply
// sent through an alias of another record type is a forward and yields no route.
func (r *Router) replyRoute(ctx context.Context, store Store, email *mailparse.Email, aliases []models.Alias, a *author) ([]models.Route, error) {
	for _, ref := range email.ReferenceChain() {
		parent, err := store.FindMessageByMessageID(ctx, ref)
		if errors.Is(err, db.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		for _, alias := range aliases {
			if alias.Model != "" && alias.Model != parent.Model {
				logger.Log.Info("reply_treated_as_forward",
					zap.String("message_id", email.MessageID),
					zap.String("parent_model", parent.Model),
					zap.String("alias", alias.Name))
				return nil, nil
			}
		}

		parentID := parent.ID
		return []models.Route{{
			Model:    parent.Model,
			ThreadID: parent.ResID,
			UserID:   routeUser(nil, a),
			ParentID: &parentID,
		}}, nil
	}
	return nil, nil
}

// validate checks a candidate route. It returns the route to use, possibly
// degraded from update to creation, or a rejection reason, or nil when the
// candidate is dropped.
func (r *Router) validate(ctx context.Context, store Store, route models.Route, authorID *int64) (*models.Route, string, error) {
	if route.Model == "" {
		// Reply to a free-standing entry.
		if route.ParentID == nil {
			return nil, "", nil
		}
		return &route, "", nil
	}

	rt, ok := r.registry.Get(route.Model)
	if !ok {
		logger.Log.Warn("route_unknown_model", zap.String("model", route.Model))
		return nil, "", nil
	}

	if route.ThreadID != 0 {
		exists, err := store.RecordExists(ctx, route.Model, route.ThreadID)
		if err != nil {
			return nil, "", err
		}
		if !exists {
			logger.Log.Info("route_stale_record",
				zap.String("model", route.Model),
				zap.Int64("thread_id", route.ThreadID))
			route.ThreadID = 0
			route.ParentID = nil
		}
	}

	if route.ThreadID != 0 && !rt.SupportsUpdateFromMessage() {
		logger.Log.Warn("route_update_not_supported", zap.String("model", route.Model))
		return nil, "", nil
	}
	if route.ThreadID == 0 && !rt.SupportsCreateFromMessage() {
		logger.Log.Warn("route_create_not_supported", zap.String("model", route.Model))
		return nil, "", nil
	}

	if route.Alias != nil {
		reason, err := r.checkPolicy(ctx, store, route, authorID)
		if err != nil {
			return nil, "", err
		}
		if reason != "" {
			logger.Log.Warn("route_policy_violation",
				zap.String("alias", route.Alias.Name),
				zap.String("policy", string(route.Alias.ContactPolicy)))
			return nil, reason, nil
		}
	}

	return &route, "", nil
}

func (r *Router) checkPolicy(ctx context.Context, store Store, route models.Route, authorID *int64) (string, error) {
	alias := route.Alias
	switch alias.ContactPolicy {
	case models.ContactPartners:
		if authorID == nil {
			return "sender is not a known contact", nil
		}
	case models.ContactFollowers:
		if authorID == nil {
			return "sender is not a follower", nil
		}
		model, threadID := alias.ParentModel, alias.ParentThreadID
		if model == "" || threadID == 0 {
			model, threadID = route.Model, route.ThreadID
		}
		if threadID == 0 {
			return "sender is not a follower", nil
		}
		ok, err := store.IsFollower(ctx, model, threadID, *authorID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "sender is not a follower", nil
		}
	}
	return "", nil
}
