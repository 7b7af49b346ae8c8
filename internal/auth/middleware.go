package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/vdavid/threadmail/internal/crypto"
	"github.com/vdavid/threadmail/internal/db"
	"github.com/vdavid/threadmail/internal/logger"
	"github.com/vdavid/threadmail/internal/models"
	"go.uber.org/zap"
)

type contextKey string

// actorKey is the context key of the authenticated actor.
const actorKey contextKey = "actor"

const loginPrefix = "login:"

// UserLookup finds the active user behind a login.
type UserLookup interface {
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
}

// Authenticator issues and checks bearer tokens. A token is the login
// sealed with the server key.
type Authenticator struct {
	enc      *crypto.Encryptor
	users    UserLookup
	testMode bool
}

// NewAuthenticator creates an authenticator. In test mode tokens of the
// form "email:<login>" are accepted as is.
func NewAuthenticator(enc *crypto.Encryptor, users UserLookup, testMode bool) *Authenticator {
	return &Authenticator{enc: enc, users: users, testMode: testMode}
}

// IssueToken returns a bearer token for the login.
func (a *Authenticator) IssueToken(login string) (string, error) {
	return a.enc.SealToken(loginPrefix + login)
}

// ValidateToken returns the login a token was issued for.
func (a *Authenticator) ValidateToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" || token == "email:" {
		return "", fmt.Errorf("token is empty")
	}

	if a.testMode {
		if login, ok := strings.CutPrefix(token, "email:"); ok {
			return login, nil
		}
	}

	payload, err := a.enc.OpenToken(token)
	if err != nil {
		return "", err
	}
	login, ok := strings.CutPrefix(payload, loginPrefix)
	if !ok || login == "" {
		return "", crypto.ErrInvalidToken
	}
	return login, nil
}

// Authenticate resolves a request's token to the acting user.
func (a *Authenticator) Authenticate(r *http.Request) (models.Actor, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return models.Actor{}, err
	}
	login, err := a.ValidateToken(token)
	if err != nil {
		return models.Actor{}, err
	}
	user, err := a.users.GetUserByLogin(r.Context(), login)
	if err != nil {
		return models.Actor{}, err
	}
	return models.ActorFromUser(user), nil
}

// RequireAuth rejects requests without a valid token with 401 and stores the
// actor in the request context otherwise.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.Authenticate(r)
		if err != nil {
			if errors.Is(err, db.ErrUserNotFound) || errors.Is(err, crypto.ErrInvalidToken) || errors.Is(err, errNoToken) {
				logger.Log.Info("auth_rejected", zap.String("path", r.URL.Path), zap.Error(err))
			} else {
				logger.Log.Warn("auth_failed", zap.String("path", r.URL.Path), zap.Error(err))
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

var errNoToken = errors.New("no bearer token")

// TokenFromRequest reads the bearer token from the Authorization header
// (RFC 7235, scheme is case-insensitive) or, for WebSocket clients that
// cannot set headers, from the token query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		fields := strings.Fields(authHeader)
		if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
			return "", fmt.Errorf("invalid Authorization header format")
		}
		token := strings.TrimSpace(strings.Join(fields[1:], " "))
		if token == "" {
			return "", errNoToken
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", errNoToken
}

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the actor stored by RequireAuth.
func ActorFromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(models.Actor)
	return actor, ok
}
