package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/vdavid/threadmail/internal/access"
	"github.com/vdavid/threadmail/internal/auth"
	"github.com/vdavid/threadmail/internal/db"
	"github.com/vdavid/threadmail/internal/logger"
	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/router"
	"github.com/vdavid/threadmail/internal/thread"
	"go.uber.org/zap"
)

// maxJSONBytes bounds JSON request bodies.
const maxJSONBytes = 1 << 20

// actorFromRequest returns the authenticated actor, writing 401 when the
// request did not pass through RequireAuth.
func actorFromRequest(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		logger.Log.Warn("api_missing_actor", zap.String("path", r.URL.Path))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return models.Actor{}, false
	}
	return actor, true
}

// pathID parses a positive integer path value, writing 400 otherwise.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, name+" must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// decodeJSON reads a JSON body into dst, writing 400 on malformed input.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error("api_encode_failed", zap.Error(err))
	}
}

// writeError maps domain errors to HTTP statuses. Unexpected errors are
// logged and reported as 500 without details.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *access.DeniedError
	var routingErr *router.RoutingError
	switch {
	case errors.As(err, &denied):
		http.Error(w, denied.Error(), http.StatusForbidden)
	case errors.Is(err, db.ErrRecordNotFound),
		errors.Is(err, db.ErrMessageNotFound),
		errors.Is(err, db.ErrAttachmentNotFound),
		errors.Is(err, db.ErrPartnerNotFound),
		errors.Is(err, db.ErrSubtypeNotFound),
		errors.Is(err, thread.ErrUnknownModel):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, thread.ErrNotEditable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, db.ErrDuplicateMessage):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &routingErr):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		logger.Log.Error("api_request_failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
