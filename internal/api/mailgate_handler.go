package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/vdavid/threadmail/internal/logger"
	"github.com/vdavid/threadmail/internal/router"
	"go.uber.org/zap"
)

// maxEmailBytes bounds raw emails accepted by the mail gateway.
const maxEmailBytes = 25 << 20

// MailProcessor routes one raw inbound email.
type MailProcessor interface {
	Process(ctx context.Context, raw []byte, opts router.Options) (*router.Result, error)
}

// MailgateHandler accepts raw emails piped from an MTA.
type MailgateHandler struct {
	processor MailProcessor
}

// NewMailgateHandler creates a new MailgateHandler instance.
func NewMailgateHandler(processor MailProcessor) *MailgateHandler {
	return &MailgateHandler{processor: processor}
}

// Handle handles POST /api/v1/mailgate. The body is the raw RFC 5322
// message. Optional query parameters: rcpt (repeatable envelope recipient),
// model and thread_id (fallback route).
func (h *MailgateHandler) Handle(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	if actor.Share && !actor.Superuser {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	query := r.URL.Query()
	opts := router.Options{
		EnvelopeRecipients: query["rcpt"],
		FallbackModel:      query.Get("model"),
	}
	if raw := query.Get("thread_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "thread_id must be a positive integer", http.StatusBadRequest)
			return
		}
		opts.FallbackThreadID = id
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEmailBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Message too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read message", http.StatusBadRequest)
		return
	}
	if len(raw) == 0 {
		http.Error(w, "Empty message", http.StatusBadRequest)
		return
	}

	result, err := h.processor.Process(r.Context(), raw, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logger.Log.Info("mailgate_processed",
		zap.String("message_id", result.MessageID),
		zap.Int("messages", len(result.Messages)),
		zap.Bool("duplicate", result.Duplicate),
		zap.Bool("bounce", result.Bounce))
	writeJSON(w, http.StatusOK, result)
}
