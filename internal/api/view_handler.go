package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vdavid/threadmail/internal/logger"
	"go.uber.org/zap"
)

// LinkVerifier resolves an access-link token to the record it points to.
type LinkVerifier interface {
	Verify(token string) (model string, id int64, err error)
}

// ViewHandler resolves the access links mailed to share recipients.
type ViewHandler struct {
	links  LinkVerifier
	appURL string
}

// NewViewHandler creates a new ViewHandler. appURL is the web application
// the links redirect into.
func NewViewHandler(links LinkVerifier, appURL string) *ViewHandler {
	return &ViewHandler{links: links, appURL: strings.TrimRight(appURL, "/")}
}

// Handle handles GET /mail/view?token=... by redirecting to the record page.
// The application asks for a login there and enforces access as usual.
func (h *ViewHandler) Handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}

	model, id, err := h.links.Verify(token)
	if err != nil {
		logger.Log.Info("access_link_rejected", zap.Error(err))
		http.Error(w, "Link not found", http.StatusNotFound)
		return
	}

	target := fmt.Sprintf("%s/records/%s/%d", h.appURL, url.PathEscape(model), id)
	http.Redirect(w, r, target, http.StatusFound)
}
