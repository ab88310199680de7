package ledger

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/radif/uploads/internal/middleware"
	"github.com/radif/uploads/internal/response"
	"github.com/radif/uploads/internal/upload"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Lister reads ledger entries.
type Lister interface {
	List(ctx context.Context, prefix string, limit int) ([]Entry, error)
}

// Handler holds HTTP handlers for the upload ledger.
type Handler struct {
	repo      Lister
	keyPrefix string
	log       *zap.SugaredLogger
}

// NewHandler creates a new ledger Handler.
func NewHandler(repo Lister, keyPrefix string, log *zap.SugaredLogger) *Handler {
	return &Handler{repo: repo, keyPrefix: keyPrefix, log: log.With("component", "ledger_handler")}
}

// List godoc
//
//	@Summary		List uploads
//	@Description	Returns the caller's most recent uploads, newest first.
//	@Tags			uploads
//	@Produce		json
//	@Security		BearerAuth
//	@Param			limit	query		int	false	"Maximum number of entries (1-500, default 50)"
//	@Success		200		{object}	response.Envelope{data=[]Entry}
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		500		{object}	response.Envelope
//	@Router			/uploads [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			response.BadRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	prefix := upload.KeyPrefix(h.keyPrefix, middleware.Subject(r.Context()))
	entries, err := h.repo.List(r.Context(), prefix, limit)
	if err != nil {
		h.log.Errorw("failed to list uploads", "prefix", prefix, "error", err)
		response.InternalError(w)
		return
	}

	response.OK(w, entries)
}
