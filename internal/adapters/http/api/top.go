package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/pkg/logger"
)

const defaultTopN = 10

// TopContactsDependencies defines the interface for ranking reads.
type TopContactsDependencies interface {
	TopContacts(ctx context.Context, scoreID model.ScoreID, n int) ([]model.ContactTotal, error)
}

// TopContactsHandler serves the highest totals of a score.
type TopContactsHandler struct {
	deps   TopContactsDependencies
	logger logger.Logger
}

// NewTopContactsHandler creates a new top contacts handler.
func NewTopContactsHandler(deps TopContactsDependencies, l logger.Logger) *TopContactsHandler {
	return &TopContactsHandler{deps: deps, logger: l}
}

type topResponse struct {
	ScoreID  model.ScoreID        `json:"score_id"`
	Contacts []model.ContactTotal `json:"contacts"`
}

// HandleGetTop handles GET /scores/{id}/top?n=N. n defaults to 10.
func (h *TopContactsHandler) HandleGetTop(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_top"
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	n := defaultTopN
	if raw := r.URL.Query().Get("n"); raw != "" {
		if n, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: n must be an integer", ErrBadRequest))
			return
		}
	}
	top, err := h.deps.TopContacts(r.Context(), model.ScoreID(id), n)
	if err != nil {
		writeServiceError(r.Context(), w, h.logger, op, err)
		return
	}
	if top == nil {
		top = []model.ContactTotal{}
	}
	writeJSON(w, http.StatusOK, topResponse{ScoreID: model.ScoreID(id), Contacts: top})
}
