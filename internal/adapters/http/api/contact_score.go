package api

import (
	"context"
	"net/http"

	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/pkg/logger"
)

// ContactScoreDependencies defines the interface for single-contact reads.
type ContactScoreDependencies interface {
	ContactScore(ctx context.Context, scoreID model.ScoreID, contactID model.ContactID) (model.ContactTotal, error)
}

// ContactScoreHandler serves one contact's total.
type ContactScoreHandler struct {
	deps   ContactScoreDependencies
	logger logger.Logger
}

// NewContactScoreHandler creates a new contact score handler.
func NewContactScoreHandler(deps ContactScoreDependencies, l logger.Logger) *ContactScoreHandler {
	return &ContactScoreHandler{deps: deps, logger: l}
}

type contactScoreResponse struct {
	ScoreID model.ScoreID `json:"score_id"`
	model.ContactTotal
}

// HandleGetContactScore handles GET /scores/{id}/contacts/{contactID}. A
// contact without associations has zero points.
func (h *ContactScoreHandler) HandleGetContactScore(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_contact_score"
	scoreID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	contactID, err := pathID(r, "contactID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	total, err := h.deps.ContactScore(r.Context(), model.ScoreID(scoreID), model.ContactID(contactID))
	if err != nil {
		writeServiceError(r.Context(), w, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, contactScoreResponse{ScoreID: model.ScoreID(scoreID), ContactTotal: total})
}
