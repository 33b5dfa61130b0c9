package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/okian/recalc/internal/adapters/sideaction"
	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/pkg/logger"
)

// ScoresDependencies defines the score admin operations.
type ScoresDependencies interface {
	Scores(ctx context.Context) ([]model.Score, error)
	Score(ctx context.Context, id model.ScoreID) (model.Score, error)
	Rules(ctx context.Context, id model.ScoreID) ([]model.Rule, error)
	RecalculateScore(ctx context.Context, id model.ScoreID) (model.ScoreStatus, error)
}

// ScoresHandler handles score listing, inspection and recalculation.
type ScoresHandler struct {
	deps   ScoresDependencies
	logger logger.Logger

	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewScoresHandler creates a new scores handler.
func NewScoresHandler(deps ScoresDependencies, l logger.Logger) *ScoresHandler {
	return &ScoresHandler{deps: deps, logger: l, baseCtx: context.Background()}
}

type scoreResponse struct {
	model.Score
	Rules []model.Rule `json:"rules,omitempty"`
}

type recalculateResponse struct {
	ScoreID model.ScoreID     `json:"score_id"`
	Status  model.ScoreStatus `json:"status"`
}

// HandleList handles GET /scores.
func (h *ScoresHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	scores, err := h.deps.Scores(r.Context())
	if err != nil {
		writeServiceError(r.Context(), w, h.logger, "api.list_scores", err)
		return
	}
	if scores == nil {
		scores = []model.Score{}
	}
	writeJSON(w, http.StatusOK, scores)
}

// HandleGet handles GET /scores/{id}. With ?rules=true the score's rules
// are included.
func (h *ScoresHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_score"
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	score, err := h.deps.Score(r.Context(), model.ScoreID(id))
	if err != nil {
		writeServiceError(r.Context(), w, h.logger, op, err)
		return
	}
	resp := scoreResponse{Score: score}
	if withRules, _ := strconv.ParseBool(r.URL.Query().Get("rules")); withRules {
		if resp.Rules, err = h.deps.Rules(r.Context(), score.ID); err != nil {
			writeServiceError(r.Context(), w, h.logger, op, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRecalculate handles POST /scores/{id}/recalculate. The full
// recalculation runs in the background and the response reports it as
// started; ?wait=true blocks and returns the final status instead.
func (h *ScoresHandler) HandleRecalculate(w http.ResponseWriter, r *http.Request) {
	const op = "api.recalculate"
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	scoreID := model.ScoreID(id)
	if _, err := h.deps.Score(r.Context(), scoreID); err != nil {
		writeServiceError(r.Context(), w, h.logger, op, err)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		status, err := h.deps.RecalculateScore(r.Context(), scoreID)
		if err != nil {
			writeServiceError(r.Context(), w, h.logger, op, err)
			return
		}
		writeJSON(w, http.StatusOK, recalculateResponse{ScoreID: scoreID, Status: status})
		return
	}

	// The request collector is flushed before the run ends, so the
	// background run must not defer into it.
	ctx := sideaction.Disable(h.baseCtx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		status, err := h.deps.RecalculateScore(ctx, scoreID)
		if err != nil {
			h.logger.Error(ctx, "background recalculation failed",
				logger.Int64("score_id", int64(scoreID)), logger.Error(err))
			return
		}
		h.logger.Info(ctx, "background recalculation finished",
			logger.Int64("score_id", int64(scoreID)), logger.String("status", status.String()))
	}()
	writeJSON(w, http.StatusAccepted, recalculateResponse{ScoreID: scoreID, Status: model.StatusRecalculating})
}
