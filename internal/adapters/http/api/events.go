package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/pkg/logger"
)

// EventDependencies is what the ingestion endpoints need.
type EventDependencies interface {
	RecordActivity(ctx context.Context, a model.Activity) (string, bool, error)
	UpdateContactFields(ctx context.Context, id model.ContactID, fields map[string]string) ([]model.FieldChange, error)
}

// EventsHandler handles activity and contact field writes.
type EventsHandler struct {
	deps   EventDependencies
	logger logger.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(deps EventDependencies, l logger.Logger) *EventsHandler {
	return &EventsHandler{deps: deps, logger: l}
}

// activityRequest is the body of POST /activities.
type activityRequest struct {
	ActivityID string `json:"activity_id"`
	ContactID  int64  `json:"contact_id"`
	Type       string `json:"type"`
	Value      string `json:"value"`
	// TS is optional; the server time is used when empty.
	TS string `json:"ts"`
}

func (a activityRequest) toActivity() (model.Activity, error) {
	out := model.Activity{
		ID:        strings.TrimSpace(a.ActivityID),
		ContactID: model.ContactID(a.ContactID),
		Type:      a.Type,
		Value:     a.Value,
	}
	if strings.TrimSpace(a.TS) != "" {
		ts, err := time.Parse(time.RFC3339, a.TS)
		if err != nil {
			return out, fmt.Errorf("%w: invalid ts; must be RFC3339", ErrBadRequest)
		}
		out.Created = ts.UTC()
	}
	return out, nil
}

type ackResponse struct {
	Status     string `json:"status"`
	ActivityID string `json:"activity_id"`
	Duplicate  bool   `json:"duplicate"`
}

// HandlePostActivity handles POST /activities.
func (h *EventsHandler) HandlePostActivity(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_activity"
	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	activity, err := req.toActivity()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	id, inserted, err := h.deps.RecordActivity(r.Context(), activity)
	if err != nil {
		writeServiceError(r.Context(), w, h.logger, op, err)
		return
	}
	if !inserted {
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", ActivityID: id, Duplicate: true})
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted", ActivityID: id})
}

type fieldsRequest struct {
	Fields map[string]string `json:"fields"`
}

type fieldsResponse struct {
	ContactID model.ContactID     `json:"contact_id"`
	Changes   []model.FieldChange `json:"changes"`
}

// HandlePutFields handles PUT /contacts/{id}/fields.
func (h *EventsHandler) HandlePutFields(w http.ResponseWriter, r *http.Request) {
	const op = "api.put_fields"
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	var req fieldsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	if len(req.Fields) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: fields must not be empty", ErrBadRequest))
		return
	}

	changes, err := h.deps.UpdateContactFields(r.Context(), model.ContactID(id), req.Fields)
	if err != nil {
		writeServiceError(r.Context(), w, h.logger, op, err)
		return
	}
	if changes == nil {
		changes = []model.FieldChange{}
	}
	writeJSON(w, http.StatusOK, fieldsResponse{ContactID: model.ContactID(id), Changes: changes})
}
