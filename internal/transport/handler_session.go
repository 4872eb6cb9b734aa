package transport

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/backoffice/internal/observability"
	"github.com/pitabwire/backoffice/internal/onboarding"
	"github.com/pitabwire/backoffice/internal/wizard"
	"github.com/pitabwire/backoffice/model"
)

type sessionHandlers struct {
	engine *onboarding.Engine
	logger *zap.Logger
}

// fail writes err, logging errors that are not part of the API contract.
func (h *sessionHandlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		observability.LoggerFrom(r.Context(), h.logger).Error("onboarding request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	WriteError(w, err)
}

func requestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

func (h *sessionHandlers) start(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	view, err := h.engine.Start(r.Context(), rctx, chi.URLParam(r, "customerId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, view)
}

func (h *sessionHandlers) get(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	view, err := h.engine.Get(r.Context(), rctx, chi.URLParam(r, "sessionId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// submitRequest is the body of a step submission. Field and Value submit a
// single field; otherwise Values is merged into the step.
type submitRequest struct {
	Values     map[string]any `json:"values"`
	Field      string         `json:"field"`
	Value      any            `json:"value"`
	NotifyUser bool           `json:"notify_user"`
}

func (h *sessionHandlers) submit(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	step, err := wizard.ParseStepID(chi.URLParam(r, "step"))
	if err != nil {
		WriteError(w, model.NewBadRequestError(err.Error()))
		return
	}
	var body submitRequest
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, err)
		return
	}

	view, err := h.engine.Submit(r.Context(), rctx, chi.URLParam(r, "sessionId"), step, onboarding.Submission{
		Values:     body.Values,
		Field:      body.Field,
		Value:      body.Value,
		NotifyUser: body.NotifyUser,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *sessionHandlers) retreat(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	view, err := h.engine.Retreat(r.Context(), rctx, chi.URLParam(r, "sessionId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *sessionHandlers) summary(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	sum, err := h.engine.Summary(r.Context(), rctx, chi.URLParam(r, "sessionId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, sum)
}

func (h *sessionHandlers) complete(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var body struct {
		Approved *bool `json:"approved"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	if body.Approved == nil {
		WriteError(w, model.NewBadRequestError("approved is required"))
		return
	}

	view, err := h.engine.Complete(r.Context(), rctx, chi.URLParam(r, "sessionId"), *body.Approved)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *sessionHandlers) discard(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	if err := h.engine.Discard(r.Context(), rctx, chi.URLParam(r, "sessionId")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *sessionHandlers) history(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	events, err := h.engine.History(r.Context(), rctx, chi.URLParam(r, "sessionId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []model.SessionEvent{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": events})
}
