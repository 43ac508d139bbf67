package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"guidance-engine/internal/content"
	"guidance-engine/internal/model"
	"guidance-engine/internal/orchestrator"
	"guidance-engine/internal/scheduler"
)

// Loop runs fn on the goroutine that owns item state and waits for it.
type Loop interface {
	Call(ctx context.Context, fn func()) error
}

type GuidanceHandler struct {
	Orch *orchestrator.Orchestrator
	Loop Loop
}

func NewGuidanceHandler(o *orchestrator.Orchestrator, loop Loop) *GuidanceHandler {
	return &GuidanceHandler{Orch: o, Loop: loop}
}

// ContentSummary is one row of GET /v1/contents.
type ContentSummary struct {
	ContentID string            `json:"contentId"`
	Type      model.ContentType `json:"type"`
	State     string            `json:"state"`
	SessionID string            `json:"sessionId,omitempty"`
	Snapshot  content.Snapshot  `json:"snapshot"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, content.ErrUnknownItem):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrSlotBusy), errors.Is(err, content.ErrNotStarted):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrWrongType):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrNoEnvironment), errors.Is(err, scheduler.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("api request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// onLoop runs fn on the loop and reports either error. Item work started
// here outlives the request, so fn gets a context without cancellation.
func (h *GuidanceHandler) onLoop(r *http.Request, fn func(ctx context.Context) error) error {
	ctx := context.WithoutCancel(r.Context())
	var err error
	if cerr := h.Loop.Call(r.Context(), func() { err = fn(ctx) }); cerr != nil {
		return cerr
	}
	return err
}

func (h *GuidanceHandler) List(w http.ResponseWriter, r *http.Request) {
	var out []ContentSummary
	err := h.onLoop(r, func(context.Context) error {
		items := h.Orch.Items()
		out = make([]ContentSummary, 0, len(items))
		for _, it := range items {
			out = append(out, ContentSummary{
				ContentID: it.ContentID(),
				Type:      it.Type(),
				State:     it.State().String(),
				SessionID: it.SessionID(),
				Snapshot:  it.Store().Snapshot(),
			})
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *GuidanceHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contentID")
	var it content.Item
	err := h.onLoop(r, func(context.Context) error {
		var ok bool
		if it, ok = h.Orch.Item(id); !ok {
			return orchestrator.ErrNotFound
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it.Store().Snapshot())
}

func (h *GuidanceHandler) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contentID")
	opts := content.StartOptions{
		StepCvid: r.URL.Query().Get("step"),
		ForceNew: r.URL.Query().Get("new") == "true",
	}
	err := h.onLoop(r, func(ctx context.Context) error {
		return h.Orch.StartContent(ctx, id, content.ReasonManual, opts)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *GuidanceHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contentID")
	err := h.onLoop(r, func(ctx context.Context) error {
		return h.Orch.Close(ctx, id, content.CloseUser)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GuidanceHandler) ClickItem(w http.ResponseWriter, r *http.Request) {
	id, itemID := chi.URLParam(r, "contentID"), chi.URLParam(r, "itemID")
	err := h.onLoop(r, func(ctx context.Context) error {
		return h.Orch.ClickChecklistItem(ctx, id, itemID)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type expandRequest struct {
	Expanded bool `json:"expanded"`
}

func (h *GuidanceHandler) Expand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contentID")
	var req expandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body"})
		return
	}
	err := h.onLoop(r, func(ctx context.Context) error {
		return h.Orch.ExpandChecklist(ctx, id, req.Expanded)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GuidanceHandler) ActivateLauncher(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contentID")
	err := h.onLoop(r, func(ctx context.Context) error {
		return h.Orch.ActivateLauncher(ctx, id)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Identify switches the visitor. Loading runs off the loop; the new content
// list is applied on it afterwards.
func (h *GuidanceHandler) Identify(w http.ResponseWriter, r *http.Request) {
	var u model.User
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil || u.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "userId required"})
		return
	}
	if err := h.Orch.Identify(r.Context(), u); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
