// Package httpapi is the thin CRUD surface around the live engine: validate,
// call, encode. No business logic lives here.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/askroom/askroom-backend/internal/live"
	"github.com/askroom/askroom-backend/internal/mutation"
	"github.com/askroom/askroom-backend/internal/store"
)

type API struct {
	engine *live.Engine
	store  store.Store
}

func New(engine *live.Engine, s store.Store) *API {
	return &API{engine: engine, store: s}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code, rejection := live.RejectionCode(err)
	status := http.StatusInternalServerError
	if rejection {
		switch code {
		case "not_found", "unknown_room":
			status = http.StatusNotFound
		case "already_voted", "poll_not_open", "question_not_votable":
			status = http.StatusConflict
		default:
			status = http.StatusUnprocessableEntity
		}
	} else if code == "storage_unavailable" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_json", Message: err.Error()})
		return false
	}
	return true
}

func (a *API) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if !decode(w, r, &req) {
		return
	}
	e := &store.Event{ID: uuid.NewString(), Title: req.Title, CreatedAt: time.Now().UTC()}
	if err := a.store.CreateEvent(r.Context(), e); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"event_id": e.ID})
}

func (a *API) CreatePoll(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var req struct {
		Prompt  string   `json:"prompt"`
		Mode    string   `json:"mode"`
		Options []string `json:"options"`
	}
	if !decode(w, r, &req) {
		return
	}
	mode := store.PollMode(req.Mode)
	if mode != store.ModeSingle && mode != store.ModeMulti {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "invalid_mode", Message: "mode must be single or multi"})
		return
	}
	if _, err := a.store.GetEvent(r.Context(), eventID); err != nil {
		writeError(w, err)
		return
	}

	p := &store.Poll{
		ID:        uuid.NewString(),
		EventID:   eventID,
		Prompt:    req.Prompt,
		Mode:      mode,
		Status:    store.PollDraft,
		CreatedAt: time.Now().UTC(),
	}
	options := make([]*store.PollOption, 0, len(req.Options))
	optionIDs := make([]string, 0, len(req.Options))
	for i, label := range req.Options {
		id := uuid.NewString()
		options = append(options, &store.PollOption{ID: id, PollID: p.ID, Position: i, Label: label})
		optionIDs = append(optionIDs, id)
	}
	if err := a.store.CreatePoll(r.Context(), p, options); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"poll_id": p.ID, "option_ids": optionIDs})
}

func (a *API) OpenPoll(w http.ResponseWriter, r *http.Request) {
	a.setPollStatus(w, r, store.PollOpen)
}

func (a *API) ClosePoll(w http.ResponseWriter, r *http.Request) {
	a.setPollStatus(w, r, store.PollClosed)
}

func (a *API) setPollStatus(w http.ResponseWriter, r *http.Request, status store.PollStatus) {
	upd, err := a.engine.SetPollStatus(r.Context(), chi.URLParam(r, "pollID"), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, upd)
}

func (a *API) ReconcilePoll(w http.ResponseWriter, r *http.Request) {
	drifted, err := a.engine.ReconcilePoll(r.Context(), chi.URLParam(r, "pollID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"drifted": drifted})
}

func (a *API) ModerateQuestion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string `json:"decision"`
	}
	if !decode(w, r, &req) {
		return
	}
	q, err := a.engine.ModerateQuestion(r.Context(), chi.URLParam(r, "questionID"), mutation.Decision(req.Decision))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"question_id": q.ID, "status": q.Status})
}

func (a *API) MarkAnswered(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answered bool `json:"answered"`
	}
	if !decode(w, r, &req) {
		return
	}
	q, err := a.engine.MarkAnswered(r.Context(), chi.URLParam(r, "questionID"), req.Answered)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"question_id": q.ID, "answered": q.Answered})
}

// ModerationView is the host-facing queue: all statuses, pending included.
func (a *API) ModerationView(w http.ResponseWriter, r *http.Request) {
	view, err := a.engine.ModerationView(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Snapshot serves the same full-state payload a joining websocket receives.
func (a *API) Snapshot(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if _, err := a.store.GetEvent(r.Context(), eventID); err != nil {
		writeError(w, err)
		return
	}
	snap, err := a.engine.Snapshot(r.Context(), eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
