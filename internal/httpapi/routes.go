package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/askroom/askroom-backend/internal/live"
	"github.com/askroom/askroom-backend/internal/store"
	"github.com/askroom/askroom-backend/internal/ws"
)

func SetupRoutes(engine *live.Engine, s store.Store, log *zap.Logger) http.Handler {
	api := New(engine, s)
	r := chi.NewRouter()

	r.Post("/events", api.CreateEvent)
	r.Get("/events/{eventID}/snapshot", api.Snapshot)
	r.Get("/events/{eventID}/moderation", api.ModerationView)
	r.Post("/events/{eventID}/polls", api.CreatePoll)
	r.Post("/polls/{pollID}/open", api.OpenPoll)
	r.Post("/polls/{pollID}/close", api.ClosePoll)
	r.Post("/polls/{pollID}/reconcile", api.ReconcilePoll)
	r.Post("/questions/{questionID}/moderate", api.ModerateQuestion)
	r.Post("/questions/{questionID}/answered", api.MarkAnswered)
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(engine, log.Named("ws")))
	return r
}
