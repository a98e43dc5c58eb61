package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fritz-net/AoE2-Civbuilder/internal/registry"
	"github.com/fritz-net/AoE2-Civbuilder/internal/ws"
)

func SetupRoutes(reg *registry.Registry, hostname string, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/draft", CreateDraft(reg, hostname, log))
	r.Post("/join", JoinDraft(reg))
	r.Get("/drafts/{id}", GetDraft(reg))
	r.Get("/ws", ws.Handler(reg, log))
	r.Get("/healthz", Healthz)
	return r
}
