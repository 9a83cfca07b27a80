package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	_ "libdiff/docs"
)

func Routes(h *Handler, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// after RequestID so the id is in the context
	r.Use(RequestLogger(log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/changes", func(r chi.Router) {
		r.Post("/", h.SubmitChange)
		r.Get("/", h.ListChanges)
		r.Get("/{change}", h.GetChange)
		r.Get("/{change}/diff", h.GetDiff)
		r.Post("/{change}/retry", h.RetryChange)
		r.Delete("/{change}/build", h.CancelBuild)
	})
	r.Get("/builds", h.ListBuilds)

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
