package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maksimkurb/fwsync/src/internal/firewall"
)

// NewRouter creates a new HTTP router with all API endpoints. metrics may be
// nil, in which case /metrics is not served.
func NewRouter(fw firewall.Firewall, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(Recovery)
	r.Use(Logger)
	r.Use(PrivateSubnetOnly)

	h := NewHandler(fw)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(JSONContentType)

		r.Get("/banned", h.GetBanned)
		r.Get("/allowed", h.GetAllowed)
		r.Get("/ranges", h.GetRanges)
		r.Get("/check/{addr}", h.CheckAddress)

		r.Post("/block", h.Block)
		r.Post("/ranges", h.BlockRanges)
		r.Post("/unblock", h.Unblock)
		r.Post("/allow", h.Allow)
		r.Post("/truncate", h.Truncate)

		r.Delete("/rules/{name}", h.DeleteRule)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	return r
}
