// Package httpapi assembles the chi router: the status probe and the
// websocket upgrade route, adapted from Eggwite-Tether's cmd/main.go router
// wiring.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/filipsuk/lineheat/internal/hub"
	"github.com/filipsuk/lineheat/internal/httputil"
	"github.com/filipsuk/lineheat/internal/middleware"
	"github.com/filipsuk/lineheat/internal/protocol"
	"github.com/filipsuk/lineheat/internal/version"
)

// NewRouter builds the HTTP handler: GET / for status, and the websocket
// upgrade at /ws.
func NewRouter(h *hub.Hub, retentionDays int, behindProxy bool) http.Handler {
	r := chi.NewRouter()
	middleware.Setup(r, behindProxy)

	r.Get("/", statusHandler(h, retentionDays))
	r.Get("/healthz", healthHandler)
	r.Handle("/ws", h)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return r
}

func statusHandler(h *hub.Hub, retentionDays int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"status":           "ok",
			"version":          version.Version,
			"protocolVersion":  protocol.ServerProtocolVersion,
			"retentionDays":    retentionDays,
			"sendLatencyP99Ms": h.SendLatencyP99().Milliseconds(),
		})
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
