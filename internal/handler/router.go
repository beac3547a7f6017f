package handler

import (
	"net/http"

	"glyph-sync-server/pkg/response"

	"github.com/gorilla/mux"
)

// Routes collects the handlers mounted by NewRouter. Nil handlers are left
// unmounted.
type Routes struct {
	WebSocket  *WebSocketHandler
	Schemas    *SchemaHandler
	Templates  *TemplateHandler
	Rooms      *RoomHandler
	Health     *HealthHandler
	Metrics    http.Handler
	Middleware []mux.MiddlewareFunc
	// APIMiddleware wraps /api/v1 only, e.g. request rate limiting.
	APIMiddleware []mux.MiddlewareFunc
}

func NewRouter(routes Routes) *mux.Router {
	r := mux.NewRouter()
	for _, mw := range routes.Middleware {
		r.Use(mw)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response.NotFound(w, "Route not found")
	})

	api := r.PathPrefix("/api/v1").Subrouter()
	for _, mw := range routes.APIMiddleware {
		api.Use(mw)
	}

	if h := routes.Schemas; h != nil {
		// infer is registered before {id} so it is not captured as a schema id
		api.HandleFunc("/schemas/infer", h.Infer).Methods("POST", "OPTIONS")
		api.HandleFunc("/schemas", h.List).Methods("GET", "OPTIONS")
		api.HandleFunc("/schemas/{id}", h.Compile).Methods("POST", "OPTIONS")
		api.HandleFunc("/schemas/{id}/validate", h.Validate).Methods("POST", "OPTIONS")
	}

	if h := routes.Templates; h != nil {
		api.HandleFunc("/templates/validate", h.Validate).Methods("POST", "OPTIONS")
	}

	if h := routes.Rooms; h != nil {
		api.HandleFunc("/rooms", h.List).Methods("GET", "OPTIONS")
		api.HandleFunc("/rooms/{room}/state", h.State).Methods("GET", "OPTIONS")
		api.HandleFunc("/rooms/{room}/snapshots", h.Snapshots).Methods("GET", "OPTIONS")
		api.HandleFunc("/rooms/{room}/snapshots", h.TakeSnapshot).Methods("POST", "OPTIONS")
	}

	if routes.WebSocket != nil {
		r.HandleFunc("/ws/{room}", routes.WebSocket.HandleConnection)
	}
	if routes.Health != nil {
		r.HandleFunc("/health", routes.Health.Health).Methods("GET")
	}
	if routes.Metrics != nil {
		r.Handle("/metrics", routes.Metrics).Methods("GET")
	}

	return r
}
