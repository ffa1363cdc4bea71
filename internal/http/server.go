package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/oku-ride/internal/auth"
	"github.com/example/oku-ride/internal/booking"
	"github.com/example/oku-ride/internal/matcher"
	"github.com/example/oku-ride/internal/relay"
)

// Check reports whether a backing service is reachable. Used by /ready.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Deps struct {
	Bookings *booking.Service
	Relay    *relay.Relay
	Matcher  *matcher.Service
	Auth     *auth.Authenticator
	Logger   *slog.Logger
	Checks   []Check
}

type Server struct {
	bookings *booking.Service
	relay    *relay.Relay
	matcher  *matcher.Service
	auth     *auth.Authenticator
	logger   *slog.Logger
	checks   []Check
	upgrader websocket.Upgrader
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Auth == nil {
		d.Auth = auth.New("")
	}
	s := &Server{
		bookings: d.Bookings,
		relay:    d.Relay,
		matcher:  d.Matcher,
		auth:     d.Auth,
		logger:   d.Logger,
		checks:   d.Checks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards connect from other origins; access is token based.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.NewRoute().Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/bookings", s.handleCreateBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings", s.handleListBookings).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/transition", s.handleTransition).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/candidates", s.handleCandidates).Methods(http.MethodGet)

	api.HandleFunc("/assignments", s.handleAssign).Methods(http.MethodPost)
	api.HandleFunc("/assignments/{ride_id}/release", s.handleRelease).Methods(http.MethodPost)

	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers", s.handleListDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/approval", s.handleDriverApproval).Methods(http.MethodPut)

	api.HandleFunc("/location", s.handleIngestLocation).Methods(http.MethodPost)
	api.HandleFunc("/location/latest", s.handleLatestLocation).Methods(http.MethodGet)
	api.HandleFunc("/location/recent", s.handleRecentLocations).Methods(http.MethodGet)

	api.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for _, c := range s.checks {
		if err := c.Fn(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", "failed", failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
