package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
)

type Options struct {
	Engine      *matcher.Engine
	Broker      *dispatch.Broker
	WS          *dispatch.WSRegistry
	Logger      *slog.Logger
	JWTSecret   string
	CORSOrigins []string
	// Ready reports whether backing services answer; nil means always ready.
	Ready func(context.Context) error
	// BaseContext bounds websocket sessions so shutdown can end them.
	BaseContext context.Context
}

type Server struct {
	engine   *matcher.Engine
	broker   *dispatch.Broker
	ws       *dispatch.WSRegistry
	auth     *Authenticator
	logger   *slog.Logger
	ready    func(context.Context) error
	baseCtx  context.Context
	upgrader websocket.Upgrader
	mux      *mux.Router
	handler  http.Handler
}

func NewServer(o Options) *Server {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := o.BaseContext
	if base == nil {
		base = context.Background()
	}
	s := &Server{
		engine:  o.Engine,
		broker:  o.Broker,
		ws:      o.WS,
		auth:    NewAuthenticator(o.JWTSecret),
		logger:  logger.With("component", "http"),
		ready:   o.Ready,
		baseCtx: base,
		mux:     mux.NewRouter(),
	}
	origins := o.CORSOrigins
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return originAllowed(origins, r.Header.Get("Origin")) },
	}
	s.registerMiddleware()
	s.routes()
	s.handler = cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID", "X-User-ID", "X-User-Role"},
		AllowCredentials: true,
	}).Handler(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/available", s.handleAvailableRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStartRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleCompleteRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/rating", s.handleRateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/locations", s.handleRideLocations).Methods(http.MethodGet)
	api.HandleFunc("/riders/{id}/active-ride", s.handleActiveRide).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/availability", s.handleSetAvailability).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/stats", s.handleDriverStats).Methods(http.MethodGet)

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/rides/{id}", s.handleRideSocket).Methods(http.MethodGet)
	ws.HandleFunc("/drivers/{id}", s.handleDriverSocket).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
