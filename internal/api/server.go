// Package api serves the read-only status API of a running engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"invest-grid/internal/core"
	"invest-grid/internal/metrics"
	"invest-grid/internal/settle"
	"invest-grid/internal/store"
)

// Engine is what the API reads. Every method must be safe to call while the
// engine ticks.
type Engine interface {
	Status() store.RuntimeStatus
	Portfolio() settle.Snapshot
	Instruments() []core.Instrument
	OpenOrders(figi string) []core.Order
}

type Options struct {
	Addr           string
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

type Server struct {
	engine  Engine
	opts    Options
	router  *mux.Router
	log     *zap.Logger
	handler http.Handler
}

func NewServer(engine Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine: engine,
		opts:   opts,
		router: mux.NewRouter(),
		log:    logger,
	}
	s.setupRoutes()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	s.handler = c.Handler(s.router)
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.opts.Metrics.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/portfolio", s.handlePortfolio).Methods(http.MethodGet)
	v1.HandleFunc("/orders/{figi}", s.handleOrders).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler { return s.handler }

// Run serves on opts.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("api_listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("api_stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Status()
	code := http.StatusOK
	status := "ok"
	if len(st.Instruments) > 0 && len(st.Halted) == len(st.Instruments) {
		code = http.StatusServiceUnavailable
		status = "halted"
	}
	respondJSON(w, code, map[string]string{"status": status, "state": st.State})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handlePortfolio(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Portfolio())
}

type ordersResponse struct {
	FIGI   string       `json:"figi"`
	Name   string       `json:"name"`
	Orders []core.Order `json:"orders"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	figi := mux.Vars(r)["figi"]
	for _, inst := range s.engine.Instruments() {
		if inst.FIGI != figi {
			continue
		}
		orders := s.engine.OpenOrders(figi)
		if orders == nil {
			orders = []core.Order{}
		}
		respondJSON(w, http.StatusOK, ordersResponse{FIGI: figi, Name: inst.Name, Orders: orders})
		return
	}
	respondError(w, http.StatusNotFound, "instrument not found", figi)
}

func respondJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, code int, msg, detail string) {
	respondJSON(w, code, map[string]string{"error": msg, "message": detail})
}
