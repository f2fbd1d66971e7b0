package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/partscout/internal/bus"
	"github.com/xkilldash9x/partscout/internal/config"
)

const shutdownTimeout = 10 * time.Second

// Server hosts the control API for one orchestrator.
type Server struct {
	cfg        config.ControlConfig
	logger     *zap.Logger
	bus        *bus.Bus
	controller Controller
	handlers   *Handlers
	upgrader   websocket.Upgrader
	router     chi.Router

	// baseCtx ends event streams when Run returns.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer wires the routes. identifierLength is the expected length of a
// goal identifier.
func NewServer(logger *zap.Logger, cfg config.ControlConfig, b *bus.Bus, controller Controller, logs LogReader, identifierLength int) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     logger.Named("control"),
		bus:        b,
		controller: controller,
		handlers:   NewHandlers(logger, controller, logs, identifierLength),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	s.upgrader = s.newUpgrader()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	s.handlers.RegisterRoutes(r)
	r.Get("/ws/v1/events", s.handleEvents)
	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Control server listening", zap.String("address", ln.Addr().String()))
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.cancelBase()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down control server...")
	// Hijacked WebSocket connections are not tracked by Shutdown.
	s.cancelBase()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Control server shutdown error", zap.Error(err))
		return err
	}
	<-errCh
	return nil
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
