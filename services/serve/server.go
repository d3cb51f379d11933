// Package serve exposes a read-only HTTP/WebSocket view over a running
// Core: the registry snapshot, and a live feed of probe events while a
// fleet or single-model run is in progress. It never drives probing
// itself — spec §9 is explicit that C4/C5 have no suspendable entry
// points, and this package holds to that by only ever reading the core
// and subscribing to its progress.Emitter.
package serve

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/twardoch/lmstrix/services/progress"
	"github.com/twardoch/lmstrix/services/registry"
)

// Lister is the subset of the core facade the status server needs. Kept
// narrow so tests can fake it without pulling in a real backend.Prober.
type Lister interface {
	List() []registry.Model
	Get(identifier string) (registry.Model, error)
}

// Server is the read-only status HTTP server (spec's serve surface).
type Server struct {
	core         Lister
	emitter      *progress.Emitter
	registryPath string
	engine       *gin.Engine
	upgrader     websocket.Upgrader
	logger       *slog.Logger
}

// New builds a Server over core, broadcasting events from emitter to every
// connected websocket client. emitter may be nil, in which case /ws accepts
// connections but never sends anything. registryPath, if non-empty, is
// watched for changes made outside this process (spec §4.2's registry file
// is a shared, externally-editable document) and republished over the same
// websocket feed; pass "" to skip watching.
func New(core Lister, emitter *progress.Emitter, registryPath string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("lmstrix"))

	s := &Server{
		core:         core,
		emitter:      emitter,
		registryPath: registryPath,
		engine:       engine,
		upgrader: websocket.Upgrader{
			// A single-operator local status page has no cross-origin
			// attacker model worth restricting; this mirrors the
			// allow-all CheckOrigin the example pack's websocket handler
			// uses for the same reason.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: slog.Default().With("component", "serve.Server"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	v1 := s.engine.Group("/v1")
	{
		v1.GET("/models", s.handleListModels)
		v1.GET("/models/:identifier", s.handleGetModel)
		v1.GET("/ws", s.handleWebSocket)
	}
}

// Handler returns the underlying http.Handler for embedding in a custom
// http.Server (e.g. one with its own timeouts), or for tests using
// httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Run blocks serving on addr until ctx is cancelled or the server fails.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go watchRegistry(ctx, s.registryPath, s.emitter, s.logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.List())
}

func (s *Server) handleGetModel(c *gin.Context) {
	m, err := s.core.Get(c.Param("identifier"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

// handleWebSocket upgrades the connection and streams progress.Event values
// as they are emitted, until the client disconnects. With a nil emitter it
// holds the connection open without sending anything.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.emitter == nil {
		<-c.Request.Context().Done()
		return
	}

	events := make(chan progress.Event, 32)
	unsubscribe := s.emitter.Subscribe(func(ev progress.Event) {
		select {
		case events <- ev:
		default:
			// A slow client drops events rather than backing up the probe
			// goroutine that's emitting them.
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
