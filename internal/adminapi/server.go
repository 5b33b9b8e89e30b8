// Package adminapi is the HTTP surface for operators and test harnesses:
// registration, introspection, dispatch, provider install, metrics, and the
// real-time change stream.
package adminapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"toolgate/internal/async"
	"toolgate/internal/dispatch"
	"toolgate/internal/events"
	"toolgate/internal/invoke"
	"toolgate/internal/lifecycle"
	"toolgate/internal/logging"
	"toolgate/internal/registry"
)

// Registrar is the registration chokepoint, implemented by the gateway.
type Registrar interface {
	RegisterTool(desc registry.Descriptor) (registry.RegisterStatus, error)
	UnregisterTool(registryID string) bool
	SetToolEnabled(registryID string, enabled bool) bool
}

// Directory is the read side of the registry.
type Directory interface {
	Lookup(registryID string) (registry.Descriptor, bool)
	Enumerate(f registry.Filter) []registry.Descriptor
	EnumerateWithSeq(f registry.Filter) ([]registry.Descriptor, uint64)
	Len() int
	CountByKind() map[string]int
}

// Dispatcher runs invocations.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv invoke.Invocation) invoke.Result
	DispatchBatch(ctx context.Context, invs []invoke.Invocation) []invoke.Result
	Stats() map[string]dispatch.ToolStats
}

// Installer orchestrates provider spawn and adoption.
type Installer interface {
	InstallProvider(ctx context.Context, req lifecycle.InstallRequest) (registry.Descriptor, error)
	AdoptExternal(ctx context.Context, desc registry.Descriptor) error
	RemoveProvider(registryID string) bool
}

// Options wires the admin server.
type Options struct {
	Host string
	Port int
	// AdminToken guards the /admin group when set.
	AdminToken string
	Debug      bool

	Registrar  Registrar
	Directory  Directory
	Dispatcher Dispatcher
	Installer  Installer
	Fanout     *events.Fanout
	// PoolStates feeds /status; optional.
	PoolStates func() map[string]string
	Logger     logging.Logger
}

// Server serves the admin HTTP API.
type Server struct {
	opts      Options
	engine    *gin.Engine
	httpSrv   *http.Server
	upgrader  websocket.Upgrader
	logger    logging.Logger
	startTime time.Time
}

// NewServer builds the admin server and its routes.
func NewServer(opts Options) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		opts:   opts,
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:    logging.OrNop(opts.Logger),
		startTime: time.Now(),
	}
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // dispatch calls may legitimately run long
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/tools", s.handleListTools)
	s.engine.GET("/tools/:id", s.handleGetTool)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := s.engine.Group("/admin")
	admin.Use(s.authMiddleware())
	{
		admin.POST("/tools/register", s.handleRegisterTool)
		admin.DELETE("/tools/:id", s.handleUnregisterTool)
		admin.PUT("/tools/:id/enabled", s.handleSetEnabled)
		admin.POST("/mcp/register", s.handleRegisterMCP)
		admin.DELETE("/mcp/:id", s.handleRemoveMCP)
	}

	api := s.engine.Group("/api/v1")
	{
		api.POST("/tools/execute", s.handleExecute)
		api.POST("/tools/execute-batch", s.handleExecuteBatch)
		api.GET("/events/tools", s.handleEventStream)
	}
}

// authMiddleware checks the admin token. An empty configured token leaves the
// group open, which is the development default.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.AdminToken == "" {
			c.Next()
			return
		}
		token := c.GetHeader("X-Admin-Token")
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if token != s.opts.AdminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}

// Engine exposes the router for in-process tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start binds synchronously and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("admin api listen %s: %w", s.httpSrv.Addr, err)
	}
	s.logger.Info("admin api listening on %s", ln.Addr())
	async.Go(s.logger, "adminapi.serve", func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin api serve: %v", err)
		}
	})
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
