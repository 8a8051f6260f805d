package api

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/papercomputeco/mnemo/pkg/graph"
	"github.com/papercomputeco/mnemo/pkg/session"
)

// Server is the API server for managing and querying the mnemo graph.
type Server struct {
	config   Config
	graph    *graph.Accessor
	resolver *session.Resolver
	logger   *zap.Logger
	app      *fiber.App
}

// NewServer creates a new API server. The accessor and resolver are
// injected so the serve command can share one store with the
// consolidation workers.
func NewServer(config Config, accessor *graph.Accessor, resolver *session.Resolver, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config:   config,
		graph:    accessor,
		resolver: resolver,
		logger:   logger,
		app:      app,
	}

	app.Get("/ping", s.handlePing)

	app.Post("/sessions", s.requireActor, s.handleCreateSession)
	app.Get("/sessions", s.requireActor, s.handleListSessions)
	app.Post("/sessions/:id/fork", s.requireActor, s.handleForkSession)
	app.Post("/sessions/:id/messages", s.requireActor, s.handleAppendHistory)
	app.Post("/sessions/:id/partials", s.requireActor, s.handleAppendPartial)
	app.Get("/sessions/:id/history", s.handleMaterializeHistory)
	app.Get("/sessions/:id/partials", s.handlePeekPartials)

	app.Get("/memories/:id", s.handleGetMemory)
	app.Delete("/memories/:id", s.requireActor, s.handleForgetMemory)
	app.Get("/memories/:id/edges", s.handleQueryEdges)
	app.Post("/edges", s.requireActor, s.handleConnectMemories)

	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		zap.String("listen", s.config.ListenAddr),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
