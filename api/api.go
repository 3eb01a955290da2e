package api

import (
	"context"
	"log/slog"
	"net"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/papercomputeco/chatproxy/pkg/chat"
	"github.com/papercomputeco/chatproxy/pkg/inference"
	"github.com/papercomputeco/chatproxy/pkg/logger"
	"github.com/papercomputeco/chatproxy/proxy/header"
)

// ModelLister lists the models the inference server offers.
type ModelLister interface {
	Models(ctx context.Context) ([]inference.Model, error)
}

// Server is the chatproxy HTTP API.
type Server struct {
	config  Config
	chats   *chat.Service
	models  ModelLister
	headers *header.Handler
	logger  *slog.Logger
	app     *fiber.App
}

// NewServer creates a new API server.
// The chat service is injected so its storage and upstream can be shared with
// other components.
func NewServer(config Config, chats *chat.Service, models ModelLister, log *slog.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}

	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
		// Enable streaming
		StreamRequestBody: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	s := &Server{
		config:  config,
		chats:   chats,
		models:  models,
		headers: header.NewHandler(),
		logger:  log,
		app:     app,
	}

	app.Get("/ping", s.handlePing)
	app.Get("/models", s.handleListModels)
	app.Get("/chats", s.handleListChats)
	app.Get("/chat", s.handleGetChat)
	app.Post("/chat", s.handleCreateChat)
	app.Put("/chat", s.handleUpdateChat)
	app.Delete("/chat", s.handleDeleteChat)
	app.Delete("/chat/message", s.handleDeleteMessage)

	return s
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting chatproxy server",
		"listen", s.config.ListenAddr,
		"upstream", s.config.UpstreamURL,
	)
	return s.app.Listen(s.config.ListenAddr)
}

// RunWithListener starts the API server using the provided listener.
func (s *Server) RunWithListener(listener net.Listener) error {
	s.logger.Info("starting chatproxy server",
		"listen", listener.Addr().String(),
		"upstream", s.config.UpstreamURL,
	)
	return s.app.Listener(listener)
}

// Shutdown gracefully shuts down the API server. Streams in progress are
// allowed to finish and save.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the underlying fiber app, mainly for in-process testing.
func (s *Server) App() *fiber.App {
	return s.app
}
