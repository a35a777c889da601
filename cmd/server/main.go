package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"gitlab.com/voxline/services/backend/internal/auth"
	"gitlab.com/voxline/services/backend/internal/broadcast"
	"gitlab.com/voxline/services/backend/internal/calls"
	"gitlab.com/voxline/services/backend/internal/config"
	"gitlab.com/voxline/services/backend/internal/db"
	"gitlab.com/voxline/services/backend/internal/logger"
	"gitlab.com/voxline/services/backend/internal/ratelimit"
	"gitlab.com/voxline/services/backend/internal/storage"
	"gitlab.com/voxline/services/backend/internal/webhook"
)

var log = logger.For("Server")

// Server owns every long-lived component of the relay. It is built once
// in main and torn down by Close.
type Server struct {
	cfg            *config.Config
	db             *db.DB
	authService    *auth.Service
	hub            *broadcast.Hub
	pipeline       *webhook.Pipeline
	webhookHandler *webhook.Handler
	socketHandler  *broadcast.SocketHandler
	rateLimiter    *ratelimit.Limiter
	storageService *storage.Service

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info("Starting voxline call-event relay...")

	// Initialize database
	database, err := db.NewDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := database.RunMigrations("migrations"); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize archive storage
	var storageService *storage.Service
	if cfg.Webhook.ArchiveMalformed {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		storageService, err = storage.NewService(ctx, cfg)
		cancel()
		if err != nil {
			log.WithError(err).Warn("Failed to initialize storage service (malformed webhook archive disabled)")
			storageService = nil
		}
	}

	server, err := NewServer(cfg, database, storageService)
	if err != nil {
		log.Fatalf("Failed to start relay: %v", err)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.setupRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Infof("HTTP server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	server.Close()

	log.Info("Server exited gracefully")
}

// NewServer wires the relay. storageService may be nil.
func NewServer(cfg *config.Config, database *db.DB, storageService *storage.Service) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:            cfg,
		db:             database,
		authService:    auth.NewService(cfg.JWTSecret),
		rateLimiter:    ratelimit.NewLimiter(database.Redis),
		storageService: storageService,
		ctx:            ctx,
		cancel:         cancel,
	}

	s.hub = broadcast.NewHub(broadcast.Options{
		StaleAfter: cfg.WebSocket.StaleAfter,
		Redis:      database.Redis,
	})
	if err := s.hub.Start(ctx); err != nil {
		cancel()
		return nil, err
	}

	callStore := calls.NewStore(database.Postgres)
	opts := webhook.PipelineOptions{
		Recorder:    callStore,
		Deduper:     s.rateLimiter,
		DedupWindow: cfg.Webhook.DedupWindow,
		Timeout:     cfg.Webhook.ProcessTimeout,
	}
	if storageService != nil {
		opts.Archiver = storageService
	}
	s.pipeline = webhook.NewPipeline(ctx, webhook.NewNormalizer(callStore), s.hub, opts)

	var verifier webhook.SignatureVerifier
	if cfg.Twilio.VerifySignature {
		if cfg.Twilio.AuthToken == "" {
			log.Warn("WEBHOOK_VERIFY_SIGNATURE set without TWILIO_AUTH_TOKEN (signature check disabled)")
		} else {
			verifier = webhook.NewTwilioVerifier(cfg.Twilio.AuthToken, cfg.Twilio.PublicBaseURL)
		}
	}
	s.webhookHandler = webhook.NewHandler(s.pipeline, verifier)

	s.socketHandler = broadcast.NewSocketHandler(s.hub, s.authService, s.rateLimiter, broadcast.SocketOptions{
		PingInterval:  cfg.WebSocket.PingInterval,
		PongWait:      cfg.WebSocket.PongWait,
		SendBuffer:    cfg.WebSocket.SendBuffer,
		ConnectLimit:  cfg.WebSocket.ConnectLimit,
		ConnectWindow: cfg.WebSocket.ConnectWindow,
	})

	return s, nil
}

// Close stops webhook processing and disconnects every dashboard.
func (s *Server) Close() {
	s.pipeline.Close()
	s.cancel()
	s.hub.Close()
}

func (s *Server) setupRouter() *mux.Router {
	router := mux.NewRouter()

	// CORS middleware
	router.Use(corsMiddleware)

	// Handle OPTIONS preflight requests for all routes
	router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Health check
	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Provider callbacks
	webhooks := router.PathPrefix("/webhooks").Subrouter()
	webhooks.Use(webhook.BodyMiddleware(s.cfg.Webhook.MaxBodyBytes))
	webhooks.Handle("/voice", s.webhookHandler).Methods("POST")
	webhooks.Handle("/voice/status", s.webhookHandler).Methods("POST")
	webhooks.Handle("/{provider}", s.webhookHandler).Methods("POST")

	// Dashboard WebSocket
	router.Handle("/ws", s.socketHandler).Methods("GET")

	// Notifications (protected)
	router.HandleFunc("/api/notifications", s.authService.Middleware(s.handleCreateNotification)).Methods("POST")

	return router
}

// Middleware

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
