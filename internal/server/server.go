package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peer-transfers/internal/auth"
	"peer-transfers/internal/config"
	"peer-transfers/internal/domain"
	"peer-transfers/internal/events"
	"peer-transfers/internal/handler"
	"peer-transfers/internal/metrics"
	"peer-transfers/internal/repository"
	"peer-transfers/internal/service"
	"peer-transfers/migrations"
)

// HealthChecker is implemented by stores that can report connectivity.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	router    *mux.Router
	server    *http.Server
	db        *sql.DB
	publisher events.Publisher
	logger    *slog.Logger
	port      string
}

// NewServer creates a new server instance backed by the store and event
// backend selected in cfg.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	store, db, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := events.New(cfg, logger)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	s := NewServerWithStore(cfg, logger, store, publisher)
	s.db = db
	return s, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (domain.Store, *sql.DB, error) {
	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn("Using in-memory store; balances are lost on restart")
		return repository.NewMemoryStore(logger), nil, nil
	}

	// Initialize database connection
	db, err := sql.Open("postgres", cfg.GetDBConnectionString())
	if err != nil {
		return nil, nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Test database connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info("Successfully connected to database")

	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("Database migrations applied")
	}

	return repository.NewStore(db, logger), db, nil
}

// NewServerWithStore wires services and routes around an existing store.
func NewServerWithStore(cfg *config.Config, logger *slog.Logger, store domain.Store, publisher events.Publisher) *Server {
	// Initialize services
	accountService := service.NewAccountService(store.Accounts(), logger)
	transferService := service.NewTransferService(store, publisher, service.TransferOptions{
		LockTimeout:      cfg.LockTimeout,
		NoteMaxLength:    cfg.NoteMaxLength,
		RecordRejections: cfg.RecordRejections,
	}, logger)
	historyService := service.NewHistoryService(store.Transfers(), cfg.HistoryPageSize, logger)

	// Initialize handlers
	accountHandler := handler.NewAccountHandler(accountService, accountService, cfg.CurrencyExponent)
	transferHandler := handler.NewTransferHandler(transferService, historyService, cfg.CurrencyExponent)
	verifier := auth.NewVerifier(cfg.JWTSecret)

	// Setup router
	router := mux.NewRouter()

	// Add middleware for logging and metrics
	router.Use(loggingMiddleware(logger))
	router.Use(metricsMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()

	if cfg.ProvisioningEnabled {
		api.HandleFunc("/accounts", accountHandler.CreateAccount).Methods(http.MethodPost)
	}

	authed := api.NewRoute().Subrouter()
	authed.Use(verifier.Middleware(handler.WriteUnauthorized))

	// Account routes
	authed.HandleFunc("/accounts/me", accountHandler.Me).Methods(http.MethodGet)
	authed.HandleFunc("/accounts/me/transactions", transferHandler.History).Methods(http.MethodGet)

	// Transfer routes
	authed.HandleFunc("/transfers", transferHandler.Transfer).Methods(http.MethodPost)
	authed.HandleFunc("/transfers/{transfer_id}", transferHandler.GetTransfer).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Health check
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if checker, ok := store.(HealthChecker); ok {
			if err := checker.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "database unavailable"})
				return
			}
		}

		json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}).Methods(http.MethodGet)

	return &Server{
		router:    router,
		publisher: publisher,
		logger:    logger,
	}
}

// loggingMiddleware adds request logging
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response wrapper to capture status code
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start),
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// metricsMiddleware records request counts and latency per route template,
// keeping ids out of the label set.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.statusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server on the specified port
func (s *Server) Start(port string) (string, error) {
	// Create listener first to get actual port
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	// Get the actual port being used
	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	// Create HTTP server
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server", "port", s.port)

	// Start server in background
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed to start", "error", err)
		}
	}()

	return s.port, nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var shutdownErr error
	// Shutdown HTTP server first so in-flight transfers finish
	if s.server != nil {
		shutdownErr = s.server.Shutdown(ctx)
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("Failed to close event publisher", "error", err)
		}
	}

	// Close database connection
	if s.db != nil {
		s.db.Close()
	}

	return shutdownErr
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// NewLogger returns a JSON logger on stdout, or a discarding one when the
// server runs on an ephemeral port under test.
func NewLogger(cfg *config.Config) *slog.Logger {
	if cfg.ServerPort == "0" {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// StartServer starts the server with the given configuration
func StartServer(cfg *config.Config) (*Server, string, error) {
	logger := NewLogger(cfg)

	server, err := NewServer(cfg, logger)
	if err != nil {
		return nil, "", err
	}

	// Start the server and get the actual port
	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		server.Stop(context.Background())
		return nil, "", err
	}

	return server, port, nil
}
