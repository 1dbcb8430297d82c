// Package main is the entry point for the API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/bus"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/driver"
	"github.com/chatrelay/chatrelay/internal/handler"
	"github.com/chatrelay/chatrelay/internal/hub"
	"github.com/chatrelay/chatrelay/internal/llm"
	"github.com/chatrelay/chatrelay/internal/middleware"
	"github.com/chatrelay/chatrelay/internal/router"
	"github.com/chatrelay/chatrelay/internal/store"
	"github.com/chatrelay/chatrelay/pkg/logger"
	"github.com/chatrelay/chatrelay/pkg/tracing"
)

func main() {
	configPath := flag.String("config", os.Getenv("CHATRELAY_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var log *logger.Logger
	if cfg.Log.Development {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.Log.Level)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting API server")

	ctx := context.Background()
	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, "chatrelay", cfg.Tracing.Endpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Event bus
	var eventBus bus.Bus
	readyChecks := map[string]handler.ReadyCheck{}
	switch cfg.Bus.Engine {
	case config.BusNATS:
		natsBus, err := bus.NewNATS(bus.NATSConfig{
			URL:      cfg.Bus.NATS.URL,
			Token:    cfg.Bus.NATS.Token,
			CAFile:   cfg.Bus.NATS.CAFile,
			CertFile: cfg.Bus.NATS.CertFile,
			KeyFile:  cfg.Bus.NATS.KeyFile,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		eventBus = natsBus
		readyChecks["nats"] = natsBus.IsConnected
	default:
		eventBus = bus.NewMemory()
	}
	defer eventBus.Close()

	// Message log store
	var backing store.Store
	switch cfg.Storage.Engine {
	case config.StorageSQLite:
		backing, err = store.NewSQLite(cfg.Storage.SQLite.Path)
	case config.StorageRedis:
		backing, err = store.NewRedis(ctx, cfg.Storage.Redis.Addr, cfg.Storage.Redis.Password, cfg.Storage.Redis.DB)
	default:
		backing = store.NewMemory()
	}
	if err != nil {
		log.Error("failed to open store", zap.String("engine", cfg.Storage.Engine), zap.Error(err))
		os.Exit(1)
	}
	st := store.WithEvents(backing, eventBus, log)
	defer st.Close()

	// LLM client
	llmClient, err := llm.NewClient(llm.Provider(cfg.LLM.Provider), cfg.LLM.APIKey)
	if err != nil {
		log.Error("failed to create LLM client", zap.Error(err))
		os.Exit(1)
	}

	completionDriver := driver.New(st, eventBus, llmClient, driver.Config{
		Model:        cfg.LLM.Model,
		MaxTokens:    cfg.LLM.MaxTokens,
		HistoryLimit: cfg.LLM.HistoryLimit,
	}, log)
	rt := router.New(st, completionDriver, log)
	connHub := hub.New(eventBus, log)

	healthHandler := handler.NewHealthHandler(readyChecks)
	conversationHandler := handler.NewConversationHandler(rt, log)
	messageHandler := handler.NewMessageHandler(rt, log)
	streamHandler := handler.NewStreamHandler(rt, eventBus, log)
	adminHandler := handler.NewAdminHandler(rt, cfg.Janitor.MaxAge, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Duplex endpoint; browsers cannot set headers on the upgrade request.
	r.Get("/ws", connHub.Handle)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(middleware.Auth(cfg.Auth.JWTSecret))
		}
		if cfg.RateLimit.Enabled {
			r.Use(middleware.RateLimit(cfg.RateLimit.Requests, cfg.RateLimit.Window))
		}

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Delete("/", conversationHandler.Delete)

				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)

				r.Post("/assistant", messageHandler.Ask)
				r.Get("/events", streamHandler.ConversationEvents)
			})
		})

		r.Route("/streams/{streamID}", func(r chi.Router) {
			r.Get("/", streamHandler.StreamEvents)
			r.Delete("/", streamHandler.Cancel)
		})

		r.Get("/messages/{messageID}", messageHandler.Get)

		r.Route("/admin", func(r chi.Router) {
			if cfg.Auth.Enabled {
				r.Use(middleware.RequireScope("admin"))
			}
			r.Post("/cleanup", adminHandler.Cleanup)
		})
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Janitor sweep for stale conversations.
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	if cfg.Janitor.Enabled {
		go func() {
			ticker := time.NewTicker(cfg.Janitor.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-janitorCtx.Done():
					return
				case <-ticker.C:
					if _, err := rt.CleanupStaleConversations(janitorCtx, cfg.Janitor.MaxAge); err != nil {
						log.Warn("janitor sweep failed", zap.Error(err))
					}
				}
			}
		}()
	}

	go func() {
		log.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	connHub.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
