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

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/trungleduc/jupyter-collaboration/codecs"
	"github.com/trungleduc/jupyter-collaboration/config"
	"github.com/trungleduc/jupyter-collaboration/contents"
	"github.com/trungleduc/jupyter-collaboration/fileid"
	documentsapi "github.com/trungleduc/jupyter-collaboration/handlers/api/documents"
	roomsapi "github.com/trungleduc/jupyter-collaboration/handlers/api/rooms"
	"github.com/trungleduc/jupyter-collaboration/handlers/websocket"
	"github.com/trungleduc/jupyter-collaboration/rooms"
	"github.com/trungleduc/jupyter-collaboration/stores"
)

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   m.Code,
			"duration": m.Duration,
			"bytes":    m.Written,
		}).Debug("Request handled")
	})
}

func setupRouter(cfg *config.Config, registry *rooms.Registry, facade *rooms.Facade) *chi.Mux {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api/rooms", func(r chi.Router) {
		r.Get("/", roomsapi.HandleListRooms(registry))
		r.Route("/{roomId}", func(r chi.Router) {
			r.Get("/", roomsapi.HandleGetRoom(registry))
			r.Post("/compact", roomsapi.HandleCompactRoom(registry))
			r.Post("/save", roomsapi.HandleSaveRoom(registry))
		})
	})

	r.Route("/api/documents", func(r chi.Router) {
		r.Get("/", documentsapi.HandleGetDocument(facade))
		r.Put("/", documentsapi.HandleUpdateDocument(facade))
	})

	if cfg.Disable {
		logrus.Warn("Collaboration disabled, websocket endpoint not mounted")
	} else {
		r.Get("/api/collaboration/room/{roomId}", websocket.HandleCollab(registry))
	}

	return r
}

func main() {
	configFile := flag.String("config", "config", "Name of the configuration file, searched in the working directory")
	logLevel := flag.String("loglevel", "", "Override the logging level: debug, info, warn, error")
	listenAddr := flag.String("listen", "", "Override the server listen address")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)

	store, err := stores.GetStore(context.Background(), cfg.Storage)
	if err != nil {
		logrus.WithField("event", "open store").Fatal(err)
	}

	resolver := fileid.NewLocalResolver()
	registry := rooms.NewRegistry(store, resolver, contents.NewLocalProvider(), codecs.NewRegistry(), cfg.Collaboration)
	facade := rooms.NewFacade(registry, resolver)

	r := setupRouter(cfg, registry, facade)
	server := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	logrus.WithField("addr", cfg.ListenAddr).Info("starting server")
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	waitForShutdown(server, registry, store, cfg.TeardownTimeout)
}

func waitForShutdown(server *http.Server, registry *rooms.Registry, store interface{ Close() error }, timeout time.Duration) {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-signalC

	logrus.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithField("event", "shutdown server").Warn(err)
	}

	if err := registry.Teardown(timeout); err != nil {
		logrus.WithField("event", "teardown rooms").Error(err)
	}
	if err := store.Close(); err != nil {
		logrus.WithField("event", "close store").Warn(err)
	}
}
