package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/portrelay/relay/api/handlers"
	"github.com/portrelay/relay/internal/app"
	"github.com/portrelay/relay/internal/config"
	"github.com/portrelay/relay/internal/db"
	"github.com/portrelay/relay/internal/logger"
	"github.com/portrelay/relay/internal/repository"
	"github.com/portrelay/relay/internal/session"
	"github.com/portrelay/relay/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to a hub TOML configuration file")
	flag.Parse()

	cfg, err := config.LoadHub(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if err := logger.Setup(cfg.LogLevel, logger.Format(cfg.LogFormat)); err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ensure the journal directory exists
	if cfg.DBPath != db.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			log.WithError(err).Fatal("Failed to create database directory")
		}
	}

	// Initialize database
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}

	tracker, err := session.NewTracker(ctx, repository.NewConnectionRepository(database))
	if err != nil {
		log.WithError(err).Fatal("Failed to start connection journal")
	}

	router := ws.NewRouter(ws.Options{
		SendQueue:      cfg.SendQueue,
		EventBuffer:    cfg.EventBuffer,
		WriteWait:      cfg.WriteWait,
		PongWait:       cfg.PongWait,
		MaxMessageSize: cfg.MaxMessageSize,
		Observer:       tracker,
	})
	tracker.SetLiveness(router.IsConnected)

	core, err := app.New(cfg.App, cfg.History)
	if err != nil {
		log.WithError(err).Fatal("Failed to select application")
	}
	appDone := make(chan error, 1)
	go func() { appDone <- app.Run(context.Background(), router, core) }()

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(router, tracker)
	peerHandler := handlers.NewPeerHandler(router)
	connectionHandler := handlers.NewConnectionHandler(tracker)
	wsHandler := handlers.NewWebSocketHandler(router)

	// Initialize Gin router
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), corsMiddleware())

	healthHandler.RegisterRoutes(engine)
	wsHandler.RegisterRoutes(engine, cfg.Path)

	api := engine.Group("/api")
	{
		peerHandler.RegisterRoutes(api)
		connectionHandler.RegisterRoutes(api)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"listen":  cfg.ListenAddr,
			"path":    cfg.Path,
			"app":     cfg.App,
			"journal": cfg.DBPath,
			"boot":    tracker.BootID(),
		}).Info("Starting hub")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down hub...")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Server stopped")
		}
	}

	if err := shutdown(server, router, tracker, appDone); err != nil {
		log.WithError(err).Error("Unclean shutdown")
		os.Exit(1)
	}
}

// shutdown stops accepting requests, disconnects peers, drains the
// application and the journal queue, then closes the database.
func shutdown(server *http.Server, router *ws.Router, tracker *session.Tracker, appDone <-chan error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error
	if err := server.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := router.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	select {
	case err := <-appDone:
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	case <-ctx.Done():
		errs = multierror.Append(errs, ctx.Err())
	}
	tracker.Close()
	if err := db.CloseDB(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

// requestLogger logs every request through logrus at debug level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("HTTP request")
	}
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
