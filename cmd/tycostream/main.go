package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tycoworks/tycostream-sub001/internal/config"
	"github.com/tycoworks/tycostream-sub001/internal/graphqlws"
	"github.com/tycoworks/tycostream-sub001/internal/hub"
	"github.com/tycoworks/tycostream-sub001/internal/logging"
	"github.com/tycoworks/tycostream-sub001/internal/metrics"
	"github.com/tycoworks/tycostream-sub001/internal/protocol"
	"github.com/tycoworks/tycostream-sub001/internal/schema"
	"github.com/tycoworks/tycostream-sub001/internal/subscriber"
	"github.com/tycoworks/tycostream-sub001/internal/trigger"
	"github.com/tycoworks/tycostream-sub001/internal/webhook"
)

func main() {
	logger := logging.NewLoggerWithService("tycostream")
	config.LoadEnv(logger)

	logger.Info("Starting tycostream")

	catalogPath := config.GetEnv("SCHEMA_PATH", "schema.yaml")
	catalog, err := config.LoadCatalog(catalogPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load source catalog")
	}
	logger.WithField("sources", len(catalog.Sources)).Info("Source catalog loaded")

	dbConfig := subscriber.Config{
		Host:           config.GetEnv("DATABASE_HOST", "localhost"),
		Port:           config.GetEnvInt("DATABASE_PORT", 6875),
		User:           config.GetEnv("DATABASE_USER", "materialize"),
		Password:       config.GetEnv("DATABASE_PASSWORD", "materialize"),
		Database:       config.GetEnv("DATABASE_NAME", "materialize"),
		ConnectTimeout: time.Duration(config.GetEnvInt("DATABASE_CONNECT_TIMEOUT_SECONDS", 10)) * time.Second,
	}

	pipelineMetrics := metrics.New()

	// An unrecoverable pipeline failure means the cache no longer
	// mirrors the upstream; restart rather than serve drifted state.
	fatalCh := make(chan error, 1)
	opts := hub.Options{
		MaxBufferPerSubscriber: config.GetEnvInt("MAX_BUFFER_PER_SUBSCRIBER", 0),
		Metrics:                pipelineMetrics,
		OnFatal: func(err error) {
			select {
			case fatalCh <- err:
			default:
			}
		},
	}

	registry := hub.NewRegistry(catalog.Sources, func(source *schema.SourceDefinition) hub.StreamRunner {
		codec := protocol.NewCodec(source, logger)
		return subscriber.New(dbConfig, codec, logger)
	}, logger, opts)

	dispatcher := webhook.NewDispatcher(webhook.Config{
		Timeout:     time.Duration(config.GetEnvInt("WEBHOOK_TIMEOUT_SECONDS", 10)) * time.Second,
		MaxAttempts: uint64(config.GetEnvInt("WEBHOOK_MAX_ATTEMPTS", 5)),
	}, logger)
	triggers := trigger.NewManager(registry, dispatcher, logger, pipelineMetrics)

	wsHandler, err := graphqlws.NewHandler(registry, catalog.Sources, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build GraphQL schema")
	}

	if config.GetEnv("GIN_MODE", "debug") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"service":     "tycostream",
			"sources":     len(catalog.Sources),
			"active_hubs": registry.ActiveHubs(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/schema", func(c *gin.Context) {
		c.String(http.StatusOK, wsHandler.SDL())
	})
	router.GET("/graphql", func(c *gin.Context) {
		wsHandler.ServeWS(c.Writer, c.Request)
	})

	admin := router.Group("/triggers")
	{
		admin.GET("", func(c *gin.Context) {
			defs := triggers.List()
			out := make([]gin.H, 0, len(defs))
			for _, def := range defs {
				out = append(out, gin.H{
					"name":        def.Name,
					"source":      def.Source,
					"webhook_url": def.URL,
				})
			}
			c.JSON(http.StatusOK, gin.H{"triggers": out})
		})
		admin.POST("", func(c *gin.Context) {
			var req struct {
				Name       string         `json:"name"`
				Source     string         `json:"source"`
				WebhookURL string         `json:"webhook_url"`
				Match      map[string]any `json:"match"`
				Unmatch    map[string]any `json:"unmatch"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			err := triggers.Create(trigger.Definition{
				Name:    req.Name,
				Source:  req.Source,
				Match:   req.Match,
				Unmatch: req.Unmatch,
				URL:     req.WebhookURL,
			})
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusCreated, gin.H{"name": req.Name})
		})
		admin.DELETE("/:name", func(c *gin.Context) {
			if err := triggers.Delete(c.Param("name")); err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.Status(http.StatusNoContent)
		})
	}

	srv := &http.Server{
		Addr:         ":" + config.GetEnv("PORT", "4000"),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.WithField("addr", srv.Addr).Info("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	exitCode := 0
	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-fatalCh:
		logger.WithError(err).Error("Pipeline failure, shutting down")
		exitCode = 1
	}

	// A second signal forces immediate exit.
	go func() {
		<-quit
		logger.Warn("Forced exit")
		os.Exit(1)
	}()

	triggers.Shutdown()
	registry.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		if exitCode == 0 {
			exitCode = 1
		}
	}

	logger.Info("tycostream stopped")
	os.Exit(exitCode)
}
