package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	txcmd "github.com/eaglebank/transactional-ms/internal/command"
	"github.com/eaglebank/transactional-ms/internal/config"
	"github.com/eaglebank/transactional-ms/internal/handler"
	txqry "github.com/eaglebank/transactional-ms/internal/query"
	"github.com/eaglebank/transactional-ms/shared/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transaction HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	decimal.MarshalJSONWithoutQuotes = true
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise dependencies", zap.Error(err))
		return err
	}

	streams, endStreams := context.WithCancel(context.Background())
	defer endStreams()

	commandSvc := txcmd.NewTransactionCommandService(deps.store, deps.readRepo, deps.accounts, deps.publisher, logger,
		txcmd.WithPublishTimeout(cfg.Notifications.PublishTimeout))
	querySvc := txqry.NewTransactionQueryService(deps.readRepo, logger)
	transactionHandler := handler.NewTransactionHandler(commandSvc, querySvc, logger,
		handler.WithHeartbeat(cfg.HTTP.StreamHeartbeat),
		handler.WithAllowedOrigins(cfg.HTTP.AllowedOrigins),
		handler.WithShutdown(streams),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           otelhttp.NewHandler(newRouter(cfg, transactionHandler, logger), "transactional-ms"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(endStreams)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("transaction service starting",
			zap.String("port", cfg.HTTP.Port),
			zap.String("store", cfg.Store.Driver),
			zap.String("notifications", cfg.Notifications.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		deps.Close(context.Background())
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", zap.Error(err))
	}
	deps.Close(shutdownCtx)
	return nil
}

func newRouter(cfg *config.Config, h *handler.TransactionHandler, logger *zap.Logger) *gin.Engine {
	if cfg.Env != "development" && cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.LoggingMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/transactions", middleware.AuthMiddleware([]byte(cfg.Auth.JWTSecret)))
	{
		api.POST("", h.PerformTransaction)
		api.GET("", h.ListTransactions)
		api.GET("/stream", h.StreamTransactions)
		api.GET("/ws", h.StreamTransactionsWS)
		api.GET("/:transactionId", h.GetTransaction)
	}
	return router
}
