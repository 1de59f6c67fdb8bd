package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/vortexpay/velocityguard/internal/config"
	"github.com/vortexpay/velocityguard/internal/guard"
	"github.com/vortexpay/velocityguard/internal/middleware"
	"github.com/vortexpay/velocityguard/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Telemetry.Tracing.Stdout {
		tp, err := newTracerProvider()
		if err != nil {
			return err
		}
		otel.SetTracerProvider(tp)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Warn("tracer provider shutdown failed", zap.Error(err))
			}
		}()
	}

	engine, err := guard.New(cfg.GuardOptions(), logger)
	if err != nil {
		return err
	}

	engine.Subscribe(telemetry.NewLogSink(logger))

	var kafkaSink *telemetry.KafkaSink
	if cfg.Telemetry.Kafka.Enabled() {
		kafkaSink = telemetry.NewKafkaSink(cfg.Telemetry.Kafka.Brokers, cfg.Telemetry.Kafka.Topic, logger)
		engine.Subscribe(kafkaSink)
		logger.Info("kafka telemetry sink enabled",
			zap.Strings("brokers", cfg.Telemetry.Kafka.Brokers),
			zap.String("topic", cfg.Telemetry.Kafka.Topic),
		)
	}

	engine.Start()
	defer engine.Stop()
	if kafkaSink != nil {
		defer kafkaSink.Close()
	}

	router := buildRouter(cfg, engine, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func newTracerProvider() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("velocityguard"),
		)),
	), nil
}

func buildRouter(cfg *config.Config, engine *guard.Engine, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	router.GET(cfg.Server.HealthPath, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET(cfg.Server.MetricsPath, gin.WrapH(promhttp.Handler()))

	admin := middleware.NewAdminAPI(engine, logger)
	admin.Register(router.Group("/admin"))

	// Everything under /api is subject to the guard.
	api := router.Group("/api", middleware.RateLimit(engine, logger))
	api.Any("/*path", func(c *gin.Context) {
		// Placeholder upstream: in deployment this proxies to the protected
		// services. Admitted requests simply pass through here.
		c.JSON(http.StatusOK, gin.H{"admitted": true})
	})

	return router
}
