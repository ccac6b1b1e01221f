package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/arnavgupta00/singer-selection/internal/capture"
	"github.com/arnavgupta00/singer-selection/internal/config"
	"github.com/arnavgupta00/singer-selection/internal/evaluation"
	"github.com/arnavgupta00/singer-selection/internal/metrics"
	"github.com/arnavgupta00/singer-selection/internal/server"
	"github.com/arnavgupta00/singer-selection/internal/session"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "singer-selection-recorder"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (empty for defaults)")
	envFile := flag.String("env-file", ".env", "Optional dotenv file with SINGEVAL_* overrides")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load env file: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.String("device_kind", cfg.Device.Kind),
		slog.Int("chunk_size", cfg.Device.ChunkSize),
		slog.String("evaluation_endpoint", cfg.Evaluation.Endpoint),
		slog.Int("evaluation_timeout", cfg.Evaluation.Timeout),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	device, err := newDevice(cfg.Device, logger)
	if err != nil {
		logger.Error("Failed to create capture device", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Capture device initialized", slog.String("device", device.Name()))

	evaluator, err := evaluation.NewClient(evaluation.Config{
		Endpoint:    cfg.Evaluation.Endpoint,
		Timeout:     cfg.Evaluation.GetTimeoutDuration(),
		FieldName:   cfg.Evaluation.FieldName,
		FileName:    cfg.Evaluation.FileName,
		ContentType: cfg.Evaluation.ContentType,
		UserAgent:   fmt.Sprintf("%s/%s", serviceName, serviceVersion),
	}, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create evaluation client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	controller := session.NewController(device, evaluator, logger, appMetrics, session.Config{
		ReleaseTimeout: cfg.Device.GetReleaseTimeoutDuration(),
	})

	// The HTTP API is the only control surface; without it the service
	// only holds the device configuration.
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, controller, evaluator, appMetrics, registry)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	} else {
		logger.Warn("HTTP API disabled, session controls are unavailable")
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Release the device if a recording is still in progress
	if err := controller.Close(shutdownCtx); err != nil {
		logger.Error("Error closing session", slog.String("error", err.Error()))
	}

	if err := evaluator.Close(); err != nil {
		logger.Error("Error closing evaluation client", slog.String("error", err.Error()))
	}

	// Get final statistics
	stats := evaluator.GetStats()
	logger.Info("Final evaluation statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("success_requests", stats.SuccessRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Duration("avg_response_time", stats.AvgResponseTime),
	)

	logger.Info("Service stopped")
}

// newDevice builds the capture device selected by cfg.Kind
func newDevice(cfg config.DeviceConfig, logger *slog.Logger) (capture.Device, error) {
	switch cfg.Kind {
	case config.DevicePortAudio:
		device, err := capture.NewPortAudioDevice(capture.PortAudioConfig{
			SampleRate:      float64(cfg.SampleRate),
			Channels:        cfg.Channels,
			FramesPerBuffer: cfg.FramesPerBuffer,
			ChunkSize:       cfg.ChunkSize,
		}, logger)
		if err != nil {
			return nil, err
		}
		return device, nil
	case config.DeviceCommand, "":
		device, err := capture.NewCommandDevice(capture.CommandConfig{
			Command:      cfg.Command,
			ChunkSize:    cfg.ChunkSize,
			ProbeTimeout: cfg.GetProbeTimeoutDuration(),
		}, logger)
		if err != nil {
			return nil, err
		}
		return device, nil
	default:
		return nil, fmt.Errorf("unknown device kind %q", cfg.Kind)
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
