package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arnavgupta00/singer-selection/internal/capture"
	"github.com/arnavgupta00/singer-selection/internal/config"
	"github.com/arnavgupta00/singer-selection/internal/evaluation"
	"github.com/arnavgupta00/singer-selection/internal/metrics"
	"github.com/arnavgupta00/singer-selection/internal/session"
)

const (
	serviceName    = "singer-selection-recorder"
	serviceVersion = "1.0.0"
)

// HTTPServer provides the session control API and monitoring endpoints
type HTTPServer struct {
	server     *http.Server
	handler    http.Handler
	logger     *slog.Logger
	config     *config.Config
	controller *session.Controller
	evaluator  *evaluation.Client
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	// Server state
	startTime time.Time
	mu        sync.RWMutex
}

// errorResponse is the JSON body of every failed control request
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"upstream_status,omitempty"`
}

// submitResponse is the JSON body of a submit request
type submitResponse struct {
	Status  string           `json:"status"`
	Score   *float64         `json:"score,omitempty"`
	Rank    string           `json:"rank,omitempty"`
	Display []string         `json:"display,omitempty"`
	Session session.Snapshot `json:"session"`
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, controller *session.Controller, evaluator *evaluation.Client,
	m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		controller: controller,
		evaluator:  evaluator,
		metrics:    m,
		gatherer:   gatherer,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	// Submissions wait on the evaluation service, so the write timeout
	// must outlast the upload timeout.
	writeTimeout := appConfig.Evaluation.GetTimeoutDuration() + 10*time.Second

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler, mainly for tests
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session controls
	mux.HandleFunc("/session", h.withMetrics("/session", h.handleSession))
	mux.HandleFunc("/session/start", h.withMetrics("/session/start", h.handleStart))
	mux.HandleFunc("/session/stop", h.withMetrics("/session/stop", h.handleStop))
	mux.HandleFunc("/session/submit", h.withMetrics("/session/submit", h.handleSubmit))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
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

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// writeJSON encodes v with the given status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an errorResponse
func writeError(w http.ResponseWriter, status int, code string, err error) {
	resp := errorResponse{Error: code, Message: err.Error()}

	var uploadErr *evaluation.UploadError
	if errors.As(err, &uploadErr) {
		resp.Status = uploadErr.StatusCode
	}

	writeJSON(w, status, resp)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	snapshot := h.controller.Snapshot()
	evalStats := h.evaluator.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"session": map[string]interface{}{
				"state":       snapshot.State,
				"device":      snapshot.Device,
				"chunk_count": snapshot.ChunkCount,
			},
			"evaluation": map[string]interface{}{
				"endpoint":       h.evaluator.Endpoint(),
				"total_requests": evalStats.TotalRequests,
				"success_rate":   evalStats.SuccessRate,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleSession implements the /session endpoint
func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

// handleStart implements the /session/start endpoint
func (h *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := h.controller.Start(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.controller.Snapshot())
	case errors.Is(err, capture.ErrDeviceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "device_unavailable", err)
	case errors.Is(err, session.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err)
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "closed", err)
	default:
		h.logger.Error("Start failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

// handleStop implements the /session/stop endpoint
func (h *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.controller.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}

	writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

// handleSubmit implements the /session/submit endpoint
func (h *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := h.controller.Submit(r.Context())
	switch {
	case err == nil:
		score := result.Score
		writeJSON(w, http.StatusOK, submitResponse{
			Status:  "evaluated",
			Score:   &score,
			Rank:    result.Rank,
			Display: result.DisplayLines(),
			Session: h.controller.Snapshot(),
		})
	case errors.Is(err, session.ErrNothingToSubmit):
		writeJSON(w, http.StatusOK, submitResponse{
			Status:  "nothing_to_submit",
			Session: h.controller.Snapshot(),
		})
	case errors.Is(err, session.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err)
	default:
		writeError(w, http.StatusBadGateway, "upload_failed", err)
	}
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitizedConfig := map[string]interface{}{
		"http": map[string]interface{}{
			"address": h.config.HTTP.Address,
			"port":    h.config.HTTP.Port,
		},
		"device": map[string]interface{}{
			"kind":            h.config.Device.Kind,
			"command":         h.config.Device.Command,
			"chunk_size":      h.config.Device.ChunkSize,
			"probe_timeout":   h.config.Device.ProbeTimeout,
			"release_timeout": h.config.Device.ReleaseTimeout,
		},
		"evaluation": map[string]interface{}{
			"endpoint":     h.config.Evaluation.Endpoint,
			"timeout":      h.config.Evaluation.Timeout,
			"field_name":   h.config.Evaluation.FieldName,
			"file_name":    h.config.Evaluation.FileName,
			"content_type": h.config.Evaluation.ContentType,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.mu.RLock()
	uptime := time.Since(h.startTime)
	h.mu.RUnlock()

	stats := map[string]interface{}{
		"uptime":     uptime.String(),
		"timestamp":  time.Now().UTC(),
		"evaluation": h.evaluator.GetStats(),
		"session":    h.controller.Snapshot(),
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Singing Evaluation Recorder",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                "API documentation",
			"GET /health":          "Service health check",
			"GET /session":         "Current recording session",
			"POST /session/start":  "Start capture",
			"POST /session/stop":   "Stop capture",
			"POST /session/submit": "Submit the recording for evaluation",
			"GET /config":          "Get service configuration",
			"GET /stats":           "Get upload statistics",
			"GET /metrics":         "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
