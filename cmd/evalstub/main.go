// Command evalstub is a local stand-in for the evaluation service. It accepts
// the recorder's multipart upload on POST /evaluate and replies with a score
// and rank, either fixed by flags or derived from the uploaded bytes.
package main

import (
	"encoding/json"
	"flag"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/arnavgupta00/singer-selection/internal/audio"
)

// evaluateResponse mirrors the evaluation service's reply
type evaluateResponse struct {
	Score float64 `json:"score"`
	Rank  string  `json:"rank"`
}

type stubConfig struct {
	FieldName  string
	Score      float64
	Rank       string
	FailStatus int
	Delay      time.Duration
	MaxBytes   int64
}

type evaluator struct {
	config stubConfig
	logger *slog.Logger
}

func (e *evaluator) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(e.config.MaxBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "error parsing form: " + err.Error()})
		return
	}

	file, header, err := r.FormFile(e.config.FieldName)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing audio file field " + e.config.FieldName})
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "error reading audio file"})
		return
	}

	contentType := header.Header.Get("Content-Type")
	e.logger.Info("Evaluation request received",
		slog.String("filename", header.Filename),
		slog.String("content_type", contentType),
		slog.Int("audio_size", len(audioData)),
	)

	// Like the real service, unreadable audio is reported in the body with 200.
	if isWAV(header.Filename, contentType) {
		info, err := audio.ParseWAV(audioData)
		if err != nil {
			e.logger.Warn("Rejected WAV upload", slog.String("error", err.Error()))
			writeJSON(w, http.StatusOK, map[string]string{"error": "invalid WAV upload: " + err.Error()})
			return
		}
		e.logger.Info("WAV upload decoded",
			slog.Int("sample_rate", int(info.SampleRate)),
			slog.Int("channels", int(info.Channels)),
			slog.Bool("streaming", info.Streaming),
			slog.Float64("duration_seconds", info.Duration),
		)
	}

	// Simulate processing time
	if e.config.Delay > 0 {
		time.Sleep(e.config.Delay)
	}

	if e.config.FailStatus != 0 {
		writeJSON(w, e.config.FailStatus, map[string]string{"error": "evaluation failed"})
		return
	}

	response := e.evaluate(audioData)
	writeJSON(w, http.StatusOK, response)

	e.logger.Info("Evaluation response sent",
		slog.Float64("score", response.Score),
		slog.String("rank", response.Rank),
	)
}

// evaluate returns the configured result, or one derived from a checksum of
// data so the same recording always scores the same.
func (e *evaluator) evaluate(data []byte) evaluateResponse {
	if e.config.Rank != "" {
		return evaluateResponse{Score: e.config.Score, Rank: e.config.Rank}
	}

	score := float64(crc32.ChecksumIEEE(data)%1001) / 10
	return evaluateResponse{Score: score, Rank: rankFor(score)}
}

// isWAV reports whether the upload declares itself as WAV
func isWAV(filename, contentType string) bool {
	switch strings.ToLower(contentType) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return true
	}
	return strings.HasSuffix(strings.ToLower(filename), ".wav")
}

func rankFor(score float64) string {
	switch {
	case score >= 90:
		return "S"
	case score >= 75:
		return "A"
	case score >= 50:
		return "B"
	default:
		return "C"
	}
}

func (e *evaluator) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (e *evaluator) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/evaluate", e.handleEvaluate)
	mux.HandleFunc("/", e.handleHealth)
	return mux
}

func main() {
	addr := flag.String("addr", ":8000", "Listen address")
	field := flag.String("field", "file", "Multipart field holding the recording")
	score := flag.Float64("score", 0, "Fixed score to return (requires -rank)")
	rank := flag.String("rank", "", "Fixed rank to return; empty derives both from the upload")
	failStatus := flag.Int("fail-status", 0, "Reply with this HTTP status instead of a result")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	e := &evaluator{
		config: stubConfig{
			FieldName:  *field,
			Score:      *score,
			Rank:       *rank,
			FailStatus: *failStatus,
			Delay:      *delay,
			MaxBytes:   32 << 20,
		},
		logger: logger,
	}

	logger.Info("Evaluation stub starting",
		slog.String("address", *addr),
		slog.String("endpoint", "/evaluate"),
	)

	if err := http.ListenAndServe(*addr, e.routes()); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
