package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arnavgupta00/singer-selection/internal/audio"
	"github.com/arnavgupta00/singer-selection/internal/capture"
	"github.com/arnavgupta00/singer-selection/internal/evaluation"
	"github.com/arnavgupta00/singer-selection/internal/metrics"
)

// State is a recording session state
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopped
)

// stateNames lists every state label, used for the state gauge
var stateNames = []string{"idle", "recording", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// MarshalText encodes the state as its label
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrNothingToSubmit is returned by Submit when no chunks were captured.
	// It is not a failure: nothing is sent.
	ErrNothingToSubmit = errors.New("nothing to submit")

	// ErrInvalidState is returned when an operation is not valid in the current state
	ErrInvalidState = errors.New("invalid session state")

	// ErrClosed is returned after the controller has been torn down
	ErrClosed = errors.New("session controller closed")
)

// Uploader submits a chunk sequence for evaluation
type Uploader interface {
	Submit(ctx context.Context, chunks []audio.Chunk) (*evaluation.Result, error)
}

// Config contains controller configuration
type Config struct {
	// ReleaseTimeout bounds how long Stop waits for the device to flush
	ReleaseTimeout time.Duration
}

// Controller owns the single active recording session
type Controller struct {
	device   capture.Device
	uploader Uploader
	logger   *slog.Logger
	metrics  *metrics.Metrics
	config   Config

	mu         sync.Mutex
	state      State
	acquiring  bool
	stopDone   chan struct{} // non-nil while a Stop is releasing the handle
	closed     bool
	handle     capture.Handle
	generation uint64
	chunks     *audio.Accumulator

	sessionID     string
	startedAt     time.Time
	stoppedAt     time.Time
	droppedChunks uint64
	lastResult    *evaluation.Result
	lastError     string
}

// Snapshot is a point-in-time view of the session for monitoring and UIs
type Snapshot struct {
	State         State              `json:"state"`
	SessionID     string             `json:"session_id,omitempty"`
	Device        string             `json:"device"`
	ChunkCount    int                `json:"chunk_count"`
	TotalBytes    int                `json:"total_bytes"`
	CanStart      bool               `json:"can_start"`
	CanStop       bool               `json:"can_stop"`
	CanSubmit     bool               `json:"can_submit"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	StoppedAt     *time.Time         `json:"stopped_at,omitempty"`
	Duration      time.Duration      `json:"duration"`
	DroppedChunks uint64             `json:"dropped_chunks"`
	LastResult    *evaluation.Result `json:"last_result,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
}

// NewController creates a controller in the Idle state. m may be nil.
func NewController(device capture.Device, uploader Uploader, logger *slog.Logger, m *metrics.Metrics, config Config) *Controller {
	if config.ReleaseTimeout <= 0 {
		config.ReleaseTimeout = 5 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		device:   device,
		uploader: uploader,
		logger:   logger,
		metrics:  m,
		config:   config,
		state:    StateIdle,
		chunks:   audio.NewAccumulator(),
	}
	m.SetSessionState(StateIdle.String(), stateNames)

	return c
}

// Start acquires the device and begins a new session, discarding the previous
// session's chunks. Valid from Idle or Stopped. If acquisition fails the state
// is unchanged and the error wraps capture.ErrDeviceUnavailable.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateRecording || c.acquiring {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, state)
	}
	c.acquiring = true
	c.mu.Unlock()

	handle, err := c.device.Acquire(ctx)

	c.mu.Lock()
	c.acquiring = false

	if err != nil {
		prev := c.state
		c.mu.Unlock()

		c.metrics.RecordDeviceFailure()
		c.logger.Warn("Capture device unavailable",
			slog.String("device", c.device.Name()),
			slog.String("state", prev.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("start recording: %w", err)
	}

	if c.closed {
		c.mu.Unlock()
		c.releaseHandle(ctx, handle, time.Now())
		return ErrClosed
	}

	c.chunks.Reset()
	c.generation++
	gen := c.generation
	c.handle = handle
	c.state = StateRecording
	c.sessionID = uuid.NewString()
	c.startedAt = time.Now()
	c.stoppedAt = time.Time{}
	c.droppedChunks = 0
	c.lastResult = nil
	c.lastError = ""
	sessionID := c.sessionID

	// Delivery runs on the handle's own goroutine and re-enters through deliver.
	handle.OnChunk(func(data []byte) {
		c.deliver(gen, data)
	})
	c.mu.Unlock()

	c.metrics.RecordSessionStarted()
	c.metrics.SetSessionState(StateRecording.String(), stateNames)

	c.logger.Info("Recording started",
		slog.String("session_id", sessionID),
		slog.String("device", c.device.Name()),
		slog.String("handle_id", handle.ID()),
	)

	return nil
}

// deliver appends a chunk if it comes from the current handle while recording
func (c *Controller) deliver(gen uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.state != StateRecording {
		c.droppedChunks++
		c.metrics.RecordChunkDropped("stale_handle")
		c.logger.Debug("Dropped chunk from inactive handle",
			slog.Uint64("generation", gen),
			slog.Uint64("current_generation", c.generation),
			slog.Int("size", len(data)),
		)
		return
	}

	if !c.chunks.Append(data) {
		c.metrics.RecordChunkDropped("empty")
		return
	}

	c.metrics.RecordChunkAccepted(len(data))
}

// Stop releases the device and freezes the chunk sequence. It waits for the
// handle to flush chunks produced before the halt. No-op unless Recording.
// A Stop that overlaps one already in progress waits for it to finish or for
// ctx to expire. The release is bounded by ctx and the configured timeout.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if done := c.stopDone; done != nil {
		c.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait for stop: %w", ctx.Err())
		}
	}
	if c.state != StateRecording {
		c.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	c.stopDone = done
	handle := c.handle
	startedAt := c.startedAt
	c.mu.Unlock()

	// Chunks flushed during release still match the generation and are kept.
	c.releaseHandle(ctx, handle, startedAt)

	c.mu.Lock()
	c.handle = nil
	c.stopDone = nil
	c.state = StateStopped
	c.generation++
	c.stoppedAt = time.Now()
	sessionID := c.sessionID
	stats := c.chunks.GetStats()
	c.mu.Unlock()
	close(done)

	c.metrics.SetSessionState(StateStopped.String(), stateNames)

	c.logger.Info("Recording stopped",
		slog.String("session_id", sessionID),
		slog.Int("chunk_count", stats.ChunkCount),
		slog.Int("total_bytes", stats.TotalBytes),
		slog.Duration("duration", time.Since(startedAt)),
	)

	return nil
}

// releaseHandle releases h within the earlier of ctx and the configured
// timeout, logging any error
func (c *Controller) releaseHandle(ctx context.Context, h capture.Handle, startedAt time.Time) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ReleaseTimeout)
	defer cancel()

	if err := h.Release(ctx); err != nil {
		c.logger.Warn("Capture handle release reported an error",
			slog.String("handle_id", h.ID()),
			slog.String("error", err.Error()),
		)
	}

	c.metrics.RecordDeviceReleased(time.Since(startedAt).Seconds())
}

// Submit uploads the stopped session's chunks. State is unchanged whatever the
// outcome, and the chunks stay intact so a failed upload can be retried.
func (c *Controller) Submit(ctx context.Context) (*evaluation.Result, error) {
	c.mu.Lock()
	if c.state == StateRecording {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot submit while recording", ErrInvalidState)
	}

	chunks := c.chunks.Drain()
	if len(chunks) == 0 {
		c.mu.Unlock()
		return nil, ErrNothingToSubmit
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	c.logger.Info("Submitting session",
		slog.String("session_id", sessionID),
		slog.Int("chunk_count", len(chunks)),
	)

	result, err := c.uploader.Submit(ctx, chunks)

	c.mu.Lock()
	defer c.mu.Unlock()

	// A newer session may have started while the upload was in flight.
	if c.sessionID == sessionID {
		if err != nil {
			c.lastError = err.Error()
		} else {
			c.lastResult = result
			c.lastError = ""
		}
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close abandons the session, releasing the device if still recording.
// It returns once any release in progress has finished, or with ctx's error.
// Further Start calls fail with ErrClosed.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	return c.Stop(ctx)
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Chunks returns a copy of the current chunk sequence
func (c *Controller) Chunks() []audio.Chunk {
	return c.chunks.Drain()
}

// Snapshot returns the current session view
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.chunks.GetStats()
	recording := c.state == StateRecording

	var duration time.Duration
	switch {
	case recording:
		duration = time.Since(c.startedAt)
	case !c.stoppedAt.IsZero():
		duration = c.stoppedAt.Sub(c.startedAt)
	}

	return Snapshot{
		State:         c.state,
		SessionID:     c.sessionID,
		Device:        c.device.Name(),
		ChunkCount:    stats.ChunkCount,
		TotalBytes:    stats.TotalBytes,
		CanStart:      !recording && !c.acquiring && !c.closed,
		CanStop:       recording && c.stopDone == nil,
		CanSubmit:     c.state == StateStopped && stats.ChunkCount > 0,
		StartedAt:     timePtr(c.startedAt),
		StoppedAt:     timePtr(c.stoppedAt),
		Duration:      duration,
		DroppedChunks: c.droppedChunks,
		LastResult:    c.lastResult,
		LastError:     c.lastError,
	}
}

// timePtr returns nil for the zero time so it is omitted from JSON
func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
