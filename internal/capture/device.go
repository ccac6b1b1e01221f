package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrDeviceUnavailable is returned by Acquire when permission is denied or no
// input device exists.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// DefaultChunkSize is the read size used when a device config leaves it unset
const DefaultChunkSize = 4096

// ChunkHandler receives one captured fragment. The slice is owned by the
// callee after the call.
type ChunkHandler func(data []byte)

// Device acquires capture handles from the host environment
type Device interface {
	// Name identifies the device in logs and status output
	Name() string

	// Acquire opens the input and returns a live handle. It blocks until
	// the environment grants or denies access, or ctx is done.
	Acquire(ctx context.Context) (Handle, error)
}

// Handle is a live capture bound to one open input stream
type Handle interface {
	// ID uniquely identifies the handle
	ID() string

	// OnChunk registers the chunk callback and begins delivery. Only the
	// first registration counts; registering after Release does nothing.
	OnChunk(handler ChunkHandler)

	// Release stops capture and every track the handle owns. Chunks already
	// produced are delivered before Release returns unless ctx expires first.
	// Release is idempotent.
	Release(ctx context.Context) error
}

// unavailable wraps a cause as ErrDeviceUnavailable
func unavailable(device string, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, device, cause)
}

// streamHandle delivers chunks read from an io.Reader. The producer behind
// the reader is stopped through halt, after which the reader must reach EOF.
type streamHandle struct {
	id        string
	source    io.Reader
	chunkSize int
	logger    *slog.Logger

	halt     func() error
	closeSrc func() error
	finish   func(ctx context.Context) error

	mu       sync.Mutex
	started  bool
	released bool
	done     chan struct{}

	releaseOnce sync.Once
	releaseErr  error
}

// newStreamHandle creates a handle reading chunkSize-bounded fragments from source
func newStreamHandle(source io.Reader, chunkSize int, logger *slog.Logger) *streamHandle {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &streamHandle{
		id:        uuid.NewString(),
		source:    source,
		chunkSize: chunkSize,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// ID returns the handle identifier
func (h *streamHandle) ID() string {
	return h.id
}

// OnChunk registers handler and starts the delivery goroutine
func (h *streamHandle) OnChunk(handler ChunkHandler) {
	if handler == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started || h.released {
		return
	}
	h.started = true

	go h.deliver(handler)
}

// deliver reads the source until EOF or error, invoking handler per fragment
func (h *streamHandle) deliver(handler ChunkHandler) {
	defer close(h.done)

	for {
		buf := make([]byte, h.chunkSize)
		n, err := h.source.Read(buf)
		if n > 0 {
			handler(buf[:n])
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !h.isReleased() {
				h.logger.Warn("Capture stream ended unexpectedly",
					slog.String("handle_id", h.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

// isReleased reports whether Release has begun
func (h *streamHandle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Release halts the producer, waits for delivery to drain, then reaps it
func (h *streamHandle) Release(ctx context.Context) error {
	h.releaseOnce.Do(func() {
		h.releaseErr = h.release(ctx)
	})
	return h.releaseErr
}

func (h *streamHandle) release(ctx context.Context) error {
	h.mu.Lock()
	h.released = true
	started := h.started
	h.mu.Unlock()

	var errs []error

	if !started && h.closeSrc != nil {
		// Nobody reads the source, so unblock the producer's writes first.
		if err := h.closeSrc(); err != nil {
			errs = append(errs, fmt.Errorf("close source: %w", err))
		}
	}

	if h.halt != nil {
		if err := h.halt(); err != nil {
			errs = append(errs, fmt.Errorf("halt capture: %w", err))
		}
	}

	if started {
		select {
		case <-h.done:
		case <-ctx.Done():
			if h.closeSrc != nil {
				_ = h.closeSrc()
			}
			<-h.done
			errs = append(errs, fmt.Errorf("drain interrupted: %w", ctx.Err()))
		}
	}

	if h.finish != nil {
		if err := h.finish(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	h.logger.Debug("Capture handle released",
		slog.String("handle_id", h.id),
		slog.Bool("delivery_started", started),
	)

	return errors.Join(errs...)
}
