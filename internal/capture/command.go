package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultRecorderCommand records the default PulseAudio source as Opus in a
// WebM container written to stdout.
var DefaultRecorderCommand = []string{
	"ffmpeg", "-hide_banner", "-loglevel", "error",
	"-f", "pulse", "-i", "default",
	"-c:a", "libopus", "-f", "webm", "pipe:1",
}

// CommandConfig configures a recorder-process backed device
type CommandConfig struct {
	Command      []string
	ChunkSize    int
	ProbeTimeout time.Duration
}

// CommandDevice captures audio from an external recorder process. The process
// writes the encoded stream to stdout and is stopped with an interrupt so it
// can flush its final fragment.
type CommandDevice struct {
	config CommandConfig
	logger *slog.Logger
}

// NewCommandDevice creates a device running config.Command on every Acquire
func NewCommandDevice(config CommandConfig, logger *slog.Logger) (*CommandDevice, error) {
	if len(config.Command) == 0 || config.Command[0] == "" {
		return nil, fmt.Errorf("recorder command cannot be empty")
	}

	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &CommandDevice{
		config: config,
		logger: logger,
	}, nil
}

// Name returns "command:<binary>"
func (d *CommandDevice) Name() string {
	return "command:" + filepath.Base(d.config.Command[0])
}

// Acquire starts the recorder and waits for its first output byte
func (d *CommandDevice) Acquire(ctx context.Context) (Handle, error) {
	path, err := exec.LookPath(d.config.Command[0])
	if err != nil {
		return nil, unavailable(d.Name(), err)
	}

	cmd := exec.Command(path, d.config.Command[1:]...)
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("recorder stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, unavailable(d.Name(), err)
	}

	reader := bufio.NewReaderSize(stdout, d.config.ChunkSize)
	if err := d.probe(ctx, reader); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		if tail := stderr.String(); tail != "" {
			err = fmt.Errorf("%w (stderr: %s)", err, tail)
		}
		return nil, unavailable(d.Name(), err)
	}

	h := newStreamHandle(reader, d.config.ChunkSize, d.logger)
	h.halt = func() error {
		err := cmd.Process.Signal(os.Interrupt)
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	h.closeSrc = stdout.Close
	h.finish = func(ctx context.Context) error {
		return d.reap(ctx, cmd, stderr, h.id)
	}

	d.logger.Info("Recorder process started",
		slog.String("device", d.Name()),
		slog.String("handle_id", h.id),
		slog.Int("pid", cmd.Process.Pid),
	)

	return h, nil
}

// probe blocks until the recorder emits data, exits, or the probe deadline passes
func (d *CommandDevice) probe(ctx context.Context, r *bufio.Reader) error {
	probeCtx := ctx
	if d.config.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, d.config.ProbeTimeout)
		defer cancel()
	}

	result := make(chan error, 1)
	go func() {
		_, err := r.Peek(1)
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("recorder produced no audio: %w", err)
		}
		return nil
	case <-probeCtx.Done():
		return fmt.Errorf("no audio from recorder: %w", probeCtx.Err())
	}
}

// reap waits for the interrupted recorder to exit, killing it once ctx expires
func (d *CommandDevice) reap(ctx context.Context, cmd *exec.Cmd, stderr *tailBuffer, handleID string) error {
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var err error
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		err = <-waitErr
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("wait for recorder: %w", err)
	}

	// Recorders commonly exit non-zero on interrupt.
	d.logger.Debug("Recorder process exited",
		slog.String("device", d.Name()),
		slog.String("handle_id", handleID),
		slog.Int("exit_code", cmd.ProcessState.ExitCode()),
		slog.String("stderr", stderr.String()),
	)

	return nil
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	limit int
	buf   []byte
	mu    sync.Mutex
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
