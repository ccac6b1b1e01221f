package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/arnavgupta00/singer-selection/internal/audio"
	"github.com/arnavgupta00/singer-selection/internal/capture"
	"github.com/arnavgupta00/singer-selection/internal/capture/mock"
	"github.com/arnavgupta00/singer-selection/internal/evaluation"
	"github.com/arnavgupta00/singer-selection/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeUploader records every submitted payload
type fakeUploader struct {
	mu       sync.Mutex
	payloads [][]byte
	result   *evaluation.Result
	err      error
}

func (u *fakeUploader) Submit(ctx context.Context, chunks []audio.Chunk) (*evaluation.Result, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.payloads = append(u.payloads, audio.Concat(chunks))
	if u.err != nil {
		return nil, u.err
	}
	return u.result, nil
}

func (u *fakeUploader) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.payloads)
}

func newTestController(device capture.Device, uploader Uploader) *Controller {
	return NewController(device, uploader, testLogger(), nil, Config{ReleaseTimeout: time.Second})
}

func TestNewControllerStartsIdle(t *testing.T) {
	c := newTestController(&mock.Device{}, &fakeUploader{})

	if c.State() != StateIdle {
		t.Errorf("Expected idle state, got %s", c.State())
	}

	snap := c.Snapshot()
	if !snap.CanStart || snap.CanStop || snap.CanSubmit {
		t.Errorf("Unexpected controls for idle session: %+v", snap)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateIdle:      "idle",
		StateRecording: "recording",
		StateStopped:   "stopped",
		State(9):       "unknown(9)",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}

func TestRecordStopSubmitScenario(t *testing.T) {
	device := &mock.Device{}
	uploader := &fakeUploader{result: &evaluation.Result{Score: 87.5, Rank: "A"}}
	c := newTestController(device, uploader)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if c.State() != StateRecording {
		t.Fatalf("Expected recording, got %s", c.State())
	}

	h := device.Last()
	h.Emit(bytes.Repeat([]byte{1}, 4096))
	h.Emit(bytes.Repeat([]byte{2}, 4096))
	h.Emit(bytes.Repeat([]byte{3}, 512))

	if snap := c.Snapshot(); snap.CanSubmit {
		t.Error("Submit must be disabled while recording")
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("Expected stopped, got %s", c.State())
	}
	if h.Releases() != 1 {
		t.Errorf("Expected one release, got %d", h.Releases())
	}

	result, err := c.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if uploader.calls() != 1 {
		t.Fatalf("Expected one upload, got %d", uploader.calls())
	}
	if len(uploader.payloads[0]) != 8704 {
		t.Errorf("Expected 8704 byte payload, got %d", len(uploader.payloads[0]))
	}

	lines := result.DisplayLines()
	if lines[0] != "Score: 87.5" || lines[1] != "Rank: A" {
		t.Errorf("Unexpected display: %v", lines)
	}

	if c.State() != StateStopped {
		t.Errorf("Submit changed state to %s", c.State())
	}

	snap := c.Snapshot()
	if snap.LastResult == nil || snap.LastResult.Rank != "A" {
		t.Errorf("Expected last result to be recorded, got %+v", snap.LastResult)
	}
}

func TestStartDeviceUnavailable(t *testing.T) {
	device := &mock.Device{Err: fmt.Errorf("%w: permission denied", capture.ErrDeviceUnavailable)}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	c := NewController(device, &fakeUploader{}, testLogger(), m, Config{})

	err := c.Start(context.Background())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
	}

	if c.State() != StateIdle {
		t.Errorf("Expected state to remain idle, got %s", c.State())
	}

	snap := c.Snapshot()
	if snap.SessionID != "" || snap.ChunkCount != 0 {
		t.Errorf("Expected no session to be created, got %+v", snap)
	}

	if got := testutil.ToFloat64(m.DeviceFailures); got != 1 {
		t.Errorf("Expected 1 device failure metric, got %f", got)
	}
}

func TestStartFailureKeepsStoppedSession(t *testing.T) {
	device := &mock.Device{}
	c := newTestController(device, &fakeUploader{})
	ctx := context.Background()

	c.Start(ctx)
	device.Last().Emit([]byte("keep me"))
	c.Stop(ctx)

	device.Err = capture.ErrDeviceUnavailable
	if err := c.Start(ctx); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
	}

	if c.State() != StateStopped {
		t.Errorf("Expected stopped state to be kept, got %s", c.State())
	}

	if got := string(audio.Concat(c.Chunks())); got != "keep me" {
		t.Errorf("Expected prior chunks untouched, got %q", got)
	}
}

func TestStartWhileRecording(t *testing.T) {
	device := &mock.Device{}
	c := newTestController(device, &fakeUploader{})
	ctx := context.Background()

	c.Start(ctx)
	if err := c.Start(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}

	if len(device.Handles()) != 1 {
		t.Errorf("Expected a single acquisition, got %d", len(device.Handles()))
	}
}

func TestStopWhenNotRecordingIsNoop(t *testing.T) {
	device := &mock.Device{}
	c := newTestController(device, &fakeUploader{})
	ctx := context.Background()

	if err := c.Stop(ctx); err != nil {
		t.Errorf("Stop from idle returned %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("Expected idle, got %s", c.State())
	}

	c.Start(ctx)
	c.Stop(ctx)
	c.Stop(ctx)

	if r := device.Last().Releases(); r != 1 {
		t.Errorf("Expected exactly one release, got %d", r)
	}
}

func TestZeroLengthChunksDiscarded(t *testing.T) {
	device := &mock.Device{}
	c := newTestController(device, &fakeUploader{})
	ctx := context.Background()

	c.Start(ctx)
	h := device.Last()
	h.Emit(nil)
	h.Emit([]byte("a"))
	h.Emit([]byte{})
	h.Emit([]byte("b"))
	c.Stop(ctx)

	chunks := c.Chunks()
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	for _, ch := range chunks {
		if ch.Len() == 0 {
			t.Error("Zero-length chunk present in drained sequence")
		}
	}
}

func TestNewSessionClearsPriorChunks(t *testing.T) {
	device := &mock.Device{}
	uploader := &fakeUploader{result: &evaluation.Result{Score: 1, Rank: "B"}}
	c := newTestController(device, uploader)
	ctx := context.Background()

	c.Start(ctx)
	device.Last().Emit([]byte("session-one"))
	c.Stop(ctx)

	c.Start(ctx)
	device.Last().Emit([]byte("session-two"))
	c.Stop(ctx)

	if _, err := c.Submit(ctx); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	payload := string(uploader.payloads[0])
	if strings.Contains(payload, "session-one") {
		t.Errorf("Prior session data leaked into payload %q", payload)
	}
	if payload != "session-two" {
		t.Errorf("Expected %q, got %q", "session-two", payload)
	}
}

func TestStaleHandleChunksIgnored(t *testing.T) {
	device := &mock.Device{}
	c := newTestController(device, &fakeUploader{})
	ctx := context.Background()

	c.Start(ctx)
	first := device.Last()
	first.Emit([]byte("one"))
	c.Stop(ctx)

	// Late delivery after stop.
	first.Emit([]byte("late"))
	if got := string(audio.Concat(c.Chunks())); got != "one" {
		t.Errorf("Chunk appended after release: %q", got)
	}

	c.Start(ctx)
	first.Emit([]byte("stale"))
	device.Last().Emit([]byte("two"))

	if got := string(audio.Concat(c.Chunks())); got != "two" {
		t.Errorf("Expected only the active handle's chunks, got %q", got)
	}

	if snap := c.Snapshot(); snap.DroppedChunks != 1 {
		t.Errorf("Expected 1 dropped chunk in the new session, got %d", snap.DroppedChunks)
	}
}

func TestStopKeepsChunksFlushedDuringRelease(t *testing.T) {
	device := &mock.Device{}
	device.BeforeRelease = func(h *mock.Handle) {
		h.Emit([]byte("-final"))
	}
	c := newTestController(device, &fakeUploader{})
	ctx := context.Background()

	c.Start(ctx)
	device.Last().Emit([]byte("body"))
	c.Stop(ctx)

	if got := string(audio.Concat(c.Chunks())); got != "body-final" {
		t.Errorf("Expected final flushed chunk to be kept, got %q", got)
	}
}

func TestSubmitNothing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *Controller, d *mock.Device)
	}{
		{"idle", func(c *Controller, d *mock.Device) {}},
		{"stopped without chunks", func(c *Controller, d *mock.Device) {
			c.Start(context.Background())
			d.Last().Emit(nil)
			c.Stop(context.Background())
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := &mock.Device{}
			uploader := &fakeUploader{}
			c := newTestController(device, uploader)
			tt.setup(c, device)

			_, err := c.Submit(context.Background())
			if !errors.Is(err, ErrNothingToSubmit) {
				t.Errorf("Expected ErrNothingToSubmit, got %v", err)
			}
			if uploader.calls() != 0 {
				t.Errorf("Expected zero uploads, got %d", uploader.calls())
			}
		})
	}
}

func TestSubmitWhileRecording(t *testing.T) {
	device := &mock.Device{}
	uploader := &fakeUploader{}
	c := newTestController(device, uploader)

	c.Start(context.Background())
	device.Last().Emit([]byte("x"))

	if _, err := c.Submit(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
	if uploader.calls() != 0 {
		t.Errorf("Expected zero uploads, got %d", uploader.calls())
	}
}

func TestSubmitFailureKeepsChunksForRetry(t *testing.T) {
	device := &mock.Device{}
	uploader := &fakeUploader{err: &evaluation.UploadError{Op: evaluation.OpRequest, Err: context.DeadlineExceeded}}
	c := newTestController(device, uploader)
	ctx := context.Background()

	c.Start(ctx)
	device.Last().Emit([]byte("abc"))
	device.Last().Emit([]byte("def"))
	c.Stop(ctx)

	before := audio.Concat(c.Chunks())

	_, err := c.Submit(ctx)
	var uploadErr *evaluation.UploadError
	if !errors.As(err, &uploadErr) {
		t.Fatalf("Expected UploadError, got %v", err)
	}

	if c.State() != StateStopped {
		t.Errorf("Expected state unchanged after failure, got %s", c.State())
	}
	if !bytes.Equal(before, audio.Concat(c.Chunks())) {
		t.Error("Chunk sequence changed after failed submit")
	}
	if snap := c.Snapshot(); snap.LastError == "" || !snap.CanSubmit {
		t.Errorf("Expected retryable error state, got %+v", snap)
	}

	uploader.mu.Lock()
	uploader.err = nil
	uploader.result = &evaluation.Result{Score: 50, Rank: "C"}
	uploader.mu.Unlock()

	if _, err := c.Submit(ctx); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	if !bytes.Equal(uploader.payloads[0], uploader.payloads[1]) {
		t.Error("Retry produced a different payload")
	}
	if snap := c.Snapshot(); snap.LastError != "" {
		t.Errorf("Expected last error cleared after success, got %q", snap.LastError)
	}
}

func TestCloseReleasesRecordingDevice(t *testing.T) {
	device := &mock.Device{}
	c := newTestController(device, &fakeUploader{})
	ctx := context.Background()

	c.Start(ctx)
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	c.Close(ctx)

	if r := device.Last().Releases(); r != 1 {
		t.Errorf("Expected exactly one release on teardown, got %d", r)
	}

	if err := c.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestCloseWaitsForStopInProgress(t *testing.T) {
	device := &mock.Device{}
	releasing := make(chan struct{})
	proceed := make(chan struct{})
	device.BeforeRelease = func(h *mock.Handle) {
		close(releasing)
		<-proceed
	}
	c := newTestController(device, &fakeUploader{})
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stopErr := make(chan error, 1)
	go func() {
		stopErr <- c.Stop(ctx)
	}()
	<-releasing

	closeErr := make(chan error, 1)
	go func() {
		closeErr <- c.Close(ctx)
	}()

	select {
	case err := <-closeErr:
		t.Fatalf("Close returned while the device was still held (err=%v, state=%s)", err, c.State())
	case <-time.After(50 * time.Millisecond):
	}

	close(proceed)

	if err := <-closeErr; err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := <-stopErr; err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("Expected stopped after teardown, got %s", c.State())
	}
	if r := device.Last().Releases(); r != 1 {
		t.Errorf("Expected exactly one release, got %d", r)
	}
}

func TestCloseHonoursContextWhileStopInProgress(t *testing.T) {
	device := &mock.Device{}
	releasing := make(chan struct{})
	proceed := make(chan struct{})
	device.BeforeRelease = func(h *mock.Handle) {
		close(releasing)
		<-proceed
	}
	c := newTestController(device, &fakeUploader{})
	c.Start(context.Background())

	stopErr := make(chan error, 1)
	go func() {
		stopErr <- c.Stop(context.Background())
	}()
	<-releasing

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := c.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	close(proceed)
	<-stopErr

	if snap := c.Snapshot(); snap.State != StateStopped || snap.CanStart {
		t.Errorf("Expected stopped and closed session, got %+v", snap)
	}
}

// deadlineHandle records the deadline of the context passed to Release
type deadlineHandle struct {
	deadline    time.Time
	hasDeadline bool
}

func (h *deadlineHandle) ID() string { return "deadline" }
func (h *deadlineHandle) OnChunk(handler capture.ChunkHandler) {}
func (h *deadlineHandle) Release(ctx context.Context) error {
	h.deadline, h.hasDeadline = ctx.Deadline()
	return nil
}

type deadlineDevice struct {
	handle *deadlineHandle
}

func (d *deadlineDevice) Name() string { return "deadline" }
func (d *deadlineDevice) Acquire(ctx context.Context) (capture.Handle, error) {
	return d.handle, nil
}

func TestStopReleaseBoundedByContextAndTimeout(t *testing.T) {
	tests := []struct {
		name       string
		ctxTimeout time.Duration
		maxWait    time.Duration
		minWait    time.Duration
	}{
		{"caller deadline is earlier", 100 * time.Millisecond, time.Second, 0},
		{"release timeout is earlier", time.Hour, 11 * time.Second, 9 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := &deadlineDevice{handle: &deadlineHandle{}}
			c := NewController(device, &fakeUploader{}, testLogger(), nil, Config{ReleaseTimeout: 10 * time.Second})

			ctx, cancel := context.WithTimeout(context.Background(), tt.ctxTimeout)
			defer cancel()

			if err := c.Start(ctx); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			before := time.Now()
			if err := c.Stop(ctx); err != nil {
				t.Fatalf("Stop failed: %v", err)
			}

			if !device.handle.hasDeadline {
				t.Fatal("Release received a context without deadline")
			}
			wait := device.handle.deadline.Sub(before)
			if wait > tt.maxWait || wait < tt.minWait {
				t.Errorf("Release deadline %v outside [%v, %v]", wait, tt.minWait, tt.maxWait)
			}
		})
	}
}

func TestSnapshotOmitsUnsetTimestamps(t *testing.T) {
	device := &mock.Device{}
	c := newTestController(device, &fakeUploader{})

	idle, err := json.Marshal(c.Snapshot())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(idle), "started_at") || strings.Contains(string(idle), "stopped_at") {
		t.Errorf("Expected idle snapshot without timestamps, got %s", idle)
	}

	c.Start(context.Background())
	recording, _ := json.Marshal(c.Snapshot())
	if !strings.Contains(string(recording), "started_at") || strings.Contains(string(recording), "stopped_at") {
		t.Errorf("Expected only started_at while recording, got %s", recording)
	}

	c.Stop(context.Background())
	if snap := c.Snapshot(); snap.StartedAt == nil || snap.StoppedAt == nil || snap.StoppedAt.Before(*snap.StartedAt) {
		t.Errorf("Unexpected stopped timestamps: %+v", snap)
	}
}

// blockingDevice lets a test close the controller while Acquire is pending
type blockingDevice struct {
	mock.Device
	proceed chan struct{}
}

func (d *blockingDevice) Acquire(ctx context.Context) (capture.Handle, error) {
	<-d.proceed
	return d.Device.Acquire(ctx)
}

func TestCloseDuringAcquireReleasesHandle(t *testing.T) {
	device := &blockingDevice{proceed: make(chan struct{})}
	c := newTestController(device, &fakeUploader{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Start(context.Background())
	}()

	// Wait until Start is blocked in Acquire.
	deadline := time.Now().Add(time.Second)
	for c.Snapshot().CanStart {
		if time.Now().After(deadline) {
			t.Fatal("Start never began acquiring")
		}
		time.Sleep(time.Millisecond)
	}

	c.Close(context.Background())
	close(device.proceed)

	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	if r := device.Last().Releases(); r != 1 {
		t.Errorf("Expected late handle to be released once, got %d", r)
	}
	if c.State() != StateIdle {
		t.Errorf("Expected idle, got %s", c.State())
	}
}

func TestAcquireReleasePairing(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for trial := 0; trial < 50; trial++ {
		device := &mock.Device{}
		c := newTestController(device, &fakeUploader{})

		for step := 0; step < 30; step++ {
			if rng.Intn(2) == 0 {
				c.Start(ctx)
			} else {
				c.Stop(ctx)
			}
		}
		c.Close(ctx)

		active := map[string]bool{}
		for _, ev := range device.Events() {
			kind, id, _ := strings.Cut(ev, ":")
			switch kind {
			case "acquire":
				if len(active) != 0 {
					t.Fatalf("Trial %d: acquired %s while another handle was live", trial, id)
				}
				active[id] = true
			case "release":
				if !active[id] {
					t.Fatalf("Trial %d: released %s without a live acquisition", trial, id)
				}
				delete(active, id)
			}
		}

		if len(active) != 0 {
			t.Fatalf("Trial %d: handles left unreleased after teardown: %v", trial, active)
		}

		for _, h := range device.Handles() {
			if h.Releases() != 1 {
				t.Fatalf("Trial %d: handle %s released %d times", trial, h.ID(), h.Releases())
			}
		}
	}
}

func TestConcurrentDeliveryAndStop(t *testing.T) {
	device := &mock.Device{}
	c := newTestController(device, &fakeUploader{})
	ctx := context.Background()

	c.Start(ctx)
	h := device.Last()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.Emit([]byte{byte(i)})
		}
	}()

	time.Sleep(time.Millisecond)
	c.Stop(ctx)
	frozen := len(c.Chunks())
	wg.Wait()

	if got := len(c.Chunks()); got != frozen {
		t.Errorf("Chunks appended after stop: %d -> %d", frozen, got)
	}

	for i, ch := range c.Chunks() {
		if ch.Data[0] != byte(i) {
			t.Fatalf("Chunk %d out of order: got %d", i, ch.Data[0])
		}
	}
}

func TestMetricsTrackSession(t *testing.T) {
	device := &mock.Device{}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	c := NewController(device, &fakeUploader{}, testLogger(), m, Config{})
	ctx := context.Background()

	c.Start(ctx)
	device.Last().Emit([]byte("abc"))
	device.Last().Emit(nil)
	c.Stop(ctx)

	if got := testutil.ToFloat64(m.SessionsStarted); got != 1 {
		t.Errorf("Expected 1 session started, got %f", got)
	}
	if got := testutil.ToFloat64(m.ChunksAccepted); got != 1 {
		t.Errorf("Expected 1 chunk accepted, got %f", got)
	}
	if got := testutil.ToFloat64(m.ChunksDropped.WithLabelValues("empty")); got != 1 {
		t.Errorf("Expected 1 empty chunk dropped, got %f", got)
	}
	if got := testutil.ToFloat64(m.SessionState.WithLabelValues("stopped")); got != 1 {
		t.Errorf("Expected stopped gauge set, got %f", got)
	}
	if got := testutil.ToFloat64(m.DeviceReleases); got != 1 {
		t.Errorf("Expected 1 device release, got %f", got)
	}
}
