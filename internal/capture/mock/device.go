// Package mock provides test doubles for the capture device adapter.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/arnavgupta00/singer-selection/internal/capture"
)

// Device is a scriptable capture.Device that records every acquire and release.
type Device struct {
	// Err is returned by Acquire when non-nil, allowing error injection.
	Err error

	// BeforeRelease runs inside Handle.Release before the handle is marked
	// released, allowing a final chunk to be flushed the way a real recorder
	// does on interrupt.
	BeforeRelease func(h *Handle)

	mu      sync.Mutex
	handles []*Handle
	events  []string
	seq     int
}

// Name returns "mock"
func (d *Device) Name() string {
	return "mock"
}

// Acquire returns a new Handle, or Err when set.
func (d *Device) Acquire(ctx context.Context) (capture.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Err != nil {
		return nil, d.Err
	}

	d.seq++
	h := &Handle{id: fmt.Sprintf("mock-%d", d.seq), device: d}
	d.handles = append(d.handles, h)
	d.events = append(d.events, "acquire:"+h.id)
	return h, nil
}

// Handles returns every handle handed out so far.
func (d *Device) Handles() []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Handle, len(d.handles))
	copy(out, d.handles)
	return out
}

// Last returns the most recently acquired handle, or nil.
func (d *Device) Last() *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

// Events returns the ordered "acquire:<id>" / "release:<id>" log.
func (d *Device) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.events))
	copy(out, d.events)
	return out
}

func (d *Device) record(event string) {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
}

// Handle is a capture.Handle whose chunks are pushed by the test via Emit.
type Handle struct {
	id     string
	device *Device

	mu       sync.Mutex
	handler  capture.ChunkHandler
	releases int
}

// ID returns the handle identifier
func (h *Handle) ID() string {
	return h.id
}

// OnChunk stores the first handler registered before release.
func (h *Handle) OnChunk(handler capture.ChunkHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handler == nil && h.releases == 0 {
		h.handler = handler
	}
}

// Emit delivers data to the registered handler even after release, which
// lets tests simulate late deliveries from a stale handle. It reports
// whether a handler was registered.
func (h *Handle) Emit(data []byte) bool {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()

	if handler == nil {
		return false
	}
	handler(data)
	return true
}

// Release counts calls; only the first is recorded as a device event.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	first := h.releases == 0
	h.mu.Unlock()

	if first && h.device.BeforeRelease != nil {
		h.device.BeforeRelease(h)
	}

	h.mu.Lock()
	h.releases++
	h.mu.Unlock()

	if first {
		h.device.record("release:" + h.id)
	}
	return nil
}

// Releases returns how many times Release was called
func (h *Handle) Releases() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releases
}
