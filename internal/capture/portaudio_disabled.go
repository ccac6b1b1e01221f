//go:build !portaudio

package capture

import (
	"context"
	"errors"
	"log/slog"
)

// ErrPortAudioDisabled is returned when the binary was built without the
// portaudio tag.
var ErrPortAudioDisabled = errors.New("portaudio support not compiled in; rebuild with -tags portaudio")

// PortAudioDevice is unavailable in this build
type PortAudioDevice struct{}

// NewPortAudioDevice always fails in builds without the portaudio tag
func NewPortAudioDevice(config PortAudioConfig, logger *slog.Logger) (*PortAudioDevice, error) {
	return nil, ErrPortAudioDisabled
}

// Name returns "portaudio:disabled"
func (d *PortAudioDevice) Name() string {
	return "portaudio:disabled"
}

// Acquire always reports the device as unavailable
func (d *PortAudioDevice) Acquire(ctx context.Context) (Handle, error) {
	return nil, unavailable(d.Name(), ErrPortAudioDisabled)
}
