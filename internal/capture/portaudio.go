//go:build portaudio

package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/arnavgupta00/singer-selection/internal/audio"
)

// PortAudioDevice captures 16-bit little-endian PCM from the default input.
// The first chunk of every handle starts with a streaming WAV header, so the
// concatenated chunks form a playable WAV file.
type PortAudioDevice struct {
	config PortAudioConfig
	logger *slog.Logger
}

// NewPortAudioDevice validates config and creates the device
func NewPortAudioDevice(config PortAudioConfig, logger *slog.Logger) (*PortAudioDevice, error) {
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %f", config.SampleRate)
	}

	if config.Channels < 1 || config.Channels > 2 {
		return nil, fmt.Errorf("channels must be 1 or 2, got %d", config.Channels)
	}

	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = 1024
	}

	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PortAudioDevice{
		config: config,
		logger: logger,
	}, nil
}

// Name returns "portaudio:default"
func (d *PortAudioDevice) Name() string {
	return "portaudio:default"
}

// Acquire opens and starts the default input stream
func (d *PortAudioDevice) Acquire(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	header, err := audio.StreamingWAVHeader(int(d.config.SampleRate), d.config.Channels)
	if err != nil {
		return nil, unavailable(d.Name(), err)
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, unavailable(d.Name(), err)
	}

	samples := make([]int16, d.config.FramesPerBuffer*d.config.Channels)
	stream, err := portaudio.OpenDefaultStream(d.config.Channels, 0, d.config.SampleRate, d.config.FramesPerBuffer, samples)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, unavailable(d.Name(), err)
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, unavailable(d.Name(), err)
	}

	src := &pcmReader{stream: stream, samples: samples}

	h := newStreamHandle(io.MultiReader(bytes.NewReader(header), src), d.config.ChunkSize, d.logger)
	h.halt = src.halt
	h.finish = func(context.Context) error {
		return errors.Join(stream.Stop(), stream.Close(), portaudio.Terminate())
	}

	d.logger.Info("PortAudio input opened",
		slog.String("handle_id", h.id),
		slog.Float64("sample_rate", d.config.SampleRate),
		slog.Int("channels", d.config.Channels),
		slog.Int("frames_per_buffer", d.config.FramesPerBuffer),
	)

	return h, nil
}

// pcmReader adapts a blocking PortAudio input stream to io.Reader
type pcmReader struct {
	stream  *portaudio.Stream
	samples []int16
	encoded []byte
	pending []byte
	halted  atomic.Bool
}

func (r *pcmReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		if r.halted.Load() {
			return 0, io.EOF
		}

		// An overflow still leaves a full buffer of usable frames.
		if err := r.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			return 0, err
		}

		r.encoded = r.encoded[:0]
		for _, s := range r.samples {
			r.encoded = binary.LittleEndian.AppendUint16(r.encoded, uint16(s))
		}
		r.pending = r.encoded
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *pcmReader) halt() error {
	r.halted.Store(true)
	return nil
}
