package capture

// PortAudioConfig configures the default PortAudio input
type PortAudioConfig struct {
	SampleRate      float64
	Channels        int
	FramesPerBuffer int
	ChunkSize       int
}
