package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioBackend captures microphone audio through PortAudio using
// blocking reads on a dedicated goroutine.
type PortAudioBackend struct {
	mu          sync.Mutex
	initialized bool
}

// NewPortAudioBackend initializes the PortAudio library.
func NewPortAudioBackend() (*PortAudioBackend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	return &PortAudioBackend{initialized: true}, nil
}

// Terminate releases the PortAudio library. Open streams must be
// closed first.
func (b *PortAudioBackend) Terminate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil
	}
	b.initialized = false

	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate portaudio: %w", err)
	}
	return nil
}

// Open opens a capture stream. Frames are read in int16 and converted
// to float32 in [-1, 1] before delivery.
func (b *PortAudioBackend) Open(cfg StreamConfig, onFrame func([]float32)) (Stream, error) {
	in := make([]int16, cfg.FrameSize*cfg.Channels)

	var stream *portaudio.Stream
	var err error

	if cfg.DeviceID < 0 {
		stream, err = portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), len(in), in)
	} else {
		devices, derr := portaudio.Devices()
		if derr != nil {
			return nil, fmt.Errorf("failed to enumerate audio devices: %w", derr)
		}
		if cfg.DeviceID >= len(devices) {
			return nil, fmt.Errorf("device_id %d out of range (have %d devices)", cfg.DeviceID, len(devices))
		}
		dev := devices[cfg.DeviceID]
		params := portaudio.StreamParameters{
			Input: portaudio.StreamDeviceParameters{
				Device:   dev,
				Channels: cfg.Channels,
				Latency:  dev.DefaultLowInputLatency,
			},
			SampleRate:      float64(cfg.SampleRate),
			FramesPerBuffer: len(in),
		}
		stream, err = portaudio.OpenStream(params, in)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open portaudio stream: %w", err)
	}

	return &portAudioStream{
		stream:  stream,
		in:      in,
		onFrame: onFrame,
	}, nil
}

type portAudioStream struct {
	stream  *portaudio.Stream
	in      []int16
	onFrame func([]float32)

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// Start begins the blocking-read loop.
func (s *portAudioStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("failed to start portaudio stream: %w", err)
	}

	s.running = true
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.readLoop(s.done)

	return nil
}

// Stop halts frame delivery and stops the device stream.
func (s *portAudioStream) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()

	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("failed to stop portaudio stream: %w", err)
	}
	return nil
}

// Close releases the device stream.
func (s *portAudioStream) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("failed to close portaudio stream: %w", err)
	}
	return nil
}

func (s *portAudioStream) readLoop(done chan struct{}) {
	defer s.wg.Done()

	frame := make([]float32, len(s.in))
	for {
		select {
		case <-done:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			// Overflows happen when the consumer stalls briefly; the
			// next read resynchronizes.
			if err == portaudio.InputOverflowed {
				continue
			}
			return
		}

		for i, v := range s.in {
			frame[i] = float32(v) / 32768.0
		}
		s.onFrame(frame)
	}
}
