package synthetic

import (
	"math"
	"sync"
	"time"

	"github.com/norasector/biostream/pkg/biostream/device"
	"github.com/pkg/errors"
)

// maxPullSamples caps a single pull, like a hardware ring buffer that overwrote older data.
const maxPullSamples = 1 << 16

// SyntheticDevice emits one sine wave per channel. Each pull returns every sample that became
// due since the previous pull.
type SyntheticDevice struct {
	channels   int
	sampleRate int
	amplitude  float64
	now        func() time.Time

	mu        sync.Mutex
	streaming bool
	startedAt time.Time
	emitted   int64
}

func NewSyntheticDevice(channels, sampleRate int) (*SyntheticDevice, error) {
	if channels <= 0 {
		return nil, errors.New("synthetic: channel count must be positive")
	}
	if sampleRate <= 0 {
		return nil, errors.New("synthetic: sample rate must be positive")
	}
	return &SyntheticDevice{
		channels:   channels,
		sampleRate: sampleRate,
		amplitude:  50,
		now:        time.Now,
	}, nil
}

func (s *SyntheticDevice) Prepare() error {
	return nil
}

func (s *SyntheticDevice) StartStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = true
	s.startedAt = s.now()
	s.emitted = 0
	return nil
}

func (s *SyntheticDevice) StopStream() error {
	s.mu.Lock()
	s.streaming = false
	s.mu.Unlock()
	return nil
}

func (s *SyntheticDevice) Pull() (device.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming {
		return device.Block{}, nil
	}

	due := int64(s.now().Sub(s.startedAt).Seconds() * float64(s.sampleRate))
	n := due - s.emitted
	if n <= 0 {
		return device.Block{}, nil
	}
	if n > maxPullSamples {
		s.emitted = due - maxPullSamples
		n = maxPullSamples
	}

	out := make([][]float64, s.channels)
	for ch := range out {
		// 1Hz apart starting at 2Hz so channels are distinguishable on a plot
		freq := float64(ch + 2)
		out[ch] = make([]float64, n)
		for i := int64(0); i < n; i++ {
			t := float64(s.emitted+i) / float64(s.sampleRate)
			out[ch][i] = s.amplitude * math.Sin(2*math.Pi*freq*t)
		}
	}
	s.emitted += n
	return device.NewBlock(out)
}
