package client

import (
	"sync"

	"github.com/vibeme/voice-agent/internal/audio"
)

// LevelFunc receives the normalized mouth-openness level in [0, 1].
type LevelFunc func(level float64)

// LevelMeter derives a mouth-openness signal from the PCM of the clip
// currently playing, for the avatar animation layer. Feed is expected on a
// frame cadence while audio plays; the callback falls silent once Stop is
// called (after emitting a final 0 so the mouth closes).
type LevelMeter struct {
	mu     sync.Mutex
	fn     LevelFunc
	recent []float64
	size   int
	active bool
}

// NewLevelMeter creates a meter averaging over windowSize recent frames.
func NewLevelMeter(windowSize int, fn LevelFunc) *LevelMeter {
	if windowSize < 1 {
		windowSize = 4
	}
	return &LevelMeter{fn: fn, size: windowSize}
}

// Start begins emitting levels.
func (m *LevelMeter) Start() {
	m.mu.Lock()
	m.active = true
	m.recent = m.recent[:0]
	m.mu.Unlock()
}

// Stop closes the mouth and silences the callback.
func (m *LevelMeter) Stop() {
	m.mu.Lock()
	wasActive := m.active
	m.active = false
	m.recent = m.recent[:0]
	fn := m.fn
	m.mu.Unlock()

	if wasActive && fn != nil {
		fn(0)
	}
}

// Feed processes one frame of decoded playback PCM.
func (m *LevelMeter) Feed(samples []int16) {
	m.mu.Lock()
	if !m.active || m.fn == nil {
		m.mu.Unlock()
		return
	}
	if len(m.recent) == m.size {
		copy(m.recent, m.recent[1:])
		m.recent = m.recent[:len(m.recent)-1]
	}
	m.recent = append(m.recent, audio.RMS(samples))

	var sum float64
	for _, v := range m.recent {
		sum += v
	}
	avg := sum / float64(len(m.recent))
	fn := m.fn
	m.mu.Unlock()

	// Loudness-to-openness curve: amplify and clamp to [0, 1].
	level := avg * 5
	if level > 1 {
		level = 1
	}
	fn(level)
}
