package client

import (
	"sync"

	"github.com/vibeme/voice-agent/internal/audio"
)

// Player plays synthesized audio clips. Implementations decode the
// compressed payload; Stop must be safe to call when nothing is playing.
type Player interface {
	Play(payload []byte, contentType string) error
	Stop()
}

// Coordinator mirrors the server's VAD over locally captured frames so
// in-flight playback can be silenced within one frame's latency instead of
// a network round trip. It also gates incoming audio responses: a reply
// arriving while the user is talking is dropped, never queued.
type Coordinator struct {
	mu           sync.Mutex
	vad          *audio.Detector
	player       Player
	onInterrupt  func() // best-effort stop-tts notify, must not block
	playing      bool
	userSpeaking bool
}

// NewCoordinator creates a coordinator. onInterrupt may be nil.
func NewCoordinator(cfg audio.DetectorConfig, player Player, onInterrupt func()) *Coordinator {
	return &Coordinator{
		vad:         audio.NewDetector(cfg),
		player:      player,
		onInterrupt: onInterrupt,
	}
}

// HandleCaptureFrame classifies one locally captured frame and reports
// whether it triggered a local interrupt (playback stopped, stop-tts due).
func (c *Coordinator) HandleCaptureFrame(samples []int16) bool {
	c.mu.Lock()
	decision := c.vad.ClassifyFrame(samples)

	interrupted := false
	if decision.IsVoice && !c.userSpeaking && c.playing {
		c.player.Stop()
		c.playing = false
		interrupted = true
	}
	c.userSpeaking = decision.IsVoice
	notify := c.onInterrupt
	c.mu.Unlock()

	if interrupted && notify != nil {
		go notify()
	}
	return interrupted
}

// HandleAudioResponse plays a synthesized reply, replacing any clip that is
// still playing. Returns false when the payload was dropped because the
// user is currently speaking.
func (c *Coordinator) HandleAudioResponse(payload []byte, contentType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.userSpeaking {
		return false
	}
	if c.playing {
		c.player.Stop()
	}
	if err := c.player.Play(payload, contentType); err != nil {
		c.playing = false
		return false
	}
	c.playing = true
	return true
}

// HandleStopPlayback applies a server-initiated stop.
func (c *Coordinator) HandleStopPlayback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing {
		c.player.Stop()
		c.playing = false
	}
}

// PlaybackFinished marks the current clip as done playing.
func (c *Coordinator) PlaybackFinished() {
	c.mu.Lock()
	c.playing = false
	c.mu.Unlock()
}

// Playing reports whether a clip is believed to be playing.
func (c *Coordinator) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}
