package audio

import (
	"math"
)

// DetectorConfig holds configuration for Voice Activity Detection
type DetectorConfig struct {
	HardThreshold  float64 // Instantaneous RMS a frame must exceed to count as loud
	SoftThreshold  float64 // Windowed-average RMS required for a voice decision
	MinVoiceFrames int     // Consecutive loud frames before declaring voice
	WindowSize     int     // Capacity of the sliding RMS window
}

// DefaultDetectorConfig returns a default detector configuration
// tuned for 16kHz microphone capture.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		HardThreshold:  0.05,
		SoftThreshold:  0.02,
		MinVoiceFrames: 5,
		WindowSize:     12,
	}
}

// Decision is the result of classifying a single frame.
type Decision struct {
	RMS                    float64
	IsVoice                bool
	ConsecutiveVoiceFrames int
}

// Detector classifies audio frames as voice or silence from signal energy.
// A frame is voice only when its own RMS exceeds the hard threshold, the
// sliding-window average exceeds the soft threshold, and the run of loud
// frames has reached MinVoiceFrames. A single loud click never qualifies;
// only a sustained vocal onset does.
type Detector struct {
	cfg    DetectorConfig
	window []float64
	run    int
}

// NewDetector creates a detector. Zero-valued config fields fall back
// to the defaults.
func NewDetector(cfg DetectorConfig) *Detector {
	def := DefaultDetectorConfig()
	if cfg.HardThreshold <= 0 {
		cfg.HardThreshold = def.HardThreshold
	}
	if cfg.SoftThreshold <= 0 {
		cfg.SoftThreshold = def.SoftThreshold
	}
	if cfg.MinVoiceFrames <= 0 {
		cfg.MinVoiceFrames = def.MinVoiceFrames
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	return &Detector{
		cfg:    cfg,
		window: make([]float64, 0, cfg.WindowSize),
	}
}

// Classify appends rms to the sliding window (dropping the oldest entry
// once the window is full) and returns the voice decision for the frame.
// Before the window fills, the average is taken over the entries present.
func (d *Detector) Classify(rms float64) Decision {
	if len(d.window) == d.cfg.WindowSize {
		copy(d.window, d.window[1:])
		d.window = d.window[:len(d.window)-1]
	}
	d.window = append(d.window, rms)

	var sum float64
	for _, v := range d.window {
		sum += v
	}
	avg := sum / float64(len(d.window))

	if rms >= d.cfg.HardThreshold {
		d.run++
	} else {
		d.run = 0
	}

	voice := rms >= d.cfg.HardThreshold &&
		avg >= d.cfg.SoftThreshold &&
		d.run >= d.cfg.MinVoiceFrames

	return Decision{
		RMS:                    rms,
		IsVoice:                voice,
		ConsecutiveVoiceFrames: d.run,
	}
}

// ClassifyFrame computes the frame's RMS and classifies it in one step.
func (d *Detector) ClassifyFrame(samples []int16) Decision {
	return d.Classify(RMS(samples))
}

// Reset clears the sliding window and the voice run counter.
func (d *Detector) Reset() {
	d.window = d.window[:0]
	d.run = 0
}

// RMS computes the root-mean-square energy of a frame of 16-bit samples,
// normalized to [-1, 1]. An empty frame is silence.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
