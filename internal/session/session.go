package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vibeme/voice-agent/internal/ai"
	"github.com/vibeme/voice-agent/internal/audio"
	"github.com/vibeme/voice-agent/internal/config"
	"github.com/vibeme/voice-agent/internal/observability"
	"github.com/vibeme/voice-agent/internal/resilience"
)

// State is the session's position in the call lifecycle.
type State int

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateGenerating
	StateSynthesizing
	StateSpeaking
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSynthesizing:
		return "synthesizing"
	case StateSpeaking:
		return "speaking"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Events delivers outbound session events to the client. Implemented by the
// transport's connection writer and by fakes in tests.
type Events interface {
	SendConversation(user, assistant string, ts time.Time)
	SendAudio(payload []byte, contentType string)
	SendStopPlayback()
	SendError(message string)
}

// Capabilities are the external engines a session drives. A nil field means
// that capability is unavailable; the session degrades rather than failing.
type Capabilities struct {
	Transcriber ai.Transcriber
	Responder   ai.Responder
	Synthesizer ai.Synthesizer
}

// Degraded reports whether turns must short-circuit to the fixed
// unavailable reply.
func (c Capabilities) Degraded() bool {
	return c.Responder == nil
}

// Session is the per-call state machine. It owns the audio buffer and VAD
// state, runs the transcribe→generate→synthesize pipeline one turn at a
// time, and invalidates in-flight results after an interrupt via a
// monotonically increasing generation counter.
type Session struct {
	ID string

	cfg    *config.Config
	caps   Capabilities
	events Events
	logger zerolog.Logger
	m      *observability.SessionMetrics

	mu           sync.Mutex
	state        State
	history      []ai.Message
	buffer       *audio.StreamBuffer
	vad          *audio.Detector
	userSpeaking bool
	playing      bool // assistant audio believed to be playing client-side
	generation   uint64
	silenceTimer *time.Timer
	welcomeTimer *time.Timer
	welcomeSent  bool
}

// New creates a session in Idle.
func New(cfg *config.Config, caps Capabilities, events Events) *Session {
	id := uuid.New().String()
	return &Session{
		ID:     id,
		cfg:    cfg,
		caps:   caps,
		events: events,
		logger: observability.WithSession(id),
		m:      observability.NewSessionMetrics(id),
		state:  StateIdle,
		buffer: audio.NewStreamBuffer(),
		vad: audio.NewDetector(audio.DetectorConfig{
			HardThreshold:  cfg.VADHardThreshold,
			SoftThreshold:  cfg.VADSoftThreshold,
			MinVoiceFrames: cfg.VADMinVoiceFrames,
			WindowSize:     cfg.VADWindowSize,
		}),
	}
}

// Start moves the session from Idle to Listening and schedules the welcome
// utterance.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start call in state %s", state)
	}
	s.state = StateListening
	s.vad.Reset()
	s.buffer.DrainAll()
	if s.cfg.WelcomeEnabled {
		s.welcomeTimer = time.AfterFunc(s.cfg.WelcomeDelay, s.sendWelcome)
	}
	s.mu.Unlock()

	s.logger.Info().Msg("Call started")
	return nil
}

// sendWelcome synthesizes and dispatches the greeting exactly once,
// bypassing the transcription stage. It is not recorded in history.
func (s *Session) sendWelcome() {
	s.mu.Lock()
	if s.state == StateEnded || s.welcomeSent {
		s.mu.Unlock()
		return
	}
	s.welcomeSent = true
	gen := s.generation
	s.mu.Unlock()

	text := s.cfg.WelcomeText
	var speech *ai.Speech
	if s.caps.Synthesizer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TurnTimeout)
		defer cancel()

		s.m.RecordStageStart("synthesize")
		var err error
		speech, err = s.caps.Synthesizer.Synthesize(ctx, text)
		s.m.RecordStageEnd("synthesize", err == nil)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Welcome synthesis failed")
			speech = nil
		}
	}

	s.mu.Lock()
	if s.state == StateEnded || gen != s.generation {
		s.mu.Unlock()
		return
	}
	if speech != nil {
		s.playing = true
	}
	s.mu.Unlock()

	s.events.SendConversation("", text, time.Now())
	if speech != nil {
		s.m.RecordAudioBytes("out", int64(len(speech.Audio)))
		s.events.SendAudio(speech.Audio, speech.ContentType)
	}
	s.logger.Info().Msg("Welcome utterance dispatched")
}

// Ingest processes one captured audio frame: VAD evaluation, interrupt
// detection, buffering while Listening, and the transcription triggers.
// Frames arriving in any other state are dropped, not queued.
func (s *Session) Ingest(samples []int16) {
	s.m.RecordAudioBytes("in", int64(len(samples))*2)

	s.mu.Lock()
	if s.state == StateIdle || s.state == StateEnded {
		s.mu.Unlock()
		return
	}

	decision := s.vad.ClassifyFrame(samples)

	interrupted := false
	if decision.IsVoice && !s.userSpeaking && s.playing {
		// User started talking over assistant playback: invalidate every
		// in-flight synthesis result and tell the client to stop.
		s.generation++
		s.playing = false
		interrupted = true
		s.m.RecordInterrupt()
	}
	s.userSpeaking = decision.IsVoice

	if s.state == StateListening {
		s.buffer.Append(samples)
		if decision.IsVoice || s.silenceTimer == nil {
			s.resetSilenceTimerLocked()
		}
		if s.buffer.Len() >= s.cfg.TranscribeMinSamples {
			s.beginTurnLocked("size threshold")
		}
	}
	s.mu.Unlock()

	if interrupted {
		s.logger.Info().Msg("Voice activity interrupt, stopping playback")
		s.events.SendStopPlayback()
	}
}

// resetSilenceTimerLocked re-arms the silence fallback trigger. Callers
// must hold s.mu.
func (s *Session) resetSilenceTimerLocked() {
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
	}
	s.silenceTimer = time.AfterFunc(s.cfg.SilenceTimeout, s.onSilenceTimeout)
}

// onSilenceTimeout is the fallback trigger for trailing short utterances
// that never reach the size threshold.
func (s *Session) onSilenceTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateListening || s.buffer.Len() == 0 {
		return
	}
	s.beginTurnLocked("silence timeout")
}

// beginTurnLocked transitions Listening→Transcribing, cancels the other
// trigger, and starts the turn pipeline. Callers must hold s.mu.
func (s *Session) beginTurnLocked(trigger string) {
	if s.state != StateListening {
		return
	}
	s.state = StateTranscribing
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	pcm := s.buffer.DrainAll()
	gen := s.generation

	s.logger.Debug().Str("trigger", trigger).Int("samples", len(pcm)).Msg("Transcription triggered")
	go s.runTurn(pcm, gen)
}

// runTurn executes one transcribe→generate→synthesize pipeline. Stage
// failures are demoted to a return to Listening; results are checked
// against session state and generation before they are applied.
func (s *Session) runTurn(pcm []int16, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TurnTimeout)
	defer cancel()

	if s.caps.Degraded() {
		s.finishDegradedTurn()
		return
	}

	userText, ok := s.transcribe(ctx, pcm)
	if !ok {
		return
	}

	reply, ok := s.generate(ctx, userText)
	if !ok {
		return
	}

	s.synthesizeAndDispatch(ctx, gen, userText, reply)
}

// finishDegradedTurn short-circuits a turn with the fixed unavailable
// reply; synthesis is skipped.
func (s *Session) finishDegradedTurn() {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateListening
	s.mu.Unlock()

	s.m.RecordTurn("degraded")
	s.events.SendConversation("", s.cfg.UnavailableText, time.Now())
}

// transcribe drains the clip through the transcription capability.
// A false return means the turn is over and state has been restored.
func (s *Session) transcribe(ctx context.Context, pcm []int16) (string, bool) {
	s.m.RecordStageStart("transcribe")
	text, err := s.caps.Transcriber.Transcribe(ctx, pcm, s.cfg.TranscribeLanguage)
	s.m.RecordStageEnd("transcribe", err == nil)

	if err != nil {
		s.abortTurn("transcribe", err)
		return "", false
	}
	if strings.TrimSpace(text) == "" {
		// Silence misfire: no reply attempted.
		s.logger.Debug().Msg("Empty transcript, discarding turn")
		s.m.RecordTurn("empty")
		s.backToListening()
		return "", false
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return "", false
	}
	s.state = StateGenerating
	s.mu.Unlock()
	return text, true
}

// generate produces the assistant reply and records the (user, assistant)
// pair in history on success.
func (s *Session) generate(ctx context.Context, userText string) (string, bool) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return "", false
	}
	// Trailing unmatched user entry while the reply is in flight.
	s.history = append(s.history, ai.Message{Role: ai.RoleUser, Content: userText})
	historyBefore := make([]ai.Message, len(s.history)-1)
	copy(historyBefore, s.history[:len(s.history)-1])
	s.mu.Unlock()

	s.m.RecordStageStart("generate")
	reply, err := s.caps.Responder.Reply(ctx, userText, historyBefore)
	s.m.RecordStageEnd("generate", err == nil)

	if err != nil {
		s.mu.Lock()
		// No assistant turn recorded on failure; drop the trailing user entry.
		if n := len(s.history); n > 0 && s.history[n-1].Role == ai.RoleUser {
			s.history = s.history[:n-1]
		}
		s.mu.Unlock()
		s.abortTurn("generate", err)
		return "", false
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return "", false
	}
	s.history = append(s.history, ai.Message{Role: ai.RoleAssistant, Content: reply})
	s.trimHistoryLocked()
	s.state = StateSynthesizing
	s.mu.Unlock()
	return reply, true
}

// synthesizeAndDispatch runs the synthesis stage and dispatches the turn's
// results, unless the generation moved on while synthesis was in flight.
func (s *Session) synthesizeAndDispatch(ctx context.Context, gen uint64, userText, reply string) {
	var speech *ai.Speech
	if s.caps.Synthesizer != nil {
		s.m.RecordStageStart("synthesize")
		var err error
		speech, err = s.caps.Synthesizer.Synthesize(ctx, reply)
		s.m.RecordStageEnd("synthesize", err == nil)
		if err != nil {
			// The turn's text survives; only audio is lost.
			s.reportCapabilityError("synthesize", err)
			speech = nil
		}
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	if gen != s.generation {
		// Interrupted while synthesis was in flight: stale result, never
		// dispatched.
		s.state = StateListening
		s.mu.Unlock()
		s.logger.Debug().Uint64("generation", gen).Msg("Discarding stale synthesis result")
		s.m.RecordTurn("stale")
		return
	}
	s.state = StateSpeaking
	if speech != nil {
		s.playing = true
	}
	s.mu.Unlock()

	s.events.SendConversation(userText, reply, time.Now())
	if speech != nil {
		s.m.RecordAudioBytes("out", int64(len(speech.Audio)))
		s.events.SendAudio(speech.Audio, speech.ContentType)
	}
	s.m.RecordTurn("completed")

	// Speaking is transient server-side; real playback state lives on the
	// client and is only honored through the generation counter.
	s.mu.Lock()
	if s.state == StateSpeaking {
		s.state = StateListening
	}
	s.mu.Unlock()
}

// abortTurn demotes a stage failure to a no-op turn.
func (s *Session) abortTurn(stage string, err error) {
	s.logger.Warn().Err(err).Str("stage", stage).Msg("Turn aborted")
	s.m.RecordTurn("failed")
	s.m.RecordError(stage+"_error", "session")
	s.reportCapabilityError(stage, err)
	s.backToListening()
}

// reportCapabilityError surfaces an error to the client only when the
// capability is persistently down (open breaker); single transient
// failures stay silent and the next utterance is the retry.
func (s *Session) reportCapabilityError(stage string, err error) {
	if errors.Is(err, resilience.ErrOpen) {
		s.events.SendError(fmt.Sprintf("%s service unavailable, please try again later", stage))
	}
}

func (s *Session) backToListening() {
	s.mu.Lock()
	if s.state != StateEnded {
		s.state = StateListening
	}
	s.mu.Unlock()
}

// trimHistoryLocked drops oldest whole pairs once the cap is exceeded so
// turns stay aligned. Callers must hold s.mu.
func (s *Session) trimHistoryLocked() {
	limit := s.cfg.HistoryLimit
	for len(s.history) > limit {
		drop := 2
		if drop > len(s.history) {
			drop = len(s.history)
		}
		s.history = s.history[drop:]
	}
}

// PlaybackStopped handles the client's informational stop-tts notice after
// it locally interrupted playback. It does not change buffering.
func (s *Session) PlaybackStopped() {
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
	s.logger.Debug().Msg("Client reported local playback stop")
}

// End moves the session to the terminal Ended state from anywhere.
// In-flight pipeline stages observe Ended and drop their results.
func (s *Session) End() {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	s.generation++
	s.buffer.DrainAll()
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	if s.welcomeTimer != nil {
		s.welcomeTimer.Stop()
		s.welcomeTimer = nil
	}
	s.mu.Unlock()

	s.m.RecordSessionEnd()
	s.logger.Info().Msg("Call ended")
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the current interrupt generation counter.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// History returns a copy of the conversation history.
func (s *Session) History() []ai.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ai.Message, len(s.history))
	copy(out, s.history)
	return out
}

// BufferedSamples returns the current buffered sample count.
func (s *Session) BufferedSamples() int {
	return s.buffer.Len()
}
