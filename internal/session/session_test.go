package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vibeme/voice-agent/internal/ai"
	"github.com/vibeme/voice-agent/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		SampleRate:           16000,
		VADHardThreshold:     0.05,
		VADSoftThreshold:     0.02,
		VADMinVoiceFrames:    5,
		VADWindowSize:        12,
		TranscribeMinSamples: 1600, // 10 frames of 160 samples
		SilenceTimeout:       60 * time.Millisecond,
		TurnTimeout:          5 * time.Second,
		WelcomeEnabled:       false,
		WelcomeText:          "Hello there!",
		WelcomeDelay:         10 * time.Millisecond,
		TranscribeLanguage:   "en",
		HistoryLimit:         20,
		UnavailableText:      "Sorry, the assistant service is currently unavailable.",
	}
}

func voiceFrame() []int16 {
	f := make([]int16, 160)
	for i := range f {
		f[i] = 8000
	}
	return f
}

type convRecord struct {
	user      string
	assistant string
}

// fakeEvents records everything the session emits.
type fakeEvents struct {
	mu            sync.Mutex
	conversations []convRecord
	audio         [][]byte
	stops         int
	errors        []string
}

func (f *fakeEvents) SendConversation(user, assistant string, ts time.Time) {
	f.mu.Lock()
	f.conversations = append(f.conversations, convRecord{user, assistant})
	f.mu.Unlock()
}

func (f *fakeEvents) SendAudio(payload []byte, contentType string) {
	f.mu.Lock()
	f.audio = append(f.audio, payload)
	f.mu.Unlock()
}

func (f *fakeEvents) SendStopPlayback() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeEvents) SendError(message string) {
	f.mu.Lock()
	f.errors = append(f.errors, message)
	f.mu.Unlock()
}

func (f *fakeEvents) counts() (conversations, audio, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conversations), len(f.audio), f.stops
}

func (f *fakeEvents) conversation(i int) convRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversations[i]
}

type fakeTranscriber struct {
	text  string
	err   error
	block chan struct{} // when non-nil, Transcribe waits for a close
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, samples []int16, language string) (string, error) {
	if f.block != nil {
		<-f.block
	}
	return f.text, f.err
}

type fakeResponder struct {
	reply string
	err   error
}

func (f *fakeResponder) Reply(ctx context.Context, userText string, history []ai.Message) (string, error) {
	return f.reply, f.err
}

type fakeSynthesizer struct {
	err   error
	block chan struct{}
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) (*ai.Speech, error) {
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &ai.Speech{Audio: []byte("mp3:" + text), ContentType: "audio/mpeg"}, nil
}

func workingCaps() Capabilities {
	return Capabilities{
		Transcriber: &fakeTranscriber{text: "what's the weather"},
		Responder:   &fakeResponder{reply: "It's sunny today."},
		Synthesizer: &fakeSynthesizer{},
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", msg)
}

// streamVoice ingests enough loud frames to hit the size trigger.
func streamVoice(s *Session) {
	for i := 0; i < 10; i++ {
		s.Ingest(voiceFrame())
	}
}

func TestSession_StartFromIdleOnly(t *testing.T) {
	s := New(testConfig(), workingCaps(), &fakeEvents{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State() != StateListening {
		t.Errorf("Expected listening after start, got %s", s.State())
	}
	if err := s.Start(); err == nil {
		t.Error("Expected second start to be rejected")
	}
}

func TestSession_WelcomeUtterance(t *testing.T) {
	cfg := testConfig()
	cfg.WelcomeEnabled = true
	events := &fakeEvents{}
	s := New(cfg, workingCaps(), events)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, func() bool {
		c, a, _ := events.counts()
		return c == 1 && a == 1
	}, "welcome dispatch")

	// Exactly one of each, with an empty user field.
	time.Sleep(50 * time.Millisecond)
	c, a, _ := events.counts()
	if c != 1 || a != 1 {
		t.Errorf("Expected exactly one conversation and one audio, got %d/%d", c, a)
	}
	if rec := events.conversation(0); rec.user != "" || rec.assistant != cfg.WelcomeText {
		t.Errorf("Unexpected welcome record: %+v", rec)
	}
	if len(s.History()) != 0 {
		t.Error("Welcome must not be recorded in history")
	}
}

func TestSession_CompleteTurn(t *testing.T) {
	events := &fakeEvents{}
	s := New(testConfig(), workingCaps(), events)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	streamVoice(s)

	waitFor(t, func() bool {
		c, a, _ := events.counts()
		return c == 1 && a == 1
	}, "turn completion")

	rec := events.conversation(0)
	if rec.user != "what's the weather" {
		t.Errorf("Expected transcript in conversation, got %q", rec.user)
	}
	if rec.assistant != "It's sunny today." {
		t.Errorf("Expected reply in conversation, got %q", rec.assistant)
	}

	waitFor(t, func() bool { return s.State() == StateListening }, "return to listening")

	history := s.History()
	if len(history) != 2 {
		t.Fatalf("Expected one (user, assistant) pair, got %d entries", len(history))
	}
	if history[0].Role != ai.RoleUser || history[1].Role != ai.RoleAssistant {
		t.Errorf("Unexpected history roles: %v, %v", history[0].Role, history[1].Role)
	}
}

func TestSession_SilenceTimeoutTrigger(t *testing.T) {
	events := &fakeEvents{}
	s := New(testConfig(), workingCaps(), events)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// A short utterance that never reaches the size threshold.
	for i := 0; i < 3; i++ {
		s.Ingest(voiceFrame())
	}

	waitFor(t, func() bool {
		c, _, _ := events.counts()
		return c == 1
	}, "silence timeout trigger")
}

func TestSession_EmptyTranscriptDiscarded(t *testing.T) {
	events := &fakeEvents{}
	caps := workingCaps()
	caps.Transcriber = &fakeTranscriber{text: "   "}
	s := New(testConfig(), caps, events)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	streamVoice(s)
	waitFor(t, func() bool { return s.State() == StateListening && s.BufferedSamples() == 0 }, "discarded turn")

	time.Sleep(30 * time.Millisecond)
	c, a, _ := events.counts()
	if c != 0 || a != 0 {
		t.Errorf("Expected no output for silence misfire, got %d/%d", c, a)
	}
	if len(s.History()) != 0 {
		t.Error("Expected no history entries for discarded turn")
	}
}

func TestSession_TranscribeFailureIsNoOpTurn(t *testing.T) {
	events := &fakeEvents{}
	caps := workingCaps()
	caps.Transcriber = &fakeTranscriber{err: fmt.Errorf("upstream timeout")}
	s := New(testConfig(), caps, events)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	streamVoice(s)
	waitFor(t, func() bool { return s.State() == StateListening }, "recovery to listening")

	c, a, _ := events.counts()
	if c != 0 || a != 0 {
		t.Errorf("Expected no output after transcribe failure, got %d/%d", c, a)
	}
}

func TestSession_GenerateFailureDropsUserEntry(t *testing.T) {
	events := &fakeEvents{}
	caps := workingCaps()
	caps.Responder = &fakeResponder{err: fmt.Errorf("rate limited")}
	s := New(testConfig(), caps, events)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	streamVoice(s)
	waitFor(t, func() bool { return s.State() == StateListening }, "recovery to listening")

	if len(s.History()) != 0 {
		t.Errorf("Expected no history after generate failure, got %d entries", len(s.History()))
	}
	c, _, _ := events.counts()
	if c != 0 {
		t.Errorf("Expected no conversation after generate failure, got %d", c)
	}
}

func TestSession_SynthesisFailureKeepsText(t *testing.T) {
	events := &fakeEvents{}
	caps := workingCaps()
	caps.Synthesizer = &fakeSynthesizer{err: fmt.Errorf("voice model down")}
	s := New(testConfig(), caps, events)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	streamVoice(s)
	waitFor(t, func() bool {
		c, _, _ := events.counts()
		return c == 1
	}, "text-only turn")

	_, a, _ := events.counts()
	if a != 0 {
		t.Errorf("Expected no audio after synthesis failure, got %d", a)
	}
	if len(s.History()) != 2 {
		t.Errorf("Expected history pair to survive synthesis failure, got %d", len(s.History()))
	}
}

func TestSession_InterruptInvalidatesInFlightSynthesis(t *testing.T) {
	cfg := testConfig()
	cfg.WelcomeEnabled = true
	cfg.TranscribeMinSamples = 640 // 4 frames, so the turn starts before the VAD run completes

	events := &fakeEvents{}
	synth := &fakeSynthesizer{}
	caps := workingCaps()
	caps.Synthesizer = synth
	s := New(cfg, caps, events)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Welcome audio is dispatched; the assistant is now playing client-side.
	waitFor(t, func() bool {
		_, a, _ := events.counts()
		return a == 1
	}, "welcome audio")

	// The user's reply buffers up and triggers a turn, then the sustained
	// voice onset over playback fires the interrupt while that turn's
	// synthesis is still in flight.
	block := make(chan struct{})
	synth.block = block
	genBefore := s.Generation()
	for i := 0; i < 10; i++ {
		s.Ingest(voiceFrame())
	}

	waitFor(t, func() bool { return s.Generation() == genBefore+1 }, "generation bump")
	_, _, stops := events.counts()
	if stops != 1 {
		t.Errorf("Expected one stop-playback signal, got %d", stops)
	}

	// Release the stale synthesis; its result must never be dispatched.
	close(block)
	waitFor(t, func() bool { return s.State() == StateListening }, "stale turn resolution")
	time.Sleep(30 * time.Millisecond)

	c, a, _ := events.counts()
	if a != 1 {
		t.Errorf("Expected stale synthesis to be discarded, got %d audio messages", a)
	}
	if c != 1 {
		t.Errorf("Expected no conversation from the stale turn, got %d", c)
	}
	if s.Generation() != genBefore+1 {
		t.Errorf("Expected generation to increase by exactly 1, got %d -> %d", genBefore, s.Generation())
	}
	if len(s.History()) != 2 {
		t.Errorf("Expected interrupted turn to stay in history, got %d entries", len(s.History()))
	}
}

func TestSession_EndDuringTranscription(t *testing.T) {
	events := &fakeEvents{}
	block := make(chan struct{})
	caps := workingCaps()
	caps.Transcriber = &fakeTranscriber{text: "late result", block: block}
	s := New(testConfig(), caps, events)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	streamVoice(s)
	waitFor(t, func() bool { return s.State() == StateTranscribing }, "transcription in flight")

	s.End()
	if s.State() != StateEnded {
		t.Fatalf("Expected ended, got %s", s.State())
	}

	// The pending transcription resolves after the call ended; nothing may
	// be emitted and nothing may panic.
	close(block)
	time.Sleep(50 * time.Millisecond)

	c, a, _ := events.counts()
	if c != 0 || a != 0 {
		t.Errorf("Expected no output after end-call, got %d/%d", c, a)
	}
	if s.State() != StateEnded {
		t.Errorf("Expected session to stay ended, got %s", s.State())
	}
}

func TestSession_IngestAfterEndDropped(t *testing.T) {
	s := New(testConfig(), workingCaps(), &fakeEvents{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.End()

	s.Ingest(voiceFrame())
	if s.BufferedSamples() != 0 {
		t.Errorf("Expected late audio to be dropped, got %d buffered samples", s.BufferedSamples())
	}
}

func TestSession_HistoryTrimmedInPairs(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryLimit = 4
	events := &fakeEvents{}
	s := New(cfg, workingCaps(), events)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for turn := 1; turn <= 4; turn++ {
		streamVoice(s)
		want := turn
		waitFor(t, func() bool {
			c, _, _ := events.counts()
			return c == want && s.State() == StateListening
		}, "turn completion")
	}

	history := s.History()
	if len(history) != 4 {
		t.Fatalf("Expected history capped at 4 entries, got %d", len(history))
	}
	if history[0].Role != ai.RoleUser || history[1].Role != ai.RoleAssistant {
		t.Error("Expected trimming to preserve whole pairs")
	}
	if len(history)%2 != 0 {
		t.Error("Expected even history length outside a turn")
	}
}

func TestSession_DegradedMode(t *testing.T) {
	cfg := testConfig()
	events := &fakeEvents{}
	s := New(cfg, Capabilities{}, events)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	streamVoice(s)
	waitFor(t, func() bool {
		c, _, _ := events.counts()
		return c == 1
	}, "degraded reply")

	rec := events.conversation(0)
	if rec.assistant != cfg.UnavailableText {
		t.Errorf("Expected unavailable text, got %q", rec.assistant)
	}
	_, a, _ := events.counts()
	if a != 0 {
		t.Errorf("Expected synthesis to be skipped in degraded mode, got %d audio messages", a)
	}
}

func TestSession_AudioDroppedDuringPipeline(t *testing.T) {
	events := &fakeEvents{}
	block := make(chan struct{})
	caps := workingCaps()
	caps.Transcriber = &fakeTranscriber{text: "hi", block: block}
	s := New(testConfig(), caps, events)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	streamVoice(s)
	waitFor(t, func() bool { return s.State() == StateTranscribing }, "transcription in flight")

	// Frames arriving while a turn is in flight are dropped, not queued.
	s.Ingest(voiceFrame())
	if s.BufferedSamples() != 0 {
		t.Errorf("Expected mid-pipeline audio to be dropped, got %d samples", s.BufferedSamples())
	}
	close(block)
}

func TestState_String(t *testing.T) {
	states := map[State]string{
		StateIdle:         "idle",
		StateListening:    "listening",
		StateTranscribing: "transcribing",
		StateGenerating:   "generating",
		StateSynthesizing: "synthesizing",
		StateSpeaking:     "speaking",
		StateEnded:        "ended",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}
