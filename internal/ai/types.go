package ai

import (
	"context"
)

// Role identifies the author of a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation history.
type Message struct {
	Role    Role
	Content string
}

// Speech is a synthesized audio payload.
type Speech struct {
	Audio       []byte
	ContentType string
}

// Transcriber converts a finite clip of PCM audio into text.
type Transcriber interface {
	// Transcribe returns the transcript for the given 16-bit mono samples.
	// An empty transcript means the clip contained no recognizable speech.
	Transcribe(ctx context.Context, samples []int16, language string) (string, error)
}

// Responder produces an assistant reply from the user's text and the
// conversation so far.
type Responder interface {
	Reply(ctx context.Context, userText string, history []Message) (string, error)
}

// Synthesizer converts assistant text into playable audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*Speech, error)
}
