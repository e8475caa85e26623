package transport

// Client → server message types.
const (
	TypeStartCall   = "start-call"
	TypeAudioStream = "audio-stream"
	TypeStopTTS     = "stop-tts"
	TypeEndCall     = "end-call"
)

// Server → client message types.
const (
	TypeCallReady     = "call-ready"
	TypeAudioResponse = "audio-response"
	TypeConversation  = "conversation"
	TypeStopPlayback  = "stop-playback"
	TypeError         = "error"
)

// ClientMessage is the envelope for every inbound message; Type selects
// which fields are meaningful.
type ClientMessage struct {
	Type      string  `json:"type"`
	AudioData []int16 `json:"audioData,omitempty"`
	SessionID string  `json:"sessionId,omitempty"`
}

// CallReadyMessage confirms session creation.
type CallReadyMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// AudioResponseMessage carries synthesized reply audio.
type AudioResponseMessage struct {
	Type        string `json:"type"`
	AudioData   string `json:"audioData"` // base64
	ContentType string `json:"contentType"`
}

// ConversationMessage reports one completed turn for logging/UI.
type ConversationMessage struct {
	Type      string `json:"type"`
	User      string `json:"user"`
	Assistant string `json:"assistant"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// StopPlaybackMessage tells the client to silence in-flight playback.
type StopPlaybackMessage struct {
	Type string `json:"type"`
}

// ErrorMessage is a non-fatal error notice.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
