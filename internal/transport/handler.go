package transport

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vibeme/voice-agent/internal/config"
	"github.com/vibeme/voice-agent/internal/observability"
	"github.com/vibeme/voice-agent/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Demo server; production deployments should validate the origin.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Manager owns the live sessions and maps websocket messages onto session
// operations. It is the only structural mutator of the session map; its
// lifecycle matches the server's.
type Manager struct {
	cfg    *config.Config
	caps   session.Capabilities
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// NewManager creates a connection manager.
func NewManager(cfg *config.Config, caps session.Capabilities) *Manager {
	return &Manager{
		cfg:      cfg,
		caps:     caps,
		logger:   observability.GetLogger().With().Str("component", "transport").Logger(),
		sessions: make(map[string]*session.Session),
	}
}

// ActiveSessions returns the number of live sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// HandleWS upgrades the connection and serves one session until the client
// hangs up or disconnects. A new connection always starts a fresh session;
// nothing survives a reconnect.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	emitter := newConnEmitter(conn, m.logger)
	sess := session.New(m.cfg, m.caps, emitter)

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.logger.Info().Str("session_id", sess.ID).Str("remote", r.RemoteAddr).Msg("Connection established")

	defer func() {
		sess.End()
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()
	}()

	m.readLoop(conn, sess, emitter)
}

// readLoop dispatches inbound messages to the session until the connection
// closes or the client sends end-call.
func (m *Manager) readLoop(conn *websocket.Conn, sess *session.Session, emitter *connEmitter) {
	logger := m.logger.With().Str("session_id", sess.ID).Logger()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Warn().Err(err).Msg("Malformed message dropped")
			continue
		}

		switch msg.Type {
		case TypeStartCall:
			if err := sess.Start(); err != nil {
				logger.Warn().Err(err).Msg("start-call rejected")
				continue
			}
			emitter.sendCallReady(sess.ID)

		case TypeAudioStream:
			sess.Ingest(msg.AudioData)

		case TypeStopTTS:
			sess.PlaybackStopped()

		case TypeEndCall:
			logger.Info().Msg("Client ended call")
			sess.End()
			return

		default:
			logger.Warn().Str("type", msg.Type).Msg("Unknown message type ignored")
		}
	}
}

// connEmitter serializes outbound writes on one websocket connection and
// implements session.Events.
type connEmitter struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger zerolog.Logger
}

func newConnEmitter(conn *websocket.Conn, logger zerolog.Logger) *connEmitter {
	return &connEmitter{conn: conn, logger: logger}
}

func (e *connEmitter) write(v interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conn.WriteJSON(v); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to write message")
	}
}

func (e *connEmitter) sendCallReady(sessionID string) {
	e.write(CallReadyMessage{Type: TypeCallReady, SessionID: sessionID})
}

func (e *connEmitter) SendConversation(user, assistant string, ts time.Time) {
	e.write(ConversationMessage{
		Type:      TypeConversation,
		User:      user,
		Assistant: assistant,
		Timestamp: ts.UnixMilli(),
	})
}

func (e *connEmitter) SendAudio(payload []byte, contentType string) {
	e.write(AudioResponseMessage{
		Type:        TypeAudioResponse,
		AudioData:   base64.StdEncoding.EncodeToString(payload),
		ContentType: contentType,
	})
}

func (e *connEmitter) SendStopPlayback() {
	e.write(StopPlaybackMessage{Type: TypeStopPlayback})
}

func (e *connEmitter) SendError(message string) {
	e.write(ErrorMessage{Type: TypeError, Message: message})
}
