package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vibeme/voice-agent/internal/observability"
	"github.com/vibeme/voice-agent/internal/resilience"
	"github.com/vibeme/voice-agent/internal/transport"
)

// Options configures a voice call client.
type Options struct {
	URL       string // ws:// or wss:// endpoint
	Reconnect *resilience.ReconnectConfig

	// OnConversation is invoked for each completed turn.
	OnConversation func(user, assistant string)
	// OnError is invoked for server error notices.
	OnError func(message string)
}

// Client drives one voice call over a websocket: it streams capture frames
// up, dispatches server events into the Coordinator, and reconnects with
// backoff when the connection drops (a reconnect starts a fresh session;
// the server keeps nothing).
type Client struct {
	opts        Options
	coordinator *Coordinator
	logger      zerolog.Logger

	writeMu   sync.Mutex
	conn      *websocket.Conn
	sessionID string
}

// New creates a client around an existing coordinator.
func New(opts Options, coordinator *Coordinator) *Client {
	return &Client{
		opts:        opts,
		coordinator: coordinator,
		logger:      observability.GetLogger().With().Str("component", "client").Logger(),
	}
}

// Run connects, starts the call, and pumps frames from capture until the
// channel closes or the context is cancelled. On connection loss it
// reconnects and starts a new call.
func (c *Client) Run(ctx context.Context, frames <-chan []int16) error {
	for {
		if err := c.connect(ctx); err != nil {
			return err
		}

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			c.readPump()
		}()

		err := c.writePump(ctx, frames, readDone)
		c.close()
		<-readDone

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == errCaptureClosed:
			return nil
		default:
			c.logger.Warn().Msg("Connection lost, reconnecting")
		}
	}
}

var errCaptureClosed = fmt.Errorf("capture channel closed")

func (c *Client) connect(ctx context.Context) error {
	err := resilience.Reconnect(ctx, func() error {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			return fmt.Errorf("dial %s: %w", c.opts.URL, err)
		}
		c.writeMu.Lock()
		c.conn = conn
		c.writeMu.Unlock()
		return nil
	}, c.opts.Reconnect)
	if err != nil {
		return err
	}
	return c.send(transport.ClientMessage{Type: transport.TypeStartCall})
}

func (c *Client) close() {
	c.writeMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.writeMu.Unlock()
}

func (c *Client) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(v)
}

// writePump streams capture frames as audio-stream messages and sends a
// best-effort stop-tts whenever the coordinator interrupts locally.
func (c *Client) writePump(ctx context.Context, frames <-chan []int16, readDone <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-readDone:
			return fmt.Errorf("connection closed")
		case frame, ok := <-frames:
			if !ok {
				c.send(transport.ClientMessage{Type: transport.TypeEndCall})
				return errCaptureClosed
			}
			if c.coordinator.HandleCaptureFrame(frame) {
				// Local mute already happened; the notice must not block it.
				c.send(transport.ClientMessage{Type: transport.TypeStopTTS, SessionID: c.SessionID()})
			}
			if err := c.send(transport.ClientMessage{Type: transport.TypeAudioStream, AudioData: frame}); err != nil {
				return err
			}
		}
	}
}

// readPump dispatches server events until the connection closes.
func (c *Client) readPump() {
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env struct {
			Type        string `json:"type"`
			SessionID   string `json:"sessionId"`
			AudioData   string `json:"audioData"`
			ContentType string `json:"contentType"`
			User        string `json:"user"`
			Assistant   string `json:"assistant"`
			Message     string `json:"message"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed server message")
			continue
		}

		switch env.Type {
		case transport.TypeCallReady:
			c.writeMu.Lock()
			c.sessionID = env.SessionID
			c.writeMu.Unlock()
			c.logger.Info().Str("session_id", env.SessionID).Msg("Call ready")

		case transport.TypeAudioResponse:
			payload, err := base64.StdEncoding.DecodeString(env.AudioData)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Bad audio payload")
				continue
			}
			if !c.coordinator.HandleAudioResponse(payload, env.ContentType) {
				c.logger.Debug().Msg("Audio response dropped, user is speaking")
			}

		case transport.TypeStopPlayback:
			c.coordinator.HandleStopPlayback()

		case transport.TypeConversation:
			if c.opts.OnConversation != nil {
				c.opts.OnConversation(env.User, env.Assistant)
			}

		case transport.TypeError:
			c.logger.Warn().Str("message", env.Message).Msg("Server error notice")
			if c.opts.OnError != nil {
				c.opts.OnError(env.Message)
			}

		default:
			c.logger.Debug().Str("type", env.Type).Msg("Unknown server message ignored")
		}
	}
}

// SessionID returns the id assigned by the server, once call-ready arrives.
func (c *Client) SessionID() string {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sessionID
}

// WaitReady blocks until a session id is assigned or the timeout elapses.
func (c *Client) WaitReady(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.SessionID() != "" {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return c.SessionID() != ""
}
