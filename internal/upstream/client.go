// Package upstream implements the per-session client for the dialogue
// service's WebSocket endpoint (spec §4.2): connection handshake, audio
// streaming, interruption, and teardown, built on the wire codec in
// internal/protocol. Grounded on the teacher's
// internal/service/speech/volcengine_tts.go header/dial pattern and
// connection.go's retry/ping idioms, generalized from single-shot TTS to
// a long-lived duplex session.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nsxzhou/realtime-voice-gateway/internal/config"
	"github.com/nsxzhou/realtime-voice-gateway/internal/protocol"
)

const handshakeTimeout = 8 * time.Second

// TrailingSilenceFrameCount and TrailingSilenceFrameBytes describe the
// padding the relay sends on client.audio.commit: a run of zeroed audio
// chunks that lets the upstream VAD settle on end-of-input (spec §4.4's
// audio.commit row). These are distinct from SendAudioCommit's single
// tail-bit marker frame defined by spec §4.2.
const (
	TrailingSilenceFrameCount = 12
	TrailingSilenceFrameBytes = 3200
)

// audioCommitTailBytes is the zero-payload size of the tail-bit marker
// frame sent by SendAudioCommit.
const audioCommitTailBytes = 320

// SessionConfig carries the per-session values that fill in the
// start-session JSON body (spec §4.2), after operator defaults have
// already been applied by the caller.
type SessionConfig struct {
	SessionID          string
	BotName            string
	SystemRole         string
	SpeakingStyle      string
	Speaker            string
	OutputAudioFormat  string
	OutputSampleRate   int
	RecvTimeoutSeconds int
	InputModality      string
	City               string
}

// CloseSignal is published on the client's close channel when the
// socket goes away, whether by clean close or read failure.
type CloseSignal struct {
	Code   int
	Reason []byte
}

// Client owns a single WebSocket to the dialogue service. It is not
// safe for concurrent Send* calls from multiple goroutines; the owning
// session serializes access (spec §3, invariant 1).
type Client struct {
	cfg    config.UpstreamConfig
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
	session SessionConfig

	waitersMu sync.Mutex
	waiters   map[protocol.Event]chan *protocol.Frame

	messages chan *protocol.Frame
	closeCh  chan CloseSignal
	errCh    chan error
}

// New creates a Client for the given upstream configuration.
func New(cfg config.UpstreamConfig) *Client {
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  30 * time.Second,
			EnableCompression: false, // per-message deflate disabled, spec §4.2
		},
		waiters:  make(map[protocol.Event]chan *protocol.Frame),
		messages: make(chan *protocol.Frame, 64),
		closeCh:  make(chan CloseSignal, 1),
		errCh:    make(chan error, 4),
	}
}

// Messages, Closed and Errors expose the client's three observable
// signals (spec §4.2): message, close, error.
func (c *Client) Messages() <-chan *protocol.Frame { return c.messages }
func (c *Client) Closed() <-chan CloseSignal       { return c.closeCh }
func (c *Client) Errors() <-chan error              { return c.errCh }

// Connect performs the sequential handshake: dial, start-connection,
// wait connection-started, start-session, wait session-started.
func (c *Client) Connect(ctx context.Context, session SessionConfig) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("upstream: client is closed")
	}
	c.session = session
	c.mu.Unlock()

	header := http.Header{}
	header.Set("X-Api-App-ID", c.cfg.AppID)
	header.Set("X-Api-Access-Key", c.cfg.AccessKey)
	header.Set("X-Api-Resource-Id", c.cfg.ResourceID)
	header.Set("X-Api-App-Key", c.cfg.AppKey)
	header.Set("X-Api-Connect-Id", uuid.NewString())

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.BaseURL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return fmt.Errorf("upstream: dial failed (status %d): %w", status, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.started = false
	c.mu.Unlock()

	go c.readLoop(conn)

	startConn := protocol.NewClientFullRequest(protocol.EventStartConnection, "", map[string]any{})
	if err := c.write(startConn); err != nil {
		return fmt.Errorf("upstream: send start-connection: %w", err)
	}
	if _, err := c.awaitEvent(ctx, protocol.EventConnectionStarted, handshakeTimeout); err != nil {
		return fmt.Errorf("upstream: connection-started: %w", err)
	}

	if err := c.startSession(ctx, session); err != nil {
		return err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

func (c *Client) startSession(ctx context.Context, session SessionConfig) error {
	body := c.buildStartSessionBody(session)
	frame := protocol.NewClientFullRequest(protocol.EventStartSession, session.SessionID, body)
	if err := c.write(frame); err != nil {
		return fmt.Errorf("upstream: send start-session: %w", err)
	}
	if _, err := c.awaitEvent(ctx, protocol.EventSessionStarted, handshakeTimeout); err != nil {
		return fmt.Errorf("upstream: session-started: %w", err)
	}
	return nil
}

func (c *Client) buildStartSessionBody(s SessionConfig) map[string]any {
	dialog := map[string]any{
		"bot_name":       s.BotName,
		"system_role":    s.SystemRole,
		"speaking_style": s.SpeakingStyle,
		"extra": map[string]any{
			"strict_audit": false,
			"recv_timeout": s.RecvTimeoutSeconds,
			"input_mod":    s.InputModality,
		},
	}
	if s.City != "" {
		dialog["location"] = map[string]any{"city": s.City}
	}

	return map[string]any{
		"asr": map[string]any{
			"extra": map[string]any{"end_smooth_window_ms": 1500},
		},
		"tts": map[string]any{
			"speaker": s.Speaker,
			"audio_config": map[string]any{
				"channel":     1,
				"format":      s.OutputAudioFormat,
				"sample_rate": s.OutputSampleRate,
			},
		},
		"dialog": dialog,
	}
}

// SendAudioChunk forwards raw audio. No-op on empty input.
func (c *Client) SendAudioChunk(audio []byte) error {
	if len(audio) == 0 {
		return nil
	}
	return c.send(protocol.NewAudioChunk(c.sessionID(), audio))
}

// SendTrailingSilence pads the input stream with zeroed audio chunks so
// the upstream VAD settles on end-of-input, per the client.audio.commit
// mapping in spec §4.4.
func (c *Client) SendTrailingSilence() error {
	silence := make([]byte, TrailingSilenceFrameBytes)
	for i := 0; i < TrailingSilenceFrameCount; i++ {
		if err := c.SendAudioChunk(silence); err != nil {
			return fmt.Errorf("upstream: trailing silence frame %d: %w", i, err)
		}
	}
	return nil
}

// SendAudioCommit marks end-of-input-audio with the protocol's tail-bit
// frame: a zeroed payload carrying the negative-sequence flag.
func (c *Client) SendAudioCommit() error {
	return c.send(protocol.NewAudioTail(c.sessionID(), audioCommitTailBytes))
}

// SendChatText forwards a text turn (event 501).
func (c *Client) SendChatText(content string) error {
	frame := protocol.NewClientFullRequest(protocol.EventChatTextQuery, c.sessionID(), map[string]any{"content": content})
	return c.send(frame)
}

// SendHello sends a hello payload (event 300).
func (c *Client) SendHello(content string) error {
	frame := protocol.NewClientFullRequest(protocol.EventSayHello, c.sessionID(), map[string]any{"content": content})
	return c.send(frame)
}

// RestartSession interrupts the in-flight response: finish-session then
// a fresh start-session handshake. Used for client.interrupt.
func (c *Client) RestartSession(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.started = false
	c.mu.Unlock()

	finish := protocol.NewClientFullRequest(protocol.EventFinishSession, session.SessionID, map[string]any{})
	if err := c.write(finish); err != nil {
		return fmt.Errorf("upstream: send finish-session: %w", err)
	}

	if err := c.startSession(ctx, session); err != nil {
		return err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

// Close is best-effort and idempotent: finish-session, finish-connection,
// then close the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	session := c.session
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	_ = c.write(protocol.NewClientFullRequest(protocol.EventFinishSession, session.SessionID, map[string]any{}))
	_ = c.write(protocol.NewClientFullRequest(protocol.EventFinishConnection, "", map[string]any{}))

	return conn.Close()
}

func (c *Client) sessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.SessionID
}

// send applies the "send-before-open transparently reconnects once"
// policy (spec §4.2) before writing.
func (c *Client) send(frame *protocol.Frame) error {
	c.mu.Lock()
	open := c.conn != nil && c.started
	session := c.session
	c.mu.Unlock()

	if !open {
		if err := c.Connect(context.Background(), session); err != nil {
			return fmt.Errorf("upstream: reconnect before send: %w", err)
		}
	}
	return c.write(frame)
}

func (c *Client) write(frame *protocol.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("upstream: no open connection")
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		return fmt.Errorf("upstream: encode frame: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("upstream: write: %w", err)
	}
	return nil
}

func (c *Client) awaitEvent(ctx context.Context, event protocol.Event, timeout time.Duration) (*protocol.Frame, error) {
	ch := make(chan *protocol.Frame, 1)
	c.waitersMu.Lock()
	c.waiters[event] = ch
	c.waitersMu.Unlock()
	defer func() {
		c.waitersMu.Lock()
		delete(c.waiters, event)
		c.waitersMu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-ch:
		return frame, nil
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for event %d after %s", event, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop is the only goroutine reading from conn. Handshake-sentinel
// events go to a registered waiter if one is present; everything else
// fans out onto Messages for the relay.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseNoStatusReceived
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}

			c.mu.Lock()
			c.started = false
			c.mu.Unlock()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closeCh <- CloseSignal{Code: code, Reason: []byte(err.Error())}
			} else {
				select {
				case c.errCh <- fmt.Errorf("upstream: read: %w", err):
				default:
					log.Printf("[upstream] error channel full, dropping: %v", err)
				}
				c.closeCh <- CloseSignal{Code: code, Reason: []byte(err.Error())}
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			select {
			case c.errCh <- fmt.Errorf("upstream: decode: %w", err):
			default:
				log.Printf("[upstream] error channel full, dropping decode error: %v", err)
			}
			continue
		}
		if frame == nil {
			continue // unrecognized or malformed frame; codec says skip, don't fail
		}

		if frame.HasEvent {
			c.waitersMu.Lock()
			waiter, waiting := c.waiters[frame.Event]
			c.waitersMu.Unlock()
			if waiting {
				waiter <- frame
				continue
			}
		}

		select {
		case c.messages <- frame:
		default:
			log.Printf("[upstream] message channel full, dropping frame (event=%v)", frame.Event)
		}
	}
}
