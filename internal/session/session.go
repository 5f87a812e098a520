// Package session implements the process-wide session registry (spec
// §4.4) and the Session record's state machine (spec §4.5). Grounded on
// the teacher's internal/service/speech/connection.go ConnectionManager
// (mutex-protected map, add/get/remove, "close old on replace")
// generalized from raw *websocket.Conn values to full Session records.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nsxzhou/realtime-voice-gateway/internal/config"
	"github.com/nsxzhou/realtime-voice-gateway/internal/upstream"
)

// ErrNotFound is returned by Get for an unknown session id.
var ErrNotFound = errors.New("session: not found")

// State names the session state machine's states (spec §4.5).
type State string

const (
	StateNew               State = "new"
	StateUpstreamConnecting State = "upstream_connecting"
	StateReady             State = "ready"
	StateInterrupting      State = "interrupting"
	StateClosed            State = "closed"
)

// Config is the operator-resolved session configuration (spec §3):
// browser overrides already merged onto operator defaults.
type Config struct {
	BotName            string
	SystemRole         string
	SpeakingStyle      string
	Speaker            string
	City               string
	RecvTimeoutSeconds int
	InputModality      string
	OutputAudioFormat  string
	OutputSampleRate   int
}

// Session is one (id -> upstream, browser) binding plus its state.
// All mutation of its fields happens under the Session's own mu; the
// Registry's lock only guards the id -> Session map.
//
// gorilla/websocket allows at most one goroutine writing to a given
// *websocket.Conn at a time. The relay, the ping loop, and the HTTP
// interrupt handler all write to the same browser socket from separate
// goroutines, so every write goes through writeMu instead of touching
// the conn directly — this is the mutex-based alternative to the
// per-session queue, serializing writes onto one lane without needing
// a dedicated writer goroutine.
type Session struct {
	ID     string
	Config Config

	mu      sync.Mutex
	state   State
	Created time.Time

	upstream *upstream.Client
	browser  *websocket.Conn
	started  bool
	closed   bool

	writeMu sync.Mutex
}

// State reports the current state under lock.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the session to a new state. Callers are
// expected to only call this from the session's owning lane.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Upstream returns the current upstream client, or nil.
func (s *Session) Upstream() *upstream.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

// SetUpstream installs the session's upstream client.
func (s *Session) SetUpstream(c *upstream.Client) {
	s.mu.Lock()
	s.upstream = c
	s.mu.Unlock()
}

// Browser returns the current browser socket, or nil.
func (s *Session) Browser() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browser
}

// AttachBrowser replaces the browser socket, closing any previous one
// with close code 4001 (spec §3 invariant 2, §4.5 handshake step 1).
// Held across the swap so a concurrent WriteJSON/WritePing can't land
// on the socket being replaced.
func (s *Session) AttachBrowser(conn *websocket.Conn) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	prev := s.browser
	s.browser = conn
	s.mu.Unlock()

	if prev != nil {
		closeMsg := websocket.FormatCloseMessage(4001, "replaced by new connection")
		_ = prev.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		_ = prev.Close()
	}
}

// WriteJSON serializes v and writes it to the browser socket, if one is
// attached. Every browser write in the process — relay frames, pings,
// the HTTP interrupt notification — goes through this method or
// WritePing/CloseBrowser so concurrent goroutines never call gorilla's
// write methods on the same conn at once.
func (s *Session) WriteJSON(v any) error {
	conn := s.Browser()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// WritePing sends a WS ping control frame to the browser socket.
func (s *Session) WritePing() error {
	conn := s.Browser()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.PingMessage, nil)
}

// CloseBrowser sends a close control frame and closes the browser
// socket, serialized against any in-flight WriteJSON/WritePing.
func (s *Session) CloseBrowser(code int, reason string) {
	conn := s.Browser()
	if conn == nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	closeMsg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// Started reports whether the upstream session-start handshake has
// completed.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// SetStarted records whether the upstream handshake has completed.
func (s *Session) SetStarted(v bool) {
	s.mu.Lock()
	s.started = v
	s.mu.Unlock()
}

// Closed reports whether the session is in its terminal state.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// markClosed is called exactly once by the owning Registry's Remove.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.state = StateClosed
	return true
}

// Registry is the process-wide id -> Session mapping (spec §4.4).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create inserts a brand-new session record with no sockets attached,
// used by the HTTP mint call (C6).
func (r *Registry) Create(id string, cfg Config) *Session {
	s := &Session{ID: id, Config: cfg, state: StateNew, Created: time.Now().UTC()}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

// GetOrCreate returns the existing session for id, or creates one with
// defaultConfig if none exists yet — used by WS attach to tolerate ids
// that arrive out of band (spec §4.4).
func (r *Registry) GetOrCreate(id string, defaultConfig Config) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := &Session{ID: id, Config: defaultConfig, state: StateNew, Created: time.Now().UTC()}
	r.sessions[id] = s
	return s
}

// Get returns the session for id, or ErrNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove tears the session down exactly once: marks it closed, best-
// effort closes both transports, and deletes it from the map. A no-op
// if the record was already removed or already closed (spec §4.4's
// "attempts to close an already-removed record are no-ops").
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok || !s.markClosed() {
		return
	}

	if up := s.Upstream(); up != nil {
		_ = up.Close()
	}
	s.CloseBrowser(websocket.CloseNormalClosure, "")
}

// ConfigFromDefaults builds a Config from the operator defaults alone
// (spec §3's enumerated session-config fields); browser overrides are
// applied on top of it by the caller.
func ConfigFromDefaults(defaults config.SessionDefaults) Config {
	return Config{
		BotName:            defaults.BotName,
		Speaker:            defaults.Speaker,
		RecvTimeoutSeconds: defaults.RecvTimeoutSeconds,
		InputModality:      defaults.InputModality,
		OutputAudioFormat:  defaults.OutputAudioFormat,
		OutputSampleRate:   defaults.OutputSampleRate,
	}
}
