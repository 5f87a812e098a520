// Package relay implements the gateway's bidirectional bridge between
// one browser WebSocket and one upstream dialogue-service client (spec
// §4.5): message translation in both directions, the WS-open handshake,
// and orderly close. Grounded on the teacher's
// internal/handler/speech/websocket.go upgrade/read-loop/dispatch shape
// and ping-loop/read-deadline idiom, rebuilt against the browser JSON
// schema and upstream-frame translation table of spec §4.5.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nsxzhou/realtime-voice-gateway/internal/config"
	"github.com/nsxzhou/realtime-voice-gateway/internal/journal"
	"github.com/nsxzhou/realtime-voice-gateway/internal/protocol"
	"github.com/nsxzhou/realtime-voice-gateway/internal/session"
	"github.com/nsxzhou/realtime-voice-gateway/internal/upstream"
)

const (
	readDeadline     = 60 * time.Second
	pingInterval     = 54 * time.Second
	upstreamConnTimeout = 8 * time.Second
)

// Relay binds browser sockets to upstream clients for every session in
// a shared Registry.
type Relay struct {
	registry    *session.Registry
	journal     *journal.Journal
	upstreamCfg config.UpstreamConfig
	upgrader    websocket.Upgrader
}

// New creates a Relay over the given registry and journal, dialing the
// upstream dialogue service with upstreamCfg for every session.
func New(registry *session.Registry, j *journal.Journal, upstreamCfg config.UpstreamConfig) *Relay {
	return &Relay{
		registry:    registry,
		journal:     j,
		upstreamCfg: upstreamCfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// inbound is the browser's discriminated JSON message (spec §4.5).
type inbound struct {
	Type    string `json:"type"`
	Hello   string `json:"hello,omitempty"`
	Audio   string `json:"audio,omitempty"`
	Content string `json:"content,omitempty"`
}

// HandleWS is the GET /ws?sessionId=... attach point (spec §4.6).
func (rl *Relay) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		conn, err := rl.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rl.closeWithCode(conn, 1008, "missing sessionId")
		return
	}

	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] upgrade failed: %v", err)
		return
	}

	sess := rl.registry.GetOrCreate(sessionID, session.Config{})
	sess.SetState(session.StateUpstreamConnecting)
	sess.AttachBrowser(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rl.ensureUpstream(ctx, sess); err != nil {
		log.Printf("[relay] upstream connect failed for %s: %v", sessionID, err)
		rl.send(sess, "server.error", map[string]any{"error": "upstream_connect_failed"})
		sess.CloseBrowser(1011, "upstream connect failed")
		rl.registry.Remove(sessionID)
		return
	}

	sess.SetState(session.StateReady)
	rl.send(sess, "server.ready", map[string]any{
		"sessionId":         sessionID,
		"outputAudioFormat": sess.Config.OutputAudioFormat,
	})

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	go rl.pingLoop(ctx, sess)
	go rl.pumpUpstream(ctx, sess)

	rl.readBrowserLoop(ctx, sess, conn)
	rl.closeSession(sess)
}

func (rl *Relay) ensureUpstream(ctx context.Context, sess *session.Session) error {
	if sess.Upstream() != nil && sess.Started() {
		return nil
	}

	client := upstream.New(rl.upstreamCfg)
	sess.SetUpstream(client)

	dialCtx, cancel := context.WithTimeout(ctx, upstreamConnTimeout*2)
	defer cancel()

	cfg := sess.Config
	err := client.Connect(dialCtx, upstream.SessionConfig{
		SessionID:          sess.ID,
		BotName:            cfg.BotName,
		SystemRole:         cfg.SystemRole,
		SpeakingStyle:      cfg.SpeakingStyle,
		Speaker:            cfg.Speaker,
		City:               cfg.City,
		OutputAudioFormat:  cfg.OutputAudioFormat,
		OutputSampleRate:   cfg.OutputSampleRate,
		RecvTimeoutSeconds: cfg.RecvTimeoutSeconds,
		InputModality:      cfg.InputModality,
	})
	if err != nil {
		return err
	}
	sess.SetStarted(true)
	rl.journal.Append(sess.ID, "upstream_connected", nil)
	return nil
}

func (rl *Relay) readBrowserLoop(ctx context.Context, sess *session.Session, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			rl.send(sess, "server.error", map[string]any{"error": "invalid_json"})
			continue
		}

		if rl.dispatchBrowserMessage(ctx, sess, &msg) {
			return // client.stop: caller begins orderly close
		}
	}
}

// dispatchBrowserMessage handles one browser message. Returns true when
// the session should begin orderly close.
func (rl *Relay) dispatchBrowserMessage(ctx context.Context, sess *session.Session, msg *inbound) bool {
	client := sess.Upstream()

	switch msg.Type {
	case "client.start":
		rl.journal.Append(sess.ID, "client_started", nil)
		if msg.Hello != "" {
			if err := client.SendHello(msg.Hello); err != nil {
				log.Printf("[relay] send hello: %v", err)
			}
		}

	case "client.audio.append":
		audio, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			rl.send(sess, "server.error", map[string]any{"error": "invalid_audio"})
			return false
		}
		rl.journal.Append(sess.ID, "input_audio_chunk", map[string]any{"bytes": len(audio)})
		if err := client.SendAudioChunk(audio); err != nil {
			log.Printf("[relay] send audio chunk: %v", err)
		}

	case "client.audio.commit":
		if err := client.SendTrailingSilence(); err != nil {
			log.Printf("[relay] send trailing silence: %v", err)
		}
		rl.journal.Append(sess.ID, "input_audio_committed", nil)

	case "client.chat.text":
		if err := client.SendChatText(msg.Content); err != nil {
			log.Printf("[relay] send chat text: %v", err)
		}
		rl.journal.Append(sess.ID, "input_text", map[string]any{"content": msg.Content})

	case "client.interrupt":
		sess.SetState(session.StateInterrupting)
		if err := client.RestartSession(ctx); err != nil {
			log.Printf("[relay] restart session: %v", err)
		} else {
			sess.SetState(session.StateReady)
		}
		rl.journal.Append(sess.ID, "session_interrupted", map[string]any{"source": "client"})
		rl.send(sess, "server.event", map[string]any{"event": int(protocol.EventASRInfo), "payload": map[string]any{"source": "client_interrupt"}})

	case "client.stop":
		return true

	default:
		rl.send(sess, "server.error", map[string]any{"error": "invalid_message"})
	}
	return false
}

// pumpUpstream fans upstream frames out to the browser until the
// session's context is cancelled or the upstream closes; an upstream
// close also closes the browser socket.
func (rl *Relay) pumpUpstream(ctx context.Context, sess *session.Session) {
	client := sess.Upstream()
	if client == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-client.Messages():
			if !ok {
				return
			}
			rl.translateFrame(sess, frame)
		case closeSig, ok := <-client.Closed():
			if !ok {
				return
			}
			rl.send(sess, "server.closed", map[string]any{"code": closeSig.Code, "reason": string(closeSig.Reason)})
			// Closing the browser socket ends readBrowserLoop, which
			// hands off to the orderly close in HandleWS.
			sess.CloseBrowser(websocket.CloseNormalClosure, "")
			return
		case err, ok := <-client.Errors():
			if !ok {
				return
			}
			log.Printf("[relay] upstream error for %s: %v", sess.ID, err)
		}
	}
}

var textFields = []string{"content", "text", "sentence", "result", "display_text", "answer", "output_text"}

func (rl *Relay) translateFrame(sess *session.Session, frame *protocol.Frame) {
	if sess.Browser() == nil {
		return
	}

	switch {
	case frame.MessageType == protocol.ServerACK && frame.PayloadKind == protocol.PayloadBytes:
		audio := base64.StdEncoding.EncodeToString(frame.PayloadRaw)
		rl.send(sess, "server.tts.audio", map[string]any{"audio": audio, "event": int(frame.Event)})
		rl.journal.Append(sess.ID, "assistant_audio_chunk", map[string]any{"bytes": len(frame.PayloadRaw), "event": int(frame.Event)})

	case frame.MessageType == protocol.ServerErrorResponse:
		message := errorMessage(frame)
		rl.send(sess, "server.error", map[string]any{
			"error":   "upstream_server_error",
			"code":    frame.ErrorCode,
			"message": message,
			"payload": framePayload(frame),
		})
		rl.journal.Append(sess.ID, "error", map[string]any{"code": frame.ErrorCode, "payload": framePayload(frame)})

	default:
		payload := framePayload(frame)
		rl.send(sess, "server.event", map[string]any{"event": int(frame.Event), "payload": payload})

		if m, ok := payload.(map[string]any); ok {
			if role, text, ok := inferText(frame.Event, m); ok {
				rl.send(sess, "server.text", map[string]any{"role": role, "text": text})
			}
		}
	}
}

func framePayload(frame *protocol.Frame) any {
	switch frame.PayloadKind {
	case protocol.PayloadMap:
		return frame.PayloadMap
	case protocol.PayloadText:
		return frame.PayloadText
	case protocol.PayloadBytes:
		return base64.StdEncoding.EncodeToString(frame.PayloadRaw)
	default:
		return nil
	}
}

// inferText applies spec §4.5's text-role inference table.
func inferText(event protocol.Event, payload map[string]any) (role, text string, ok bool) {
	var field string
	for _, key := range textFields {
		if s, isStr := payload[key].(string); isStr && strings.TrimSpace(s) != "" {
			field = strings.TrimSpace(s)
			break
		}
	}
	if field == "" {
		return "", "", false
	}

	switch event {
	case protocol.EventChatResponse, protocol.EventChatEnded,
		protocol.EventTTSSentenceStart, protocol.EventTTSSentenceEnd, protocol.EventTTSResponse, protocol.EventTTSEnded:
		return "assistant", field, true
	case protocol.EventASRResponse, protocol.EventASREnded:
		return "user", field, true
	}
	if int(event) >= 450 {
		return "system", field, true
	}

	if _, hasTTSType := payload["tts_type"]; hasTTSType {
		return "assistant", field, true
	}
	if from, _ := payload["from"].(string); from == "user" {
		return "user", field, true
	}
	if from, _ := payload["role"].(string); from == "system" {
		return "system", field, true
	}
	return "assistant", field, true
}

// errorMessage applies spec §4.5's error-string mapping.
func errorMessage(frame *protocol.Frame) string {
	raw := ""
	if m, ok := framePayload(frame).(map[string]any); ok {
		if s, ok := m["message"].(string); ok {
			raw = s
		}
	} else if s, ok := framePayload(frame).(string); ok {
		raw = s
	}

	switch {
	case strings.Contains(raw, "session number limit exceeded"):
		return "too many active sessions right now, please try again shortly"
	case strings.Contains(raw, "DialogAudioIdleTimeoutError"), strings.Contains(raw, "AudioASRIdleTimeoutError"):
		return "we didn't hear anything — press and talk again"
	default:
		if frame.HasError {
			return "upstream error " + strconv.FormatUint(uint64(frame.ErrorCode), 10) + ": " + raw
		}
		return raw
	}
}

func (rl *Relay) closeSession(sess *session.Session) {
	rl.journal.Append(sess.ID, "session_closed", nil)
	rl.registry.Remove(sess.ID)
}

// send writes one discriminated server message to sess's browser
// socket. All browser writes funnel through Session's WriteJSON,
// WritePing and CloseBrowser so pingLoop, the upstream pump, the read
// loop, and the HTTP interrupt
// handler never call gorilla's write methods concurrently on the same
// conn (gorilla/websocket allows at most one writer at a time).
func (rl *Relay) send(sess *session.Session, msgType string, data map[string]any) {
	data["type"] = msgType
	if err := sess.WriteJSON(data); err != nil {
		log.Printf("[relay] write failed: %v", err)
	}
}

func (rl *Relay) closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (rl *Relay) pingLoop(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.WritePing(); err != nil {
				return
			}
		}
	}
}

