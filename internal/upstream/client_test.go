package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nsxzhou/realtime-voice-gateway/internal/config"
	"github.com/nsxzhou/realtime-voice-gateway/internal/protocol"
)

var upgrader = websocket.Upgrader{}

// mockDialogueServer answers the start-connection/start-session
// handshake and records every client frame it sees.
type mockDialogueServer struct {
	t        *testing.T
	received chan *protocol.Frame
	skipSessionStarted bool
}

func newMockDialogueServer(t *testing.T) (*httptest.Server, *mockDialogueServer) {
	m := &mockDialogueServer{t: t, received: make(chan *protocol.Frame, 32)}
	srv := httptest.NewServer(http.HandlerFunc(m.handle))
	return srv, m
}

func (m *mockDialogueServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame := decodeClientFrameForTest(m.t, data)
		m.received <- frame

		switch frame.Event {
		case protocol.EventStartConnection:
			reply := encodeMockServerFrame(protocol.EventConnectionStarted, "", nil)
			if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
				return
			}
		case protocol.EventStartSession:
			if m.skipSessionStarted {
				continue
			}
			reply := encodeMockServerFrame(protocol.EventSessionStarted, frame.SessionID, nil)
			if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
				return
			}
		}
	}
}

func TestConnectCompletesHandshake(t *testing.T) {
	srv, mock := newMockDialogueServer(t)
	defer srv.Close()

	client := New(config.UpstreamConfig{BaseURL: toWS(srv.URL), AppID: "a", AccessKey: "b", ResourceID: "c", AppKey: "d"})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.Connect(ctx, SessionConfig{SessionID: "s1", BotName: "bot", OutputAudioFormat: "pcm", OutputSampleRate: 24000})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	first := <-mock.received
	if first.Event != protocol.EventStartConnection {
		t.Fatalf("expected start-connection first, got %v", first.Event)
	}
	second := <-mock.received
	if second.Event != protocol.EventStartSession || second.SessionID != "s1" {
		t.Fatalf("expected start-session with session id, got %+v", second)
	}
}

func TestConnectTimesOutWithoutConnectionStarted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Accept the socket but never answer the handshake.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := New(config.UpstreamConfig{BaseURL: toWS(srv.URL)})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := client.Connect(ctx, SessionConfig{SessionID: "s1"})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestSendAudioChunkNoOpOnEmpty(t *testing.T) {
	client := New(config.UpstreamConfig{})
	if err := client.SendAudioChunk(nil); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestSendTrailingSilenceSendsExpectedCount(t *testing.T) {
	srv, mock := newMockDialogueServer(t)
	defer srv.Close()

	client := New(config.UpstreamConfig{BaseURL: toWS(srv.URL)})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx, SessionConfig{SessionID: "s1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-mock.received
	<-mock.received

	if err := client.SendTrailingSilence(); err != nil {
		t.Fatalf("send trailing silence: %v", err)
	}

	for i := 0; i < TrailingSilenceFrameCount; i++ {
		frame := <-mock.received
		if frame.MessageType != protocol.ClientAudioOnly {
			t.Fatalf("frame %d: expected audio-only, got %v", i, frame.MessageType)
		}
		if len(frame.PayloadRaw) != TrailingSilenceFrameBytes {
			t.Fatalf("frame %d: payload size got %d want %d", i, len(frame.PayloadRaw), TrailingSilenceFrameBytes)
		}
	}
}

// clientEventSkipsSessionID mirrors protocol's own eventSkipsSessionID
// so the mock server's frame decoder parses the same field layout
// Encode actually produces.
func clientEventSkipsSessionID(e protocol.Event) bool {
	switch e {
	case protocol.EventStartConnection, protocol.EventFinishConnection,
		protocol.EventConnectionStarted, protocol.EventConnectionFailed, protocol.EventConnectionFinished:
		return true
	default:
		return false
	}
}

func toWS(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// decodeClientFrameForTest parses a client->server frame for assertions;
// Decode in the production package only understands server->client
// frames, so the mock server needs its own minimal client-side parser.
func decodeClientFrameForTest(t *testing.T, data []byte) *protocol.Frame {
	t.Helper()
	if len(data) < 4 {
		t.Fatalf("frame too short: %d bytes", len(data))
	}
	msgType := protocol.MessageType((data[1] >> 4) & 0x0F)
	flags := data[1] & 0x0F
	compression := data[2] & 0x0F
	r := bytes.NewReader(data[4:])

	f := &protocol.Frame{MessageType: msgType}

	if flags&0b0100 != 0 { // with-event
		var ev int32
		binary.Read(r, binary.BigEndian, &ev)
		f.Event = protocol.Event(ev)
		f.HasEvent = true
	}

	if !clientEventSkipsSessionID(f.Event) {
		var sidLen int32
		if err := binary.Read(r, binary.BigEndian, &sidLen); err == nil && sidLen > 0 {
			sid := make([]byte, sidLen)
			r.Read(sid)
			f.SessionID = string(sid)
		}
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err == nil && payloadLen > 0 {
		payload := make([]byte, payloadLen)
		r.Read(payload)
		if compression == 0b0001 { // gzip
			gr, err := gzip.NewReader(bytes.NewReader(payload))
			if err != nil {
				t.Fatalf("gzip reader: %v", err)
			}
			decompressed, err := io.ReadAll(gr)
			if err != nil {
				t.Fatalf("gzip read: %v", err)
			}
			payload = decompressed
		}
		f.PayloadRaw = payload
	}

	return f
}

func encodeMockServerFrame(event protocol.Event, sessionID string, payload map[string]any) []byte {
	buf := new(bytes.Buffer)
	header := []byte{
		(protocol.Version << 4) | protocol.HeaderSize4Bytes,
		(byte(protocol.ServerFullResponse) << 4) | 0b0100, // FlagWithEvent
		byte(protocol.SerializationJSON) << 4,
		0,
	}
	buf.Write(header)

	var evBuf [4]byte
	binary.BigEndian.PutUint32(evBuf[:], uint32(event))
	buf.Write(evBuf[:])

	var sidLen [4]byte
	binary.BigEndian.PutUint32(sidLen[:], uint32(len(sessionID)))
	buf.Write(sidLen[:])
	buf.WriteString(sessionID)

	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	}
	var bodyLen [4]byte
	binary.BigEndian.PutUint32(bodyLen[:], uint32(len(body)))
	buf.Write(bodyLen[:])
	buf.Write(body)

	return buf.Bytes()
}
