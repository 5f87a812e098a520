// Package protocol implements the upstream dialogue service's binary
// framing: a 4-byte header followed by variable fields selected by the
// header's bits, optionally gzip-compressed and JSON-serialized.
package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Version is the only protocol version this codec speaks.
const Version uint8 = 0x1

// HeaderSize4Bytes is the only header-size unit this codec produces; it
// is still accepted on decode for any declared size that the payload
// length allows.
const HeaderSize4Bytes uint8 = 0x1

// MessageType identifies the high nibble of header byte 1.
type MessageType uint8

const (
	ClientFullRequest    MessageType = 0x1
	ClientAudioOnly      MessageType = 0x2
	ServerFullResponse   MessageType = 0x9
	ServerACK            MessageType = 0xB
	ServerErrorResponse  MessageType = 0xF
)

// Flags is a bitfield occupying the low nibble of header byte 1. Bits
// are not mutually exclusive.
type Flags uint8

const (
	FlagPositiveSequence Flags = 0b0001
	FlagNegativeSequence Flags = 0b0010 // also the client-audio "tail" marker
	FlagWithEvent        Flags = 0b0100
)

func (f Flags) has(bit Flags) bool { return f&bit == bit }

// Serialization is the high nibble of header byte 2.
type Serialization uint8

const (
	SerializationNone Serialization = 0x0
	SerializationJSON Serialization = 0x1
)

// Compression is the low nibble of header byte 2.
type Compression uint8

const (
	CompressionNone Compression = 0x0
	CompressionGzip Compression = 0x1
)

// Event is the small unsigned integer identifying the logical message
// inside a frame that carries FlagWithEvent.
type Event int32

const (
	EventNone               Event = 0
	EventStartConnection    Event = 1
	EventFinishConnection   Event = 2
	EventConnectionStarted  Event = 50
	EventConnectionFailed   Event = 51
	EventConnectionFinished Event = 52
	EventStartSession       Event = 100
	EventCancelSession      Event = 101
	EventFinishSession      Event = 102
	EventSessionStarted     Event = 150
	EventSessionCanceled    Event = 151
	EventSessionFinished    Event = 152
	EventSessionFailed      Event = 153
	EventUsageResponse      Event = 154
	EventTaskRequest        Event = 200
	EventUpdateConfig       Event = 201
	EventAudioMuted         Event = 250
	EventSayHello           Event = 300
	EventTTSSentenceStart   Event = 350
	EventTTSSentenceEnd     Event = 351
	EventTTSResponse        Event = 352
	EventTTSEnded           Event = 359
	EventASRInfo            Event = 450
	EventASRResponse        Event = 451
	EventASREnded           Event = 459
	EventChatTTSText        Event = 500
	EventChatTextQuery      Event = 501
	EventChatResponse       Event = 550
	EventChatEnded          Event = 559
)

// PayloadKind tags which representation Frame.Payload carries. Exactly
// one of Map, Bytes, Text is populated, narrowed once at decode time per
// the "dynamic payload typing" design note: never pass through a type
// that claims structure it cannot guarantee.
type PayloadKind uint8

const (
	PayloadNone PayloadKind = iota
	PayloadMap
	PayloadBytes
	PayloadText
)

// Frame is the in-memory representation of one upstream message.
type Frame struct {
	Version       uint8
	HeaderSize    uint8
	MessageType   MessageType
	Flags         Flags
	Serialization Serialization
	Compression   Compression

	Event     Event
	HasEvent  bool
	Sequence  int32
	HasSeq    bool
	SessionID string
	HasSessionID bool
	ErrorCode uint32
	HasError  bool

	PayloadKind PayloadKind
	PayloadMap  map[string]any
	PayloadRaw  []byte
	PayloadText string
}

// eventSkipsSessionID mirrors the upstream's connection-scoped events,
// which never carry a per-session id.
func eventSkipsSessionID(e Event) bool {
	switch e {
	case EventStartConnection, EventFinishConnection,
		EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	default:
		return false
	}
}

// Encode produces the wire bytes for a client->server frame, following
// spec order: header, optional event, optional session id, payload
// length, payload.
func Encode(f *Frame) ([]byte, error) {
	buf := new(bytes.Buffer)

	header := make([]byte, 4)
	header[0] = (Version << 4) | HeaderSize4Bytes
	header[1] = (byte(f.MessageType) << 4) | byte(f.Flags)
	header[2] = (byte(f.Serialization) << 4) | byte(f.Compression)
	header[3] = 0
	buf.Write(header)

	if f.Flags.has(FlagWithEvent) {
		writeUint32(buf, uint32(f.Event))
	}

	if f.HasSessionID {
		writeInt32(buf, int32(len(f.SessionID)))
		buf.WriteString(f.SessionID)
	}

	payload, err := encodePayload(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode payload: %w", err)
	}

	writeUint32(buf, uint32(len(payload)))
	buf.Write(payload)

	return buf.Bytes(), nil
}

func encodePayload(f *Frame) ([]byte, error) {
	var raw []byte
	switch {
	case f.Serialization == SerializationJSON && f.PayloadMap != nil:
		encoded, err := json.Marshal(f.PayloadMap)
		if err != nil {
			return nil, err
		}
		raw = encoded
	case f.PayloadText != "":
		raw = []byte(f.PayloadText)
	default:
		raw = f.PayloadRaw
	}

	if f.Compression == CompressionGzip {
		return gzipCompress(raw)
	}
	return raw, nil
}

// Decode parses a server->client frame. It never returns an error for
// malformed input that simply doesn't represent a frame this codec
// understands — it returns (nil, nil) so callers can skip the message.
// Truncated input is handled the same way: the returned error is always
// nil.
func Decode(data []byte) (*Frame, error) {
	if len(data) < 4 {
		return nil, nil
	}

	r := bytes.NewReader(data)
	headerBytes := make([]byte, 4)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil
	}

	version := (headerBytes[0] >> 4) & 0x0F
	headerSize := headerBytes[0] & 0x0F
	msgType := MessageType((headerBytes[1] >> 4) & 0x0F)
	flags := Flags(headerBytes[1] & 0x0F)
	serialization := Serialization((headerBytes[2] >> 4) & 0x0F)
	compression := Compression(headerBytes[2] & 0x0F)

	// Honor a declared header size larger than 4 bytes by skipping the
	// extension, as long as the buffer actually has that many bytes.
	if extra := int(headerSize)*4 - 4; extra > 0 {
		skip := make([]byte, extra)
		if _, err := io.ReadFull(r, skip); err != nil {
			return nil, nil
		}
	}

	f := &Frame{
		Version:       version,
		HeaderSize:    headerSize,
		MessageType:   msgType,
		Flags:         flags,
		Serialization: serialization,
		Compression:   compression,
	}

	switch msgType {
	case ServerFullResponse, ServerACK:
		if flags.has(FlagNegativeSequence) {
			var seq int32
			if err := binary.Read(r, binary.BigEndian, &seq); err != nil {
				return nil, nil
			}
			f.Sequence = seq
			f.HasSeq = true
		}

		if flags.has(FlagWithEvent) {
			var ev int32
			if err := binary.Read(r, binary.BigEndian, &ev); err != nil {
				return nil, nil
			}
			f.Event = Event(ev)
			f.HasEvent = true
		}

		var sidLen int32
		if err := binary.Read(r, binary.BigEndian, &sidLen); err != nil {
			return nil, nil
		}
		if sidLen > 0 {
			sid := make([]byte, sidLen)
			if _, err := io.ReadFull(r, sid); err != nil {
				return nil, nil
			}
			f.SessionID = string(sid)
			f.HasSessionID = true
		}

		var payloadLen uint32
		if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
			return nil, nil
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil
		}
		decodePayload(f, payload)

	case ServerErrorResponse:
		var code uint32
		if err := binary.Read(r, binary.BigEndian, &code); err != nil {
			return nil, nil
		}
		f.ErrorCode = code
		f.HasError = true

		var payloadLen uint32
		if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
			return nil, nil
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil
		}
		decodePayload(f, payload)

	default:
		// Any other message type is discarded.
		return nil, nil
	}

	return f, nil
}

// decodePayload narrows the raw bytes into exactly one PayloadKind,
// tolerating a failed gzip or JSON decode by falling back to a looser
// representation rather than failing the frame.
func decodePayload(f *Frame, raw []byte) {
	data := raw
	if f.Compression == CompressionGzip {
		if decompressed, err := gzipDecompress(raw); err == nil {
			data = decompressed
		}
		// else: surface the raw (still-compressed) bytes, per spec.
	}

	if len(data) == 0 {
		f.PayloadKind = PayloadNone
		return
	}

	if f.Serialization == SerializationJSON {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err == nil {
			f.PayloadKind = PayloadMap
			f.PayloadMap = m
			return
		}
		// JSON parse failed: surface the UTF-8 text.
		f.PayloadKind = PayloadText
		f.PayloadText = string(data)
		return
	}

	f.PayloadKind = PayloadBytes
	f.PayloadRaw = data
}

func gzipCompress(data []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := gzip.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	buf.Write(b)
}

func writeInt32(buf *bytes.Buffer, v int32) {
	writeUint32(buf, uint32(v))
}

// NewClientFullRequest builds a JSON full-client-request frame, the
// shape used for start-connection, start-session, finish-session,
// chat-text, and hello messages.
func NewClientFullRequest(event Event, sessionID string, payload map[string]any) *Frame {
	f := &Frame{
		MessageType:   ClientFullRequest,
		Flags:         FlagWithEvent,
		Serialization: SerializationJSON,
		Event:         event,
		HasEvent:      true,
		PayloadMap:    payload,
	}
	if !eventSkipsSessionID(event) {
		f.SessionID = sessionID
		f.HasSessionID = true
	}
	return f
}

// NewAudioChunk builds a raw, gzip-compressed client-audio-only frame
// carrying one chunk of microphone audio.
func NewAudioChunk(sessionID string, audio []byte) *Frame {
	return &Frame{
		MessageType:   ClientAudioOnly,
		Flags:         FlagWithEvent,
		Serialization: SerializationNone,
		Compression:   CompressionGzip,
		Event:         EventTaskRequest,
		HasEvent:      true,
		SessionID:     sessionID,
		HasSessionID:  true,
		PayloadRaw:    audio,
	}
}

// NewAudioTail builds the end-of-utterance marker frame: the "tail" bit
// set, no event, a fixed-size zero payload.
func NewAudioTail(sessionID string, size int) *Frame {
	return &Frame{
		MessageType:   ClientAudioOnly,
		Flags:         FlagNegativeSequence,
		Serialization: SerializationNone,
		SessionID:     sessionID,
		HasSessionID:  true,
		PayloadRaw:    make([]byte, size),
	}
}

// IsLastPacket reports whether the frame's flags mark it as the final
// packet of a sequence (the "tail" bit doubles for this on client-audio
// frames and for negative sequence numbers on server frames).
func (f *Frame) IsLastPacket() bool {
	return f.Flags.has(FlagNegativeSequence)
}
