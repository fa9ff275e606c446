package fabric

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Kind identifies the type of a fabric message.
type Kind uint8

const (
	KindJoin Kind = iota + 1
	KindHeartbeat
	KindMembershipUpdate
	KindSyncStart
	KindSyncOffer
	KindSyncData
	KindSyncAck
	KindSyncEnd
	KindRemoteGet
	KindRemoteGetAck
	KindRemoteSet
	KindRemoteSetAck
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "Join"
	case KindHeartbeat:
		return "Heartbeat"
	case KindMembershipUpdate:
		return "MembershipUpdate"
	case KindSyncStart:
		return "SyncStart"
	case KindSyncOffer:
		return "SyncOffer"
	case KindSyncData:
		return "SyncData"
	case KindSyncAck:
		return "SyncAck"
	case KindSyncEnd:
		return "SyncEnd"
	case KindRemoteGet:
		return "RemoteGet"
	case KindRemoteGetAck:
		return "RemoteGetAck"
	case KindRemoteSet:
		return "RemoteSet"
	case KindRemoteSetAck:
		return "RemoteSetAck"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is a single fabric frame. Body holds the gob-encoded payload of the kind.
type Message struct {
	Kind  Kind
	From  string
	Epoch uint64
	Body  []byte
}

// NewMessage encodes body into a message of the given kind.
func NewMessage(kind Kind, epoch uint64, body any) (*Message, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("encode %s body: %w", kind, err)
	}
	return &Message{Kind: kind, Epoch: epoch, Body: buf.Bytes()}, nil
}

// Decode decodes the message body into v.
func (m *Message) Decode(v any) error {
	if err := gob.NewDecoder(bytes.NewReader(m.Body)).Decode(v); err != nil {
		return fmt.Errorf("decode %s body: %w", m.Kind, err)
	}
	return nil
}

const (
	frameRaw  byte = 0
	frameZstd byte = 1

	// compressThreshold is the encoded size above which frames are compressed.
	compressThreshold = 4 << 10
)

var (
	errEmptyFrame = errors.New("empty frame")

	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// encodeFrame serializes a message: one flag byte followed by the (possibly
// compressed) gob encoding.
func encodeFrame(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(frameRaw)
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	raw := buf.Bytes()
	if len(raw) <= compressThreshold {
		return raw, nil
	}
	out := make([]byte, 1, len(raw)/2)
	out[0] = frameZstd
	return zstdEncoder.EncodeAll(raw[1:], out), nil
}

func decodeFrame(frame []byte) (*Message, error) {
	if len(frame) == 0 {
		return nil, errEmptyFrame
	}

	payload := frame[1:]
	switch frame[0] {
	case frameRaw:
	case frameZstd:
		var err error
		payload, err = zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress frame: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown frame flag %d", frame[0])
	}

	var m Message
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &m, nil
}
