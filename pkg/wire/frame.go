package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is bumped on any incompatible change to the frame layout
// or message bodies.
const ProtocolVersion = 1

// MaxFrameLen bounds a single frame; anything larger is a protocol
// violation and drops the connection.
const MaxFrameLen = 1 << 20

// headerLen = version(1) + type(2) + request id(8).
const headerLen = 11

type MsgType uint16

const (
	MsgAnnounce MsgType = iota + 1
	MsgAnnounceOK
	MsgAnnounceReject
	MsgOrderGossip
)

func (t MsgType) String() string {
	switch t {
	case MsgAnnounce:
		return "announce"
	case MsgAnnounceOK:
		return "announce_ok"
	case MsgAnnounceReject:
		return "announce_reject"
	case MsgOrderGossip:
		return "order_gossip"
	default:
		return fmt.Sprintf("msg(%d)", uint16(t))
	}
}

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum length")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// Frame is one length-prefixed message on a peer connection. The body is
// CBOR so it stays self-describing across versions.
type Frame struct {
	Version   uint8
	Type      MsgType
	RequestID uint64
	Body      []byte
}

func NewFrame(t MsgType, requestID uint64, body any) (Frame, error) {
	raw, err := cbor.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode %s body: %s", t, err)
	}
	return Frame{Version: ProtocolVersion, Type: t, RequestID: requestID, Body: raw}, nil
}

func (f Frame) DecodeBody(into any) error {
	if err := cbor.Unmarshal(f.Body, into); err != nil {
		return fmt.Errorf("failed to decode %s body: %s", f.Type, err)
	}
	return nil
}

// Write encodes the frame as a 4-byte big-endian length followed by the
// header and body.
func Write(w io.Writer, f Frame) error {
	payload := make([]byte, headerLen+len(f.Body))
	payload[0] = f.Version
	binary.BigEndian.PutUint16(payload[1:3], uint16(f.Type))
	binary.BigEndian.PutUint64(payload[3:11], f.RequestID)
	copy(payload[headerLen:], f.Body)

	if len(payload) > MaxFrameLen {
		return ErrFrameTooLarge
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Read decodes one frame. A malformed length or header is a protocol
// violation; the caller drops the connection.
func Read(r io.Reader) (Frame, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > MaxFrameLen {
		return Frame{}, ErrFrameTooLarge
	}
	if n < headerLen {
		return Frame{}, fmt.Errorf("frame too short: %d bytes", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Version:   payload[0],
		Type:      MsgType(binary.BigEndian.Uint16(payload[1:3])),
		RequestID: binary.BigEndian.Uint64(payload[3:11]),
		Body:      payload[headerLen:],
	}
	if f.Version != ProtocolVersion {
		return Frame{}, ErrUnsupportedVersion
	}
	return f, nil
}
