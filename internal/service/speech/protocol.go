package speech

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolVersion of the binary WebSocket framing.
const ProtocolVersion = 0b0001

// MessageType is the 4-bit frame kind.
type MessageType uint8

const (
	FullClientRequest       MessageType = 0b0001
	AudioOnlyRequest        MessageType = 0b0010
	FullServerResponse      MessageType = 0b1001
	AudioOnlyServerResponse MessageType = 0b1011
	ErrorMessage            MessageType = 0b1111
)

// MessageFlags describe the optional sequence field.
type MessageFlags uint8

const (
	NoSequenceNumber       MessageFlags = 0b0000
	PositiveSequenceNumber MessageFlags = 0b0001
	LastPacketNoSequence   MessageFlags = 0b0010
	NegativeSequenceNumber MessageFlags = 0b0011 // last packet, sequence is negated
)

// SerializationMethod of the payload.
type SerializationMethod uint8

const (
	NoSerialization   SerializationMethod = 0b0000
	JSONSerialization SerializationMethod = 0b0001
)

// CompressionMethod of the payload.
type CompressionMethod uint8

const (
	NoCompression   CompressionMethod = 0b0000
	GzipCompression CompressionMethod = 0b0001
)

// Header is the fixed 4-byte frame header.
type Header struct {
	ProtocolVersion     uint8 // 4 bits
	HeaderSize          uint8 // 4 bits, in 4-byte words
	MessageType         MessageType
	MessageFlags        MessageFlags
	SerializationMethod SerializationMethod
	CompressionMethod   CompressionMethod
	Reserved            uint8
}

// Message is one decoded frame.
type Message struct {
	Header      Header
	Sequence    int32
	ErrorCode   uint32
	PayloadSize uint32
	Payload     []byte
}

func NewHeader(msgType MessageType, flags MessageFlags, serialization SerializationMethod, compression CompressionMethod) Header {
	return Header{
		ProtocolVersion:     ProtocolVersion,
		HeaderSize:          0b0001,
		MessageType:         msgType,
		MessageFlags:        flags,
		SerializationMethod: serialization,
		CompressionMethod:   compression,
	}
}

// Encode packs the header into 4 bytes.
func (h Header) Encode() []byte {
	return []byte{
		(h.ProtocolVersion << 4) | h.HeaderSize,
		(uint8(h.MessageType) << 4) | uint8(h.MessageFlags),
		(uint8(h.SerializationMethod) << 4) | uint8(h.CompressionMethod),
		h.Reserved,
	}
}

// DecodeHeader unpacks a 4-byte header.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < 4 {
		return Header{}, fmt.Errorf("header data too short: got %d, need 4", len(data))
	}
	h := Header{
		ProtocolVersion:     (data[0] >> 4) & 0x0F,
		HeaderSize:          data[0] & 0x0F,
		MessageType:         MessageType((data[1] >> 4) & 0x0F),
		MessageFlags:        MessageFlags(data[1] & 0x0F),
		SerializationMethod: SerializationMethod((data[2] >> 4) & 0x0F),
		CompressionMethod:   CompressionMethod(data[2] & 0x0F),
		Reserved:            data[3],
	}
	if h.ProtocolVersion != ProtocolVersion {
		return Header{}, fmt.Errorf("unsupported protocol version: %d", h.ProtocolVersion)
	}
	return h, nil
}

func hasSequence(flags MessageFlags) bool {
	switch flags & 0b0011 {
	case PositiveSequenceNumber, NegativeSequenceNumber:
		return true
	default:
		return false
	}
}

// EncodeMessage serializes msg into a binary frame.
func EncodeMessage(msg *Message) []byte {
	var buf bytes.Buffer
	buf.Write(msg.Header.Encode())

	word := make([]byte, 4)
	if hasSequence(msg.Header.MessageFlags) {
		binary.BigEndian.PutUint32(word, uint32(msg.Sequence))
		buf.Write(word)
	}
	binary.BigEndian.PutUint32(word, msg.PayloadSize)
	buf.Write(word)
	buf.Write(msg.Payload)
	return buf.Bytes()
}

// DecodeMessage reads one frame from r.
func DecodeMessage(r io.Reader) (*Message, error) {
	raw := make([]byte, 4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	header, err := DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	msg := &Message{Header: header}

	if extra := int(header.HeaderSize)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("read extended header: %w", err)
		}
	}

	readWord := func(what string) (uint32, error) {
		if _, err := io.ReadFull(r, raw); err != nil {
			return 0, fmt.Errorf("read %s: %w", what, err)
		}
		return binary.BigEndian.Uint32(raw), nil
	}

	if hasSequence(header.MessageFlags) {
		seq, err := readWord("sequence")
		if err != nil {
			return nil, err
		}
		msg.Sequence = int32(seq)
	}
	if header.MessageType == ErrorMessage {
		if msg.ErrorCode, err = readWord("error code"); err != nil {
			return nil, err
		}
	}
	if msg.PayloadSize, err = readWord("payload size"); err != nil {
		return nil, err
	}
	if msg.PayloadSize > 0 {
		msg.Payload = make([]byte, msg.PayloadSize)
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return nil, fmt.Errorf("read payload (expected %d bytes): %w", msg.PayloadSize, err)
		}
	}
	return msg, nil
}

// NewFullClientRequest wraps the JSON session parameters.
func NewFullClientRequest(payload []byte, compression CompressionMethod) *Message {
	return &Message{
		Header:      NewHeader(FullClientRequest, NoSequenceNumber, JSONSerialization, compression),
		PayloadSize: uint32(len(payload)),
		Payload:     payload,
	}
}

// NewAudioOnlyRequest wraps one audio packet. The last packet carries the
// negated sequence.
func NewAudioOnlyRequest(audio []byte, sequence int32, last bool, compression CompressionMethod) *Message {
	flags := PositiveSequenceNumber
	switch {
	case last && sequence != 0:
		flags = NegativeSequenceNumber
		sequence = -sequence
	case last:
		flags = LastPacketNoSequence
	case sequence <= 0:
		flags = NoSequenceNumber
	}
	return &Message{
		Header:      NewHeader(AudioOnlyRequest, flags, NoSerialization, compression),
		Sequence:    sequence,
		PayloadSize: uint32(len(audio)),
		Payload:     audio,
	}
}

// IsLastPacket reports whether the frame closes the stream.
func (m *Message) IsLastPacket() bool {
	switch m.Header.MessageFlags & 0b0011 {
	case LastPacketNoSequence, NegativeSequenceNumber:
		return true
	default:
		return false
	}
}
