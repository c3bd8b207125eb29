package discovery

import (
	"encoding/binary"

	"github.com/trickstertwo/xlog"
)

// Wire byte order. Little-endian matches the host order of every supported
// target, which keeps the frames byte-compatible with existing peers.
var wire = binary.LittleEndian

// codecLog emits codec diagnostics. The default xlog backend writes to
// stderr, which is the contract for malformed-packet reporting.
var codecLog = xlog.Default()

// headerFixedLen is the length of a header minus the UUID bytes:
// u16 version + u64 uuidLen + u8 type + u16 flags.
const headerFixedLen = 2 + 8 + 1 + 2

// Header is the common preamble of every discovery packet.
type Header struct {
	// Version is the discovery protocol version. Zero is invalid.
	Version uint16
	// PUuid is the process UUID of the sender. Must be non-empty.
	PUuid string
	// Type is the packet type that follows the header.
	Type MsgType
	// Flags is a reserved bitfield.
	Flags uint16
}

// NewHeader builds a header ready for packing.
func NewHeader(version uint16, pUuid string, t MsgType, flags uint16) Header {
	return Header{Version: version, PUuid: pUuid, Type: t, Flags: flags}
}

// HeaderLength returns the packed size of the header in bytes.
func (h Header) HeaderLength() int {
	return headerFixedLen + len(h.PUuid)
}

// valid reports whether the header is complete enough to go on the wire.
func (h Header) valid() bool {
	return h.Version != 0 && h.PUuid != "" && h.Type != Uninitialized
}

// Pack serializes the header into buf. It returns the number of bytes
// written, or 0 if the header is incomplete or buf cannot hold it.
func (h Header) Pack(buf []byte) int {
	if !h.valid() {
		codecLog.Error().
			Str("puuid", h.PUuid).
			Str("type", h.Type.String()).
			Msg("discovery: refusing to pack an incomplete header")
		return 0
	}
	if buf == nil {
		codecLog.Error().Msg("discovery: Header.Pack: nil output buffer")
		return 0
	}
	if len(buf) < h.HeaderLength() {
		codecLog.Error().
			Int("need", h.HeaderLength()).
			Int("have", len(buf)).
			Msg("discovery: Header.Pack: output buffer too small")
		return 0
	}

	wire.PutUint16(buf[0:2], h.Version)
	wire.PutUint64(buf[2:10], uint64(len(h.PUuid)))
	off := 10 + copy(buf[10:], h.PUuid)
	buf[off] = byte(h.Type)
	wire.PutUint16(buf[off+1:off+3], h.Flags)

	return h.HeaderLength()
}

// Unpack deserializes a header from buf. It returns the number of bytes
// consumed, or 0 if buf is nil or truncated.
func (h *Header) Unpack(buf []byte) int {
	if buf == nil {
		codecLog.Error().Msg("discovery: Header.Unpack: nil input buffer")
		return 0
	}
	if len(buf) < headerFixedLen {
		codecLog.Error().Int("have", len(buf)).Msg("discovery: Header.Unpack: short buffer")
		return 0
	}

	uuidLen := wire.Uint64(buf[2:10])
	if uuidLen > uint64(len(buf)-headerFixedLen) {
		codecLog.Error().
			Int("uuid_len", int(uuidLen)).
			Int("have", len(buf)).
			Msg("discovery: Header.Unpack: uuid length exceeds buffer")
		return 0
	}

	h.Version = wire.Uint16(buf[0:2])
	h.PUuid = string(buf[10 : 10+uuidLen])
	off := 10 + int(uuidLen)
	h.Type = MsgType(buf[off])
	h.Flags = wire.Uint16(buf[off+1 : off+3])

	return h.HeaderLength()
}

// SubscriptionMsg requests delivery of a topic from its publishers.
type SubscriptionMsg struct {
	Header Header
	Topic  string
}

// MsgLength returns the full packed size of the message, header included.
func (m SubscriptionMsg) MsgLength() int {
	return m.Header.HeaderLength() + 8 + len(m.Topic)
}

// Pack serializes the message, header first, into buf. It returns the number
// of bytes written, or 0 on an invalid header, empty topic, or short buffer.
func (m SubscriptionMsg) Pack(buf []byte) int {
	headerLen := m.Header.Pack(buf)
	if headerLen == 0 {
		return 0
	}
	if m.Topic == "" {
		codecLog.Error().Msg("discovery: refusing to pack a subscription with an empty topic")
		return 0
	}
	if len(buf) < m.MsgLength() {
		codecLog.Error().
			Int("need", m.MsgLength()).
			Int("have", len(buf)).
			Msg("discovery: SubscriptionMsg.Pack: output buffer too small")
		return 0
	}

	body := buf[headerLen:]
	wire.PutUint64(body[0:8], uint64(len(m.Topic)))
	copy(body[8:], m.Topic)

	return m.MsgLength()
}

// UnpackBody deserializes the payload that follows the header. The caller
// unpacks the header separately so it can dispatch on Header.Type first.
// It returns the number of body bytes consumed, or 0 on failure.
func (m *SubscriptionMsg) UnpackBody(buf []byte) int {
	if buf == nil {
		codecLog.Error().Msg("discovery: SubscriptionMsg.UnpackBody: nil input buffer")
		return 0
	}
	if len(buf) < 8 {
		codecLog.Error().Int("have", len(buf)).Msg("discovery: SubscriptionMsg.UnpackBody: short buffer")
		return 0
	}
	topicLen := wire.Uint64(buf[0:8])
	if topicLen > uint64(len(buf)-8) {
		codecLog.Error().
			Int("topic_len", int(topicLen)).
			Int("have", len(buf)).
			Msg("discovery: SubscriptionMsg.UnpackBody: topic length exceeds buffer")
		return 0
	}
	m.Topic = string(buf[8 : 8+topicLen])
	return 8 + int(topicLen)
}

// AdvertiseMsg announces a publisher to the network. The same frame, with
// Header.Type set to UnadvType, withdraws it.
type AdvertiseMsg struct {
	Header    Header
	Publisher Publisher
}

// MsgLength returns the full packed size of the message, header included.
func (m AdvertiseMsg) MsgLength() int {
	return m.Header.HeaderLength() + m.Publisher.MsgLength()
}

// Pack serializes the message, header first, into buf. Failure of either the
// header or the publisher codec yields 0.
func (m AdvertiseMsg) Pack(buf []byte) int {
	headerLen := m.Header.Pack(buf)
	if headerLen == 0 {
		return 0
	}
	if m.Publisher.Pack(buf[headerLen:]) == 0 {
		return 0
	}
	return m.MsgLength()
}

// UnpackBody deserializes the publisher payload that follows the header.
// It returns the number of body bytes consumed, or 0 on failure.
func (m *AdvertiseMsg) UnpackBody(buf []byte) int {
	if m.Publisher.Unpack(buf) == 0 {
		return 0
	}
	return m.Publisher.MsgLength()
}
