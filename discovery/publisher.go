package discovery

// Publisher describes an advertised endpoint: where a topic can be reached
// and what flows over it. It has its own codec, reusing the length-prefixed
// string framing of the header.
type Publisher struct {
	// Topic is the fully-qualified topic name being advertised.
	Topic string
	// Addr is the endpoint address payload connections should dial.
	Addr string
	// PUuid is the process UUID of the advertising process.
	PUuid string
	// NUuid is the node UUID within that process.
	NUuid string
	// Ctrl is the control endpoint address. May be empty.
	Ctrl string
	// MsgTypeName is the advertised payload type name.
	MsgTypeName string
}

// MsgLength returns the packed size of the publisher in bytes.
func (p Publisher) MsgLength() int {
	return 6*8 +
		len(p.Topic) + len(p.Addr) + len(p.PUuid) +
		len(p.NUuid) + len(p.Ctrl) + len(p.MsgTypeName)
}

// valid reports whether the publisher is complete enough to go on the wire.
// Ctrl is the one optional field.
func (p Publisher) valid() bool {
	return p.Topic != "" && p.Addr != "" && p.PUuid != "" &&
		p.NUuid != "" && p.MsgTypeName != ""
}

// Pack serializes the publisher into buf. It returns the number of bytes
// written, or 0 if the publisher is incomplete or buf cannot hold it.
func (p Publisher) Pack(buf []byte) int {
	if !p.valid() {
		codecLog.Error().
			Str("topic", p.Topic).
			Str("puuid", p.PUuid).
			Msg("discovery: refusing to pack an incomplete publisher")
		return 0
	}
	if buf == nil {
		codecLog.Error().Msg("discovery: Publisher.Pack: nil output buffer")
		return 0
	}
	if len(buf) < p.MsgLength() {
		codecLog.Error().
			Int("need", p.MsgLength()).
			Int("have", len(buf)).
			Msg("discovery: Publisher.Pack: output buffer too small")
		return 0
	}

	off := 0
	for _, s := range []string{p.Topic, p.Addr, p.PUuid, p.NUuid, p.Ctrl, p.MsgTypeName} {
		wire.PutUint64(buf[off:off+8], uint64(len(s)))
		off += 8
		off += copy(buf[off:], s)
	}

	return p.MsgLength()
}

// Unpack deserializes a publisher from buf. It returns the number of bytes
// consumed, or 0 if buf is nil or truncated.
func (p *Publisher) Unpack(buf []byte) int {
	if buf == nil {
		codecLog.Error().Msg("discovery: Publisher.Unpack: nil input buffer")
		return 0
	}

	fields := []*string{&p.Topic, &p.Addr, &p.PUuid, &p.NUuid, &p.Ctrl, &p.MsgTypeName}
	off := 0
	for _, f := range fields {
		if len(buf)-off < 8 {
			codecLog.Error().Int("have", len(buf)).Msg("discovery: Publisher.Unpack: short buffer")
			return 0
		}
		n := wire.Uint64(buf[off : off+8])
		off += 8
		if n > uint64(len(buf)-off) {
			codecLog.Error().
				Int("field_len", int(n)).
				Int("have", len(buf)).
				Msg("discovery: Publisher.Unpack: field length exceeds buffer")
			return 0
		}
		*f = string(buf[off : off+int(n)])
		off += int(n)
	}

	return off
}
