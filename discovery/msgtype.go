package discovery

// WireVersion is the discovery protocol version stamped into every header.
const WireVersion uint16 = 8

// MsgType identifies the kind of discovery packet that follows a Header.
type MsgType uint8

// Discovery packet types. Uninitialized is the sentinel meaning "unset" and
// is never valid on the wire. The numeric assignments are fixed by the
// protocol and must not be reordered.
const (
	Uninitialized MsgType = iota
	AdvType
	SubType
	UnadvType
	HeartbeatType
	ByeType
	NewConnection
	EndConnection
	AdvSrvType
	SubSrvType
	UnadvSrvType
)

var msgTypeNames = [...]string{
	"UNINITIALIZED",
	"ADVERTISE",
	"SUBSCRIBE",
	"UNADVERTISE",
	"HEARTBEAT",
	"BYE",
	"NEW_CONNECTION",
	"END_CONNECTION",
	"ADV_SRV",
	"SUB_SRV",
	"UNADV_SRV",
}

// String returns the protocol name of the message type.
func (t MsgType) String() string {
	if int(t) < len(msgTypeNames) {
		return msgTypeNames[t]
	}
	return "UNKNOWN"
}
