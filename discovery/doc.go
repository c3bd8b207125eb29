// Package discovery implements the control-plane wire protocol of the
// transport: a compact binary framing for discovery packets exchanged over
// UDP multicast, and a Discovery client that announces local publishers and
// tracks remote ones.
//
// Every packet starts with a Header carrying the protocol version, the
// process UUID of the sender, the message type and a flags field. Typed
// payloads (SubscriptionMsg, AdvertiseMsg) follow the header on the wire.
// The caller unpacks the header first and dispatches on Header.Type before
// parsing the payload.
//
// Codec failures follow a single convention: Pack and Unpack return 0 and
// emit a diagnostic to stderr. Malformed packets are dropped by the caller.
package discovery
