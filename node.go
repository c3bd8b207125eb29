package xtransport

// MessageInfo carries the metadata of a received raw message.
type MessageInfo struct {
	// Topic is the bare topic name the message was received on.
	Topic string
	// Type is the advertised type name of the payload.
	Type string
}

// RawCallback receives the undecoded bytes of a message together with its
// metadata. Implementations must not retain data past the call.
type RawCallback func(data []byte, info MessageInfo)

// NodeOptions exposes the configuration of a Node that subscribers care about.
type NodeOptions interface {
	// Partition returns the partition this node operates in. It may or may
	// not carry a leading slash.
	Partition() string
}

// Node is the Strategy interface for the transport backend that performs the
// actual payload delivery.
type Node interface {
	// Options returns the node's configuration.
	Options() NodeOptions
	// SubscribeRaw binds cb to a topic at the byte level. It reports whether
	// the subscription was established.
	SubscribeRaw(topic string, cb RawCallback) bool
	// Unsubscribe removes all subscriptions for a topic. It reports whether
	// a subscription existed.
	Unsubscribe(topic string) bool
	// TopicList returns the topics currently known to the node.
	TopicList() []string
}
