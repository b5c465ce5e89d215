package p2p

// Message is the generic structure for any data sent between nodes.
type Message struct {
	Type    byte   `json:"type"`
	Payload []byte `json:"payload"`
}

// Broadcaster defines any component that can flood messages to the network.
// BroadcastExcept implements single-hop suppression: the message reaches every
// connected peer except the one it arrived from.
type Broadcaster interface {
	Broadcast(msg *Message) error
	BroadcastExcept(origin string, msg *Message) error
}

// MessageHandler defines any component that can process a raw message from
// the network. The origin peer id accompanies the message so handlers can
// re-gossip with single-hop suppression. Handler errors are logged by the
// transport and never echoed back to the remote peer.
type MessageHandler interface {
	HandleMessage(from string, msg *Message) error
}
