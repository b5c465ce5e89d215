package p2p

import (
	"encoding/json"
	"time"
)

// Constants for our P2P message types.
const (
	MsgTypeMarketObject byte = 0x01
	MsgTypePing         byte = 0x09
	MsgTypePong         byte = 0x0A
	MsgTypeHello        byte = 0x0B
)

// HelloPayload opens every connection. Peers on a different network name are
// rejected before any market traffic is exchanged.
type HelloPayload struct {
	Network       string `json:"network"`
	NodeID        string `json:"nodeId"`
	ClientVersion string `json:"clientVersion"`
}

// PingPayload is exchanged as a lightweight keepalive message.
type PingPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// PongPayload acknowledges receipt of a ping message.
type PongPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// --- Message Creation Helpers ---

// NewObjectMessage wraps an encoded signed market object for gossip. The
// payload is the codec's versioned envelope; the transport never looks
// inside it.
func NewObjectMessage(encoded []byte) *Message {
	return &Message{Type: MsgTypeMarketObject, Payload: encoded}
}

func newHelloMessage(network, nodeID, clientVersion string) (*Message, error) {
	payload, err := json.Marshal(HelloPayload{Network: network, NodeID: nodeID, ClientVersion: clientVersion})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeHello, Payload: payload}, nil
}

// NewPingMessage builds a ping keepalive message using the provided nonce and timestamp.
func NewPingMessage(nonce uint64, ts time.Time) (*Message, error) {
	payload, err := json.Marshal(PingPayload{Nonce: nonce, Timestamp: ts.UnixNano()})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypePing, Payload: payload}, nil
}

// NewPongMessage builds a pong response echoing the supplied nonce.
func NewPongMessage(nonce uint64, ts time.Time) (*Message, error) {
	payload, err := json.Marshal(PongPayload{Nonce: nonce, Timestamp: ts.UnixNano()})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypePong, Payload: payload}, nil
}
