package bus

import "time"

// Kind tags what an InboundMessage carries.
type Kind string

const (
	KindFrame Kind = "frame" // raw wire frame read from the transport
	KindState Kind = "state" // connection state transition
)

// InboundMessage is one unit handed from the connection supervisor to the
// dispatcher loop.
type InboundMessage struct {
	Kind       Kind      `json:"kind"`
	Payload    []byte    `json:"payload,omitempty"`
	State      string    `json:"state,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}
