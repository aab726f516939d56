// Package broker defines the collaborator surface the reader needs from a
// message broker: open a session, bind an exclusive flow to a queue with a
// chosen ack mode, pull-receive with a timeout, and a synchronous in-band
// request/reply used for control-plane queries.
package broker

import (
	"errors"
	"time"
)

// ErrTransport marks transient transport failures during a pull. The reader
// treats these as an empty poll, not a fatal error. Implementations wrap it
// so callers can test with errors.Is.
var ErrTransport = errors.New("broker: transport failure")

// IsTransport reports whether err is (or wraps) a transient transport
// failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// AckMode selects who acknowledges delivered messages.
type AckMode uint8

const (
	// AckModeAuto lets the broker acknowledge on delivery.
	AckModeAuto AckMode = iota
	// AckModeClient defers acknowledgment to the consumer.
	AckModeClient
)

func (m AckMode) String() string {
	if m == AckModeAuto {
		return "auto"
	}
	return "client"
}

// Message is a single delivered message. SenderTimestamp and SequenceNumber
// are producer-supplied and may be absent; ID is always broker-assigned.
type Message interface {
	ID() string
	// SequenceNumber is the producer sequence number, nil if the producer
	// did not set one.
	SequenceNumber() *int64
	// SenderTimestamp is the producer-side send time, nil if not set.
	SenderTimestamp() *time.Time
	Payload() []byte
	// Ack acknowledges this message to the broker. Only meaningful under
	// AckModeClient.
	Ack() error
}

// Flow is an exclusive consumer flow bound to a queue.
type Flow interface {
	// Receive blocks up to timeout for one message. A (nil, nil) return
	// means no message arrived in time. Transient transport hiccups wrap
	// ErrTransport; any other error is fatal to the reader.
	Receive(timeout time.Duration) (Message, error)
	Close() error
}

// Session is an authenticated connection to one broker.
type Session interface {
	// ClientName is the broker-assigned (or configured) name of this client
	// on the message VPN.
	ClientName() string
	// RouterName identifies the peer router, used to address its
	// control-plane topics.
	RouterName() string
	BindExclusiveFlow(queue string, mode AckMode) (Flow, error)
	// RequestReply publishes payload to topic and blocks up to timeout for
	// the reply payload.
	RequestReply(topic string, payload []byte, timeout time.Duration) ([]byte, error)
	Close() error
}

// Connector opens sessions. The concrete transport is supplied by the host.
type Connector interface {
	Connect(cfg SessionConfig) (Session, error)
}

// SessionConfig carries the connection parameters for one session.
type SessionConfig struct {
	Host     string
	Username string
	Password string
	// VPN is the message-vpn (namespace) on the broker.
	VPN string
	// ClientName is optional; empty lets the broker assign one.
	ClientName string
}
