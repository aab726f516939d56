package reader

import (
	"errors"
	"time"

	"github.com/sarkologist/solace-beam-unboundedSource/pkg/broker"
)

var (
	// ErrMissingAdminCredentials is returned by Start when ForceActive is
	// requested without admin credentials. Checked before any connection
	// side effects.
	ErrMissingAdminCredentials = errors.New("reader: admin credentials required to disconnect clients")

	errMissingQueue = errors.New("reader: queue name is mandatory")
	errMissingHost  = errors.New("reader: broker host is mandatory")
)

const (
	defaultReceiveTimeout = 500 * time.Millisecond
	minReceiveTimeout     = 1 * time.Millisecond
)

// Config describes one reader instance. Immutable after construction.
type Config struct {
	broker.SessionConfig

	// Queue is the exclusive queue to bind. It must already exist; the
	// reader never provisions endpoints.
	Queue string

	// AutoAck lets the broker acknowledge on delivery. When false the
	// reader stages every message and acknowledges at checkpoint
	// finalization.
	AutoAck bool

	// UseSenderTimestamp takes the record timestamp from the producer when
	// the message carries one, falling back to wall clock.
	UseSenderTimestamp bool

	// UseSenderMessageID dedups on the producer sequence number when the
	// message carries one, falling back to the broker-assigned id.
	UseSenderMessageID bool

	// ForceActive evicts whichever client holds the active-consumer slot
	// of the queue until this reader holds it.
	ForceActive   bool
	AdminUsername string
	AdminPassword string
	// AdminEndpoint overrides the SEMP v2 REST base URL. Used by tests.
	AdminEndpoint string

	// ReceiveTimeout bounds each pull. Zero selects the 500 ms default.
	ReceiveTimeout time.Duration
}

// Validate fails fast on configuration that would otherwise surface as a
// hard-to-diagnose failure later.
func (c Config) Validate() error {
	if c.Queue == "" {
		return errMissingQueue
	}
	if c.Host == "" {
		return errMissingHost
	}
	if c.ForceActive && (c.AdminUsername == "" || c.AdminPassword == "") {
		return ErrMissingAdminCredentials
	}
	return nil
}

func (c Config) receiveTimeout() time.Duration {
	if c.ReceiveTimeout <= 0 {
		return defaultReceiveTimeout
	}
	if c.ReceiveTimeout < minReceiveTimeout {
		return minReceiveTimeout
	}
	return c.ReceiveTimeout
}
