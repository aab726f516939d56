package reader

import (
	"time"

	"github.com/pkg/errors"

	"github.com/sarkologist/solace-beam-unboundedSource/pkg/broker"
)

// stagedMessage pairs a pulled message with the timestamp it was assigned.
// Owned by the pull goroutine until drained into a checkpoint mark, never
// mutated after creation.
type stagedMessage struct {
	msg broker.Message
	ts  time.Time
}

// CheckpointMark represents work done so far. Finalize performs the durable
// acknowledgment of that work and may run on a different goroutine than the
// one that produced the mark.
type CheckpointMark interface {
	Finalize() error
	// Count is the number of messages the mark will acknowledge.
	Count() int
}

// noopMark is the auto-ack variant: the broker already acknowledged on
// delivery.
type noopMark struct{}

func (noopMark) Finalize() error { return nil }
func (noopMark) Count() int      { return 0 }

// ackMark owns an isolated snapshot of staged messages. The pull goroutine
// never sees them again once the mark is constructed, so Finalize needs no
// locking.
type ackMark struct {
	clientName string
	messages   []stagedMessage
}

func (m *ackMark) Count() int { return len(m.messages) }

// Finalize acknowledges every message in the mark. A failure may leave the
// mark partially acknowledged; the broker redelivers the rest
// (at-least-once).
func (m *ackMark) Finalize() error {
	for i := range m.messages {
		if err := m.messages[i].msg.Ack(); err != nil {
			return errors.Wrapf(err, "reader: client [%s] failed to ack message [%s]",
				m.clientName, m.messages[i].msg.ID())
		}
	}
	return nil
}
