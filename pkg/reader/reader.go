// Package reader pulls messages from an exclusive broker queue on behalf of
// a streaming execution engine: it tracks a current record, stages pulled
// messages for checkpoint-time acknowledgment, arbitrates exclusive
// ownership of the queue, and reports backlog for lag estimation.
package reader

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/sarkologist/solace-beam-unboundedSource/pkg/broker"
	"github.com/sarkologist/solace-beam-unboundedSource/pkg/semp"
)

// ErrNoCurrentRecord is returned by Current and CurrentTimestamp before the
// first successful Advance.
var ErrNoCurrentRecord = errors.New("reader: no current record")

// BacklogUnknown is reported by BacklogBytes when the control-plane query
// fails. Backlog is best-effort and never destabilizes the reader.
const BacklogUnknown = semp.BacklogUnknown

// MessageMapper turns a raw broker message into the output record type.
// Supplied by the host; opaque to the reader.
type MessageMapper[T any] func(broker.Message) (T, error)

// UnboundedReader is the checkpointed-reader contract the execution engine
// drives. One dedicated goroutine calls Start/Advance/CheckpointMark/Close;
// a second, engine-owned goroutine finalizes the returned marks.
type UnboundedReader[T any] interface {
	Start(ctx context.Context) (bool, error)
	Advance(ctx context.Context) (bool, error)
	Current() (T, error)
	CurrentTimestamp() (time.Time, error)
	CurrentRecordID() []byte
	CheckpointMark() CheckpointMark
	Watermark() time.Time
	BacklogBytes() int64
	Close() error
}

var _ = UnboundedReader[string]((*Reader[string])(nil))

// Reader is the exclusive-queue implementation of UnboundedReader.
type Reader[T any] struct {
	conf      Config
	connector broker.Connector
	mapper    MessageMapper[T]
	logger    logrus.FieldLogger

	session      broker.Session
	flow         broker.Flow
	controlPlane ControlPlane
	// newControlPlane exists so tests can script the control plane.
	newControlPlane func(broker.Session) ControlPlane
	clientName      string

	// active is flipped once at Close and is the only cross-goroutine
	// field besides the watermark.
	active    *atomic.Bool
	watermark *atomic.Int64 // epoch millis

	hasCurrent       bool
	current          T
	currentTimestamp time.Time
	currentID        string

	// staged is private to the pull goroutine; CheckpointMark moves its
	// whole contents into a mark-owned snapshot, so no lock is needed on
	// the hot path.
	staged []stagedMessage
	stats  *Stats
}

// New builds a reader. Counters are registered in the supplied registry so
// they stay instance-scoped; pass metrics.NewRegistry() if nothing exports
// them.
func New[T any](conf Config, connector broker.Connector, mapper MessageMapper[T], registry metrics.Registry, logger logrus.FieldLogger) *Reader[T] {
	r := &Reader[T]{
		conf:      conf,
		connector: connector,
		mapper:    mapper,
		logger:    logger,
		active:    atomic.NewBool(true),
		watermark: atomic.NewInt64(time.Now().UnixMilli()),
		stats:     newStats(registry, conf.Queue),
	}
	r.newControlPlane = func(s broker.Session) ControlPlane {
		return semp.New(s, semp.Config{
			Host:          conf.Host,
			VPN:           conf.VPN,
			AdminUsername: conf.AdminUsername,
			AdminPassword: conf.AdminPassword,
			AdminEndpoint: conf.AdminEndpoint,
		}, logger)
	}
	return r
}

// Start validates the configuration, connects, binds the exclusive flow,
// arbitrates ownership when requested, and attempts a first Advance.
func (r *Reader[T]) Start(ctx context.Context) (bool, error) {
	if err := r.conf.Validate(); err != nil {
		return false, err
	}
	r.logger.Infof("starting reader for queue [%s]", r.conf.Queue)

	session, err := r.connector.Connect(r.conf.SessionConfig)
	if err != nil {
		return false, errors.Wrapf(err, "reader: connecting to [%s]", r.conf.Host)
	}
	r.session = session
	r.clientName = session.ClientName()

	mode := broker.AckModeClient
	if r.conf.AutoAck {
		mode = broker.AckModeAuto
	}
	flow, err := session.BindExclusiveFlow(r.conf.Queue, mode)
	if err != nil {
		return false, errors.Wrapf(err, "reader: binding queue [%s]", r.conf.Queue)
	}
	r.flow = flow
	r.controlPlane = r.newControlPlane(session)
	r.stats.lastReportTime = time.Now()
	r.logger.Infof("session [%s] bound to queue [%s] ackMode=%s", r.clientName, r.conf.Queue, mode)

	if r.conf.ForceActive {
		r.arbitrate()
	}
	return r.Advance(ctx)
}

// Advance pulls at most one message. A false return with nil error is an
// empty poll or a transient transport hiccup, both expected in steady
// state; only real corruption is an error.
func (r *Reader[T]) Advance(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := time.Now()
	r.stats.currentAdvanceTime = now
	if now.Sub(r.stats.lastReportTime) >= statsPeriod {
		r.logger.Infof("stats for queue [%s] from client [%s]: %s",
			r.conf.Queue, r.clientName, r.stats.dumpAndClear(true))
		r.stats.lastReportTime = now
	}

	msg, err := r.flow.Receive(r.conf.receiveTimeout())
	if err != nil {
		if broker.IsTransport(err) {
			r.logger.WithError(err).Warnf("transport hiccup on client [%s]", r.clientName)
			return false, nil
		}
		return false, errors.Wrapf(err, "reader: receive on queue [%s]", r.conf.Queue)
	}
	if msg == nil {
		r.stats.emptyPolls.Inc(1)
		return false, nil
	}
	r.stats.received.Inc(1)

	record, err := r.mapper(msg)
	if err != nil {
		return false, errors.Wrapf(err, "reader: mapping message [%s]", msg.ID())
	}
	r.current = record
	// the wall clock is re-read here: Receive may have blocked for the
	// whole timeout and the record timestamp belongs to arrival, not to
	// the start of the pull
	r.currentTimestamp = pickTimestamp(msg, r.conf.UseSenderTimestamp, time.Now())
	r.currentID = pickRecordID(msg, r.conf.UseSenderMessageID)
	r.hasCurrent = true

	if !r.conf.AutoAck {
		r.staged = append(r.staged, stagedMessage{msg: msg, ts: r.currentTimestamp})
	}
	return true, nil
}

// pickTimestamp prefers the producer timestamp when configured and present.
func pickTimestamp(msg broker.Message, useSender bool, now time.Time) time.Time {
	if useSender {
		if sent := msg.SenderTimestamp(); sent != nil {
			return *sent
		}
	}
	return now
}

// pickRecordID prefers the producer sequence number for dedup, since
// broker-assigned message ids reset across connections.
func pickRecordID(msg broker.Message, useSender bool) string {
	if useSender {
		if seq := msg.SequenceNumber(); seq != nil {
			return strconv.FormatInt(*seq, 10)
		}
	}
	return msg.ID()
}

// CheckpointMark drains every staged message into a new mark in pull order.
// Under auto-ack there is nothing to acknowledge and a no-op mark is
// returned.
func (r *Reader[T]) CheckpointMark() CheckpointMark {
	if r.conf.AutoAck {
		return noopMark{}
	}
	msgs := r.staged
	r.staged = nil
	r.stats.currentCheckpointTime = time.Now()
	r.stats.checkpointReady.Inc(int64(len(msgs)))
	return &ackMark{clientName: r.clientName, messages: msgs}
}

// Current returns the record of the last successful Advance.
func (r *Reader[T]) Current() (T, error) {
	if !r.hasCurrent {
		var zero T
		return zero, ErrNoCurrentRecord
	}
	return r.current, nil
}

// CurrentTimestamp returns the timestamp assigned to the current record.
func (r *Reader[T]) CurrentTimestamp() (time.Time, error) {
	if !r.hasCurrent {
		return time.Time{}, ErrNoCurrentRecord
	}
	return r.currentTimestamp, nil
}

// CurrentRecordID returns the dedup identifier of the current record.
func (r *Reader[T]) CurrentRecordID() []byte {
	return []byte(r.currentID)
}

// Watermark reflects wall-clock progress at reader construction, not
// event-time completeness.
func (r *Reader[T]) Watermark() time.Time {
	return time.UnixMilli(r.watermark.Load())
}

// BacklogBytes reports the queue's unconsumed bytes, or BacklogUnknown when
// the control plane cannot answer.
func (r *Reader[T]) BacklogBytes() int64 {
	if r.controlPlane == nil {
		return BacklogUnknown
	}
	bytes := r.controlPlane.QueueBacklogBytes(r.conf.Queue)
	if bytes == BacklogUnknown {
		r.logger.Errorf("unable to read backlog bytes for queue [%s]", r.conf.Queue)
		return BacklogUnknown
	}
	r.stats.setBacklog(bytes)
	return bytes
}

// ClientName is this reader's name on the message VPN, assigned at Start.
func (r *Reader[T]) ClientName() string { return r.clientName }

// Stats exposes the reader's counters.
func (r *Reader[T]) Stats() *Stats { return r.stats }

// Close releases the flow and session, tolerating either being unbound.
// It only takes effect between pulls; no call is interrupted mid-flight.
func (r *Reader[T]) Close() error {
	r.logger.Infof("closing session [%s] on queue [%s]", r.clientName, r.conf.Queue)
	r.active.Store(false)
	if r.flow != nil {
		if err := r.flow.Close(); err != nil {
			return errors.Wrap(err, "reader: closing flow")
		}
	}
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			return errors.Wrap(err, "reader: closing session")
		}
	}
	return nil
}
