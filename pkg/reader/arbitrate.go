package reader

// ControlPlane is the slice of the broker's administrative interface the
// reader needs: who holds the active-consumer slot, evicting a client, and
// the queue backlog. *semp.Client implements it.
type ControlPlane interface {
	ActiveConsumer(queue string) string
	DisconnectClient(clientName string) string
	QueueBacklogBytes(queue string) int64
}

// disconnectRetryLimit bounds the check-then-evict cycle. Eviction is not
// instantaneous on the broker, and another process may be racing for the
// slot, so the loop must not spin forever.
const disconnectRetryLimit = 10

// arbitrate evicts rival consumers until this reader holds the
// active-consumer slot of the queue. Exhausting the retry limit is logged
// as a likely deadlock but does not abort startup; the reader proceeds and
// may simply never receive messages, which operators must catch via the
// exhaustion counter.
func (r *Reader[T]) arbitrate() {
	for attempt := 0; attempt < disconnectRetryLimit; attempt++ {
		active := r.controlPlane.ActiveConsumer(r.conf.Queue)
		if active == r.clientName {
			r.logger.Infof("active flow for queue [%s] is [%s]", r.conf.Queue, r.clientName)
			return
		}
		result := r.controlPlane.DisconnectClient(active)
		r.logger.Warnf("disconnect client [%s] for queue [%s] result [%s]", active, r.conf.Queue, result)
	}
	r.stats.arbitrationExhausted.Inc(1)
	r.logger.Errorf("unable to become active consumer for queue [%s], likely deadlock has occurred", r.conf.Queue)
}
