package reader

import (
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
)

// statsPeriod is how often the pull loop dumps accumulated counters.
const statsPeriod = 120 * time.Second

// Stats accumulates per-reader counters. All fields are owned by the pull
// goroutine; the counters live in the supplied go-metrics registry so an
// exporter can publish them as well.
type Stats struct {
	received              metrics.Counter
	emptyPolls            metrics.Counter
	checkpointReady       metrics.Counter
	arbitrationExhausted  metrics.Counter
	backlogBytes          metrics.Gauge
	lastReportTime        time.Time
	currentAdvanceTime    time.Time
	currentCheckpointTime time.Time
}

func newStats(registry metrics.Registry, queue string) *Stats {
	prefix := "reader." + queue + "."
	return &Stats{
		received:             metrics.GetOrRegisterCounter(prefix+"messages_received", registry),
		emptyPolls:           metrics.GetOrRegisterCounter(prefix+"empty_polls", registry),
		checkpointReady:      metrics.GetOrRegisterCounter(prefix+"checkpoint_ready", registry),
		arbitrationExhausted: metrics.GetOrRegisterCounter(prefix+"forced_disconnect_exhausted", registry),
		backlogBytes:         metrics.GetOrRegisterGauge(prefix+"backlog_bytes", registry),
	}
}

func (s *Stats) setBacklog(bytes int64) {
	s.backlogBytes.Update(bytes)
}

// Received reports messages pulled since the last dump.
func (s *Stats) Received() int64 { return s.received.Count() }

// EmptyPolls reports pulls that timed out since the last dump.
func (s *Stats) EmptyPolls() int64 { return s.emptyPolls.Count() }

// CheckpointReady reports messages handed to checkpoint marks since the
// last dump.
func (s *Stats) CheckpointReady() int64 { return s.checkpointReady.Count() }

// dumpAndClear renders one report line and optionally resets the delta
// counters. The backlog gauge and the timestamps are point-in-time values
// and are never reset.
func (s *Stats) dumpAndClear(clear bool) string {
	line := fmt.Sprintf("received=%d emptyPolls=%d checkpointReady=%d backlogBytes=%d lastAdvance=%s lastCheckpoint=%s",
		s.received.Count(), s.emptyPolls.Count(), s.checkpointReady.Count(), s.backlogBytes.Value(),
		s.currentAdvanceTime.Format(time.RFC3339), s.currentCheckpointTime.Format(time.RFC3339))
	if clear {
		s.received.Clear()
		s.emptyPolls.Clear()
		s.checkpointReady.Clear()
	}
	return line
}
