// Package runner drives an UnboundedReader the way a streaming execution
// engine would: one goroutine owns Start/Advance/CheckpointMark/Close, a
// second goroutine finalizes checkpoint marks asynchronously.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarkologist/solace-beam-unboundedSource/pkg/reader"
)

// Config tunes the drive loop.
type Config struct {
	// CheckpointEvery is the period between checkpoint requests.
	CheckpointEvery time.Duration
}

// Process consumes one record and its assigned timestamp.
type Process[T any] func(record T, ts time.Time)

// Run drives the reader until ctx is cancelled or the reader fails
// fatally. A final checkpoint is taken and finalized before Close, so a
// clean shutdown acknowledges everything pulled.
func Run[T any](ctx context.Context, r reader.UnboundedReader[T], conf Config, process Process[T], logger logrus.FieldLogger) error {
	marks := make(chan reader.CheckpointMark, 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for mark := range marks {
			if err := mark.Finalize(); err != nil {
				logger.WithError(err).Error("checkpoint finalization failed")
				continue
			}
			if n := mark.Count(); n > 0 {
				logger.Debugf("finalized checkpoint of %d messages", n)
			}
		}
	}()
	finish := func() {
		close(marks)
		wg.Wait()
		if err := r.Close(); err != nil {
			logger.WithError(err).Error("reader close failed")
		}
	}

	ok, err := r.Start(ctx)
	if err != nil {
		finish()
		return err
	}
	if ok {
		deliver(r, process, logger)
	}

	ticker := time.NewTicker(conf.CheckpointEvery)
	defer ticker.Stop()
	for ctx.Err() == nil {
		select {
		case <-ticker.C:
			marks <- r.CheckpointMark()
		default:
		}
		ok, err := r.Advance(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			marks <- r.CheckpointMark()
			finish()
			return err
		}
		if ok {
			deliver(r, process, logger)
		}
	}

	marks <- r.CheckpointMark()
	finish()
	return nil
}

func deliver[T any](r reader.UnboundedReader[T], process Process[T], logger logrus.FieldLogger) {
	record, err := r.Current()
	if err != nil {
		logger.WithError(err).Error("advance reported a record but none is current")
		return
	}
	ts, err := r.CurrentTimestamp()
	if err != nil {
		logger.WithError(err).Error("current record has no timestamp")
		return
	}
	process(record, ts)
}
