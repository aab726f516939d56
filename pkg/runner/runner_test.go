package runner

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sarkologist/solace-beam-unboundedSource/pkg/reader"
)

type countingMark struct {
	count     int
	finalized *int
}

func (m *countingMark) Finalize() error {
	*m.finalized += m.count
	return nil
}
func (m *countingMark) Count() int { return m.count }

// scriptedReader hands out records until its list is exhausted, then keeps
// reporting empty polls.
type scriptedReader struct {
	records   []string
	current   string
	has       bool
	staged    int
	finalized int
	closed    bool
	failAfter int
	advances  int
}

func (r *scriptedReader) Start(ctx context.Context) (bool, error) { return r.Advance(ctx) }

func (r *scriptedReader) Advance(ctx context.Context) (bool, error) {
	r.advances++
	if r.failAfter > 0 && r.advances > r.failAfter {
		return false, errors.New("session corrupted")
	}
	if len(r.records) == 0 {
		return false, nil
	}
	r.current = r.records[0]
	r.records = r.records[1:]
	r.has = true
	r.staged++
	return true, nil
}

func (r *scriptedReader) Current() (string, error) {
	if !r.has {
		return "", reader.ErrNoCurrentRecord
	}
	return r.current, nil
}

func (r *scriptedReader) CurrentTimestamp() (time.Time, error) {
	if !r.has {
		return time.Time{}, reader.ErrNoCurrentRecord
	}
	return time.Now(), nil
}

func (r *scriptedReader) CurrentRecordID() []byte { return []byte(r.current) }

func (r *scriptedReader) CheckpointMark() reader.CheckpointMark {
	mark := &countingMark{count: r.staged, finalized: &r.finalized}
	r.staged = 0
	return mark
}

func (r *scriptedReader) Watermark() time.Time { return time.Now() }
func (r *scriptedReader) BacklogBytes() int64  { return 0 }
func (r *scriptedReader) Close() error {
	r.closed = true
	return nil
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l.WithField("component", "test")
}

func Test_RunProcessesAndFinalizesEverything(t *testing.T) {
	r := &scriptedReader{records: []string{"a", "b", "c", "d"}}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var processed []string
	err := Run[string](ctx, r, Config{CheckpointEvery: 10 * time.Millisecond},
		func(record string, ts time.Time) { processed = append(processed, record) },
		testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if len(processed) != 4 {
		t.Fatalf("expected 4 processed records, got %v", processed)
	}
	// the shutdown checkpoint acknowledges whatever the ticker missed
	if r.finalized != 4 {
		t.Errorf("expected all 4 staged messages finalized, got %d", r.finalized)
	}
	if !r.closed {
		t.Error("runner must close the reader")
	}
}

func Test_RunPropagatesFatalReaderError(t *testing.T) {
	r := &scriptedReader{records: []string{"a", "b"}, failAfter: 3}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := Run[string](ctx, r, Config{CheckpointEvery: time.Hour},
		func(string, time.Time) {}, testLogger())
	if err == nil {
		t.Fatal("expected the fatal error to propagate")
	}
	if !r.closed {
		t.Error("reader must be closed on fatal error")
	}
	// the pre-failure records still get acknowledged by the final mark
	if r.finalized != 2 {
		t.Errorf("expected 2 finalized, got %d", r.finalized)
	}
}
