package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tycoworks/tycostream-sub001/internal/protocol"
	"github.com/tycoworks/tycostream-sub001/internal/schema"
)

func testSource() *schema.SourceDefinition {
	return &schema.SourceDefinition{
		Name:       "trades",
		PrimaryKey: "id",
		Columns: []schema.Column{
			{Name: "id", Type: "int8"},
			{Name: "name", Type: "text"},
			{Name: "value", Type: "float8"},
		},
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// fakeRunner stands in for the database subscriber and lets tests feed
// records directly into the fold loop.
type fakeRunner struct {
	mu       sync.Mutex
	onRecord func(protocol.Record)
	onError  func(error)
	startErr error
	starts   int
	stops    int
}

func (f *fakeRunner) Start(onRecord func(protocol.Record), onError func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.onRecord = onRecord
	f.onError = onError
	return nil
}

func (f *fakeRunner) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeRunner) upsert(ts uint64, row schema.Row) {
	f.mu.Lock()
	onRecord := f.onRecord
	f.mu.Unlock()
	onRecord(protocol.Record{Timestamp: ts, Op: protocol.OpUpsert, Row: row})
}

func (f *fakeRunner) delete(ts uint64, row schema.Row) {
	f.mu.Lock()
	onRecord := f.onRecord
	f.mu.Unlock()
	onRecord(protocol.Record{Timestamp: ts, Op: protocol.OpDelete, Row: row})
}

func (f *fakeRunner) failStream(err error) {
	f.mu.Lock()
	onError := f.onError
	f.mu.Unlock()
	onError(err)
}

func newTestHub(t *testing.T, runner *fakeRunner, opts Options) *Hub {
	t.Helper()
	return New(testSource(), runner, testLogger(), opts)
}

func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "stream ended unexpectedly: %v", sub.Err())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func expectClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close")
		}
	}
}

func TestSnapshotThenTail(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHub(t, runner, Options{})

	sub, err := h.Subscribe(false)
	require.NoError(t, err)
	defer sub.Close()

	runner.upsert(100, schema.Row{"id": int64(1), "name": "A"})
	runner.upsert(200, schema.Row{"id": int64(2), "name": "B"})

	first := nextEvent(t, sub)
	assert.Equal(t, Insert, first.Kind)
	assert.True(t, first.Fields["id"] && first.Fields["name"] && first.Fields["value"])

	second := nextEvent(t, sub)
	assert.Equal(t, Insert, second.Kind)

	runner.upsert(300, schema.Row{"id": int64(1), "name": "A2"})
	update := nextEvent(t, sub)
	assert.Equal(t, Update, update.Kind)
	assert.Equal(t, map[string]bool{"id": true, "name": true}, update.Fields)
	assert.Equal(t, "A2", update.Row["name"])
}

func TestLateJoinerSeesSnapshotExactlyOnce(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHub(t, runner, Options{})

	first, err := h.Subscribe(false)
	require.NoError(t, err)
	defer first.Close()

	runner.upsert(100, schema.Row{"id": int64(1), "name": "A"})
	runner.upsert(200, schema.Row{"id": int64(1), "name": "A2"})
	runner.upsert(200, schema.Row{"id": int64(2), "name": "B"})

	// Drain the first subscriber up to the current state.
	nextEvent(t, first)
	nextEvent(t, first)
	nextEvent(t, first)

	late, err := h.Subscribe(false)
	require.NoError(t, err)
	defer late.Close()

	seen := map[any]string{}
	for i := 0; i < 2; i++ {
		ev := nextEvent(t, late)
		assert.Equal(t, Insert, ev.Kind)
		seen[ev.Row["id"]] = ev.Row["name"].(string)
	}
	assert.Equal(t, map[any]string{int64(1): "A2", int64(2): "B"}, seen)

	runner.upsert(300, schema.Row{"id": int64(3), "name": "C"})

	fromFirst := nextEvent(t, first)
	fromLate := nextEvent(t, late)
	assert.Equal(t, Insert, fromFirst.Kind)
	assert.Equal(t, int64(3), fromFirst.Row["id"])
	assert.Equal(t, Insert, fromLate.Kind)
	assert.Equal(t, int64(3), fromLate.Row["id"])

	// No duplicates for keys 1 and 2.
	expectNoEvent(t, late)
}

func TestSkipSnapshot(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHub(t, runner, Options{})

	first, err := h.Subscribe(false)
	require.NoError(t, err)
	defer first.Close()
	runner.upsert(100, schema.Row{"id": int64(1), "name": "A"})
	nextEvent(t, first)

	skipper, err := h.Subscribe(true)
	require.NoError(t, err)
	defer skipper.Close()

	expectNoEvent(t, skipper)

	runner.upsert(200, schema.Row{"id": int64(2), "name": "B"})
	ev := nextEvent(t, skipper)
	assert.Equal(t, int64(2), ev.Row["id"])
}

func TestDeleteEnrichment(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHub(t, runner, Options{})

	sub, err := h.Subscribe(false)
	require.NoError(t, err)
	defer sub.Close()

	runner.upsert(100, schema.Row{"id": int64(7), "name": "X", "value": 42.0})
	nextEvent(t, sub)

	// Upstream sends only the key on delete.
	runner.delete(200, schema.Row{"id": int64(7)})
	ev := nextEvent(t, sub)
	assert.Equal(t, Delete, ev.Kind)
	assert.Equal(t, map[string]bool{"id": true}, ev.Fields)
	assert.Equal(t, "X", ev.Row["name"])
	assert.Equal(t, 42.0, ev.Row["value"])
}

func TestUpdateMergesPartialRow(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHub(t, runner, Options{})

	sub, err := h.Subscribe(false)
	require.NoError(t, err)
	defer sub.Close()

	runner.upsert(100, schema.Row{"id": int64(1), "name": "A", "value": 1.0})
	nextEvent(t, sub)

	runner.upsert(200, schema.Row{"id": int64(1), "value": 2.0})
	ev := nextEvent(t, sub)
	assert.Equal(t, Update, ev.Kind)
	assert.Equal(t, map[string]bool{"id": true, "value": true}, ev.Fields)
	// Post-image keeps the previously known name.
	assert.Equal(t, "A", ev.Row["name"])
}

func TestTimestampRegressionIsFatal(t *testing.T) {
	runner := &fakeRunner{}
	var fatalErr error
	var fatalMu sync.Mutex
	h := newTestHub(t, runner, Options{
		OnFatal: func(err error) {
			fatalMu.Lock()
			fatalErr = err
			fatalMu.Unlock()
		},
	})

	sub, err := h.Subscribe(false)
	require.NoError(t, err)

	runner.upsert(100, schema.Row{"id": int64(1), "name": "A"})
	runner.upsert(200, schema.Row{"id": int64(2), "name": "B"})
	runner.upsert(150, schema.Row{"id": int64(3), "name": "C"})

	expectClosed(t, sub)
	require.Error(t, sub.Err())
	assert.ErrorIs(t, sub.Err(), ErrTimestampRegression)
	assert.Equal(t, StateDisposed, h.State())

	fatalMu.Lock()
	defer fatalMu.Unlock()
	assert.ErrorIs(t, fatalErr, ErrTimestampRegression)
}

func TestEqualTimestampsAreValid(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHub(t, runner, Options{})

	sub, err := h.Subscribe(false)
	require.NoError(t, err)
	defer sub.Close()

	runner.upsert(100, schema.Row{"id": int64(1), "name": "A"})
	runner.upsert(100, schema.Row{"id": int64(2), "name": "B"})

	nextEvent(t, sub)
	ev := nextEvent(t, sub)
	assert.Equal(t, int64(2), ev.Row["id"])
	assert.Equal(t, StateStreaming, h.State())
}

func TestStreamErrorFailsFast(t *testing.T) {
	runner := &fakeRunner{}
	var fatalCount int
	var fatalMu sync.Mutex
	h := newTestHub(t, runner, Options{
		OnFatal: func(error) {
			fatalMu.Lock()
			fatalCount++
			fatalMu.Unlock()
		},
	})

	sub, err := h.Subscribe(false)
	require.NoError(t, err)

	runner.failStream(assert.AnError)

	expectClosed(t, sub)
	assert.ErrorIs(t, sub.Err(), assert.AnError)
	assert.Equal(t, StateDisposed, h.State())

	fatalMu.Lock()
	defer fatalMu.Unlock()
	assert.Equal(t, 1, fatalCount)
}

func TestStartupFailurePropagates(t *testing.T) {
	runner := &fakeRunner{startErr: assert.AnError}
	var fatalErr error
	var fatalMu sync.Mutex
	h := newTestHub(t, runner, Options{
		OnFatal: func(err error) {
			fatalMu.Lock()
			fatalErr = err
			fatalMu.Unlock()
		},
	})

	_, err := h.Subscribe(false)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, StateDisposed, h.State())

	fatalMu.Lock()
	defer fatalMu.Unlock()
	assert.ErrorIs(t, fatalErr, assert.AnError)
}

func TestLastUnsubscribeDisposes(t *testing.T) {
	runner := &fakeRunner{}
	disposed := make(chan struct{})
	h := newTestHub(t, runner, Options{
		OnDispose: func() { close(disposed) },
	})

	sub, err := h.Subscribe(false)
	require.NoError(t, err)
	assert.Equal(t, 1, h.SubscriberCount())

	sub.Close()

	select {
	case <-disposed:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not dispose")
	}
	assert.Equal(t, StateDisposed, h.State())
	assert.Equal(t, 1, runner.stops)

	_, err = h.Subscribe(false)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestCloseIsIdempotent(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHub(t, runner, Options{})

	sub, err := h.Subscribe(false)
	require.NoError(t, err)
	sub.Close()
	sub.Close()
	expectClosed(t, sub)
}

func TestSlowConsumerTerminatedAlone(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHub(t, runner, Options{MaxBufferPerSubscriber: 2})

	slow, err := h.Subscribe(false)
	require.NoError(t, err)

	fast, err := h.Subscribe(false)
	require.NoError(t, err)
	defer fast.Close()

	// Overflow the slow subscriber's buffer without draining it.
	for i := 1; i <= 5; i++ {
		runner.upsert(uint64(i*100), schema.Row{"id": int64(i), "name": "N"})
	}

	expectClosed(t, slow)
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)

	// The fast subscriber and the hub keep streaming.
	for i := 0; i < 5; i++ {
		nextEvent(t, fast)
	}
	assert.Equal(t, StateStreaming, h.State())
}

func TestEventOrderPreservedPerSubscriber(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHub(t, runner, Options{})

	sub, err := h.Subscribe(false)
	require.NoError(t, err)
	defer sub.Close()

	for i := 1; i <= 20; i++ {
		runner.upsert(uint64(i*10), schema.Row{"id": int64(1), "name": "A", "value": float64(i)})
	}

	prev := 0.0
	first := nextEvent(t, sub)
	assert.Equal(t, Insert, first.Kind)
	prev = first.Row["value"].(float64)
	for i := 0; i < 19; i++ {
		ev := nextEvent(t, sub)
		assert.Equal(t, Update, ev.Kind)
		assert.Greater(t, ev.Row["value"].(float64), prev)
		prev = ev.Row["value"].(float64)
	}
}
