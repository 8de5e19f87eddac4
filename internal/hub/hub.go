package hub

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tycoworks/tycostream-sub001/internal/cache"
	"github.com/tycoworks/tycostream-sub001/internal/metrics"
	"github.com/tycoworks/tycostream-sub001/internal/protocol"
	"github.com/tycoworks/tycostream-sub001/internal/schema"
)

// State is the lifecycle state of a source pipeline. Transitions are
// strictly forward.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateStopping
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

// StreamRunner drives the upstream subscription for one source and
// surfaces framed records and errors through callbacks.
type StreamRunner interface {
	// Start opens the upstream stream. Startup failures are returned
	// synchronously; runtime failures arrive on onError exactly once.
	Start(onRecord func(protocol.Record), onError func(error)) error
	// Stop tears the stream down. A clean end-of-stream after Stop is
	// not an error.
	Stop()
}

// Options tunes hub behavior.
type Options struct {
	// MaxBufferPerSubscriber caps each subscriber's buffer. Zero means
	// unbounded; on overflow only the offending subscriber is
	// terminated with ErrSlowConsumer.
	MaxBufferPerSubscriber int
	// OnDispose is invoked once when the hub reaches StateDisposed.
	OnDispose func()
	// OnFatal is invoked once when an unrecoverable error disposes the
	// hub; the process is expected to shut down.
	OnFatal func(error)
	// Metrics receives pipeline observations when set.
	Metrics *metrics.Pipeline
}

// Hub owns the pipeline for one source: the upstream runner, the
// authoritative cache, and the broadcast list. The fold loop is the only
// writer of the cache.
type Hub struct {
	source *schema.SourceDefinition
	runner StreamRunner
	logger *logrus.Logger
	opts   Options

	allFields []string

	mu       sync.Mutex
	state    State
	cache    *cache.Cache
	latestTs uint64
	tsSeen   bool
	subs     map[string]*Subscription

	disposeOnce sync.Once
}

// New creates an idle hub for one source. The runner is not started
// until the first subscriber attaches.
func New(source *schema.SourceDefinition, runner StreamRunner, logger *logrus.Logger, opts Options) *Hub {
	return &Hub{
		source:    source,
		runner:    runner,
		logger:    logger,
		opts:      opts,
		allFields: source.FieldNames(),
		cache:     cache.New(source.PrimaryKey),
		subs:      make(map[string]*Subscription),
	}
}

// Source returns the source definition this hub serves.
func (h *Hub) Source() *schema.SourceDefinition {
	return h.source
}

// State returns the current lifecycle state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Subscribe attaches a new subscriber. Unless skipSnapshot is set, the
// stream opens with one INSERT per cached row, followed by every later
// event in broadcast order. The first subscriber starts the upstream
// stream; a startup failure is returned synchronously and disposes the
// hub.
func (h *Hub) Subscribe(skipSnapshot bool) (*Subscription, error) {
	h.mu.Lock()
	switch h.state {
	case StateStopping, StateDisposed:
		h.mu.Unlock()
		return nil, ErrShuttingDown
	case StateIdle:
		h.state = StateConnecting
		h.mu.Unlock()
		if err := h.runner.Start(h.handleRecord, h.handleStreamError); err != nil {
			err = fmt.Errorf("start subscription for %s: %w", h.source.Name, err)
			h.fatal(err)
			return nil, err
		}
		h.mu.Lock()
		// A runtime error may have disposed the hub while unlocked.
		if h.state != StateConnecting {
			h.mu.Unlock()
			return nil, ErrShuttingDown
		}
		h.state = StateStreaming
		h.logger.WithField("source", h.source.Name).Info("Source pipeline streaming")
	}

	// Critical section: the snapshot rows and snapshotTs are captured
	// atomically with buffer registration, so every row in existence at
	// this instant reaches the subscriber exactly once: either as a
	// snapshot INSERT or as a later event with t > snapshotTs.
	sub := newSubscription(h.latestTs, h.tsSeen, h.opts.MaxBufferPerSubscriber, h.removeSubscriber)
	if !skipSnapshot {
		snapshot := make([]Event, 0, h.cache.Len())
		for _, row := range h.cache.AllRows() {
			snapshot = append(snapshot, Event{
				Kind:      Insert,
				Fields:    fieldSet(h.allFields),
				Row:       row,
				Timestamp: h.latestTs,
			})
		}
		sub.loadSnapshot(snapshot)
		if h.opts.Metrics != nil {
			h.opts.Metrics.SnapshotRows.WithLabelValues(h.source.Name).Add(float64(len(snapshot)))
		}
	}
	h.subs[sub.id] = sub
	count := len(h.subs)
	h.mu.Unlock()

	if h.opts.Metrics != nil {
		h.opts.Metrics.ActiveSubscribers.WithLabelValues(h.source.Name).Set(float64(count))
	}

	h.logger.WithFields(logrus.Fields{
		"source":        h.source.Name,
		"subscriber":    sub.id,
		"subscribers":   count,
		"skip_snapshot": skipSnapshot,
	}).Debug("Subscriber attached")
	return sub, nil
}

// handleRecord is the fold loop: classify the record against the cache,
// apply it, and broadcast the resulting event. Called from the runner's
// single reader goroutine.
func (h *Hub) handleRecord(rec protocol.Record) {
	h.mu.Lock()
	if h.state != StateStreaming && h.state != StateConnecting {
		h.mu.Unlock()
		return
	}

	if h.tsSeen && rec.Timestamp < h.latestTs {
		prev := h.latestTs
		h.mu.Unlock()
		h.fatal(fmt.Errorf("%w: source %s went from %d to %d",
			ErrTimestampRegression, h.source.Name, prev, rec.Timestamp))
		return
	}

	event := h.classify(rec)

	if rec.Op == protocol.OpDelete {
		h.cache.Delete(rec.Row)
	} else {
		// The incoming row, not the merged post-image, is what the
		// upstream asserts; store it as-is.
		h.cache.Set(rec.Row)
	}

	h.latestTs = rec.Timestamp
	h.tsSeen = true

	if h.opts.Metrics != nil {
		h.opts.Metrics.EventsProcessed.WithLabelValues(h.source.Name, event.Kind.String()).Inc()
	}

	for _, sub := range h.subs {
		// Strict filter: the record that produced the snapshot state is
		// itself excluded, so no duplicate is possible. Subscribers that
		// attached before the first record are ungated.
		if !sub.gated || event.Timestamp > sub.snapshotTs {
			sub.enqueue(event)
		}
	}
	h.mu.Unlock()
}

// classify derives the row update event for a record. Caller holds h.mu.
func (h *Hub) classify(rec protocol.Record) Event {
	key := rec.Row[h.source.PrimaryKey]
	prior := h.cache.Get(key)

	// Merge the incoming fields over the prior cached row. This enriches
	// partial DELETE and partial UPDATE inputs with the last known state.
	full := make(schema.Row, len(prior)+len(rec.Row))
	for k, v := range prior {
		full[k] = v
	}
	for k, v := range rec.Row {
		full[k] = v
	}

	ev := Event{Row: full, Timestamp: rec.Timestamp}
	switch {
	case rec.Op == protocol.OpDelete:
		ev.Kind = Delete
		ev.Fields = map[string]bool{h.source.PrimaryKey: true}
	case prior == nil:
		ev.Kind = Insert
		ev.Fields = fieldSet(h.allFields)
	default:
		ev.Kind = Update
		ev.Fields = map[string]bool{h.source.PrimaryKey: true}
		for k, v := range full {
			// DeepEqual because decoded values include jsonb maps and
			// slices, which are not comparable with ==.
			if pv, ok := prior[k]; !ok || !reflect.DeepEqual(pv, v) {
				ev.Fields[k] = true
			}
		}
	}
	return ev
}

// handleStreamError receives runtime failures from the runner. The cache
// can no longer be trusted to mirror the upstream, so the whole pipeline
// fails fast.
func (h *Hub) handleStreamError(err error) {
	h.fatal(fmt.Errorf("source %s stream failed: %w", h.source.Name, err))
}

// removeSubscriber detaches one subscriber; the last detachment stops
// the pipeline and disposes the hub.
func (h *Hub) removeSubscriber(sub *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[sub.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub.id)
	sub.complete()
	remaining := len(h.subs)
	last := remaining == 0 && (h.state == StateStreaming || h.state == StateConnecting)
	if last {
		h.state = StateStopping
	}
	h.mu.Unlock()

	if h.opts.Metrics != nil {
		h.opts.Metrics.ActiveSubscribers.WithLabelValues(h.source.Name).Set(float64(remaining))
	}
	h.logger.WithFields(logrus.Fields{
		"source":      h.source.Name,
		"subscriber":  sub.id,
		"subscribers": remaining,
	}).Debug("Subscriber detached")

	if last {
		h.runner.Stop()
		h.dispose(nil)
	}
}

// Stop force-stops the pipeline, failing any attached subscribers with
// ErrShuttingDown. Used during process shutdown.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.state == StateDisposed || h.state == StateStopping {
		h.mu.Unlock()
		return
	}
	started := h.state == StateStreaming || h.state == StateConnecting
	h.state = StateStopping
	h.mu.Unlock()

	if started {
		h.runner.Stop()
	}
	h.dispose(nil)
}

// fatal disposes the hub after an unrecoverable error and instructs the
// process to shut down.
func (h *Hub) fatal(err error) {
	h.logger.WithError(err).WithField("source", h.source.Name).Error("Source pipeline failed")
	if h.opts.Metrics != nil {
		h.opts.Metrics.PipelineFailures.WithLabelValues(h.source.Name).Inc()
	}
	h.mu.Lock()
	if h.state == StateDisposed {
		h.mu.Unlock()
		return
	}
	started := h.state == StateStreaming || h.state == StateConnecting
	h.state = StateStopping
	h.mu.Unlock()

	if started {
		h.runner.Stop()
	}
	h.dispose(err)
	if h.opts.OnFatal != nil {
		h.opts.OnFatal(err)
	}
}

// dispose completes all pending buffers, clears the cache, and
// deregisters the hub. err is propagated to any attached subscribers.
func (h *Hub) dispose(err error) {
	h.disposeOnce.Do(func() {
		h.mu.Lock()
		subs := make([]*Subscription, 0, len(h.subs))
		for _, sub := range h.subs {
			subs = append(subs, sub)
		}
		h.subs = make(map[string]*Subscription)
		h.cache.Clear()
		h.state = StateDisposed
		h.mu.Unlock()

		for _, sub := range subs {
			if err != nil {
				sub.fail(err)
			} else {
				sub.fail(ErrShuttingDown)
			}
		}

		h.logger.WithField("source", h.source.Name).Info("Source pipeline disposed")
		if h.opts.OnDispose != nil {
			h.opts.OnDispose()
		}
	})
}
