// Package trigger runs predicate-driven one-shot side effects: each
// trigger is a filtered view over a source whose visibility transitions
// fire webhook calls instead of GraphQL frames.
package trigger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tycoworks/tycostream-sub001/internal/hub"
	"github.com/tycoworks/tycostream-sub001/internal/metrics"
	"github.com/tycoworks/tycostream-sub001/internal/schema"
	"github.com/tycoworks/tycostream-sub001/internal/view"
	"github.com/tycoworks/tycostream-sub001/internal/webhook"
)

// EventType classifies a trigger firing.
type EventType string

const (
	EventMatch   EventType = "MATCH"
	EventUnmatch EventType = "UNMATCH"
)

// Envelope is the JSON body POSTed to the trigger's webhook.
type Envelope struct {
	EventID     string     `json:"event_id"`
	TriggerName string     `json:"trigger_name"`
	EventType   EventType  `json:"event_type"`
	Data        schema.Row `json:"data"`
}

// Definition describes one trigger.
type Definition struct {
	Name    string
	Source  string
	Match   view.Condition
	Unmatch view.Condition
	URL     string
}

// Trigger is a live trigger: a subscription with a view whose INSERTs
// and DELETEs become MATCH and UNMATCH webhook deliveries.
type Trigger struct {
	def    Definition
	sub    *hub.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// Definition returns the trigger's definition.
func (t *Trigger) Definition() Definition {
	return t.def
}

// Manager owns all live triggers.
type Manager struct {
	registry   *hub.Registry
	dispatcher *webhook.Dispatcher
	logger     *logrus.Logger
	metrics    *metrics.Pipeline

	mu       sync.Mutex
	triggers map[string]*Trigger
}

// NewManager creates an empty trigger manager. metrics may be nil.
func NewManager(registry *hub.Registry, dispatcher *webhook.Dispatcher, logger *logrus.Logger, m *metrics.Pipeline) *Manager {
	return &Manager{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    m,
		triggers:   make(map[string]*Trigger),
	}
}

// Create compiles the trigger's predicates and attaches it to its
// source. Triggers subscribe without a snapshot so historical state does
// not fire webhooks on restart.
func (m *Manager) Create(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("trigger name is required")
	}
	if def.URL == "" {
		return fmt.Errorf("trigger %s: webhook url is required", def.Name)
	}

	match, err := view.Compile(def.Match)
	if err != nil {
		return fmt.Errorf("trigger %s: compile match: %w", def.Name, err)
	}
	var unmatch *view.Predicate
	if len(def.Unmatch) > 0 {
		if unmatch, err = view.Compile(def.Unmatch); err != nil {
			return fmt.Errorf("trigger %s: compile unmatch: %w", def.Name, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.triggers[def.Name]; exists {
		return fmt.Errorf("trigger %s already exists", def.Name)
	}

	h, err := m.registry.Get(def.Source)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", def.Name, err)
	}
	sub, err := h.Subscribe(true)
	if err != nil {
		return fmt.Errorf("trigger %s: subscribe: %w", def.Name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Trigger{
		def:    def,
		sub:    sub,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.triggers[def.Name] = t

	filter := view.NewFilter(match, unmatch)
	go m.run(ctx, t, view.New(h.Source().PrimaryKey, filter, m.logger))

	m.logger.WithFields(logrus.Fields{
		"trigger":    def.Name,
		"source":     def.Source,
		"expression": match.Expression,
	}).Info("Trigger created")
	return nil
}

// run pumps the trigger's subscription through its view and fires
// webhooks on visibility transitions.
func (m *Manager) run(ctx context.Context, t *Trigger, v *view.View) {
	defer close(t.done)
	for ev := range t.sub.Events() {
		out, ok := v.Apply(ev)
		if !ok {
			continue
		}

		var eventType EventType
		switch out.Kind {
		case hub.Insert:
			eventType = EventMatch
		case hub.Delete:
			eventType = EventUnmatch
		default:
			// Pass-through updates do not cross the filter boundary.
			continue
		}

		envelope := Envelope{
			EventID:     uuid.NewString(),
			TriggerName: t.def.Name,
			EventType:   eventType,
			Data:        out.Row,
		}
		// Fire and forget: webhook latency and failures must not stall
		// the pipeline.
		go func() {
			if err := m.dispatcher.Deliver(ctx, t.def.URL, envelope); err != nil {
				m.logger.WithError(err).WithField("trigger", t.def.Name).Error("Webhook delivery abandoned")
				m.observeDelivery(t.def.Name, "error")
				return
			}
			m.observeDelivery(t.def.Name, "ok")
		}()
	}

	if err := t.sub.Err(); err != nil {
		m.logger.WithError(err).WithField("trigger", t.def.Name).Warn("Trigger stream ended")
	}
	m.remove(t.def.Name)
}

// Delete detaches and removes a trigger by name.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	t, ok := m.triggers[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("trigger %s not found", name)
	}

	t.cancel()
	t.sub.Close()
	<-t.done
	m.logger.WithField("trigger", name).Info("Trigger deleted")
	return nil
}

// List returns the definitions of all live triggers.
func (m *Manager) List() []Definition {
	m.mu.Lock()
	defer m.mu.Unlock()
	defs := make([]Definition, 0, len(m.triggers))
	for _, t := range m.triggers {
		defs = append(defs, t.def)
	}
	return defs
}

// Shutdown detaches every trigger.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	triggers := make([]*Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		triggers = append(triggers, t)
	}
	m.mu.Unlock()

	for _, t := range triggers {
		t.cancel()
		t.sub.Close()
		<-t.done
	}
}

func (m *Manager) observeDelivery(trigger, status string) {
	if m.metrics != nil {
		m.metrics.WebhookDeliveries.WithLabelValues(trigger, status).Inc()
	}
}

func (m *Manager) remove(name string) {
	m.mu.Lock()
	delete(m.triggers, name)
	m.mu.Unlock()
}
