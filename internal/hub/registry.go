package hub

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tycoworks/tycostream-sub001/internal/schema"
)

// RunnerFactory builds the upstream stream runner for a source.
type RunnerFactory func(source *schema.SourceDefinition) StreamRunner

// Registry interns one hub per source name. Hubs are created lazily on
// first subscription and drop out of the registry when they dispose.
type Registry struct {
	sources map[string]*schema.SourceDefinition
	factory RunnerFactory
	logger  *logrus.Logger
	opts    Options

	mu     sync.Mutex
	hubs   map[string]*Hub
	closed bool
}

// NewRegistry creates a registry over the configured source catalog.
func NewRegistry(sources map[string]*schema.SourceDefinition, factory RunnerFactory, logger *logrus.Logger, opts Options) *Registry {
	return &Registry{
		sources: sources,
		factory: factory,
		logger:  logger,
		opts:    opts,
		hubs:    make(map[string]*Hub),
	}
}

// Get returns the live hub for a source, creating it if necessary.
func (r *Registry) Get(sourceName string) (*Hub, error) {
	source, ok := r.sources[sourceName]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", sourceName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrShuttingDown
	}
	if h, ok := r.hubs[sourceName]; ok {
		return h, nil
	}

	opts := r.opts
	opts.OnDispose = func() { r.remove(sourceName) }
	h := New(source, r.factory(source), r.logger, opts)
	r.hubs[sourceName] = h
	if r.opts.Metrics != nil {
		r.opts.Metrics.ActiveHubs.Inc()
	}
	r.logger.WithField("source", sourceName).Debug("Source hub created")
	return h, nil
}

// Subscribe resolves the source's hub and attaches a subscriber in one
// call.
func (r *Registry) Subscribe(sourceName string, skipSnapshot bool) (*Subscription, error) {
	h, err := r.Get(sourceName)
	if err != nil {
		return nil, err
	}
	return h.Subscribe(skipSnapshot)
}

// remove drops a disposed hub so the next subscription builds a fresh
// pipeline.
func (r *Registry) remove(sourceName string) {
	r.mu.Lock()
	_, existed := r.hubs[sourceName]
	delete(r.hubs, sourceName)
	r.mu.Unlock()
	if existed && r.opts.Metrics != nil {
		r.opts.Metrics.ActiveHubs.Dec()
	}
	r.logger.WithField("source", sourceName).Debug("Source hub removed")
}

// SourceNames returns the names of all configured sources.
func (r *Registry) SourceNames() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	return names
}

// ActiveHubs returns the number of live hubs.
func (r *Registry) ActiveHubs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

// Shutdown refuses new subscriptions and stops every live hub.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.mu.Unlock()

	for _, h := range hubs {
		h.Stop()
	}
}
