package view

import (
	"github.com/sirupsen/logrus"

	"github.com/tycoworks/tycostream-sub001/internal/hub"
)

// Filter pairs the entry and exit predicates of a view. Match controls
// when an invisible row appears; Unmatch controls when a visible row
// disappears. Keeping them asymmetric gives hysteresis: a row needs the
// stronger match to enter but only fails the weaker unmatch to stay.
type Filter struct {
	Match   *Predicate
	Unmatch *Predicate
	// Fields is the union of both predicates' fields; updates touching
	// none of them cannot move a row across the filter.
	Fields map[string]bool
}

// NewFilter builds a filter. A nil unmatch is synthesized as the
// negation of match, which degenerates to an ordinary two-valued filter.
func NewFilter(match, unmatch *Predicate) *Filter {
	if match == nil {
		return nil
	}
	if unmatch == nil {
		unmatch = match.Negate()
	}
	fields := make(map[string]bool, len(match.Fields)+len(unmatch.Fields))
	for f := range match.Fields {
		fields[f] = true
	}
	for f := range unmatch.Fields {
		fields[f] = true
	}
	return &Filter{Match: match, Unmatch: unmatch, Fields: fields}
}

// View is a per-subscriber stateful transform over the hub's event
// stream. It tracks which primary keys are currently visible through the
// filter and rewrites entering and leaving rows into synthetic INSERT
// and DELETE events. A View belongs to one subscriber and is not safe
// for concurrent use.
type View struct {
	pkField string
	filter  *Filter
	visible map[any]bool
	logger  *logrus.Logger
}

// New creates a view over events keyed by pkField. A nil filter passes
// everything through unchanged.
func New(pkField string, filter *Filter, logger *logrus.Logger) *View {
	return &View{
		pkField: pkField,
		filter:  filter,
		visible: make(map[any]bool),
		logger:  logger,
	}
}

// Apply transforms one hub event into this subscriber's perspective.
// The second return is false when the event is invisible to the
// subscriber and must be dropped.
func (v *View) Apply(ev hub.Event) (hub.Event, bool) {
	if v.filter == nil {
		return ev, true
	}

	pk := ev.Row[v.pkField]
	was := v.visible[pk]

	if ev.Kind == hub.Delete {
		delete(v.visible, pk)
		if !was {
			return hub.Event{}, false
		}
		return ev, true
	}

	is := v.nowVisible(ev, was)
	switch {
	case !was && is:
		v.visible[pk] = true
		// The row appears for this subscriber regardless of what kind
		// of change revealed it.
		return hub.Event{
			Kind:      hub.Insert,
			Fields:    allRowFields(ev),
			Row:       ev.Row,
			Timestamp: ev.Timestamp,
		}, true
	case was && !is:
		delete(v.visible, pk)
		return hub.Event{
			Kind:      hub.Delete,
			Fields:    map[string]bool{v.pkField: true},
			Row:       ev.Row,
			Timestamp: ev.Timestamp,
		}, true
	case was && is:
		return ev, true
	}
	return hub.Event{}, false
}

// nowVisible decides whether the row is visible after this event.
func (v *View) nowVisible(ev hub.Event, was bool) bool {
	// Short-circuit: an update that touches none of the filter's fields
	// cannot change the result for an already-visible row.
	if ev.Kind == hub.Update && was && !fieldsOverlap(ev.Fields, v.filter.Fields) {
		return true
	}

	if was {
		leaving, err := v.filter.Unmatch.Evaluate(ev.Row)
		if err != nil {
			v.evalError(v.filter.Unmatch, err)
			return false
		}
		return !leaving
	}

	entering, err := v.filter.Match.Evaluate(ev.Row)
	if err != nil {
		v.evalError(v.filter.Match, err)
		return false
	}
	return entering
}

// VisibleCount returns how many rows are currently visible.
func (v *View) VisibleCount() int {
	return len(v.visible)
}

func (v *View) evalError(p *Predicate, err error) {
	if v.logger == nil {
		return
	}
	// Treat the row as not matching; a broken predicate must not stall
	// the stream.
	v.logger.WithError(err).WithField("expression", p.Expression).Error("Filter evaluation failed")
}

func allRowFields(ev hub.Event) map[string]bool {
	fields := make(map[string]bool, len(ev.Row))
	for k := range ev.Row {
		fields[k] = true
	}
	return fields
}

func fieldsOverlap(a, b map[string]bool) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for f := range a {
		if b[f] {
			return true
		}
	}
	return false
}
