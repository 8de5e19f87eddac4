// Package hub folds the upstream change stream of one source into an
// authoritative cache and fans the resulting events out to any number of
// subscribers, each of which receives a consistent snapshot followed by a
// live tail.
package hub

import "github.com/tycoworks/tycostream-sub001/internal/schema"

// EventKind classifies a row update event.
type EventKind int

const (
	Insert EventKind = iota
	Update
	Delete
)

func (k EventKind) String() string {
	switch k {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	}
	return "UNKNOWN"
}

// Event is one row update as seen by subscribers.
//
//   - Insert: Fields covers every schema field, Row is the complete row.
//   - Update: Fields is the primary key plus every field whose value
//     changed against the prior cached row; Row is the complete post-image.
//   - Delete: Fields is the primary key only; Row is the last known
//     complete row, enriched from the cache when the upstream sends only
//     the key.
type Event struct {
	Kind      EventKind
	Fields    map[string]bool
	Row       schema.Row
	Timestamp uint64
}

func fieldSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
