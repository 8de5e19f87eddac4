// Package protocol frames the upstream SUBSCRIBE wire format: tab-separated
// lines of mz_timestamp, mz_state, then the primary key and the remaining
// columns in schema order.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tycoworks/tycostream-sub001/internal/schema"
)

// Op is the upstream envelope operation.
type Op int

const (
	OpUpsert Op = iota
	OpDelete
)

func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "upsert"
}

// Record is one framed upstream change. Timestamp is assigned by the
// upstream database and is non-decreasing within a source stream.
type Record struct {
	Timestamp uint64
	Op        Op
	Row       schema.Row
}

const nullMarker = `\N`

// Codec parses SUBSCRIBE output lines for a single source.
type Codec struct {
	source *schema.SourceDefinition
	// Column order on the wire: primary key first, then the remaining
	// columns in schema order.
	wireColumns []schema.Column
	logger      *logrus.Logger
}

// NewCodec creates a codec for one source definition.
func NewCodec(source *schema.SourceDefinition, logger *logrus.Logger) *Codec {
	wire := make([]schema.Column, 0, len(source.Columns))
	for _, c := range source.Columns {
		if c.Name == source.PrimaryKey {
			wire = append(wire, c)
			break
		}
	}
	for _, c := range source.Columns {
		if c.Name != source.PrimaryKey {
			wire = append(wire, c)
		}
	}
	return &Codec{source: source, wireColumns: wire, logger: logger}
}

// BuildSubscribeQuery returns the SUBSCRIBE statement for this codec's source.
func (c *Codec) BuildSubscribeQuery() string {
	return fmt.Sprintf("SUBSCRIBE TO %s ENVELOPE UPSERT (KEY (%s)) WITH (SNAPSHOT)",
		c.source.Name, c.source.PrimaryKey)
}

// ParseLine frames one complete line into a Record. It returns nil for
// lines that should be skipped: empty lines, malformed prefixes, and
// values the decoder rejects. The codec never fails; fatal errors belong
// to the subscriber.
func (c *Codec) ParseLine(line string) *Record {
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return nil
	}

	parts := strings.Split(line, "\t")
	if len(parts) < 2 {
		c.debugDrop(line, "too few columns")
		return nil
	}

	ts, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		c.debugDrop(line, "unparseable mz_timestamp")
		return nil
	}

	var op Op
	switch parts[1] {
	case "upsert":
		op = OpUpsert
	case "delete":
		op = OpDelete
	default:
		c.debugDrop(line, "unknown mz_state")
		return nil
	}

	row := make(schema.Row)
	values := parts[2:]
	for i, col := range c.wireColumns {
		// Fewer fields than expected: decode what is present. Extra
		// trailing fields are ignored.
		if i >= len(values) {
			break
		}
		raw := values[i]
		if raw == nullMarker {
			row[col.Name] = nil
			continue
		}
		decoded, err := schema.Decode(col.Type, raw)
		if err != nil {
			c.debugDrop(line, err.Error())
			return nil
		}
		row[col.Name] = decoded
	}

	return &Record{Timestamp: ts, Op: op, Row: row}
}

func (c *Codec) debugDrop(line, reason string) {
	if c.logger == nil {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"source": c.source.Name,
		"reason": reason,
		"line":   line,
	}).Debug("Dropping unparseable line")
}
