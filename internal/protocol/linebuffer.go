package protocol

import "strings"

// LineBuffer reassembles complete lines from arbitrarily split byte chunks.
// The trailing partial segment of each chunk is retained until the next
// chunk arrives, so callers never see a partial line.
type LineBuffer struct {
	partial strings.Builder
}

// Feed appends one chunk and returns every complete line it closed,
// without trailing newlines.
func (b *LineBuffer) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	b.partial.Write(chunk)

	buffered := b.partial.String()
	last := strings.LastIndexByte(buffered, '\n')
	if last < 0 {
		return nil
	}

	lines := strings.Split(buffered[:last], "\n")
	b.partial.Reset()
	b.partial.WriteString(buffered[last+1:])
	return lines
}

// Pending returns the unterminated tail held back by the buffer.
func (b *LineBuffer) Pending() string {
	return b.partial.String()
}
