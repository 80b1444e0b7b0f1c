// Package output turns a stream of process output into delivery-sized chunks
// for progress notifications. Persisting the full stream is left to the
// caller, see Pump.
package output

import "unicode/utf8"

const (
	// DefaultChunkSize is the delivery chunk threshold used when none is
	// configured. It leaves headroom under the 4096 character limit common to
	// chat transports for a short prefix.
	DefaultChunkSize = 3000

	// MaxChunkSize is the largest threshold a Chunker accepts.
	MaxChunkSize = 4000
)

// Chunker buffers output and emits a chunk every time the buffered output
// reaches the threshold. Flush emits whatever is left. Concatenating every
// emitted chunk gives exactly the bytes written. Not safe for concurrent use;
// each stream gets its own Chunker.
type Chunker struct {
	threshold int
	emit      func(chunk []byte)
	pending   []byte
}

// NewChunker creates a Chunker that calls emit with each chunk. A threshold
// outside (0, MaxChunkSize] is replaced by DefaultChunkSize.
func NewChunker(threshold int, emit func(chunk []byte)) *Chunker {
	if threshold <= 0 || threshold > MaxChunkSize {
		threshold = DefaultChunkSize
	}

	return &Chunker{
		threshold: threshold,
		emit:      emit,
		pending:   make([]byte, 0, threshold),
	}
}

// Write appends p to the buffer and emits as many full chunks as are
// available. It never returns an error.
func (c *Chunker) Write(p []byte) (int, error) {
	c.pending = append(c.pending, p...)

	for len(c.pending) >= c.threshold {
		c.emitChunk(c.cut())
	}

	return len(p), nil
}

// Flush emits the remaining buffered output, if any.
func (c *Chunker) Flush() {
	if len(c.pending) == 0 {
		return
	}

	c.emitChunk(len(c.pending))
}

// cut returns the length of the next chunk: the threshold, moved back to the
// start of the last rune if that rune would otherwise be split. Output that
// isn't UTF-8 is cut at the threshold.
func (c *Chunker) cut() int {
	n := c.threshold
	head := c.pending[:n]

	for i := n - 1; i >= 0 && i > n-utf8.UTFMax; i-- {
		if !utf8.RuneStart(head[i]) {
			continue
		}

		if i > 0 && !utf8.FullRune(head[i:]) {
			return i
		}

		break
	}

	return n
}

func (c *Chunker) emitChunk(n int) {
	chunk := make([]byte, n)
	copy(chunk, c.pending[:n])

	c.pending = append(c.pending[:0], c.pending[n:]...)

	if c.emit != nil {
		c.emit(chunk)
	}
}
