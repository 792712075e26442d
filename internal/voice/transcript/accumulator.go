// Package transcript buffers final recognition text between the start and
// stop of a listening session.
package transcript

import "strings"

// Accumulator concatenates final fragments in arrival order. It is not safe
// for concurrent use; the listening controller guards it.
type Accumulator struct {
	buf strings.Builder
}

// Reset clears the buffer.
func (a *Accumulator) Reset() {
	a.buf.Reset()
}

// Append adds a final fragment followed by a separating space.
func (a *Accumulator) Append(final string) {
	a.buf.WriteString(final)
	a.buf.WriteByte(' ')
}

// Current returns the accumulated text with surrounding whitespace trimmed.
func (a *Accumulator) Current() string {
	return strings.TrimSpace(a.buf.String())
}
