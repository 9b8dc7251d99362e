package editstream

import "strings"

// LineAccumulator buffers streamed text fragments and yields lines as
// they complete. A line is complete once its terminator has been seen.
type LineAccumulator struct {
	buf strings.Builder
}

// Append adds a fragment to the buffer. Empty fragments are no-ops.
func (a *LineAccumulator) Append(fragment string) {
	if fragment == "" {
		return
	}
	a.buf.WriteString(fragment)
}

// DrainCompleteLines removes and returns every complete line currently
// buffered, without their terminators. A trailing partial line stays
// buffered.
func (a *LineAccumulator) DrainCompleteLines() []string {
	content := a.buf.String()
	idx := strings.LastIndexByte(content, '\n')
	if idx < 0 {
		return nil
	}

	complete := content[:idx]
	rest := content[idx+1:]

	a.buf.Reset()
	a.buf.WriteString(rest)

	return strings.Split(complete, "\n")
}

// Flush returns any remaining buffered text as a final line and empties
// the accumulator. Returns nil if nothing is buffered.
func (a *LineAccumulator) Flush() []string {
	lines := a.DrainCompleteLines()
	if rest := a.buf.String(); rest != "" {
		lines = append(lines, rest)
		a.buf.Reset()
	}
	return lines
}

// Pending returns the length of the buffered partial line.
func (a *LineAccumulator) Pending() int {
	return a.buf.Len()
}
