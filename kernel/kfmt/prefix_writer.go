package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. Subsystems use it to tag multi-line
// reports (e.g. "[pmm] ").
type PrefixWriter struct {
	// A writer where all writes get sent to. A nil Sink sends the output
	// to the early print buffer.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// midLine is set when the last byte written was not a line feed.
	midLine bool
}

// Write writes p to the sink, emitting the prefix before the first byte of
// every line. The returned count excludes injected prefix bytes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, lineStart int

	for i := 0; i < len(p); i++ {
		if !w.midLine && i == lineStart {
			doWrite(w.Sink, w.Prefix)
			w.midLine = true
		}

		if p[i] != '\n' {
			continue
		}

		doWrite(w.Sink, p[lineStart:i+1])
		written += i + 1 - lineStart
		lineStart = i + 1
		w.midLine = false
	}

	if lineStart < len(p) {
		doWrite(w.Sink, p[lineStart:])
		written += len(p) - lineStart
	}

	return written, nil
}
