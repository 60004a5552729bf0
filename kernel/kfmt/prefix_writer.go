package kfmt

import "io"

// PrefixWriter forwards writes to Sink and inserts Prefix in front of every
// line. The prefix is written lazily, right before the first byte of a line,
// so output that ends with a newline leaves no dangling prefix behind.
type PrefixWriter struct {
	Sink   io.Writer
	Prefix []byte

	// midLine is set after the prefix of the current line was written.
	midLine bool
}

// Write sends p to Sink. The returned count covers the bytes of p only, not
// the injected prefixes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) != 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		lineLen := len(p)
		for i, ch := range p {
			if ch == '\n' {
				lineLen = i + 1
				break
			}
		}

		n, err := w.Sink.Write(p[:lineLen])
		written += n
		if err != nil {
			return written, err
		}

		if p[lineLen-1] == '\n' {
			w.midLine = false
		}
		p = p[lineLen:]
	}

	return written, nil
}

// Reset makes the next write start a new line, even if the previous output
// did not end with a newline.
func (w *PrefixWriter) Reset() {
	w.midLine = false
}
