package log

import (
	"errors"
	"io"
)

// MultiWriter fans log output out to stdout and any file appenders. Unlike
// io.MultiWriter it keeps writing to the remaining outputs when one fails,
// so a full disk never silences the console.
type MultiWriter struct {
	writers []io.Writer
}

// NewMultiWriter returns a writer with no outputs.
func NewMultiWriter() *MultiWriter {
	return &MultiWriter{}
}

// Add appends an output. Nil writers are ignored.
func (m *MultiWriter) Add(w io.Writer) *MultiWriter {
	if w != nil {
		m.writers = append(m.writers, w)
	}
	return m
}

// Write writes p to every output and reports the joined errors, if any.
func (m *MultiWriter) Write(p []byte) (int, error) {
	var errs []error
	for _, w := range m.writers {
		if _, err := w.Write(p); err != nil {
			errs = append(errs, err)
		}
	}
	return len(p), errors.Join(errs...)
}
