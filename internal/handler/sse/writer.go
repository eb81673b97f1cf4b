package sse

import (
	"fmt"
	"net/http"
)

// FrameWriter writes SSE frames and keep-alive comments to an HTTP
// response, flushing after every write.
type FrameWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewFrameWriter creates a frame writer over a flushable response.
func NewFrameWriter(w http.ResponseWriter, flusher http.Flusher) *FrameWriter {
	return &FrameWriter{
		w:       w,
		flusher: flusher,
	}
}

// WriteFrame writes a fully formatted SSE frame and flushes it.
func (s *FrameWriter) WriteFrame(frame string) error {
	if _, err := fmt.Fprint(s.w, frame); err != nil {
		return fmt.Errorf("write frame failed: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// WriteKeepAlive writes an SSE comment (": keepalive\n\n") and flushes.
// Lines starting with : are ignored by clients.
func (s *FrameWriter) WriteKeepAlive() error {
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("write keepalive failed: %w", err)
	}
	s.flusher.Flush()

	// Zero-byte write to detect a connection the flush did not report
	// as closed.
	if _, err := s.w.Write([]byte{}); err != nil {
		return fmt.Errorf("connection closed: %w", err)
	}

	return nil
}
