package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// StatusWriter records the response status and byte count as it passes
// through; shared by access logging and metrics recording.
type StatusWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

// NewStatusWriter wraps w.
func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	return &StatusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (sw *StatusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *StatusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

// Status returns the recorded status code.
func (sw *StatusWriter) Status() int { return sw.status }

// BytesWritten returns the response body size so far.
func (sw *StatusWriter) BytesWritten() int64 { return sw.bytes }

// Flush implements http.Flusher.
func (sw *StatusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for websocket-style upgrades.
func (sw *StatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}

// Unwrap supports http.ResponseController.
func (sw *StatusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }
