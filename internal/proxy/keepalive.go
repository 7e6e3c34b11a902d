package proxy

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// heartbeatInterval is the longest gap the proxy lets an SSE connection go
// without writing anything, so intermediate proxies and load balancers
// that close idle connections don't sever a slow-starting stream (spec
// §4.5, "keep-alives at least every 15 seconds").
const heartbeatInterval = 15 * time.Second

// heartbeatWriter wraps an http.ResponseWriter so a background timer can
// safely interleave keep-alive comments with the writes a stream
// translator makes from a different goroutine stack (same call, just
// time-sliced) without racing on the underlying connection.
type heartbeatWriter struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	lastWrite time.Time
}

func newHeartbeatWriter(w http.ResponseWriter) *heartbeatWriter {
	flusher, _ := w.(http.Flusher)
	return &heartbeatWriter{w: w, flusher: flusher, lastWrite: time.Now()}
}

func (h *heartbeatWriter) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastWrite = time.Now()
	n, err := h.w.Write(p)
	if h.flusher != nil {
		h.flusher.Flush()
	}
	return n, err
}

// Flush satisfies the translator package's optional Flush interface.
func (h *heartbeatWriter) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.flusher != nil {
		h.flusher.Flush()
	}
}

// run waits until ctx is canceled, writing an SSE comment as soon as
// nothing else has been written for heartbeatInterval.
func (h *heartbeatWriter) run(ctx context.Context) {
	timer := time.NewTimer(heartbeatInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			h.mu.Lock()
			wait := heartbeatInterval - time.Since(h.lastWrite)
			if wait <= 0 {
				h.w.Write([]byte(": keep-alive\n\n"))
				if h.flusher != nil {
					h.flusher.Flush()
				}
				h.lastWrite = time.Now()
				wait = heartbeatInterval
			}
			h.mu.Unlock()
			timer.Reset(wait)
		}
	}
}
