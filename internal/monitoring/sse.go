package monitoring

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseWriter wraps an http.ResponseWriter for the monitoring event stream,
// adapted from the teacher's A2A SSE writer: same headers, same
// data-then-flush write, same explicit close frame. It differs only in
// carrying a typed message envelope instead of a JSON-RPC response, since
// §6.4's stream has no request/response pairing — it's unidirectional.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// newSSEWriter sets the SSE headers and returns a writer, or an error if
// the underlying ResponseWriter can't flush (e.g. under a test recorder
// that doesn't implement http.Flusher).
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by response writer")
	}
	return &sseWriter{w: w, f: flusher}, nil
}

// Message is one frame of the monitoring stream: a message type drawn
// from §6.4's fixed set plus an arbitrary JSON-serializable payload.
type Message struct {
	Type string `json:"type"` // metrics | queue | ai_error | ai_request | health | activity_alert | init
	Data any    `json:"data"`
}

func (s *sseWriter) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal sse message: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write sse event: %w", err)
	}
	s.f.Flush()
	return nil
}

func (s *sseWriter) Close() {
	fmt.Fprint(s.w, "event: close\ndata: {}\n\n")
	s.f.Flush()
}
