package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// sseSink writes Server-Sent Events to an HTTP response.
type sseSink struct {
	w http.ResponseWriter
	r *http.Request
}

// Send writes v as a JSON data event named event.
func (s sseSink) Send(event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, b)
	return err
}

// Context returns the request context for cancellation.
func (s sseSink) Context() context.Context {
	return s.r.Context()
}

// Flush pushes buffered events to the client.
func (s sseSink) Flush() error {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
