package logging

import (
	"encoding/json"
	"time"

	"github.com/flexnbd/flexnbd/internal/errx"
)

// Emitter dispatches typed events to one or more sinks, stamping the
// timestamp and component name on each.
//
// A nil *Emitter is safe to hold; callers guard emission with:
//
//	if emitter != nil {
//	    _ = emitter.Emit(...)
//	}
type Emitter struct {
	component string
	sinks     []Sink
}

// NewEmitter creates an emitter tagging every event with component.
func NewEmitter(component string, sinks ...Sink) *Emitter {
	return &Emitter{component: component, sinks: sinks}
}

// Emit constructs an event from kind/summary/data and writes it to every
// registered sink, returning the first error encountered. Callers
// typically discard the error (best-effort logging).
func (e *Emitter) Emit(kind, summary string, data interface{}) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return errx.Wrap(ErrMarshalData, err)
		}
		raw = b
	}

	event := &Event{
		Timestamp: time.Now().UTC(),
		Component: e.component,
		Kind:      kind,
		Summary:   summary,
		Data:      raw,
	}

	var firstErr error
	for _, sink := range e.sinks {
		if err := sink.Write(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every sink, returning the first error encountered.
func (e *Emitter) Close() error {
	var firstErr error
	for _, sink := range e.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
