// Package trace decodes a guest container's combined output into an ordered trace.
//
// The wire contract with the in-guest runners is one event per line: a line containing
// Sentinel followed by a single JSON value is a runtime event; every other non-empty line
// is ordinary program output. Text before the sentinel is ignored. Multi-line JSON is not supported.
package trace

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/dontdude/syscore/internal/domain"
)

// Sentinel marks an instrumentation line. It must match the runners in docker/*/runner.py byte for byte.
const Sentinel = "__SYSCORE_EVENT__"

// Decoder turns output chunks into trace events in stream order.
// It implements io.Writer so it can sit directly behind stdcopy.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	// OnEvent, if set, is called for every event as soon as it is decoded.
	OnEvent func(domain.TraceEvent)

	partial []byte
	events  []domain.TraceEvent
	dropped int
}

// Write consumes one chunk. Complete lines are classified immediately; a trailing partial
// line is held until the next chunk or Flush, since runtime frames may split a line.
func (d *Decoder) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			d.partial = append(d.partial, p...)
			break
		}
		if len(d.partial) > 0 {
			d.partial = append(d.partial, p[:i]...)
			d.line(string(d.partial))
			d.partial = d.partial[:0]
		} else {
			d.line(string(p[:i]))
		}
		p = p[i+1:]
	}
	return n, nil
}

// Flush classifies any buffered partial line. Call it once the stream has ended.
func (d *Decoder) Flush() {
	if len(d.partial) > 0 {
		d.line(string(d.partial))
		d.partial = d.partial[:0]
	}
}

// Events returns everything decoded so far.
func (d *Decoder) Events() []domain.TraceEvent {
	return d.events
}

// Dropped counts sentinel lines whose payload was not valid JSON.
func (d *Decoder) Dropped() int {
	return d.dropped
}

func (d *Decoder) line(s string) {
	s = strings.TrimSuffix(s, "\r")
	if s == "" {
		return
	}

	_, payload, found := strings.Cut(s, Sentinel)
	if !found {
		d.emit(domain.StdoutEvent(s))
		return
	}

	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		// Malformed instrumentation must not fail the job.
		d.dropped++
		return
	}

	if obj, ok := v.(map[string]any); ok {
		d.emit(domain.TraceEvent(obj))
		return
	}
	d.emit(domain.TraceEvent{"type": domain.EventValue, "payload": v})
}

func (d *Decoder) emit(ev domain.TraceEvent) {
	d.events = append(d.events, ev)
	if d.OnEvent != nil {
		d.OnEvent(ev)
	}
}

// Decode is a convenience for a fully buffered stream.
func Decode(output []byte) []domain.TraceEvent {
	var d Decoder
	_, _ = d.Write(output)
	d.Flush()
	return d.Events()
}
