package mcpwire

import (
	"bytes"
	"io"
	"strings"
)

// sseEvent is a single parsed Server-Sent-Events record. Events are transient:
// constructed per frame, consumed immediately, never retained.
type sseEvent struct {
	// Type is the event type, "message" when the frame carried no event: line.
	Type string
	// Data is the accumulated payload; multiple data: lines join with newlines.
	Data string
	// ID is the event id when the frame carried one; hasID distinguishes an
	// explicit empty id from no id at all.
	ID    string
	hasID bool
}

// sseParser decodes a raw text stream into discrete SSE records. Chunks of any
// size may be fed in, including chunks ending mid-frame; the parser buffers the
// trailing partial frame until the rest arrives. The produced event sequence is
// identical regardless of how the stream is chunked.
//
// The parser performs no I/O and never fails: malformed lines are simply lines
// with no recognized field prefix, and are ignored.
type sseParser struct {
	buf []byte
}

var sseFrameSep = []byte("\n\n")

// feed appends chunk to the internal buffer and extracts every complete frame
// from its front. Frames consisting solely of comment lines (lines starting
// with ':') produce no event.
func (p *sseParser) feed(chunk []byte) []sseEvent {
	p.buf = append(p.buf, chunk...)

	var events []sseEvent
	for {
		idx := bytes.Index(p.buf, sseFrameSep)
		if idx < 0 {
			return events
		}
		frame := string(p.buf[:idx])
		p.buf = p.buf[idx+len(sseFrameSep):]

		if ev, ok := parseSSEFrame(frame); ok {
			events = append(events, ev)
		}
	}
}

// flush parses whatever remains buffered as a final frame. Servers that close
// the stream right after the last field line never send the terminating blank
// line, so a single-frame body read to EOF still yields its event.
func (p *sseParser) flush() []sseEvent {
	if len(p.buf) == 0 {
		return nil
	}
	return p.feed(sseFrameSep)
}

func parseSSEFrame(frame string) (sseEvent, bool) {
	ev := sseEvent{Type: "message"}

	var dataLines []string
	sawContent := false
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		sawContent = true

		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimPrefix(value, " ")

		switch name {
		case "event":
			ev.Type = value
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			ev.ID = value
			ev.hasID = true
		default:
			// Unrecognized field names are ignored.
		}
	}

	if !sawContent {
		return sseEvent{}, false
	}
	ev.Data = strings.Join(dataLines, "\n")
	return ev, true
}

// readSSEBody consumes r to EOF and returns every event framed in it. It is
// used for Streamable HTTP responses, whose bodies carry one or a few complete
// frames rather than an open-ended stream.
func readSSEBody(r io.Reader) ([]sseEvent, error) {
	bs, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var p sseParser
	events := p.feed(bs)
	events = append(events, p.flush()...)
	return events, nil
}
