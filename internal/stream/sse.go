package stream

import (
	"bytes"
	"strings"
)

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string
	Data  string
}

// Parser maintains state across reads to handle SSE lines split between
// chunks. An event is dispatched on the blank line that ends it.
type Parser struct {
	buffer  []byte
	event   string
	data    []string
	hasData bool
}

// Feed consumes raw bytes and returns the events completed by them.
func (p *Parser) Feed(chunk []byte) []Frame {
	p.buffer = append(p.buffer, chunk...)
	var frames []Frame

	consumed := 0
	for {
		idx := bytes.IndexByte(p.buffer[consumed:], '\n')
		if idx == -1 {
			break
		}
		line := strings.TrimRight(string(p.buffer[consumed:consumed+idx]), "\r")
		consumed += idx + 1

		if frame, ok := p.line(line); ok {
			frames = append(frames, frame)
		}
	}

	n := copy(p.buffer, p.buffer[consumed:])
	p.buffer = p.buffer[:n]
	return frames
}

// Flush dispatches whatever is left once the body ends. Upstreams sometimes
// close right after the last data line without the separating blank line.
func (p *Parser) Flush() (Frame, bool) {
	if len(p.buffer) > 0 {
		line := strings.TrimRight(string(p.buffer), "\r")
		p.buffer = p.buffer[:0]
		if frame, ok := p.line(line); ok {
			return frame, true
		}
	}
	return p.line("")
}

func (p *Parser) line(line string) (Frame, bool) {
	if line == "" {
		if !p.hasData {
			p.event = ""
			return Frame{}, false
		}
		frame := Frame{Event: p.event, Data: strings.Join(p.data, "\n")}
		p.event, p.data, p.hasData = "", p.data[:0], false
		return frame, true
	}
	if strings.HasPrefix(line, ":") {
		return Frame{}, false
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "event":
		p.event = value
	case "data":
		p.data = append(p.data, value)
		p.hasData = true
	}
	return Frame{}, false
}
