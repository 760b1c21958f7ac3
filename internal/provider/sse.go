package provider

import (
	"bufio"
	"io"
	"strings"
)

// Event is one server-sent event.
type Event struct {
	Name string
	Data string
}

// EventReader decodes a text/event-stream body.
type EventReader struct {
	scanner *bufio.Scanner
}

// NewEventReader wraps r. Lines up to 1MiB are accepted.
func NewEventReader(r io.Reader) *EventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &EventReader{scanner: scanner}
}

// Next returns the next complete event, or io.EOF once the body is drained.
// Comment lines and the id/retry fields are skipped.
func (r *EventReader) Next() (Event, error) {
	var (
		ev   Event
		data []string
		seen bool
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if seen {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if seen {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}
