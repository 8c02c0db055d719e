package stream

// Scanner parses a text/event-stream body one event at a time. The routing
// engine uses it on the agent side of the bridge: each parsed event becomes
// one chunk envelope.

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Event is one parsed Server-Sent Event.
type Event struct {
	ID    string
	Name  string
	Retry int
	Data  string
}

type Scanner struct {
	reader *bufio.Reader
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReader(r)}
}

/*
Next reads the next complete event. It returns io.EOF when the upstream
closes the stream cleanly after the last event.
*/
func (s *Scanner) Next() (*Event, error) {
	event := &Event{}
	var data strings.Builder
	inEvent := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			// A trailing event without the final blank line still counts.
			if err == io.EOF && inEvent {
				event.Data = data.String()
				return event, nil
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\n\r")

		// Empty line marks the end of an event.
		if line == "" {
			if inEvent {
				event.Data = data.String()
				return event, nil
			}
			continue
		}

		// Comment lines keep the connection alive; skip them.
		if strings.HasPrefix(line, ":") {
			continue
		}

		inEvent = true

		switch {
		case strings.HasPrefix(line, "id:"):
			event.ID = strings.TrimSpace(line[3:])
		case strings.HasPrefix(line, "event:"):
			event.Name = strings.TrimSpace(line[6:])
		case strings.HasPrefix(line, "retry:"):
			if ms, err := strconv.Atoi(strings.TrimSpace(line[6:])); err == nil {
				event.Retry = ms
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteString("\n")
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}
