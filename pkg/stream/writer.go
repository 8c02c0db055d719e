package stream

import (
	"fmt"
	"io"
	"strings"

	"github.com/theapemachine/a2a-relay/pkg/envelope"
)

/*
WriteChunk renders one chunk envelope as a standard SSE event: optional
event, id and retry lines, then one data line per payload line, then a blank
line. An end chunk produces no bytes; the caller closes the response.
*/
func WriteChunk(w io.Writer, env *envelope.Envelope) error {
	meta := env.Stream
	if meta == nil || meta.ChunkType == envelope.ChunkEnd {
		return nil
	}

	payload, err := env.Chunk()
	if err != nil {
		return err
	}

	var b strings.Builder
	if meta.EventName != "" {
		fmt.Fprintf(&b, "event: %s\n", meta.EventName)
	} else if meta.ChunkType == envelope.ChunkError {
		b.WriteString("event: error\n")
	}
	if meta.LastEventID != "" {
		fmt.Fprintf(&b, "id: %s\n", meta.LastEventID)
	}
	if meta.Retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", meta.Retry)
	}
	for _, line := range strings.Split(payload.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	_, err = io.WriteString(w, b.String())
	return err
}
