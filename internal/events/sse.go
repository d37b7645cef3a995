package events

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const sseEventName = "run_event"

// EventID is the SSE id of an event, "<run>:<seq>".
func EventID(event RunEvent) string {
	return fmt.Sprintf("%s:%d", event.RunID, event.Seq)
}

// ParseEventID extracts the sequence from a Last-Event-ID header. Ids for a
// different run, or ones that do not parse, yield false.
func ParseEventID(runID, id string) (int64, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, false
	}
	prefix, seqText, found := strings.Cut(id, ":")
	if !found {
		seqText = prefix
	} else if prefix != runID {
		return 0, false
	}
	seq, err := strconv.ParseInt(seqText, 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

// WriteSSE writes one server-sent event frame.
func WriteSSE(w io.Writer, event RunEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", EventID(event), sseEventName, data); err != nil {
		return err
	}
	return nil
}

// WriteKeepAlive writes an SSE comment line.
func WriteKeepAlive(w io.Writer) error {
	_, err := io.WriteString(w, ": keep-alive\n\n")
	return err
}
