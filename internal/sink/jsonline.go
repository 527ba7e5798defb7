package sink

import (
	"encoding/json"
	"io"

	"github.com/ranolabs/rano/internal/events"
)

// JSONLine emits one JSON object per event to the writer, columns in store
// order, null where inapplicable.
type JSONLine struct {
	enc *json.Encoder
}

// NewJSONLine builds a JSON-line sink over w (normally stdout).
func NewJSONLine(w io.Writer) *JSONLine {
	return &JSONLine{enc: json.NewEncoder(w)}
}

// WriteEvents implements Sink.
func (j *JSONLine) WriteEvents(evs []events.Event) error {
	for i := range evs {
		if err := j.enc.Encode(&evs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Sink.
func (j *JSONLine) Close() error { return nil }

// Name implements Sink.
func (j *JSONLine) Name() string { return "jsonl" }
