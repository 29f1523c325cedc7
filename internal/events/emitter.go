package events

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var buffer = NewRingBuffer(256)

// Persister stores emitted events, e.g. the Postgres event log.
type Persister interface {
	Append(ts time.Time, level, event, msg string, fields map[string]interface{}, invocationID string) error
}

var (
	persister      Persister
	persistMu      sync.RWMutex
	persistErrored bool

	stdout atomic.Bool
	total  atomic.Int64
)

// SetPersister sets the store emitted events are appended to.
func SetPersister(p Persister) {
	persistMu.Lock()
	persister = p
	persistErrored = false
	persistMu.Unlock()
}

// SetStdout toggles printing every event as a JSON line on stdout.
func SetStdout(enabled bool) {
	stdout.Store(enabled)
}

type Event struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Name      string                 `json:"event"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func Emit(level, name, msg string, fields map[string]interface{}) ([]byte, error) {
	if err := Validate(name); err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	e := Event{
		Timestamp: ts.Format(time.RFC3339Nano),
		Level:     level,
		Name:      name,
		Message:   msg,
		Fields:    fields,
	}

	buffer.Add(e)
	total.Add(1)
	broadcast(e)

	persistMu.RLock()
	p := persister
	errored := persistErrored
	persistMu.RUnlock()

	if p != nil {
		invocation, _ := fields["invocation_id"].(string)
		if err := p.Append(ts, level, name, msg, fields, invocation); err != nil && !errored {
			// Reported once, straight into the buffer: going through Emit
			// would recurse while the store keeps failing.
			persistMu.Lock()
			if !persistErrored {
				persistErrored = true
				buffer.Add(Event{
					Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
					Level:     "error",
					Name:      "system.error",
					Message:   "event persistence failed",
					Fields: map[string]interface{}{
						"error": err.Error(),
					},
				})
			}
			persistMu.Unlock()
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	if stdout.Load() {
		fmt.Fprintln(os.Stdout, string(b))
	}

	return b, nil
}

func Snapshot() []Event {
	return buffer.Snapshot()
}

// TotalCount returns the number of events emitted since startup.
func TotalCount() int64 {
	return total.Load()
}

// Clear resets the event buffer. Used for testing.
func Clear() {
	buffer.Clear()
}
