// Package spiderd defines core types shared across subsystems.
package spiderd

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved job-spec keys. Everything else in a serialized message is a
// spider argument.
const (
	keyProject  = "_project"
	keySpider   = "_spider"
	keyJob      = "_job"
	keyName     = "name"
	keySettings = "settings"
)

// Message is one unit of work: run this spider for this project with these
// arguments. Project and Spider are filled in by the poller when the message
// is dequeued; until then the spider name travels in Name.
type Message struct {
	Project  string
	Spider   string
	Job      string
	Name     string
	Settings map[string]string
	Args     map[string]string
}

// MarshalJSON serializes the reserved fields under their underscore keys and
// flattens Args into the top-level object.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Args)+5)
	for k, v := range m.Args {
		out[k] = v
	}
	if m.Project != "" {
		out[keyProject] = m.Project
	}
	if m.Spider != "" {
		out[keySpider] = m.Spider
	}
	if m.Job != "" {
		out[keyJob] = m.Job
	}
	if m.Name != "" {
		out[keyName] = m.Name
	}
	if len(m.Settings) > 0 {
		out[keySettings] = m.Settings
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores the reserved fields and collects every remaining
// top-level key into Args. Non-string argument values are stringified, since
// they end up as -a key=value command line pairs anyway.
func (m *Message) UnmarshalJSON(data []byte) error {
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	*m = Message{}
	for k, v := range raw {
		switch k {
		case keyProject:
			m.Project = stringify(v)
		case keySpider:
			m.Spider = stringify(v)
		case keyJob:
			m.Job = stringify(v)
		case keyName:
			m.Name = stringify(v)
		case keySettings:
			settings, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("unmarshal message: settings is not an object")
			}
			m.Settings = make(map[string]string, len(settings))
			for sk, sv := range settings {
				m.Settings[sk] = stringify(sv)
			}
		default:
			if m.Args == nil {
				m.Args = map[string]string{}
			}
			m.Args[k] = stringify(v)
		}
	}
	return nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// QueueEntry pairs a pending message with its priority, as returned by
// Queue.List.
type QueueEntry struct {
	Message  Message `json:"message"`
	Priority float64 `json:"priority"`
}

// ProcessRecord tracks one spawned crawl subprocess. It is owned exclusively
// by the launcher: mutated by the slot goroutine supervising the child and
// never touched again once it reaches the finished list.
type ProcessRecord struct {
	Slot      int       `json:"slot"`
	PID       int       `json:"pid"`
	Project   string    `json:"project"`
	Spider    string    `json:"spider"`
	Job       string    `json:"job"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
	ExitCode  int       `json:"exit_code"`
}

// Running reports whether the child has not exited yet.
func (r ProcessRecord) Running() bool {
	return r.EndTime.IsZero()
}
