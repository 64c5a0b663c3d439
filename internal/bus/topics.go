package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Topic names a class of bus message.
type Topic string

const (
	TopicStateChange Topic = "STATE_CHANGE"
	TopicPause       Topic = "PAUSE"
	TopicResume      Topic = "RESUME"
	TopicLogStream   Topic = "LOG_STREAM"
)

// Topics lists every topic the bus accepts.
var Topics = []Topic{TopicStateChange, TopicPause, TopicResume, TopicLogStream}

// Valid reports whether t is a known topic.
func (t Topic) Valid() bool {
	switch t {
	case TopicStateChange, TopicPause, TopicResume, TopicLogStream:
		return true
	}
	return false
}

// Payload is implemented by StateChange, Pause, Resume and LogStream only.
type Payload interface {
	Topic() Topic
	stamped(ts string) Payload
}

// EntityID is a string or integer entity key. Integers are kept as their
// decimal text.
type EntityID string

// IntEntityID formats an integer key.
func IntEntityID(id int64) EntityID { return EntityID(strconv.FormatInt(id, 10)) }

func (e EntityID) MarshalJSON() ([]byte, error) { return json.Marshal(string(e)) }

func (e *EntityID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = EntityID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("entity id: %w", err)
	}
	*e = EntityID(n.String())
	return nil
}

// StateChange announces a durable mutation of a stored entity.
type StateChange struct {
	EntityType     string   `json:"entityType"`
	EntityID       EntityID `json:"entityId"`
	PreviousStatus string   `json:"previousStatus,omitempty"`
	NewStatus      string   `json:"newStatus"`
	Timestamp      string   `json:"timestamp"`
}

type Pause struct {
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requestedBy"`
	Timestamp   string `json:"timestamp"`
}

type Resume struct {
	RequestedBy string `json:"requestedBy"`
	Timestamp   string `json:"timestamp"`
}

// LogLevel is the severity of a LogStream line.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogStream carries one incremental log line.
type LogStream struct {
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
	AgentID   string   `json:"agentId,omitempty"`
	TaskID    string   `json:"taskId,omitempty"`
	Timestamp string   `json:"timestamp"`
}

func (StateChange) Topic() Topic { return TopicStateChange }
func (Pause) Topic() Topic       { return TopicPause }
func (Resume) Topic() Topic      { return TopicResume }
func (LogStream) Topic() Topic   { return TopicLogStream }

func (p StateChange) stamped(ts string) Payload {
	if p.Timestamp == "" {
		p.Timestamp = ts
	}
	return p
}

func (p Pause) stamped(ts string) Payload {
	if p.Timestamp == "" {
		p.Timestamp = ts
	}
	return p
}

func (p Resume) stamped(ts string) Payload {
	if p.Timestamp == "" {
		p.Timestamp = ts
	}
	return p
}

func (p LogStream) stamped(ts string) Payload {
	if p.Timestamp == "" {
		p.Timestamp = ts
	}
	return p
}

// FormatTime formats t the way envelope and payload timestamps are written.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
