package bus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/basket/flightrec/internal/shared"
)

// MaxLineBytes bounds one NDJSON frame, newline excluded.
const MaxLineBytes = 1 << 20

// Message is a decoded bus envelope.
type Message struct {
	ID        string
	Topic     Topic
	Payload   Payload
	Timestamp string
	Source    string
}

type wireMessage struct {
	ID        string          `json:"id"`
	Topic     Topic           `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
	Source    string          `json:"source"`
}

// NewMessage wraps payload in a fresh envelope from source. A payload with
// an empty timestamp gets the envelope's.
func NewMessage(source string, payload Payload) Message {
	ts := FormatTime(time.Now())
	return Message{
		ID:        uuid.NewString(),
		Topic:     payload.Topic(),
		Payload:   payload.stamped(ts),
		Timestamp: ts,
		Source:    source,
	}
}

// Encode validates m and returns it as one newline-terminated frame.
func Encode(m Message) ([]byte, error) {
	if err := checkTopic(m.Topic, m.Payload); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, shared.ProtocolViolation(string(m.Topic), err)
	}
	if err := validatePayload(m.Topic, raw); err != nil {
		return nil, err
	}
	line, err := json.Marshal(wireMessage{
		ID:        m.ID,
		Topic:     m.Topic,
		Payload:   raw,
		Timestamp: m.Timestamp,
		Source:    m.Source,
	})
	if err != nil {
		return nil, shared.ProtocolViolation(string(m.Topic), err)
	}
	if len(line) > MaxLineBytes {
		return nil, shared.ProtocolViolation(string(m.Topic), fmt.Errorf("frame of %d bytes exceeds limit", len(line)))
	}
	return append(line, '\n'), nil
}

// Decode parses and validates one frame. Every failure is a
// ProtocolViolation.
func Decode(line []byte) (Message, error) {
	schemas, err := compiledSchemas()
	if err != nil {
		return Message{}, err
	}
	if err := validateJSON(schemas.envelope, line); err != nil {
		return Message{}, shared.ProtocolViolation("envelope", err)
	}

	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return Message{}, shared.ProtocolViolation("envelope", err)
	}
	if !w.Topic.Valid() {
		return Message{}, shared.ProtocolViolation(string(w.Topic), errors.New("unknown topic"))
	}
	if err := validatePayload(w.Topic, w.Payload); err != nil {
		return Message{}, err
	}

	var p Payload
	switch w.Topic {
	case TopicStateChange:
		var v StateChange
		err = json.Unmarshal(w.Payload, &v)
		p = v
	case TopicPause:
		var v Pause
		err = json.Unmarshal(w.Payload, &v)
		p = v
	case TopicResume:
		var v Resume
		err = json.Unmarshal(w.Payload, &v)
		p = v
	case TopicLogStream:
		var v LogStream
		err = json.Unmarshal(w.Payload, &v)
		p = v
	}
	if err != nil {
		return Message{}, shared.ProtocolViolation(string(w.Topic), err)
	}
	return Message{ID: w.ID, Topic: w.Topic, Payload: p, Timestamp: w.Timestamp, Source: w.Source}, nil
}

func checkTopic(topic Topic, payload Payload) error {
	if payload == nil {
		return shared.ProtocolViolation(string(topic), errors.New("missing payload"))
	}
	if payload.Topic() != topic {
		return shared.ProtocolViolation(string(topic), fmt.Errorf("payload is for topic %s", payload.Topic()))
	}
	return nil
}

func validatePayload(topic Topic, raw []byte) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas.payloads[topic]
	if !ok {
		return shared.ProtocolViolation(string(topic), errors.New("unknown topic"))
	}
	if err := validateJSON(schema, raw); err != nil {
		return shared.ProtocolViolation(string(topic), err)
	}
	return nil
}

// frameReader splits a stream into NDJSON lines. A line over MaxLineBytes
// ends the stream with bufio.ErrTooLong since the framing cannot resync.
type frameReader struct {
	sc *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes+1)
	return &frameReader{sc: sc}
}

// Next returns the next non-blank line. The slice is only valid until the
// following call.
func (f *frameReader) Next() ([]byte, error) {
	for f.sc.Scan() {
		line := bytes.TrimSpace(f.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := f.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
