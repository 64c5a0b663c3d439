package bus

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const timestampSchema = `{"type": "string", "minLength": 1}`

var payloadSchemas = map[Topic]string{
	TopicStateChange: `{
		"type": "object",
		"required": ["entityType", "entityId", "newStatus", "timestamp"],
		"properties": {
			"entityType": {"type": "string", "minLength": 1},
			"entityId": {"type": ["string", "integer"]},
			"previousStatus": {"type": "string"},
			"newStatus": {"type": "string", "minLength": 1},
			"timestamp": ` + timestampSchema + `
		}
	}`,
	TopicPause: `{
		"type": "object",
		"required": ["requestedBy", "timestamp"],
		"properties": {
			"reason": {"type": "string"},
			"requestedBy": {"type": "string", "minLength": 1},
			"timestamp": ` + timestampSchema + `
		}
	}`,
	TopicResume: `{
		"type": "object",
		"required": ["requestedBy", "timestamp"],
		"properties": {
			"requestedBy": {"type": "string", "minLength": 1},
			"timestamp": ` + timestampSchema + `
		}
	}`,
	TopicLogStream: `{
		"type": "object",
		"required": ["level", "message", "timestamp"],
		"properties": {
			"level": {"enum": ["debug", "info", "warn", "error"]},
			"message": {"type": "string"},
			"agentId": {"type": "string"},
			"taskId": {"type": "string"},
			"timestamp": ` + timestampSchema + `
		}
	}`,
}

const envelopeSchema = `{
	"type": "object",
	"required": ["id", "topic", "payload", "timestamp", "source"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"topic": {"type": "string"},
		"payload": {"type": "object"},
		"timestamp": {"type": "string"},
		"source": {"type": "string"}
	}
}`

type schemaSet struct {
	envelope *jsonschema.Schema
	payloads map[Topic]*jsonschema.Schema
}

var compiledSchemas = sync.OnceValues(compileSchemas)

func compileSchemas() (*schemaSet, error) {
	c := jsonschema.NewCompiler()
	add := func(name, src string) error {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			return fmt.Errorf("unmarshal %s schema: %w", name, err)
		}
		return c.AddResource(name+".json", doc)
	}

	if err := add("envelope", envelopeSchema); err != nil {
		return nil, err
	}
	for topic, src := range payloadSchemas {
		if err := add(string(topic), src); err != nil {
			return nil, err
		}
	}

	set := &schemaSet{payloads: make(map[Topic]*jsonschema.Schema, len(payloadSchemas))}
	var err error
	if set.envelope, err = c.Compile("envelope.json"); err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	for topic := range payloadSchemas {
		s, err := c.Compile(string(topic) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", topic, err)
		}
		set.payloads[topic] = s
	}
	return set, nil
}

// validateJSON checks raw against schema. UnmarshalJSON keeps numbers as
// json.Number, which the validator requires.
func validateJSON(schema *jsonschema.Schema, raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
