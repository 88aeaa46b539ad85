// Package validate checks mutation payloads against per-entity JSON Schemas
// before they enter the queue, so malformed writes fail at the call site
// instead of poisoning a drain cycle hours later.
package validate

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const messageSchema = `{
	"type": "object",
	"required": ["body", "author_id"],
	"properties": {
		"body": {"type": "string", "minLength": 1, "maxLength": 10000},
		"author_id": {"type": "string", "minLength": 1},
		"sent_at": {"type": "string"}
	},
	"additionalProperties": true
}`

const taskSchema = `{
	"type": "object",
	"required": ["title"],
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 500},
		"done": {"type": "boolean"},
		"assignee_id": {"type": "string"},
		"due": {"type": "string"}
	},
	"additionalProperties": true
}`

const eventSchema = `{
	"type": "object",
	"required": ["name", "start"],
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 500},
		"start": {"type": "string"},
		"end": {"type": "string"},
		"location": {"type": "string"}
	},
	"additionalProperties": true
}`

// Validator holds the compiled per-entity schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles the built-in schemas.
func New() (*Validator, error) {
	sources := map[string]string{
		"message": messageSchema,
		"task":    taskSchema,
		"event":   eventSchema,
	}

	compiler := jsonschema.NewCompiler()
	for name, source := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", name, err)
		}
		if err := compiler.AddResource(name+".json", doc); err != nil {
			return nil, fmt.Errorf("register %s schema: %w", name, err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(sources))}
	for name := range sources {
		schema, err := compiler.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

// Payload validates a mutation payload for the given entity type. Delete
// mutations carry no payload; pass nil and validation is skipped.
func (v *Validator) Payload(entityType string, payload []byte) error {
	if payload == nil {
		return nil
	}
	schema, ok := v.schemas[entityType]
	if !ok {
		return fmt.Errorf("no schema for entity type %q", entityType)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("payload rejected for %s: %w", entityType, err)
	}
	return nil
}
