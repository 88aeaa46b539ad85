package validate

import (
	"strings"
	"testing"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestPayloadAcceptsWellFormedEntities(t *testing.T) {
	v := newValidator(t)

	valid := map[string]string{
		"message": `{"body":"see you at the gate","author_id":"u1","sent_at":"2026-08-29T10:00:00Z"}`,
		"task":    `{"title":"book rental car","done":false,"assignee_id":"u2"}`,
		"event":   `{"name":"sunset kayak","start":"2026-09-01T18:00:00Z","location":"pier 4"}`,
	}
	for entityType, payload := range valid {
		if err := v.Payload(entityType, []byte(payload)); err != nil {
			t.Errorf("Payload(%s) rejected valid payload: %v", entityType, err)
		}
	}
}

func TestPayloadRejectsMissingRequiredFields(t *testing.T) {
	v := newValidator(t)

	invalid := map[string]string{
		"message": `{"author_id":"u1"}`,
		"task":    `{"done":true}`,
		"event":   `{"name":"dinner"}`,
	}
	for entityType, payload := range invalid {
		if err := v.Payload(entityType, []byte(payload)); err == nil {
			t.Errorf("Payload(%s) accepted payload missing required fields", entityType)
		}
	}
}

func TestPayloadRejectsWrongTypes(t *testing.T) {
	v := newValidator(t)
	if err := v.Payload("task", []byte(`{"title":"pack","done":"yes"}`)); err == nil {
		t.Error("accepted non-boolean done field")
	}
	if err := v.Payload("message", []byte(`{"body":"","author_id":"u1"}`)); err == nil {
		t.Error("accepted empty message body")
	}
}

func TestPayloadRejectsMalformedJSON(t *testing.T) {
	v := newValidator(t)
	err := v.Payload("task", []byte(`{"title":`))
	if err == nil {
		t.Fatal("accepted malformed JSON")
	}
	if !strings.Contains(err.Error(), "not valid JSON") {
		t.Errorf("error = %v, want JSON parse failure", err)
	}
}

func TestPayloadSkipsDeletes(t *testing.T) {
	v := newValidator(t)
	if err := v.Payload("task", nil); err != nil {
		t.Errorf("nil payload (delete) rejected: %v", err)
	}
}

func TestPayloadUnknownEntityType(t *testing.T) {
	v := newValidator(t)
	if err := v.Payload("trip", []byte(`{}`)); err == nil {
		t.Error("accepted payload for unregistered entity type")
	}
}
