package streams

import (
	"fmt"

	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
)

// PayloadVersion is the schema version of every payload written today.
const PayloadVersion = "v1"

// EventDeadLetter is the envelope type used for archived dead letters.
const EventDeadLetter = "dead_letter"

// Definition is one schema managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

func objectSchema(required string, properties string) []byte {
	return []byte(fmt.Sprintf(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [%s],
  "properties": {%s},
  "additionalProperties": true
}`, required, properties))
}

var lifecycleDefinitions = []Definition{
	{diagnosis.EventSessionCreated, PayloadVersion, objectSchema(`"patient_id", "modalities", "mode"`, `
    "patient_id": {"type": "string", "minLength": 1},
    "modalities": {"type": "array", "minItems": 1, "items": {"enum": ["inquiry", "look", "listen", "palpation", "calculation"]}},
    "mode": {"enum": ["parallel", "sequential", "priority", "adaptive"]}`)},
	{diagnosis.EventSessionStarted, PayloadVersion, objectSchema(`"mode"`, `
    "mode": {"type": "string"}`)},
	{diagnosis.EventModalityCompleted, PayloadVersion, objectSchema(`"modality", "confidence"`, `
    "modality": {"type": "string"},
    "confidence": {"type": "number"},
    "duration": {"type": "string"}`)},
	{diagnosis.EventModalityFailed, PayloadVersion, objectSchema(`"modality", "status"`, `
    "modality": {"type": "string"},
    "status": {"enum": ["failed", "timed_out", "unavailable"]},
    "error": {"type": "string"}`)},
	{diagnosis.EventFusionCompleted, PayloadVersion, objectSchema(`"overall_confidence", "completeness"`, `
    "primary_syndrome": {"type": "string"},
    "overall_confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "completeness": {"type": "number", "minimum": 0, "maximum": 1}`)},
	{diagnosis.EventDecisionCompleted, PayloadVersion, objectSchema(`"treatment", "lifestyle", "follow_up"`, `
    "treatment": {"type": "integer", "minimum": 0},
    "lifestyle": {"type": "integer", "minimum": 0},
    "follow_up": {"type": "integer", "minimum": 0}`)},
	{diagnosis.EventSessionCompleted, PayloadVersion, objectSchema(`"duration"`, `
    "duration": {"type": "string"},
    "modalities": {"type": "array", "items": {"type": "string"}}`)},
	{diagnosis.EventSessionFailed, PayloadVersion, objectSchema(`"error"`, `
    "error": {"type": "string"}`)},
	{diagnosis.EventSessionCancelled, PayloadVersion, objectSchema(`"previous_status"`, `
    "previous_status": {"enum": ["created", "running"]}`)},
	{EventDeadLetter, PayloadVersion, objectSchema(`"event", "reason", "attempts", "at"`, `
    "event": {"type": "object", "required": ["id", "type"]},
    "reason": {"enum": ["queue_full", "handlers_failed", "shutdown"]},
    "errors": {"type": "array", "items": {"type": "string"}},
    "attempts": {"type": "integer", "minimum": 0},
    "at": {"type": "string", "format": "date-time"}`)},
}

// LifecycleDefinitions returns the built-in schema definitions.
func LifecycleDefinitions() []Definition {
	defs := make([]Definition, len(lifecycleDefinitions))
	copy(defs, lifecycleDefinitions)
	return defs
}

// RegisterLifecycleSchemas loads the built-in schemas into reg.
func RegisterLifecycleSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range lifecycleDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
