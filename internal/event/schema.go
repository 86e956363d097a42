package event

import (
	"fmt"
	"sync"
)

type FieldError struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
	Hint    string `json:"hint,omitempty"`
}

type SchemaError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details"`
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Schema lists the payload fields an event type must carry. Envelope checks
// (type, source, severity) apply to every event regardless of registration.
type Schema struct {
	Required []string
}

type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: map[string]Schema{
		TypeAlertRaised:     {Required: []string{"rule_id", "rule_name", "matched", "threshold"}},
		TypeDeliveryFailed:  {Required: []string{"delivery_id", "target"}},
		TypeAnomalyDetected: {Required: []string{"endpoint"}},
		TypeHealEscalated:   {Required: []string{"endpoint", "strategy"}},
		TypeHealRateLimited: {Required: []string{"endpoint"}},
		TypeHealSilenced:    {Required: []string{"endpoint"}},
	}}
}

func (r *SchemaRegistry) Register(eventType string, schema Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[eventType] = schema
}

func (r *SchemaRegistry) Validate(e Event) *SchemaError {
	var details []FieldError
	if e.Type == "" {
		details = append(details, FieldError{Field: "event_type", Problem: "missing", Hint: "Example: service.failed"})
	}
	if e.Source == "" {
		details = append(details, FieldError{Field: "source", Problem: "missing", Hint: "Name the producing service"})
	}
	if !ValidSeverity(e.Severity) {
		details = append(details, FieldError{Field: "severity", Problem: "unsupported", Hint: "Use info, warning, error, or critical"})
	}
	r.mu.RLock()
	schema, ok := r.schemas[e.Type]
	r.mu.RUnlock()
	if ok {
		for _, field := range schema.Required {
			if _, present := e.Payload[field]; !present {
				details = append(details, FieldError{Field: "payload." + field, Problem: "missing"})
			}
		}
	}
	if len(details) > 0 {
		return &SchemaError{Code: "EVENT_SCHEMA_INVALID", Message: "event failed schema validation", Details: details}
	}
	return nil
}
