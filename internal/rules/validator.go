package rules

import (
	"fmt"
	"net/url"
	"strings"

	"opspulse-backend/internal/event"
	"opspulse-backend/internal/storage"
)

type ErrorDetail struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
	Hint    string `json:"hint"`
}

type RuleError struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details"`
}

func (e *RuleError) Error() string {
	return e.Message
}

func ValidateRule(rec storage.RuleRecord) *RuleError {
	var details []ErrorDetail
	if strings.TrimSpace(rec.Name) == "" {
		details = append(details, ErrorDetail{Field: "name", Problem: "missing", Hint: "Provide a rule name"})
	}
	if rec.WindowSeconds < 1 {
		details = append(details, ErrorDetail{Field: "window_seconds", Problem: "out of range", Hint: "Must be >= 1"})
	}
	if rec.Threshold < 1 {
		details = append(details, ErrorDetail{Field: "threshold", Problem: "out of range", Hint: "Must be >= 1"})
	}
	if len(rec.Targets) == 0 {
		details = append(details, ErrorDetail{Field: "targets", Problem: "missing", Hint: "Provide at least one webhook URL"})
	}
	for i, target := range rec.Targets {
		if !validTarget(target) {
			details = append(details, ErrorDetail{Field: fmt.Sprintf("targets[%d]", i), Problem: "invalid", Hint: "Must be an absolute http(s) URL"})
		}
	}
	if rec.EventType != nil && strings.TrimSpace(*rec.EventType) == "" {
		details = append(details, ErrorDetail{Field: "event_type", Problem: "empty", Hint: "Omit the filter or provide a value"})
	}
	if rec.Source != nil && strings.TrimSpace(*rec.Source) == "" {
		details = append(details, ErrorDetail{Field: "source", Problem: "empty", Hint: "Omit the filter or provide a value"})
	}
	if rec.Severity != nil && !event.ValidSeverity(*rec.Severity) {
		details = append(details, ErrorDetail{Field: "severity", Problem: "unsupported", Hint: "Use info, warning, error, or critical"})
	}

	if len(details) > 0 {
		return &RuleError{Code: "RULE_SCHEMA_INVALID", Message: "alert rule failed validation", Details: details}
	}
	return nil
}

func validTarget(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
