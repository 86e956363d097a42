package event

import "time"

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

const (
	TypeAlertRaised     = "ops.alert.raised"
	TypeDeliveryFailed  = "ops.alert.delivery.failed"
	TypeAnomalyDetected = "ops.anomaly.detected"
	TypeHealEscalated   = "ops.heal.escalated"
	TypeHealRateLimited = "ops.heal.rate_limited"
	TypeHealSilenced    = "ops.heal.silenced"
)

type Event struct {
	ID        string         `json:"event_id"`
	Type      string         `json:"event_type"`
	Source    string         `json:"source"`
	Severity  string         `json:"severity"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func ValidSeverity(severity string) bool {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}
