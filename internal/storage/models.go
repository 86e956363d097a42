package storage

import "time"

const (
	DeliveryPending    = "pending"
	DeliveryFailed     = "failed"
	DeliveryDelivered  = "delivered"
	DeliveryDeadLetter = "dead_letter"
)

type EventRecord struct {
	ID        string
	Type      string
	Source    string
	Severity  string
	TenantID  string
	Timestamp time.Time
	Payload   []byte
}

type RuleRecord struct {
	ID            string
	Name          string
	Enabled       bool
	EventType     *string
	Source        *string
	Severity      *string
	WindowSeconds int
	Threshold     int
	TenantID      *string
	Targets       []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type DeliveryRecord struct {
	ID             string
	AlertEventID   string
	TenantID       string
	Target         string
	Status         string
	AttemptCount   int
	MaxAttempts    int
	NextAttemptAt  time.Time
	LastError      string
	LastStatusCode int
	TriageLabel    string
	TriageScore    int
	TriageReason   string
	ReplayedFrom   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type DeliverySample struct {
	TenantID  string
	Target    string
	CreatedAt time.Time
	Failed    bool
}

type HealingActionRecord struct {
	ID               int64
	TenantID         string
	Endpoint         string
	Severity         string
	Strategy         string
	SpikeDetected    bool
	FailureCluster   bool
	RecentCount      int
	BaselineCount    int
	RecentFailures   int
	BaselineFailures int
	Probability      float64
	Executed         bool
	SkipReason       string
	ResultDetail     string
	DryRun           bool
	CreatedAt        time.Time
}

type HealStateRecord struct {
	TenantID             string
	Endpoint             string
	LastHealAt           *time.Time
	ConsecutiveDeferrals int
	SilencedUntil        *time.Time
	ThrottledUntil       *time.Time
	UpdatedAt            time.Time
}

type AuditRecord struct {
	ID        int64
	Actor     string
	Role      string
	Action    string
	Entity    string
	EntityID  string
	Detail    []byte
	CreatedAt time.Time
}

type EventStats struct {
	Total      int64
	BySeverity map[string]int64
}
