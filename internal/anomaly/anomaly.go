package anomaly

import (
	"sort"
	"time"

	"opspulse-backend/internal/config"
	"opspulse-backend/internal/event"
	"opspulse-backend/internal/storage"
)

// Incident is one flagged (tenant, endpoint) group. Counts are raw; rates are
// per minute, normalized by each window's length.
type Incident struct {
	TenantID         string    `json:"tenant_id"`
	Endpoint         string    `json:"endpoint"`
	Severity         string    `json:"severity"`
	SpikeDetected    bool      `json:"spike_detected"`
	FailureCluster   bool      `json:"failure_cluster"`
	RecentCount      int       `json:"recent_count"`
	BaselineCount    int       `json:"baseline_count"`
	RecentFailures   int       `json:"recent_failures"`
	BaselineFailures int       `json:"baseline_failures"`
	RecentRate       float64   `json:"recent_rate"`
	BaselineRate     float64   `json:"baseline_rate"`
	DetectedAt       time.Time `json:"detected_at"`
}

type groupKey struct {
	tenant   string
	endpoint string
}

type groupAgg struct {
	count    int
	failures int
}

// Detect compares two pre-fetched sample windows and returns incidents for
// every (tenant, endpoint) group whose recent activity spikes or clusters
// failures against the baseline. Deterministic and side-effect-free; after
// the single aggregation pass the comparison runs per distinct group.
//
// A spike compares per-minute rates so windows of different lengths stay
// comparable; against an empty baseline the recent count must reach
// MinSpikeVolume instead. A failure cluster compares raw failure counts
// against the multiplier, gated by the absolute floor. Severity is critical
// when both hold, warning otherwise.
func Detect(recent, baseline []storage.DeliverySample, now time.Time, cfg config.AnomalyConfig) []Incident {
	if len(recent) == 0 {
		return nil
	}

	recentAgg := aggregate(recent)
	baselineAgg := aggregate(baseline)

	recentMinutes := cfg.RecentWindow().Minutes()
	if recentMinutes <= 0 {
		recentMinutes = 1
	}
	baselineMinutes := cfg.BaselineWindow().Minutes()
	if baselineMinutes <= 0 {
		baselineMinutes = 1
	}

	keys := make([]groupKey, 0, len(recentAgg))
	for k := range recentAgg {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].tenant != keys[j].tenant {
			return keys[i].tenant < keys[j].tenant
		}
		return keys[i].endpoint < keys[j].endpoint
	})

	var incidents []Incident
	for _, k := range keys {
		r := recentAgg[k]
		b := baselineAgg[k]

		recentRate := float64(r.count) / recentMinutes
		baselineRate := float64(b.count) / baselineMinutes

		var spike bool
		if b.count == 0 {
			spike = r.count >= cfg.MinSpikeVolume
		} else {
			spike = recentRate > baselineRate*(1+cfg.SpikeRatio)
		}

		cluster := r.failures >= cfg.FailureFloor &&
			float64(r.failures) > float64(b.failures)*cfg.FailureMultiplier

		if !spike && !cluster {
			continue
		}

		severity := event.SeverityWarning
		if spike && cluster {
			severity = event.SeverityCritical
		}
		incidents = append(incidents, Incident{
			TenantID:         k.tenant,
			Endpoint:         k.endpoint,
			Severity:         severity,
			SpikeDetected:    spike,
			FailureCluster:   cluster,
			RecentCount:      r.count,
			BaselineCount:    b.count,
			RecentFailures:   r.failures,
			BaselineFailures: b.failures,
			RecentRate:       recentRate,
			BaselineRate:     baselineRate,
			DetectedAt:       now,
		})
	}
	return incidents
}

func aggregate(samples []storage.DeliverySample) map[groupKey]groupAgg {
	agg := make(map[groupKey]groupAgg)
	for _, s := range samples {
		k := groupKey{tenant: s.TenantID, endpoint: s.Target}
		a := agg[k]
		a.count++
		if s.Failed {
			a.failures++
		}
		agg[k] = a
	}
	return agg
}
