package heal

import (
	"opspulse-backend/internal/anomaly"
	"opspulse-backend/internal/config"
	"opspulse-backend/internal/triage"
)

// Remediation strategies, highest priority first.
const (
	StrategyEscalate  = "ESCALATE_OPERATOR"
	StrategyRateLimit = "RATE_LIMIT_SOURCE"
	StrategyReplay    = "REPLAY_RECENT"
	StrategySilence   = "SILENCE_DUPES"
	StrategyDefer     = "DEFER_AND_MONITOR"
)

// Base success rates per strategy, blended with the endpoint's observed
// replay success when history exists.
var baseRates = map[string]float64{
	StrategyReplay:    0.75,
	StrategyEscalate:  0.95,
	StrategyRateLimit: 0.6,
	StrategySilence:   0.6,
	StrategyDefer:     0.3,
}

// ChooseStrategy picks the remediation for one incident, first match wins:
// a dominant permanent-failure signal or a massive cluster goes straight to
// an operator; a dominant rate-limit signal throttles the source; a dominant
// transient signal within the batch cap replays; a pure volume spike at or
// beyond the silence ratio without failure growth silences duplicates;
// anything ambiguous defers.
func ChooseStrategy(inc anomaly.Incident, dist triage.Distribution, batch int, cfg config.HealConfig) string {
	switch {
	case dist.PermanentRatio > 0.8 || inc.RecentFailures >= cfg.MassiveClusterThreshold:
		return StrategyEscalate
	case dist.RateLimitedRatio > 0.5:
		return StrategyRateLimit
	case dist.TransientRatio > 0.7 && batch <= cfg.ReplayBatchCap:
		return StrategyReplay
	case pureVolumeSpike(inc, cfg.SilenceSpikeRatio):
		return StrategySilence
	default:
		return StrategyDefer
	}
}

func pureVolumeSpike(inc anomaly.Incident, ratio float64) bool {
	if !inc.SpikeDetected || inc.FailureCluster {
		return false
	}
	if inc.BaselineRate <= 0 {
		return false
	}
	return inc.RecentRate >= inc.BaselineRate*ratio
}

// PredictProbability blends the strategy base rate with the endpoint's
// historical replay success (60/40). No replay history falls back to the
// base rate alone rather than treating missing data as failure.
func PredictProbability(strategy string, replayTotal, replayDelivered int64) float64 {
	base, ok := baseRates[strategy]
	if !ok {
		base = 0.5
	}
	if replayTotal <= 0 {
		return clamp01(base)
	}
	observed := float64(replayDelivered) / float64(replayTotal)
	return clamp01(0.6*base + 0.4*observed)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
