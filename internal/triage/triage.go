package triage

import (
	"fmt"
	"net/http"
	"strings"

	"opspulse-backend/internal/storage"
)

// Failure labels, ordered by classification precedence.
const (
	LabelRateLimited  = "rate_limited"
	LabelTransient    = "transient_endpoint_down"
	LabelPermanent4xx = "permanent_4xx"
	LabelUnknown      = "unknown"
)

const (
	ActionWaitAndRetry = "wait and retry"
	ActionSafeToReplay = "safe to replay"
	ActionManualFix    = "needs manual fix, do not auto-replay"
	ActionManualReview = "manual review"
)

type Result struct {
	Label             string `json:"label"`
	Score             int    `json:"score"`
	Reason            string `json:"reason"`
	RecommendedAction string `json:"recommended_action"`
}

// transientSignatures are substrings of transport errors that indicate the
// endpoint is down or unreachable rather than rejecting the payload.
var transientSignatures = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"broken pipe",
}

// Classify labels one delivery failure from its last observed status code and
// error string. First matching rule wins and every input maps to exactly one
// label. Holds no state across calls.
func Classify(rec storage.DeliveryRecord) Result {
	errText := strings.ToLower(rec.LastError)

	if rec.LastStatusCode == http.StatusTooManyRequests || strings.Contains(errText, "rate limit") {
		return Result{
			Label:             LabelRateLimited,
			Score:             95,
			Reason:            "endpoint signaled rate limiting",
			RecommendedAction: ActionWaitAndRetry,
		}
	}

	if rec.LastStatusCode >= 500 && rec.LastStatusCode < 600 {
		return Result{
			Label:             LabelTransient,
			Score:             90,
			Reason:            fmt.Sprintf("endpoint returned HTTP %d", rec.LastStatusCode),
			RecommendedAction: ActionSafeToReplay,
		}
	}
	for _, sig := range transientSignatures {
		if strings.Contains(errText, sig) {
			return Result{
				Label:             LabelTransient,
				Score:             90,
				Reason:            "transport error: " + sig,
				RecommendedAction: ActionSafeToReplay,
			}
		}
	}

	if rec.LastStatusCode >= 400 && rec.LastStatusCode < 500 {
		return Result{
			Label:             LabelPermanent4xx,
			Score:             85,
			Reason:            fmt.Sprintf("endpoint returned HTTP %d", rec.LastStatusCode),
			RecommendedAction: ActionManualFix,
		}
	}

	if rec.LastStatusCode == 0 && rec.LastError == "" {
		return Result{
			Label:             LabelUnknown,
			Score:             50,
			Reason:            "no failure signal recorded",
			RecommendedAction: ActionManualReview,
		}
	}
	return Result{
		Label:             LabelUnknown,
		Score:             55,
		Reason:            "unrecognized failure signature",
		RecommendedAction: ActionManualReview,
	}
}

// Distribution summarizes triage labels across a batch of failed deliveries.
// Ratios are fractions of the batch in [0, 1].
type Distribution struct {
	Total            int
	TransientRatio   float64
	PermanentRatio   float64
	RateLimitedRatio float64
	UnknownRatio     float64
}

// Distribute classifies every delivery in the batch and aggregates label
// ratios. An empty batch returns a zero Distribution.
func Distribute(recs []storage.DeliveryRecord) Distribution {
	dist := Distribution{Total: len(recs)}
	if len(recs) == 0 {
		return dist
	}
	var transient, permanent, rateLimited, unknown int
	for _, rec := range recs {
		switch Classify(rec).Label {
		case LabelTransient:
			transient++
		case LabelPermanent4xx:
			permanent++
		case LabelRateLimited:
			rateLimited++
		default:
			unknown++
		}
	}
	n := float64(len(recs))
	dist.TransientRatio = float64(transient) / n
	dist.PermanentRatio = float64(permanent) / n
	dist.RateLimitedRatio = float64(rateLimited) / n
	dist.UnknownRatio = float64(unknown) / n
	return dist
}
