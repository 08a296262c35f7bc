package internaldefs

import (
	idmflow "github.com/idmflow/idmflow"
)

// CounterDef binds a MetricID to its stable exported name.
type CounterDef struct {
	ID   idmflow.MetricID
	Name string
	Help string
}

// HistogramDef binds a histogram MetricID to its stable exported name.
type HistogramDef struct {
	ID   idmflow.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: idmflow.MetricAuthSuccess, Name: "idmflow_auth_success_total", Help: "Successful authentication attempts."},
	{ID: idmflow.MetricAuthFailure, Name: "idmflow_auth_failure_total", Help: "Failed authentication attempts."},
	{ID: idmflow.MetricAuthCanceled, Name: "idmflow_auth_canceled_total", Help: "User-canceled authentication attempts."},
	{ID: idmflow.MetricOfflineAuthSuccess, Name: "idmflow_offline_auth_success_total", Help: "Attempts satisfied by the local offline verifier."},
	{ID: idmflow.MetricChallengeRaised, Name: "idmflow_challenge_raised_total", Help: "Challenges raised to the host."},
	{ID: idmflow.MetricRetryConsumed, Name: "idmflow_retry_consumed_total", Help: "Recoverable failures that consumed a retry."},
	{ID: idmflow.MetricMaxRetriesReached, Name: "idmflow_max_retries_reached_total", Help: "Attempts terminated at the retry limit."},
	{ID: idmflow.MetricTokenRefreshSuccess, Name: "idmflow_token_refresh_success_total", Help: "Successful refresh-token grants."},
	{ID: idmflow.MetricTokenRefreshFailure, Name: "idmflow_token_refresh_failure_total", Help: "Failed refresh-token grants."},
	{ID: idmflow.MetricSessionRestored, Name: "idmflow_session_restored_total", Help: "Sessions restored from persistence."},
	{ID: idmflow.MetricSessionTimeout, Name: "idmflow_session_timeout_total", Help: "Absolute session expirations."},
	{ID: idmflow.MetricIdleTimeout, Name: "idmflow_idle_timeout_total", Help: "Idle session expirations."},
	{ID: idmflow.MetricLogout, Name: "idmflow_logout_total", Help: "Completed logout walks."},
}

var HistogramDefs = []HistogramDef{
	{ID: idmflow.MetricValidateLatency, Name: "idmflow_validate_latency_seconds", Help: "Session validity check latency histogram."},
}

var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw snapshot buckets to the fixed
// bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to the cumulative form
// exposition formats expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
