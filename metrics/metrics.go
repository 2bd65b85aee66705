// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	mempoolTxsSeen         = metrics.NewCounter("mempool_txs_seen_total")
	mempoolCandidates      = metrics.NewCounter("mempool_candidates_total")
	mempoolReconnects      = metrics.NewCounter("mempool_reconnects_total")
	queueDroppedOldest     = metrics.NewCounter("candidate_queue_dropped_oldest_total")
	queuePopStaleItem      = metrics.NewCounter("candidate_queue_pop_stale_item_total")
	poolRefreshFailures    = metrics.NewCounter("pool_refresh_failures_total")
	opportunitiesSized     = metrics.NewCounter("opportunities_sized_total")
	bundlesSubmitted       = metrics.NewCounter("bundles_submitted_total")
	bundlesAccepted        = metrics.NewCounter("bundles_accepted_total")
	bundlesIncluded        = metrics.NewCounter("bundles_included_total")
	simulationRetries      = metrics.NewCounter("simulation_retries_total")
	circuitBreakerTripped  = metrics.NewCounter("circuit_breaker_tripped_total")
	headSubscriptionErrors = metrics.NewCounter("head_subscription_errors_total")
)

func IncMempoolTxsSeen() {
	mempoolTxsSeen.Inc()
}

func IncMempoolCandidates() {
	mempoolCandidates.Inc()
}

func IncMempoolReconnects() {
	mempoolReconnects.Inc()
}

func IncQueueDroppedOldest() {
	queueDroppedOldest.Inc()
}

func IncQueuePopStaleItem() {
	queuePopStaleItem.Inc()
}

func IncPoolRefreshFailures() {
	poolRefreshFailures.Inc()
}

func IncOpportunitiesSized() {
	opportunitiesSized.Inc()
}

func IncBundlesSubmitted() {
	bundlesSubmitted.Inc()
}

func IncBundlesAccepted() {
	bundlesAccepted.Inc()
}

func IncBundlesIncluded() {
	bundlesIncluded.Inc()
}

func IncSimulationRetries() {
	simulationRetries.Inc()
}

func IncCircuitBreakerTripped() {
	circuitBreakerTripped.Inc()
}

func IncHeadSubscriptionErrors() {
	headSubscriptionErrors.Inc()
}

// IncRejection counts a rejected candidate by its error kind and the pipeline stage that rejected it.
func IncRejection(kind, stage string) {
	l := fmt.Sprintf(`opportunity_rejections_total{kind="%s",stage="%s"}`, kind, stage)
	metrics.GetOrCreateCounter(l).Inc()
}

func RecordStageDuration(stage string, ms int64) {
	l := fmt.Sprintf(`pipeline_stage_duration_milliseconds{stage="%s"}`, stage)
	metrics.GetOrCreateSummary(l).Update(float64(ms))
}

func RecordRelayCallDuration(relay string, ms int64) {
	l := fmt.Sprintf(`relay_call_duration_milliseconds{relay="%s"}`, relay)
	metrics.GetOrCreateSummary(l).Update(float64(ms))
}

func IncRelayCallFailure(relay string) {
	l := fmt.Sprintf(`relay_call_failure_total{relay="%s"}`, relay)
	metrics.GetOrCreateCounter(l).Inc()
}

func RecordCandidateAge(ms int64) {
	metrics.GetOrCreateSummary("candidate_age_milliseconds").Update(float64(ms))
}

func RecordRPCDuration(method string, ms int64) {
	l := fmt.Sprintf(`status_rpc_duration_milliseconds{method="%s"}`, method)
	metrics.GetOrCreateSummary(l).Update(float64(ms))
}
