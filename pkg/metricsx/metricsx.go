// Package metricsx builds the one label-carrying metric name shape udpconn
// actually emits: a dropped-packet counter broken out by reason, e.g.
// `udpconn_client_rx_dropped_total{reason="stale"}`.
package metricsx

// DropReasonName returns the VictoriaMetrics counter name for base broken
// out by a single `reason` label, matching the teacher's
// `pkg/api/api0/metrics.go` result-labeled counter convention.
func DropReasonName(base, reason string) string {
	return base + `{reason="` + reason + `"}`
}
