package metrics

import (
	"fmt"
	"strings"
	"time"
)

// LatencyStats summary statistics over one latency sample set
type LatencyStats struct {
	// Samples is the number of recorded samples
	Samples int `json:"samples"`
	// Min is the smallest sample
	Min time.Duration `json:"min"`
	// Mean is the arithmetic mean over all samples
	Mean time.Duration `json:"mean"`
	// P50 is the nearest-rank 50th percentile
	P50 time.Duration `json:"p50"`
	// P95 is the nearest-rank 95th percentile
	P95 time.Duration `json:"p95"`
	// P99 is the nearest-rank 99th percentile
	P99 time.Duration `json:"p99"`
	// Max is the largest sample
	Max time.Duration `json:"max"`
}

// Summary is the final metrics snapshot of one scenario run
type Summary struct {
	// RunID identifies the run the snapshot belongs to
	RunID string `json:"run_id"`
	// ScenarioID is the scenario the run exercised
	ScenarioID int `json:"scenario_id"`
	// ClientCount is the configured target session count
	ClientCount int `json:"client_count"`
	// AttemptedConnections is the number of sessions that began connecting
	AttemptedConnections int64 `json:"attempted_connections"`
	// SubscribeSuccess is the number of acknowledged initial subscribes
	SubscribeSuccess int64 `json:"subscribe_success"`
	// SubscribeFailed is the number of rejected or timed out initial subscribes
	SubscribeFailed int64 `json:"subscribe_failed"`
	// ConnectionErrors is the number of transport-level failures
	ConnectionErrors int64 `json:"connection_errors"`
	// FilterUpdates is the number of acknowledged live filter replacements
	FilterUpdates int64 `json:"filter_updates"`
	// UpdateFailures is the number of rejected or timed out filter replacements
	UpdateFailures int64 `json:"update_failures"`
	// MessagesReceived is the number of channel data messages received
	MessagesReceived int64 `json:"messages_received"`
	// Subscribe are the initial subscribe ACK latency statistics
	Subscribe LatencyStats `json:"subscribe_latency"`
	// FilterUpdate are the filter replacement ACK latency statistics
	FilterUpdate LatencyStats `json:"filter_update_latency"`
	// EndToEnd are the producer-to-client delivery latency statistics
	EndToEnd LatencyStats `json:"end_to_end_latency"`
}

// String renders the summary as labeled lines. The field labels are part of
// the engine contract; the external reporting layer scrapes them line by line.
func (s Summary) String() string {
	builder := strings.Builder{}
	builder.WriteString("Connection Metrics:\n")
	fmt.Fprintf(&builder, "  Subscribe Success:   %d\n", s.SubscribeSuccess)
	fmt.Fprintf(&builder, "  Subscribe Failed:    %d\n", s.SubscribeFailed)
	fmt.Fprintf(&builder, "  Connection Errors:   %d\n", s.ConnectionErrors)
	fmt.Fprintf(&builder, "  Filter Updates:      %d\n", s.FilterUpdates)
	fmt.Fprintf(&builder, "  Messages Received:   %d\n", s.MessagesReceived)
	builder.WriteString("\nSubscribe Latency (ms):\n")
	builder.WriteString(s.Subscribe.render())
	builder.WriteString("\nFilter Update Latency (ms):\n")
	builder.WriteString(s.FilterUpdate.render())
	builder.WriteString("\nEnd-to-End Latency (ms):\n")
	builder.WriteString(s.EndToEnd.render())
	return builder.String()
}

// render the latency statistics as labeled lines in milliseconds
func (l LatencyStats) render() string {
	if l.Samples == 0 {
		return "  No data\n"
	}
	builder := strings.Builder{}
	fmt.Fprintf(&builder, "  Min:     %d\n", l.Min.Milliseconds())
	fmt.Fprintf(&builder, "  Mean:    %.2f\n", float64(l.Mean.Microseconds())/1000.0)
	fmt.Fprintf(&builder, "  p50:     %d\n", l.P50.Milliseconds())
	fmt.Fprintf(&builder, "  p95:     %d\n", l.P95.Milliseconds())
	fmt.Fprintf(&builder, "  p99:     %d\n", l.P99.Milliseconds())
	fmt.Fprintf(&builder, "  Max:     %d\n", l.Max.Milliseconds())
	fmt.Fprintf(&builder, "  Samples: %d\n", l.Samples)
	return builder.String()
}
