// Copyright 2022-2023 The wsbench Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/wsbench/common"
	"github.com/apex/log"
)

// LiveCounts is a point-in-time read of the running counters, used for
// progress logging while a run is in flight
type LiveCounts struct {
	// ActiveSessions is the number of sessions currently holding a connection
	ActiveSessions int64
	// SubscribeSuccess is the number of acknowledged subscribes so far
	SubscribeSuccess int64
	// ConnectionErrors is the number of transport-level failures so far
	ConnectionErrors int64
	// MessagesReceived is the number of channel data messages so far
	MessagesReceived int64
}

// MetricsAggregator collects counters and latency samples from every session
// of one scenario run. All record operations are safe for concurrent use;
// Snapshot must only be taken after every session reached a terminal state.
type MetricsAggregator interface {
	// RecordConnectionAttempt note a session began connecting
	RecordConnectionAttempt()
	// RecordConnectionError note a transport-level failure
	RecordConnectionError()
	// RecordSessionOpened note a session now holds a live connection
	RecordSessionOpened()
	// RecordSessionClosed note a session released its connection
	RecordSessionClosed()
	// RecordSubscribeSuccess note an acknowledged initial subscribe
	RecordSubscribeSuccess(latency time.Duration)
	// RecordSubscribeFailure note a rejected or timed out initial subscribe
	RecordSubscribeFailure()
	// RecordUpdateSuccess note an acknowledged live filter replacement
	RecordUpdateSuccess(latency time.Duration)
	// RecordUpdateFailure note a rejected or timed out filter replacement
	RecordUpdateFailure()
	// RecordMessageReceived note one channel data message
	RecordMessageReceived()
	// RecordEndToEndLatency note producer-to-client delivery latency
	RecordEndToEndLatency(latency time.Duration)
	// LiveCounts read the running counters mid-run
	LiveCounts() LiveCounts
	// Snapshot compute the final summary statistics
	Snapshot() Summary
}

// metricsAggregatorImpl implements MetricsAggregator
type metricsAggregatorImpl struct {
	common.Component
	runID       string
	scenarioID  int
	clientCount int

	attemptedConnections int64
	connectionErrors     int64
	activeSessions       int64
	subscribeSuccess     int64
	subscribeFailed      int64
	filterUpdates        int64
	updateFailures       int64
	messagesReceived     int64

	lock             sync.Mutex
	subscribeSamples []time.Duration
	updateSamples    []time.Duration
	endToEndSamples  []time.Duration
}

// GetMetricsAggregator define a fresh aggregator scoped to one scenario run
func GetMetricsAggregator(
	runID string, scenarioID int, clientCount int,
) (MetricsAggregator, error) {
	logTags := log.Fields{
		"module": "metrics", "component": "aggregator", "run": runID,
	}
	return &metricsAggregatorImpl{
		Component:        common.Component{LogTags: logTags},
		runID:            runID,
		scenarioID:       scenarioID,
		clientCount:      clientCount,
		subscribeSamples: make([]time.Duration, 0, clientCount),
		updateSamples:    make([]time.Duration, 0, 64),
		endToEndSamples:  make([]time.Duration, 0, 4096),
	}, nil
}

// RecordConnectionAttempt note a session began connecting
func (m *metricsAggregatorImpl) RecordConnectionAttempt() {
	atomic.AddInt64(&m.attemptedConnections, 1)
}

// RecordConnectionError note a transport-level failure
func (m *metricsAggregatorImpl) RecordConnectionError() {
	atomic.AddInt64(&m.connectionErrors, 1)
}

// RecordSessionOpened note a session now holds a live connection
func (m *metricsAggregatorImpl) RecordSessionOpened() {
	atomic.AddInt64(&m.activeSessions, 1)
}

// RecordSessionClosed note a session released its connection
func (m *metricsAggregatorImpl) RecordSessionClosed() {
	atomic.AddInt64(&m.activeSessions, -1)
}

// RecordSubscribeSuccess note an acknowledged initial subscribe
func (m *metricsAggregatorImpl) RecordSubscribeSuccess(latency time.Duration) {
	atomic.AddInt64(&m.subscribeSuccess, 1)
	m.lock.Lock()
	defer m.lock.Unlock()
	m.subscribeSamples = append(m.subscribeSamples, latency)
}

// RecordSubscribeFailure note a rejected or timed out initial subscribe
func (m *metricsAggregatorImpl) RecordSubscribeFailure() {
	atomic.AddInt64(&m.subscribeFailed, 1)
}

// RecordUpdateSuccess note an acknowledged live filter replacement
func (m *metricsAggregatorImpl) RecordUpdateSuccess(latency time.Duration) {
	atomic.AddInt64(&m.filterUpdates, 1)
	m.lock.Lock()
	defer m.lock.Unlock()
	m.updateSamples = append(m.updateSamples, latency)
}

// RecordUpdateFailure note a rejected or timed out filter replacement
func (m *metricsAggregatorImpl) RecordUpdateFailure() {
	atomic.AddInt64(&m.updateFailures, 1)
}

// RecordMessageReceived note one channel data message
func (m *metricsAggregatorImpl) RecordMessageReceived() {
	atomic.AddInt64(&m.messagesReceived, 1)
}

// RecordEndToEndLatency note producer-to-client delivery latency
func (m *metricsAggregatorImpl) RecordEndToEndLatency(latency time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.endToEndSamples = append(m.endToEndSamples, latency)
}

// LiveCounts read the running counters mid-run
func (m *metricsAggregatorImpl) LiveCounts() LiveCounts {
	return LiveCounts{
		ActiveSessions:   atomic.LoadInt64(&m.activeSessions),
		SubscribeSuccess: atomic.LoadInt64(&m.subscribeSuccess),
		ConnectionErrors: atomic.LoadInt64(&m.connectionErrors),
		MessagesReceived: atomic.LoadInt64(&m.messagesReceived),
	}
}

// Snapshot compute the final summary statistics
func (m *metricsAggregatorImpl) Snapshot() Summary {
	m.lock.Lock()
	defer m.lock.Unlock()
	log.WithFields(m.LogTags).Debugf(
		"Computing summary over %d subscribe, %d update, %d e2e samples",
		len(m.subscribeSamples), len(m.updateSamples), len(m.endToEndSamples),
	)
	return Summary{
		RunID:                m.runID,
		ScenarioID:           m.scenarioID,
		ClientCount:          m.clientCount,
		AttemptedConnections: atomic.LoadInt64(&m.attemptedConnections),
		SubscribeSuccess:     atomic.LoadInt64(&m.subscribeSuccess),
		SubscribeFailed:      atomic.LoadInt64(&m.subscribeFailed),
		ConnectionErrors:     atomic.LoadInt64(&m.connectionErrors),
		FilterUpdates:        atomic.LoadInt64(&m.filterUpdates),
		UpdateFailures:       atomic.LoadInt64(&m.updateFailures),
		MessagesReceived:     atomic.LoadInt64(&m.messagesReceived),
		Subscribe:            computeLatencyStats(m.subscribeSamples),
		FilterUpdate:         computeLatencyStats(m.updateSamples),
		EndToEnd:             computeLatencyStats(m.endToEndSamples),
	}
}

// computeLatencyStats derive summary statistics from one sample set using
// nearest-rank percentiles over the sorted samples. The input order does not
// matter; the samples are copied before sorting.
func computeLatencyStats(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var total time.Duration
	for _, sample := range sorted {
		total += sample
	}
	return LatencyStats{
		Samples: len(sorted),
		Min:     sorted[0],
		Mean:    total / time.Duration(len(sorted)),
		P50:     nearestRank(sorted, 0.50),
		P95:     nearestRank(sorted, 0.95),
		P99:     nearestRank(sorted, 0.99),
		Max:     sorted[len(sorted)-1],
	}
}

// nearestRank pick the nearest-rank percentile from sorted samples
func nearestRank(sorted []time.Duration, quantile float64) time.Duration {
	rank := int(math.Ceil(float64(len(sorted)) * quantile))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
