package metrics

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestAggregatorCounters(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetMetricsAggregator(uuid.New().String(), 1, 100)
	assert.Nil(err)

	for itr := 0; itr < 100; itr++ {
		uut.RecordConnectionAttempt()
	}
	for itr := 0; itr < 90; itr++ {
		uut.RecordSubscribeSuccess(time.Millisecond * time.Duration(itr+1))
	}
	for itr := 0; itr < 7; itr++ {
		uut.RecordSubscribeFailure()
	}
	for itr := 0; itr < 3; itr++ {
		uut.RecordConnectionError()
	}
	for itr := 0; itr < 1234; itr++ {
		uut.RecordMessageReceived()
	}

	summary := uut.Snapshot()
	assert.Equal(int64(100), summary.AttemptedConnections)
	assert.Equal(int64(90), summary.SubscribeSuccess)
	assert.Equal(int64(7), summary.SubscribeFailed)
	assert.Equal(int64(3), summary.ConnectionErrors)
	assert.Equal(int64(1234), summary.MessagesReceived)
	assert.Equal(90, summary.Subscribe.Samples)
	// No session population double counts
	assert.LessOrEqual(
		summary.SubscribeSuccess+summary.SubscribeFailed, summary.AttemptedConnections,
	)
}

func TestAggregatorConcurrentRecording(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetMetricsAggregator(uuid.New().String(), 1, 64)
	assert.Nil(err)

	wg := sync.WaitGroup{}
	for itr := 0; itr < 64; itr++ {
		wg.Add(1)
		go func(latency time.Duration) {
			defer wg.Done()
			uut.RecordConnectionAttempt()
			uut.RecordSessionOpened()
			uut.RecordSubscribeSuccess(latency)
			for inner := 0; inner < 100; inner++ {
				uut.RecordMessageReceived()
			}
			uut.RecordSessionClosed()
		}(time.Millisecond * time.Duration(itr+1))
	}
	wg.Wait()

	summary := uut.Snapshot()
	assert.Equal(int64(64), summary.AttemptedConnections)
	assert.Equal(int64(64), summary.SubscribeSuccess)
	assert.Equal(int64(6400), summary.MessagesReceived)
	assert.Equal(64, summary.Subscribe.Samples)
	assert.Equal(int64(0), uut.LiveCounts().ActiveSessions)
}

func TestLatencyStatsComputation(t *testing.T) {
	assert := assert.New(t)

	// Case 0: empty sample set
	{
		stats := computeLatencyStats(nil)
		assert.Equal(0, stats.Samples)
	}

	// Case 1: known sample set, 1..100 ms
	{
		samples := make([]time.Duration, 100)
		for itr := 0; itr < 100; itr++ {
			samples[itr] = time.Millisecond * time.Duration(itr+1)
		}
		stats := computeLatencyStats(samples)
		assert.Equal(100, stats.Samples)
		assert.Equal(time.Millisecond, stats.Min)
		assert.Equal(time.Millisecond*100, stats.Max)
		assert.Equal(time.Microsecond*50500, stats.Mean)
		assert.Equal(time.Millisecond*50, stats.P50)
		assert.Equal(time.Millisecond*95, stats.P95)
		assert.Equal(time.Millisecond*99, stats.P99)
	}

	// Case 2: percentile ordering holds by construction
	{
		samples := make([]time.Duration, 1000)
		for itr := range samples {
			samples[itr] = time.Duration(rand.Int63n(int64(time.Second)))
		}
		stats := computeLatencyStats(samples)
		assert.LessOrEqual(stats.P95, stats.P99)
		assert.LessOrEqual(stats.P50, stats.P95)
		assert.LessOrEqual(stats.Min, stats.P50)
		assert.LessOrEqual(stats.P99, stats.Max)
	}
}

func TestLatencyStatsOrderIndependence(t *testing.T) {
	assert := assert.New(t)

	samples := make([]time.Duration, 5000)
	for itr := range samples {
		samples[itr] = time.Duration(rand.Int63n(int64(time.Second)))
	}
	reference := computeLatencyStats(samples)

	// Shuffling the sample set must not change any statistic
	for itr := 0; itr < 5; itr++ {
		shuffled := make([]time.Duration, len(samples))
		copy(shuffled, samples)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		assert.Equal(reference, computeLatencyStats(shuffled))
	}

	// The input itself must not be reordered by the computation
	assert.Equal(reference, computeLatencyStats(samples))
}

func TestSummaryRendering(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetMetricsAggregator(uuid.New().String(), 1, 10)
	assert.Nil(err)
	for itr := 0; itr < 10; itr++ {
		uut.RecordConnectionAttempt()
	}
	uut.RecordSubscribeSuccess(time.Millisecond * 12)
	uut.RecordSubscribeFailure()
	uut.RecordConnectionError()
	uut.RecordMessageReceived()

	rendered := uut.Snapshot().String()
	// The labels are scraped line by line by the reporting layer
	assert.Contains(rendered, "Subscribe Success:   1")
	assert.Contains(rendered, "Subscribe Failed:    1")
	assert.Contains(rendered, "Connection Errors:   1")
	assert.Contains(rendered, "Messages Received:   1")
	assert.Contains(rendered, "Mean:")
	assert.Contains(rendered, "p95:")
	assert.Contains(rendered, "p99:")
	assert.Contains(rendered, "No data")
}
