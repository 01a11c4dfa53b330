package ramp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/wsbench/metrics"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestLinearTargetProperties(t *testing.T) {
	assert := assert.New(t)

	window := time.Second * 30

	// Case 0: endpoints
	assert.Equal(0, linearTarget(1000, 0, window))
	assert.Equal(1000, linearTarget(1000, window, window))
	assert.Equal(1000, linearTarget(1000, window*2, window))

	// Case 1: midpoint
	assert.Equal(500, linearTarget(1000, window/2, window))

	// Case 2: monotone non-decreasing, bounded by total
	previous := 0
	for elapsed := time.Duration(0); elapsed <= window; elapsed += time.Millisecond * 50 {
		target := linearTarget(1000, elapsed, window)
		assert.GreaterOrEqual(target, previous)
		assert.LessOrEqual(target, 1000)
		previous = target
	}

	// Case 3: negative elapsed clamps to zero
	assert.Equal(0, linearTarget(1000, -time.Second, window))
}

func TestRampControllerFullSchedule(t *testing.T) {
	assert := assert.New(t)

	stats, err := metrics.GetMetricsAggregator(uuid.New().String(), 1, 8)
	assert.Nil(err)

	// A cooperative session: park until told to close
	lock := sync.Mutex{}
	seenIndexes := map[int]bool{}
	runSession := func(ctxt context.Context, index int) {
		lock.Lock()
		seenIndexes[index] = true
		lock.Unlock()
		<-ctxt.Done()
	}

	uut, err := DefineRampController(uuid.New().String(), runSession, stats)
	assert.Nil(err)

	result, err := uut.Start(context.Background(), RunSchedule{
		Clients:  8,
		RampUp:   time.Millisecond * 300,
		Hold:     time.Millisecond * 100,
		RampDown: time.Millisecond * 200,
		Grace:    time.Second,
	})
	assert.Nil(err)

	assert.Equal(8, result.SessionsStarted)
	assert.Equal(0, result.SessionsForceClosed)
	lock.Lock()
	assert.Len(seenIndexes, 8)
	for itr := 0; itr < 8; itr++ {
		assert.True(seenIndexes[itr])
	}
	lock.Unlock()
	assert.Equal(int64(0), stats.Snapshot().ConnectionErrors)
}

func TestRampControllerStragglers(t *testing.T) {
	assert := assert.New(t)

	stats, err := metrics.GetMetricsAggregator(uuid.New().String(), 1, 4)
	assert.Nil(err)

	// An uncooperative session: ignores cancellation entirely
	block := make(chan struct{})
	defer close(block)
	runSession := func(ctxt context.Context, index int) {
		<-block
	}

	uut, err := DefineRampController(uuid.New().String(), runSession, stats)
	assert.Nil(err)

	started := time.Now()
	result, err := uut.Start(context.Background(), RunSchedule{
		Clients:  4,
		RampUp:   time.Millisecond * 100,
		Hold:     0,
		RampDown: time.Millisecond * 100,
		Grace:    time.Millisecond * 200,
	})
	assert.Nil(err)

	// The schedule's hard bound held despite the sessions never exiting
	assert.Less(time.Since(started), time.Second*2)
	assert.Equal(4, result.SessionsStarted)
	assert.Equal(4, result.SessionsForceClosed)
	assert.Equal(int64(4), stats.Snapshot().ConnectionErrors)
}

func TestRampControllerInvalidSchedule(t *testing.T) {
	assert := assert.New(t)

	stats, err := metrics.GetMetricsAggregator(uuid.New().String(), 1, 1)
	assert.Nil(err)
	uut, err := DefineRampController(
		uuid.New().String(), func(ctxt context.Context, index int) {}, stats,
	)
	assert.Nil(err)

	// Case 0: no clients
	_, err = uut.Start(context.Background(), RunSchedule{
		Clients: 0, RampUp: time.Second, RampDown: time.Second, Grace: time.Second,
	})
	assert.NotNil(err)

	// Case 1: no ramp up window
	_, err = uut.Start(context.Background(), RunSchedule{
		Clients: 10, RampDown: time.Second, Grace: time.Second,
	})
	assert.NotNil(err)

	// Case 2: no grace window
	_, err = uut.Start(context.Background(), RunSchedule{
		Clients: 10, RampUp: time.Second, RampDown: time.Second,
	})
	assert.NotNil(err)
}
