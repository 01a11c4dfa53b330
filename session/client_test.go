package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/alwitt/wsbench/bench"
	"github.com/alwitt/wsbench/common"
	"github.com/alwitt/wsbench/metrics"
	"github.com/alwitt/wsbench/token"
	"github.com/alwitt/wsbench/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// mockServiceBehavior controls how the mock stream service responds
type mockServiceBehavior struct {
	skipHandshake   bool
	ackSubscribes   bool
	rejectSubscribe bool
	duplicateAck    bool
	dataMessages    int
	dataTimestamps  bool
}

// startMockService run a Pusher dialect stream service for one test
func startMockService(
	t *testing.T, channel string, behavior mockServiceBehavior,
) (*httptest.Server, common.TargetConfig) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if !behavior.skipHandshake {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(
				`{"event":"pusher:connection_established","data":{}}`,
			)); err != nil {
				return
			}
		}
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]interface{}
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			if msg["event"] != wire.EventSubscribe {
				continue
			}
			if behavior.rejectSubscribe {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(
					`{"event":"pusher:error","data":{"code":4001}}`,
				)); err != nil {
					return
				}
				continue
			}
			if !behavior.ackSubscribes {
				continue
			}
			ack := []byte(fmt.Sprintf(
				`{"event":"pusher_internal:subscription_succeeded","channel":"%s"}`, channel,
			))
			if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
				return
			}
			if behavior.duplicateAck {
				if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
					return
				}
			}
			for itr := 0; itr < behavior.dataMessages; itr++ {
				data := fmt.Sprintf(`{"event":"token_update","channel":"%s"}`, channel)
				if behavior.dataTimestamps {
					data = fmt.Sprintf(
						`{"event":"token_update","channel":"%s","tags":{"timestamp":%d}}`,
						channel, time.Now().UnixMilli(),
					)
				}
				if err := conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
					return
				}
			}
			behavior.dataMessages = 0
		}
	}))

	parsed, err := url.Parse(server.URL)
	assert.Nil(t, err)
	port, err := strconv.ParseUint(parsed.Port(), 10, 16)
	assert.Nil(t, err)
	return server, common.TargetConfig{
		Host:    "127.0.0.1",
		Port:    uint16(port),
		AppKey:  "unit-test-key",
		Channel: channel,
	}
}

// defineTestSession build a session client against a target for one test
func defineTestSession(
	t *testing.T,
	target common.TargetConfig,
	scenarioID int,
	updateInterval time.Duration,
	subscribeTimeout time.Duration,
) (SessionClient, metrics.MetricsAggregator) {
	scenario, err := bench.GetScenario(scenarioID)
	assert.Nil(t, err)
	pool, err := token.GetSyntheticPool(1000)
	assert.Nil(t, err)
	generator, err := bench.DefineFilterGenerator(scenario, pool)
	assert.Nil(t, err)
	codec, err := wire.GetPusherCodec()
	assert.Nil(t, err)
	stats, err := metrics.GetMetricsAggregator(uuid.New().String(), scenarioID, 1)
	assert.Nil(t, err)
	uut, err := DefineSessionClient(0, SessionParams{
		Target:           target,
		Scenario:         scenario,
		Generator:        generator,
		Codec:            codec,
		Metrics:          stats,
		SubscribeTimeout: subscribeTimeout,
		UpdateInterval:   updateInterval,
		InboundBuffer:    64,
	})
	assert.Nil(t, err)
	return uut, stats
}

// runSession drive the session on a goroutine, returning its completion signal
func runSession(uut SessionClient, ctxt context.Context) chan struct{} {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		uut.Run(ctxt)
	}()
	return finished
}

func TestSessionSubscribeSuccess(t *testing.T) {
	assert := assert.New(t)

	server, target := startMockService(t, "unit-test", mockServiceBehavior{
		ackSubscribes: true, dataMessages: 3, dataTimestamps: true,
	})
	defer server.Close()

	uut, stats := defineTestSession(t, target, 1, 0, time.Second*5)
	ctxt, cancel := context.WithCancel(context.Background())
	finished := runSession(uut, ctxt)

	time.Sleep(time.Millisecond * 400)
	assert.Equal(StateActive, uut.State())
	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second * 2):
		assert.FailNow("session did not honor cancellation")
	}

	assert.Equal(StateClosed, uut.State())
	summary := stats.Snapshot()
	assert.Equal(int64(1), summary.AttemptedConnections)
	assert.Equal(int64(1), summary.SubscribeSuccess)
	assert.Equal(int64(0), summary.SubscribeFailed)
	assert.Equal(int64(0), summary.ConnectionErrors)
	assert.Equal(int64(3), summary.MessagesReceived)
	assert.Equal(1, summary.Subscribe.Samples)
	assert.Equal(3, summary.EndToEnd.Samples)
}

func TestSessionConnectionRefused(t *testing.T) {
	assert := assert.New(t)

	// Note the port, then stop listening on it
	server, target := startMockService(t, "unit-test", mockServiceBehavior{})
	server.Close()

	uut, stats := defineTestSession(t, target, 1, 0, time.Second*2)
	finished := runSession(uut, context.Background())
	select {
	case <-finished:
	case <-time.After(time.Second * 5):
		assert.FailNow("session did not terminate")
	}

	assert.Equal(StateFailed, uut.State())
	summary := stats.Snapshot()
	assert.Equal(int64(1), summary.AttemptedConnections)
	assert.Equal(int64(1), summary.ConnectionErrors)
	assert.Equal(int64(0), summary.SubscribeSuccess)
	assert.Equal(int64(0), summary.SubscribeFailed)
}

func TestSessionSubscribeRejected(t *testing.T) {
	assert := assert.New(t)

	server, target := startMockService(t, "unit-test", mockServiceBehavior{
		rejectSubscribe: true,
	})
	defer server.Close()

	uut, stats := defineTestSession(t, target, 1, 0, time.Second*5)
	finished := runSession(uut, context.Background())
	select {
	case <-finished:
	case <-time.After(time.Second * 5):
		assert.FailNow("session did not terminate")
	}

	assert.Equal(StateFailed, uut.State())
	summary := stats.Snapshot()
	assert.Equal(int64(1), summary.SubscribeFailed)
	assert.Equal(int64(0), summary.SubscribeSuccess)
	assert.Equal(int64(0), summary.ConnectionErrors)
}

func TestSessionSubscribeTimeout(t *testing.T) {
	assert := assert.New(t)

	server, target := startMockService(t, "unit-test", mockServiceBehavior{})
	defer server.Close()

	uut, stats := defineTestSession(t, target, 1, 0, time.Millisecond*300)
	started := time.Now()
	finished := runSession(uut, context.Background())
	select {
	case <-finished:
	case <-time.After(time.Second * 5):
		assert.FailNow("session did not terminate")
	}

	assert.GreaterOrEqual(time.Since(started), time.Millisecond*300)
	assert.Equal(StateFailed, uut.State())
	summary := stats.Snapshot()
	assert.Equal(int64(1), summary.SubscribeFailed)
	assert.Equal(int64(0), summary.SubscribeSuccess)
	assert.Equal(int64(0), summary.ConnectionErrors)
}

func TestSessionCancelDuringSubscribeWait(t *testing.T) {
	assert := assert.New(t)

	// The service completes the handshake but never ACKs, so the session is
	// parked waiting on the subscribe ACK when the cancel arrives
	server, target := startMockService(t, "unit-test", mockServiceBehavior{})
	defer server.Close()

	uut, stats := defineTestSession(t, target, 1, 0, time.Second*30)
	ctxt, cancel := context.WithCancel(context.Background())
	finished := runSession(uut, ctxt)

	time.Sleep(time.Millisecond * 200)
	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second * 2):
		assert.FailNow("session blocked until its own ACK timeout")
	}

	// Counted exactly once, and not double counted as a connection error
	assert.Equal(StateClosed, uut.State())
	summary := stats.Snapshot()
	assert.Equal(int64(1), summary.SubscribeFailed)
	assert.Equal(int64(0), summary.SubscribeSuccess)
	assert.Equal(int64(0), summary.ConnectionErrors)
}

func TestSessionPeriodicUpdates(t *testing.T) {
	assert := assert.New(t)

	server, target := startMockService(t, "unit-test", mockServiceBehavior{
		ackSubscribes: true,
	})
	defer server.Close()

	interval := time.Millisecond * 100
	uut, stats := defineTestSession(t, target, 2, interval, time.Second*5)
	ctxt, cancel := context.WithCancel(context.Background())
	finished := runSession(uut, ctxt)

	hold := time.Millisecond * 550
	time.Sleep(hold)
	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second * 2):
		assert.FailNow("session did not honor cancellation")
	}

	summary := stats.Snapshot()
	assert.Equal(int64(1), summary.SubscribeSuccess)
	// floor(hold / interval) update attempts, give or take boundary timing
	assert.GreaterOrEqual(summary.FilterUpdates, int64(3))
	assert.LessOrEqual(summary.FilterUpdates, int64(6))
	assert.Equal(int64(0), summary.UpdateFailures)
	assert.Equal(int(summary.FilterUpdates), summary.FilterUpdate.Samples)
}

func TestSessionDuplicateAckIgnored(t *testing.T) {
	assert := assert.New(t)

	server, target := startMockService(t, "unit-test", mockServiceBehavior{
		ackSubscribes: true, duplicateAck: true,
	})
	defer server.Close()

	uut, stats := defineTestSession(t, target, 1, 0, time.Second*5)
	ctxt, cancel := context.WithCancel(context.Background())
	finished := runSession(uut, ctxt)

	time.Sleep(time.Millisecond * 400)
	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second * 2):
		assert.FailNow("session did not honor cancellation")
	}

	// Only the first ACK after entering Subscribing is measured
	summary := stats.Snapshot()
	assert.Equal(int64(1), summary.SubscribeSuccess)
	assert.Equal(int64(0), summary.FilterUpdates)
	assert.Equal(1, summary.Subscribe.Samples)
	assert.Equal(0, summary.FilterUpdate.Samples)
}
