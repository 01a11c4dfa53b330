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

package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alwitt/wsbench/bench"
	"github.com/alwitt/wsbench/common"
	"github.com/alwitt/wsbench/metrics"
	"github.com/alwitt/wsbench/wire"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// State is one position in the session protocol lifecycle
type State int32

// Session protocol lifecycle states. Failed is absorbing and reachable from
// any non-terminal state.
const (
	StateConnecting State = iota
	StateAuthenticating
	StateSubscribing
	StateActive
	StateUpdating
	StateClosing
	StateClosed
	StateFailed
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateUpdating:
		return "updating"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// writeTimeout bounds every outbound frame write
const writeTimeout = time.Second * 5

// maxEndToEndLatency is the sanity bound on producer timestamps; samples at
// or beyond it are treated as clock skew and discarded
const maxEndToEndLatency = time.Second * 60

// SessionParams collects the collaborators and tuning of one session
type SessionParams struct {
	// Target are the stream service connection parameters
	Target common.TargetConfig
	// Scenario is the workload pattern the session drives
	Scenario bench.Scenario
	// Generator produces the session's filter payloads
	Generator bench.FilterGenerator
	// Codec translates to and from the service's frame schema
	Codec wire.Codec
	// Metrics receives every protocol event and latency sample
	Metrics metrics.MetricsAggregator
	// SubscribeTimeout bounds the wait for a subscribe or update ACK. The
	// connection handshake wait shares the same bound.
	SubscribeTimeout time.Duration
	// UpdateInterval is the period between live filter replacements
	UpdateInterval time.Duration
	// InboundBuffer is the inbound message buffer depth
	InboundBuffer int
}

// SessionClient drives one WebSocket connection through its full protocol
// lifecycle. The connection is exclusively owned by the goroutine calling
// Run; only State is safe to read from outside.
type SessionClient interface {
	// ID session instance name
	ID() string
	// State current lifecycle state
	State() State
	// Run drive the session until it reaches a terminal state. Every outcome
	// is reported through the metrics aggregator; Run never retries.
	Run(ctxt context.Context)
}

// sessionClientImpl implements SessionClient
type sessionClientImpl struct {
	common.Component
	id     string
	params SessionParams
	state  int32
	conn   *websocket.Conn
}

// DefineSessionClient create a new session client
func DefineSessionClient(index int, params SessionParams) (SessionClient, error) {
	if params.SubscribeTimeout <= 0 {
		return nil, fmt.Errorf("session needs a positive subscribe timeout")
	}
	if params.Scenario.PeriodicUpdate && params.UpdateInterval <= 0 {
		return nil, fmt.Errorf("periodic update scenario needs a positive interval")
	}
	if params.InboundBuffer < 1 {
		params.InboundBuffer = 256
	}
	id := fmt.Sprintf("session-%06d", index)
	logTags := log.Fields{
		"module": "session", "component": "client", "instance": id,
	}
	return &sessionClientImpl{
		Component: common.Component{LogTags: logTags},
		id:        id,
		params:    params,
		state:     int32(StateConnecting),
	}, nil
}

// ID session instance name
func (c *sessionClientImpl) ID() string {
	return c.id
}

// State current lifecycle state
func (c *sessionClientImpl) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *sessionClientImpl) setState(newState State) {
	atomic.StoreInt32(&c.state, int32(newState))
}

// Run drive the session until it reaches a terminal state
func (c *sessionClientImpl) Run(ctxt context.Context) {
	stats := c.params.Metrics
	stats.RecordConnectionAttempt()

	endpoint := c.params.Codec.EndpointURL(
		c.params.Target.Host, c.params.Target.Port, c.params.Target.AppKey,
	)
	dialer := websocket.Dialer{HandshakeTimeout: c.params.SubscribeTimeout}
	conn, _, err := dialer.DialContext(ctxt, endpoint, nil)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Debugf("Unable to connect to %s", endpoint)
		stats.RecordConnectionError()
		c.setState(StateFailed)
		return
	}
	c.conn = conn
	stats.RecordSessionOpened()
	defer stats.RecordSessionClosed()

	done := make(chan struct{})
	defer close(done)
	inbound := make(chan wire.ServerMessage, c.params.InboundBuffer)
	readFailed := make(chan error, 1)
	go c.readPump(inbound, readFailed, done)

	if c.runHandshake(ctxt, inbound, readFailed) {
		c.runActive(ctxt, inbound, readFailed)
	}
}

// runHandshake take the session from Authenticating through the initial
// subscribe ACK. Returns false when the session already reached a terminal
// state. The handshake and subscribe waits share one deadline.
func (c *sessionClientImpl) runHandshake(
	ctxt context.Context, inbound <-chan wire.ServerMessage, readFailed <-chan error,
) bool {
	stats := c.params.Metrics
	c.setState(StateAuthenticating)

	deadline := time.NewTimer(c.params.SubscribeTimeout)
	defer deadline.Stop()
	var subscribeStart time.Time

	for {
		select {
		case <-ctxt.Done():
			// Cancellation downgrades the ACK wait to immediate closure. The
			// session left Connecting, so it still counts one subscribe outcome.
			stats.RecordSubscribeFailure()
			c.shutdown(inbound, false)
			return false
		case <-deadline.C:
			log.WithFields(c.LogTags).Debugf(
				"No subscribe ACK within %s", c.params.SubscribeTimeout,
			)
			stats.RecordSubscribeFailure()
			c.fail(inbound, false)
			return false
		case err := <-readFailed:
			log.WithError(err).WithFields(c.LogTags).Debug("Transport lost before active")
			stats.RecordConnectionError()
			c.fail(inbound, false)
			return false
		case msg := <-inbound:
			if reply, ok := c.params.Codec.HeartbeatReply(msg); ok {
				_ = c.write(reply)
				continue
			}
			switch {
			case c.State() == StateAuthenticating && c.params.Codec.IsHandshakeComplete(msg):
				frame, err := c.params.Codec.NewSubscribeRequest(
					c.params.Target.Channel, c.params.Generator.Generate(),
				)
				if err != nil {
					log.WithError(err).WithFields(c.LogTags).Error("Unable to build subscribe")
					stats.RecordSubscribeFailure()
					c.fail(inbound, false)
					return false
				}
				subscribeStart = time.Now()
				if err := c.write(frame); err != nil {
					log.WithError(err).WithFields(c.LogTags).Debug("Subscribe write failed")
					stats.RecordConnectionError()
					c.fail(inbound, false)
					return false
				}
				c.setState(StateSubscribing)
			case c.State() == StateSubscribing && c.params.Codec.IsSubscribeAck(msg):
				stats.RecordSubscribeSuccess(time.Since(subscribeStart))
				c.setState(StateActive)
				log.WithFields(c.LogTags).Debug("Subscribed")
				return true
			case c.params.Codec.IsRejection(msg):
				log.WithFields(c.LogTags).Debugf("Subscribe rejected: %s", string(msg.Data))
				stats.RecordSubscribeFailure()
				c.fail(inbound, false)
				return false
			default:
				// Channel data before the ACK is not counted
			}
		}
	}
}

// runActive receive and count channel data until shutdown, replacing the
// filter on a fixed interval for the periodic update scenario
func (c *sessionClientImpl) runActive(
	ctxt context.Context, inbound <-chan wire.ServerMessage, readFailed <-chan error,
) {
	stats := c.params.Metrics

	var updateTicks <-chan time.Time
	if c.params.Scenario.PeriodicUpdate {
		ticker := time.NewTicker(c.params.UpdateInterval)
		defer ticker.Stop()
		updateTicks = ticker.C
	}
	var updateStart time.Time
	updateDeadline := time.NewTimer(time.Hour)
	updateDeadline.Stop()
	defer updateDeadline.Stop()
	var updateDeadlineC <-chan time.Time

	for {
		select {
		case <-ctxt.Done():
			c.shutdown(inbound, true)
			return
		case err := <-readFailed:
			log.WithError(err).WithFields(c.LogTags).Debug("Transport lost while active")
			c.fail(inbound, true)
			return
		case <-updateTicks:
			if c.State() == StateUpdating {
				// Previous replacement still awaiting its ACK
				continue
			}
			frame, err := c.params.Codec.NewSubscribeRequest(
				c.params.Target.Channel, c.params.Generator.Generate(),
			)
			if err != nil {
				log.WithError(err).WithFields(c.LogTags).Error("Unable to build filter update")
				stats.RecordUpdateFailure()
				continue
			}
			updateStart = time.Now()
			c.setState(StateUpdating)
			if err := c.write(frame); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Filter update write failed")
				stats.RecordUpdateFailure()
				c.fail(inbound, true)
				return
			}
			updateDeadline.Reset(c.params.SubscribeTimeout)
			updateDeadlineC = updateDeadline.C
		case <-updateDeadlineC:
			// A failed update does not terminate the session
			log.WithFields(c.LogTags).Debugf(
				"No filter update ACK within %s", c.params.SubscribeTimeout,
			)
			stats.RecordUpdateFailure()
			c.setState(StateActive)
			updateDeadlineC = nil
		case msg := <-inbound:
			if reply, ok := c.params.Codec.HeartbeatReply(msg); ok {
				_ = c.write(reply)
				continue
			}
			switch {
			case c.params.Codec.IsSubscribeAck(msg):
				if c.State() != StateUpdating {
					// Duplicate ACK for an already measured subscribe
					continue
				}
				stats.RecordUpdateSuccess(time.Since(updateStart))
				c.setState(StateActive)
				c.stopUpdateDeadline(updateDeadline)
				updateDeadlineC = nil
			case c.params.Codec.IsRejection(msg):
				if c.State() == StateUpdating {
					log.WithFields(c.LogTags).Debugf(
						"Filter update rejected: %s", string(msg.Data),
					)
					stats.RecordUpdateFailure()
					c.setState(StateActive)
					c.stopUpdateDeadline(updateDeadline)
					updateDeadlineC = nil
				} else {
					log.WithFields(c.LogTags).Debugf("Service error: %s", string(msg.Data))
				}
			case c.params.Codec.IsChannelData(msg, c.params.Target.Channel):
				c.recordChannelData(msg)
			}
		}
	}
}

// recordChannelData count one channel data message and, when the producer
// stamped it, its end-to-end delivery latency
func (c *sessionClientImpl) recordChannelData(msg wire.ServerMessage) {
	c.params.Metrics.RecordMessageReceived()
	if ts, ok := c.params.Codec.EventTimestamp(msg); ok {
		latency := time.Since(time.UnixMilli(ts))
		if latency >= 0 && latency < maxEndToEndLatency {
			c.params.Metrics.RecordEndToEndLatency(latency)
		}
	}
}

// stopUpdateDeadline stop the update deadline timer without leaking a
// pending tick
func (c *sessionClientImpl) stopUpdateDeadline(deadline *time.Timer) {
	if !deadline.Stop() {
		select {
		case <-deadline.C:
		default:
		}
	}
}

// shutdown close the connection gracefully, counting channel data already in
// flight when the session was subscribed
func (c *sessionClientImpl) shutdown(inbound <-chan wire.ServerMessage, subscribed bool) {
	c.setState(StateClosing)
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	_ = c.conn.Close()
	if subscribed {
		c.drainInFlight(inbound)
	}
	c.setState(StateClosed)
	log.WithFields(c.LogTags).Debug("Session closed")
}

// fail close the connection from an absorbing failure, counting channel data
// already in flight when the session was subscribed
func (c *sessionClientImpl) fail(inbound <-chan wire.ServerMessage, subscribed bool) {
	_ = c.conn.Close()
	if subscribed {
		c.drainInFlight(inbound)
	}
	c.setState(StateFailed)
}

// drainInFlight count channel data already buffered when the session began
// closing. The session was subscribed when these arrived, so they count.
func (c *sessionClientImpl) drainInFlight(inbound <-chan wire.ServerMessage) {
	for {
		select {
		case msg := <-inbound:
			if c.params.Codec.IsChannelData(msg, c.params.Target.Channel) {
				c.recordChannelData(msg)
			}
		default:
			return
		}
	}
}

// write send one frame with a bounded write deadline. Only the Run goroutine
// writes to the connection.
func (c *sessionClientImpl) write(frame []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// readPump decode inbound frames into the session's buffer until the
// connection fails or the session exits
func (c *sessionClientImpl) readPump(
	inbound chan<- wire.ServerMessage, readFailed chan<- error, done <-chan struct{},
) {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case readFailed <- err:
			case <-done:
			}
			return
		}
		msg, err := c.params.Codec.ParseInbound(payload)
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Discarding unparseable frame")
			continue
		}
		select {
		case inbound <- msg:
		case <-done:
			return
		}
	}
}
