// Copyright 2025 The earshot Authors
// This file is part of the earshot library.
//
// The earshot library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The earshot library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the earshot library. If not, see <http://www.gnu.org/licenses/>.

// Package client implements the player side of a shard channel. It dials the
// cell endpoint handed out by a join, registers the session, keeps the
// channel alive with idle heartbeats, streams positions on a fixed cadence
// and fans the shard's frames out to subscribers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/earshot-project/earshot/geo"
	"github.com/earshot-project/earshot/wire"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
)

const (
	// DefaultHeartbeatInterval is how long the channel may sit idle before
	// a heartbeat is sent. Any other outbound frame defers it.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultPositionInterval is the position streaming cadence.
	DefaultPositionInterval = 150 * time.Millisecond

	// MinPositionInterval floors the cadence at the shard's acceptance
	// rate; sending faster only produces drops.
	MinPositionInterval = 100 * time.Millisecond

	readBuffer   = 1024
	writeBuffer  = 1024
	maxFrameSize = 64 * 1024
	writeTimeout = 10 * time.Second
)

// ErrClosed is returned by operations on a client that has shut down.
var ErrClosed = errors.New("client is closed")

// Signal is one relayed payload, stamped with the sending player.
type Signal struct {
	From    string
	Payload json.RawMessage
}

// PositionSink consumes every position the client sends, typically the
// proximity arbiter tracking the local pose.
type PositionSink interface {
	UpdateLocalPosition(pos geo.Vec)
}

// Config describes one channel session. URL, PlayerID and SessionToken come
// from the join response and are required; everything else has defaults.
type Config struct {
	URL          string
	PlayerID     string
	SessionToken string

	// HeartbeatInterval is the maximum idle time between outbound frames.
	HeartbeatInterval time.Duration

	// PositionInterval is the streaming cadence. Values below
	// MinPositionInterval are raised to it.
	PositionInterval time.Duration

	// GetPosition supplies the local position each cadence tick. Leave
	// nil to disable position streaming.
	GetPosition func() geo.Vec

	// OnSendPosition is called after each position frame goes out.
	OnSendPosition func(pos geo.Vec)

	// PeerManager, when set, receives every sent position.
	PeerManager PositionSink

	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer

	Clock  mclock.Clock
	Logger log.Logger
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PositionInterval <= 0 {
		c.PositionInterval = DefaultPositionInterval
	}
	if c.PositionInterval < MinPositionInterval {
		c.PositionInterval = MinPositionInterval
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			ReadBufferSize:  readBuffer,
			WriteBufferSize: writeBuffer,
		}
	}
	if c.Clock == nil {
		c.Clock = mclock.System{}
	}
	if c.Logger == nil {
		c.Logger = log.Root()
	}
	return c
}

// Client is one live channel session. Frames from the shard are delivered
// through the Subscribe methods; delivery blocks the read loop until every
// subscriber accepts the event, so channels should be buffered and drained.
type Client struct {
	cfg   Config
	log   log.Logger
	clock mclock.Clock
	conn  *websocket.Conn

	writeMu sync.Mutex
	hbReset chan struct{}

	registered   chan struct{}
	registerOnce sync.Once

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error

	peersFeed   event.FeedOf[*wire.ServerFrame]
	signalFeed  event.FeedOf[Signal]
	failureFeed event.FeedOf[string]
	errorFeed   event.FeedOf[string]
	scope       event.SubscriptionScope
}

// Dial connects to the cell endpoint and registers the session. The context
// only covers connection establishment. Registration is acknowledged
// asynchronously; use WaitRegistered to block on it.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("no channel endpoint")
	}
	if cfg.PlayerID == "" || cfg.SessionToken == "" {
		return nil, errors.New("playerId and sessionToken are required")
	}
	conn, resp, err := cfg.Dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("channel handshake failed: %v (HTTP status %s)", err, resp.Status)
		}
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)

	c := &Client{
		cfg:        cfg,
		log:        cfg.Logger.New("module", "client", "player", cfg.PlayerID),
		clock:      cfg.Clock,
		conn:       conn,
		hbReset:    make(chan struct{}, 1),
		registered: make(chan struct{}),
		quit:       make(chan struct{}),
	}
	reg := &wire.ClientFrame{
		Type:         wire.TypeRegister,
		PlayerID:     cfg.PlayerID,
		SessionToken: cfg.SessionToken,
	}
	if err := c.write(reg, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("register failed: %w", err)
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()
	if cfg.GetPosition != nil {
		c.wg.Add(1)
		go c.positionLoop()
	}
	c.log.Debug("Channel dialed", "url", cfg.URL)
	return c, nil
}

// Registered is closed once the shard acknowledges the register.
func (c *Client) Registered() <-chan struct{} { return c.registered }

// WaitRegistered blocks until the shard acknowledges the register, the
// client shuts down, or ctx expires.
func (c *Client) WaitRegistered(ctx context.Context) error {
	select {
	case <-c.registered:
		return nil
	case <-c.quit:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the session ends for any reason.
func (c *Client) Done() <-chan struct{} { return c.quit }

// Err reports why the session ended. It is nil while the session is live and
// after a deliberate Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// SubscribePeers delivers every peers frame from the shard to ch.
func (c *Client) SubscribePeers(ch chan<- *wire.ServerFrame) event.Subscription {
	return c.scope.Track(c.peersFeed.Subscribe(ch))
}

// SubscribeSignals delivers relayed signal payloads to ch.
func (c *Client) SubscribeSignals(ch chan<- Signal) event.Subscription {
	return c.scope.Track(c.signalFeed.Subscribe(ch))
}

// SubscribeDeliveryFailures delivers the target id of each signal the shard
// could not relay.
func (c *Client) SubscribeDeliveryFailures(ch chan<- string) event.Subscription {
	return c.scope.Track(c.failureFeed.Subscribe(ch))
}

// SubscribeErrors delivers non-fatal protocol error messages from the shard.
func (c *Client) SubscribeErrors(ch chan<- string) event.Subscription {
	return c.scope.Track(c.errorFeed.Subscribe(ch))
}

// SendSignal relays an opaque payload to another player over the shard. The
// payload is forwarded byte for byte.
func (c *Client) SendSignal(targetID string, payload json.RawMessage) error {
	if targetID == "" {
		return errors.New("signal needs a target")
	}
	select {
	case <-c.quit:
		return ErrClosed
	default:
	}
	f := &wire.ClientFrame{Type: wire.TypeSignal, TargetID: targetID, Payload: payload}
	return c.write(f, true)
}

// Close shuts the session down gracefully: a close frame is offered to the
// shard, the loops are stopped and all subscriptions are dropped.
func (c *Client) Close() {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.quitOnce.Do(func() { close(c.quit) })
	c.conn.Close()
	c.wg.Wait()
	c.scope.Close()
}

// fail tears the session down because of err. Errors arriving after a
// deliberate Close are discarded.
func (c *Client) fail(err error) {
	c.errMu.Lock()
	select {
	case <-c.quit:
	default:
		if c.err == nil {
			c.err = err
		}
	}
	c.errMu.Unlock()
	c.quitOnce.Do(func() { close(c.quit) })
	c.conn.Close()
}

// write marshals and sends one frame. Data frames defer the next idle
// heartbeat; the heartbeat itself and the initial register do not.
func (c *Client) write(v any, resetHeartbeat bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return err
	}
	if resetHeartbeat {
		select {
		case c.hbReset <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		f, err := wire.DecodeServerFrame(data)
		if err != nil {
			c.log.Warn("Dropping malformed server frame", "err", err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f *wire.ServerFrame) {
	switch f.Type {
	case wire.TypeRegistered:
		c.registerOnce.Do(func() { close(c.registered) })
		c.log.Debug("Channel registered")
	case wire.TypePeers:
		c.peersFeed.Send(f)
	case wire.TypeSignal:
		c.signalFeed.Send(Signal{From: f.From, Payload: f.Payload})
	case wire.TypeDeliveryFailed:
		c.failureFeed.Send(f.TargetID)
	case wire.TypeError:
		c.log.Warn("Shard reported error", "msg", f.Message)
		c.errorFeed.Send(f.Message)
	default:
		c.log.Debug("Unhandled server frame", "type", f.Type)
	}
}

// heartbeatLoop keeps the channel alive while it is otherwise idle.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	timer := c.clock.NewTimer(c.cfg.HeartbeatInterval)
	defer timer.Stop()
	for {
		select {
		case <-c.quit:
			return

		case <-c.hbReset:
			if !timer.Stop() {
				<-timer.C()
			}
			timer.Reset(c.cfg.HeartbeatInterval)

		case <-timer.C():
			if err := c.write(&wire.ClientFrame{Type: wire.TypeHeartbeat}, false); err != nil {
				return
			}
			timer.Reset(c.cfg.HeartbeatInterval)
		}
	}
}

// positionLoop streams the local position. Ticks before the registration ack
// are skipped: the shard would reject the frames anyway.
func (c *Client) positionLoop() {
	defer c.wg.Done()
	timer := c.clock.NewTimer(c.cfg.PositionInterval)
	defer timer.Stop()
	for {
		select {
		case <-c.quit:
			return

		case <-timer.C():
			if c.isRegistered() {
				if err := c.sendPosition(c.cfg.GetPosition()); err != nil {
					return
				}
			}
			timer.Reset(c.cfg.PositionInterval)
		}
	}
}

func (c *Client) isRegistered() bool {
	select {
	case <-c.registered:
		return true
	default:
		return false
	}
}

func (c *Client) sendPosition(pos geo.Vec) error {
	if !pos.Finite() {
		c.log.Warn("Dropping non-finite position")
		return nil
	}
	if err := c.write(&wire.ClientFrame{Type: wire.TypePosition, Position: &pos}, true); err != nil {
		return err
	}
	if c.cfg.PeerManager != nil {
		c.cfg.PeerManager.UpdateLocalPosition(pos)
	}
	if c.cfg.OnSendPosition != nil {
		c.cfg.OnSendPosition(pos)
	}
	return nil
}
