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

// Package shard implements the per-cell presence and signaling actor. A
// shard owns every pending session, live connection, position and peer view
// of one spatial cell. All state is mutated from a single run loop; sockets,
// timers and the admission path feed it through channels.
package shard

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/earshot-project/earshot/geo"
	"github.com/earshot-project/earshot/wire"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
)

// Defaults for Config fields left zero.
const (
	DefaultProximityRadius     = 45.0
	DefaultProximityDebounce   = 50 * time.Millisecond
	DefaultPositionMinInterval = 100 * time.Millisecond
	DefaultHeartbeatTimeout    = 30 * time.Second
	DefaultPendingTTL          = 60 * time.Second
	DefaultSendQueue           = 64
)

// DistanceEpsilon is the minimum change of an existing peer's distance that
// forces a new peers frame on its own.
const DistanceEpsilon = 0.5

// ErrShardStopped is returned by Prepare when the shard is gone.
var ErrShardStopped = errors.New("shard stopped")

// Config tunes a shard. The zero value is usable; every field has a default.
type Config struct {
	// ProximityRadius is the audibility radius in world units.
	ProximityRadius float64

	// ProximityDebounce is the coalescing window between a topology
	// change and the recomputation pass it triggers.
	ProximityDebounce time.Duration

	// PositionMinInterval is the minimum spacing between accepted
	// position updates per connection. Faster frames only refresh
	// liveness.
	PositionMinInterval time.Duration

	// HeartbeatTimeout is both the staleness bound and the sweep period
	// for dropping silent connections.
	HeartbeatTimeout time.Duration

	// PendingTTL bounds the time between /join and register.
	PendingTTL time.Duration

	// SendQueue is the per-connection outbound queue length. A
	// connection that overflows it is dropped.
	SendQueue int

	// Clock drives all shard timing. Defaults to the system clock.
	Clock mclock.Clock

	// Logger is the parent logger. Defaults to the root logger.
	Logger log.Logger
}

func (c Config) withDefaults() Config {
	if c.ProximityRadius <= 0 {
		c.ProximityRadius = DefaultProximityRadius
	}
	if c.ProximityDebounce <= 0 {
		c.ProximityDebounce = DefaultProximityDebounce
	}
	if c.PositionMinInterval <= 0 {
		c.PositionMinInterval = DefaultPositionMinInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = DefaultPendingTTL
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.Clock == nil {
		c.Clock = mclock.System{}
	}
	if c.Logger == nil {
		c.Logger = log.Root()
	}
	return c
}

// pendingSession is a one-time register capability minted at admission.
type pendingSession struct {
	playerID  string
	token     string
	createdAt mclock.AbsTime
}

// peerView is the last peer set and distance map sent to one observer.
type peerView struct {
	ids       mapset.Set[string]
	distances map[string]float64
}

func newPeerView() *peerView {
	return &peerView{
		ids:       mapset.NewThreadUnsafeSet[string](),
		distances: make(map[string]float64),
	}
}

// peerSample is one in-range peer within a recomputation pass.
type peerSample struct {
	dist float64
	pos  geo.Vec
}

// inbound is one decoded (or rejected) frame from a socket.
type inbound struct {
	c      *conn
	frame  *wire.ClientFrame
	err    error
	binary bool
}

type prepareReq struct {
	playerID string
	token    string
	done     chan error
}

// Shard is the presence and signaling actor for one cell. Create with New,
// then Start it. Prepare and Accept are the only entry points; everything
// else happens on the run loop.
type Shard struct {
	cell  geo.CellID
	cfg   Config
	clock mclock.Clock
	log   log.Logger

	prepareCh chan *prepareReq
	addCh     chan *conn
	inboundCh chan inbound
	goneCh    chan *conn
	opCh      chan func()
	quit      chan struct{}
	stopOnce  sync.Once
	loopWG    sync.WaitGroup

	// Run-loop state. Never touched from outside the loop.
	pendingByToken  map[string]*pendingSession
	pendingByPlayer map[string]*pendingSession
	conns           map[string]*conn
	players         map[string]*conn
	views           map[string]*peerView

	recalcArmed bool
	recalcTimer mclock.ChanTimer
	sweepArmed  bool
	sweepTimer  mclock.ChanTimer
}

// New builds a shard for the given cell. Call Start before use.
func New(cell geo.CellID, cfg Config) *Shard {
	cfg = cfg.withDefaults()
	return &Shard{
		cell:            cell,
		cfg:             cfg,
		clock:           cfg.Clock,
		log:             cfg.Logger.New("cell", cell),
		prepareCh:       make(chan *prepareReq),
		addCh:           make(chan *conn),
		inboundCh:       make(chan inbound, 256),
		goneCh:          make(chan *conn, 16),
		opCh:            make(chan func()),
		quit:            make(chan struct{}),
		pendingByToken:  make(map[string]*pendingSession),
		pendingByPlayer: make(map[string]*pendingSession),
		conns:           make(map[string]*conn),
		players:         make(map[string]*conn),
		views:           make(map[string]*peerView),
	}
}

// Cell returns the cell this shard owns.
func (s *Shard) Cell() geo.CellID { return s.cell }

// Start launches the run loop.
func (s *Shard) Start() {
	s.loopWG.Add(1)
	go s.run()
}

// Stop terminates the run loop and closes every connection with a going-away
// close. It blocks until the loop has exited.
func (s *Shard) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	s.loopWG.Wait()
}

// Prepare stores a pending (playerId, sessionToken) pair minted by the
// admission handler. The pair authorizes exactly one register within the
// pending TTL. An existing pending session for the same player is evicted.
func (s *Shard) Prepare(playerID, sessionToken string) error {
	if playerID == "" || sessionToken == "" {
		return errors.New("empty playerId or sessionToken")
	}
	req := &prepareReq{playerID: playerID, token: sessionToken, done: make(chan error, 1)}
	select {
	case s.prepareCh <- req:
		return <-req.done
	case <-s.quit:
		return ErrShardStopped
	}
}

// Accept attaches a freshly upgraded socket to the shard. The shard takes
// ownership of the socket; if it is stopping, the socket is closed instead.
func (s *Shard) Accept(sock Socket) {
	c := newConn(sock, s.cfg.SendQueue, s.log)
	select {
	case s.addCh <- c:
	case <-s.quit:
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shard stopped")
		sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		sock.Close()
	}
}

// Status is a point-in-time snapshot of shard occupancy.
type Status struct {
	Cell    geo.CellID `json:"cell"`
	Conns   int        `json:"connections"`
	Players int        `json:"players"`
	Pending int        `json:"pendingSessions"`
}

// Status reports current occupancy. A stopped shard reports zeroes.
func (s *Shard) Status() Status {
	st := Status{Cell: s.cell}
	s.do(func() {
		st.Conns = len(s.conns)
		st.Players = len(s.players)
		st.Pending = len(s.pendingByToken)
	})
	return st
}

// Idle reports whether the shard holds no connections and no unexpired
// pending sessions. A stopped shard counts as idle.
func (s *Shard) Idle() bool {
	idle := false
	ok := s.do(func() {
		s.prunePending(s.clock.Now())
		idle = len(s.conns) == 0 && len(s.pendingByToken) == 0
	})
	return !ok || idle
}

// do runs fn on the shard loop and waits for it. Returns false if the shard
// is stopped.
func (s *Shard) do(fn func()) bool {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case s.opCh <- wrapped:
		<-done
		return true
	case <-s.quit:
		return false
	}
}

// dispatch posts an inbound frame to the loop. Returns false when the shard
// is stopping, which terminates the calling read pump.
func (s *Shard) dispatch(in inbound) bool {
	select {
	case s.inboundCh <- in:
		return true
	case <-s.quit:
		return false
	}
}

// connGone reports a dead socket to the loop.
func (s *Shard) connGone(c *conn) {
	select {
	case s.goneCh <- c:
	case <-s.quit:
	}
}

// run is the shard actor loop; it exclusively owns all shard state.
func (s *Shard) run() {
	defer s.loopWG.Done()
	s.log.Debug("Shard started")
	for {
		var (
			recalcC <-chan mclock.AbsTime
			sweepC  <-chan mclock.AbsTime
		)
		if s.recalcArmed {
			recalcC = s.recalcTimer.C()
		}
		if s.sweepArmed {
			sweepC = s.sweepTimer.C()
		}
		select {
		case req := <-s.prepareCh:
			req.done <- s.handlePrepare(req.playerID, req.token)
		case c := <-s.addCh:
			s.handleAdd(c)
		case in := <-s.inboundCh:
			s.handleInbound(in)
		case c := <-s.goneCh:
			s.teardownConn(c, websocket.CloseNormalClosure, "")
		case <-recalcC:
			s.recalcArmed = false
			s.recomputePass()
		case <-sweepC:
			s.sweepArmed = false
			s.sweepStale()
		case op := <-s.opCh:
			op()
		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

func (s *Shard) handlePrepare(playerID, token string) error {
	now := s.clock.Now()
	s.prunePending(now)
	if old := s.pendingByPlayer[playerID]; old != nil {
		delete(s.pendingByToken, old.token)
		delete(s.pendingByPlayer, playerID)
		pendingGauge.Dec()
	}
	p := &pendingSession{playerID: playerID, token: token, createdAt: now}
	s.pendingByToken[token] = p
	s.pendingByPlayer[playerID] = p
	pendingGauge.Inc()
	s.log.Trace("Pending session stored", "player", playerID, "pending", len(s.pendingByToken))
	return nil
}

// prunePending drops expired pending sessions from both indexes.
func (s *Shard) prunePending(now mclock.AbsTime) {
	for token, p := range s.pendingByToken {
		if now.Sub(p.createdAt) > s.cfg.PendingTTL {
			delete(s.pendingByToken, token)
			delete(s.pendingByPlayer, p.playerID)
			pendingGauge.Dec()
		}
	}
}

func (s *Shard) handleAdd(c *conn) {
	s.conns[c.id] = c
	c.lastSeen = s.clock.Now()
	c.start(s)
	s.armSweep()
	connGauge.Inc()
	s.log.Debug("Connection accepted", "addr", c.remote, "conns", len(s.conns))
}

func (s *Shard) handleInbound(in inbound) {
	c := in.c
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	// Any inbound frame is proof of life, malformed ones included.
	c.lastSeen = s.clock.Now()

	switch {
	case in.binary:
		s.sendOrDrop(c, wire.NewError("binary frames are not supported"))
	case in.err != nil:
		s.sendOrDrop(c, wire.NewError(in.err.Error()))
	default:
		switch in.frame.Type {
		case wire.TypeRegister:
			s.handleRegister(c, in.frame)
		case wire.TypeHeartbeat:
			// lastSeen is already refreshed above.
		case wire.TypePosition:
			s.handlePosition(c, in.frame)
		case wire.TypeSignal:
			s.handleSignal(c, in.frame)
		}
	}
}

func (s *Shard) handleRegister(c *conn, f *wire.ClientFrame) {
	if c.playerID != "" {
		s.sendOrDrop(c, wire.NewError("already registered"))
		return
	}
	now := s.clock.Now()
	p := s.pendingByToken[f.SessionToken]
	if p != nil && now.Sub(p.createdAt) > s.cfg.PendingTTL {
		delete(s.pendingByToken, p.token)
		delete(s.pendingByPlayer, p.playerID)
		pendingGauge.Dec()
		p = nil
	}
	if p == nil || p.playerID != f.PlayerID {
		registerFailures.Inc()
		s.log.Debug("Register rejected", "player", f.PlayerID)
		c.send(wire.NewError("invalid session"))
		s.teardownConn(c, wire.CloseInvalidSession, "invalid session")
		return
	}
	// The pair is a one-time capability: consume it from both indexes.
	delete(s.pendingByToken, p.token)
	delete(s.pendingByPlayer, p.playerID)
	pendingGauge.Dec()

	if prior := s.players[f.PlayerID]; prior != nil {
		s.log.Debug("Superseding player connection", "player", f.PlayerID)
		s.teardownConn(prior, websocket.CloseGoingAway, "superseded by new connection")
	}
	c.playerID = f.PlayerID
	c.sessionToken = f.SessionToken
	s.players[c.playerID] = c
	s.views[c.playerID] = newPeerView()
	playerGauge.Inc()

	s.sendOrDrop(c, wire.NewRegistered(c.playerID))
	s.scheduleRecalc()
	s.log.Debug("Player registered", "player", c.playerID, "players", len(s.players))
}

func (s *Shard) handlePosition(c *conn, f *wire.ClientFrame) {
	if c.playerID == "" {
		return
	}
	now := s.clock.Now()
	if c.position != nil && now.Sub(c.lastPositionAt) < s.cfg.PositionMinInterval {
		droppedPositions.Inc()
		return
	}
	pos := *f.Position
	c.position = &pos
	c.lastPositionAt = now
	s.scheduleRecalc()
}

func (s *Shard) handleSignal(c *conn, f *wire.ClientFrame) {
	if c.playerID == "" {
		s.sendOrDrop(c, wire.NewDeliveryFailed(f.TargetID))
		return
	}
	target := s.players[f.TargetID]
	if target == nil {
		signalFailures.Inc()
		s.sendOrDrop(c, wire.NewDeliveryFailed(f.TargetID))
		return
	}
	if !target.send(wire.NewSignalRelay(c.playerID, f.Payload)) {
		s.dropOverflowed(target)
		signalFailures.Inc()
		s.sendOrDrop(c, wire.NewDeliveryFailed(f.TargetID))
		return
	}
	signalsRelayed.Inc()
}

// sendOrDrop queues a frame and tears the connection down if its queue is
// full.
func (s *Shard) sendOrDrop(c *conn, v interface{}) {
	if !c.send(v) {
		s.dropOverflowed(c)
	}
}

func (s *Shard) dropOverflowed(c *conn) {
	queueOverflows.Inc()
	s.log.Debug("Send queue overflow", "player", c.playerID, "addr", c.remote)
	s.teardownConn(c, websocket.CloseGoingAway, "send queue overflow")
}

// teardownConn removes a connection from all shard state and closes it with
// the given code. Idempotent: later close notifications for the same
// connection are no-ops.
func (s *Shard) teardownConn(c *conn, code int, text string) {
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	delete(s.conns, c.id)
	connGauge.Dec()
	if c.playerID != "" && s.players[c.playerID] == c {
		delete(s.players, c.playerID)
		delete(s.views, c.playerID)
		playerGauge.Dec()
		s.scheduleRecalc()
		s.log.Debug("Player disconnected", "player", c.playerID, "players", len(s.players))
	}
	c.shutdown(code, text)
}

// scheduleRecalc arms the proximity debounce timer. Idempotent while armed:
// however many topology changes pile up, the callback runs once per arming.
func (s *Shard) scheduleRecalc() {
	if s.recalcArmed {
		return
	}
	if s.recalcTimer == nil {
		s.recalcTimer = s.clock.NewTimer(s.cfg.ProximityDebounce)
	} else {
		s.recalcTimer.Reset(s.cfg.ProximityDebounce)
	}
	s.recalcArmed = true
}

// armSweep schedules the liveness sweep while connections exist.
func (s *Shard) armSweep() {
	if s.sweepArmed || len(s.conns) == 0 {
		return
	}
	if s.sweepTimer == nil {
		s.sweepTimer = s.clock.NewTimer(s.cfg.HeartbeatTimeout)
	} else {
		s.sweepTimer.Reset(s.cfg.HeartbeatTimeout)
	}
	s.sweepArmed = true
}

// sweepStale force-closes connections, registered or not, that have sent
// nothing for longer than the heartbeat timeout.
func (s *Shard) sweepStale() {
	now := s.clock.Now()
	var stale []*conn
	for _, c := range s.conns {
		if now.Sub(c.lastSeen) > s.cfg.HeartbeatTimeout {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		heartbeatTimeouts.Inc()
		s.log.Debug("Heartbeat timeout", "player", c.playerID, "addr", c.remote)
		s.teardownConn(c, websocket.CloseGoingAway, "heartbeat timeout")
	}
	s.armSweep()
}

// recomputePass rebuilds every observer's peer set and emits diffs. One pass
// is a consistent snapshot: it runs on the loop, so no state changes between
// the first observer and the last.
func (s *Shard) recomputePass() {
	proximityPasses.Inc()
	total := len(s.players)
	for pid, observer := range s.players {
		if observer.position == nil {
			continue
		}
		next := make(map[string]peerSample)
		for oid, other := range s.players {
			if oid == pid || other.position == nil {
				continue
			}
			if d := observer.position.Dist(*other.position); d <= s.cfg.ProximityRadius {
				next[oid] = peerSample{dist: d, pos: *other.position}
			}
		}
		s.emitDiff(observer, s.views[pid], next, total)
	}
}

// emitDiff sends a peers frame to one observer if its view changed, and
// commits the new view. No frame goes out when the set is unchanged and no
// distance moved more than DistanceEpsilon.
func (s *Shard) emitDiff(c *conn, view *peerView, next map[string]peerSample, total int) {
	nextIDs := mapset.NewThreadUnsafeSet[string]()
	for id := range next {
		nextIDs.Add(id)
	}
	added := nextIDs.Difference(view.ids)
	removed := view.ids.Difference(nextIDs)

	if added.Cardinality() == 0 && removed.Cardinality() == 0 {
		changed := false
		for id, sample := range next {
			if prev, ok := view.distances[id]; ok && math.Abs(sample.dist-prev) > DistanceEpsilon {
				changed = true
				break
			}
		}
		if !changed {
			return
		}
	}

	distances := make(map[string]float64, len(next))
	positions := make(map[string]geo.Vec, len(next))
	for id, sample := range next {
		distances[id] = sample.dist
		positions[id] = sample.pos
	}

	f := wire.NewPeerDiff()
	f.Peers = sortedSlice(nextIDs)
	if added.Cardinality() > 0 {
		f.Added = sortedSlice(added)
	}
	if removed.Cardinality() > 0 {
		f.Removed = sortedSlice(removed)
	}
	if len(next) > 0 {
		f.Distances = distances
		f.Positions = positions
	}
	f.TotalPlayers = total

	if !c.send(f) {
		s.dropOverflowed(c)
		return
	}
	peerFrames.Inc()
	view.ids = nextIDs
	view.distances = distances
}

// shutdown closes every connection and cancels timers on loop exit.
func (s *Shard) shutdown() {
	s.log.Debug("Shard shutting down", "conns", len(s.conns))
	if s.recalcTimer != nil {
		s.recalcTimer.Stop()
	}
	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
	}
	for _, c := range s.conns {
		c.shutdown(websocket.CloseGoingAway, "shard shutting down")
	}
	connGauge.Sub(float64(len(s.conns)))
	playerGauge.Sub(float64(len(s.players)))
	pendingGauge.Sub(float64(len(s.pendingByToken)))
	s.conns = map[string]*conn{}
	s.players = map[string]*conn{}
	s.views = map[string]*peerView{}
	s.pendingByToken = map[string]*pendingSession{}
	s.pendingByPlayer = map[string]*pendingSession{}
}

func sortedSlice(set mapset.Set[string]) []string {
	out := set.ToSlice()
	sort.Strings(out)
	return out
}
