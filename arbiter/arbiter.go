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

// Package arbiter decides which of the shard-reported neighbors a client
// should hold a media link to. It consumes peer diffs and pose updates,
// applies hysteresis around the connect radius and a hard peer cap, and
// emits connect/disconnect events for the media layer. It never touches
// sockets itself.
package arbiter

import (
	"math"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/earshot-project/earshot/geo"
	"github.com/earshot-project/earshot/wire"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

// Defaults for Config fields left zero.
const (
	DefaultConnectRadius      = 30.0
	DefaultDisconnectMult     = 1.5
	DefaultMaxPeers           = 8
	DefaultEvaluationDebounce = 250 * time.Millisecond
	DefaultPruneAfter         = 60 * time.Second
)

// EventType distinguishes arbiter decisions.
type EventType string

const (
	Connect    EventType = "connect"
	Disconnect EventType = "disconnect"
)

// Event is one media-link decision. Distance is the peer distance the
// decision was based on; +Inf when unknown.
type Event struct {
	Type     EventType
	PeerID   string
	Distance float64
}

// Config tunes an arbiter. The zero value gets the documented defaults.
type Config struct {
	// ConnectRadius is the distance at or below which a peer may be
	// admitted.
	ConnectRadius float64

	// DisconnectRadiusMultiplier stretches the connect radius into the
	// drop threshold: a connected peer survives until its distance
	// exceeds ConnectRadius times this.
	DisconnectRadiusMultiplier float64

	// MaxPeers caps simultaneously connected peers.
	MaxPeers int

	// EvaluationDebounce is the coalescing window between an input and
	// the evaluation pass it triggers.
	EvaluationDebounce time.Duration

	// PruneAfter bounds how long state for a non-candidate peer is kept.
	PruneAfter time.Duration

	// Clock drives the debounce and prune horizon.
	Clock mclock.Clock

	// Logger is the parent logger.
	Logger log.Logger
}

func (c Config) withDefaults() Config {
	if c.ConnectRadius <= 0 {
		c.ConnectRadius = DefaultConnectRadius
	}
	if c.DisconnectRadiusMultiplier <= 0 {
		c.DisconnectRadiusMultiplier = DefaultDisconnectMult
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = DefaultMaxPeers
	}
	if c.EvaluationDebounce <= 0 {
		c.EvaluationDebounce = DefaultEvaluationDebounce
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = DefaultPruneAfter
	}
	if c.Clock == nil {
		c.Clock = mclock.System{}
	}
	if c.Logger == nil {
		c.Logger = log.Root()
	}
	return c
}

// peerState is everything known about one peer id.
type peerState struct {
	distance    float64 // +Inf when unknown
	explicit    bool    // distance came from the server, not derived
	lastUpdated mclock.AbsTime
	pos         *geo.Vec
}

// Arbiter is safe for concurrent use. Events are delivered through
// SubscribeEvents; subscriber channels should be buffered, the feed blocks
// until every subscriber has taken the event.
type Arbiter struct {
	cfg   Config
	log   log.Logger
	clock mclock.Clock

	mu         sync.Mutex
	candidates mapset.Set[string]
	peers      map[string]*peerState
	connected  mapset.Set[string]
	localPos   *geo.Vec
	evalArmed  bool
	evalTimer  mclock.Timer
	closed     bool

	feed  event.FeedOf[Event]
	scope event.SubscriptionScope
}

// New builds an arbiter from cfg.
func New(cfg Config) *Arbiter {
	cfg = cfg.withDefaults()
	return &Arbiter{
		cfg:        cfg,
		log:        cfg.Logger.New("module", "arbiter"),
		clock:      cfg.Clock,
		candidates: mapset.NewThreadUnsafeSet[string](),
		peers:      make(map[string]*peerState),
		connected:  mapset.NewThreadUnsafeSet[string](),
	}
}

// SubscribeEvents delivers every connect/disconnect decision to ch.
func (a *Arbiter) SubscribeEvents(ch chan<- Event) event.Subscription {
	return a.scope.Track(a.feed.Subscribe(ch))
}

// Connected returns the currently connected peer ids, sorted.
func (a *Arbiter) Connected() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.connected.ToSlice()
	sort.Strings(out)
	return out
}

// UpdateLocalPosition stores the local pose and re-derives the distance of
// every peer with a known position.
func (a *Arbiter) UpdateLocalPosition(pos geo.Vec) {
	a.mu.Lock()
	p := pos
	a.localPos = &p
	now := a.clock.Now()
	for _, st := range a.peers {
		if st.pos == nil {
			continue
		}
		st.distance = pos.Dist(*st.pos)
		st.explicit = false
		st.lastUpdated = now
	}
	a.mu.Unlock()
	a.scheduleEval()
}

// UpdatePeerPosition stores or clears a peer's position. Distance is derived
// from the local pose when known, else unknown.
func (a *Arbiter) UpdatePeerPosition(id string, pos *geo.Vec) {
	a.mu.Lock()
	a.setPeerPosition(id, pos)
	a.mu.Unlock()
	a.scheduleEval()
}

// UpdatePeerDistance records a server-reported distance for a peer. Pass
// +Inf to mark it unknown.
func (a *Arbiter) UpdatePeerDistance(id string, distance float64) {
	a.mu.Lock()
	a.setPeerDistance(id, distance)
	a.mu.Unlock()
	a.scheduleEval()
}

// ApplyPeerDiff folds a shard peers frame into the candidate set. A non-nil
// Peers list replaces the set wholesale; a nil one applies Added/Removed as
// deltas. Positions fold before distances so explicit distances win within
// one frame.
func (a *Arbiter) ApplyPeerDiff(f *wire.ServerFrame) {
	a.mu.Lock()
	if f.Peers != nil {
		next := mapset.NewThreadUnsafeSet[string]()
		for _, id := range f.Peers {
			next.Add(id)
		}
		a.candidates = next
	} else {
		for _, id := range f.Added {
			a.candidates.Add(id)
		}
		for _, id := range f.Removed {
			a.candidates.Remove(id)
		}
	}
	for id, pos := range f.Positions {
		p := pos
		a.setPeerPosition(id, &p)
	}
	for id, d := range f.Distances {
		a.setPeerDistance(id, d)
	}
	a.mu.Unlock()
	a.scheduleEval()
}

// RemovePeer forgets a peer entirely, emitting a disconnect right away if it
// was connected. The freed slot is refilled by the next evaluation pass.
func (a *Arbiter) RemovePeer(id string) {
	a.mu.Lock()
	wasConnected := a.connected.Contains(id)
	var dist float64 = math.Inf(1)
	if st := a.peers[id]; st != nil {
		dist = st.distance
	}
	a.candidates.Remove(id)
	a.connected.Remove(id)
	delete(a.peers, id)
	a.mu.Unlock()

	if wasConnected {
		a.feed.Send(Event{Type: Disconnect, PeerID: id, Distance: dist})
	}
	a.scheduleEval()
}

// Close cancels the debounce timer and drops all subscriptions.
func (a *Arbiter) Close() {
	a.mu.Lock()
	a.closed = true
	if a.evalTimer != nil {
		a.evalTimer.Stop()
		a.evalTimer = nil
	}
	a.evalArmed = false
	a.mu.Unlock()
	a.scope.Close()
}

func (a *Arbiter) ensure(id string, now mclock.AbsTime) *peerState {
	st := a.peers[id]
	if st == nil {
		st = &peerState{distance: math.Inf(1)}
		a.peers[id] = st
	}
	st.lastUpdated = now
	return st
}

func (a *Arbiter) setPeerPosition(id string, pos *geo.Vec) {
	st := a.ensure(id, a.clock.Now())
	if pos == nil {
		st.pos = nil
		st.distance = math.Inf(1)
		st.explicit = false
		return
	}
	p := *pos
	st.pos = &p
	st.explicit = false
	if a.localPos != nil {
		st.distance = a.localPos.Dist(p)
	} else {
		st.distance = math.Inf(1)
	}
}

func (a *Arbiter) setPeerDistance(id string, distance float64) {
	st := a.ensure(id, a.clock.Now())
	st.distance = distance
	st.explicit = true
}

// scheduleEval arms the debounce timer. Idempotent while armed.
func (a *Arbiter) scheduleEval() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.evalArmed {
		return
	}
	a.evalArmed = true
	a.evalTimer = a.clock.AfterFunc(a.cfg.EvaluationDebounce, a.evaluate)
}

// evaluate is one decision pass: drop first, then admit by ascending
// distance into the freed slots, then prune stale state.
func (a *Arbiter) evaluate() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.evalArmed = false
	now := a.clock.Now()
	dropRadius := a.cfg.ConnectRadius * a.cfg.DisconnectRadiusMultiplier

	var events []Event

	// Disconnects: gone from the candidate set, or outside the stretched
	// radius.
	justDropped := mapset.NewThreadUnsafeSet[string]()
	connected := a.connected.ToSlice()
	sort.Strings(connected)
	for _, id := range connected {
		st := a.peers[id]
		dist := math.Inf(1)
		if st != nil {
			dist = st.distance
		}
		if a.candidates.Contains(id) && st != nil && dist <= dropRadius {
			continue
		}
		a.connected.Remove(id)
		justDropped.Add(id)
		events = append(events, Event{Type: Disconnect, PeerID: id, Distance: dist})
	}

	// Connects: nearest eligible candidates into the free slots. Peers
	// dropped in this same pass must re-enter the connect radius first.
	if free := a.cfg.MaxPeers - a.connected.Cardinality(); free > 0 {
		type candidate struct {
			id   string
			dist float64
		}
		var eligible []candidate
		for _, id := range a.candidates.ToSlice() {
			if a.connected.Contains(id) || justDropped.Contains(id) {
				continue
			}
			st := a.peers[id]
			if st == nil || st.distance > a.cfg.ConnectRadius {
				continue
			}
			eligible = append(eligible, candidate{id, st.distance})
		}
		sort.Slice(eligible, func(i, j int) bool {
			if eligible[i].dist != eligible[j].dist {
				return eligible[i].dist < eligible[j].dist
			}
			return eligible[i].id < eligible[j].id
		})
		for _, c := range eligible {
			if free == 0 {
				break
			}
			a.connected.Add(c.id)
			events = append(events, Event{Type: Connect, PeerID: c.id, Distance: c.dist})
			free--
		}
	}

	// Bounded memory: forget non-candidates that have not been touched
	// for a while.
	for id, st := range a.peers {
		if a.candidates.Contains(id) {
			continue
		}
		if now.Sub(st.lastUpdated) > a.cfg.PruneAfter {
			delete(a.peers, id)
		}
	}
	a.mu.Unlock()

	for _, ev := range events {
		a.log.Trace("Arbiter decision", "type", ev.Type, "peer", ev.PeerID, "dist", ev.Distance)
		a.feed.Send(ev)
	}
}
