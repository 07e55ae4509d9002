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

package arbiter

import (
	"testing"
	"time"

	"github.com/earshot-project/earshot/geo"
	"github.com/earshot-project/earshot/internal/testlog"
	"github.com/earshot-project/earshot/wire"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

func newTestArbiter(t *testing.T, cfg Config) (*Arbiter, *mclock.Simulated, chan Event) {
	t.Helper()
	clock := new(mclock.Simulated)
	cfg.Clock = clock
	cfg.Logger = testlog.Logger(t, log.LevelTrace)
	a := New(cfg)
	t.Cleanup(a.Close)

	ch := make(chan Event, 64)
	sub := a.SubscribeEvents(ch)
	t.Cleanup(sub.Unsubscribe)
	return a, clock, ch
}

// collectEvents drains everything already delivered. With the simulated
// clock, evaluation runs inside Run, so spent events are buffered by the
// time Run returns.
func collectEvents(ch chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func distanceDiff(distances map[string]float64) *wire.ServerFrame {
	peers := make([]string, 0, len(distances))
	for id := range distances {
		peers = append(peers, id)
	}
	return &wire.ServerFrame{Type: wire.TypePeers, Peers: peers, Distances: distances}
}

// Walks the full hysteresis cycle: admission by ascending distance, slot
// refill in the drop pass, the dead zone between the two radii, and
// re-admission requiring the inner radius again.
func TestArbiterHysteresisCycle(t *testing.T) {
	a, clock, ch := newTestArbiter(t, Config{
		ConnectRadius:              30,
		DisconnectRadiusMultiplier: 1.5,
		MaxPeers:                   2,
	})

	a.ApplyPeerDiff(distanceDiff(map[string]float64{"p1": 10, "p2": 20, "p3": 25}))
	clock.Run(DefaultEvaluationDebounce)
	require.Equal(t, []Event{
		{Type: Connect, PeerID: "p1", Distance: 10},
		{Type: Connect, PeerID: "p2", Distance: 20},
	}, collectEvents(ch))
	require.Equal(t, []string{"p1", "p2"}, a.Connected())

	// p2 leaves the stretched radius (45): dropped, and the freed slot
	// goes to p3 in the same pass.
	a.UpdatePeerDistance("p2", 60)
	clock.Run(DefaultEvaluationDebounce)
	require.Equal(t, []Event{
		{Type: Disconnect, PeerID: "p2", Distance: 60},
		{Type: Connect, PeerID: "p3", Distance: 25},
	}, collectEvents(ch))

	// Inside the stretched radius but outside the connect radius: a
	// connected peer stays put.
	a.UpdatePeerDistance("p3", 42)
	clock.Run(DefaultEvaluationDebounce)
	require.Empty(t, collectEvents(ch))

	a.UpdatePeerDistance("p3", 55)
	clock.Run(DefaultEvaluationDebounce)
	require.Equal(t, []Event{
		{Type: Disconnect, PeerID: "p3", Distance: 55},
	}, collectEvents(ch))

	// Same dead-zone distance, but now disconnected: no re-admission
	// until it crosses the connect radius again.
	a.UpdatePeerDistance("p3", 42)
	clock.Run(DefaultEvaluationDebounce)
	require.Empty(t, collectEvents(ch))
	require.Equal(t, []string{"p1"}, a.Connected())
}

func TestArbiterPeerCap(t *testing.T) {
	a, clock, ch := newTestArbiter(t, Config{MaxPeers: 4})

	a.ApplyPeerDiff(distanceDiff(map[string]float64{
		"p01": 1, "p02": 2, "p03": 3, "p04": 4, "p05": 5,
		"p06": 6, "p07": 7, "p08": 8, "p09": 9, "p10": 10,
	}))
	clock.Run(DefaultEvaluationDebounce)

	events := collectEvents(ch)
	require.Equal(t, []Event{
		{Type: Connect, PeerID: "p01", Distance: 1},
		{Type: Connect, PeerID: "p02", Distance: 2},
		{Type: Connect, PeerID: "p03", Distance: 3},
		{Type: Connect, PeerID: "p04", Distance: 4},
	}, events)
	require.Equal(t, []string{"p01", "p02", "p03", "p04"}, a.Connected())
}

func TestArbiterRemovePeer(t *testing.T) {
	a, clock, ch := newTestArbiter(t, Config{MaxPeers: 2})

	a.ApplyPeerDiff(distanceDiff(map[string]float64{"near": 5, "mid": 10, "far": 15}))
	clock.Run(DefaultEvaluationDebounce)
	require.Len(t, collectEvents(ch), 2)

	// The disconnect is immediate, before any debounce.
	a.RemovePeer("near")
	require.Equal(t, []Event{
		{Type: Disconnect, PeerID: "near", Distance: 5},
	}, collectEvents(ch))

	// The freed slot is refilled on the next pass.
	clock.Run(DefaultEvaluationDebounce)
	require.Equal(t, []Event{
		{Type: Connect, PeerID: "far", Distance: 15},
	}, collectEvents(ch))

	// Removing an unknown peer is a no-op.
	a.RemovePeer("ghost")
	require.Empty(t, collectEvents(ch))
}

func TestArbiterAbsoluteDiffReplaces(t *testing.T) {
	a, clock, ch := newTestArbiter(t, Config{})

	a.ApplyPeerDiff(distanceDiff(map[string]float64{"p1": 10, "p2": 20}))
	clock.Run(DefaultEvaluationDebounce)
	require.Len(t, collectEvents(ch), 2)

	// p1 missing from the absolute list: it is no longer a candidate and
	// gets dropped even though its last distance was fine.
	a.ApplyPeerDiff(&wire.ServerFrame{Type: wire.TypePeers, Peers: []string{"p2"}})
	clock.Run(DefaultEvaluationDebounce)
	require.Equal(t, []Event{
		{Type: Disconnect, PeerID: "p1", Distance: 10},
	}, collectEvents(ch))
}

func TestArbiterDeltaDiff(t *testing.T) {
	a, clock, ch := newTestArbiter(t, Config{})

	a.ApplyPeerDiff(&wire.ServerFrame{
		Type:      wire.TypePeers,
		Added:     []string{"p1", "p2"},
		Distances: map[string]float64{"p1": 7, "p2": 9},
	})
	clock.Run(DefaultEvaluationDebounce)
	require.Len(t, collectEvents(ch), 2)

	a.ApplyPeerDiff(&wire.ServerFrame{Type: wire.TypePeers, Removed: []string{"p1"}})
	clock.Run(DefaultEvaluationDebounce)
	require.Equal(t, []Event{
		{Type: Disconnect, PeerID: "p1", Distance: 7},
	}, collectEvents(ch))
	require.Equal(t, []string{"p2"}, a.Connected())
}

func TestArbiterDerivedDistances(t *testing.T) {
	a, clock, ch := newTestArbiter(t, Config{ConnectRadius: 30, DisconnectRadiusMultiplier: 1.5})

	a.UpdateLocalPosition(geo.Vec{})
	a.ApplyPeerDiff(&wire.ServerFrame{Type: wire.TypePeers, Added: []string{"p1"}})
	a.UpdatePeerPosition("p1", &geo.Vec{X: 12})
	clock.Run(DefaultEvaluationDebounce)
	require.Equal(t, []Event{
		{Type: Connect, PeerID: "p1", Distance: 12},
	}, collectEvents(ch))

	// Moving locally re-derives stored-position peers.
	a.UpdateLocalPosition(geo.Vec{X: 100})
	clock.Run(DefaultEvaluationDebounce)
	require.Equal(t, []Event{
		{Type: Disconnect, PeerID: "p1", Distance: 88},
	}, collectEvents(ch))

	// Clearing the position makes the distance unknown again, so the peer
	// cannot reconnect.
	a.UpdateLocalPosition(geo.Vec{X: 10})
	a.UpdatePeerPosition("p1", nil)
	clock.Run(DefaultEvaluationDebounce)
	require.Empty(t, collectEvents(ch))
}

func TestArbiterExplicitDistanceWins(t *testing.T) {
	a, clock, ch := newTestArbiter(t, Config{ConnectRadius: 30})

	a.UpdateLocalPosition(geo.Vec{})
	// The frame carries both a position (derives 10) and an explicit
	// distance; the explicit one is folded last and wins.
	a.ApplyPeerDiff(&wire.ServerFrame{
		Type:      wire.TypePeers,
		Peers:     []string{"p1"},
		Positions: map[string]geo.Vec{"p1": {X: 10}},
		Distances: map[string]float64{"p1": 28},
	})
	clock.Run(DefaultEvaluationDebounce)
	require.Equal(t, []Event{
		{Type: Connect, PeerID: "p1", Distance: 28},
	}, collectEvents(ch))
}

func TestArbiterUnknownDistanceIneligible(t *testing.T) {
	a, clock, ch := newTestArbiter(t, Config{})

	a.ApplyPeerDiff(&wire.ServerFrame{Type: wire.TypePeers, Peers: []string{"p1"}})
	clock.Run(DefaultEvaluationDebounce)
	require.Empty(t, collectEvents(ch))

	a.UpdatePeerDistance("p1", 3)
	clock.Run(DefaultEvaluationDebounce)
	require.Equal(t, []Event{
		{Type: Connect, PeerID: "p1", Distance: 3},
	}, collectEvents(ch))
}

func TestArbiterDebounceCoalesces(t *testing.T) {
	a, clock, ch := newTestArbiter(t, Config{})

	a.UpdatePeerDistance("p1", 4)
	a.ApplyPeerDiff(&wire.ServerFrame{Type: wire.TypePeers, Added: []string{"p1", "p2"}})
	a.UpdatePeerDistance("p2", 6)
	require.Equal(t, 1, clock.ActiveTimers())

	clock.Run(DefaultEvaluationDebounce)
	require.Equal(t, []Event{
		{Type: Connect, PeerID: "p1", Distance: 4},
		{Type: Connect, PeerID: "p2", Distance: 6},
	}, collectEvents(ch))
	require.Equal(t, 0, clock.ActiveTimers())
}

func TestArbiterPrunesStaleState(t *testing.T) {
	a, clock, _ := newTestArbiter(t, Config{})

	// ghost never becomes a candidate; its state must not leak forever.
	a.UpdatePeerDistance("ghost", 12)
	a.ApplyPeerDiff(&wire.ServerFrame{Type: wire.TypePeers, Peers: []string{"p1"}, Distances: map[string]float64{"p1": 5}})
	clock.Run(DefaultEvaluationDebounce)

	clock.Run(DefaultPruneAfter + time.Second)
	a.UpdatePeerDistance("p1", 6)
	clock.Run(DefaultEvaluationDebounce)

	a.mu.Lock()
	_, ghost := a.peers["ghost"]
	_, kept := a.peers["p1"]
	a.mu.Unlock()
	require.False(t, ghost)
	require.True(t, kept)
}

func TestArbiterClose(t *testing.T) {
	a, clock, ch := newTestArbiter(t, Config{})

	a.ApplyPeerDiff(distanceDiff(map[string]float64{"p1": 10}))
	a.Close()
	clock.Run(DefaultEvaluationDebounce)
	require.Empty(t, collectEvents(ch))

	// Updates after close must not arm new timers.
	a.UpdatePeerDistance("p2", 3)
	require.Equal(t, 0, clock.ActiveTimers())
}
