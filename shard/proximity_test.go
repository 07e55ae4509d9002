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

package shard

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/earshot-project/earshot/geo"
	"github.com/earshot-project/earshot/wire"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// proximityPair joins alice and bob, places them dist apart on the x axis and
// consumes the initial peers frames.
func proximityPair(t *testing.T, clock *mclock.Simulated, dist float64) (s *Shard, a, b *fakeSock) {
	t.Helper()
	s = newTestShard(t, clock)
	a = join(t, s, "alice", "tok1")
	b = join(t, s, "bob", "tok2")

	a.push(t, positionFrame(0, 0, 0))
	b.push(t, positionFrame(dist, 0, 0))
	a.barrier(t)
	b.barrier(t)
	clock.Run(DefaultProximityDebounce)
	return s, a, b
}

func TestProximityInitialDiff(t *testing.T) {
	clock := new(mclock.Simulated)
	_, a, b := proximityPair(t, clock, 10)

	fa := a.nextText(t)
	require.Equal(t, wire.TypePeers, fa.Type)
	require.Equal(t, []string{"bob"}, fa.Peers)
	require.Equal(t, []string{"bob"}, fa.Added)
	require.Empty(t, fa.Removed)
	require.InDelta(t, 10, fa.Distances["bob"], 1e-9)
	require.Equal(t, geo.Vec{X: 10}, fa.Positions["bob"])
	require.Equal(t, 2, fa.TotalPlayers)

	fb := b.nextText(t)
	require.Equal(t, []string{"alice"}, fb.Peers)
	require.InDelta(t, 10, fb.Distances["alice"], 1e-9)
	require.Equal(t, 2, fb.TotalPlayers)
}

func TestProximityExitEmptiesPeers(t *testing.T) {
	clock := new(mclock.Simulated)
	_, a, b := proximityPair(t, clock, 10)
	a.nextText(t)
	b.nextText(t)

	clock.Run(DefaultPositionMinInterval)
	a.push(t, positionFrame(100, 0, 0))
	a.barrier(t)
	clock.Run(DefaultProximityDebounce)

	fa := a.nextText(t)
	require.Equal(t, wire.TypePeers, fa.Type)
	require.NotNil(t, fa.Peers, "peers must be present even when empty")
	require.Empty(t, fa.Peers)
	require.Equal(t, []string{"bob"}, fa.Removed)
	require.Nil(t, fa.Distances, "distances are omitted for an empty set")
	require.Nil(t, fa.Positions, "positions are omitted for an empty set")
	require.Equal(t, 2, fa.TotalPlayers)

	fb := b.nextText(t)
	require.Empty(t, fb.Peers)
	require.Equal(t, []string{"alice"}, fb.Removed)
}

func TestProximityEpsilonSuppression(t *testing.T) {
	clock := new(mclock.Simulated)
	_, a, b := proximityPair(t, clock, 10)
	a.nextText(t)
	b.nextText(t)

	// A sub-epsilon wiggle changes no set membership and moves no distance
	// past the threshold, so the pass stays silent.
	clock.Run(DefaultPositionMinInterval)
	a.push(t, positionFrame(0.3, 0, 0))
	a.barrier(t)
	clock.Run(DefaultProximityDebounce)
	a.expectSilence(t, 100*time.Millisecond)
	b.expectSilence(t, 100*time.Millisecond)

	// A real move refreshes distances on both sides without touching
	// membership.
	clock.Run(DefaultPositionMinInterval)
	a.push(t, positionFrame(2, 0, 0))
	a.barrier(t)
	clock.Run(DefaultProximityDebounce)

	fa := a.nextText(t)
	require.Equal(t, []string{"bob"}, fa.Peers)
	require.Empty(t, fa.Added)
	require.Empty(t, fa.Removed)
	require.InDelta(t, 8, fa.Distances["bob"], 1e-9)

	fb := b.nextText(t)
	require.Equal(t, []string{"alice"}, fb.Peers)
	require.InDelta(t, 8, fb.Distances["alice"], 1e-9)
	require.Equal(t, geo.Vec{X: 2}, fb.Positions["alice"])
}

func TestProximityRadiusBoundary(t *testing.T) {
	clock := new(mclock.Simulated)
	_, a, b := proximityPair(t, clock, DefaultProximityRadius)

	// Exactly at the radius is audible.
	fa := a.nextText(t)
	require.Equal(t, []string{"bob"}, fa.Peers)
	require.InDelta(t, DefaultProximityRadius, fa.Distances["bob"], 1e-9)
	b.nextText(t)
}

func TestProximityOutOfRangeStaysSilent(t *testing.T) {
	clock := new(mclock.Simulated)
	_, a, b := proximityPair(t, clock, DefaultProximityRadius+1)

	a.expectSilence(t, 100*time.Millisecond)
	b.expectSilence(t, 100*time.Millisecond)
}

func TestProximityCountsUnpositionedPlayers(t *testing.T) {
	clock := new(mclock.Simulated)
	s := newTestShard(t, clock)
	a := join(t, s, "alice", "tok1")
	b := join(t, s, "bob", "tok2")
	c := join(t, s, "carol", "tok3")

	a.push(t, positionFrame(0, 0, 0))
	b.push(t, positionFrame(5, 0, 0))
	a.barrier(t)
	b.barrier(t)
	clock.Run(DefaultProximityDebounce)

	// carol has no position yet: she is counted but neither audible nor
	// notified.
	fa := a.nextText(t)
	require.Equal(t, []string{"bob"}, fa.Peers)
	require.Equal(t, 3, fa.TotalPlayers)
	b.nextText(t)
	c.expectSilence(t, 100*time.Millisecond)
}

func TestProximityDepartureNotifiesSurvivor(t *testing.T) {
	clock := new(mclock.Simulated)
	s, a, b := proximityPair(t, clock, 10)
	a.nextText(t)
	b.nextText(t)

	// alice goes silent while bob keeps heartbeating. The liveness sweep
	// eventually drops her and bob sees her leave. Stop pinning bob's
	// liveness once the drop has landed so the barrier does not swallow
	// the resulting peers frame.
	for i := 0; i < 10 && s.Status().Players == 2; i++ {
		b.push(t, `{"type":"heartbeat"}`)
		b.barrier(t)
		clock.Run(10 * time.Second)
	}
	require.Eventually(t, func() bool { return s.Status().Players == 1 }, recvTimeout, 10*time.Millisecond)
	require.Equal(t, websocket.CloseGoingAway, a.nextClose(t))

	clock.Run(DefaultProximityDebounce)
	fb := b.nextText(t)
	require.Equal(t, wire.TypePeers, fb.Type)
	require.Empty(t, fb.Peers)
	require.Equal(t, []string{"alice"}, fb.Removed)
	require.Equal(t, 1, fb.TotalPlayers)
}

func TestProximityPairSymmetry(t *testing.T) {
	clock := new(mclock.Simulated)
	s := newTestShard(t, clock)

	const n = 8
	rng := rand.New(rand.NewSource(42))
	players := make([]string, n)
	positions := make([]geo.Vec, n)
	socks := make([]*fakeSock, n)
	for i := range players {
		players[i] = fmt.Sprintf("p%02d", i)
		positions[i] = geo.Vec{
			X: rng.Float64() * 120,
			Y: rng.Float64() * 120,
			Z: rng.Float64() * 120,
		}
		socks[i] = join(t, s, players[i], "tok-"+players[i])
		socks[i].push(t, positionFrame(positions[i].X, positions[i].Y, positions[i].Z))
		socks[i].barrier(t)
	}
	clock.Run(DefaultProximityDebounce)

	// Inspect committed views on the loop. Views only commit after a
	// successful send, so wait for the pass to land everywhere first.
	type viewSnap map[string]map[string]bool
	snap := make(viewSnap)
	require.Eventually(t, func() bool {
		ok := s.do(func() {
			for pid, v := range s.views {
				m := make(map[string]bool)
				for _, id := range v.ids.ToSlice() {
					m[id] = true
				}
				snap[pid] = m
			}
		})
		if !ok {
			return false
		}
		for i, pi := range players {
			for j, pj := range players {
				if i == j {
					continue
				}
				want := positions[i].Dist(positions[j]) <= DefaultProximityRadius
				if snap[pi][pj] != want {
					return false
				}
			}
		}
		return true
	}, recvTimeout, 20*time.Millisecond)

	// Symmetry: i hears j exactly when j hears i.
	for i, pi := range players {
		for j, pj := range players {
			if i == j {
				continue
			}
			require.Equal(t, snap[pi][pj], snap[pj][pi], "%s/%s asymmetric", pi, pj)
		}
	}
}
