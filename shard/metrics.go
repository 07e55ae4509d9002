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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	shardGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "earshot", Name: "shards",
		Help: "Live shard actors.",
	})
	connGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "earshot", Subsystem: "shard", Name: "connections",
		Help: "Open shard-channel sockets, anonymous ones included.",
	})
	playerGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "earshot", Subsystem: "shard", Name: "players",
		Help: "Registered player connections.",
	})
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "earshot", Subsystem: "shard", Name: "pending_sessions",
		Help: "Pending sessions awaiting register.",
	})
	signalsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "earshot", Subsystem: "shard", Name: "signals_relayed_total",
		Help: "Signal frames relayed to their target.",
	})
	signalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "earshot", Subsystem: "shard", Name: "signal_failures_total",
		Help: "Signal frames answered with signal-delivery-failed.",
	})
	proximityPasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "earshot", Subsystem: "shard", Name: "proximity_passes_total",
		Help: "Proximity recomputation passes.",
	})
	peerFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "earshot", Subsystem: "shard", Name: "peer_frames_total",
		Help: "peers frames emitted to observers.",
	})
	droppedPositions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "earshot", Subsystem: "shard", Name: "positions_dropped_total",
		Help: "Position frames dropped by the per-connection rate limit.",
	})
	heartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "earshot", Subsystem: "shard", Name: "heartbeat_timeouts_total",
		Help: "Connections dropped for heartbeat silence.",
	})
	registerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "earshot", Subsystem: "shard", Name: "register_failures_total",
		Help: "register frames rejected with close code 4001.",
	})
	queueOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "earshot", Subsystem: "shard", Name: "send_overflows_total",
		Help: "Connections dropped for overflowing their send queue.",
	})
)
