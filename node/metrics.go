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

package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	joinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "earshot", Subsystem: "node", Name: "joins_total",
		Help: "Admissions granted.",
	})
	joinRejects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "earshot", Subsystem: "node", Name: "join_rejects_total",
		Help: "Admissions refused: malformed, unauthorized or shard failure.",
	})
	joinsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "earshot", Subsystem: "node", Name: "join_ratelimited_total",
		Help: "Admissions shed by the per-IP rate limit.",
	})
	upgradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "earshot", Subsystem: "node", Name: "cell_upgrades_total",
		Help: "Shard-channel websocket upgrades completed.",
	})
)
