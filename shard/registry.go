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
	"errors"
	"sync"
	"time"

	"github.com/earshot-project/earshot/geo"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
)

// DefaultJanitorInterval is how often the registry looks for idle shards.
const DefaultJanitorInterval = time.Minute

// ErrRegistryStopped is returned by Shard after Stop.
var ErrRegistryStopped = errors.New("shard registry stopped")

// Registry materializes shards on demand and collects them again once they
// are empty. It is the only structure spanning cells and holds no player
// state of its own.
type Registry struct {
	cfg     Config
	clock   mclock.Clock
	log     log.Logger
	janitor time.Duration

	mu     sync.Mutex
	shards map[geo.CellID]*Shard
	closed bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry builds a registry whose shards share cfg. The janitor interval
// can be overridden through SetJanitorInterval before first use.
func NewRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     cfg.Logger.New("module", "registry"),
		janitor: DefaultJanitorInterval,
		shards:  make(map[geo.CellID]*Shard),
		quit:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.janitorLoop()
	return r
}

// SetJanitorInterval adjusts how often idle shards are collected.
func (r *Registry) SetJanitorInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.janitor = d
	r.mu.Unlock()
}

// Shard returns the live shard for a cell, creating and starting it if the
// cell is currently unmaterialized.
func (r *Registry) Shard(cell geo.CellID) (*Shard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryStopped
	}
	if sh, ok := r.shards[cell]; ok {
		return sh, nil
	}
	sh := New(cell, r.cfg)
	sh.Start()
	r.shards[cell] = sh
	shardGauge.Inc()
	r.log.Debug("Shard created", "cell", cell, "shards", len(r.shards))
	return sh, nil
}

// Stats sums occupancy over all live shards.
func (r *Registry) Stats() (cells, conns, players int) {
	r.mu.Lock()
	snapshot := make([]*Shard, 0, len(r.shards))
	for _, sh := range r.shards {
		snapshot = append(snapshot, sh)
	}
	r.mu.Unlock()

	for _, sh := range snapshot {
		st := sh.Status()
		conns += st.Conns
		players += st.Players
	}
	return len(snapshot), conns, players
}

// Stop shuts down the janitor and every shard. Connections receive a
// going-away close.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	shards := make([]*Shard, 0, len(r.shards))
	for _, sh := range r.shards {
		shards = append(shards, sh)
	}
	r.shards = map[geo.CellID]*Shard{}
	r.mu.Unlock()

	close(r.quit)
	r.wg.Wait()
	for _, sh := range shards {
		sh.Stop()
	}
	shardGauge.Sub(float64(len(shards)))
	r.log.Debug("Registry stopped", "shards", len(shards))
}

func (r *Registry) janitorLoop() {
	defer r.wg.Done()
	r.mu.Lock()
	interval := r.janitor
	r.mu.Unlock()
	timer := r.clock.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C():
			r.collect()
			r.mu.Lock()
			interval = r.janitor
			r.mu.Unlock()
			timer.Reset(interval)
		case <-r.quit:
			return
		}
	}
}

// collect stops and removes shards with no connections and no pending
// sessions.
func (r *Registry) collect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for cell, sh := range r.shards {
		if !sh.Idle() {
			continue
		}
		sh.Stop()
		delete(r.shards, cell)
		shardGauge.Dec()
		r.log.Debug("Idle shard collected", "cell", cell, "shards", len(r.shards))
	}
}
