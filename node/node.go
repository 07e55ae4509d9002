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

// Package node is the HTTP front door of the presence system. It admits
// players through POST /join, upgrades GET /cell/:cellId to the shard
// channel, and serves operator endpoints for status and metrics. All player
// state lives in the shards; the node only routes to them.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/earshot-project/earshot/ice"
	"github.com/earshot-project/earshot/shard"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
)

// Node ties the shard registry, the relay-credential resolver and the HTTP
// server together. Create with New, then Start.
type Node struct {
	cfg       Config
	log       log.Logger
	clock     mclock.Clock
	registry  *shard.Registry
	resolver  *ice.Resolver
	limiter   *ipLimiter
	upgrader  websocket.Upgrader
	startedAt mclock.AbsTime

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// New builds a node from cfg. Nothing listens until Start.
func New(cfg Config) *Node {
	cfg = cfg.withDefaults()
	return &Node{
		cfg:      cfg,
		log:      cfg.Logger.New("module", "node"),
		clock:    cfg.Clock,
		registry: shard.NewRegistry(cfg.Shard),
		resolver: ice.NewResolver(cfg.ICE, cfg.Clock, cfg.Logger),
		limiter:  newIPLimiter(cfg.JoinRPS, cfg.JoinBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startedAt: cfg.Clock.Now(),
	}
}

// Start binds the configured address and serves until Stop. It returns once
// the listener is bound; serving happens on a background goroutine.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener != nil {
		return errors.New("node already started")
	}
	listener, err := net.Listen("tcp", n.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	n.listener = listener
	n.server = &http.Server{
		Handler:           n.handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go n.server.Serve(listener)
	n.log.Info("HTTP endpoint opened", "url", fmt.Sprintf("http://%v/", listener.Addr()))
	return nil
}

// Addr returns the bound listen address. Empty before Start, which matters
// for tests binding port zero.
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Stop closes the HTTP endpoint and stops every shard. Shard-channel sockets
// receive a going-away close from their shard; Stop does not wait for clients
// to acknowledge it.
func (n *Node) Stop() {
	n.mu.Lock()
	server, listener := n.server, n.listener
	n.server, n.listener = nil, nil
	n.mu.Unlock()

	if server != nil {
		// Upgraded connections are hijacked and invisible to Shutdown;
		// the registry below is what closes them.
		server.Shutdown(context.Background())
	}
	n.registry.Stop()
	if listener != nil {
		n.log.Info("HTTP endpoint closed", "url", fmt.Sprintf("http://%v/", listener.Addr()))
	}
}
