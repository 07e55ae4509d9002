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
	"os"
	"strconv"

	"github.com/earshot-project/earshot/flagkv"
	"github.com/earshot-project/earshot/ice"
	"github.com/earshot-project/earshot/shard"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvSFUEnabled = "FEATURE_SFU_ENABLED"
	EnvJWTSecret  = "AUTH_JWT_SECRET"
)

// FlagTransportSFU is the live feature-flag key that overrides the
// environment-derived transport mode at runtime.
const FlagTransportSFU = "feature:voice:transport:sfu"

// DefaultHTTPAddr is the front door's default listen address.
const DefaultHTTPAddr = ":8080"

// Config collects the front-door settings. The zero value listens on
// DefaultHTTPAddr with auth and rate limiting disabled.
type Config struct {
	// HTTPAddr is the TCP listen address, host:port.
	HTTPAddr string

	// PublicURL, when set, is the websocket base URL advertised in join
	// responses (scheme and authority, no trailing slash). When empty the
	// URL is derived per request from Host and forwarded headers.
	PublicURL string

	// SFUEnabled advertises transport mode "sfu" instead of "p2p". The
	// live flag FlagTransportSFU takes precedence when present.
	SFUEnabled bool

	// Flags is an optional live feature-flag source.
	Flags flagkv.Source

	// JWTSecret enables admission auth when non-empty: authToken must be
	// a valid HS256 token whose subject equals the joining playerId.
	JWTSecret string

	// JoinRPS and JoinBurst rate-limit /join per source IP. JoinRPS zero
	// disables the limiter.
	JoinRPS   float64
	JoinBurst int

	// Shard configures every shard materialized by this node.
	Shard shard.Config

	// ICE configures the relay-credential resolver.
	ICE ice.Config

	// Clock drives uptime accounting. Defaults to the system clock; tests
	// inject mclock.Simulated through Shard.Clock as well.
	Clock mclock.Clock

	// Logger is the parent logger for the node and its shards.
	Logger log.Logger
}

func (c Config) withDefaults() Config {
	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}
	if c.JoinBurst <= 0 {
		c.JoinBurst = 8
	}
	if c.Clock == nil {
		c.Clock = mclock.System{}
	}
	if c.Logger == nil {
		c.Logger = log.Root()
	}
	if c.Shard.Clock == nil {
		c.Shard.Clock = c.Clock
	}
	if c.Shard.Logger == nil {
		c.Shard.Logger = c.Logger
	}
	return c
}

// ConfigFromEnv builds a Config from the process environment, covering the
// variables of the deployment contract. Flag wiring and listen addresses come
// from the CLI layer instead.
func ConfigFromEnv() Config {
	cfg := Config{
		JWTSecret: os.Getenv(EnvJWTSecret),
		ICE:       ice.ConfigFromEnv(),
	}
	if v := os.Getenv(EnvSFUEnabled); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SFUEnabled = b
		}
	}
	return cfg
}
