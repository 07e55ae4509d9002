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

package ice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/singleflight"
)

const (
	// requestTTLSeconds is the credential lifetime asked of the endpoint.
	requestTTLSeconds = 24 * 60 * 60

	// Cache TTL clamp bounds and the fallback when the endpoint reports
	// nothing usable.
	minCacheTTL      = 5 * time.Second
	maxCacheTTL      = time.Hour
	fallbackCacheTTL = time.Minute

	// failureBackoff keeps admission fast while the endpoint is down
	// instead of re-dialing it on every join.
	failureBackoff = 5 * time.Second

	defaultRequestTimeout = 10 * time.Second

	maxResponseBytes = 1 << 20
)

// Resolver produces the relay list for admission responses. It is safe for
// concurrent use; refreshes of the third-party credentials are collapsed so
// that at most one request is in flight.
type Resolver struct {
	cfg    Config
	clock  mclock.Clock
	log    log.Logger
	client *http.Client

	group singleflight.Group

	mu          sync.RWMutex
	cached      []Server
	cachedUntil mclock.AbsTime
	failedAt    mclock.AbsTime
	failed      bool
}

// NewResolver builds a resolver around cfg. clock drives cache expiry and
// must not be nil.
func NewResolver(cfg Config, clock mclock.Clock, logger log.Logger) *Resolver {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Resolver{
		cfg:    cfg,
		clock:  clock,
		log:    logger.New("module", "ice"),
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Servers returns the current relay list. It never returns an empty list or
// an error: each source falls through to the next and the built-in default
// terminates the chain.
func (r *Resolver) Servers(ctx context.Context) []Server {
	if r.cfg.turnConfigured() {
		if servers := r.turnServers(ctx); len(servers) > 0 {
			return servers
		}
	}
	if r.cfg.Static != "" {
		servers, err := ParseStatic(r.cfg.Static)
		if err != nil {
			r.log.Warn("Static relay list unparsable", "err", err)
		} else if len(servers) > 0 {
			return servers
		}
	}
	return DefaultServers()
}

// turnServers returns cached third-party credentials, refreshing them when
// stale. An empty return means the source is currently unusable.
func (r *Resolver) turnServers(ctx context.Context) []Server {
	now := r.clock.Now()

	r.mu.RLock()
	if r.cached != nil && now < r.cachedUntil {
		servers := r.cached
		r.mu.RUnlock()
		return servers
	}
	if r.failed && now.Sub(r.failedAt) < failureBackoff {
		r.mu.RUnlock()
		return nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do("turn", func() (interface{}, error) {
		return r.refresh(ctx)
	})
	if err != nil {
		r.mu.Lock()
		r.failed = true
		r.failedAt = r.clock.Now()
		r.mu.Unlock()
		r.log.Warn("Relay credential refresh failed", "err", err)
		return nil
	}
	return v.([]Server)
}

// refresh fetches fresh credentials and installs them in the cache.
func (r *Resolver) refresh(ctx context.Context) ([]Server, error) {
	body, err := json.Marshal(map[string]int{"ttl": requestTTLSeconds})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("credential endpoint returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	servers, ttl, err := parseCredentialResponse(data)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("credential endpoint returned no usable servers")
	}

	cacheFor := r.cacheTTL(ttl)
	now := r.clock.Now()
	r.mu.Lock()
	r.cached = servers
	r.cachedUntil = now.Add(cacheFor)
	r.failed = false
	r.mu.Unlock()

	r.log.Debug("Relay credentials refreshed", "servers", len(servers), "ttl", cacheFor)
	return servers, nil
}

// cacheTTL picks the cache lifetime: the configured override wins, then the
// TTL reported by the endpoint, then the fallback. The result is clamped to
// [5s, 1h].
func (r *Resolver) cacheTTL(reported time.Duration) time.Duration {
	ttl := r.cfg.CacheTTL
	if ttl <= 0 {
		ttl = reported
	}
	if ttl <= 0 {
		ttl = fallbackCacheTTL
	}
	if ttl < minCacheTTL {
		ttl = minCacheTTL
	}
	if ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}
	return ttl
}

// parseCredentialResponse decodes a credential endpoint response. The
// iceServers member may be a single entry or a list; a ttl member, when
// present, reports the credential lifetime in seconds.
func parseCredentialResponse(data []byte) ([]Server, time.Duration, error) {
	var resp struct {
		IceServers json.RawMessage `json:"iceServers"`
		TTL        float64         `json:"ttl"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, 0, fmt.Errorf("invalid credential response: %v", err)
	}
	if len(resp.IceServers) == 0 {
		return nil, 0, fmt.Errorf("credential response has no iceServers")
	}
	var list []Server
	if err := json.Unmarshal(resp.IceServers, &list); err != nil {
		var one Server
		if err2 := json.Unmarshal(resp.IceServers, &one); err2 != nil {
			return nil, 0, fmt.Errorf("invalid iceServers member: %v", err)
		}
		list = []Server{one}
	}
	var ttl time.Duration
	if resp.TTL > 0 {
		ttl = time.Duration(resp.TTL * float64(time.Second))
	}
	return Filter(list), ttl, nil
}
