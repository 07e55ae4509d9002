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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

func TestURLsJSON(t *testing.T) {
	var s Server
	require.NoError(t, json.Unmarshal([]byte(`{"urls":"stun:a"}`), &s))
	require.Equal(t, URLs{"stun:a"}, s.URLs)

	require.NoError(t, json.Unmarshal([]byte(`{"urls":["turn:a","turns:b"]}`), &s))
	require.Equal(t, URLs{"turn:a", "turns:b"}, s.URLs)

	require.Error(t, json.Unmarshal([]byte(`{"urls":42}`), &s))

	out, err := json.Marshal(Server{URLs: URLs{"stun:a"}})
	require.NoError(t, err)
	require.JSONEq(t, `{"urls":"stun:a"}`, string(out))

	out, err = json.Marshal(Server{URLs: URLs{"turn:a", "turns:b"}, Username: "u", Credential: "c"})
	require.NoError(t, err)
	require.JSONEq(t, `{"urls":["turn:a","turns:b"],"username":"u","credential":"c"}`, string(out))
}

func TestFilter(t *testing.T) {
	in := []Server{
		{URLs: URLs{"stun:a"}},
		{},
		{URLs: URLs{""}},
		{URLs: URLs{"turn:b", "  "}},
		{URLs: URLs{"turn:c"}, Username: "u"},
	}
	out := Filter(in)
	require.Len(t, out, 2)
	require.Equal(t, URLs{"stun:a"}, out[0].URLs)
	require.Equal(t, URLs{"turn:c"}, out[1].URLs)
}

func TestParseStatic(t *testing.T) {
	list, err := ParseStatic(`[{"urls":"stun:a"},{"urls":[]}]`)
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = ParseStatic(`{"urls":["turn:x"],"username":"u","credential":"c"}`)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "u", list[0].Username)

	list, err = ParseStatic("")
	require.NoError(t, err)
	require.Nil(t, list)

	_, err = ParseStatic(`{nope`)
	require.Error(t, err)
}

func TestResolverFallsThroughToDefault(t *testing.T) {
	r := NewResolver(Config{}, &mclock.Simulated{}, log.Root())
	got := r.Servers(context.Background())
	require.Equal(t, DefaultServers(), got)
}

func TestResolverStatic(t *testing.T) {
	r := NewResolver(Config{Static: `[{"urls":"stun:mine"}]`}, &mclock.Simulated{}, log.Root())
	got := r.Servers(context.Background())
	require.Len(t, got, 1)
	require.Equal(t, URLs{"stun:mine"}, got[0].URLs)

	// Unparsable and empty-after-filter static lists fall through.
	r = NewResolver(Config{Static: `{nope`}, &mclock.Simulated{}, log.Root())
	require.Equal(t, DefaultServers(), r.Servers(context.Background()))

	r = NewResolver(Config{Static: `[{"urls":[]}]`}, &mclock.Simulated{}, log.Root())
	require.Equal(t, DefaultServers(), r.Servers(context.Background()))
}

func TestResolverTurnCaching(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, requestTTLSeconds, req["ttl"])
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"iceServers":{"urls":["turn:relay.test:3478"],"username":"u","credential":"c"},"ttl":600}`))
	}))
	defer srv.Close()

	clock := &mclock.Simulated{}
	r := NewResolver(Config{TokenID: "key1", APIToken: "secret", APIURL: srv.URL}, clock, log.Root())

	first := r.Servers(context.Background())
	require.Len(t, first, 1)
	require.Equal(t, "u", first[0].Username)
	require.EqualValues(t, 1, hits.Load())

	// Within the reported TTL the cache answers.
	clock.Run(599 * time.Second)
	require.Equal(t, first, r.Servers(context.Background()))
	require.EqualValues(t, 1, hits.Load())

	// Past it the resolver refreshes.
	clock.Run(2 * time.Second)
	require.Equal(t, first, r.Servers(context.Background()))
	require.EqualValues(t, 2, hits.Load())
}

func TestResolverTurnFailureFallsBack(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	clock := &mclock.Simulated{}
	cfg := Config{
		TokenID:  "key1",
		APIToken: "secret",
		APIURL:   srv.URL,
		Static:   `[{"urls":"stun:backup"}]`,
	}
	r := NewResolver(cfg, clock, log.Root())

	got := r.Servers(context.Background())
	require.Len(t, got, 1)
	require.Equal(t, URLs{"stun:backup"}, got[0].URLs)
	require.EqualValues(t, 1, hits.Load())

	// Inside the failure backoff window the endpoint is left alone.
	clock.Run(time.Second)
	r.Servers(context.Background())
	require.EqualValues(t, 1, hits.Load())

	// After the backoff it is retried.
	clock.Run(10 * time.Second)
	r.Servers(context.Background())
	require.EqualValues(t, 2, hits.Load())
}

func TestCacheTTLClamp(t *testing.T) {
	r := NewResolver(Config{}, &mclock.Simulated{}, log.Root())
	require.Equal(t, minCacheTTL, r.cacheTTL(time.Second))
	require.Equal(t, maxCacheTTL, r.cacheTTL(24*time.Hour))
	require.Equal(t, 10*time.Minute, r.cacheTTL(10*time.Minute))
	require.Equal(t, fallbackCacheTTL, r.cacheTTL(0))

	r = NewResolver(Config{CacheTTL: 2 * time.Minute}, &mclock.Simulated{}, log.Root())
	require.Equal(t, 2*time.Minute, r.cacheTTL(10*time.Minute))
}

func TestParseCredentialResponse(t *testing.T) {
	servers, ttl, err := parseCredentialResponse([]byte(`{"iceServers":[{"urls":"turn:a"},{"urls":[]}],"ttl":30}`))
	require.NoError(t, err)
	require.Len(t, servers, 1)
	require.Equal(t, 30*time.Second, ttl)

	servers, ttl, err = parseCredentialResponse([]byte(`{"iceServers":{"urls":["turn:a"]}}`))
	require.NoError(t, err)
	require.Len(t, servers, 1)
	require.Zero(t, ttl)

	_, _, err = parseCredentialResponse([]byte(`{}`))
	require.Error(t, err)
	_, _, err = parseCredentialResponse([]byte(`not json`))
	require.Error(t, err)
}

func TestConfigEndpoint(t *testing.T) {
	cfg := Config{TokenID: "abc", APIToken: "t"}
	require.Equal(t, "https://rtc.live.cloudflare.com/v1/turn/keys/abc/credentials/generate", cfg.endpoint())

	cfg.APIURL = "https://turn.example/%s/creds"
	require.Equal(t, "https://turn.example/abc/creds", cfg.endpoint())

	cfg.APIURL = "https://turn.example/creds"
	require.Equal(t, "https://turn.example/creds", cfg.endpoint())
}
