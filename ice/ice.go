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

// Package ice resolves the relay-server list handed to clients at admission.
// Sources are tried in order: ephemeral third-party TURN credentials when
// configured, a static JSON list from the environment, and finally a built-in
// STUN default. Resolution never fails; it degrades through the chain.
package ice

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server is one STUN/TURN entry in the form consumed by media stacks.
type Server struct {
	URLs       URLs   `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// valid reports whether the entry carries at least one non-empty URL.
func (s Server) valid() bool {
	if len(s.URLs) == 0 {
		return false
	}
	for _, u := range s.URLs {
		if strings.TrimSpace(u) == "" {
			return false
		}
	}
	return true
}

// URLs holds the urls field of a server entry, which peers may supply either
// as a single string or as an array of strings.
type URLs []string

// UnmarshalJSON accepts both the single-string and the array form.
func (u *URLs) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*u = URLs{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls must be a string or an array of strings")
	}
	*u = URLs(many)
	return nil
}

// MarshalJSON renders a single URL as a bare string and anything else as an
// array, mirroring the common client-side shapes.
func (u URLs) MarshalJSON() ([]byte, error) {
	if len(u) == 1 {
		return json.Marshal(u[0])
	}
	return json.Marshal([]string(u))
}

// Filter drops entries that fail shape validation and returns the rest.
func Filter(list []Server) []Server {
	out := make([]Server, 0, len(list))
	for _, s := range list {
		if s.valid() {
			out = append(out, s)
		}
	}
	return out
}

// DefaultServers is the last-resort relay list: a public STUN server and no
// TURN relay.
func DefaultServers() []Server {
	return []Server{{URLs: URLs{"stun:stun.l.google.com:19302"}}}
}

// ParseStatic decodes a JSON-encoded server list, accepting either an array
// of entries or a single entry, and filters out invalid ones.
func ParseStatic(raw string) ([]Server, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var list []Server
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		var one Server
		if err2 := json.Unmarshal([]byte(raw), &one); err2 != nil {
			return nil, fmt.Errorf("invalid ice server list: %v", err)
		}
		list = []Server{one}
	}
	return Filter(list), nil
}

// Environment variables consumed by ConfigFromEnv.
const (
	EnvStaticServers = "ICE_SERVERS_JSON"
	EnvTurnTokenID   = "TURN_TOKEN_ID"
	EnvTurnAPIToken  = "TURN_API_TOKEN"
	EnvTurnAPIURL    = "TURN_API_URL"
	EnvTurnCacheTTL  = "TURN_CACHE_TTL_SECONDS"
)

// DefaultTurnAPIURL is the credential endpoint used when TURN_API_URL is not
// set; %s is replaced with the token id.
const DefaultTurnAPIURL = "https://rtc.live.cloudflare.com/v1/turn/keys/%s/credentials/generate"

// Config selects the resolver sources. The zero value resolves to the
// built-in default list only.
type Config struct {
	// TokenID and APIToken enable the third-party credential source.
	TokenID  string
	APIToken string
	// APIURL overrides the credential endpoint. A %s placeholder, if
	// present, is replaced with TokenID.
	APIURL string
	// CacheTTL, when non-zero, overrides the TTL reported by the endpoint.
	CacheTTL time.Duration
	// Static is a JSON-encoded server list used when the third-party
	// source is unavailable or empty.
	Static string
	// RequestTimeout bounds a single credential fetch. Defaults to 10s.
	RequestTimeout time.Duration
}

// ConfigFromEnv reads the resolver configuration from the process
// environment.
func ConfigFromEnv() Config {
	cfg := Config{
		TokenID:  os.Getenv(EnvTurnTokenID),
		APIToken: os.Getenv(EnvTurnAPIToken),
		APIURL:   os.Getenv(EnvTurnAPIURL),
		Static:   os.Getenv(EnvStaticServers),
	}
	if v := os.Getenv(EnvTurnCacheTTL); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			cfg.CacheTTL = time.Duration(secs * float64(time.Second))
		}
	}
	return cfg
}

// endpoint returns the fully expanded credential URL.
func (c Config) endpoint() string {
	u := c.APIURL
	if u == "" {
		u = DefaultTurnAPIURL
	}
	if strings.Contains(u, "%s") {
		return fmt.Sprintf(u, c.TokenID)
	}
	return u
}

// turnConfigured reports whether the third-party source is usable.
func (c Config) turnConfigured() bool {
	return c.TokenID != "" && c.APIToken != ""
}
