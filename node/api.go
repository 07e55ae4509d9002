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
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/earshot-project/earshot/geo"
	"github.com/earshot-project/earshot/ice"
	"github.com/earshot-project/earshot/shard"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

// maxJoinBody bounds the admission request body.
const maxJoinBody = 1 << 20

// limiterCacheSize bounds the per-IP limiter cache.
const limiterCacheSize = 4096

type joinRequest struct {
	PlayerID  string   `json:"playerId"`
	Position  *geo.Vec `json:"position"`
	AuthToken string   `json:"authToken"`
}

type joinResponse struct {
	CellID           string       `json:"cellId"`
	CellWebSocketURL string       `json:"cellWebSocketUrl"`
	SessionToken     string       `json:"sessionToken"`
	TransportMode    string       `json:"transportMode"`
	ICEServers       []ice.Server `json:"iceServers"`
}

type statusResponse struct {
	Cells   int    `json:"cells"`
	Players int    `json:"players"`
	Uptime  string `json:"uptime"`
}

// handler assembles the route table and the CORS layers.
func (n *Node) handler() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodPost, "/join", n.handleJoin)
	router.GET("/cell/:cellId", n.handleCell)
	router.HandlerFunc(http.MethodGet, "/status", n.handleStatus)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"content-type"},
		MaxAge:         600,
	})
	return forceCORS(c.Handler(router))
}

// forceCORS pins the permissive headers on every response, not only on
// requests that carry an Origin header.
func forceCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET,HEAD,POST,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "content-type")
		next.ServeHTTP(w, r)
	})
}

// handleJoin admits a player: validate, mint a session token, pre-register it
// on the target shard and hand back the shard endpoint with relay servers.
func (n *Node) handleJoin(w http.ResponseWriter, r *http.Request) {
	if n.limiter != nil && !n.limiter.allow(clientIP(r)) {
		joinsRateLimited.Inc()
		jsonError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJoinBody)
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		joinRejects.Inc()
		jsonError(w, http.StatusBadRequest, "malformed join request: "+err.Error())
		return
	}
	if req.PlayerID == "" {
		joinRejects.Inc()
		jsonError(w, http.StatusBadRequest, "playerId is required")
		return
	}
	if req.Position == nil {
		joinRejects.Inc()
		jsonError(w, http.StatusBadRequest, "position is required")
		return
	}
	if n.cfg.JWTSecret != "" {
		if err := n.checkAuth(req.AuthToken, req.PlayerID); err != nil {
			joinRejects.Inc()
			n.log.Debug("Join auth rejected", "player", req.PlayerID, "err", err)
			jsonError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	token, err := newSessionToken()
	if err != nil {
		joinRejects.Inc()
		jsonError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	cell := geo.CellOf(*req.Position)
	if err := n.prepare(cell, req.PlayerID, token); err != nil {
		joinRejects.Inc()
		n.log.Warn("Shard prepare failed", "cell", cell, "player", req.PlayerID, "err", err)
		jsonError(w, http.StatusInternalServerError, "shard unavailable: "+err.Error())
		return
	}

	joinsTotal.Inc()
	n.log.Debug("Player admitted", "player", req.PlayerID, "cell", cell)
	respondJSON(w, http.StatusOK, joinResponse{
		CellID:           string(cell),
		CellWebSocketURL: n.wsURL(r, cell),
		SessionToken:     token,
		TransportMode:    n.transportMode(),
		ICEServers:       n.resolver.Servers(r.Context()),
	})
}

// prepare stores the pending session on the cell's shard. The registry
// janitor may collect a shard between lookup and call, so one retry against a
// freshly materialized shard is enough.
func (n *Node) prepare(cell geo.CellID, playerID, token string) error {
	sh, err := n.registry.Shard(cell)
	if err != nil {
		return err
	}
	if err = sh.Prepare(playerID, token); !errors.Is(err, shard.ErrShardStopped) {
		return err
	}
	if sh, err = n.registry.Shard(cell); err != nil {
		return err
	}
	return sh.Prepare(playerID, token)
}

// handleCell upgrades the request and hands the socket to the cell's shard.
func (n *Node) handleCell(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	cell, err := geo.ParseCellID(ps.ByName("cellId"))
	if err != nil {
		jsonError(w, http.StatusNotFound, "unknown cell")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		jsonError(w, http.StatusUpgradeRequired, "websocket upgrade required")
		return
	}
	sh, err := n.registry.Shard(cell)
	if err != nil {
		jsonError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	sock, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		n.log.Debug("Websocket upgrade failed", "addr", r.RemoteAddr, "err", err)
		return
	}
	upgradesTotal.Inc()
	sh.Accept(sock)
}

func (n *Node) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cells, _, players := n.registry.Stats()
	respondJSON(w, http.StatusOK, statusResponse{
		Cells:   cells,
		Players: players,
		Uptime:  n.clock.Now().Sub(n.startedAt).Round(time.Second).String(),
	})
}

// checkAuth verifies an HS256 token whose subject must match the joining
// player.
func (n *Node) checkAuth(authToken, playerID string) error {
	if authToken == "" {
		return errors.New("missing authToken")
	}
	claims := new(jwt.RegisteredClaims)
	token, err := jwt.ParseWithClaims(authToken, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(n.cfg.JWTSecret), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	if claims.Subject != playerID {
		return errors.New("subject mismatch")
	}
	return nil
}

// transportMode resolves the advertised media transport: live flag first,
// then static configuration, then the p2p default.
func (n *Node) transportMode() string {
	if n.cfg.Flags != nil {
		if v, ok := n.cfg.Flags.Lookup(FlagTransportSFU); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				if b {
					return "sfu"
				}
				return "p2p"
			}
		}
	}
	if n.cfg.SFUEnabled {
		return "sfu"
	}
	return "p2p"
}

// wsURL derives the shard-channel URL a client should dial, honoring
// forwarded headers from a TLS-terminating proxy.
func (n *Node) wsURL(r *http.Request, cell geo.CellID) string {
	if base := n.cfg.PublicURL; base != "" {
		return strings.TrimRight(base, "/") + "/cell/" + string(cell)
	}
	scheme := "ws"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" || proto == "wss" {
		scheme = "wss"
	} else if r.TLS != nil {
		scheme = "wss"
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return scheme + "://" + host + "/cell/" + string(cell)
}

// newSessionToken mints the one-time register capability: 128 bits from the
// system CSPRNG, hex encoded.
func newSessionToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// clientIP is the rate-limit key: the first forwarded hop when present, the
// socket peer otherwise.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipLimiter keeps a bounded cache of per-IP token buckets for /join.
type ipLimiter struct {
	mu    sync.Mutex
	cache *lru.Cache
	rps   rate.Limit
	burst int
}

// newIPLimiter returns nil when rps is zero or negative, which disables
// admission rate limiting entirely.
func newIPLimiter(rps float64, burst int) *ipLimiter {
	if rps <= 0 {
		return nil
	}
	cache, _ := lru.New(limiterCacheSize)
	return &ipLimiter{cache: cache, rps: rate.Limit(rps), burst: burst}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.cache.Get(ip); ok {
		return v.(*rate.Limiter).Allow()
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	l.cache.Add(ip, lim)
	return lim.Allow()
}
