// Copyright 2025 The earshot Authors
// This file is part of earshot.
//
// earshot is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// earshot is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with earshot. If not, see <http://www.gnu.org/licenses/>.

// earshot-sim drives synthetic players against a running node. Every player
// joins, opens its shard channel, random-walks through the world, feeds the
// proximity arbiter and measures signal round trips through the relay. A
// summary table is printed at the end.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/earshot-project/earshot/arbiter"
	"github.com/earshot-project/earshot/client"
	"github.com/earshot-project/earshot/geo"
	"github.com/earshot-project/earshot/wire"
	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var (
	nodeFlag = &cli.StringFlag{
		Name:    "node",
		Usage:   "Base URL of the node under test",
		Value:   "http://127.0.0.1:8080",
		EnvVars: []string{"EARSHOT_NODE"},
	}
	playersFlag = &cli.IntFlag{
		Name:  "players",
		Usage: "Number of synthetic players",
		Value: 4,
	}
	durationFlag = &cli.DurationFlag{
		Name:  "duration",
		Usage: "How long to run",
		Value: 15 * time.Second,
	}
	areaFlag = &cli.Float64Flag{
		Name:  "area",
		Usage: "Side length of the square players walk in",
		Value: 120,
	}
	speedFlag = &cli.Float64Flag{
		Name:  "speed",
		Usage: "Walk speed in world units per second",
		Value: 8,
	}
	pingIntervalFlag = &cli.DurationFlag{
		Name:  "ping-interval",
		Usage: "Cadence of relay round-trip probes",
		Value: 2 * time.Second,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 2,
	}
)

var app = &cli.App{
	Name:      "earshot-sim",
	Usage:     "synthetic player swarm for earshot nodes",
	Copyright: "Copyright 2025 The earshot Authors",
	Flags: []cli.Flag{
		nodeFlag,
		playersFlag,
		durationFlag,
		areaFlag,
		speedFlag,
		pingIntervalFlag,
		verbosityFlag,
	},
	Before: func(ctx *cli.Context) error {
		setupLogging(ctx)
		return nil
	},
	Action: runSim,
}

func main() {
	// Flag env bindings are resolved at parse time, so .env loads first.
	godotenv.Load()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) {
	level := log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))
	useColor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
	output := io.Writer(os.Stderr)
	if useColor {
		output = colorable.NewColorableStderr()
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(output, level, useColor)))
}

func runSim(ctx *cli.Context) error {
	var (
		base     = ctx.String(nodeFlag.Name)
		count    = ctx.Int(playersFlag.Name)
		duration = ctx.Duration(durationFlag.Name)
		area     = ctx.Float64(areaFlag.Name)
		speed    = ctx.Float64(speedFlag.Name)
		interval = ctx.Duration(pingIntervalFlag.Name)
	)
	log.Info("Starting player swarm", "node", base, "players", count, "duration", duration)

	runCtx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	players := make([]*simPlayer, count)
	for i := range players {
		p := newSimPlayer(fmt.Sprintf("sim-%02d", i), area, speed, int64(i)+1)
		players[i] = p
		g.Go(func() error { return p.run(gctx, base, interval) })
	}
	err := g.Wait()
	printSummary(players)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// simPlayer is one synthetic participant: a random walk, an arbiter and a
// channel session, with counters for the summary.
type simPlayer struct {
	id    string
	log   log.Logger
	area  float64
	speed float64

	mu  sync.Mutex
	rng *rand.Rand
	pos geo.Vec
	vel geo.Vec

	peerFrames  int
	connects    int
	disconnects int
	pingsSent   int
	pongs       int
	rttSum      time.Duration
	relayFails  int
	shardErrs   int
}

type probeMsg struct {
	Kind   string `json:"kind"`
	Nonce  uint64 `json:"nonce"`
	SentAt int64  `json:"sentAt"`
}

func newSimPlayer(id string, area, speed float64, seed int64) *simPlayer {
	p := &simPlayer{
		id:    id,
		log:   log.New("player", id),
		area:  area,
		speed: speed,
		rng:   rand.New(rand.NewSource(seed)),
	}
	p.pos = geo.Vec{X: p.rng.Float64() * area, Y: 0, Z: p.rng.Float64() * area}
	p.retarget()
	return p
}

func (p *simPlayer) run(ctx context.Context, base string, pingInterval time.Duration) error {
	jr, err := client.Join(ctx, nil, base, p.id, p.position(), "")
	if err != nil {
		return fmt.Errorf("%s: %w", p.id, err)
	}
	p.log.Info("Joined cell", "cell", jr.CellID, "transport", jr.TransportMode, "ice", len(jr.ICEServers))

	arb := arbiter.New(arbiter.Config{Logger: p.log})
	defer arb.Close()
	events := make(chan arbiter.Event, 64)
	sub := arb.SubscribeEvents(events)
	defer sub.Unsubscribe()

	c, err := client.Dial(ctx, client.Config{
		URL:          jr.CellWebSocketURL,
		PlayerID:     p.id,
		SessionToken: jr.SessionToken,
		GetPosition:  p.step,
		PeerManager:  arb,
		Logger:       p.log,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", p.id, err)
	}
	defer c.Close()

	peers := make(chan *wire.ServerFrame, 64)
	signals := make(chan client.Signal, 64)
	fails := make(chan string, 64)
	shardErrs := make(chan string, 64)
	c.SubscribePeers(peers)
	c.SubscribeSignals(signals)
	c.SubscribeDeliveryFailures(fails)
	c.SubscribeErrors(shardErrs)

	regCtx, regCancel := context.WithTimeout(ctx, 10*time.Second)
	err = c.WaitRegistered(regCtx)
	regCancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%s: register: %w", p.id, err)
	}

	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			if err := c.Err(); err != nil {
				return fmt.Errorf("%s: channel: %w", p.id, err)
			}
			return nil
		case f := <-peers:
			p.count(func() { p.peerFrames++ })
			arb.ApplyPeerDiff(f)
		case ev := <-events:
			p.onDecision(ev)
		case s := <-signals:
			p.onSignal(c, s)
		case <-fails:
			p.count(func() { p.relayFails++ })
		case msg := <-shardErrs:
			p.log.Warn("Shard error", "msg", msg)
			p.count(func() { p.shardErrs++ })
		case <-pinger.C:
			p.sendPing(c, arb)
		}
	}
}

func (p *simPlayer) onDecision(ev arbiter.Event) {
	p.mu.Lock()
	if ev.Type == arbiter.Connect {
		p.connects++
	} else {
		p.disconnects++
	}
	p.mu.Unlock()
	p.log.Debug("Media link decision", "type", ev.Type, "peer", ev.PeerID, "dist", ev.Distance)
}

// sendPing probes one connected peer through the relay.
func (p *simPlayer) sendPing(c *client.Client, arb *arbiter.Arbiter) {
	connected := arb.Connected()
	if len(connected) == 0 {
		return
	}
	p.mu.Lock()
	target := connected[p.rng.Intn(len(connected))]
	nonce := p.rng.Uint64()
	p.pingsSent++
	p.mu.Unlock()

	payload, _ := json.Marshal(&probeMsg{Kind: "ping", Nonce: nonce, SentAt: time.Now().UnixNano()})
	if err := c.SendSignal(target, payload); err != nil {
		p.log.Warn("Ping send failed", "target", target, "err", err)
	}
}

// onSignal answers pings and folds pong round trips into the stats.
func (p *simPlayer) onSignal(c *client.Client, s client.Signal) {
	var msg probeMsg
	if err := json.Unmarshal(s.Payload, &msg); err != nil {
		return
	}
	switch msg.Kind {
	case "ping":
		msg.Kind = "pong"
		payload, _ := json.Marshal(&msg)
		if err := c.SendSignal(s.From, payload); err != nil {
			p.log.Warn("Pong send failed", "target", s.From, "err", err)
		}
	case "pong":
		rtt := time.Duration(time.Now().UnixNano() - msg.SentAt)
		p.count(func() {
			p.pongs++
			p.rttSum += rtt
		})
	}
}

func (p *simPlayer) count(fn func()) {
	p.mu.Lock()
	fn()
	p.mu.Unlock()
}

func (p *simPlayer) position() geo.Vec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

// step advances the walk by one position cadence tick and returns the new
// position. Called from the client's position loop.
func (p *simPlayer) step() geo.Vec {
	p.mu.Lock()
	defer p.mu.Unlock()
	const dt = 0.15
	p.pos.X = bounce(p.pos.X+p.vel.X*dt, &p.vel.X, p.area)
	p.pos.Z = bounce(p.pos.Z+p.vel.Z*dt, &p.vel.Z, p.area)
	if p.rng.Float64() < 0.05 {
		p.retarget()
	}
	return p.pos
}

// retarget picks a fresh heading. Callers hold p.mu except the constructor.
func (p *simPlayer) retarget() {
	angle := p.rng.Float64() * 2 * math.Pi
	p.vel = geo.Vec{X: math.Cos(angle) * p.speed, Z: math.Sin(angle) * p.speed}
}

func bounce(x float64, v *float64, limit float64) float64 {
	if x < 0 {
		*v = -*v
		return -x
	}
	if x > limit {
		*v = -*v
		return 2*limit - x
	}
	return x
}

func printSummary(players []*simPlayer) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Player", "Peer Frames", "Connects", "Disconnects", "Pings", "Pongs", "Avg RTT", "Relay Fails", "Errors"})
	for _, p := range players {
		p.mu.Lock()
		avg := "-"
		if p.pongs > 0 {
			avg = (p.rttSum / time.Duration(p.pongs)).Round(100 * time.Microsecond).String()
		}
		table.Append([]string{
			p.id,
			fmt.Sprintf("%d", p.peerFrames),
			fmt.Sprintf("%d", p.connects),
			fmt.Sprintf("%d", p.disconnects),
			fmt.Sprintf("%d", p.pingsSent),
			fmt.Sprintf("%d", p.pongs),
			avg,
			fmt.Sprintf("%d", p.relayFails),
			fmt.Sprintf("%d", p.shardErrs),
		})
		p.mu.Unlock()
	}
	table.Render()
}
