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

// earshotd is the presence and signaling node for proximity voice. It serves
// the join API, materializes spatial cell shards on demand and relays
// signaling between nearby players.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/earshot-project/earshot/node"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"
)

const version = "0.1.0"

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	httpAddrFlag = &cli.StringFlag{
		Name:  "http.addr",
		Usage: "Listen address for the join API and shard channels",
		Value: node.DefaultHTTPAddr,
	}
	publicURLFlag = &cli.StringFlag{
		Name:  "ws.public-url",
		Usage: "Public base URL advertised for shard channels (scheme and authority)",
	}
	jwtSecretFlag = &cli.StringFlag{
		Name:  "auth.jwt-secret",
		Usage: "HS256 secret validating join auth tokens (overrides AUTH_JWT_SECRET)",
	}
	joinRPSFlag = &cli.Float64Flag{
		Name:  "join.rps",
		Usage: "Per-IP join rate limit in requests per second (0 disables)",
	}
	joinBurstFlag = &cli.IntFlag{
		Name:  "join.burst",
		Usage: "Per-IP join burst allowance",
		Value: 8,
	}
	sfuFlag = &cli.BoolFlag{
		Name:  "sfu",
		Usage: "Advertise the sfu transport mode (overrides FEATURE_SFU_ENABLED)",
	}
	flagsFileFlag = &cli.StringFlag{
		Name:  "flags.file",
		Usage: "JSON feature-flag file, watched and reloaded on change",
	}
	iceServersFlag = &cli.StringFlag{
		Name:  "ice.servers",
		Usage: "Static ICE server list as JSON (overrides ICE_SERVERS_JSON)",
	}
	shardRadiusFlag = &cli.Float64Flag{
		Name:  "shard.radius",
		Usage: "Audibility radius in world units",
	}
	shardDebounceFlag = &cli.DurationFlag{
		Name:  "shard.debounce",
		Usage: "Proximity recomputation debounce window",
	}
	shardHeartbeatFlag = &cli.DurationFlag{
		Name:  "shard.heartbeat-timeout",
		Usage: "Silence threshold before a connection is dropped",
	}
	shardPendingTTLFlag = &cli.DurationFlag{
		Name:  "shard.pending-ttl",
		Usage: "Time allowed between join and register",
	}
	shardQueueFlag = &cli.IntFlag{
		Name:  "shard.queue",
		Usage: "Per-connection outbound queue length",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 3,
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Format logs with JSON",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a rotated file instead of stderr",
	}
)

var nodeFlags = []cli.Flag{
	configFileFlag,
	httpAddrFlag,
	publicURLFlag,
	jwtSecretFlag,
	joinRPSFlag,
	joinBurstFlag,
	sfuFlag,
	flagsFileFlag,
	iceServersFlag,
	shardRadiusFlag,
	shardDebounceFlag,
	shardHeartbeatFlag,
	shardPendingTTLFlag,
	shardQueueFlag,
}

var loggingFlags = []cli.Flag{
	verbosityFlag,
	logJSONFlag,
	logFileFlag,
}

var app = &cli.App{
	Name:      "earshotd",
	Usage:     "presence and signaling node for proximity voice",
	Version:   version,
	Copyright: "Copyright 2025 The earshot Authors",
	Flags:     append(nodeFlags, loggingFlags...),
	Before: func(ctx *cli.Context) error {
		setupLogging(ctx)
		if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...))
		})); err != nil {
			log.Warn("Failed to adjust GOMAXPROCS", "err", err)
		}
		return nil
	},
	Action: runNode,
	Commands: []*cli.Command{
		dumpConfigCommand,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runNode(ctx *cli.Context) error {
	n, closer, err := makeNode(ctx)
	if err != nil {
		return err
	}
	defer closer()

	if err := n.Start(); err != nil {
		return fmt.Errorf("node start: %w", err)
	}
	log.Info("Earshot node started", "addr", n.Addr(), "version", version)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	<-sigc
	log.Info("Got interrupt, shutting down...")
	go func() {
		<-sigc
		log.Warn("Forcing shutdown")
		os.Exit(1)
	}()
	n.Stop()
	log.Info("Earshot node stopped")
	return nil
}
