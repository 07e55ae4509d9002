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

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/earshot-project/earshot/flagkv"
	"github.com/earshot-project/earshot/ice"
	"github.com/earshot-project/earshot/node"
	"github.com/earshot-project/earshot/shard"
	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"
)

// fileConfig is the TOML-facing view of the daemon configuration. Secrets
// never appear here: the JWT secret comes from the environment or its flag.
type fileConfig struct {
	HTTPAddr   string
	PublicURL  string
	SFUEnabled bool
	JoinRPS    float64
	JoinBurst  int
	FlagsFile  string
	Shard      shardFileConfig
	ICE        iceFileConfig
}

type shardFileConfig struct {
	ProximityRadius     float64
	ProximityDebounce   time.Duration
	PositionMinInterval time.Duration
	HeartbeatTimeout    time.Duration
	PendingTTL          time.Duration
	SendQueue           int
}

type iceFileConfig struct {
	TokenID        string
	APIToken       string
	APIURL         string
	CacheTTL       time.Duration
	Static         string
	RequestTimeout time.Duration
}

// These settings ensure that TOML keys use the same names as Go struct
// fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

var dumpConfigCommand = &cli.Command{
	Action:      dumpConfig,
	Name:        "dumpconfig",
	Usage:       "Export the effective configuration as TOML",
	Flags:       nodeFlags,
	Description: `Prints the configuration after merging defaults, environment, config file and flags.`,
}

// makeFileConfig merges configuration in ascending precedence: built-in
// defaults, process environment, TOML file, command-line flags.
func makeFileConfig(ctx *cli.Context) (fileConfig, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug("Loaded environment overrides from .env")
	}
	env := node.ConfigFromEnv()
	fc := fileConfig{
		HTTPAddr:   node.DefaultHTTPAddr,
		SFUEnabled: env.SFUEnabled,
		JoinBurst:  joinBurstFlag.Value,
		Shard: shardFileConfig{
			ProximityRadius:     shard.DefaultProximityRadius,
			ProximityDebounce:   shard.DefaultProximityDebounce,
			PositionMinInterval: shard.DefaultPositionMinInterval,
			HeartbeatTimeout:    shard.DefaultHeartbeatTimeout,
			PendingTTL:          shard.DefaultPendingTTL,
			SendQueue:           shard.DefaultSendQueue,
		},
		ICE: iceFileConfig{
			TokenID:  env.ICE.TokenID,
			APIToken: env.ICE.APIToken,
			APIURL:   env.ICE.APIURL,
			CacheTTL: env.ICE.CacheTTL,
			Static:   env.ICE.Static,
		},
	}
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfigFile(file, &fc); err != nil {
			return fc, err
		}
	}
	applyFlags(ctx, &fc)
	return fc, nil
}

func loadConfigFile(file string, cfg *fileConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

func applyFlags(ctx *cli.Context, fc *fileConfig) {
	if ctx.IsSet(httpAddrFlag.Name) {
		fc.HTTPAddr = ctx.String(httpAddrFlag.Name)
	}
	if ctx.IsSet(publicURLFlag.Name) {
		fc.PublicURL = ctx.String(publicURLFlag.Name)
	}
	if ctx.IsSet(sfuFlag.Name) {
		fc.SFUEnabled = ctx.Bool(sfuFlag.Name)
	}
	if ctx.IsSet(joinRPSFlag.Name) {
		fc.JoinRPS = ctx.Float64(joinRPSFlag.Name)
	}
	if ctx.IsSet(joinBurstFlag.Name) {
		fc.JoinBurst = ctx.Int(joinBurstFlag.Name)
	}
	if ctx.IsSet(flagsFileFlag.Name) {
		fc.FlagsFile = ctx.String(flagsFileFlag.Name)
	}
	if ctx.IsSet(iceServersFlag.Name) {
		fc.ICE.Static = ctx.String(iceServersFlag.Name)
	}
	if ctx.IsSet(shardRadiusFlag.Name) {
		fc.Shard.ProximityRadius = ctx.Float64(shardRadiusFlag.Name)
	}
	if ctx.IsSet(shardDebounceFlag.Name) {
		fc.Shard.ProximityDebounce = ctx.Duration(shardDebounceFlag.Name)
	}
	if ctx.IsSet(shardHeartbeatFlag.Name) {
		fc.Shard.HeartbeatTimeout = ctx.Duration(shardHeartbeatFlag.Name)
	}
	if ctx.IsSet(shardPendingTTLFlag.Name) {
		fc.Shard.PendingTTL = ctx.Duration(shardPendingTTLFlag.Name)
	}
	if ctx.IsSet(shardQueueFlag.Name) {
		fc.Shard.SendQueue = ctx.Int(shardQueueFlag.Name)
	}
}

// makeNode realizes the merged configuration into a node, opening the live
// flag file when one is configured. The returned closer releases it.
func makeNode(ctx *cli.Context) (*node.Node, func(), error) {
	fc, err := makeFileConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	secret := os.Getenv(node.EnvJWTSecret)
	if ctx.IsSet(jwtSecretFlag.Name) {
		secret = ctx.String(jwtSecretFlag.Name)
	}
	cfg := node.Config{
		HTTPAddr:   fc.HTTPAddr,
		PublicURL:  fc.PublicURL,
		SFUEnabled: fc.SFUEnabled,
		JWTSecret:  secret,
		JoinRPS:    fc.JoinRPS,
		JoinBurst:  fc.JoinBurst,
		Shard: shard.Config{
			ProximityRadius:     fc.Shard.ProximityRadius,
			ProximityDebounce:   fc.Shard.ProximityDebounce,
			PositionMinInterval: fc.Shard.PositionMinInterval,
			HeartbeatTimeout:    fc.Shard.HeartbeatTimeout,
			PendingTTL:          fc.Shard.PendingTTL,
			SendQueue:           fc.Shard.SendQueue,
		},
		ICE: ice.Config{
			TokenID:        fc.ICE.TokenID,
			APIToken:       fc.ICE.APIToken,
			APIURL:         fc.ICE.APIURL,
			CacheTTL:       fc.ICE.CacheTTL,
			Static:         fc.ICE.Static,
			RequestTimeout: fc.ICE.RequestTimeout,
		},
	}
	closer := func() {}
	if fc.FlagsFile != "" {
		src, err := flagkv.Open(fc.FlagsFile, log.Root())
		if err != nil {
			return nil, nil, fmt.Errorf("flag file: %w", err)
		}
		cfg.Flags = src
		closer = func() { src.Close() }
	}
	return node.New(cfg), closer, nil
}

func dumpConfig(ctx *cli.Context) error {
	fc, err := makeFileConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&fc)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
