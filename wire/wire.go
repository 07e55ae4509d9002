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

// Package wire defines the JSON message set spoken on the shard channel and
// the strict decoding rules applied to it. Signal payloads are opaque: the
// codec carries them as raw bytes and never inspects them.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/earshot-project/earshot/geo"
)

// Frame type tags, client to shard.
const (
	TypeRegister  = "register"
	TypeHeartbeat = "heartbeat"
	TypePosition  = "position"
	TypeSignal    = "signal"
)

// Frame type tags, shard to client.
const (
	TypeRegistered     = "registered"
	TypePeers          = "peers"
	TypeDeliveryFailed = "signal-delivery-failed"
	TypeError          = "error"
)

// CloseInvalidSession is the close code sent when a register carries a
// session token the shard does not recognize. It is the only fatal protocol
// error; everything else is answered with an error frame on an open socket.
const CloseInvalidSession = 4001

var (
	// ErrNotObject is returned for frames that are not JSON objects.
	ErrNotObject = errors.New("frame is not a JSON object")
	// ErrNoType is returned for frames without a type tag.
	ErrNoType = errors.New("frame has no type")
)

// ClientFrame is the single inbound union accepted on the shard channel.
// Use DecodeClientFrame to obtain one; a hand-built value bypasses the
// per-variant validation.
type ClientFrame struct {
	Type         string          `json:"type"`
	PlayerID     string          `json:"playerId,omitempty"`
	SessionToken string          `json:"sessionToken,omitempty"`
	Position     *geo.Vec        `json:"position,omitempty"`
	TargetID     string          `json:"targetId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// DecodeClientFrame parses and validates one inbound frame. Validation is
// per-variant: a frame missing a field its type requires is rejected even
// when it is well-formed JSON. Unknown type tags are rejected.
func DecodeClientFrame(data []byte) (*ClientFrame, error) {
	if !startsWithBrace(data) {
		return nil, ErrNotObject
	}
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, ErrNoType
	}
	switch f.Type {
	case TypeRegister:
		if f.PlayerID == "" {
			return nil, errors.New("register is missing playerId")
		}
		if f.SessionToken == "" {
			return nil, errors.New("register is missing sessionToken")
		}
	case TypeHeartbeat:
		// No fields.
	case TypePosition:
		if f.Position == nil {
			return nil, errors.New("position frame is missing position")
		}
	case TypeSignal:
		if f.TargetID == "" {
			return nil, errors.New("signal is missing targetId")
		}
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return &f, nil
}

// Registered acknowledges a successful register.
type Registered struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
}

// NewRegistered builds a registered frame for the given player.
func NewRegistered(playerID string) *Registered {
	return &Registered{Type: TypeRegistered, PlayerID: playerID}
}

// PeerDiff carries one observer's proximity snapshot plus the delta against
// the previous frame sent to the same observer. Peers is always present, an
// empty set included; Added and Removed appear only when non-empty.
type PeerDiff struct {
	Type         string             `json:"type"`
	Peers        []string           `json:"peers"`
	Added        []string           `json:"added,omitempty"`
	Removed      []string           `json:"removed,omitempty"`
	Distances    map[string]float64 `json:"distances,omitempty"`
	Positions    map[string]geo.Vec `json:"positions,omitempty"`
	TotalPlayers int                `json:"totalPlayers"`
}

// NewPeerDiff builds an empty peers frame shell with the type tag set.
func NewPeerDiff() *PeerDiff {
	return &PeerDiff{Type: TypePeers, Peers: []string{}}
}

// SignalRelay is a signal forwarded to its target, stamped with the sender.
type SignalRelay struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewSignalRelay builds the relayed form of a signal frame. The payload is
// forwarded byte for byte.
func NewSignalRelay(from string, payload json.RawMessage) *SignalRelay {
	return &SignalRelay{Type: TypeSignal, From: from, Payload: payload}
}

// DeliveryFailed tells a sender that its signal target was not reachable.
type DeliveryFailed struct {
	Type     string `json:"type"`
	TargetID string `json:"targetId"`
}

// NewDeliveryFailed builds a signal-delivery-failed frame.
func NewDeliveryFailed(targetID string) *DeliveryFailed {
	return &DeliveryFailed{Type: TypeDeliveryFailed, TargetID: targetID}
}

// ErrorFrame reports a non-fatal protocol error to the sender.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError builds an error frame.
func NewError(message string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Message: message}
}

// ServerFrame is the inbound union on the client side: every frame a shard
// can send, decoded into one structure. For peers frames, a nil Peers slice
// means the field was absent while an empty non-nil slice is an explicit
// empty set; consumers that apply diffs rely on the distinction.
type ServerFrame struct {
	Type         string             `json:"type"`
	PlayerID     string             `json:"playerId,omitempty"`
	From         string             `json:"from,omitempty"`
	TargetID     string             `json:"targetId,omitempty"`
	Message      string             `json:"message,omitempty"`
	Payload      json.RawMessage    `json:"payload,omitempty"`
	Peers        []string           `json:"peers,omitempty"`
	Added        []string           `json:"added,omitempty"`
	Removed      []string           `json:"removed,omitempty"`
	Distances    map[string]float64 `json:"distances,omitempty"`
	Positions    map[string]geo.Vec `json:"positions,omitempty"`
	TotalPlayers int                `json:"totalPlayers,omitempty"`
}

// DecodeServerFrame parses one shard-to-client frame.
func DecodeServerFrame(data []byte) (*ServerFrame, error) {
	if !startsWithBrace(data) {
		return nil, ErrNotObject
	}
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, ErrNoType
	}
	return &f, nil
}

// startsWithBrace reports whether the first non-whitespace byte opens a JSON
// object.
func startsWithBrace(data []byte) bool {
	for _, c := range data {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
