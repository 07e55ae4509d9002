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

package wire

import (
	"encoding/json"
	"testing"

	"github.com/earshot-project/earshot/geo"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"register", `{"type":"register","playerId":"alice","sessionToken":"abc"}`, false},
		{"register no player", `{"type":"register","sessionToken":"abc"}`, true},
		{"register no token", `{"type":"register","playerId":"alice"}`, true},
		{"register wrong types", `{"type":"register","playerId":7,"sessionToken":"abc"}`, true},
		{"heartbeat", `{"type":"heartbeat"}`, false},
		{"heartbeat extra fields ok", `{"type":"heartbeat","junk":1}`, false},
		{"position", `{"type":"position","position":{"x":1,"y":2,"z":3}}`, false},
		{"position missing", `{"type":"position"}`, true},
		{"position partial", `{"type":"position","position":{"x":1,"y":2}}`, true},
		{"position non numeric", `{"type":"position","position":{"x":"a","y":2,"z":3}}`, true},
		{"signal", `{"type":"signal","targetId":"bob","payload":{"sdp":"x"}}`, false},
		{"signal no target", `{"type":"signal","payload":{}}`, true},
		{"signal no payload ok", `{"type":"signal","targetId":"bob"}`, false},
		{"no type", `{"playerId":"alice"}`, true},
		{"unknown type", `{"type":"teleport"}`, true},
		{"array", `[1,2,3]`, true},
		{"scalar", `"hello"`, true},
		{"garbage", `{{{`, true},
		{"empty", ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeClientFrame([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, f)
		})
	}
}

// The signal payload must come out of the codec byte for byte as it went in,
// whatever it contains.
func TestSignalPayloadOpaque(t *testing.T) {
	payloads := []string{
		`{"t":"offer","sdp":"v=0 ..."}`,
		`[1,2,{"nested":true}]`,
		`"just a string"`,
		`12345`,
		`{"weird":"  chars 😀"}`,
	}
	for _, p := range payloads {
		raw := `{"type":"signal","targetId":"bob","payload":` + p + `}`
		f, err := DecodeClientFrame([]byte(raw))
		require.NoError(t, err)
		require.JSONEq(t, p, string(f.Payload))

		relay := NewSignalRelay("alice", f.Payload)
		out, err := json.Marshal(relay)
		require.NoError(t, err)

		back, err := DecodeServerFrame(out)
		require.NoError(t, err)
		require.Equal(t, "alice", back.From)
		require.Equal(t, string(f.Payload), string(back.Payload))
	}
}

func TestPeerDiffEncoding(t *testing.T) {
	d := NewPeerDiff()
	d.TotalPlayers = 1
	out, err := json.Marshal(d)
	require.NoError(t, err)
	// An empty peer set is an explicit empty list, never absent.
	require.JSONEq(t, `{"type":"peers","peers":[],"totalPlayers":1}`, string(out))

	d = NewPeerDiff()
	d.Peers = []string{"bob"}
	d.Added = []string{"bob"}
	d.Distances = map[string]float64{"bob": 5}
	d.Positions = map[string]geo.Vec{"bob": {X: 5}}
	d.TotalPlayers = 2
	out, err = json.Marshal(d)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type":"peers","peers":["bob"],"added":["bob"],
		"distances":{"bob":5},"positions":{"bob":{"x":5,"y":0,"z":0}},
		"totalPlayers":2
	}`, string(out))
}

// Absolute-empty peer lists and absent peer lists decode differently: the
// former is a non-nil empty slice, the latter nil.
func TestServerFramePeersAbsence(t *testing.T) {
	f, err := DecodeServerFrame([]byte(`{"type":"peers","peers":[],"totalPlayers":0}`))
	require.NoError(t, err)
	require.NotNil(t, f.Peers)
	require.Len(t, f.Peers, 0)

	f, err = DecodeServerFrame([]byte(`{"type":"peers","added":["x"],"totalPlayers":3}`))
	require.NoError(t, err)
	require.Nil(t, f.Peers)
	require.Equal(t, []string{"x"}, f.Added)
}

func TestDecodeServerFrame(t *testing.T) {
	f, err := DecodeServerFrame([]byte(`{"type":"registered","playerId":"alice"}`))
	require.NoError(t, err)
	require.Equal(t, TypeRegistered, f.Type)
	require.Equal(t, "alice", f.PlayerID)

	_, err = DecodeServerFrame([]byte(`[]`))
	require.ErrorIs(t, err, ErrNotObject)
	_, err = DecodeServerFrame([]byte(`{}`))
	require.ErrorIs(t, err, ErrNoType)
}
