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

// Package geo contains the spatial primitives shared by the shard server and
// the client stack: 3D vectors, Euclidean distance and the mapping of world
// positions onto shard cells.
package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CellSize is the edge length, in world units, of the axis-aligned cube of
// space owned by a single shard.
const CellSize = 64

var (
	errVecNotObject = errors.New("position is not a JSON object")
	errVecNotFinite = errors.New("position component is not a finite number")
)

// Vec is a point in world space. The zero value is the world origin.
type Vec struct {
	X float64
	Y float64
	Z float64
}

// Dist returns the Euclidean distance between v and o.
func (v Vec) Dist(o Vec) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Finite reports whether all components are finite numbers.
func (v Vec) Finite() bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func (v Vec) String() string {
	return fmt.Sprintf("(%g,%g,%g)", v.X, v.Y, v.Z)
}

// MarshalJSON encodes the vector as {"x":..,"y":..,"z":..}.
func (v Vec) MarshalJSON() ([]byte, error) {
	return json.Marshal(vecJSON{X: &v.X, Y: &v.Y, Z: &v.Z})
}

// UnmarshalJSON decodes a {"x","y","z"} object. All three components must be
// present and finite; anything else is rejected.
func (v *Vec) UnmarshalJSON(data []byte) error {
	var raw vecJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errVecNotObject
	}
	if raw.X == nil || raw.Y == nil || raw.Z == nil {
		return errors.New("position must have x, y and z")
	}
	if !finite(*raw.X) || !finite(*raw.Y) || !finite(*raw.Z) {
		return errVecNotFinite
	}
	v.X, v.Y, v.Z = *raw.X, *raw.Y, *raw.Z
	return nil
}

type vecJSON struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// CellID names one shard cell. The textual form is "cell:<ix>:<iy>:<iz>"
// where ix, iy, iz are the floored cell coordinates of any position inside.
type CellID string

// CellOf maps a position to the cell that owns it. Positions on a cell
// boundary belong to the cell on the positive side, matching floor division.
func CellOf(p Vec) CellID {
	ix := int64(math.Floor(p.X / CellSize))
	iy := int64(math.Floor(p.Y / CellSize))
	iz := int64(math.Floor(p.Z / CellSize))
	return CellID(fmt.Sprintf("cell:%d:%d:%d", ix, iy, iz))
}

// ParseCellID checks that s has the canonical cell form and returns it.
func ParseCellID(s string) (CellID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 || parts[0] != "cell" {
		return "", fmt.Errorf("invalid cell id %q", s)
	}
	for _, p := range parts[1:] {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid cell id %q", s)
		}
		// Reject non-canonical renderings like "007" or "-0".
		if strconv.FormatInt(n, 10) != p {
			return "", fmt.Errorf("invalid cell id %q", s)
		}
	}
	return CellID(s), nil
}

func (c CellID) String() string { return string(c) }
