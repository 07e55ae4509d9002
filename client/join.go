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

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/earshot-project/earshot/geo"
	"github.com/earshot-project/earshot/ice"
)

const maxJoinResponse = 1 << 20

// JoinRequest is the admission request sent to a node's /join endpoint.
type JoinRequest struct {
	PlayerID  string  `json:"playerId"`
	Position  geo.Vec `json:"position"`
	AuthToken string  `json:"authToken,omitempty"`
}

// JoinResponse carries everything needed to open the shard channel.
type JoinResponse struct {
	CellID           string       `json:"cellId"`
	CellWebSocketURL string       `json:"cellWebSocketUrl"`
	SessionToken     string       `json:"sessionToken"`
	TransportMode    string       `json:"transportMode"`
	ICEServers       []ice.Server `json:"iceServers"`
}

// Join requests admission from the node at baseURL. A nil httpClient uses
// http.DefaultClient. Rejections are returned as errors carrying the node's
// message and HTTP status.
func Join(ctx context.Context, httpClient *http.Client, baseURL, playerID string, pos geo.Vec, authToken string) (*JoinResponse, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	body, err := json.Marshal(&JoinRequest{PlayerID: playerID, Position: pos, AuthToken: authToken})
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(baseURL, "/") + "/join"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, maxJoinResponse))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		var reject struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &reject) == nil && reject.Error != "" {
			return nil, fmt.Errorf("join rejected: %s (HTTP %d)", reject.Error, res.StatusCode)
		}
		return nil, fmt.Errorf("join rejected: HTTP %d", res.StatusCode)
	}
	var jr JoinResponse
	if err := json.Unmarshal(data, &jr); err != nil {
		return nil, fmt.Errorf("invalid join response: %v", err)
	}
	if jr.CellWebSocketURL == "" || jr.SessionToken == "" {
		return nil, errors.New("join response is missing the channel endpoint or session token")
	}
	return &jr, nil
}
