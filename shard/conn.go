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

package shard

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/earshot-project/earshot/geo"
	"github.com/earshot-project/earshot/wire"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// maxFrameSize bounds inbound frames; signaling payloads are small.
	maxFrameSize = 64 * 1024

	// writeTimeout bounds a single frame write to a client socket.
	writeTimeout = 10 * time.Second

	// closeGrace bounds the delivery of the final close frame.
	closeGrace = time.Second
)

// Socket is the transport a connection runs on. *websocket.Conn satisfies
// it; tests substitute in-memory implementations.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// conn is one socket attached to a shard. It starts out anonymous and is
// promoted to a player connection by a successful register. All fields below
// the writer section are owned by the shard loop.
type conn struct {
	id     string
	sock   Socket
	remote string
	log    log.Logger

	sendCh    chan []byte
	stopCh    chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string

	// Shard-loop state.
	playerID       string
	sessionToken   string
	lastSeen       mclock.AbsTime
	lastPositionAt mclock.AbsTime
	position       *geo.Vec
}

func newConn(sock Socket, queue int, logger log.Logger) *conn {
	id := uuid.NewString()
	remote := ""
	if addr := sock.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &conn{
		id:     id,
		sock:   sock,
		remote: remote,
		log:    logger.New("conn", id),
		sendCh: make(chan []byte, queue),
		stopCh: make(chan struct{}),
	}
}

// start launches the read and write pumps. Called from the shard loop when
// the connection is installed.
func (c *conn) start(s *Shard) {
	go c.readLoop(s)
	go c.writeLoop()
}

// send queues an outbound frame. It reports false when the queue is full,
// which the shard treats as a dead connection. Safe to call only from the
// shard loop.
func (c *conn) send(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("Failed to encode outbound frame", "err", err)
		return true
	}
	select {
	case c.sendCh <- data:
		return true
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// shutdown closes the connection with the given close code. Idempotent; the
// first caller decides the code. Frames queued before shutdown are flushed
// ahead of the close frame.
func (c *conn) shutdown(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeText = code, text
		close(c.stopCh)
	})
}

// readLoop decodes inbound frames and hands them to the shard. Socket death
// of any kind funnels through the shard's gone channel exactly once.
func (c *conn) readLoop(s *Shard) {
	defer s.connGone(c)
	c.sock.SetReadLimit(maxFrameSize)
	for {
		mt, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		in := inbound{c: c}
		if mt == websocket.BinaryMessage {
			in.binary = true
		} else {
			in.frame, in.err = wire.DecodeClientFrame(data)
		}
		if !s.dispatch(in) {
			return
		}
	}
}

// writeLoop is the sole writer on the socket. On shutdown it drains queued
// frames, delivers the close frame and closes the socket, which in turn
// unblocks the read loop.
func (c *conn) writeLoop() {
	defer c.sock.Close()
	for {
		select {
		case data := <-c.sendCh:
			if !c.writeFrame(data) {
				return
			}
		case <-c.stopCh:
			for drained := false; !drained; {
				select {
				case data := <-c.sendCh:
					if !c.writeFrame(data) {
						return
					}
				default:
					drained = true
				}
			}
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
			return
		}
	}
}

func (c *conn) writeFrame(data []byte) bool {
	c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Trace("Frame write failed", "err", err)
		return false
	}
	return true
}
