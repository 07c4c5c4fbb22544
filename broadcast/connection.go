// Copyright (C) 2008-2018 by Nicolas Piganeau and the TS2 TEAM
// (See AUTHORS file)
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program; if not, write to the
// Free Software Foundation, Inc.,
// 59 Temple Place - Suite 330, Boston, MA  02111-1307, USA.

package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ts2/railctl/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Subscription is one connection's interest filter, matching §4.5's
// three forms: {ALL}, {train: T}, {section: S}. A connection may hold a
// train filter and a section filter together, and then matches events
// for either; a subscribe request naming neither means ALL.
type Subscription struct {
	All       bool
	TrainID   *int
	SectionID *int
}

func (s Subscription) matches(e *domain.Event) bool {
	if s.All {
		return true
	}
	if s.TrainID != nil && e.TrainID != nil && *s.TrainID == *e.TrainID {
		return true
	}
	if s.SectionID != nil && e.SectionID != nil && *s.SectionID == *e.SectionID {
		return true
	}
	return false
}

// clientRequest is a client-to-hub control message: subscribe or
// unsubscribe, mirroring the teacher's Request{id, object, action,
// params} shape but flattened to the two operations this hub exposes
// to WebSocket clients.
type clientRequest struct {
	Action    string `json:"action"`
	TrainID   *int   `json:"trainId,omitempty"`
	SectionID *int   `json:"sectionId,omitempty"`
}

// Connection wraps one upgraded WebSocket and its outbound queue. The
// hub never writes to the socket directly; it only ever pushes onto
// send, which writePump drains.
type Connection struct {
	ws     *websocket.Conn
	send   chan []byte
	remote string

	mu  sync.Mutex
	sub Subscription
}

// ServeWS upgrades the request and registers a connection on h,
// blocking until the client disconnects. Callers wire this at a route
// such as /ws.
func ServeWS(h *Hub, w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := &Connection{
		ws: ws,
		// Sized to HardClientBacklog. deliver() starts dropping the
		// oldest message once len(send) reaches MaxClientBacklog, so
		// when HardClientBacklog is the larger of the two the capacity
		// above MaxClientBacklog stays unused and the hard limit is not
		// reached.
		send:   make(chan []byte, h.cfg.HardClientBacklog),
		remote: r.RemoteAddr,
		sub:    Subscription{All: true}, // default: broad visibility until the client narrows it
	}
	h.Register(c)
	logger.Debug("client connected", "remote", c.remote)

	go c.writePump()
	c.readPump(h)
}

func (c *Connection) Close() {
	_ = c.ws.Close()
}

// readPump processes subscribe/unsubscribe control frames from the
// client and re-registers it on the hub when its filter changes.
func (c *Connection) readPump(h *Hub) {
	defer func() {
		h.Unregister(c)
		_ = c.ws.Close()
		close(c.send)
		logger.Debug("client disconnected", "remote", c.remote)
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req clientRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			logger.Debug("unparsable client request", "remote", c.remote, "err", err)
			continue
		}
		switch req.Action {
		case "subscribe":
			h.Unregister(c)
			c.mu.Lock()
			c.sub = Subscription{TrainID: req.TrainID, SectionID: req.SectionID, All: req.TrainID == nil && req.SectionID == nil}
			c.mu.Unlock()
			h.Register(c)
		case "unsubscribe":
			h.Unregister(c)
		default:
			logger.Debug("unknown client action", "remote", c.remote, "action", req.Action)
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ domain.Sink = (*Hub)(nil)
