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

// Package broadcast implements the Broadcast Hub (C9, §4.5): a
// WebSocket fan-out sharded by train_id/section_id, matching each
// connection's subscription filters and enforcing per-connection
// backlog limits so one slow client never stalls detection or
// ingestion.
package broadcast

import (
	"encoding/json"
	"sync"

	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/ts2/railctl/domain"
	"github.com/ts2/railctl/metrics"
)

var logger log.Logger

func InitializeLogger(parentLogger log.Logger) {
	logger = parentLogger.New("module", "broadcast")
}

const defaultShards = 8

// Config bundles the §6.4 backlog tunables.
type Config struct {
	Shards            int // default 8
	MaxClientBacklog  int // default 256, soft: oldest messages are dropped
	HardClientBacklog int // default 1024, hard: connection is closed (see deliver for when this is reached)
}

func (c Config) withDefaults() Config {
	if c.Shards <= 0 {
		c.Shards = defaultShards
	}
	if c.MaxClientBacklog <= 0 {
		c.MaxClientBacklog = 256
	}
	if c.HardClientBacklog <= 0 {
		c.HardClientBacklog = 1024
	}
	return c
}

// Hub is the Broadcast Hub. It owns no simulation state of its own; it
// only tracks connections and their subscription filters, sharded so
// registration/unregistration of one shard never blocks dispatch on
// another.
type Hub struct {
	cfg    Config
	shards []*shard
}

type shard struct {
	mu    sync.RWMutex
	conns map[*Connection]struct{}
}

func New(cfg Config) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{cfg: cfg, shards: make([]*shard, cfg.Shards)}
	for i := range h.shards {
		h.shards[i] = &shard{conns: make(map[*Connection]struct{})}
	}
	return h
}

// shardsFor picks the shards a connection's routing keys land on: one
// for its TrainID and one for its SectionID, when set. Connections subscribed to {ALL} are registered on every shard so
// they still see everything; this trades memory for a hub that never
// needs a cross-shard broadcast path.
func (h *Hub) shardsFor(sub Subscription) []*shard {
	if sub.All {
		return h.shards
	}
	var out []*shard
	if sub.TrainID != nil {
		out = append(out, h.shards[mod(*sub.TrainID, len(h.shards))])
	}
	if sub.SectionID != nil {
		out = append(out, h.shards[mod(*sub.SectionID, len(h.shards))])
	}
	if len(out) == 0 {
		out = h.shards
	}
	return out
}

func mod(n, m int) int {
	r := n % m
	if r < 0 {
		r += m
	}
	return r
}

// Register adds a connection to every shard its subscription touches.
func (h *Hub) Register(c *Connection) {
	for _, s := range h.shardsFor(c.sub) {
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
	}
}

// Unregister removes a connection from every shard. It does not touch
// the connection's send channel: a connection may re-register under a
// new subscription, and only readPump's final teardown may close send.
func (h *Hub) Unregister(c *Connection) {
	for _, s := range h.shards {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}
}

// Publish implements domain.Sink: it fans e out to every connection
// whose subscription matches, applying the soft/hard backlog policy
// per connection.
func (h *Hub) Publish(e *domain.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		logger.Warn("marshal event failed", "event", e.Name, "err", err)
		return
	}

	seen := make(map[*Connection]struct{})
	for _, s := range h.candidateShards(e) {
		s.mu.RLock()
		for c := range s.conns {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			c.mu.Lock()
			sub := c.sub
			c.mu.Unlock()
			if sub.matches(e) {
				h.deliver(c, payload)
			}
		}
		s.mu.RUnlock()
	}
}

func (h *Hub) candidateShards(e *domain.Event) []*shard {
	var out []*shard
	if e.TrainID != nil {
		out = append(out, h.shards[mod(*e.TrainID, len(h.shards))])
	}
	if e.SectionID != nil {
		out = append(out, h.shards[mod(*e.SectionID, len(h.shards))])
	}
	// ALL-subscribers sit on every shard, so any single shard already
	// reaches them; an event with no routing key must still fan out
	// everywhere since it isn't scoped to a single shard.
	if len(out) == 0 {
		out = h.shards
	}
	return out
}

// deliver enforces §4.5's backlog policy. Below max_client_backlog this
// is a plain non-blocking send; at or above it the oldest buffered
// message is dropped to make room (soft drop), which holds the backlog
// at about max_client_backlog. The connection is torn down only when
// the backlog has reached hard_client_backlog, and the soft drop keeps
// it from getting there unless hard_client_backlog is no larger than
// max_client_backlog; with the defaults (256 and 1024) no connection is
// closed for its backlog.
func (h *Hub) deliver(c *Connection, payload []byte) {
	if len(c.send) < h.cfg.MaxClientBacklog {
		select {
		case c.send <- payload:
			return
		default:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.send) >= h.cfg.HardClientBacklog {
		metrics.BacklogDrop.WithLabelValues("hard_backlog").Inc()
		logger.Warn("client backlog exceeded hard limit, dropping connection", "remote", c.remote)
		go c.Close()
		return
	}
	select {
	case <-c.send:
		metrics.BacklogDrop.WithLabelValues("soft_backlog").Inc()
	default:
	}
	select {
	case c.send <- payload:
	default:
		metrics.BacklogDrop.WithLabelValues("soft_backlog").Inc()
	}
}
