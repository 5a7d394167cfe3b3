// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// hub maintains the set of active connections and broadcasts messages
// to them.
type hub struct {
	logger zerolog.Logger

	// Registered connections. Only accessed by run.
	connections map[*connection]struct{}
	clients     int64 // number of registered connections

	broadcast  chan []byte
	reply      chan reply
	register   chan *connection
	unregister chan *connection
	done       chan struct{} // closed when run returns
}

// reply is a message for a single connection.
type reply struct {
	c       *connection
	payload []byte
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{
		logger:      logger,
		connections: make(map[*connection]struct{}),
		broadcast:   make(chan []byte, 256),
		reply:       make(chan reply),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		done:        make(chan struct{}),
	}
}

// hasClients returns true if at least one connection is registered.
func (h *hub) hasClients() bool {
	return atomic.LoadInt64(&h.clients) > 0
}

// publish sends v as JSON to all connections. Messages are dropped while
// the broadcast buffer is full.
func (h *hub) publish(v interface{}) {
	if !h.hasClients() {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("cannot marshal websocket message")
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn().Msg("websocket broadcast buffer full, message dropped")
	}
}

// run dispatches messages until ctx is canceled. It then closes all
// connections.
func (h *hub) run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.connections {
			delete(h.connections, c)
			close(c.send)
		}
		atomic.StoreInt64(&h.clients, 0)
	}()
	for {
		select {
		case c := <-h.register:
			h.connections[c] = struct{}{}
			atomic.StoreInt64(&h.clients, int64(len(h.connections)))
		case c := <-h.unregister:
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
				atomic.StoreInt64(&h.clients, int64(len(h.connections)))
			}
		case r := <-h.reply:
			if _, ok := h.connections[r.c]; ok {
				select {
				case r.c.send <- r.payload:
				default:
				}
			}
		case m := <-h.broadcast:
			for c := range h.connections {
				select {
				case c.send <- m:
				default:
					// Slow client
					delete(h.connections, c)
					close(c.send)
				}
			}
			atomic.StoreInt64(&h.clients, int64(len(h.connections)))
		case <-ctx.Done():
			return
		}
	}
}
