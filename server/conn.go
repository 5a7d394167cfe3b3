// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	jobqueue "github.com/d1fmarketing/book-automation-sub010"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// connection is an middleman between the websocket connection and the hub.
type connection struct {
	// The websocket connection.
	ws *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
	srv  *Server
}

// request is a message sent by the peer.
type request struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Queue string `json:"queue,omitempty"`
}

// response answers a request of the peer.
type response struct {
	Type       string               `json:"type"`
	Message    string               `json:"message,omitempty"`
	Job        *jobqueue.Job        `json:"job,omitempty"`
	DeadLetter *jobqueue.DeadLetter `json:"deadLetter,omitempty"`
	State      *State               `json:"state,omitempty"`
}

// readPump pumps messages from the websocket connection to the hub.
func (c *connection) readPump() {
	h := c.srv.hub
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg request
		err := c.ws.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Warn().Err(err).Msg("websocket closed unexpectedly")
			}
			break
		}
		rsp := c.handle(&msg)
		payload, err := json.Marshal(rsp)
		if err != nil {
			c.srv.logger.Error().Err(err).Msg("cannot marshal websocket response")
			continue
		}
		select {
		case h.reply <- reply{c: c, payload: payload}:
		case <-h.done:
			return
		}
	}
}

// handle answers a single request of the peer.
func (c *connection) handle(msg *request) *response {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	rsp := &response{Type: msg.Type}
	switch msg.Type {
	case "JOB_LOOKUP":
		job, err := c.srv.m.Lookup(ctx, msg.ID)
		switch {
		case err == nil:
			rsp.Job = job
		case errors.Is(err, jobqueue.ErrNotFound):
			rsp.Message = "Job already removed"
		default:
			rsp.Message = "Job cannot be found"
		}
	case "DEAD_LETTER_LOOKUP":
		r, err := c.srv.m.DeadLetters().Lookup(ctx, msg.ID)
		switch {
		case err == nil:
			rsp.DeadLetter = r
		case errors.Is(err, jobqueue.ErrNotFound):
			rsp.Message = "Dead letter already removed"
		default:
			rsp.Message = "Dead letter cannot be found"
		}
	case "GET_STATE":
		s, err := c.srv.state(ctx)
		if err != nil {
			rsp.Message = "State is not available"
		} else {
			rsp.State = s
		}
	default:
		rsp.Type = "ERROR"
		rsp.Message = "Unknown message type"
	}
	return rsp
}

// write writes a message with the given message type and payload.
func (c *connection) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

// serveWS handles websocket requests from the peer.
func (srv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &connection{send: make(chan []byte, 256), ws: ws, srv: srv}
	select {
	case srv.hub.register <- c:
	case <-srv.hub.done:
		ws.Close()
		return
	}
	go c.writePump()
	c.readPump()
}
