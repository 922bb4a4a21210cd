/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Wire frames for the store websocket. Clients send wireRequest, the server
// answers with op "ack" carrying the request id, and subscription deliveries
// arrive as unsolicited "event" frames. The first frame on every connection
// is "hello" with the server clock, so clients can track the offset.
type wireRequest struct {
	ID      uint64          `json:"id"`
	Op      string          `json:"op"`
	Path    string          `json:"path,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Version uint64          `json:"version,omitempty"`
	Sub     uint64          `json:"sub,omitempty"`
}

type wireFrame struct {
	Op      string          `json:"op"`
	ID      uint64          `json:"id,omitempty"`
	Ok      bool            `json:"ok,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Version uint64          `json:"version,omitempty"`
	Key     string          `json:"key,omitempty"`
	Sub     uint64          `json:"sub,omitempty"`
	Now     int64           `json:"now,omitempty"`
	Error   string          `json:"error,omitempty"`
}

var storeUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// storeConn is one remote client's session against the shared store. Its
// disconnect removals and subscriptions die with the socket, which is what
// makes an abruptly-closed client's player entry disappear.
type storeConn struct {
	id   string
	st   *MemoryStore
	conn *websocket.Conn
	send chan wireFrame

	mu         sync.Mutex
	subs       map[uint64]func()
	disconnect []string
	closed     bool
}

// serveStoreWS exposes the shared store over a websocket.
func serveStoreWS(cfg *Config, st *MemoryStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := storeUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "STORE: Upgrade error from %s: %v", realIP(r), err)
			return
		}

		c := &storeConn{
			id:   uuid.NewString(),
			st:   st,
			conn: conn,
			send: make(chan wireFrame, 64),
			subs: make(map[uint64]func()),
		}

		logf(cfg, "STORE: Client %s connected from %s", c.id, realIP(r))

		c.send <- wireFrame{Op: "hello", Now: st.nowMs()}

		go c.writePump()
		c.readPump()
		c.teardown()

		logf(cfg, "STORE: Client %s disconnected", c.id)
	}
}

func (c *storeConn) writePump() {
	defer c.conn.Close()

	for frame := range c.send {
		if err := c.conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func (c *storeConn) readPump() {
	defer c.conn.Close()

	for {
		var req wireRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		c.handle(req)
	}
}

// enqueue hands a frame to the writer without ever blocking the store's
// subscription goroutines; a client too slow to drain its channel is cut
// loose.
func (c *storeConn) enqueue(frame wireFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.closed = true
		close(c.send)
	}
}

func (c *storeConn) ack(id uint64, frame wireFrame) {
	frame.Op = "ack"
	frame.ID = id
	c.enqueue(frame)
}

func (c *storeConn) fail(id uint64, msg string) {
	c.ack(id, wireFrame{Error: msg})
}

func (c *storeConn) handle(req wireRequest) {
	var parts []string
	if req.Op != "unsubscribe" {
		var err error
		if parts, err = splitPath(req.Path); err != nil {
			c.fail(req.ID, err.Error())
			return
		}
	}

	switch req.Op {
	case "get":
		v, version := c.st.read(parts)
		raw, err := json.Marshal(v)
		if err != nil {
			c.fail(req.ID, err.Error())
			return
		}
		c.ack(req.ID, wireFrame{Ok: true, Value: raw, Version: version})

	case "set":
		v, err := decodeWireValue(req.Value)
		if err != nil {
			c.fail(req.ID, err.Error())
			return
		}
		c.st.write(parts, v)
		c.ack(req.ID, wireFrame{Ok: true})

	case "update":
		fields, err := decodeWireFields(req.Value)
		if err != nil {
			c.fail(req.ID, err.Error())
			return
		}
		c.st.update(parts, fields)
		c.ack(req.ID, wireFrame{Ok: true})

	case "remove":
		c.st.write(parts, nil)
		c.ack(req.ID, wireFrame{Ok: true})

	case "push":
		v, err := decodeWireValue(req.Value)
		if err != nil {
			c.fail(req.ID, err.Error())
			return
		}
		key := c.st.push(parts, v)
		c.ack(req.ID, wireFrame{Ok: true, Key: key})

	case "cas":
		v, err := decodeWireValue(req.Value)
		if err != nil {
			c.fail(req.ID, err.Error())
			return
		}
		fresh, version, ok := c.st.compareAndSwap(parts, req.Version, v)
		if !ok {
			raw, err := json.Marshal(fresh)
			if err != nil {
				c.fail(req.ID, err.Error())
				return
			}
			c.ack(req.ID, wireFrame{Value: raw, Version: version, Error: "conflict"})
			return
		}
		c.ack(req.ID, wireFrame{Ok: true, Version: version})

	case "subscribe":
		subID := req.Sub
		unsub := c.st.subscribe(parts, func(v any) {
			raw, err := json.Marshal(v)
			if err != nil {
				return
			}
			c.enqueue(wireFrame{Op: "event", Sub: subID, Value: raw})
		})
		c.mu.Lock()
		if prev, ok := c.subs[subID]; ok {
			prev()
		}
		c.subs[subID] = unsub
		c.mu.Unlock()
		c.ack(req.ID, wireFrame{Ok: true})

	case "unsubscribe":
		c.mu.Lock()
		unsub, ok := c.subs[req.Sub]
		delete(c.subs, req.Sub)
		c.mu.Unlock()
		if ok {
			unsub()
		}
		c.ack(req.ID, wireFrame{Ok: true})

	case "ondisconnect":
		c.mu.Lock()
		c.disconnect = append(c.disconnect, req.Path)
		c.mu.Unlock()
		c.ack(req.ID, wireFrame{Ok: true})

	default:
		c.fail(req.ID, "unknown op "+req.Op)
	}
}

// teardown cancels subscriptions and fires pending disconnect removals once
// the socket is gone.
func (c *storeConn) teardown() {
	c.mu.Lock()
	subs := c.subs
	pending := c.disconnect
	c.subs = nil
	c.disconnect = nil
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	for _, path := range pending {
		if parts, err := splitPath(path); err == nil {
			c.st.write(parts, nil)
		}
	}
}

func decodeWireValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeWireFields(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
