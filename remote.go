/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RemoteStore implements Store over a websocket connection to a stackduel
// server's /store/ws endpoint. One goroutine owns reads, a mutex serializes
// writes, and subscription events are fanned out through the same coalescing
// latest-value channels the in-memory store uses, so callbacks can issue
// store operations without deadlocking the read loop.
type RemoteStore struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	nextSub uint64
	pending map[uint64]chan wireFrame
	subs    map[uint64]*remoteSub
	closed  bool

	offset int64 // server clock minus local clock, ms
	done   chan struct{}
}

type remoteSub struct {
	ch   chan any
	done chan struct{}
}

// DialStore connects to a store endpoint, consumes the hello frame to learn
// the server clock offset, and starts the read loop.
func DialStore(ctx context.Context, url string) (*RemoteStore, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial store %s: %w", url, err)
	}

	var hello wireFrame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store handshake: %w", err)
	}
	if hello.Op != "hello" {
		conn.Close()
		return nil, fmt.Errorf("store handshake: unexpected frame %q", hello.Op)
	}

	r := &RemoteStore{
		conn:    conn,
		pending: make(map[uint64]chan wireFrame),
		subs:    make(map[uint64]*remoteSub),
		offset:  hello.Now - time.Now().UnixMilli(),
		done:    make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

func (r *RemoteStore) readLoop() {
	defer r.shutdown()

	for {
		var frame wireFrame
		if err := r.conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Op {
		case "ack":
			r.mu.Lock()
			ch, ok := r.pending[frame.ID]
			delete(r.pending, frame.ID)
			r.mu.Unlock()
			if ok {
				ch <- frame
			}

		case "event":
			var v any
			if len(frame.Value) > 0 {
				if err := json.Unmarshal(frame.Value, &v); err != nil {
					continue
				}
			}
			r.mu.Lock()
			sub, ok := r.subs[frame.Sub]
			r.mu.Unlock()
			if !ok {
				continue
			}
			select {
			case sub.ch <- v:
			default:
				select {
				case <-sub.ch:
				default:
				}
				sub.ch <- v
			}
		}
	}
}

func (r *RemoteStore) shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending := r.pending
	subs := r.subs
	r.pending = nil
	r.subs = nil
	r.mu.Unlock()

	close(r.done)
	for _, ch := range pending {
		close(ch)
	}
	for _, sub := range subs {
		close(sub.done)
	}
	r.conn.Close()
}

// call sends one request and waits for its ack.
func (r *RemoteStore) call(ctx context.Context, req wireRequest) (wireFrame, error) {
	ch := make(chan wireFrame, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return wireFrame{}, ErrStoreClosed
	}
	r.nextID++
	req.ID = r.nextID
	r.pending[req.ID] = ch
	r.mu.Unlock()

	r.writeMu.Lock()
	err := r.conn.WriteJSON(req)
	r.writeMu.Unlock()
	if err != nil {
		r.mu.Lock()
		if r.pending != nil {
			delete(r.pending, req.ID)
		}
		r.mu.Unlock()
		return wireFrame{}, fmt.Errorf("store %s %s: %w", req.Op, req.Path, err)
	}

	select {
	case <-ctx.Done():
		return wireFrame{}, ctx.Err()
	case <-r.done:
		return wireFrame{}, ErrStoreClosed
	case frame, ok := <-ch:
		if !ok {
			return wireFrame{}, ErrStoreClosed
		}
		return frame, nil
	}
}

func (r *RemoteStore) simple(ctx context.Context, req wireRequest) error {
	frame, err := r.call(ctx, req)
	if err != nil {
		return err
	}
	if !frame.Ok {
		return fmt.Errorf("store %s %s: %s", req.Op, req.Path, frame.Error)
	}
	return nil
}

func encodeWireValue(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}

func (r *RemoteStore) Read(ctx context.Context, path string) (any, error) {
	v, _, err := r.readVersioned(ctx, path)
	return v, err
}

func (r *RemoteStore) readVersioned(ctx context.Context, path string) (any, uint64, error) {
	frame, err := r.call(ctx, wireRequest{Op: "get", Path: path})
	if err != nil {
		return nil, 0, err
	}
	if !frame.Ok {
		return nil, 0, fmt.Errorf("store get %s: %s", path, frame.Error)
	}
	v, err := decodeWireValue(frame.Value)
	if err != nil {
		return nil, 0, err
	}
	return v, frame.Version, nil
}

func (r *RemoteStore) Write(ctx context.Context, path string, value any) error {
	raw, err := encodeWireValue(value)
	if err != nil {
		return err
	}
	return r.simple(ctx, wireRequest{Op: "set", Path: path, Value: raw})
}

func (r *RemoteStore) Update(ctx context.Context, path string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return r.simple(ctx, wireRequest{Op: "update", Path: path, Value: raw})
}

func (r *RemoteStore) Remove(ctx context.Context, path string) error {
	return r.simple(ctx, wireRequest{Op: "remove", Path: path})
}

// Transact runs the read-compute-swap loop against the server, retrying on
// conflicting writers with jittered backoff up to maxTxnAttempts.
func (r *RemoteStore) Transact(ctx context.Context, path string, fn TxnFunc) (any, error) {
	cur, version, err := r.readVersioned(ctx, path)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		next, write := fn(cur)
		if !write {
			return cur, nil
		}
		raw, err := encodeWireValue(next)
		if err != nil {
			return nil, err
		}
		frame, err := r.call(ctx, wireRequest{Op: "cas", Path: path, Version: version, Value: raw})
		if err != nil {
			return nil, err
		}
		if frame.Ok {
			return next, nil
		}
		if frame.Error != "conflict" {
			return nil, fmt.Errorf("store cas %s: %s", path, frame.Error)
		}
		if cur, err = decodeWireValue(frame.Value); err != nil {
			return nil, err
		}
		version = frame.Version
		if err := sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("transaction at %s: %w", path, ErrContention)
}

func (r *RemoteStore) Subscribe(path string, fn func(any)) (func(), error) {
	sub := &remoteSub{
		ch:   make(chan any, 1),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrStoreClosed
	}
	r.nextSub++
	subID := r.nextSub
	r.subs[subID] = sub
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case v := <-sub.ch:
				fn(v)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := r.simple(ctx, wireRequest{Op: "subscribe", Path: path, Sub: subID}); err != nil {
		r.dropSub(subID)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.dropSub(subID)
			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			defer cancel()
			_ = r.simple(ctx, wireRequest{Op: "unsubscribe", Sub: subID})
		})
	}, nil
}

func (r *RemoteStore) dropSub(subID uint64) {
	r.mu.Lock()
	sub, ok := r.subs[subID]
	if ok {
		delete(r.subs, subID)
	}
	r.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

func (r *RemoteStore) Push(ctx context.Context, path string, value any) (string, error) {
	raw, err := encodeWireValue(value)
	if err != nil {
		return "", err
	}
	frame, err := r.call(ctx, wireRequest{Op: "push", Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	if !frame.Ok {
		return "", fmt.Errorf("store push %s: %s", path, frame.Error)
	}
	return frame.Key, nil
}

func (r *RemoteStore) OnDisconnectRemove(path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	return r.simple(ctx, wireRequest{Op: "ondisconnect", Path: path})
}

func (r *RemoteStore) Now() int64 {
	return time.Now().UnixMilli() + r.offset
}

func (r *RemoteStore) NewID(n int) string {
	return newID(n)
}

// Close drops the connection; the server then runs this client's disconnect
// removals.
func (r *RemoteStore) Close() error {
	r.writeMu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	r.writeMu.Unlock()
	r.shutdown()
	return nil
}
