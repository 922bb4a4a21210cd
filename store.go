/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TxnFunc computes the next value at a path from the current one. It may be
// invoked multiple times if concurrent writers conflict, so it must be pure.
// Returning write=false leaves the path untouched.
type TxnFunc func(current any) (next any, write bool)

// Store is the shared reactive store all clients coordinate through. Values
// are JSON trees: map[string]any for objects, float64/string/bool/nil for
// leaves. Paths are slash-separated, e.g. "rooms/abc/players/p1".
//
// Transact is the only serialization primitive; every mutation that two
// clients could race on must go through it. Plain Write/Push are reserved for
// last-write-wins and append-only data.
type Store interface {
	Read(ctx context.Context, path string) (any, error)
	Write(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	Transact(ctx context.Context, path string, fn TxnFunc) (any, error)

	// Subscribe registers fn for the value at path. It fires once with the
	// current value (possibly nil) and again whenever anything at, above, or
	// below the path changes. The returned func cancels the subscription.
	Subscribe(path string, fn func(any)) (func(), error)

	// Push appends value under a generated child key. Keys sort in
	// append order.
	Push(ctx context.Context, path string, value any) (string, error)

	// OnDisconnectRemove schedules removal of path when this client's
	// connection to the store ends, however it ends.
	OnDisconnectRemove(path string) error

	// Now returns the store's clock as unix milliseconds.
	Now() int64

	NewID(n int) string

	// Close releases the client and fires its pending disconnect removals.
	Close() error
}

// storeOpTimeout bounds fire-and-forget store writes issued from callbacks
// and teardown paths.
const storeOpTimeout = 5 * time.Second

const idCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// newID generates a crypto-random charset ID of length n.
func newID(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = idCharset[int(buf[i])%len(idCharset)]
	}
	return string(out)
}

// splitPath validates and splits a slash-separated path.
func splitPath(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, fmt.Errorf("empty path")
	}
	parts := strings.Split(trimmed, "/")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid path %q", path)
		}
	}
	return parts, nil
}

func joinPath(parts ...string) string {
	return strings.Join(parts, "/")
}

// encodeTree converts a Go struct into the store's JSON-tree representation.
func encodeTree(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// decodeTree fills out from a store JSON tree. A nil tree leaves out zeroed.
func decodeTree(tree any, out any) error {
	if tree == nil {
		return nil
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
