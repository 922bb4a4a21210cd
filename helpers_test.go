/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, within time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// recvString receives one value with a timeout so tests never hang.
func recvString(t *testing.T, ch <-chan string, within time.Duration) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for string")
		return "" // unreachable
	}
}

func recvBool(t *testing.T, ch <-chan bool, within time.Duration) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for bool")
		return false // unreachable
	}
}

func recvNothing[T any](t *testing.T, ch <-chan T, within time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("expected nothing within %v, but got: %+v", within, v)
	case <-time.After(within):
		// good: nothing arrived
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// readTree reads path and decodes it into a fresh T.
func readTree[T any](t *testing.T, st Store, path string) (T, bool) {
	t.Helper()
	var out T
	raw, err := st.Read(testCtx(t), path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if raw == nil {
		return out, false
	}
	if err := decodeTree(raw, &out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return out, true
}
