/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"sync"
	"time"
)

var heartbeatInterval = 15 * time.Second

// startHeartbeat refreshes the player's lastSeen on a fixed interval so
// cleanup can tell an abandoned member from a quiet one. Liveness is
// best-effort, not correctness-critical: write failures are swallowed and
// the next tick tries again. The returned cancel func is safe to call any
// number of times.
func startHeartbeat(st Store, roomID, pid string, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = st.Write(ctx, lastSeenPath(roomID, pid), st.Now())
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
	}
}
