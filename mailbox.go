/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Event is one entry in a room's append-only mailbox. Entries are appended,
// never overwritten, and deleted by their target after processing, so the
// log only ever holds undelivered events.
type Event struct {
	From    string        `json:"from"`
	Kind    string        `json:"kind"`
	Payload AttackPayload `json:"payload"`
	T       int64         `json:"t"`
}

// pushEvent fires and forgets: the sender never waits for acknowledgement.
func pushEvent(ctx context.Context, st Store, roomID string, ev Event) error {
	ev.T = st.Now()
	tree, err := encodeTree(ev)
	if err != nil {
		return err
	}
	if _, err := st.Push(ctx, eventsPath(roomID), tree); err != nil {
		return fmt.Errorf("push event to %s: %w", roomID, err)
	}
	return nil
}

// subscribeEvents streams mailbox entries not authored by selfID. Every store
// notification redelivers the full log, so the receiver dedups by key and
// deletes each entry once handled; processing the same key twice has the
// same effect as once. Delivery follows the store's notification order but
// entries within one batch are handed over in append order.
func subscribeEvents(st Store, roomID, selfID string, onEvent func(key string, ev Event)) (func(), error) {
	var mu sync.Mutex
	seen := make(map[string]bool)

	return st.Subscribe(eventsPath(roomID), func(v any) {
		if v == nil {
			return
		}
		var entries map[string]Event
		if err := decodeTree(v, &entries); err != nil {
			return
		}

		keys := make([]string, 0, len(entries))
		mu.Lock()
		for k, ev := range entries {
			if ev.From == selfID || seen[k] {
				continue
			}
			seen[k] = true
			keys = append(keys, k)
		}
		mu.Unlock()
		sort.Strings(keys)

		for _, k := range keys {
			onEvent(k, entries[k])
			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			_ = st.Remove(ctx, eventEntry(roomID, k))
			cancel()
		}
	})
}
