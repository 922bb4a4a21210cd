/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestJoinRoomMaterializesAbsentRoom(t *testing.T) {
	st := NewMemoryStore().Client()
	defer st.Close()
	ctx := testCtx(t)

	seed := uint32(12345)
	j, err := joinRoom(ctx, st, "r1", "alice", &seed)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer j.StopHeartbeat()

	if j.Seed != seed {
		t.Fatalf("seed = %d, want %d", j.Seed, seed)
	}
	room, ok := readTree[Room](t, st, roomPath("r1"))
	if !ok {
		t.Fatalf("room not materialized")
	}
	if room.State != roomOpen {
		t.Fatalf("state = %s, want open", room.State)
	}
	p, in := room.Players[j.PlayerID]
	if !in {
		t.Fatalf("player %s missing from room", j.PlayerID)
	}
	if p.Name != "alice" || !p.Alive {
		t.Fatalf("player entry = %+v", p)
	}
}

func TestJoinRoomRejectsThirdPlayer(t *testing.T) {
	st := NewMemoryStore().Client()
	defer st.Close()
	ctx := testCtx(t)

	a, err := joinRoom(ctx, st, "r1", "alice", nil)
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	defer a.StopHeartbeat()
	b, err := joinRoom(ctx, st, "r1", "bob", nil)
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	defer b.StopHeartbeat()
	if b.Seed != a.Seed {
		t.Fatalf("members see different seeds: %d vs %d", a.Seed, b.Seed)
	}

	if _, err := joinRoom(ctx, st, "r1", "carol", nil); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("third join: %v, want ErrRoomFull", err)
	}

	room, _ := readTree[Room](t, st, roomPath("r1"))
	if len(room.Players) != 2 {
		t.Fatalf("room has %d players, want 2", len(room.Players))
	}
}

func TestJoinRoomNeverResurrectsEndedRoom(t *testing.T) {
	st := NewMemoryStore().Client()
	defer st.Close()
	ctx := testCtx(t)

	a, err := joinRoom(ctx, st, "r1", "alice", nil)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer a.StopHeartbeat()
	if err := writeResult(ctx, st, "r1", a.PlayerID); err != nil {
		t.Fatalf("result: %v", err)
	}

	if _, err := joinRoom(ctx, st, "r1", "bob", nil); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("join ended room: %v, want ErrRoomFull", err)
	}
}

func TestJoinRoomConcurrentAdmitsExactlyTwo(t *testing.T) {
	mem := NewMemoryStore()
	const contenders = 8

	var wg sync.WaitGroup
	var mu sync.Mutex
	joined, full := 0, 0
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := mem.Client()
			defer st.Close()
			j, err := joinRoom(testCtx(t), st, "r1", "p", nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				j.StopHeartbeat()
				joined++
			case errors.Is(err, ErrRoomFull):
				full++
			default:
				t.Errorf("join: %v", err)
			}
		}()
	}
	wg.Wait()

	if joined != 2 || full != contenders-2 {
		t.Fatalf("joined=%d full=%d, want 2 and %d", joined, full, contenders-2)
	}
}

func TestMarkPlayingRequiresTwoAndIsIdempotent(t *testing.T) {
	st := NewMemoryStore().Client()
	defer st.Close()
	ctx := testCtx(t)

	a, err := joinRoom(ctx, st, "r1", "alice", nil)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer a.StopHeartbeat()

	// A lone member cannot start the match.
	if err := markPlaying(ctx, st, "r1"); err != nil {
		t.Fatalf("markPlaying: %v", err)
	}
	room, _ := readTree[Room](t, st, roomPath("r1"))
	if room.State != roomOpen {
		t.Fatalf("state = %s, want open with one member", room.State)
	}

	b, err := joinRoom(ctx, st, "r1", "bob", nil)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer b.StopHeartbeat()

	for i := 0; i < 3; i++ {
		if err := markPlaying(ctx, st, "r1"); err != nil {
			t.Fatalf("markPlaying #%d: %v", i, err)
		}
	}
	room, _ = readTree[Room](t, st, roomPath("r1"))
	if room.State != roomPlaying {
		t.Fatalf("state = %s, want playing", room.State)
	}
}

func TestWriteResultFirstWriterWins(t *testing.T) {
	st := NewMemoryStore().Client()
	defer st.Close()
	ctx := testCtx(t)

	a, _ := joinRoom(ctx, st, "r1", "alice", nil)
	defer a.StopHeartbeat()
	b, _ := joinRoom(ctx, st, "r1", "bob", nil)
	defer b.StopHeartbeat()

	if err := writeResult(ctx, st, "r1", a.PlayerID); err != nil {
		t.Fatalf("first result: %v", err)
	}
	if err := writeResult(ctx, st, "r1", b.PlayerID); err != nil {
		t.Fatalf("second result: %v", err)
	}

	room, _ := readTree[Room](t, st, roomPath("r1"))
	if room.State != roomEnded {
		t.Fatalf("state = %s, want ended", room.State)
	}
	if room.Result == nil || room.Result.Winner != a.PlayerID {
		t.Fatalf("result = %+v, want winner %s", room.Result, a.PlayerID)
	}
}

func TestTryCleanupDeletesEmptyRoom(t *testing.T) {
	st := NewMemoryStore().Client()
	defer st.Close()
	ctx := testCtx(t)

	if err := st.Write(ctx, roomPath("r1"), map[string]any{"state": roomOpen, "createdAt": float64(1)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reclaimed, err := TryCleanup(ctx, st, "r1", time.Minute)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if !reclaimed {
		t.Fatalf("empty room not reclaimed")
	}
	if _, ok := readTree[Room](t, st, roomPath("r1")); ok {
		t.Fatalf("room record survived cleanup")
	}
}

func TestTryCleanupEvictsStaleKeepsFresh(t *testing.T) {
	st := NewMemoryStore().Client()
	defer st.Close()
	ctx := testCtx(t)

	a, _ := joinRoom(ctx, st, "r1", "alice", nil)
	defer a.StopHeartbeat()
	b, _ := joinRoom(ctx, st, "r1", "bob", nil)
	defer b.StopHeartbeat()

	// Age bob's heartbeat past the window; alice stays fresh.
	stale := st.Now() - (2 * time.Minute).Milliseconds()
	if err := st.Write(ctx, lastSeenPath("r1", b.PlayerID), stale); err != nil {
		t.Fatalf("write: %v", err)
	}

	reclaimed, err := TryCleanup(ctx, st, "r1", time.Minute)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if reclaimed {
		t.Fatalf("room with a live member was reclaimed")
	}
	room, _ := readTree[Room](t, st, roomPath("r1"))
	if _, in := room.Players[b.PlayerID]; in {
		t.Fatalf("stale member not evicted")
	}
	if _, in := room.Players[a.PlayerID]; !in {
		t.Fatalf("fresh member evicted")
	}

	// Aging the survivor too reclaims the whole room.
	if err := st.Write(ctx, lastSeenPath("r1", a.PlayerID), stale); err != nil {
		t.Fatalf("write: %v", err)
	}
	reclaimed, err = TryCleanup(ctx, st, "r1", time.Minute)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if !reclaimed {
		t.Fatalf("fully stale room not reclaimed")
	}
}

func TestDeleteRoomAfterGrace(t *testing.T) {
	st := NewMemoryStore().Client()
	defer st.Close()
	ctx := testCtx(t)

	a, _ := joinRoom(ctx, st, "r1", "alice", nil)
	a.StopHeartbeat()

	deleteRoomAfter(st, "r1", 20*time.Millisecond)
	waitFor(t, time.Second, func() bool {
		_, ok := readTree[Room](t, st, roomPath("r1"))
		return !ok
	}, "grace-delayed room delete")
}
