/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"sync"
	"testing"
)

func TestJoinLobbyPairsOnFirstSlot(t *testing.T) {
	st := NewMemoryStore().Client()
	defer st.Close()
	ctx := testCtx(t)

	lobbyID, err := CreateLobby(ctx, st)
	if err != nil {
		t.Fatalf("create lobby: %v", err)
	}

	a, err := JoinLobby(ctx, st, lobbyID, "alice", 0)
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	defer a.StopHeartbeat()
	b, err := JoinLobby(ctx, st, lobbyID, "bob", 0)
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	defer b.StopHeartbeat()

	if a.Slot != 0 || b.Slot != 0 {
		t.Fatalf("slots = %d, %d, want both 0", a.Slot, b.Slot)
	}
	if a.RoomID != b.RoomID {
		t.Fatalf("pair split across rooms %s and %s", a.RoomID, b.RoomID)
	}

	// A third visitor overflows to the next slot and a fresh room.
	c, err := JoinLobby(ctx, st, lobbyID, "carol", 0)
	if err != nil {
		t.Fatalf("third join: %v", err)
	}
	defer c.StopHeartbeat()
	if c.Slot != 1 {
		t.Fatalf("third slot = %d, want 1", c.Slot)
	}
	if c.RoomID == a.RoomID {
		t.Fatalf("third visitor landed in the full room")
	}
}

func TestJoinLobbyWithoutCreateStillWorks(t *testing.T) {
	st := NewMemoryStore().Client()
	defer st.Close()
	ctx := testCtx(t)

	// A guest can follow an invite link before the host's lobby write lands.
	seat, err := JoinLobby(ctx, st, "earlybird00", "bob", 0)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer seat.StopHeartbeat()

	if _, ok := readTree[Lobby](t, st, lobbyPath("earlybird00")); !ok {
		t.Fatalf("lobby record not materialized")
	}
}

func TestJoinLobbyExhaustedCapacity(t *testing.T) {
	st := NewMemoryStore().Client()
	defer st.Close()
	ctx := testCtx(t)

	lobbyID, err := CreateLobby(ctx, st)
	if err != nil {
		t.Fatalf("create lobby: %v", err)
	}

	const maxSlots = 2
	for i := 0; i < 2*maxSlots; i++ {
		seat, err := JoinLobby(ctx, st, lobbyID, "p", maxSlots)
		if err != nil {
			t.Fatalf("join #%d: %v", i, err)
		}
		defer seat.StopHeartbeat()
		if want := i / 2; seat.Slot != want {
			t.Fatalf("join #%d landed in slot %d, want %d", i, seat.Slot, want)
		}
	}

	if _, err := JoinLobby(ctx, st, lobbyID, "late", maxSlots); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("join past capacity: %v, want ErrNoCapacity", err)
	}
}

func TestJoinLobbyConcurrentPairConverges(t *testing.T) {
	mem := NewMemoryStore()
	admin := mem.Client()
	defer admin.Close()
	lobbyID, err := CreateLobby(testCtx(t), admin)
	if err != nil {
		t.Fatalf("create lobby: %v", err)
	}

	var wg sync.WaitGroup
	seats := make([]*Seat, 2)
	for i := range seats {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := mem.Client()
			t.Cleanup(func() { st.Close() })
			seat, err := JoinLobby(testCtx(t), st, lobbyID, "p", 0)
			if err != nil {
				t.Errorf("join: %v", err)
				return
			}
			seat.StopHeartbeat()
			seats[i] = seat
		}(i)
	}
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	// Racing on the empty slot must converge on one room key, not fork.
	if seats[0].RoomID != seats[1].RoomID {
		t.Fatalf("concurrent pair split: %s vs %s", seats[0].RoomID, seats[1].RoomID)
	}
	room, _ := readTree[Room](t, admin, roomPath(seats[0].RoomID))
	if len(room.Players) != 2 {
		t.Fatalf("room has %d players, want 2", len(room.Players))
	}
	lobby, _ := readTree[Lobby](t, admin, lobbyPath(lobbyID))
	if len(lobby.Slots) != 1 {
		t.Fatalf("lobby bound %d slots, want 1", len(lobby.Slots))
	}
}
