/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Room lifecycle states. State only ever moves forward.
const (
	roomOpen    = "open"
	roomPlaying = "playing"
	roomEnded   = "ended"
)

// RoomPlayer is one joined client's entry under rooms/{id}/players.
type RoomPlayer struct {
	Name     string `json:"name"`
	JoinedAt int64  `json:"joinedAt"`
	LastSeen int64  `json:"lastSeen"`
	Alive    bool   `json:"alive"`
}

// RoomResult is written once, by whichever side detects the terminal
// condition first.
type RoomResult struct {
	Winner string `json:"winner"`
	At     int64  `json:"at"`
}

// Room is the two-player session record at rooms/{id}. No single client owns
// it; every mutation that two members could race on goes through a
// transaction over the whole record.
type Room struct {
	CreatedAt int64                 `json:"createdAt"`
	UpdatedAt int64                 `json:"updatedAt"`
	Seed      uint32                `json:"seed"`
	State     string                `json:"state"`
	Players   map[string]RoomPlayer `json:"players,omitempty"`
	Result    *RoomResult           `json:"result,omitempty"`
}

func roomPath(roomID string) string          { return "rooms/" + roomID }
func playersPath(roomID string) string       { return "rooms/" + roomID + "/players" }
func playerPath(roomID, pid string) string   { return "rooms/" + roomID + "/players/" + pid }
func statesPath(roomID string) string        { return "rooms/" + roomID + "/states" }
func stateEntry(roomID, pid string) string   { return "rooms/" + roomID + "/states/" + pid }
func eventsPath(roomID string) string        { return "rooms/" + roomID + "/events" }
func eventEntry(roomID, key string) string   { return "rooms/" + roomID + "/events/" + key }
func lastSeenPath(roomID, pid string) string { return playerPath(roomID, pid) + "/lastSeen" }

// JoinedRoom is the result of a successful join: the ephemeral player
// identity, the shared seed, and the heartbeat cancel func.
type JoinedRoom struct {
	RoomID        string
	PlayerID      string
	Seed          uint32
	stopHeartbeat func()
}

// StopHeartbeat cancels the presence heartbeat. Safe to call repeatedly.
func (j *JoinedRoom) StopHeartbeat() {
	if j.stopHeartbeat != nil {
		j.stopHeartbeat()
	}
}

// joinRoom joins roomID, materializing the room if absent. The whole join is
// one transaction over the room record; afterwards the room is re-read to
// verify our entry actually landed, since the transaction leaves a full or
// terminal room untouched rather than failing.
func joinRoom(ctx context.Context, st Store, roomID, name string, seed *uint32) (*JoinedRoom, error) {
	pid := st.NewID(8)
	if name == "" {
		name = "Player"
	}

	_, err := st.Transact(ctx, roomPath(roomID), func(current any) (any, bool) {
		var room Room
		if current == nil {
			room = Room{
				CreatedAt: st.Now(),
				Seed:      freshSeed(seed),
				State:     roomOpen,
			}
		} else if err := decodeTree(current, &room); err != nil {
			return nil, false
		}

		// Terminal rooms are never resurrected.
		if room.State != roomOpen && room.State != roomPlaying {
			return nil, false
		}
		if len(room.Players) >= 2 {
			return nil, false
		}

		if room.Players == nil {
			room.Players = make(map[string]RoomPlayer, 2)
		}
		now := st.Now()
		room.Players[pid] = RoomPlayer{
			Name:     name,
			JoinedAt: now,
			LastSeen: now,
			Alive:    true,
		}
		room.UpdatedAt = now

		next, err := encodeTree(room)
		if err != nil {
			return nil, false
		}
		return next, true
	})
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", roomID, err)
	}

	// The transaction's return value can be stale after retries, so trust
	// only a fresh read.
	raw, err := st.Read(ctx, roomPath(roomID))
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", roomID, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	var room Room
	if err := decodeTree(raw, &room); err != nil {
		return nil, fmt.Errorf("room %s: %w", roomID, err)
	}
	if _, in := room.Players[pid]; !in {
		return nil, fmt.Errorf("room %s: %w", roomID, ErrRoomFull)
	}

	// An abrupt exit must not leave a phantom occupant.
	_ = st.OnDisconnectRemove(playerPath(roomID, pid))

	return &JoinedRoom{
		RoomID:        roomID,
		PlayerID:      pid,
		Seed:          room.Seed,
		stopHeartbeat: startHeartbeat(st, roomID, pid, heartbeatInterval),
	}, nil
}

func freshSeed(seed *uint32) uint32 {
	if seed != nil {
		return *seed
	}
	return rand.Uint32()
}

// markPlaying transitions open -> playing once exactly two members are
// present. Idempotent: a second writer observes playing and does nothing.
func markPlaying(ctx context.Context, st Store, roomID string) error {
	_, err := st.Transact(ctx, roomPath(roomID), func(current any) (any, bool) {
		if current == nil {
			return nil, false
		}
		var room Room
		if err := decodeTree(current, &room); err != nil {
			return nil, false
		}
		if room.State != roomOpen || len(room.Players) != 2 {
			return nil, false
		}
		room.State = roomPlaying
		room.UpdatedAt = st.Now()
		next, err := encodeTree(room)
		if err != nil {
			return nil, false
		}
		return next, true
	})
	return err
}

// writeResult records the winner and moves the room to ended. First writer
// wins; a result, once set, is never overwritten.
func writeResult(ctx context.Context, st Store, roomID, winner string) error {
	_, err := st.Transact(ctx, roomPath(roomID), func(current any) (any, bool) {
		if current == nil {
			return nil, false
		}
		var room Room
		if err := decodeTree(current, &room); err != nil {
			return nil, false
		}
		if room.Result != nil && room.Result.Winner != "" {
			return nil, false
		}
		room.Result = &RoomResult{Winner: winner, At: st.Now()}
		room.State = roomEnded
		room.UpdatedAt = st.Now()
		next, err := encodeTree(room)
		if err != nil {
			return nil, false
		}
		return next, true
	})
	return err
}

// watchRoom subscribes to the room record. onRoom receives nil once the room
// subtree disappears.
func watchRoom(st Store, roomID string, onRoom func(*Room)) (func(), error) {
	return st.Subscribe(roomPath(roomID), func(v any) {
		if v == nil {
			onRoom(nil)
			return
		}
		var room Room
		if err := decodeTree(v, &room); err != nil {
			return
		}
		onRoom(&room)
	})
}

// TryCleanup reclaims a room: an empty room is deleted outright, members not
// seen within staleAfter are evicted, and if eviction empties the room it is
// deleted too. Invoked opportunistically, never by a background sweep; a
// missed cleanup only costs a harmlessly-reused slot.
func TryCleanup(ctx context.Context, st Store, roomID string, staleAfter time.Duration) (bool, error) {
	raw, err := st.Read(ctx, playersPath(roomID))
	if err != nil {
		return false, err
	}
	var players map[string]RoomPlayer
	if err := decodeTree(raw, &players); err != nil {
		return false, err
	}
	if len(players) == 0 {
		if err := st.Remove(ctx, roomPath(roomID)); err != nil {
			return false, err
		}
		return true, nil
	}

	cutoff := st.Now() - staleAfter.Milliseconds()
	evicted := false
	for pid, p := range players {
		if p.LastSeen < cutoff {
			_ = st.Remove(ctx, playerPath(roomID, pid))
			evicted = true
		}
	}
	if !evicted {
		return false, nil
	}

	raw, err = st.Read(ctx, playersPath(roomID))
	if err != nil {
		return false, err
	}
	var remaining map[string]RoomPlayer
	if err := decodeTree(raw, &remaining); err != nil {
		return false, err
	}
	if len(remaining) == 0 {
		if err := st.Remove(ctx, roomPath(roomID)); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// deleteRoomAfter removes the room subtree after a grace delay, giving the
// losing side time to observe the result before the record disappears.
func deleteRoomAfter(st Store, roomID string, grace time.Duration) *time.Timer {
	return time.AfterFunc(grace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.Remove(ctx, roomPath(roomID))
	})
}
