/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"fmt"
)

const defaultMaxSlots = 10

// Lobby is the long-lived record behind one invite link. Slots fan it out
// into up to maxSlots independent rooms so many pairs can play off the same
// link.
type Lobby struct {
	CreatedAt int64                `json:"createdAt"`
	UpdatedAt int64                `json:"updatedAt"`
	Version   int                  `json:"version"`
	Slots     map[string]SlotEntry `json:"slots,omitempty"`
}

// SlotEntry permanently binds a slot index to one room key for the lobby's
// lifetime. The room behind the key is replaced once deleted, which is what
// lets a slot serve successive pairs.
type SlotEntry struct {
	RoomKey   string `json:"roomKey"`
	CreatedAt int64  `json:"createdAt"`
}

func lobbyPath(lobbyID string) string { return "lobbies/" + lobbyID }
func slotPath(lobbyID string, slot int) string {
	return fmt.Sprintf("lobbies/%s/slots/%d", lobbyID, slot)
}

// Seat is a successful lobby join: which slot and room the client landed in,
// plus everything joinRoom returned.
type Seat struct {
	*JoinedRoom
	LobbyID string
	Slot    int
}

// CreateLobby materializes a fresh lobby record and returns its ID, the one
// piece of state a pair of clients ever shares out of band.
func CreateLobby(ctx context.Context, st Store) (string, error) {
	lobbyID := st.NewID(10)
	lobby := Lobby{
		CreatedAt: st.Now(),
		UpdatedAt: st.Now(),
		Version:   1,
	}
	tree, err := encodeTree(lobby)
	if err != nil {
		return "", err
	}
	if err := st.Write(ctx, lobbyPath(lobbyID), tree); err != nil {
		return "", fmt.Errorf("create lobby: %w", err)
	}
	return lobbyID, nil
}

// ensureLobby creates the lobby record if a client followed an invite link
// before the creator's write landed, and otherwise just freshens updatedAt.
func ensureLobby(ctx context.Context, st Store, lobbyID string) error {
	_, err := st.Transact(ctx, lobbyPath(lobbyID), func(current any) (any, bool) {
		var lobby Lobby
		if current != nil {
			if err := decodeTree(current, &lobby); err != nil {
				return nil, false
			}
		} else {
			lobby.CreatedAt = st.Now()
			lobby.Version = 1
		}
		if lobby.Version == 0 {
			lobby.Version = 1
		}
		lobby.UpdatedAt = st.Now()
		next, err := encodeTree(lobby)
		if err != nil {
			return nil, false
		}
		return next, true
	})
	return err
}

// roomKeyForSlot transactionally fetches or creates the slot's room-key
// binding. Two clients racing on the same empty slot converge on one key: the
// losing transaction re-runs against the winner's value and leaves it alone.
func roomKeyForSlot(ctx context.Context, st Store, lobbyID string, slot int) (string, error) {
	candidate := st.NewID(10)
	result, err := st.Transact(ctx, slotPath(lobbyID, slot), func(current any) (any, bool) {
		if current != nil {
			return current, false
		}
		next, err := encodeTree(SlotEntry{RoomKey: candidate, CreatedAt: st.Now()})
		if err != nil {
			return nil, false
		}
		return next, true
	})
	if err != nil {
		return "", err
	}
	var entry SlotEntry
	if err := decodeTree(result, &entry); err != nil {
		return "", err
	}
	if entry.RoomKey == "" {
		return "", fmt.Errorf("slot %d of lobby %s has no room key", slot, lobbyID)
	}
	return entry.RoomKey, nil
}

// JoinLobby places a client into the first slot whose room has capacity,
// scanning 0..maxSlots-1. A full room moves the scan to the next slot; any
// other failure propagates. Once every slot's room is at 2/2 the join fails
// with ErrNoCapacity and the caller falls back to a local session.
func JoinLobby(ctx context.Context, st Store, lobbyID, name string, maxSlots int) (*Seat, error) {
	if maxSlots <= 0 {
		maxSlots = defaultMaxSlots
	}
	if err := ensureLobby(ctx, st, lobbyID); err != nil {
		return nil, fmt.Errorf("ensure lobby %s: %w", lobbyID, err)
	}

	for slot := 0; slot < maxSlots; slot++ {
		roomKey, err := roomKeyForSlot(ctx, st, lobbyID, slot)
		if err != nil {
			return nil, fmt.Errorf("slot %d of lobby %s: %w", slot, lobbyID, err)
		}
		joined, err := joinRoom(ctx, st, roomKey, name, nil)
		if err != nil {
			if errors.Is(err, ErrRoomFull) {
				continue
			}
			return nil, err
		}
		return &Seat{JoinedRoom: joined, LobbyID: lobbyID, Slot: slot}, nil
	}
	return nil, fmt.Errorf("lobby %s: %w", lobbyID, ErrNoCapacity)
}
