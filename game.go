/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"hash/fnv"
	"time"
)

// Engine is the interface to the falling-block simulation, which lives
// outside this module. The protocol only ever consumes it: ticking, relaying
// inputs, reading snapshots, and applying attack effects.
type Engine interface {
	Tick(deltaMs int64)
	Move(dx int)
	Rotate(dir int)
	SoftDrop()
	HardDrop()
	ApplyEffect(kind string, duration time.Duration)

	// Snapshot returns the current board, row-major.
	Snapshot() [][]int

	Score() int
	Level() int
	Dead() bool

	// TakeCleared reports the lines cleared since the last call and resets
	// the counter.
	TakeCleared() int

	// PieceCount increments each time a new piece spawns; PieceX and
	// PieceRotation describe the falling piece. The bot plans against
	// these.
	PieceCount() int
	PieceX() int
	PieceRotation() int
}

// AttackPayload describes one debuff sent to the opponent.
type AttackPayload struct {
	Kind string `json:"kind"`
	Ms   int64  `json:"ms"`
}

const eventKindAttack = "attack"

// linesToAttack maps a clear count to the debuff it earns: one line shrinks
// the opponent's view, two invert their controls, three or more blow up
// their next-piece preview.
func linesToAttack(cleared int) *AttackPayload {
	switch {
	case cleared >= 3:
		return &AttackPayload{Kind: "bignext", Ms: 3000}
	case cleared == 2:
		return &AttackPayload{Kind: "invert", Ms: 2000}
	case cleared == 1:
		return &AttackPayload{Kind: "shrink", Ms: 3000}
	default:
		return nil
	}
}

// applyAttack replays a received attack onto an engine. Reapplying the same
// effect is safe: the engine just refreshes its expiry.
func applyAttack(e Engine, a AttackPayload) {
	if e == nil || a.Kind == "" {
		return
	}
	ms := a.Ms
	if ms <= 0 {
		ms = 3000
	}
	e.ApplyEffect(a.Kind, time.Duration(ms)*time.Millisecond)
}

// playerSeed mixes the shared room seed with a salt derived from the player
// id, so the two members of a room stack different boards.
func playerSeed(seed uint32, pid string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(pid))
	return seed ^ h.Sum32()
}
