/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import "math/rand"

// Bot is the stand-in opponent for solo sessions. It is deliberately dumb:
// each new piece it picks a random column and rotation, nudges the piece
// there at a fixed cadence, then drops. The cadence tightens a little as the
// level climbs.
type Bot struct {
	game      Engine
	rnd       *rand.Rand
	lastPiece int
	targetX   int
	targetRot int
	actionAcc int64
	actionMs  int64
	dropBias  float64
}

func NewBot(game Engine, seed uint32) *Bot {
	return &Bot{
		game:      game,
		rnd:       rand.New(rand.NewSource(int64(seed) | 1)),
		lastPiece: -1,
		actionMs:  70,
		dropBias:  0.55,
	}
}

func (b *Bot) plan() {
	cols := 10
	if snap := b.game.Snapshot(); len(snap) > 0 && len(snap[0]) > 0 {
		cols = len(snap[0])
	}
	b.targetX = b.rnd.Intn(cols)
	b.targetRot = b.rnd.Intn(4)
}

// Update advances the bot by deltaMs of wall time, issuing at most one input
// per action interval.
func (b *Bot) Update(deltaMs int64) {
	g := b.game
	if g == nil || g.Dead() {
		return
	}

	if piece := g.PieceCount(); piece != b.lastPiece {
		b.lastPiece = piece
		b.plan()
		b.actionMs = 80 - int64(g.Level()-1)*6
		if b.actionMs < 35 {
			b.actionMs = 35
		}
	}

	b.actionAcc += deltaMs
	for b.actionAcc >= b.actionMs {
		b.actionAcc -= b.actionMs

		if g.PieceRotation() != b.targetRot {
			g.Rotate(1)
			continue
		}
		if x := g.PieceX(); x < b.targetX {
			g.Move(1)
			continue
		} else if x > b.targetX {
			g.Move(-1)
			continue
		}

		if b.rnd.Float64() < b.dropBias {
			g.HardDrop()
		} else {
			g.SoftDrop()
			g.SoftDrop()
		}
	}
}
