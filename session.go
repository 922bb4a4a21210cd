/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SessionState is the explicit lifecycle of one client's session, replacing
// the scattered mode flags of a typical ad-hoc client.
type SessionState string

const (
	StateInit          SessionState = "init"
	StateMatching      SessionState = "matching"
	StatePlayingOnline SessionState = "playing-online"
	StatePlayingSolo   SessionState = "playing-solo"
	StateEnded         SessionState = "ended"
)

// PlayerSnapshot is the last-write-wins state a player publishes while
// playing. Overwritten wholesale each publish; no history.
type PlayerSnapshot struct {
	Board [][]int `json:"board"`
	Score int     `json:"score"`
	Level int     `json:"level"`
	Dead  bool    `json:"dead"`
	T     int64   `json:"t"`
}

// SessionCallbacks are how the embedding client (rendering loop, UI) hears
// about session progress. All callbacks are optional and are invoked off the
// caller's goroutine. No failure is ever fatal: every networked problem
// degrades to a solo session via OnFallback.
type SessionCallbacks struct {
	OnStatus        func(msg string)
	OnOpponent      func(pid, name string)
	OnStart         func(seed uint32)
	OnOpponentState func(snap PlayerSnapshot)
	OnAttack        func(a AttackPayload)
	OnResult        func(won bool)
	OnFallback      func(reason string)
}

// SessionConfig tunes the protocol timers. Zero values pick the defaults.
type SessionConfig struct {
	Name         string
	MaxSlots     int
	WaitTimeout  time.Duration // how long to sit alone before solo fallback
	GraceDelay   time.Duration // ended -> deleted delay
	StaleTimeout time.Duration // lastSeen age that counts as abandoned
}

func (c *SessionConfig) fill() {
	if c.MaxSlots <= 0 {
		c.MaxSlots = defaultMaxSlots
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 20 * time.Second
	}
	if c.GraceDelay <= 0 {
		c.GraceDelay = 2 * time.Second
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 60 * time.Second
	}
}

// Session owns one client's matchmaking and in-room lifecycle. All exit
// paths funnel into Release, which is safe to call zero, one, or many times.
type Session struct {
	st  Store
	cfg SessionConfig
	cb  SessionCallbacks

	mu         sync.Mutex
	state      SessionState
	seat       *Seat
	oppID      string
	oppName    string
	started    bool
	resultSeen bool
	released   bool
	waitTimer  *time.Timer
	unsubs     []func()
}

func NewSession(st Store, cfg SessionConfig, cb SessionCallbacks) *Session {
	cfg.fill()
	return &Session{st: st, cfg: cfg, cb: cb, state: StateInit}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PlayerID returns this client's ephemeral in-room identity, empty until
// matched.
func (s *Session) PlayerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seat == nil {
		return ""
	}
	return s.seat.PlayerID
}

func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seat == nil {
		return ""
	}
	return s.seat.RoomID
}

// Seed returns the piece-sequence seed for this player: the shared room seed
// mixed with a per-player salt.
func (s *Session) Seed() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seat == nil {
		return 0
	}
	return playerSeed(s.seat.Seed, s.seat.PlayerID)
}

func (s *Session) status(msg string) {
	if s.cb.OnStatus != nil {
		s.cb.OnStatus(msg)
	}
}

// Join runs the whole matchmaking path: lobby slot scan, room join, room and
// mailbox subscriptions. A failed join falls back to a solo session before
// returning the error, so the caller can keep playing either way.
func (s *Session) Join(ctx context.Context, lobbyID string) error {
	s.mu.Lock()
	if s.state != StateInit {
		s.mu.Unlock()
		return fmt.Errorf("session already %s", s.state)
	}
	s.state = StateMatching
	s.mu.Unlock()

	s.status("matching")
	seat, err := JoinLobby(ctx, s.st, lobbyID, s.cfg.Name, s.cfg.MaxSlots)
	if err != nil {
		if errors.Is(err, ErrNoCapacity) {
			s.Fallback("all rooms in use")
		} else {
			s.Fallback("join failed")
		}
		return err
	}

	s.mu.Lock()
	s.seat = seat
	released := s.released
	s.mu.Unlock()
	if released {
		// Release landed while we were joining; undo the join so the
		// seat is not orphaned until staleness cleanup.
		s.releaseOnline()
		return ErrStoreClosed
	}

	unsubRoom, err := watchRoom(s.st, seat.RoomID, s.onRoomUpdate)
	if err != nil {
		s.Fallback("room watch failed")
		return err
	}
	unsubEvents, err := subscribeEvents(s.st, seat.RoomID, seat.PlayerID, s.onEvent)
	if err != nil {
		unsubRoom()
		s.Fallback("mailbox watch failed")
		return err
	}

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubRoom, unsubEvents)
	s.mu.Unlock()

	s.status(fmt.Sprintf("matched: slot %d", seat.Slot+1))
	return nil
}

// onRoomUpdate reacts to every change of the room record: opponent arrival,
// the open->playing transition, the result write, and room disappearance.
func (s *Session) onRoomUpdate(room *Room) {
	s.mu.Lock()
	if s.released || s.seat == nil ||
		(s.state != StateMatching && s.state != StatePlayingOnline) {
		s.mu.Unlock()
		return
	}

	if room == nil {
		// Room subtree gone mid-session: implicit end with no winner.
		s.mu.Unlock()
		s.Fallback("room deleted")
		return
	}

	seat := s.seat
	var oppID, oppName string
	for pid, p := range room.Players {
		if pid != seat.PlayerID {
			oppID, oppName = pid, p.Name
		}
	}
	oppChanged := oppID != "" && oppID != s.oppID
	if oppID != "" {
		s.oppID, s.oppName = oppID, oppName
	}

	alone := len(room.Players) == 1 && !s.started
	if alone && s.waitTimer == nil {
		s.waitTimer = time.AfterFunc(s.cfg.WaitTimeout, func() {
			s.Fallback("no opponent arrived")
		})
	}
	if !alone && s.waitTimer != nil {
		s.waitTimer.Stop()
		s.waitTimer = nil
	}

	promote := len(room.Players) == 2 && room.State == roomOpen
	begin := len(room.Players) == 2 && room.State == roomPlaying && !s.started
	if begin {
		s.started = true
		s.state = StatePlayingOnline
	}

	ended := room.State == roomEnded && room.Result != nil &&
		room.Result.Winner != "" && !s.resultSeen
	var won bool
	if ended {
		s.resultSeen = true
		s.state = StateEnded
		won = room.Result.Winner == seat.PlayerID
	}
	s.mu.Unlock()

	if oppChanged && s.cb.OnOpponent != nil {
		s.cb.OnOpponent(oppID, oppName)
	}

	if promote {
		// Both members may observe 2/2 at once; the transition is
		// transactional and the loser's write is a no-op.
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		_ = markPlaying(ctx, s.st, seat.RoomID)
		cancel()
	}

	if begin {
		unsubOpp, err := s.st.Subscribe(statesPath(seat.RoomID), s.onStates)
		if err == nil {
			s.mu.Lock()
			s.unsubs = append(s.unsubs, unsubOpp)
			s.mu.Unlock()
		}
		s.status("opponent found, game on")
		if s.cb.OnStart != nil {
			s.cb.OnStart(playerSeed(room.Seed, seat.PlayerID))
		}
	}

	if ended {
		// A tick landing after the grace delete would resurrect the room
		// as a state-less stub and poison its slot.
		seat.StopHeartbeat()
		if s.cb.OnResult != nil {
			s.cb.OnResult(won)
		}
		deleteRoomAfter(s.st, seat.RoomID, s.cfg.GraceDelay)
	}
}

// onStates watches the states side-channel for the opponent's snapshot.
func (s *Session) onStates(v any) {
	s.mu.Lock()
	if s.released || s.seat == nil || s.oppID == "" {
		s.mu.Unlock()
		return
	}
	oppID := s.oppID
	s.mu.Unlock()

	var all map[string]PlayerSnapshot
	if err := decodeTree(v, &all); err != nil {
		return
	}
	snap, ok := all[oppID]
	if !ok {
		return
	}
	if s.cb.OnOpponentState != nil {
		s.cb.OnOpponentState(snap)
	}
	if snap.Dead {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		_ = s.Finish(ctx, true)
	}
}

func (s *Session) onEvent(key string, ev Event) {
	if ev.Kind != eventKindAttack {
		return
	}
	if s.cb.OnAttack != nil {
		s.cb.OnAttack(ev.Payload)
	}
}

// PublishState overwrites this player's snapshot. Last write wins; errors
// are the caller's to swallow (the next publish supersedes anyway).
func (s *Session) PublishState(ctx context.Context, snap PlayerSnapshot) error {
	s.mu.Lock()
	seat, state := s.seat, s.state
	s.mu.Unlock()
	if seat == nil || state != StatePlayingOnline {
		return nil
	}
	snap.T = s.st.Now()
	tree, err := encodeTree(snap)
	if err != nil {
		return err
	}
	return s.st.Write(ctx, stateEntry(seat.RoomID, seat.PlayerID), tree)
}

// ReportCleared converts a clear count into an attack on the opponent and
// fires it through the mailbox. Returns the attack so the caller can show
// it, or nil when the count earns none.
func (s *Session) ReportCleared(ctx context.Context, cleared int) *AttackPayload {
	attack := linesToAttack(cleared)
	if attack == nil {
		return nil
	}
	s.mu.Lock()
	seat, state, oppID := s.seat, s.state, s.oppID
	s.mu.Unlock()
	if seat == nil || state != StatePlayingOnline || oppID == "" {
		return attack
	}
	_ = pushEvent(ctx, s.st, seat.RoomID, Event{
		From:    seat.PlayerID,
		Kind:    eventKindAttack,
		Payload: *attack,
	})
	return attack
}

// Finish records the terminal condition this client observed. First writer
// wins; the loser's client learns the result through its room watch.
func (s *Session) Finish(ctx context.Context, won bool) error {
	s.mu.Lock()
	seat, oppID, state := s.seat, s.oppID, s.state
	s.mu.Unlock()
	if seat == nil || state != StatePlayingOnline {
		return nil
	}
	winner := seat.PlayerID
	if !won {
		winner = oppID
	}
	if winner == "" {
		return nil
	}
	if err := writeResult(ctx, s.st, seat.RoomID, winner); err != nil {
		return err
	}
	seat.StopHeartbeat()
	return nil
}

// Fallback abandons the networked session and continues solo. Idempotent.
func (s *Session) Fallback(reason string) {
	s.mu.Lock()
	if s.state == StatePlayingSolo || s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.releaseOnline()

	s.mu.Lock()
	s.state = StatePlayingSolo
	s.mu.Unlock()

	s.status("solo: " + reason)
	if s.cb.OnFallback != nil {
		s.cb.OnFallback(reason)
	}
}

// releaseOnline tears down every networked resource: watches, heartbeat,
// wait timer, this player's nodes, and the room if that leaves it empty.
func (s *Session) releaseOnline() {
	s.mu.Lock()
	seat := s.seat
	unsubs := s.unsubs
	timer := s.waitTimer
	s.seat = nil
	s.unsubs = nil
	s.waitTimer = nil
	s.oppID = ""
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, unsub := range unsubs {
		unsub()
	}
	if seat == nil {
		return
	}
	seat.StopHeartbeat()

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	_ = s.st.Remove(ctx, playerPath(seat.RoomID, seat.PlayerID))
	_ = s.st.Remove(ctx, stateEntry(seat.RoomID, seat.PlayerID))
	_, _ = TryCleanup(ctx, s.st, seat.RoomID, s.cfg.StaleTimeout)
}

// Release is the one teardown entry point for every exit path: mode switch,
// navigation away, explicit leave. Safe to call zero, one, or many times.
func (s *Session) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	s.releaseOnline()

	s.mu.Lock()
	s.state = StateEnded
	s.mu.Unlock()
}
