package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Snapshot types (the only state that crosses the match/transport boundary)
// ---------------------------------------------------------------------------

type SnakeState struct {
	PlayerID  int64     `json:"player_id" msgpack:"player_id"`
	Body      []Cell    `json:"body" msgpack:"body"`
	Alive     bool      `json:"alive" msgpack:"alive"`
	Direction Direction `json:"direction" msgpack:"direction"`
}

type Snapshot struct {
	MatchID      int64      `json:"match_id" msgpack:"match_id"`
	Tick         uint64     `json:"tick_number" msgpack:"tick_number"`
	LastTickTime *float64   `json:"last_tick_time" msgpack:"last_tick_time"`
	Running      bool       `json:"game_running" msgpack:"game_running"`
	Finished     bool       `json:"game_finished" msgpack:"game_finished"`
	WinnerID     *int64     `json:"winner_id" msgpack:"winner_id"`
	Snake1       SnakeState `json:"snake1" msgpack:"snake1"`
	Snake2       SnakeState `json:"snake2" msgpack:"snake2"`
	Player1Ready bool       `json:"player1_ready" msgpack:"player1_ready"`
	Player2Ready bool       `json:"player2_ready" msgpack:"player2_ready"`
	StartTime    *float64   `json:"game_start_timestamp" msgpack:"game_start_timestamp"`
}

// PlayerView is a snapshot relabeled from one participant's point of view.
type PlayerView struct {
	Snapshot
	MySnake         SnakeState `json:"my_snake" msgpack:"my_snake"`
	OpponentSnake   SnakeState `json:"opponent_snake" msgpack:"opponent_snake"`
	ServerTimestamp float64    `json:"server_timestamp" msgpack:"server_timestamp"`
}

// View relabels s for player. The snake slices are shared with s.
func (s Snapshot) View(player int64, now time.Time) (PlayerView, error) {
	v := PlayerView{Snapshot: s, ServerTimestamp: unixSeconds(now)}
	switch player {
	case s.Snake1.PlayerID:
		v.MySnake, v.OpponentSnake = s.Snake1, s.Snake2
	case s.Snake2.PlayerID:
		v.MySnake, v.OpponentSnake = s.Snake2, s.Snake1
	default:
		return PlayerView{}, ErrUnknownPlayer
	}
	return v, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func optionalSeconds(t time.Time) *float64 {
	if t.IsZero() {
		return nil
	}
	v := unixSeconds(t)
	return &v
}

// ---------------------------------------------------------------------------
// Match
// ---------------------------------------------------------------------------

type command struct {
	dir Direction
	at  time.Time
}

// Match is one two-player game. Entity state is guarded by mu (Tick writes,
// Snapshot and QueueDirection read); the command queue has its own lock,
// always taken after mu.
type Match struct {
	ID int64

	field       Field
	staleWindow time.Duration
	startDelay  time.Duration
	players     [2]int64
	log         zerolog.Logger

	mu        sync.RWMutex
	snakes    [2]*Snake
	running   bool
	finished  bool
	winner    int64
	hasWinner bool
	tick      uint64
	lastTick  time.Time
	ready     [2]bool
	startAt   time.Time
	prizePaid bool
	doneAt    time.Time
	ended     [2]bool

	cmdMu   sync.Mutex
	pending map[int64]command
}

// NewMatch builds a match in the CREATED state with both snakes at their
// starting positions.
func NewMatch(id, p1, p2 int64, cfg Config, logger zerolog.Logger) *Match {
	return newMatch(id, cfg, cfg.startingSnakes(p1, p2), logger)
}

func newMatch(id int64, cfg Config, snakes [2]*Snake, logger zerolog.Logger) *Match {
	return &Match{
		ID:          id,
		field:       cfg.Field(),
		staleWindow: cfg.StaleWindow,
		startDelay:  cfg.StartDelay,
		players:     [2]int64{snakes[0].PlayerID, snakes[1].PlayerID},
		log:         logger.With().Int64("match", id).Logger(),
		snakes:      snakes,
		pending:     make(map[int64]command, 2),
	}
}

func (m *Match) Players() [2]int64 {
	return m.players
}

func (m *Match) slot(player int64) int {
	for i, p := range m.players {
		if p == player {
			return i
		}
	}
	return -1
}

func (m *Match) Has(player int64) bool {
	return m.slot(player) >= 0
}

// Opponent returns the other participant.
func (m *Match) Opponent(player int64) (int64, bool) {
	switch m.slot(player) {
	case 0:
		return m.players[1], true
	case 1:
		return m.players[0], true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// MarkReady flags player as ready. Once both players are ready the start time
// is fixed at now + start delay; later calls leave it untouched.
func (m *Match) MarkReady(player int64, now time.Time) (bothReady bool, startAt time.Time, err error) {
	i := m.slot(player)
	if i < 0 {
		return false, time.Time{}, ErrUnknownPlayer
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return false, time.Time{}, ErrMatchFinished
	}
	m.ready[i] = true
	bothReady = m.ready[0] && m.ready[1]
	if bothReady && m.startAt.IsZero() {
		m.startAt = now.Add(m.startDelay)
		m.log.Info().Time("startAt", m.startAt).Msg("Both players ready")
	}
	return bothReady, m.startAt, nil
}

// Start moves a CREATED match to RUNNING. It reports whether it did.
func (m *Match) Start(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(now)
}

func (m *Match) startLocked(now time.Time) bool {
	if m.running || m.finished {
		return false
	}
	m.running = true
	if m.startAt.IsZero() || m.startAt.After(now) {
		m.startAt = now
	}
	m.log.Info().Msg("Match started")
	return true
}

// StartIfDue starts the match once both players are ready and the countdown
// has elapsed.
func (m *Match) StartIfDue(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startAt.IsZero() || !m.ready[0] || !m.ready[1] || now.Before(m.startAt) {
		return false
	}
	return m.startLocked(now)
}

func (m *Match) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Match) Finished() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.finished
}

// Winner returns the winning player; ok is false for a draw or an undecided match.
func (m *Match) Winner() (player int64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.winner, m.hasWinner
}

// FinishedAt is the time of the terminating tick, zero while the match is live.
func (m *Match) FinishedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doneAt
}

// EndFor records player's end-of-game signal and reports whether both
// players have now sent one.
func (m *Match) EndFor(player int64) (bool, error) {
	i := m.slot(player)
	if i < 0 {
		return false, ErrUnknownPlayer
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.finished {
		return false, ErrMatchInProgress
	}
	m.ended[i] = true
	return m.ended[0] && m.ended[1], nil
}

// ClaimPayout flips the prize-paid guard. Exactly one caller ever gets true.
func (m *Match) ClaimPayout() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prizePaid {
		return false
	}
	m.prizePaid = true
	return true
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// QueueDirection records player's latest heading for the next tick, replacing
// any command still pending for that player. Commands older than the stale
// window relative to the last executed tick are rejected.
func (m *Match) QueueDirection(player int64, dir Direction, at time.Time) error {
	if !m.Has(player) {
		m.log.Warn().Int64("player", player).Msg("Direction from non-participant rejected")
		return ErrUnknownPlayer
	}
	if !dir.Valid() {
		return ErrInvalidDirection
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.lastTick.IsZero() && at.Before(m.lastTick.Add(-m.staleWindow)) {
		m.log.Warn().
			Int64("player", player).
			Time("commandAt", at).
			Time("lastTick", m.lastTick).
			Msg("Stale direction rejected")
		return ErrStaleCommand
	}

	m.cmdMu.Lock()
	m.pending[player] = command{dir: dir, at: at}
	m.cmdMu.Unlock()
	return nil
}

// drain applies and clears every pending command. Caller holds mu.
func (m *Match) drain() {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	for player, cmd := range m.pending {
		s := m.snakes[m.slot(player)]
		if s.Alive {
			s.SetDirection(cmd.dir)
		}
	}
	clear(m.pending)
}

// ---------------------------------------------------------------------------
// Tick
// ---------------------------------------------------------------------------

// Tick advances a running match by one step and reports whether it goes on.
// A match that is not running, or already finished, is left untouched.
func (m *Match) Tick(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running || m.finished {
		return false
	}

	m.drain()

	a, b := m.snakes[0], m.snakes[1]
	a.Move(m.field)
	b.Move(m.field)

	// Both checks see the same post-move positions, so heads landing on the
	// same cell kill both snakes.
	hitA, hitB := a.HitsBody(b), b.HitsBody(a)
	if hitA {
		a.Alive = false
	}
	if hitB {
		b.Alive = false
	}

	switch {
	case !a.Alive && !b.Alive:
		m.finish(0, false, now)
	case !a.Alive:
		m.finish(b.PlayerID, true, now)
	case !b.Alive:
		m.finish(a.PlayerID, true, now)
	default:
		m.tick++
		m.lastTick = now
		return true
	}
	return false
}

func (m *Match) finish(winner int64, ok bool, now time.Time) {
	m.finished = true
	m.doneAt = now
	m.winner, m.hasWinner = winner, ok
	if ok {
		m.log.Info().Int64("winner", winner).Uint64("tick", m.tick).Msg("Match finished")
	} else {
		m.log.Info().Uint64("tick", m.tick).Msg("Match finished in a draw")
	}
}

// Snapshot returns a consistent copy of the match state between ticks.
func (m *Match) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		MatchID:      m.ID,
		Tick:         m.tick,
		LastTickTime: optionalSeconds(m.lastTick),
		Running:      m.running,
		Finished:     m.finished,
		Snake1:       m.snakes[0].clone(),
		Snake2:       m.snakes[1].clone(),
		Player1Ready: m.ready[0],
		Player2Ready: m.ready[1],
		StartTime:    optionalSeconds(m.startAt),
	}
	if m.hasWinner {
		w := m.winner
		snap.WinnerID = &w
	}
	return snap
}

// View is Snapshot().View(player, now).
func (m *Match) View(player int64, now time.Time) (PlayerView, error) {
	return m.Snapshot().View(player, now)
}
