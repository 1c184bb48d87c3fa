package engine

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Ticket is a player's place in the waiting pool.
type Ticket struct {
	PlayerID  int64     `json:"player_id"`
	Paid      bool      `json:"paid"`
	InvoiceID int64     `json:"invoice_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type RegistryStats struct {
	Waiting        int   `json:"waiting"`
	Playing        int   `json:"playing"`
	ActiveMatches  int   `json:"activeMatches"`
	MatchesCreated int64 `json:"matchesCreated"`
	MatchesRemoved int64 `json:"matchesRemoved"`
}

// Registry owns the waiting pool and every live match. CreateMatch and Remove
// hold the write lock for their whole critical section, so a pair of players
// ends up in at most one match no matter how many requests race.
type Registry struct {
	cfg      Config
	metrics  *Metrics
	log      zerolog.Logger
	matchLog zerolog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	waiting  map[int64]*Ticket
	byPlayer map[int64]int64
	matches  map[int64]*Match
	nextID   int64
	created  int64
	removed  int64
}

// NewRegistry returns an empty registry. metrics may be nil.
func NewRegistry(cfg Config, metrics *Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		metrics:  metrics,
		log:      logger.With().Str("component", "registry").Logger(),
		matchLog: logger.With().Str("component", "match").Logger(),
		now:      time.Now,
		waiting:  make(map[int64]*Ticket),
		byPlayer: make(map[int64]int64),
		matches:  make(map[int64]*Match),
	}
}

func (r *Registry) Config() Config {
	return r.cfg
}

// ---------------------------------------------------------------------------
// Waiting pool
// ---------------------------------------------------------------------------

// Enqueue puts player in the waiting pool. A player already waiting keeps the
// existing ticket; a non-zero invoiceID replaces the stored one.
func (r *Registry) Enqueue(player, invoiceID int64) (Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byPlayer[player]; ok {
		return Ticket{}, ErrAlreadyInMatch
	}
	t, ok := r.waiting[player]
	if !ok {
		t = &Ticket{PlayerID: player, CreatedAt: r.now()}
		r.waiting[player] = t
		r.log.Info().Int64("player", player).Int("waiting", len(r.waiting)).Msg("Player joined the pool")
	}
	if invoiceID != 0 {
		t.InvoiceID = invoiceID
	}
	return *t, nil
}

// MarkPaid records that the player's stake has been received.
func (r *Registry) MarkPaid(player int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.waiting[player]
	if !ok {
		return ErrNotWaiting
	}
	if !t.Paid {
		t.Paid = true
		r.log.Info().Int64("player", player).Int64("invoice", t.InvoiceID).Msg("Stake paid")
	}
	return nil
}

// Withdraw removes player from the waiting pool.
func (r *Registry) Withdraw(player int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.waiting[player]; !ok {
		return false
	}
	delete(r.waiting, player)
	return true
}

func (r *Registry) Ticket(player int64) (Ticket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.waiting[player]
	if !ok {
		return Ticket{}, false
	}
	return *t, true
}

func (r *Registry) eligible(t *Ticket) bool {
	return t.Paid || !r.cfg.RequirePayment
}

// ---------------------------------------------------------------------------
// Match creation
// ---------------------------------------------------------------------------

// CreateMatch pairs p1 and p2. Every precondition is checked inside the same
// critical section that builds the match; on failure the error wraps
// ErrMatchNotCreated and the reason, and nothing changes.
func (r *Registry) CreateMatch(p1, p2 int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkPairLocked(p1, p2); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMatchNotCreated, err)
	}

	delete(r.waiting, p1)
	delete(r.waiting, p2)
	r.nextID++
	id := r.nextID
	m := NewMatch(id, p1, p2, r.cfg, r.matchLog)
	r.matches[id] = m
	r.byPlayer[p1] = id
	r.byPlayer[p2] = id
	r.created++
	r.metrics.matchCreated(len(r.matches))

	r.log.Info().Int64("match", id).Int64("player1", p1).Int64("player2", p2).Msg("Match created")
	return id, nil
}

func (r *Registry) checkPairLocked(p1, p2 int64) error {
	if p1 == p2 {
		return fmt.Errorf("player %d cannot play against itself", p1)
	}
	for _, p := range [2]int64{p1, p2} {
		if _, ok := r.byPlayer[p]; ok {
			return fmt.Errorf("player %d: %w", p, ErrAlreadyInMatch)
		}
		t, ok := r.waiting[p]
		if !ok {
			return fmt.Errorf("player %d: %w", p, ErrNotWaiting)
		}
		if !r.eligible(t) {
			return fmt.Errorf("player %d: %w", p, ErrNotPaid)
		}
	}
	return nil
}

// Pair finds the longest-waiting eligible opponent for player and creates the
// match. It returns a nil match when nobody is available yet. A player who is
// already matched gets that match back.
func (r *Registry) Pair(player int64) (*Match, error) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		if m, ok := r.MatchOf(player); ok {
			return m, nil
		}
		opponent, ok := r.oldestOpponent(player)
		if !ok {
			return nil, nil
		}
		id, err := r.CreateMatch(opponent, player)
		if err != nil {
			// Somebody else paired one of us first; look again.
			r.log.Debug().Err(err).Int64("player", player).Msg("Pairing attempt lost")
			lastErr = err
			continue
		}
		m, _ := r.Get(id)
		return m, nil
	}
	return nil, lastErr
}

func (r *Registry) oldestOpponent(player int64) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	self, ok := r.waiting[player]
	if !ok || !r.eligible(self) {
		return 0, false
	}
	var best *Ticket
	for id, t := range r.waiting {
		if id == player || !r.eligible(t) {
			continue
		}
		if best == nil || t.CreatedAt.Before(best.CreatedAt) ||
			(t.CreatedAt.Equal(best.CreatedAt) && t.PlayerID < best.PlayerID) {
			best = t
		}
	}
	if best == nil {
		return 0, false
	}
	return best.PlayerID, true
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

func (r *Registry) MatchOf(player int64) (*Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPlayer[player]
	if !ok {
		return nil, false
	}
	m, ok := r.matches[id]
	return m, ok
}

func (r *Registry) Get(id int64) (*Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matches[id]
	return m, ok
}

// ActiveIDs returns the ids of every live match in ascending order.
func (r *Registry) ActiveIDs() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.matches))
	for id := range r.matches {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Remove drops the match and both player index entries. It reports whether
// this call did the removal; later calls are no-ops.
func (r *Registry) Remove(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.matches[id]
	if !ok {
		return false
	}
	delete(r.matches, id)
	for _, p := range m.Players() {
		if r.byPlayer[p] == id {
			delete(r.byPlayer, p)
		}
	}
	r.removed++
	r.metrics.matchRemoved(len(r.matches))
	r.log.Info().Int64("match", id).Int("active", len(r.matches)).Msg("Match removed")
	return true
}

// QueueDirection routes a direction command to the player's match.
func (r *Registry) QueueDirection(player int64, dir Direction, at time.Time) (*Match, error) {
	m, ok := r.MatchOf(player)
	if !ok {
		r.metrics.commandRejected(ErrNoMatch)
		return nil, ErrNoMatch
	}
	if m.Finished() {
		r.metrics.commandRejected(ErrMatchFinished)
		return m, &MatchError{MatchID: m.ID, Err: ErrMatchFinished}
	}
	if err := m.QueueDirection(player, dir, at); err != nil {
		r.metrics.commandRejected(err)
		return m, &MatchError{MatchID: m.ID, Err: err}
	}
	return m, nil
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		Waiting:        len(r.waiting),
		Playing:        len(r.byPlayer),
		ActiveMatches:  len(r.matches),
		MatchesCreated: r.created,
		MatchesRemoved: r.removed,
	}
}
