package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewRegistry(cfg, metrics, zerolog.Nop()), metrics
}

func enqueue(t *testing.T, r *Registry, players ...int64) {
	t.Helper()
	for _, p := range players {
		_, err := r.Enqueue(p, 0)
		require.NoError(t, err)
	}
}

func TestCreateMatch(t *testing.T) {
	r, metrics := newTestRegistry(t, testConfig())
	enqueue(t, r, 10, 20)

	id, err := r.CreateMatch(10, 20)
	require.NoError(t, err)

	m, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, [2]int64{10, 20}, m.Players())

	for _, p := range []int64{10, 20} {
		got, ok := r.MatchOf(p)
		require.True(t, ok)
		assert.Same(t, m, got)
		_, waiting := r.Ticket(p)
		assert.False(t, waiting)
	}

	stats := r.Stats()
	assert.Equal(t, 0, stats.Waiting)
	assert.Equal(t, 2, stats.Playing)
	assert.Equal(t, 1, stats.ActiveMatches)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.matchesCreated))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.activeMatches))
}

func TestCreateMatchFailures(t *testing.T) {
	cfg := testConfig()
	cfg.RequirePayment = true
	r, _ := newTestRegistry(t, cfg)
	enqueue(t, r, 1, 2, 3, 4)
	require.NoError(t, r.MarkPaid(1))
	require.NoError(t, r.MarkPaid(2))
	require.NoError(t, r.MarkPaid(4))

	_, err := r.CreateMatch(1, 1)
	assert.ErrorIs(t, err, ErrMatchNotCreated)

	_, err = r.CreateMatch(1, 3)
	assert.ErrorIs(t, err, ErrMatchNotCreated)
	assert.ErrorIs(t, err, ErrNotPaid)

	_, err = r.CreateMatch(1, 99)
	assert.ErrorIs(t, err, ErrNotWaiting)

	_, err = r.CreateMatch(1, 2)
	require.NoError(t, err)

	_, err = r.CreateMatch(2, 4)
	assert.ErrorIs(t, err, ErrMatchNotCreated)
	assert.ErrorIs(t, err, ErrAlreadyInMatch)

	assert.Equal(t, 1, r.Stats().ActiveMatches)
	_, waiting := r.Ticket(4)
	assert.True(t, waiting, "failed attempt changes nothing")
}

func TestCreateMatchRace(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	enqueue(t, r, 10, 20)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p1, p2 := int64(10), int64(20)
			if i%2 == 1 {
				p1, p2 = p2, p1
			}
			if _, err := r.CreateMatch(p1, p2); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			} else if !errors.Is(err, ErrMatchNotCreated) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, r.ActiveIDs(), 1)
}

func TestPairPicksOldestOpponent(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	clock := t0
	r.now = func() time.Time { return clock }

	for _, p := range []int64{30, 20, 10} {
		enqueue(t, r, p)
		clock = clock.Add(time.Second)
	}
	_, err := r.Enqueue(40, 0)
	require.NoError(t, err)

	m, err := r.Pair(40)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, [2]int64{30, 40}, m.Players(), "opponent is player one")

	// Pairing again returns the existing match.
	again, err := r.Pair(40)
	require.NoError(t, err)
	assert.Same(t, m, again)
}

func TestPairTieBreaksOnPlayerID(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	r.now = func() time.Time { return t0 }
	enqueue(t, r, 7, 5, 9)

	m, err := r.Pair(9)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, [2]int64{5, 9}, m.Players())
}

func TestPairWithoutOpponent(t *testing.T) {
	cfg := testConfig()
	cfg.RequirePayment = true
	r, _ := newTestRegistry(t, cfg)
	enqueue(t, r, 1, 2)

	m, err := r.Pair(1)
	require.NoError(t, err)
	assert.Nil(t, m, "unpaid players are not paired")

	require.NoError(t, r.MarkPaid(1))
	m, err = r.Pair(1)
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, r.MarkPaid(2))
	m, err = r.Pair(1)
	require.NoError(t, err)
	require.NotNil(t, m)
}

func TestConcurrentPairing(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	const players = 40
	for p := int64(1); p <= players; p++ {
		enqueue(t, r, p)
	}

	var wg sync.WaitGroup
	for p := int64(1); p <= players; p++ {
		wg.Add(1)
		go func(p int64) {
			defer wg.Done()
			_, _ = r.Pair(p)
		}(p)
	}
	wg.Wait()

	// Anyone left over pairs up without contention.
	for p := int64(1); p <= players; p++ {
		_, err := r.Pair(p)
		require.NoError(t, err)
	}

	seen := make(map[int64]int64)
	for _, id := range r.ActiveIDs() {
		m, ok := r.Get(id)
		require.True(t, ok)
		for _, p := range m.Players() {
			prev, dup := seen[p]
			require.False(t, dup, "player %d in matches %d and %d", p, prev, id)
			seen[p] = id
			got, ok := r.MatchOf(p)
			require.True(t, ok)
			assert.Equal(t, id, got.ID)
		}
	}
	assert.Len(t, seen, players)
	assert.Equal(t, players/2, r.Stats().ActiveMatches)
}

func TestEnqueue(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())

	first, err := r.Enqueue(1, 0)
	require.NoError(t, err)
	second, err := r.Enqueue(1, 55)
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, int64(55), second.InvoiceID)

	assert.ErrorIs(t, r.MarkPaid(2), ErrNotWaiting)
	assert.True(t, r.Withdraw(1))
	assert.False(t, r.Withdraw(1))

	enqueue(t, r, 1, 2)
	_, err = r.CreateMatch(1, 2)
	require.NoError(t, err)
	_, err = r.Enqueue(1, 0)
	assert.ErrorIs(t, err, ErrAlreadyInMatch)
}

func TestRemoveIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	enqueue(t, r, 1, 2)
	id, err := r.CreateMatch(1, 2)
	require.NoError(t, err)

	assert.True(t, r.Remove(id))
	assert.False(t, r.Remove(id))

	_, ok := r.MatchOf(1)
	assert.False(t, ok)
	_, ok = r.Get(id)
	assert.False(t, ok)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.MatchesCreated)
	assert.Equal(t, int64(1), stats.MatchesRemoved)
	assert.Zero(t, stats.Playing)

	// Both players may queue again.
	enqueue(t, r, 1, 2)
}

func TestMatchIDsAreNotReused(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	enqueue(t, r, 1, 2)
	first, err := r.CreateMatch(1, 2)
	require.NoError(t, err)
	require.True(t, r.Remove(first))

	enqueue(t, r, 1, 2)
	second, err := r.CreateMatch(1, 2)
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestRegistryQueueDirection(t *testing.T) {
	r, metrics := newTestRegistry(t, testConfig())

	_, err := r.QueueDirection(1, Up, t0)
	assert.ErrorIs(t, err, ErrNoMatch)

	enqueue(t, r, 1, 2)
	id, err := r.CreateMatch(1, 2)
	require.NoError(t, err)
	m, _ := r.Get(id)
	require.True(t, m.Start(t0))

	got, err := r.QueueDirection(1, Down, t0)
	require.NoError(t, err)
	assert.Same(t, m, got)

	_, err = r.QueueDirection(1, Direction(-1), t0)
	var merr *MatchError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, id, merr.MatchID)
	assert.ErrorIs(t, err, ErrInvalidDirection)

	playOut(t, m, t0)
	_, err = r.QueueDirection(2, Up, time.Now())
	assert.ErrorIs(t, err, ErrMatchFinished)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.commandsRejected.WithLabelValues("no_match")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.commandsRejected.WithLabelValues("invalid_direction")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.commandsRejected.WithLabelValues("finished")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	r := NewRegistry(testConfig(), nil, zerolog.Nop())
	enqueue(t, r, 1, 2)
	id, err := r.CreateMatch(1, 2)
	require.NoError(t, err)
	_, err = r.QueueDirection(3, Up, t0)
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.True(t, r.Remove(id))
}
