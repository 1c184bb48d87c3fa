package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const house = int64(999)

func finishedMatch(t *testing.T, r *Registry, p1, p2 int64) *Match {
	t.Helper()
	enqueue(t, r, p1, p2)
	id, err := r.CreateMatch(p1, p2)
	require.NoError(t, err)
	m, _ := r.Get(id)
	require.True(t, m.Start(t0))
	playOut(t, m, t0)
	return m
}

func drawnMatch(t *testing.T, r *Registry, id int64) *Match {
	t.Helper()
	m := newMatch(id, r.Config(), [2]*Snake{
		NewSnake(10, Cell{5, 5}, Right, 3),
		NewSnake(20, Cell{5, 7}, Left, 3),
	}, zerolog.Nop())
	require.True(t, m.Start(t0))
	require.False(t, m.Tick(t0))
	injectMatch(t, r, m)
	return m
}

func settleSetup(t *testing.T, houseAccount int64) (*Registry, *Settler, *fakePayments, *Metrics) {
	t.Helper()
	cfg := testConfig()
	cfg.HouseAccount = houseAccount
	r, metrics := newTestRegistry(t, cfg)
	payments := newFakePayments()
	return r, NewSettler(r, payments, metrics, zerolog.Nop()), payments, metrics
}

func TestSettleWinnerAndHouse(t *testing.T) {
	r, s, payments, metrics := settleSetup(t, house)
	m := finishedMatch(t, r, 10, 20)

	res, err := s.Settle(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, res.PaidOut)
	assert.False(t, res.Draw)
	require.NotNil(t, res.WinnerID)
	assert.Equal(t, int64(20), *res.WinnerID)
	assert.Equal(t, Amount(200), res.Bank)
	assert.Equal(t, Amount(150), res.Prize)
	assert.Equal(t, Amount(50), res.HouseCut)

	assert.Equal(t, []transferCall{
		{PlayerID: 20, Amount: 150, SpendID: s.SpendID(m.ID, "winner")},
		{PlayerID: house, Amount: 50, SpendID: s.SpendID(m.ID, "house")},
	}, payments.sent())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.payouts.WithLabelValues("ok")))

	// Paying out leaves the result readable.
	_, ok := r.MatchOf(10)
	assert.True(t, ok)

	again, err := s.Settle(context.Background(), m.ID)
	require.NoError(t, err)
	assert.False(t, again.PaidOut)
	assert.Equal(t, res.Prize, again.Prize)
	assert.Len(t, payments.sent(), 2)
}

func TestSettleDrawGoesToHouse(t *testing.T) {
	r, s, payments, _ := settleSetup(t, house)
	m := drawnMatch(t, r, 1)

	res, err := s.Settle(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, res.Draw)
	assert.Nil(t, res.WinnerID)
	assert.Zero(t, res.Prize)
	assert.Equal(t, Amount(200), res.HouseCut)
	assert.Equal(t, []transferCall{
		{PlayerID: house, Amount: 200, SpendID: s.SpendID(m.ID, "house")},
	}, payments.sent())
}

func TestSettleWithoutHouseAccount(t *testing.T) {
	r, s, payments, _ := settleSetup(t, 0)
	won := finishedMatch(t, r, 10, 20)
	drawn := drawnMatch(t, r, 50)

	_, err := s.Settle(context.Background(), won.ID)
	require.NoError(t, err)
	res, err := s.Settle(context.Background(), drawn.ID)
	require.NoError(t, err)
	assert.Zero(t, res.HouseCut)

	sent := payments.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(20), sent[0].PlayerID)
	assert.Equal(t, Amount(150), sent[0].Amount)
}

func TestConcurrentSettlePaysOnce(t *testing.T) {
	r, s, payments, _ := settleSetup(t, house)
	m := finishedMatch(t, r, 10, 20)

	var wg sync.WaitGroup
	var mu sync.Mutex
	paid := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Settle(context.Background(), m.ID)
			assert.NoError(t, err)
			if res.PaidOut {
				mu.Lock()
				paid++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, paid)
	assert.Len(t, payments.sent(), 2)
}

func TestEndRemovesAfterBothPlayers(t *testing.T) {
	r, s, payments, _ := settleSetup(t, house)
	m := finishedMatch(t, r, 10, 20)

	res, err := s.End(context.Background(), m.ID, 20)
	require.NoError(t, err)
	assert.True(t, res.PaidOut)

	_, ok := r.MatchOf(10)
	require.True(t, ok, "the loser can still read the result")

	res, err = s.End(context.Background(), m.ID, 10)
	require.NoError(t, err)
	assert.False(t, res.PaidOut)
	require.NotNil(t, res.WinnerID)
	assert.Equal(t, int64(20), *res.WinnerID)

	_, ok = r.Get(m.ID)
	assert.False(t, ok)
	assert.Zero(t, r.Stats().ActiveMatches)
	assert.Len(t, payments.sent(), 2)

	_, err = s.End(context.Background(), m.ID, 10)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestEndIsIdempotentPerPlayer(t *testing.T) {
	r, s, _, _ := settleSetup(t, house)
	m := finishedMatch(t, r, 10, 20)

	for i := 0; i < 3; i++ {
		_, err := s.End(context.Background(), m.ID, 20)
		require.NoError(t, err)
	}
	_, ok := r.Get(m.ID)
	assert.True(t, ok, "one player ending repeatedly is not both players")

	_, err := s.End(context.Background(), m.ID, 99)
	assert.ErrorIs(t, err, ErrUnknownPlayer)
}

func TestPayoutSurvivesCancelledRequest(t *testing.T) {
	r, s, payments, _ := settleSetup(t, house)
	m := finishedMatch(t, r, 10, 20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.End(ctx, m.ID, 20)
	require.NoError(t, err)
	assert.True(t, res.PaidOut)
	assert.Len(t, payments.sent(), 2)
}

func TestSettleReportsFailedTransfers(t *testing.T) {
	r, s, payments, metrics := settleSetup(t, house)
	m := finishedMatch(t, r, 10, 20)
	boom := errors.New("wallet frozen")
	payments.failFor[20] = boom

	res, err := s.End(context.Background(), m.ID, 20)
	require.Error(t, err)
	assert.True(t, res.PaidOut)

	var perr *PayoutError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, m.ID, perr.MatchID)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "winner 20")

	// The house transfer still went out.
	require.Len(t, payments.sent(), 1)
	assert.Equal(t, house, payments.sent()[0].PlayerID)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.payouts.WithLabelValues("failed")))

	// The guard is spent: later calls report the outcome without paying again.
	res, err = s.End(context.Background(), m.ID, 10)
	require.NoError(t, err)
	assert.False(t, res.PaidOut)
	assert.Len(t, payments.sent(), 1)
	_, ok := r.Get(m.ID)
	assert.False(t, ok)
}

func TestSettleRejectsRunningMatch(t *testing.T) {
	r, s, payments, _ := settleSetup(t, house)
	enqueue(t, r, 10, 20)
	id, err := r.CreateMatch(10, 20)
	require.NoError(t, err)

	_, err = s.Settle(context.Background(), id)
	assert.ErrorIs(t, err, ErrMatchInProgress)
	var merr *MatchError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, id, merr.MatchID)

	_, err = s.End(context.Background(), id, 10)
	assert.ErrorIs(t, err, ErrMatchInProgress)

	_, ok := r.Get(id)
	assert.True(t, ok)
	assert.Empty(t, payments.sent())

	_, err = s.Settle(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestSettleWithoutProvider(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	s := NewSettler(r, nil, nil, zerolog.Nop())
	m := finishedMatch(t, r, 10, 20)

	res, err := s.Settle(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, res.PaidOut)
}

func TestSweepRemovesExpiredResults(t *testing.T) {
	r, s, payments, _ := settleSetup(t, house)
	done := finishedMatch(t, r, 10, 20)
	enqueue(t, r, 30, 40)
	liveID, err := r.CreateMatch(30, 40)
	require.NoError(t, err)

	grace := r.Config().ResultGrace
	finishedAt := done.FinishedAt()
	require.False(t, finishedAt.IsZero())

	assert.Zero(t, s.Sweep(context.Background(), finishedAt.Add(grace-time.Second)))
	_, ok := r.Get(done.ID)
	assert.True(t, ok)

	assert.Equal(t, 1, s.Sweep(context.Background(), finishedAt.Add(grace)))
	_, ok = r.Get(done.ID)
	assert.False(t, ok)
	_, ok = r.Get(liveID)
	assert.True(t, ok, "live matches are never swept")

	// Nobody ended the match, so the sweep paid it out before removing it.
	assert.Len(t, payments.sent(), 2)
}

func TestSpendID(t *testing.T) {
	r, s, _, _ := settleSetup(t, house)
	a := s.SpendID(7, "winner")
	assert.Equal(t, a, s.SpendID(7, "winner"))
	assert.NotEqual(t, a, s.SpendID(7, "house"))
	assert.NotEqual(t, a, s.SpendID(8, "winner"))

	id, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), id.Version())

	// Match ids restart with the process; the keys must not.
	restarted := NewSettler(r, nil, nil, zerolog.Nop())
	assert.NotEqual(t, a, restarted.SpendID(7, "winner"))
}
