package payment

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schlangen.tv/duel/engine"
)

func TestDebugInvoicesArePaid(t *testing.T) {
	d := NewDebug(zerolog.Nop())
	ctx := context.Background()

	inv, err := d.CreateInvoice(ctx, 1, 100)
	require.NoError(t, err)
	assert.True(t, inv.Settled())
	assert.Equal(t, "debug://invoice/1", inv.PayURL)

	got, err := d.CheckInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv, got)

	_, err = d.CheckInvoice(ctx, 99)
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestDebugTransfersDeduplicate(t *testing.T) {
	d := NewDebug(zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, d.Transfer(ctx, 2, 150, "a"))
	require.NoError(t, d.Transfer(ctx, 2, 150, "a"))
	require.NoError(t, d.Transfer(ctx, 9, 50, "b"))

	assert.Equal(t, []Transfer{
		{PlayerID: 2, Amount: 150, SpendID: "a"},
		{PlayerID: 9, Amount: 50, SpendID: "b"},
	}, d.Transfers())
}

// playServerMatch runs a default match between players 1 and 2 on srv and
// returns its id.
func playServerMatch(t *testing.T, srv *engine.Server) int64 {
	t.Helper()
	reg := srv.Registry
	for _, p := range []int64{1, 2} {
		_, err := reg.Enqueue(p, 0)
		require.NoError(t, err)
	}
	id, err := reg.CreateMatch(1, 2)
	require.NoError(t, err)
	m, _ := reg.Get(id)

	now := time.Now()
	require.True(t, m.Start(now))
	for m.Tick(now) {
		now = now.Add(reg.Config().TickInterval)
	}
	return id
}

func TestDebugSettlesAServerMatch(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.HouseAccount = 1000
	d := NewDebug(zerolog.Nop())
	srv := engine.NewServer(cfg, d, zerolog.Nop())
	id := playServerMatch(t, srv)

	res, err := srv.Settler.End(context.Background(), id, 1)
	require.NoError(t, err)
	assert.True(t, res.PaidOut)

	// Ending again cannot pay twice.
	res, err = srv.Settler.End(context.Background(), id, 2)
	require.NoError(t, err)
	assert.False(t, res.PaidOut)
	assert.Equal(t, []Transfer{
		{PlayerID: 2, Amount: 150, SpendID: srv.Settler.SpendID(id, "winner")},
		{PlayerID: 1000, Amount: 50, SpendID: srv.Settler.SpendID(id, "house")},
	}, d.Transfers())

	_, err = srv.Settler.End(context.Background(), id, 2)
	assert.ErrorIs(t, err, engine.ErrNoMatch)
}

func TestRestartedServerStillPays(t *testing.T) {
	d := NewDebug(zerolog.Nop())
	for i := 0; i < 2; i++ {
		srv := engine.NewServer(engine.DefaultConfig(), d, zerolog.Nop())
		id := playServerMatch(t, srv)
		require.Equal(t, int64(1), id, "match ids restart with the process")
		_, err := srv.Settler.End(context.Background(), id, 2)
		require.NoError(t, err)
	}
	assert.Len(t, d.Transfers(), 2)
}
