package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Settlement is the result of ending a match.
type Settlement struct {
	MatchID  int64  `json:"match_id"`
	WinnerID *int64 `json:"winner_id"`
	Draw     bool   `json:"draw"`
	Bank     Amount `json:"bank"`
	Prize    Amount `json:"prize"`
	HouseCut Amount `json:"house_cut"`
	// PaidOut is true only for the call that performed the transfers.
	PaidOut bool `json:"paid_out"`
}

// Settler pays out finished matches and retires them from the registry.
// Both players' end signals, the scheduler's finished hook and the result
// sweep may race into Settle; the match's payout guard lets exactly one of
// them transfer money. A settled match stays readable until both players have
// ended it or the result grace period has passed.
type Settler struct {
	reg      *Registry
	payments Payments
	metrics  *Metrics
	log      zerolog.Logger
	timeout  time.Duration
	epoch    uuid.UUID
}

// NewSettler returns a settler. A nil payments provider skips transfers.
func NewSettler(reg *Registry, payments Payments, metrics *Metrics, logger zerolog.Logger) *Settler {
	return &Settler{
		reg:      reg,
		payments: payments,
		metrics:  metrics,
		log:      logger.With().Str("component", "settler").Logger(),
		timeout:  30 * time.Second,
		epoch:    uuid.New(),
	}
}

// Settle pays out a finished match. Only the first call transfers money;
// later calls get the same outcome with PaidOut false. Transfer failures come
// back as a *PayoutError. Transfers are detached from ctx's cancellation so a
// dropped request cannot abandon a claimed payout.
func (s *Settler) Settle(ctx context.Context, matchID int64) (Settlement, error) {
	m, ok := s.reg.Get(matchID)
	if !ok {
		return Settlement{}, &MatchError{MatchID: matchID, Err: ErrNoMatch}
	}
	if !m.Finished() {
		return Settlement{}, &MatchError{MatchID: matchID, Err: ErrMatchInProgress}
	}

	res := s.outcome(m)
	if !m.ClaimPayout() {
		s.log.Debug().Int64("match", matchID).Msg("Payout already claimed")
		return res, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	res.PaidOut = true
	if err := s.payout(ctx, res); err != nil {
		s.log.Error().Err(err).Int64("match", matchID).Msg("Payout incomplete")
		return res, err
	}
	return res, nil
}

// End handles player's end-of-game signal: it settles the match if nobody has
// yet and removes it once both players have ended it.
func (s *Settler) End(ctx context.Context, matchID, player int64) (Settlement, error) {
	m, ok := s.reg.Get(matchID)
	if !ok {
		return Settlement{}, &MatchError{MatchID: matchID, Err: ErrNoMatch}
	}
	if !m.Has(player) {
		return Settlement{}, &MatchError{MatchID: matchID, Err: ErrUnknownPlayer}
	}

	res, err := s.Settle(ctx, matchID)
	var payErr *PayoutError
	if err != nil && !errors.As(err, &payErr) {
		return res, err
	}

	both, ackErr := m.EndFor(player)
	if ackErr != nil {
		return res, &MatchError{MatchID: matchID, Err: ackErr}
	}
	if both {
		s.reg.Remove(matchID)
	}
	return res, err
}

// SettleFinished is the scheduler's finished hook.
func (s *Settler) SettleFinished(m *Match) {
	if _, err := s.Settle(context.Background(), m.ID); err != nil {
		s.log.Warn().Err(err).Int64("match", m.ID).Msg("Settlement after final tick failed")
	}
}

// Sweep settles and removes every match that finished at least the result
// grace period before now. It returns the number of matches removed.
func (s *Settler) Sweep(ctx context.Context, now time.Time) int {
	grace := s.reg.Config().ResultGrace
	removed := 0
	for _, id := range s.reg.ActiveIDs() {
		m, ok := s.reg.Get(id)
		if !ok || !m.Finished() || now.Sub(m.FinishedAt()) < grace {
			continue
		}
		if _, err := s.Settle(ctx, id); err != nil {
			s.log.Warn().Err(err).Int64("match", id).Msg("Settlement before removal failed")
		}
		if s.reg.Remove(id) {
			removed++
		}
	}
	return removed
}

// Reap runs Sweep every interval until ctx is cancelled.
func (s *Settler) Reap(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Sweep(ctx, now); n > 0 {
				s.log.Info().Int("removed", n).Msg("Expired match results removed")
			}
		}
	}
}

func (s *Settler) outcome(m *Match) Settlement {
	cfg := s.reg.Config()
	bank := cfg.Stake * 2
	res := Settlement{MatchID: m.ID, Bank: bank}

	winner, ok := m.Winner()
	if !ok {
		res.Draw = true
		if cfg.HouseAccount != 0 {
			res.HouseCut = bank
		}
		return res
	}
	res.WinnerID = &winner
	res.Prize = bank.Share(cfg.WinnerShare)
	if cfg.HouseAccount != 0 {
		res.HouseCut = bank.Share(cfg.HouseShare)
	}
	return res
}

func (s *Settler) payout(ctx context.Context, res Settlement) error {
	if s.payments == nil {
		s.log.Info().Int64("match", res.MatchID).Msg("No payment provider, skipping transfers")
		return nil
	}
	house := s.reg.Config().HouseAccount

	var errs *multierror.Error
	if res.WinnerID != nil && res.Prize > 0 {
		if err := s.transfer(ctx, res.MatchID, "winner", *res.WinnerID, res.Prize); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("winner %d: %w", *res.WinnerID, err))
		}
	}
	if house != 0 && res.HouseCut > 0 {
		if err := s.transfer(ctx, res.MatchID, "house", house, res.HouseCut); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("house %d: %w", house, err))
		}
	}
	if errs.ErrorOrNil() != nil {
		return &PayoutError{MatchID: res.MatchID, Errs: errs}
	}
	return nil
}

func (s *Settler) transfer(ctx context.Context, matchID int64, role string, player int64, amount Amount) error {
	err := s.payments.Transfer(ctx, player, amount, s.SpendID(matchID, role))
	s.metrics.payout(err)
	if err != nil {
		return err
	}
	s.log.Info().
		Int64("match", matchID).
		Int64("player", player).
		Str("role", role).
		Stringer("amount", amount).
		Msg("Transfer sent")
	return nil
}

// SpendID is the idempotency key for a payout. Within one settler it depends
// only on the match and the recipient role, so a retried transfer reuses it;
// match ids restart with the process, so each settler draws its own namespace.
func (s *Settler) SpendID(matchID int64, role string) string {
	return uuid.NewSHA1(s.epoch, fmt.Appendf(nil, "%d/%s", matchID, role)).String()
}
