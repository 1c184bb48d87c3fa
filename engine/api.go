package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

var errProvider = errors.New("payment provider")

type gameRequest struct {
	UserID    int64   `json:"user_id"`
	PlayerID  int64   `json:"player_id"`
	Direction string  `json:"direction"`
	Timestamp float64 `json:"timestamp"`
}

func (q gameRequest) player() int64 {
	if q.UserID != 0 {
		return q.UserID
	}
	return q.PlayerID
}

// API serves the JSON endpoints the web client polls under /api/game/.
type API struct {
	reg         *Registry
	settler     *Settler
	payments    Payments
	broadcaster Broadcaster
	log         zerolog.Logger
	now         func() time.Time
}

// NewAPI wires the handlers. payments is only consulted when the registry
// requires payment; broadcaster may be nil.
func NewAPI(reg *Registry, settler *Settler, payments Payments, broadcaster Broadcaster, logger zerolog.Logger) *API {
	return &API{
		reg:         reg,
		settler:     settler,
		payments:    payments,
		broadcaster: broadcaster,
		log:         logger.With().Str("component", "api").Logger(),
		now:         time.Now,
	}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/game/start", a.withPlayer(a.handleStart))
	mux.HandleFunc("POST /api/game/status", a.withPlayer(a.handleStatus))
	mux.HandleFunc("POST /api/game/check-payment", a.withPlayer(a.handleCheckPayment))
	mux.HandleFunc("POST /api/game/ready", a.withPlayer(a.handleReady))
	mux.HandleFunc("POST /api/game/start-play", a.withPlayer(a.handleStartPlay))
	mux.HandleFunc("POST /api/game/state", a.withPlayer(a.handleState))
	mux.HandleFunc("POST /api/game/direction", a.withPlayer(a.handleDirection))
	mux.HandleFunc("POST /api/game/end", a.withPlayer(a.handleEnd))
}

// ---------------------------------------------------------------------------
// Plumbing
// ---------------------------------------------------------------------------

type playerHandler func(w http.ResponseWriter, r *http.Request, req gameRequest) error

func (a *API) withPlayer(h playerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gameRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		if req.player() == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id required"})
			return
		}
		if err := h(w, r, req); err != nil {
			code := statusFor(err)
			ev := a.log.Warn()
			if code >= 500 {
				ev = a.log.Error()
			}
			ev.Err(err).Int64("player", req.player()).Str("path", r.URL.Path).Int("status", code).Msg("Request rejected")
			writeJSON(w, code, map[string]string{"error": err.Error()})
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errProvider):
		return http.StatusBadGateway
	case errors.Is(err, ErrNoMatch):
		return http.StatusNotFound
	case errors.Is(err, ErrMatchNotCreated),
		errors.Is(err, ErrMatchInProgress),
		errors.Is(err, ErrAlreadyInMatch):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (a *API) match(player int64) (*Match, error) {
	m, ok := a.reg.MatchOf(player)
	if !ok {
		return nil, fmt.Errorf("not in game: %w", ErrNoMatch)
	}
	return m, nil
}

func (a *API) broadcast(id int64) {
	if a.broadcaster == nil {
		return
	}
	if err := a.broadcaster.Broadcast(id); err != nil {
		a.log.Debug().Err(err).Int64("match", id).Msg("Broadcast failed")
	}
}

// ---------------------------------------------------------------------------
// Matchmaking
// ---------------------------------------------------------------------------

type statusResponse struct {
	Status     string  `json:"status"`
	Paid       bool    `json:"paid"`
	MatchID    int64   `json:"match_id,omitempty"`
	OpponentID int64   `json:"opponent_id,omitempty"`
	InvoiceID  int64   `json:"invoice_id,omitempty"`
	InvoiceURL string  `json:"invoice_url,omitempty"`
	Amount     string  `json:"amount,omitempty"`
	Countdown  float64 `json:"countdown,omitempty"`
	WinnerID   *int64  `json:"winner_id,omitempty"`
}

// status describes where player stands: no_game, payment_required,
// waiting_opponent, ready_to_start, playing or finished.
func (a *API) status(player int64) statusResponse {
	if m, ok := a.reg.MatchOf(player); ok {
		snap := m.Snapshot()
		opp, _ := m.Opponent(player)
		res := statusResponse{Paid: true, MatchID: m.ID, OpponentID: opp}
		switch {
		case snap.Finished:
			res.Status = "finished"
			res.WinnerID = snap.WinnerID
		case snap.Running:
			res.Status = "playing"
		default:
			res.Status = "ready_to_start"
			res.Countdown = a.reg.Config().StartDelay.Seconds()
			if snap.StartTime != nil {
				res.Countdown = max(0, *snap.StartTime-unixSeconds(a.now()))
			}
		}
		return res
	}
	t, ok := a.reg.Ticket(player)
	if !ok {
		return statusResponse{Status: "no_game"}
	}
	res := statusResponse{Status: "waiting_opponent", Paid: t.Paid, InvoiceID: t.InvoiceID}
	if a.reg.Config().RequirePayment && !t.Paid {
		res.Status = "payment_required"
		res.Amount = a.reg.Config().Stake.String()
	}
	return res
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request, req gameRequest) error {
	player := req.player()
	if _, ok := a.reg.MatchOf(player); ok {
		writeJSON(w, http.StatusOK, a.status(player))
		return nil
	}

	t, err := a.reg.Enqueue(player, 0)
	if err != nil {
		return err
	}

	cfg := a.reg.Config()
	if cfg.RequirePayment && !t.Paid {
		if t.InvoiceID != 0 {
			writeJSON(w, http.StatusOK, a.status(player))
			return nil
		}
		if a.payments == nil {
			return fmt.Errorf("%w: not configured", errProvider)
		}
		inv, err := a.payments.CreateInvoice(r.Context(), player, cfg.Stake)
		if err != nil {
			return fmt.Errorf("%w: create invoice: %w", errProvider, err)
		}
		if _, err := a.reg.Enqueue(player, inv.ID); err != nil {
			return err
		}
		res := a.status(player)
		res.InvoiceURL = inv.PayURL
		writeJSON(w, http.StatusOK, res)
		return nil
	}

	if _, err := a.reg.Pair(player); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, a.status(player))
	return nil
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request, req gameRequest) error {
	player := req.player()
	if _, ok := a.reg.Ticket(player); ok {
		// A waiting player may have become pairable since the last poll.
		if _, err := a.reg.Pair(player); err != nil {
			a.log.Debug().Err(err).Int64("player", player).Msg("Pairing on status poll failed")
		}
	}
	writeJSON(w, http.StatusOK, a.status(player))
	return nil
}

func (a *API) handleCheckPayment(w http.ResponseWriter, r *http.Request, req gameRequest) error {
	player := req.player()
	if _, ok := a.reg.MatchOf(player); ok {
		writeJSON(w, http.StatusOK, a.status(player))
		return nil
	}
	t, ok := a.reg.Ticket(player)
	if !ok {
		return ErrNotWaiting
	}
	if !t.Paid {
		if t.InvoiceID == 0 {
			return errors.New("no invoice issued")
		}
		if a.payments == nil {
			return fmt.Errorf("%w: not configured", errProvider)
		}
		inv, err := a.payments.CheckInvoice(r.Context(), t.InvoiceID)
		if err != nil {
			return fmt.Errorf("%w: check invoice: %w", errProvider, err)
		}
		if !inv.Settled() {
			a.log.Info().Int64("player", player).Int64("invoice", inv.ID).Str("invoiceStatus", string(inv.Status)).Msg("Invoice not paid yet")
			writeJSON(w, http.StatusOK, a.status(player))
			return nil
		}
		if err := a.reg.MarkPaid(player); err != nil {
			return err
		}
	}
	if _, err := a.reg.Pair(player); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, a.status(player))
	return nil
}

// ---------------------------------------------------------------------------
// Match lifecycle
// ---------------------------------------------------------------------------

type readyResponse struct {
	Ready        bool     `json:"ready"`
	BothReady    bool     `json:"both_ready"`
	StartTime    *float64 `json:"game_start_timestamp"`
	Player1Ready bool     `json:"player1_ready"`
	Player2Ready bool     `json:"player2_ready"`
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request, req gameRequest) error {
	player := req.player()
	m, err := a.match(player)
	if err != nil {
		return err
	}
	both, startAt, err := m.MarkReady(player, a.now())
	if err != nil {
		return &MatchError{MatchID: m.ID, Err: err}
	}
	snap := m.Snapshot()
	a.broadcast(m.ID)
	writeJSON(w, http.StatusOK, readyResponse{
		Ready:        true,
		BothReady:    both,
		StartTime:    optionalSeconds(startAt),
		Player1Ready: snap.Player1Ready,
		Player2Ready: snap.Player2Ready,
	})
	return nil
}

func (a *API) handleStartPlay(w http.ResponseWriter, r *http.Request, req gameRequest) error {
	m, err := a.match(req.player())
	if err != nil {
		return err
	}
	started := m.Start(a.now())
	snap := m.Snapshot()
	if started {
		a.broadcast(m.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"started":      started,
		"game_running": snap.Running,
		"tick_number":  snap.Tick,
	})
	return nil
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request, req gameRequest) error {
	player := req.player()
	m, err := a.match(player)
	if err != nil {
		return err
	}
	view, err := m.View(player, a.now())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, view)
	return nil
}

func (a *API) handleDirection(w http.ResponseWriter, r *http.Request, req gameRequest) error {
	player := req.player()
	dir, err := ParseDirection(req.Direction)
	if err != nil {
		return err
	}
	now := a.now()
	m, err := a.reg.QueueDirection(player, dir, commandTime(req.Timestamp, now))
	if err != nil {
		return err
	}
	view, err := m.View(player, now)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"tick_number": view.Tick,
		"state":       view,
	})
	return nil
}

type endResponse struct {
	Winner   bool   `json:"winner"`
	WinnerID *int64 `json:"winner_id"`
	Prize    string `json:"prize"`
	Draw     bool   `json:"draw"`
	MatchID  int64  `json:"match_id"`
	Payout   string `json:"payout_error,omitempty"`
}

func (a *API) handleEnd(w http.ResponseWriter, r *http.Request, req gameRequest) error {
	player := req.player()
	m, err := a.match(player)
	if err != nil {
		return err
	}
	res, err := a.settler.End(r.Context(), m.ID, player)
	var payErr *PayoutError
	if err != nil && !errors.As(err, &payErr) {
		return err
	}

	out := endResponse{
		WinnerID: res.WinnerID,
		Prize:    Amount(0).String(),
		Draw:     res.Draw,
		MatchID:  res.MatchID,
	}
	if res.WinnerID != nil && *res.WinnerID == player {
		out.Winner = true
		out.Prize = res.Prize.String()
	}
	if payErr != nil {
		out.Payout = payErr.Error()
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}
