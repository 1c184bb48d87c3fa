package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"schlangen.tv/duel/engine"
)

// Transfer is a payout recorded by the debug provider.
type Transfer struct {
	PlayerID int64
	Amount   engine.Amount
	SpendID  string
}

// Debug approves every invoice immediately and only logs transfers. A spend
// id seen twice is recorded once, as the real provider does.
type Debug struct {
	log zerolog.Logger

	mu        sync.Mutex
	nextID    int64
	invoices  map[int64]*engine.Invoice
	transfers []Transfer
	spent     map[string]bool
}

func NewDebug(logger zerolog.Logger) *Debug {
	return &Debug{
		log:      logger.With().Str("component", "payments-debug").Logger(),
		invoices: make(map[int64]*engine.Invoice),
		spent:    make(map[string]bool),
	}
}

var _ engine.Payments = (*Debug)(nil)

func (d *Debug) CreateInvoice(_ context.Context, playerID int64, amount engine.Amount) (*engine.Invoice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	inv := &engine.Invoice{
		ID:     d.nextID,
		Status: engine.InvoicePaid,
		Amount: amount,
		PayURL: fmt.Sprintf("debug://invoice/%d", d.nextID),
	}
	d.invoices[inv.ID] = inv
	d.log.Info().Int64("player", playerID).Int64("invoice", inv.ID).Msg("Debug invoice created")
	cp := *inv
	return &cp, nil
}

func (d *Debug) CheckInvoice(_ context.Context, invoiceID int64) (*engine.Invoice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inv, ok := d.invoices[invoiceID]
	if !ok {
		return nil, fmt.Errorf("invoice %d: %w", invoiceID, ErrInvoiceNotFound)
	}
	cp := *inv
	return &cp, nil
}

func (d *Debug) Transfer(_ context.Context, playerID int64, amount engine.Amount, spendID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.spent[spendID] {
		return nil
	}
	d.spent[spendID] = true
	d.transfers = append(d.transfers, Transfer{PlayerID: playerID, Amount: amount, SpendID: spendID})
	d.log.Info().Int64("player", playerID).Stringer("amount", amount).Str("spendID", spendID).Msg("Debug transfer")
	return nil
}

// Transfers returns a copy of every recorded payout.
func (d *Debug) Transfers() []Transfer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Transfer, len(d.transfers))
	copy(out, d.transfers)
	return out
}
