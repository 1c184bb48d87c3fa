package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

var errProviderDown = errors.New("provider down")

type transferCall struct {
	PlayerID int64
	Amount   Amount
	SpendID  string
}

// fakePayments is an in-memory provider whose invoices stay active until the
// test pays them.
type fakePayments struct {
	mu        sync.Mutex
	nextID    int64
	invoices  map[int64]*Invoice
	transfers []transferCall
	failFor   map[int64]error
	down      bool
}

func newFakePayments() *fakePayments {
	return &fakePayments{
		invoices: make(map[int64]*Invoice),
		failFor:  make(map[int64]error),
	}
}

func (f *fakePayments) CreateInvoice(_ context.Context, playerID int64, amount Amount) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errProviderDown
	}
	f.nextID++
	inv := &Invoice{
		ID:     f.nextID,
		Status: InvoiceActive,
		Amount: amount,
		PayURL: fmt.Sprintf("https://pay.example/%d/%d", playerID, f.nextID),
	}
	f.invoices[inv.ID] = inv
	cp := *inv
	return &cp, nil
}

func (f *fakePayments) CheckInvoice(_ context.Context, invoiceID int64) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errProviderDown
	}
	inv, ok := f.invoices[invoiceID]
	if !ok {
		return nil, fmt.Errorf("invoice %d not found", invoiceID)
	}
	cp := *inv
	return &cp, nil
}

func (f *fakePayments) Transfer(ctx context.Context, playerID int64, amount Amount, spendID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[playerID]; err != nil {
		return err
	}
	f.transfers = append(f.transfers, transferCall{PlayerID: playerID, Amount: amount, SpendID: spendID})
	return nil
}

func (f *fakePayments) pay(invoiceID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices[invoiceID].Status = InvoicePaid
}

func (f *fakePayments) sent() []transferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transferCall(nil), f.transfers...)
}

// injectMatch registers m directly, bypassing the waiting pool.
func injectMatch(t *testing.T, r *Registry, m *Match) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID > r.nextID {
		r.nextID = m.ID
	}
	r.matches[m.ID] = m
	for _, p := range m.Players() {
		r.byPlayer[p] = m.ID
	}
	r.created++
}
