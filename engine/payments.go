package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Amount is a sum of money in hundredths of the settlement asset (USDT cents).
type Amount int64

func (a Amount) String() string {
	sign := ""
	if a < 0 {
		sign = "-"
		a = -a
	}
	return fmt.Sprintf("%s%d.%02d", sign, a/100, a%100)
}

// Share returns the given fraction of a, rounded to the nearest cent.
func (a Amount) Share(fraction float64) Amount {
	return Amount(math.Round(float64(a) * fraction))
}

type InvoiceStatus string

const (
	InvoiceActive  InvoiceStatus = "active"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceExpired InvoiceStatus = "expired"
)

type Invoice struct {
	ID     int64         `json:"invoice_id"`
	Status InvoiceStatus `json:"status"`
	Amount Amount        `json:"amount"`
	PayURL string        `json:"pay_url,omitempty"`
}

// Settled reports whether the provider considers the invoice paid. An
// "active" invoice is still awaiting payment.
func (i *Invoice) Settled() bool {
	return InvoiceStatus(strings.ToLower(string(i.Status))) == InvoicePaid
}

// Payments is the payment provider the server settles stakes through.
type Payments interface {
	CreateInvoice(ctx context.Context, playerID int64, amount Amount) (*Invoice, error)
	CheckInvoice(ctx context.Context, invoiceID int64) (*Invoice, error)
	Transfer(ctx context.Context, playerID int64, amount Amount, spendID string) error
}
