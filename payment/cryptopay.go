// Package payment implements engine.Payments against the Crypto Pay API and
// a debug provider for local play.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"schlangen.tv/duel/engine"
)

const (
	DefaultBaseURL = "https://pay.crypt.bot/api"
	DefaultAsset   = "USDT"
)

var ErrInvoiceNotFound = errors.New("invoice not found")

// APIError is a response with "ok": false.
type APIError struct {
	Method string
	Code   int    `json:"code"`
	Name   string `json:"name"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cryptopay %s: %d %s", e.Method, e.Code, e.Name)
}

// CryptoPay talks to the Crypto Pay HTTP API with a bot token.
type CryptoPay struct {
	token   string
	baseURL string
	asset   string
	client  *http.Client
	log     zerolog.Logger
}

func NewCryptoPay(token, baseURL string, logger zerolog.Logger) *CryptoPay {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &CryptoPay{
		token:   token,
		baseURL: baseURL,
		asset:   DefaultAsset,
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     logger.With().Str("component", "cryptopay").Logger(),
	}
}

var _ engine.Payments = (*CryptoPay)(nil)

type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *APIError       `json:"error"`
}

// call POSTs params to method and decodes result into out.
func (c *CryptoPay) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Crypto-Pay-API-Token", c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cryptopay %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("cryptopay %s: read body: %w", method, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("cryptopay %s: HTTP %d: %w", method, resp.StatusCode, err)
	}
	if !env.OK {
		apiErr := &APIError{Method: method, Code: resp.StatusCode, Name: "UNKNOWN"}
		if env.Error != nil {
			apiErr.Code, apiErr.Name = env.Error.Code, env.Error.Name
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("cryptopay %s: decode result: %w", method, err)
	}
	return nil
}

type invoiceResult struct {
	InvoiceID     int64  `json:"invoice_id"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	BotInvoiceURL string `json:"bot_invoice_url"`
	PayURL        string `json:"pay_url"`
}

func (r invoiceResult) invoice() (*engine.Invoice, error) {
	amount, err := ParseAmount(r.Amount)
	if err != nil {
		return nil, err
	}
	url := r.BotInvoiceURL
	if url == "" {
		url = r.PayURL
	}
	return &engine.Invoice{
		ID:     r.InvoiceID,
		Status: engine.InvoiceStatus(r.Status),
		Amount: amount,
		PayURL: url,
	}, nil
}

func (c *CryptoPay) CreateInvoice(ctx context.Context, playerID int64, amount engine.Amount) (*engine.Invoice, error) {
	params := map[string]string{
		"asset":       c.asset,
		"amount":      amount.String(),
		"description": fmt.Sprintf("Snake duel stake, player %d", playerID),
		"payload":     strconv.FormatInt(playerID, 10),
	}
	var res invoiceResult
	if err := c.call(ctx, "createInvoice", params, &res); err != nil {
		return nil, err
	}
	inv, err := res.invoice()
	if err != nil {
		return nil, err
	}
	c.log.Info().Int64("player", playerID).Int64("invoice", inv.ID).Stringer("amount", amount).Msg("Invoice created")
	return inv, nil
}

func (c *CryptoPay) CheckInvoice(ctx context.Context, invoiceID int64) (*engine.Invoice, error) {
	params := map[string]string{"invoice_ids": strconv.FormatInt(invoiceID, 10)}
	var res struct {
		Items []invoiceResult `json:"items"`
	}
	if err := c.call(ctx, "getInvoices", params, &res); err != nil {
		return nil, err
	}
	if len(res.Items) == 0 {
		return nil, fmt.Errorf("invoice %d: %w", invoiceID, ErrInvoiceNotFound)
	}
	inv, err := res.Items[0].invoice()
	if err != nil {
		return nil, err
	}
	c.log.Debug().Int64("invoice", invoiceID).Str("status", string(inv.Status)).Msg("Invoice checked")
	return inv, nil
}

func (c *CryptoPay) Transfer(ctx context.Context, playerID int64, amount engine.Amount, spendID string) error {
	params := map[string]any{
		"user_id":  playerID,
		"asset":    c.asset,
		"amount":   amount.String(),
		"spend_id": spendID,
	}
	if err := c.call(ctx, "transfer", params, nil); err != nil {
		return err
	}
	c.log.Info().Int64("player", playerID).Stringer("amount", amount).Str("spendID", spendID).Msg("Transfer completed")
	return nil
}

// ParseAmount reads a decimal string such as "1.5" or "0.75" into cents.
// Digits beyond the second decimal place are truncated.
func ParseAmount(s string) (engine.Amount, error) {
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, err)
	}
	return engine.Amount(f*100 + 1e-6), nil
}
