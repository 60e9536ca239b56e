// Package ledger hands confirmed trades to the external mutual-credit ledger.
//
// Delivery is at-least-once: a trade replayed from the sync queue may be
// recorded again, so the ledger must apply records idempotently by TradeID.
package ledger

import (
	"context"
	"errors"
	"log/slog"

	"nostr-market/internal/nostr"
)

var ErrInvalidRecord = errors.New("ledger: invalid trade record")

// TradeRecord is one completed trade
type TradeRecord struct {
	TradeID  string  `json:"trade_id"`
	From     string  `json:"from"`
	To       string  `json:"to"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

// Validate checks the fields the ledger keys on
func (r TradeRecord) Validate() error {
	switch {
	case r.TradeID == "":
		return errors.Join(ErrInvalidRecord, errors.New("trade id is required"))
	case r.From == "" || r.To == "":
		return errors.Join(ErrInvalidRecord, errors.New("both parties are required"))
	case r.Amount < 0:
		return errors.Join(ErrInvalidRecord, errors.New("amount is negative"))
	}
	return nil
}

// Ledger records trades
type Ledger interface {
	RecordTrade(ctx context.Context, rec TradeRecord) error
	Close() error
}

// LogLedger only logs. It is used when no ledger backend is configured.
type LogLedger struct{}

func (LogLedger) RecordTrade(ctx context.Context, rec TradeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	slog.Info("trade confirmed (no ledger configured)",
		"trade_id", rec.TradeID,
		"from", nostr.ShortID(rec.From),
		"to", nostr.ShortID(rec.To),
		"amount", rec.Amount)
	return nil
}

func (LogLedger) Close() error { return nil }
