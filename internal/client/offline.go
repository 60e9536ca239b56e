package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"nostr-market/internal/ledger"
	"nostr-market/internal/nostr"
	"nostr-market/internal/offline"
	"nostr-market/internal/relay"
	"nostr-market/internal/types"
)

// SubmitResult reports what happened to an offline-capable action
type SubmitResult struct {
	Event   *types.Event
	Publish relay.PublishResult
	// Queued is set when the action was stored for replay instead of completing
	Queued bool
	Entry  types.SyncEntry
}

// SubmitTrade publishes a trade offer and, once it is completed, records it
// with the ledger. When no relay is reachable the signed event is queued and
// replayed on the next connectivity restoration.
func (c *Client) SubmitTrade(ctx context.Context, offer types.TradeOffer) (SubmitResult, error) {
	if offer.RequesterKey == "" {
		offer.RequesterKey = c.identity.PublicKey()
	}
	evt, err := c.Sign(offer)
	if err != nil {
		return SubmitResult{}, err
	}
	return c.submit(ctx, offline.TagTrades, evt, c.replayTrade)
}

// SendDirectMessage encrypts text to recipient and publishes it, queueing it
// when offline.
func (c *Client) SendDirectMessage(ctx context.Context, recipient, text string) (SubmitResult, error) {
	evt, err := c.Sign(types.DirectMessage{Recipient: recipient, Content: text})
	if err != nil {
		return SubmitResult{}, err
	}
	return c.submit(ctx, offline.TagMessages, evt, c.replayMessage)
}

func (c *Client) submit(ctx context.Context, tag string, evt *types.Event, deliver offline.Handler) (SubmitResult, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode event: %w", err)
	}
	result := SubmitResult{Event: evt}

	if c.pool.Online() {
		pending, err := c.queue.Pending(ctx, tag)
		if err != nil {
			return result, err
		}
		if len(pending) > 0 {
			return c.submitBehind(ctx, tag, payload, deliver, result)
		}
		err = deliver(ctx, types.SyncEntry{Tag: tag, Payload: payload})
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, relay.ErrNoRelayAccepted) && !errors.Is(err, errLedger) {
			return result, err
		}
		slog.Warn("delivery failed, queueing for sync", "tag", tag, "event_id", nostr.ShortID(evt.ID), "error", err)
	}

	entry, err := c.queue.Enqueue(ctx, tag, payload)
	if err != nil {
		return result, err
	}
	result.Queued = true
	result.Entry = entry
	return result, nil
}

// submitBehind queues the action after the tag's older entries and drains
// the tag, so it is only delivered once everything before it has been.
func (c *Client) submitBehind(ctx context.Context, tag string, payload []byte, deliver offline.Handler, result SubmitResult) (SubmitResult, error) {
	entry, err := c.queue.Enqueue(ctx, tag, payload)
	if err != nil {
		return result, err
	}
	report, drainErr := c.queue.DrainTag(ctx, tag, deliver)
	if drainErr != nil {
		slog.Warn("sync drain incomplete", "tag", tag, "replayed", report.Replayed, "error", drainErr)
	}

	pending, err := c.queue.Pending(ctx, tag)
	if err != nil {
		return result, err
	}
	for _, p := range pending {
		if p.ID == entry.ID {
			result.Queued = true
			result.Entry = p
			return result, nil
		}
	}
	return result, nil
}

var errLedger = errors.New("ledger unavailable")

// replayTrade publishes a queued trade event again (same id, so relays treat
// it as a duplicate) and records completed trades with the ledger.
func (c *Client) replayTrade(ctx context.Context, entry types.SyncEntry) error {
	evt, err := decodeQueued(entry)
	if err != nil {
		return err
	}
	if _, err := c.pool.Publish(ctx, evt); err != nil {
		return err
	}

	obj, err := c.codec.Decode(evt)
	if err != nil {
		return err
	}
	offer, ok := obj.(types.TradeOffer)
	if !ok || offer.Status != types.TradeCompleted {
		return nil
	}
	rec := ledger.TradeRecord{
		TradeID: offer.ID,
		From:    offer.RequesterKey,
		To:      offer.ProviderKey,
		Amount:  offer.Amount,
	}
	if rec.TradeID == "" {
		rec.TradeID = evt.ID
	}
	if err := c.ledger.RecordTrade(ctx, rec); err != nil {
		return fmt.Errorf("%w: %w", errLedger, err)
	}
	return nil
}

func (c *Client) replayMessage(ctx context.Context, entry types.SyncEntry) error {
	evt, err := decodeQueued(entry)
	if err != nil {
		return err
	}
	_, err = c.pool.Publish(ctx, evt)
	return err
}

func decodeQueued(entry types.SyncEntry) (*types.Event, error) {
	var evt types.Event
	if err := json.Unmarshal(entry.Payload, &evt); err != nil {
		return nil, fmt.Errorf("queued %s entry %s: %w", entry.Tag, entry.ID, err)
	}
	if err := nostr.ValidateEvent(&evt); err != nil {
		return nil, fmt.Errorf("queued %s entry %s: %w", entry.Tag, entry.ID, err)
	}
	return &evt, nil
}
