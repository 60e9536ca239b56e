// Package reputation summarizes the ratings a public key has received.
package reputation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"nostr-market/internal/nostr"
	"nostr-market/internal/relay"
	"nostr-market/internal/types"
)

// Subscriber opens a deduplicated event stream
type Subscriber interface {
	Subscribe(ctx context.Context, filter types.Filter) (*relay.Subscription, error)
}

// Decoder turns events into domain objects
type Decoder interface {
	Decode(evt *types.Event) (types.Object, error)
}

// Review is one decoded rating
type Review struct {
	EventID     string  `json:"id"`
	Reviewer    string  `json:"reviewer"`
	CreatedAt   int64   `json:"created_at"`
	TradeID     string  `json:"trade_id"`
	Rating      int     `json:"rating"`
	Review      string  `json:"review"`
	TradeAmount float64 `json:"trade_amount"`
}

// Summary is the result of one aggregation. No ratings is a valid summary
// with zero average and zero count.
type Summary struct {
	AverageRating float64  `json:"average_rating"`
	Count         int      `json:"total_reviews"`
	Reviews       []Review `json:"reviews"`
	// Partial is set when the timeout hit before every relay sent EOSE
	Partial bool `json:"partial,omitempty"`
}

// Aggregator computes summaries. It keeps no state between calls.
type Aggregator struct {
	pool    Subscriber
	codec   Decoder
	timeout time.Duration
	limit   int
}

// New returns an aggregator that waits at most timeout for relays to finish
func New(pool Subscriber, codec Decoder, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Aggregator{pool: pool, codec: codec, timeout: timeout, limit: 500}
}

// Aggregate subscribes to ratings of ratedKey, accumulates until every relay
// reports end of stored events (or the timeout), and returns the mean.
func (a *Aggregator) Aggregate(ctx context.Context, ratedKey string) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	sub, err := a.pool.Subscribe(waitCtx, types.Filter{
		Kinds: []int{types.KindReputation},
		Tags:  map[string][]string{"p": {ratedKey}},
		Limit: a.limit,
	})
	if err != nil {
		return Summary{}, err
	}
	defer sub.Close()

	acc := &accumulator{ratedKey: ratedKey, codec: a.codec}
	// The subscription closes itself when waitCtx ends, so a closed channel
	// can mean completion, timeout or cancellation.
	finish := func() (Summary, error) {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		select {
		case <-sub.EOSE():
			return acc.summary(false), nil
		default:
		}
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			slog.Warn("reputation lookup timed out before EOSE", "pubkey", nostr.ShortID(ratedKey), "count", acc.count)
		}
		return acc.summary(true), nil
	}

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return finish()
			}
			acc.add(&evt)
		case <-sub.EOSE():
			// Everything before EOSE is already buffered
			for {
				select {
				case evt, ok := <-sub.Events():
					if !ok {
						return finish()
					}
					acc.add(&evt)
				default:
					return acc.summary(false), nil
				}
			}
		case <-waitCtx.Done():
			return finish()
		}
	}
}

type accumulator struct {
	ratedKey string
	codec    Decoder
	sum      int
	count    int
	reviews  []Review
}

func (acc *accumulator) add(evt *types.Event) {
	obj, err := acc.codec.Decode(evt)
	if err != nil {
		slog.Debug("skipping undecodable rating", "event_id", nostr.ShortID(evt.ID), "error", err)
		return
	}
	rep, ok := obj.(types.Reputation)
	if !ok || rep.RatedKey != acc.ratedKey {
		return
	}
	acc.sum += rep.Rating
	acc.count++
	acc.reviews = append(acc.reviews, Review{
		EventID:     evt.ID,
		Reviewer:    evt.PubKey,
		CreatedAt:   evt.CreatedAt,
		TradeID:     rep.TradeID,
		Rating:      rep.Rating,
		Review:      rep.Review,
		TradeAmount: rep.TradeAmount,
	})
}

func (acc *accumulator) summary(partial bool) Summary {
	s := Summary{Count: acc.count, Reviews: acc.reviews, Partial: partial}
	if s.Reviews == nil {
		s.Reviews = []Review{}
	}
	if acc.count > 0 {
		s.AverageRating = float64(acc.sum) / float64(acc.count)
	}
	sort.Slice(s.Reviews, func(i, j int) bool { return s.Reviews[i].CreatedAt > s.Reviews[j].CreatedAt })
	return s
}
