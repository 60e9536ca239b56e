package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"

	"nostr-market/internal/client"
	"nostr-market/internal/relay"
	"nostr-market/internal/types"
)

var (
	identityCommand = &cli.Command{
		Name:   "identity",
		Usage:  "Show the local identity, creating it on first use",
		Action: showIdentity,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "qr", Usage: "Write the npub as a QR code PNG to this file (- prints it to the terminal)"},
		},
	}
	publishListingCommand = &cli.Command{
		Name:   "publish-listing",
		Usage:  "Publish a service listing",
		Action: publishListing,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "Listing identifier (d tag); republishing replaces it"},
			&cli.StringFlag{Name: "title", Required: true},
			&cli.StringFlag{Name: "description"},
			&cli.StringFlag{Name: "category"},
			&cli.Float64Flag{Name: "price"},
			&cli.StringFlag{Name: "currency", Value: types.DefaultCurrency},
			&cli.StringFlag{Name: "location"},
			&cli.StringSliceFlag{Name: "tag", Usage: "Topic tag (repeatable)"},
		},
	}
	requestCommand = &cli.Command{
		Name:   "request",
		Usage:  "Publish a service request",
		Action: publishRequest,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "Request identifier (d tag)"},
			&cli.StringFlag{Name: "title", Required: true},
			&cli.StringFlag{Name: "description"},
			&cli.StringFlag{Name: "category"},
			&cli.Float64Flag{Name: "budget"},
			&cli.StringFlag{Name: "deadline"},
			&cli.StringFlag{Name: "location"},
		},
	}
	rateCommand = &cli.Command{
		Name:      "rate",
		Usage:     "Rate a trading partner",
		ArgsUsage: "<npub|hex>",
		Action:    rate,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "trade", Required: true, Usage: "Trade identifier"},
			&cli.IntFlag{Name: "rating", Required: true, Usage: "1 to 5"},
			&cli.StringFlag{Name: "review"},
			&cli.Float64Flag{Name: "amount", Usage: "Trade amount"},
		},
	}
	reputationCommand = &cli.Command{
		Name:      "reputation",
		Usage:     "Aggregate the ratings of a public key",
		ArgsUsage: "<npub|hex>",
		Action:    showReputation,
	}
	profileCommand = &cli.Command{
		Name:      "profile",
		Usage:     "Show the newest profile of a public key",
		ArgsUsage: "<npub|hex>",
		Action:    showProfile,
	}
	dmCommand = &cli.Command{
		Name:      "dm",
		Usage:     "Send an encrypted direct message",
		ArgsUsage: "<npub|hex> <text>",
		Action:    sendMessage,
	}
	syncCommand = &cli.Command{
		Name:   "sync",
		Usage:  "Replay actions queued while offline",
		Action: syncQueue,
	}
)

func showIdentity(ctx *cli.Context) error {
	return withClient(ctx, func(_ context.Context, c *client.Client) error {
		id := c.Identity()
		fmt.Fprintf(ctx.App.Writer, "npub:   %s\npubkey: %s\n", id.Npub(), id.PublicKey())

		switch target := ctx.String("qr"); target {
		case "":
			return nil
		case "-":
			qr, err := qrcode.New("nostr:"+id.Npub(), qrcode.Medium)
			if err != nil {
				return err
			}
			fmt.Fprint(ctx.App.Writer, qr.ToString(false))
			return nil
		default:
			if err := qrcode.WriteFile("nostr:"+id.Npub(), qrcode.Medium, 256, target); err != nil {
				return fmt.Errorf("write QR code: %w", err)
			}
			fmt.Fprintf(ctx.App.Writer, "QR code written to %s\n", target)
			return nil
		}
	})
}

func publishListing(ctx *cli.Context) error {
	listing := types.ServiceListing{
		ID:          ctx.String("id"),
		Title:       ctx.String("title"),
		Description: ctx.String("description"),
		Category:    ctx.String("category"),
		Price:       ctx.Float64("price"),
		Currency:    ctx.String("currency"),
		Location:    ctx.String("location"),
		Tags:        ctx.StringSlice("tag"),
	}
	return withClient(ctx, func(rctx context.Context, c *client.Client) error {
		evt, result, err := c.PublishService(rctx, listing)
		return reportPublish(ctx, evt, result, err)
	})
}

func publishRequest(ctx *cli.Context) error {
	req := types.ServiceRequest{
		ID:          ctx.String("id"),
		Title:       ctx.String("title"),
		Description: ctx.String("description"),
		Category:    ctx.String("category"),
		Budget:      ctx.Float64("budget"),
		Deadline:    ctx.String("deadline"),
		Location:    ctx.String("location"),
	}
	return withClient(ctx, func(rctx context.Context, c *client.Client) error {
		evt, result, err := c.PublishServiceRequest(rctx, req)
		return reportPublish(ctx, evt, result, err)
	})
}

func rate(ctx *cli.Context) error {
	pubkey, err := pubkeyArg(ctx, 0)
	if err != nil {
		return err
	}
	rep := types.Reputation{
		TradeID:     ctx.String("trade"),
		RatedKey:    pubkey,
		Rating:      ctx.Int("rating"),
		Review:      ctx.String("review"),
		TradeAmount: ctx.Float64("amount"),
	}
	return withClient(ctx, func(rctx context.Context, c *client.Client) error {
		evt, result, err := c.PublishReputation(rctx, rep)
		return reportPublish(ctx, evt, result, err)
	})
}

func showReputation(ctx *cli.Context) error {
	pubkey, err := pubkeyArg(ctx, 0)
	if err != nil {
		return err
	}
	return withClient(ctx, func(rctx context.Context, c *client.Client) error {
		summary, err := c.GetReputation(rctx, pubkey)
		if err != nil {
			return err
		}
		if summary.Partial {
			fmt.Fprintln(ctx.App.ErrWriter, "warning: not every relay answered, the summary may be incomplete")
		}
		return printJSON(ctx, summary)
	})
}

func showProfile(ctx *cli.Context) error {
	pubkey, err := pubkeyArg(ctx, 0)
	if err != nil {
		return err
	}
	return withClient(ctx, func(rctx context.Context, c *client.Client) error {
		profile, err := c.GetProfile(rctx, pubkey)
		if err != nil {
			return err
		}
		if profile == nil {
			return fmt.Errorf("no profile found for %s", ctx.Args().First())
		}
		return printJSON(ctx, profile)
	})
}

func sendMessage(ctx *cli.Context) error {
	recipient, err := pubkeyArg(ctx, 0)
	if err != nil {
		return err
	}
	text := strings.Join(ctx.Args().Slice()[1:], " ")
	if text == "" {
		return errors.New("missing message text")
	}
	return withClient(ctx, func(rctx context.Context, c *client.Client) error {
		res, err := c.SendDirectMessage(rctx, recipient, text)
		if err != nil {
			return err
		}
		return reportSubmit(ctx, res)
	})
}

func syncQueue(ctx *cli.Context) error {
	return withClient(ctx, func(rctx context.Context, c *client.Client) error {
		report, err := c.Syncer().ConnectivityRestored(rctx)
		fmt.Fprintf(ctx.App.Writer, "replayed %d, failed %d, stuck %d\n", report.Replayed, report.Failed, len(report.Persistent))
		return err
	})
}

func reportPublish(ctx *cli.Context, evt *types.Event, result relay.PublishResult, err error) error {
	if err != nil {
		for url, reason := range result.RejectedBy {
			fmt.Fprintf(ctx.App.ErrWriter, "%s: %s\n", url, reason)
		}
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "published %s to %d relays\n", evt.ID, len(result.AcceptedBy))
	return nil
}

func reportSubmit(ctx *cli.Context, res client.SubmitResult) error {
	if res.Queued {
		fmt.Fprintf(ctx.App.Writer, "queued %s, it will be sent when a relay is reachable\n", res.Event.ID)
		return nil
	}
	fmt.Fprintf(ctx.App.Writer, "sent %s to %d relays\n", res.Event.ID, len(res.Publish.AcceptedBy))
	return nil
}
