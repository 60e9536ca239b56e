package main

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/urfave/cli/v2"

	"nostr-market/internal/cache"
	"nostr-market/internal/client"
	"nostr-market/internal/config"
	"nostr-market/internal/ledger"
	"nostr-market/internal/nips"
)

// loadConfig reads the configuration file and applies the global flags
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if relays := ctx.StringSlice(relayFlag.Name); len(relays) > 0 {
		cfg.Relays = relays
	}
	if driver := ctx.String(storeFlag.Name); driver != "" {
		if !slices.Contains(storeDrivers, driver) {
			return nil, fmt.Errorf("unknown store %q", driver)
		}
		cfg.StoreDriver = driver
	}
	if path := ctx.String(storePathFlag.Name); path != "" {
		cfg.StorePath = path
	}
	return cfg, nil
}

// withClient opens the store, starts a client and waits for a relay before
// calling fn. Commands still run when no relay connects in time; publishing
// actions are then queued.
func withClient(ctx *cli.Context, fn func(context.Context, *client.Client) error) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	store, err := cache.Open(cfg.CacheConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var trades ledger.Ledger = ledger.LogLedger{}
	if len(cfg.KafkaBrokers) > 0 {
		trades = ledger.NewKafkaLedger(cfg.KafkaBrokers, cfg.KafkaTopicTrades)
	}

	runCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()
	c, err := client.New(runCtx, client.Options{
		Relays:            cfg.Relays,
		Pool:              cfg.PoolOptions(),
		Store:             store,
		Ledger:            trades,
		ReputationTimeout: time.Duration(cfg.ReputationTimeout),
		SyncMaxAttempts:   cfg.SyncMaxAttempts,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if !waitOnline(runCtx, c, ctx.Duration(timeoutFlag.Name)) {
		fmt.Fprintln(ctx.App.ErrWriter, "warning: no relay connected, actions will be queued")
	}
	c.Syncer().Wait()
	return fn(runCtx, c)
}

func waitOnline(ctx context.Context, c *client.Client, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.Syncer().Online() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

// pubkeyArg decodes the n-th positional argument as an npub or hex key
func pubkeyArg(ctx *cli.Context, n int) (string, error) {
	if ctx.NArg() <= n {
		return "", fmt.Errorf("missing public key argument")
	}
	key, err := nips.DecodePubkey(ctx.Args().Get(n))
	if err != nil {
		return "", fmt.Errorf("invalid public key %q: %w", ctx.Args().Get(n), err)
	}
	return key, nil
}

func printJSON(ctx *cli.Context, v interface{}) error {
	enc := json.NewEncoder(ctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
