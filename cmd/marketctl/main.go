// marketctl is a command line client for the marketplace.
//
// Usage:
//
//	marketctl [global options] identity [--qr file.png]
//	marketctl publish-listing --title "Bike repair" --category repair --price 20
//	marketctl reputation npub1...
//	marketctl dm npub1... "see you at noon"
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"nostr-market/internal/cache"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "Configuration file",
		EnvVars: []string{"MARKET_CONFIG"},
		Value:   "config/market.json",
	}
	relayFlag = &cli.StringSliceFlag{
		Name:  "relay",
		Usage: "Relay URL (repeatable, replaces the configured relays)",
	}
	storeFlag = &cli.StringFlag{
		Name:  "store",
		Usage: "Store driver: leveldb, redis or memory",
	}
	storePathFlag = &cli.StringFlag{
		Name:  "store-path",
		Usage: "LevelDB directory",
	}
	timeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "How long to wait for relays",
		Value: 10 * time.Second,
	}
	verboseFlag = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "Log debug output to stderr",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "marketctl",
		Usage: "Publish and query the Nostr service marketplace",
		Flags: []cli.Flag{configFlag, relayFlag, storeFlag, storePathFlag, timeoutFlag, verboseFlag},
		Before: func(ctx *cli.Context) error {
			level := slog.LevelWarn
			if ctx.Bool(verboseFlag.Name) {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(ctx.App.ErrWriter, &slog.HandlerOptions{Level: level})))
			return nil
		},
		Commands: []*cli.Command{
			identityCommand,
			publishListingCommand,
			requestCommand,
			rateCommand,
			reputationCommand,
			profileCommand,
			dmCommand,
			syncCommand,
		},
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// storeDrivers lists the accepted values of --store
var storeDrivers = []string{cache.DriverLevelDB, cache.DriverRedis, cache.DriverMemory}
