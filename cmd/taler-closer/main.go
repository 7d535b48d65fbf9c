// Command taler-closer is the background reserve-closing process: it
// finds expired reserves, stages their wire transfers, and exits with
// distinct exit codes so operators and monitoring scripts can
// distinguish failure phases.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-taler/exchanged/amount"
	"github.com/go-taler/exchanged/buildlog"
	"github.com/go-taler/exchanged/clock"
	"github.com/go-taler/exchanged/closer"
	"github.com/go-taler/exchanged/exchangedb"
	"github.com/go-taler/exchanged/exchangedb/postgres"
	"github.com/go-taler/exchanged/wireformat"
)

func main() {
	os.Exit(int(run()))
}

func run() closer.ExitCode {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "taler-closer:", err)
		return closer.ExitBadCLIOptions
	}

	root := buildlog.NewRoot()
	if err := root.InitLogRotator(cfg.LogDir+"/taler-closer.log", 10, 3); err != nil {
		fmt.Fprintln(os.Stderr, "taler-closer: init log rotator:", err)
		return closer.ExitInvalidConfig
	}
	closerLog := root.GenSubLogger("CLSR")
	closer.UseLogger(closerLog)
	exchangedb.UseLogger(root.GenSubLogger("EDBS"))
	postgres.UseLogger(root.GenSubLogger("PSQL"))
	root.SetLogLevels(cfg.LogLevel)
	defer root.Close()

	roundUnit, err := amount.Parse(cfg.CurrencyRoundUnit)
	if err != nil {
		closerLog.Errorf("invalid currency-round-unit %q: %v", cfg.CurrencyRoundUnit, err)
		return closer.ExitInvalidConfig
	}

	accounts, err := parseWireAccounts(cfg.WireAccounts)
	if err != nil {
		closerLog.Errorf("%v", err)
		return closer.ExitInvalidPaytoURI
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
		closerLog.Errorf("migrate: %v", err)
		return closer.ExitDatabaseOpenFailed
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		closerLog.Errorf("open store: %v", err)
		return closer.ExitDatabaseOpenFailed
	}
	defer store.Close()

	formatters := wireformat.NewRegistry(wireformat.XTalerBank{})

	c := closer.NewCloser(store, clock.NewDefaultClock(), formatters, accounts,
		cfg.BaseURL, cfg.AggregatorIdleSleep, roundUnit)
	c.TestMode = cfg.TestMode

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		closerLog.Infof("taler-closer: shutdown requested")
		cancel()
	}()

	exitCode, runErr := c.Run(ctx)
	if runErr != nil && ctx.Err() == nil {
		closerLog.Errorf("taler-closer: exiting: %v", runErr)
	}
	return exitCode
}
