package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/go-taler/exchanged/closer"
)

// config holds the closer process's settings.
type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"path to configuration ini file"`

	BaseURL             string        `long:"base-url" description:"exchange.BASE_URL"`
	AggregatorIdleSleep time.Duration `long:"aggregator-idle-sleep" description:"exchange.AGGREGATOR_IDLE_SLEEP_INTERVAL" default:"60s"`
	CurrencyRoundUnit   string        `long:"currency-round-unit" description:"taler.CURRENCY_ROUND_UNIT, e.g. EUR:0.01"`
	PostgresDSN         string        `long:"postgres-dsn" description:"postgres connection string"`
	LogDir              string        `long:"logdir" description:"directory for rotated log files" default:"./logs"`
	LogLevel            string        `long:"loglevel" description:"log level applied to every subsystem" default:"info"`

	// TestMode exits after the first idle iteration instead of
	// sleeping forever.
	TestMode bool `long:"test-mode" description:"exit instead of sleeping once no expired reserves remain"`

	// WireAccounts is repeatable: each entry is "<payto-uri>,<method>".
	WireAccounts []string `long:"wireaccount" description:"debit account as <payto-uri>,<method>; repeatable"`
}

// parseWireAccounts splits every --wireaccount value into its payto
// URI and wire method tag.
func parseWireAccounts(raw []string) (map[string]closer.WireAccount, error) {
	accounts := make(map[string]closer.WireAccount, len(raw))
	for _, entry := range raw {
		uri, method, ok := strings.Cut(entry, ",")
		if !ok || uri == "" || method == "" {
			return nil, fmt.Errorf("taler-closer: malformed wireaccount %q, want <payto-uri>,<method>", entry)
		}
		accounts[uri] = closer.WireAccount{PaytoURI: uri, Method: method}
	}
	return accounts, nil
}

func defaultConfig() config {
	return config{
		AggregatorIdleSleep: 60 * time.Second,
		LogDir:              "./logs",
		LogLevel:            "info",
	}
}

func loadConfig() (*config, error) {
	cfg := defaultConfig()

	preCfg := cfg
	if _, err := flags.NewParser(&preCfg, flags.Default).Parse(); err != nil {
		return nil, err
	}

	if preCfg.ConfigFile != "" {
		if err := flags.NewIniParser(flags.NewParser(&cfg, flags.Default)).ParseFile(preCfg.ConfigFile); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("taler-closer: parsing config file: %w", err)
			}
		}
	}

	if _, err := flags.NewParser(&cfg, flags.Default).Parse(); err != nil {
		return nil, err
	}

	switch {
	case cfg.BaseURL == "":
		return nil, fmt.Errorf("taler-closer: --base-url is required")
	case cfg.CurrencyRoundUnit == "":
		return nil, fmt.Errorf("taler-closer: --currency-round-unit is required")
	case cfg.PostgresDSN == "":
		return nil, fmt.Errorf("taler-closer: --postgres-dsn is required")
	}
	return &cfg, nil
}
