package main

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// config holds the exchange process's settings: defaults, then an ini
// file, then the command line, each layer overriding the last.
type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"path to configuration ini file"`

	BaseURL              string        `long:"base-url" description:"exchange.BASE_URL"`
	AggregatorIdleSleep  time.Duration `long:"aggregator-idle-sleep" description:"exchange.AGGREGATOR_IDLE_SLEEP_INTERVAL" default:"60s"`
	CurrencyRoundUnit    string        `long:"currency-round-unit" description:"taler.CURRENCY_ROUND_UNIT, e.g. EUR:0.01"`
	ListenAddr           string        `long:"listen" description:"address the HTTP adapter listens on" default:":8080"`
	PostgresDSN          string        `long:"postgres-dsn" description:"postgres connection string"`
	LogDir               string        `long:"logdir" description:"directory for rotated log files" default:"./logs"`
	LogLevel             string        `long:"loglevel" description:"log level applied to every subsystem" default:"info"`
	DenominationKeysDir  string        `long:"denom-keys-dir" description:"directory of PEM-encoded RSA denomination private keys"`

	// WireAccounts is repeatable: each entry is "<payto-uri>,<method>",
	// the same shape the sibling taler-closer process consumes.
	WireAccounts []string `long:"wireaccount" description:"debit account as <payto-uri>,<method>; repeatable"`
}

func defaultConfig() config {
	return config{
		ListenAddr:          ":8080",
		AggregatorIdleSleep: 60 * time.Second,
		LogDir:              "./logs",
		LogLevel:            "info",
	}
}

// loadConfig parses CLI flags and, if -C points at one, an ini file,
// the CLI layer always winning over the file per go-flags' own
// IniParse+Parse precedence.
func loadConfig() (*config, error) {
	cfg := defaultConfig()

	preCfg := cfg
	if _, err := flags.NewParser(&preCfg, flags.Default).Parse(); err != nil {
		return nil, err
	}

	if preCfg.ConfigFile != "" {
		if err := flags.NewIniParser(flags.NewParser(&cfg, flags.Default)).ParseFile(preCfg.ConfigFile); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("talerexchanged: parsing config file: %w", err)
			}
		}
	}

	if _, err := flags.NewParser(&cfg, flags.Default).Parse(); err != nil {
		return nil, err
	}

	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("talerexchanged: --postgres-dsn is required")
	}
	return &cfg, nil
}
