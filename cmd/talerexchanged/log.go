package main

import (
	"github.com/btcsuite/btclog"

	"github.com/go-taler/exchanged/blindrsa"
	"github.com/go-taler/exchanged/buildlog"
	"github.com/go-taler/exchanged/denom"
	"github.com/go-taler/exchanged/exchangedb"
	"github.com/go-taler/exchanged/exchangedb/postgres"
	"github.com/go-taler/exchanged/withdraw"
)

var srvLog btclog.Logger = btclog.Disabled

// useLoggers wires every package's subsystem logger up to root.
func useLoggers(root *buildlog.Root) {
	srvLog = root.GenSubLogger("SRVR")
	withdraw.UseLogger(root.GenSubLogger("WTHD"))
	exchangedb.UseLogger(root.GenSubLogger("EDBS"))
	postgres.UseLogger(root.GenSubLogger("PSQL"))
	denom.UseLogger(root.GenSubLogger("DENM"))
	blindrsa.UseLogger(root.GenSubLogger("BRSA"))
}
