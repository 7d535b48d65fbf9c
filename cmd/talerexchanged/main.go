// Command talerexchanged is the HTTP-serving exchange process: it
// wires the withdraw handler and the GET reserve history endpoint
// over a thin net/http adapter, against a postgres-backed
// exchangedb.Store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-taler/exchanged/blindrsa"
	"github.com/go-taler/exchanged/buildlog"
	"github.com/go-taler/exchanged/denom"
	"github.com/go-taler/exchanged/exchangedb/postgres"
	"github.com/go-taler/exchanged/withdraw"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "talerexchanged:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	root := buildlog.NewRoot()
	if err := root.InitLogRotator(cfg.LogDir+"/talerexchanged.log", 10, 3); err != nil {
		return fmt.Errorf("init log rotator: %w", err)
	}
	useLoggers(root)
	root.SetLogLevels(cfg.LogLevel)
	defer root.Close()

	srvLog.Infof("talerexchanged starting, base_url=%s", cfg.BaseURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	keys := newFileKeySource()
	if err := keys.loadDir(cfg.DenominationKeysDir); err != nil {
		return fmt.Errorf("load denomination keys: %w", err)
	}
	signer := blindrsa.NewSigner(keys)

	// The denomination directory is seeded empty here: a real
	// deployment's key-rotation task calls Directory.Swap with fresh
	// metadata on the same cadence it rotates the RSA keys
	// fileKeySource loaded above.
	denoms := denom.NewDirectory(nil)

	handler := withdraw.NewHandler(store, denoms, signer)

	mux := newMux(handler, store)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		srvLog.Infof("talerexchanged: shutdown requested")
		cancel()
		_ = srv.Shutdown(context.Background())
	}()

	srvLog.Infof("talerexchanged: listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
