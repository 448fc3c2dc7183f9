// Command poolnetd joins the configured pools and runs the engine until
// interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/poolnet/poolnet/pkg/config"
	"github.com/poolnet/poolnet/pkg/events"
	"github.com/poolnet/poolnet/pkg/msgdb"
	"github.com/poolnet/poolnet/pkg/pool"
	"github.com/poolnet/poolnet/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logrus.WithError(err).Fatal("failed to load config")
		}
		cfg = loaded
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logrus.WithError(err).Fatal("no home directory")
		}
		cfg.DataDir = filepath.Join(home, ".poolnet")
	}

	stores, err := store.NewManager(cfg.DataDir)
	if err != nil {
		logrus.WithError(err).Fatal("store directory unreachable")
	}

	db, err := msgdb.New(stores.DBDir())
	if err != nil {
		logrus.WithError(err).Fatal("message db unreachable")
	}
	defer db.Close()

	bus := events.NewBus(256)
	updater := events.NewStateUpdater(bus)
	defer updater.Close()

	manager := pool.NewManager(pool.Deps{
		Cfg:     cfg,
		Stores:  stores,
		DB:      db,
		Bus:     bus,
		Updater: updater,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-bus.Events():
				logrus.WithFields(logrus.Fields{
					"event": ev.Type, "pool": ev.PoolID,
				}).Debug("ui event")
			}
		}
	})

	for _, poolID := range cfg.Pools {
		manager.ConnectToPool(poolID)
	}

	group.Go(func() error {
		<-ctx.Done()
		manager.Shutdown()
		return nil
	})

	group.Wait()
}
