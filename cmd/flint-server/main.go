// main.go is the entry point for the flint server. It wires together the
// store, the durability subsystem and the chosen network architecture, and
// installs the shutdown signal handler.
//
// Startup Sequence
// ================
//
// State is restored before any listener is bound, so no client can observe a
// partially loaded store and no locking is needed during the load phase.
// Recovery precedence: if the append-only journal is enabled and present it
// is replayed (it reflects every write, including those after the last
// snapshot); otherwise the snapshot, if any, is loaded; otherwise the server
// starts empty. Only then is the journal opened for writing and the listener
// bound.
//
// Architectures
// =============
//
// -mode=eventloop (default) runs the single-threaded readiness-multiplexed
// loop that owns the store and the durability subsystem. -mode=threaded runs
// the goroutine-per-connection baseline, which serves the same key-value
// wire contract without persistence.
//
// Shutdown
// ========
//
// SIGINT/SIGTERM flip the process-wide shutdown flag and interrupt the
// readiness wait. The loop finishes its current iteration, closes every
// socket, and flushes and closes the journal.

package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

type config struct {
	port              int
	mode              string
	persistence       bool
	aofEnabled        bool
	aofPath           string
	snapshotPath      string
	fsync             string
	aofMinSize        int64
	aofRewritePercent int
}

func main() {
	var cfg config

	flag.IntVar(&cfg.port, "port", 6389, "TCP server port")
	flag.StringVar(&cfg.mode, "mode", "eventloop", "Concurrency architecture: eventloop or threaded")
	flag.BoolVar(&cfg.persistence, "persistence", true, "Enable the durability subsystem (eventloop mode only)")
	flag.BoolVar(&cfg.aofEnabled, "aof-enabled", true, "Enable append-only journal logging")
	flag.StringVar(&cfg.aofPath, "aof", "journal.aof", "Append-only journal path")
	flag.StringVar(&cfg.snapshotPath, "snapshot", "dump.fkv", "Snapshot file path")
	flag.StringVar(&cfg.fsync, "fsync", "everysec", "Journal fsync policy: always, everysec or no")
	flag.Int64Var(&cfg.aofMinSize, "aof-min-size", 64*1024*1024, "Min journal size (bytes) to trigger auto-rewrite")
	flag.IntVar(&cfg.aofRewritePercent, "aof-rewrite-percent", 100, "Percentage growth to trigger auto-rewrite")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	store := NewStore()

	switch cfg.mode {
	case "eventloop":
		if cfg.persistence {
			if err := restoreState(cfg, logger, store); err != nil {
				logger.Error("failed to restore state", "error", err)
				os.Exit(1)
			}
		}

		persist, err := newPersistence(cfg, logger)
		if err != nil {
			logger.Error("failed to initialize persistence", "error", err)
			os.Exit(1)
		}

		srv := newEventLoopServer(cfg, logger, store, persist)
		installSignalHandler(logger, srv.requestShutdown)

		if err := srv.run(); err != nil {
			logger.Error(err.Error())
			os.Exit(1)
		}

	case "threaded":
		srv := newThreadedServer(cfg, logger, store)
		installSignalHandler(logger, srv.requestShutdown)

		if err := srv.run(); err != nil {
			logger.Error(err.Error())
			os.Exit(1)
		}

	default:
		logger.Error("unknown mode", "mode", cfg.mode)
		os.Exit(1)
	}
}

// restoreState populates the store from durable files, journal first.
func restoreState(cfg config, logger *slog.Logger, store *Store) error {
	if cfg.aofEnabled {
		replayed, found, err := replayAOF(cfg.aofPath, store, logger)
		if err != nil {
			return err
		}
		if found {
			logger.Info("restored state from journal", "commands", replayed, "keys", store.Len())
			return nil
		}
	}

	entries, err := readSnapshotFile(cfg.snapshotPath)
	if err != nil {
		return err
	}
	if entries == nil {
		logger.Info("no durable state found, starting empty")
		return nil
	}

	for key, value := range entries {
		store.Set(key, value)
	}
	logger.Info("restored state from snapshot", "keys", store.Len())
	return nil
}

// installSignalHandler flips the shutdown flag on SIGINT/SIGTERM. The flag
// is set exactly once per process lifetime; repeated signals are no-ops.
func installSignalHandler(logger *slog.Logger, shutdown func()) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-quit
		logger.Info("caught signal, shutting down", "signal", sig.String())
		shutdown()
	}()
}
