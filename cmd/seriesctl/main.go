// Command seriesctl manages recurring event series stored in a local
// Badger database.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cyp0633/libseries/internal/config"
	"github.com/cyp0633/libseries/internal/worker"
	"github.com/cyp0633/libseries/recurrence"
	"github.com/cyp0633/libseries/series"
	"github.com/cyp0633/libseries/storage"
	badgerstore "github.com/cyp0633/libseries/storage/badger"
	"github.com/cyp0633/libseries/storage/memory"
	"github.com/spf13/cobra"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// run executes one command line and releases the store afterwards
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	c := &cli{stderr: stderr, now: time.Now}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := c.close(); err == nil {
		err = cerr
	}
	return err
}

// cli carries what every subcommand shares once the config is loaded
type cli struct {
	configPath string
	jsonOut    bool
	stderr     io.Writer
	now        func() time.Time

	cfg        *config.Config
	logger     *slog.Logger
	store      storage.Store
	closeStore func() error
	gc         worker.GarbageCollector
	engine     *recurrence.Engine
	coord      *series.Coordinator
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "seriesctl",
		Short:         "Manage recurring event series",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "seriesctl.yaml", "Path to config file")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "Print results as JSON")

	root.AddCommand(
		c.createCmd(),
		c.materializeCmd(),
		c.listCmd(),
		c.editCmd(),
		c.splitCmd(),
		c.deleteInstanceCmd(),
		c.deleteFollowingCmd(),
		c.deleteSeriesCmd(),
		c.deleteEventCmd(),
		c.convertCmd(),
		c.exportCmd(),
		c.importCmd(),
		c.workerCmd(),
		c.configCmd(),
	)
	return root
}

// open loads the config and wires store, engine and coordinator
func (c *cli) open() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = cfg.Log.Logger(c.stderr)

	switch cfg.Storage.Driver {
	case "memory":
		c.store = memory.New()
	default:
		db, err := badgerstore.Open(badgerstore.Config{
			Path:       cfg.Storage.Path,
			InMemory:   cfg.Storage.InMemory,
			SyncWrites: cfg.Storage.SyncWrites,
			Logger:     c.logger.With("component", "badger"),
		})
		if err != nil {
			return err
		}
		c.store = db
		c.gc = db
		c.closeStore = db.Close
	}

	c.engine = recurrence.NewEngineWithConfig(cfg.Engine.Recurrence())
	c.engine.SetLogger(c.logger)
	c.coord = series.NewCoordinator(c.store, c.engine,
		series.WithLogger(c.logger),
		series.WithClock(c.now))
	return nil
}

func (c *cli) close() error {
	if c.engine != nil {
		c.engine.Close()
		c.engine = nil
	}
	var err error
	if c.closeStore != nil {
		err = c.closeStore()
		c.closeStore = nil
	}
	return err
}

func (c *cli) location(name string) (*time.Location, error) {
	if name == "" {
		name = c.cfg.Timezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", name, err)
	}
	return loc, nil
}

// horizon is the end of the window new series are materialized over
func (c *cli) horizon(from time.Time) time.Time {
	now := c.now()
	if from.After(now) {
		now = from
	}
	return c.cfg.Worker.Horizon(now)
}

var errUsage = errors.New("invalid arguments")
