package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/config"
	"github.com/always-cache/offline-cache/pkg/fetch"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "offline-cache",
		Usage:   "Offline caching agent for a single web application",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
				Sources: cli.EnvVars("OFFLINE_CACHE_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "origin",
				Usage: "origin URL of the application (overrides scope from config)",
			},
			&cli.StringFlag{
				Name:    "provider",
				Usage:   "caching provider to use (sqlite, bolt or memory)",
				Value:   "sqlite",
				Sources: cli.EnvVars("OFFLINE_CACHE_PROVIDER"),
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "cache DB file name (use 'memory' for an in-memory sqlite db)",
				Value:   "offline-cache.db",
				Sources: cli.EnvVars("OFFLINE_CACHE_DB"),
			},
			&cli.BoolFlag{
				Name:  "vv",
				Usage: "verbosity: trace logging",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "log file to use (in addition to stderr)",
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			serveCommand(),
			precacheCommand(),
			cachesCommand(),
		},
	}
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	logLevel := zerolog.DebugLevel
	if cmd.Bool("vv") {
		logLevel = zerolog.TraceLevel
	}

	// log to stderr, and to the log file if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: cmd.Root().ErrWriter}}
	if filename := cmd.String("log-file"); filename != "" {
		logFile, err := os.OpenFile(filename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return ctx, fmt.Errorf("open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFile)
	}
	log.Logger = log.Level(logLevel).Output(zerolog.MultiLevelWriter(logOutputs...)).
		With().Str("release", version).Logger()
	return ctx, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "install the agent and serve the application through it",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "port to listen on",
				Value:   8080,
				Sources: cli.EnvVars("OFFLINE_CACHE_PORT"),
			},
			&cli.StringFlag{
				Name:  "server-name",
				Usage: "TLS server name of the origin, if it is addressed by IP",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			agent, provider, err := newAgent(cmd, fetch.NewHTTPFetcher(cmd.String("server-name")), nil)
			if err != nil {
				return err
			}
			defer provider.Close()

			server := &http.Server{
				Addr:        fmt.Sprintf(":%d", cmd.Int("port")),
				Handler:     agent.Router(),
				BaseContext: func(net.Listener) context.Context { return ctx },
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				// requests are passed through until the agent is activated
				_, err := agent.Start(gctx)
				return err
			})
			g.Go(func() error {
				log.Info().Msgf("Serving %s on port %d", agent.Version(), cmd.Int("port"))
				if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func precacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "precache",
		Usage: "install and activate the current version once, then exit",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			skipWaiting := true
			agent, provider, err := newAgent(cmd, fetch.NewHTTPFetcher(""), &skipWaiting)
			if err != nil {
				return err
			}
			defer provider.Close()

			report, err := agent.Start(ctx)
			if err != nil {
				return err
			}
			out := cmd.Root().Writer
			for _, u := range report.Stored() {
				fmt.Fprintf(out, "stored\t%s\n", u)
			}
			for _, f := range report.Failed() {
				fmt.Fprintf(out, "failed\t%s\t%v\n", f.URL, f.Err)
			}
			return nil
		},
	}
}

func cachesCommand() *cli.Command {
	return &cli.Command{
		Name:  "caches",
		Usage: "inspect and manage the stored caches",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "list all caches",
				Action: listCaches,
			},
			{
				Name:      "show",
				Usage:     "list the entries of a cache",
				ArgsUsage: "NAME",
				Action:    showCache,
			},
			{
				Name:      "delete",
				Usage:     "delete a cache",
				ArgsUsage: "NAME",
				Action:    deleteCache,
			},
		},
	}
}

func listCaches(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	provider, err := openProvider(cmd.String("provider"), cmd.String("db"))
	if err != nil {
		return err
	}
	defer provider.Close()

	names, err := provider.Names()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENTRIES\tSIZE\tCURRENT")
	for _, name := range names {
		entries, err := cacheEntries(provider, name)
		if err != nil {
			return err
		}
		var size uint64
		for _, entry := range entries {
			size += uint64(len(entry.Bytes))
		}
		current := ""
		if name == cfg.Version {
			current = "*"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", name, len(entries), humanize.Bytes(size), current)
	}
	return w.Flush()
}

func showCache(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return errors.New("cache name required")
	}
	provider, err := openProvider(cmd.String("provider"), cmd.String("db"))
	if err != nil {
		return err
	}
	defer provider.Close()

	if !hasCache(provider, name) {
		return fmt.Errorf("no such cache: %s", name)
	}
	entries, err := cacheEntries(provider, name)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSIZE\tSTORED")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", entry.Key, humanize.Bytes(uint64(len(entry.Bytes))), humanize.Time(entry.StoredAt))
	}
	return w.Flush()
}

func deleteCache(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return errors.New("cache name required")
	}
	provider, err := openProvider(cmd.String("provider"), cmd.String("db"))
	if err != nil {
		return err
	}
	defer provider.Close()

	ok, err := provider.Delete(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no such cache: %s", name)
	}
	fmt.Fprintf(cmd.Root().Writer, "deleted %s\n", name)
	return nil
}

// newAgent creates the agent from the config file, the environment and the
// command line flags, in that order of precedence.
func newAgent(cmd *cli.Command, fetcher fetch.Fetcher, skipWaiting *bool) (*offlinecache.Agent, cache.CacheProvider, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if skipWaiting != nil {
		cfg.SkipWaiting = *skipWaiting
	}
	scope, err := cfg.ScopeURL()
	if err != nil {
		return nil, nil, err
	}
	provider, err := openProvider(cmd.String("provider"), cmd.String("db"))
	if err != nil {
		return nil, nil, err
	}
	agent, err := offlinecache.New(offlinecache.Config{
		Version:             cfg.Version,
		Scope:               *scope,
		ShellFiles:          cfg.ShellFiles,
		ExternalFiles:       cfg.ExternalFiles,
		BootPage:            cfg.BootPage,
		BypassHosts:         cfg.BypassHosts,
		ImmutableHosts:      cfg.ImmutableHosts,
		Rules:               cfg.Rules,
		Cache:               provider,
		Fetcher:             fetcher,
		PrecacheConcurrency: cfg.PrecacheConcurrency,
		SkipWaiting:         cfg.SkipWaiting,
	})
	if err != nil {
		provider.Close()
		return nil, nil, err
	}
	return agent, provider, nil
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return cfg, err
	}
	if origin := cmd.String("origin"); origin != "" {
		cfg.Scope = origin
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// openProvider returns the caching provider of the given kind.
func openProvider(kind string, db string) (cache.CacheProvider, error) {
	switch kind {
	case "sqlite":
		if db == "memory" {
			db = ""
		}
		return cache.NewSQLiteCache(db)
	case "bolt":
		return cache.NewBoltCache(db)
	case "memory":
		return cache.NewMemCache(), nil
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", kind)
	}
}

func hasCache(provider cache.CacheProvider, name string) bool {
	names, err := provider.Names()
	if err != nil {
		return false
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// cacheEntries returns the entries of the named cache sorted by key.
func cacheEntries(provider cache.CacheProvider, name string) ([]cache.CacheEntry, error) {
	c, err := provider.Open(name)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	if err := c.AllKeys(func(key string) { keys = append(keys, key) }); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	entries := make([]cache.CacheEntry, 0, len(keys))
	for _, key := range keys {
		entry, ok, err := c.Get(key)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}
