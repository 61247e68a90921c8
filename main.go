package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"git.skobk.in/skobkin/telegram-plaza-bridge/bot"
	"git.skobk.in/skobkin/telegram-plaza-bridge/config"
	"git.skobk.in/skobkin/telegram-plaza-bridge/db"
	"git.skobk.in/skobkin/telegram-plaza-bridge/platform"
	"git.skobk.in/skobkin/telegram-plaza-bridge/poller"
	"git.skobk.in/skobkin/telegram-plaza-bridge/storage"
	"git.skobk.in/skobkin/telegram-plaza-bridge/telegram"
)

type cliOptions struct {
	verbose     bool
	veryVerbose bool
	configPath  string
}

// parseFlags reads the command line. -v may be repeated: -v selects Info,
// -vv (or --vv) selects Debug.
func parseFlags(args []string) (cliOptions, error) {
	fs := pflag.NewFlagSet("telegram-plaza-bridge", pflag.ContinueOnError)
	verbosity := fs.CountP("verbose", "v", "Increase logging verbosity (-v Info, -vv Debug)")
	veryVerbose := fs.Bool("vv", false, "Enable very verbose logging (LevelDebug)")
	configPath := fs.String("config", "", "Path to the YAML config file (default "+config.DefaultPath()+")")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}

	return cliOptions{
		verbose:     *verbosity >= 1,
		veryVerbose: *verbosity >= 2 || *veryVerbose,
		configPath:  *configPath,
	}, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	// Bootstrap logging so config loading can report problems
	setLogLevel(opts.verbose, opts.veryVerbose, "json")

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		slog.Error("main: Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("main: Invalid configuration", "error", err)
		os.Exit(1)
	}
	setLogLevel(opts.verbose, opts.veryVerbose, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("main: Bridge stopped", "error", err)
		stop()
		os.Exit(1)
	}
	slog.Info("main: Bridge stopped")
}

// run wires the bridge and blocks until ctx is cancelled or a component
// fails. A poller failure is fatal: the process exits and the service
// manager restarts it from the last unacknowledged update.
func run(ctx context.Context, cfg config.Config) error {
	slog.Debug("main: Initializing storage", "driver", cfg.DatabaseDriver)
	gdb, err := db.Open(cfg.Database())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(gdb); err != nil {
			slog.Warn("main: Failed to close database", "error", err)
		}
	}()

	store, err := storage.New(gdb)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	slog.Debug("main: Storage initialized successfully")

	client, err := telegram.New(cfg.TelegramBotToken, cfg.TelegramAPIServer)
	if err != nil {
		return fmt.Errorf("initialize telegram client: %w", err)
	}

	botName := cfg.TelegramBotName
	if botName == "" {
		if botName, err = client.BotName(ctx); err != nil {
			return fmt.Errorf("resolve bot name: %w", err)
		}
	}

	emitter := platform.NewHTTPEmitter(cfg.BridgeEndpoint, cfg.AuthToken, nil)
	b := bot.New(store, client, emitter, bot.Config{
		BotName:          botName,
		MaintainerHandle: cfg.MaintainerHandle,
	})

	p := poller.New(client, b, poller.Options{
		Timeout: cfg.PollTimeout,
		Policy:  cfg.Policy(),
	})

	server := platform.NewServer(b, cfg.AuthToken, func(ctx context.Context) (any, error) {
		stats, err := store.Stats(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"storage": stats, "poller_offset": p.Offset()}, nil
	})

	slog.Info("main: Starting bridge", "bot", botName, "listen_addr", cfg.ListenAddr)

	return supervise(ctx, p, server, cfg.ListenAddr)
}

type updateLoop interface {
	Run(ctx context.Context) error
}

type httpService interface {
	Run(ctx context.Context, addr string) error
}

// supervise runs the poller and the HTTP server together. The first
// failure cancels the other and is returned.
func supervise(ctx context.Context, loop updateLoop, server httpService, addr string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := loop.Run(gctx); err != nil {
			return fmt.Errorf("poller: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := server.Run(gctx, addr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// setLogLevel configures the logging level based on the provided flags
func setLogLevel(verbose, veryVerbose bool, format string) {
	// Determine logging level based on flags
	logLevel := slog.LevelWarn // Default level
	if veryVerbose {
		logLevel = slog.LevelDebug
	} else if verbose {
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Debug("main: Log level set to", "level", logLevel.String())
}
