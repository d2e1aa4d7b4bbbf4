// Command agentboardd runs the session board daemon: the queue scheduler,
// the session orchestrator, and the HTTP/websocket bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nadavbarak14/agentboard/internal/config"
	"github.com/nadavbarak14/agentboard/internal/logging"
	"github.com/nadavbarak14/agentboard/internal/orchestrator"
	"github.com/nadavbarak14/agentboard/internal/proc"
	"github.com/nadavbarak14/agentboard/internal/remote"
	"github.com/nadavbarak14/agentboard/internal/scheduler"
	"github.com/nadavbarak14/agentboard/internal/statedb"
	"github.com/nadavbarak14/agentboard/internal/web"
)

const Version = "0.3.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentboardd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dataDir := config.DataDir()

	var (
		configPath = flag.String("config", filepath.Join(dataDir, "config.toml"), "Path to config file")
		listenAddr = flag.String("listen", "", "Listen address (overrides config)")
		dbPath     = flag.String("db", "", "State database path (overrides config)")
		token      = flag.String("token", "", "Bearer token for API/WS access")
		readOnly   = flag.Bool("read-only", false, "Disable mutations over HTTP")
		debug      = flag.Bool("debug", false, "Log at debug level")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("agentboardd", Version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.Web.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}
	if cfg.DB.Path == "" {
		cfg.DB.Path = filepath.Join(dataDir, "state.db")
	}

	logDir := cfg.Log.Dir
	if logDir == "" {
		logDir = dataDir
	}
	level := cfg.Log.Level
	if *debug {
		level = "debug"
	}
	logging.Init(logging.Config{
		LogDir: logDir,
		Level:  level,
		Format: cfg.Log.Format,
	})
	defer logging.Shutdown()
	log := logging.Logger()
	log.Info("starting",
		slog.String("version", Version),
		slog.String("db", cfg.DB.Path),
		slog.String("listen", cfg.Web.ListenAddr))

	repo, err := statedb.Open(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.SeedMaxConcurrent(cfg.Scheduler.MaxConcurrentSessions); err != nil {
		return err
	}

	// Sessions left active by a previous crash cannot be reattached; mark
	// them finished so their continuations are one click away.
	if n, err := repo.RecoverOrphanedActive(); err != nil {
		return err
	} else if n > 0 {
		log.Info("recovered_orphaned_sessions", slog.Int("count", n))
	}

	local := proc.NewLocalProvider(cfg.IdleThreshold())
	bridge := remote.NewBridge(local)
	sched := scheduler.New(repo, cfg.DispatchGap())
	orch := orchestrator.New(orchestrator.Config{
		AgentCommand:  cfg.Agent.Argv(),
		RetryGrace:    cfg.RetryGrace(),
		CommentSettle: cfg.CommentSettle(),
	}, repo, sched, local, bridge)

	server := web.NewServer(web.Config{
		ListenAddr: cfg.Web.ListenAddr,
		Token:      *token,
		ReadOnly:   *readOnly,
	}, orch, repo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	// Queued sessions from the previous run dispatch without waiting for
	// an external trigger.
	sched.AttemptDispatch()
	sched.StartAutoDispatch(cfg.AutoDispatchInterval())

	err = g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		log.Info("stopped")
		return nil
	}
	return err
}
