package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	ouroboros "github.com/i5heu/ouroboros-ec"
	"github.com/i5heu/ouroboros-ec/internal/api"
	"github.com/i5heu/ouroboros-ec/internal/capacity"
	"github.com/i5heu/ouroboros-ec/internal/config"
	"github.com/i5heu/ouroboros-ec/internal/membership"
	"github.com/i5heu/ouroboros-ec/internal/piecestore"
	"github.com/i5heu/ouroboros-ec/internal/raftlog"
	"github.com/i5heu/ouroboros-ec/internal/transport"
	"github.com/i5heu/ouroboros-ec/pkg/logging"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyHTTPAddr   = "httpAddr"
	logKeyDataPath   = "dataPath"
	logKeyStore      = "store"
	logKeyRaftID     = "raftID"
	logKeyError      = "error"
)

const shutdownTimeout = 10 * time.Second

func main() { // A
	// Parse command line flags
	flags := parseFlags()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	flags.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.Stderr(level)

	logger.InfoContext(context.Background(), "starting ouroboros daemon",
		logKeyListenAddr, cfg.Listen,
		logKeyHTTPAddr, cfg.HTTP,
		logKeyDataPath, cfg.DataDir,
		logKeyStore, cfg.Store,
		logKeyRaftID, cfg.RaftID)

	// Create context that cancels on interrupt
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.ErrorContext(context.Background(), "daemon error", logKeyError, err)
		os.Exit(1)
	}
}

// daemonFlags holds command line overrides of the config file.
type daemonFlags struct { // A
	configPath string
	listen     string
	http       string
	dataPath   string
	store      string
	bootstrap  bool
	debug      bool
}

// parseFlags parses command line flags.
func parseFlags() daemonFlags { // A
	f := daemonFlags{}

	flag.StringVar(&f.configPath, "config", "",
		"Path to a YAML config file")
	flag.StringVar(&f.listen, "listen", "",
		"Address to listen on for cluster communication")
	flag.StringVar(&f.http, "http", "",
		"Address of the HTTP API (empty disables it)")
	flag.StringVar(&f.dataPath, "data", "",
		"Path to data directory")
	flag.StringVar(&f.store, "store", "",
		"Piece store backend: memory, badger or sqlite")
	flag.BoolVar(&f.bootstrap, "bootstrap", false,
		"Add this node to the cluster once the membership log is up")
	flag.BoolVar(&f.debug, "debug", false,
		"Enable debug logging")

	flag.Parse()

	return f
}

func (f daemonFlags) apply(cfg *config.Config) {
	if f.listen != "" {
		if cfg.Advertise == cfg.Listen {
			cfg.Advertise = f.listen
		}
		cfg.Listen = f.listen
	}
	if f.http != "" {
		cfg.HTTP = f.http
	}
	if f.dataPath != "" {
		cfg.DataDir = f.dataPath
	}
	if f.store != "" {
		cfg.Store = f.store
	}
	if f.bootstrap {
		cfg.Bootstrap = true
	}
	if f.debug {
		cfg.LogLevel = "debug"
	}
}

// storeLogger adapts the daemon's level to the logrus logger badger wants.
func storeLogger(level slog.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	switch {
	case level <= slog.LevelDebug:
		l.SetLevel(logrus.DebugLevel)
	case level <= slog.LevelInfo:
		l.SetLevel(logrus.WarnLevel)
	default:
		l.SetLevel(logrus.ErrorLevel)
	}
	return l
}

// run is the main daemon logic, separated for testability.
//
//nolint:cyclop // Main orchestration function is inherently complex
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error { // A
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	level, _ := logging.ParseLevel(cfg.LogLevel)

	store, err := piecestore.Open(piecestore.Options{
		Backend:  cfg.Store,
		Dir:      cfg.DataDir,
		Compress: cfg.Compress,
		Logger:   storeLogger(level),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	mux := transport.NewMux()
	quic, err := transport.NewQUICTransport(logger, transport.DefaultQUICConfig(), mux)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create QUIC transport: %w", err)
	}
	defer func() {
		if err := quic.Close(); err != nil {
			logger.Warn("error stopping transport", logKeyError, err)
		}
	}()

	self := model.Address(cfg.Advertise)
	node, err := ouroboros.New(ouroboros.Config{
		Self:          self,
		Store:         store,
		Caller:        quic,
		Capacity:      capacity.Provider(cfg.DataDir, cfg.Capacity, logger),
		Logger:        logger,
		PingTimeout:   cfg.PingTimeout,
		NotifyTimeout: cfg.NotifyTimeout,
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create node: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warn("error closing node", logKeyError, err)
		}
	}()
	node.Register(mux)

	peers := make([]raftlog.Peer, 0, len(cfg.RaftPeers))
	for _, p := range cfg.RaftPeers {
		peers = append(peers, raftlog.Peer{ID: p.ID, Address: model.Address(p.Address)})
	}
	replica := membership.NewReplica(membership.NewStateMachine(), node, logger)
	members, err := raftlog.New(raftlog.Config{
		ID:      cfg.RaftID,
		Peers:   peers,
		Caller:  quic,
		Replica: replica,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create membership log: %w", err)
	}
	defer members.Stop()
	members.Register(mux)
	node.SetProposer(members)

	bound, err := quic.Listen(cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.InfoContext(ctx, "cluster transport listening", logKeyListenAddr, bound)

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := members.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		defer wg.Done()
		node.Run(ctx, ouroboros.Intervals{
			Report:      cfg.ReportInterval,
			Probe:       cfg.ProbeInterval,
			Rebuild:     cfg.RebuildInterval,
			Stabilize:   cfg.StabilizeInterval,
			Maintenance: cfg.MaintenanceInterval,
		})
	}()

	if cfg.HTTP != "" {
		srv := api.New(node, node, api.WithLogger(logger))
		if _, err := srv.Start(cfg.HTTP); err != nil {
			return fmt.Errorf("start http api: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Bootstrap {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bootstrap(ctx, node, logger)
		}()
	}

	logger.InfoContext(ctx, "daemon started", logKeyListenAddr, bound)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	logger.Info("daemon shutting down")
	cancel()
	members.Stop()
	wg.Wait()
	return runErr
}

// bootstrap adds this node to the cluster, retrying until the membership
// log has a leader.
func bootstrap(ctx context.Context, node *ouroboros.Node, logger *slog.Logger) {
	for {
		if node.Cluster().Contains(node.Self()) {
			return
		}
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := node.AddNode(attemptCtx, node.Self())
		cancel()
		if err == nil {
			logger.Info("joined cluster")
			return
		}
		logger.Debug("bootstrap attempt failed", logKeyError, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
