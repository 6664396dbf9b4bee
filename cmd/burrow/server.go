package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/fanout"
	"github.com/cuemby/burrow/pkg/lock"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/pipe"
	"github.com/cuemby/burrow/pkg/procedure"
	"github.com/cuemby/burrow/pkg/procstore"
	"github.com/cuemby/burrow/pkg/reconciler"
	"github.com/spf13/cobra"
)

// managerFlags registers the flags shared by cluster init and join
func managerFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "Path to a YAML configuration file")
	cmd.Flags().String("node-id", "", "Unique node ID")
	cmd.Flags().String("bind-addr", "", "Address for raft communication")
	cmd.Flags().String("api-addr", "", "Address for the HTTP admin API")
	cmd.Flags().String("data-dir", "", "Data directory for cluster state")
	cmd.Flags().String("socket", "", "Serve a read-only copy of the API on this unix socket")
}

// loadConfig reads --config and applies the flags that were set
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	override := func(flag string, dst *string) {
		if cmd.Flags().Changed(flag) {
			*dst, _ = cmd.Flags().GetString(flag)
		}
	}
	override("node-id", &cfg.NodeID)
	override("bind-addr", &cfg.BindAddr)
	override("api-addr", &cfg.APIAddr)
	override("data-dir", &cfg.DataDir)

	if cmd.Flags().Changed("log-level") {
		level, _ := cmd.Flags().GetString("log-level")
		cfg.Log.Level = log.Level(level)
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON, Output: os.Stderr})

	return cfg, cfg.Validate()
}

func executorConfig(c config.ExecutorConfig) procedure.Config {
	return procedure.Config{
		Workers:          c.Workers,
		PhaseTimeout:     c.PhaseTimeout,
		MaxPhaseRetries:  c.MaxPhaseRetries,
		RetryBackoff:     c.RetryBackoff,
		MaxRetryBackoff:  c.MaxRetryBackoff,
		ConflictPolicy:   procedure.ConflictPolicy(c.ConflictPolicy),
		CompactInterval:  c.CompactInterval,
		CompactThreshold: c.CompactThreshold,
		ResultRetention:  c.ResultRetention,
	}
}

// runManager starts a manager, lets start bring it into a raft group and
// serves until interrupted
func runManager(cfg *config.Config, socket string, start func(context.Context, *manager.Manager) error) error {
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:       cfg.NodeID,
		BindAddr:     cfg.BindAddr,
		DataDir:      cfg.DataDir,
		RaftLogLevel: cfg.Log.Level,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Manager shutdown failed")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := start(ctx, mgr); err != nil {
		return err
	}
	if err := mgr.WaitForLeader(ctx); err != nil {
		return err
	}
	metrics.RegisterComponent("raft", true, "")

	store, err := procstore.NewBoltStore(cfg.DataDir)
	if err != nil {
		metrics.RegisterComponent("procstore", false, err.Error())
		return err
	}
	defer store.Close()
	metrics.RegisterComponent("procstore", true, "")

	fan := fanout.NewClient(fanout.Config{
		NodeTimeout:    cfg.Fanout.NodeTimeout,
		MaxConcurrency: cfg.Fanout.MaxConcurrency,
	})
	defer fan.Close()

	recon := reconciler.NewReconciler(reconciler.Config{
		Interval:         cfg.Reconciler.Interval,
		HeartbeatTimeout: cfg.Reconciler.HeartbeatTimeout,
		ResyncPerSecond:  cfg.Reconciler.ResyncPerSecond,
	}, mgr, fan, mgr.GetEventBroker())

	cat := procedure.NewCatalogue()
	pipe.RegisterAll(cat, pipe.Deps{Gateway: mgr, Metadata: mgr, Fanout: fan})

	exec, err := procedure.NewExecutor(executorConfig(cfg.Executor), procedure.Deps{
		Store:      store,
		Locks:      lock.NewManager(),
		Catalogue:  cat,
		Events:     mgr.GetEventBroker(),
		Stragglers: recon,
	})
	if err != nil {
		return err
	}

	recovered, err := exec.RecoverOnStartup(context.Background())
	if err != nil {
		return fmt.Errorf("failed to recover procedures: %w", err)
	}
	if recovered > 0 {
		logger.Info().Int("procedures", recovered).Msg("Resuming interrupted procedures")
	}

	exec.Start()
	defer exec.Stop()
	recon.Start()
	defer recon.Stop()
	collector := manager.NewMetricsCollector(mgr)
	collector.Start()
	defer collector.Stop()

	sub := mgr.GetEventBroker().Subscribe()
	defer mgr.GetEventBroker().Unsubscribe(sub)
	go logEvents(sub)

	apiServer := api.NewServer(mgr, exec, recon)
	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.Start(cfg.APIAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	if socket != "" {
		_ = os.Remove(socket)
		lis, err := net.Listen("unix", socket)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", socket, err)
		}
		go func() {
			if err := apiServer.ServeReadOnly(lis); err != nil {
				errCh <- fmt.Errorf("read-only API error: %w", err)
			}
		}()
	}

	logger.Info().
		Str("node_id", cfg.NodeID).
		Str("raft_addr", cfg.BindAddr).
		Str("api_addr", cfg.APIAddr).
		Msg("Manager is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Shutting down")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn().Err(err).Msg("API shutdown failed")
	}
	return runErr
}

func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		e := logger.Debug().Str("type", string(ev.Type))
		for k, v := range ev.Metadata {
			e = e.Str(k, v)
		}
		e.Msg(ev.Message)
	}
}
