package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/bus"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/config"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/httpapi"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/logger"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/orchestration"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/rpc"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/sessionmgr"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "harnessd",
		Short: "local orchestration harness for supervised coding-agent sessions",
	}
	root.AddCommand(serveCmd(), doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var specDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the RPC and HTTP+WS servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := logger.Init("info", ""); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return run(cfg, specDir)
		},
	}
	cmd.Flags().StringVar(&specDir, "spec-dir", ".", "external spec directory read by get_state/sync_project_state")
	return cmd
}

func run(cfg *config.Config, specDir string) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	hub := sessionmgr.NewHub()
	gates := orchestration.NewGateRegistry(st)
	mgr := sessionmgr.New(cfg, st, hub, gates)

	if err := mgr.Recover(); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	mgr.StartStaleSweep()
	defer mgr.StopStaleSweep()

	b := bus.New(st)
	rpcSrv := rpc.New(cfg, mgr, b, gates, specDir)
	httpSrv := httpapi.New(cfg, mgr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)

	go rpcSrv.WatchSpecDir(ctx)

	go func() {
		logger.Log.Info("rpc: serving stdio")
		errCh <- rpcSrv.Serve(ctx, os.Stdin, os.Stdout)
	}()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		errCh <- httpSrv.Start(addr)
	}()

	select {
	case <-ctx.Done():
		logger.Log.Info("shutting down")
		httpSrv.Close()
		time.Sleep(cfg.KillGrace)
		return nil
	case err := <-errCh:
		stop()
		httpSrv.Close()
		if err != nil && err != context.Canceled {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check store health, slot occupancy, and orphaned rows without mutating state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runDoctor(cfg)
		},
	}
}

func runDoctor(cfg *config.Config) error {
	fmt.Println("harness doctor")
	fmt.Println()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Printf("  store:            unreachable (%v)\n", err)
	} else {
		defer st.Close()
		fmt.Printf("  store:            ok (%s)\n", cfg.DBPath)

		sessions, err := st.ListSessions(store.SessionFilter{})
		if err != nil {
			fmt.Printf("  sessions:         error listing (%v)\n", err)
		} else {
			occupied := map[int]bool{}
			orphaned := 0
			for _, sess := range sessions {
				if !store.IsTerminal(sess.Status) {
					occupied[sess.Slot] = true
					if time.Since(sess.LastPollAt) > cfg.StaleTimeout {
						orphaned++
					}
				}
			}
			fmt.Printf("  sessions total:   %d\n", len(sessions))
			fmt.Printf("  slots occupied:   %d / %d\n", len(occupied), cfg.Slots)
			fmt.Printf("  stale candidates: %d\n", orphaned)
		}
	}
	fmt.Println()

	fmt.Println("coding-agent CLIs:")
	for _, c := range []string{"claude", "codex", "gemini", "aider"} {
		if path, err := exec.LookPath(c); err == nil {
			fmt.Printf("  %-10s %s\n", c, path)
		} else {
			fmt.Printf("  %-10s not found\n", c)
		}
	}
	fmt.Println()

	fmt.Println("config:")
	fmt.Printf("  port:             %d\n", cfg.Port)
	fmt.Printf("  credentials_dir:  %s\n", cfg.CredentialsDir)
	fmt.Printf("  slots:            %d\n", cfg.Slots)

	return nil
}
