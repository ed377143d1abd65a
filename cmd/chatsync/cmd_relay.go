package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/chatsync/internal/config"
	"github.com/user/chatsync/internal/metrics"
	"github.com/user/chatsync/internal/relay"
	"github.com/user/chatsync/internal/store"
)

const pidFileName = "relay.pid"

func init() {
	rootCmd.AddCommand(relayCmd)
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the reference relay backend",
	Args:  cobra.NoArgs,
	RunE:  runRelay,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func openRelayBus(ctx context.Context, cfg *config.Config) (relay.Bus, error) {
	if cfg.Relay.RedisURL == "" {
		return relay.NewLocalBus(), nil
	}
	bus, err := relay.NewRedisBus(ctx, cfg.Relay.RedisURL)
	if err != nil {
		return nil, err
	}
	slog.Info("relay fan-out over redis")
	return bus, nil
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.RelayDSN())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if cfg.Relay.AutoInit {
		if err := st.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize store: %w", err)
		}
	}

	bus, err := openRelayBus(ctx, cfg)
	if err != nil {
		return err
	}

	srv := relay.New(relay.Config{
		APIKey:        cfg.Relay.APIKey,
		RateLimit:     cfg.Relay.RateLimit,
		RateBurst:     cfg.Relay.RateBurst,
		StatsSchedule: cfg.Relay.StatsSchedule,
	}, st, bus, metrics.New())
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	defer srv.Close()

	slog.Info("relay configured",
		"data_dir", cfg.DataDir,
		"auto_init", cfg.Relay.AutoInit,
		"auth", cfg.Relay.APIKey != "",
		"pid_file", pidPath,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx, cfg.Relay.Listen)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
						slog.Error("failed to re-write PID file", "error", writeErr)
					}
					continue
				}
			}
			slog.Info("shutting down", "signal", sig)
			cancel()
			return <-errCh
		}
	}
}
