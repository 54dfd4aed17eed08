package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/philsphicas/beacon/internal/crypto"
	"github.com/philsphicas/beacon/internal/metrics"
	"github.com/spf13/cobra"
)

var version = "dev"

// sdkVersion is recorded in state files so that migrations run once.
const sdkVersion = "1.1.0"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "beacon",
		Short:        "Wallet and dApp connection fabric",
		Long:         "Pair wallets with dApps and exchange Beacon messages over a Matrix relay or a WebSocket hub.",
		SilenceUsage: true,
	}

	// Global flags.
	rootCmd.PersistentFlags().String("config", "", "TOML config file (relay servers, app metadata, allowlist)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")
	rootCmd.PersistentFlags().Int("metrics-max-peers", 500, "max unique peer labels in metrics (0 = unlimited)")

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(dappCmd())
	rootCmd.AddCommand(hubCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an identity seed",
		Long: `Generate a new Ed25519 identity. The seed is printed first; pass it with
--seed or BEACON_SEED to keep the same identity across runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := crypto.NewKeyPair()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "seed:       %s\n", hex.EncodeToString(kp.Private.Seed()))
			fmt.Fprintf(out, "public key: %s\n", kp.PublicKeyHex())
			fmt.Fprintf(out, "sender id:  %s\n", crypto.SenderID(kp.Public))
			return nil
		},
	}
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or BEACON_METRICS_ADDR is set. Returns nil if metrics are
// disabled. The provided context controls the server's lifetime.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = os.Getenv("BEACON_METRICS_ADDR")
	}
	if addr == "" {
		return nil, nil
	}
	maxPeers, _ := cmd.Flags().GetInt("metrics-max-peers")
	if maxPeers < 0 {
		return nil, fmt.Errorf("--metrics-max-peers must be >= 0, got %d", maxPeers)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	m.MaxPeers = maxPeers
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
