package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/philsphicas/beacon/internal/blockchain"
	"github.com/philsphicas/beacon/internal/blockchain/tezos"
	"github.com/philsphicas/beacon/internal/connection"
	"github.com/philsphicas/beacon/internal/crypto"
	"github.com/philsphicas/beacon/internal/message"
	"github.com/philsphicas/beacon/internal/metrics"
	"github.com/philsphicas/beacon/internal/p2p"
	"github.com/philsphicas/beacon/internal/relay"
	"github.com/philsphicas/beacon/internal/socket"
	"github.com/philsphicas/beacon/internal/storage"
	"github.com/philsphicas/beacon/internal/transport"
)

// relaySelectBudget bounds how long startup waits for a reachable relay.
const relaySelectBudget = 30 * time.Second

// stack is everything a wallet or dApp node needs, built from flags,
// environment and the config file.
type stack struct {
	cfg      fileConfig
	kp       crypto.KeyPair
	senderID string
	conn     *connection.Controller
	msgs     *message.Controller
	store    *storage.Extended
	logger   *slog.Logger
}

func buildStack(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*stack, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	kp, err := resolveKeyPair(setting(cmd, "seed", "BEACON_SEED", cfg.Seed), logger)
	if err != nil {
		return nil, err
	}
	senderID := crypto.SenderID(kp.Public)
	logger = logger.With("sender", senderID)

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return nil, err
	}

	transports, err := buildTransports(ctx, cmd, cfg, kp, m, logger)
	if err != nil {
		return nil, err
	}
	conn, err := connection.New(connection.Config{Transports: transports, Metrics: m, Logger: logger})
	if err != nil {
		return nil, err
	}

	store, err := openStorage(ctx, setting(cmd, "state", "BEACON_STATE", cfg.State), logger)
	if err != nil {
		return nil, err
	}
	ids, _ := cmd.Flags().GetStringSlice("ws-peer")
	if _, err := store.AddPeers(ctx, wsPeers(ids)...); err != nil {
		return nil, fmt.Errorf("add websocket peers: %w", err)
	}

	msgs, err := message.New(message.Config{
		Registry: blockchain.NewRegistry(&tezos.Codec{}),
		Storage:  store,
		SenderID: senderID,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return &stack{
		cfg:      cfg,
		kp:       kp,
		senderID: senderID,
		conn:     conn,
		msgs:     msgs,
		store:    store,
		logger:   logger,
	}, nil
}

// buildTransports creates a P2P transport when relay servers are
// configured and a WebSocket transport when a hub is.
func buildTransports(ctx context.Context, cmd *cobra.Command, cfg fileConfig, kp crypto.KeyPair, m *metrics.Metrics, logger *slog.Logger) ([]*transport.Transport, error) {
	var transports []*transport.Transport

	if servers := listSetting(cmd, "relay", "BEACON_RELAY_SERVERS", cfg.RelayServers); len(servers) > 0 {
		server, err := relay.SelectServer(ctx, servers, nil, relaySelectBudget, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("relay server selected", "server", server)
		impl, err := p2p.New(p2p.Config{
			Relay: relay.Config{
				Server:  server,
				KeyPair: kp,
				Metrics: m,
				Logger:  logger,
			},
			Name:    cfg.App.Name,
			Icon:    cfg.App.Icon,
			AppURL:  cfg.App.URL,
			Metrics: m,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		transports = append(transports, transport.New(impl, transport.Config{Metrics: m, Logger: logger}))
	}

	if hub := setting(cmd, "hub", "BEACON_HUB_URL", cfg.Hub); hub != "" {
		impl, err := socket.New(socket.Config{URL: hub, ID: kp.PublicKeyHex(), Metrics: m, Logger: logger})
		if err != nil {
			return nil, err
		}
		transports = append(transports, transport.New(impl, transport.Config{Metrics: m, Logger: logger}))
	}

	if len(transports) == 0 {
		return nil, errNoTransport
	}
	return transports, nil
}

// openStorage opens the state file and migrates it, or returns in-memory
// storage when path is empty.
func openStorage(ctx context.Context, path string, logger *slog.Logger) (*storage.Extended, error) {
	if path == "" {
		return storage.NewExtended(storage.NewMemory(storage.State{})), nil
	}
	f, err := storage.OpenFile(path)
	if err != nil {
		return nil, err
	}
	mg := &storage.Migrator{
		Storage:    f,
		Version:    sdkVersion,
		Migrations: storage.Migrations,
		Logger:     logger,
	}
	if err := mg.Run(ctx); err != nil {
		return nil, err
	}
	return storage.NewExtended(f), nil
}
