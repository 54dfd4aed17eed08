package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/crypto"
)

// fileConfig is the --config TOML file. Flags and BEACON_* variables take
// precedence over it.
//
//	seed = "..."
//	state = "/var/lib/beacon/wallet.json"
//	relay_servers = ["beacon-node-1.example.com", "beacon-node-2.example.com"]
//	hub = "wss://hub.example.com/ws"
//	allow = ["Demo*"]
//
//	[app]
//	name = "Example dApp"
//	icon = "https://example.com/icon.png"
//	url = "https://example.com"
type fileConfig struct {
	Seed         string    `toml:"seed"`
	State        string    `toml:"state"`
	RelayServers []string  `toml:"relay_servers"`
	Hub          string    `toml:"hub"`
	AllowList    []string  `toml:"allow"`
	App          appConfig `toml:"app"`
}

type appConfig struct {
	Name string `toml:"name"`
	Icon string `toml:"icon"`
	URL  string `toml:"url"`
}

// loadConfig reads the file named by --config or BEACON_CONFIG. No file
// yields the zero config.
func loadConfig(cmd *cobra.Command) (fileConfig, error) {
	var cfg fileConfig
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("BEACON_CONFIG")
	}
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// setting resolves a string from the flag, then the environment variable,
// then the config file value.
func setting(cmd *cobra.Command, flag, env, fromFile string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return fromFile
}

// listSetting is setting for comma-separated lists.
func listSetting(cmd *cobra.Command, flag, env string, fromFile []string) []string {
	if v, _ := cmd.Flags().GetStringSlice(flag); len(v) > 0 {
		return v
	}
	if v := os.Getenv(env); v != "" {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return fromFile
}

// resolveKeyPair rebuilds the identity from a hex seed. Without a seed a
// fresh identity is generated, which peers will not recognise after a
// restart.
func resolveKeyPair(seedHex string, logger *slog.Logger) (crypto.KeyPair, error) {
	if seedHex == "" {
		logger.Warn("no seed configured, using an ephemeral identity")
		return crypto.NewKeyPair()
	}
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil {
		return crypto.KeyPair{}, fmt.Errorf("decode seed: %w", err)
	}
	return crypto.KeyPairFromSeed(seed)
}

// wsPeers turns --ws-peer ids into WebSocket peers.
func wsPeers(ids []string) []beacon.Peer {
	peers := make([]beacon.Peer, 0, len(ids))
	for _, id := range ids {
		peers = append(peers, beacon.Peer{Kind: beacon.KindWebSocket, Name: id, PublicKey: id})
	}
	return peers
}

var errNoTransport = errors.New("no transport configured: set relay servers (--relay) or a hub (--hub)")

func addNodeFlags(cmd *cobra.Command) {
	cmd.Flags().String("seed", "", "hex identity seed from 'beacon keygen' (env BEACON_SEED)")
	cmd.Flags().String("state", "", "state file for peers and permissions; in-memory if empty (env BEACON_STATE)")
	cmd.Flags().StringSlice("relay", nil, "relay servers, tried in order (env BEACON_RELAY_SERVERS)")
	cmd.Flags().String("hub", "", "WebSocket hub URL (env BEACON_HUB_URL)")
	cmd.Flags().StringSlice("ws-peer", nil, "WebSocket peer connection ids to add")
}
