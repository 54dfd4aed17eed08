//go:build e2e

// Package e2e runs the beacon binary as a wallet and a dApp and checks that
// they pair and exchange permission requests. The relay tests use the
// in-process fake Matrix relay; the hub tests start a "beacon hub".
//
// Run: go test -tags=e2e -timeout=5m ./e2e/...
package e2e

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/philsphicas/beacon/internal/relay/relaytest"
)

const (
	startTimeout   = 30 * time.Second
	requestTimeout = 60 * time.Second
	walletAddress  = "tz1e2eWalletAddress"
)

func startRelay(t *testing.T) *relaytest.Server {
	t.Helper()
	srv := relaytest.NewServer()
	t.Cleanup(srv.Close)
	return srv
}

func startHub(t *testing.T) string {
	t.Helper()
	hub := startBeacon(t, "hub", "--listen", "127.0.0.1:0")
	addr := waitForLogAddr(t, hub, "hub listening", startTimeout)
	return "ws://" + addr + "/ws"
}

// TestPairOverRelay pairs a dApp and a wallet through the relay and has the
// dApp request a permission from the wallet it paired with.
func TestPairOverRelay(t *testing.T) {
	srv := startRelay(t)

	dapp := startBeacon(t, "dapp", "pair",
		"--relay", srv.URL,
		"--name", "E2E dApp",
		"--network", "ghostnet",
		"--log-level", "debug",
	)
	line, ok := dapp.out.waitFor("", startTimeout)
	if !ok {
		t.Fatalf("dApp printed no pairing request:\n%s", dapp.logs.String())
	}
	pairing := strings.TrimSpace(line)

	wallet := startBeacon(t, "wallet", pairing,
		"--relay", srv.URL,
		"--address", walletAddress,
		"--allow", "E2E*",
		"--log-level", "debug",
	)
	waitForLog(t, wallet, "paired", startTimeout)

	if err := dapp.wait(t, requestTimeout); err != nil {
		t.Fatalf("dApp failed: %v\n%s", err, dapp.logs.String())
	}
	out := dapp.out.String()
	if !strings.Contains(out, walletAddress) || !strings.Contains(out, "ghostnet") {
		t.Errorf("grant output:\n%s", out)
	}
	waitForLog(t, dapp, "wallet acknowledged request", startTimeout)
	waitForLog(t, wallet, "permission granted", startTimeout)
}

// TestPermissionOverHub exchanges a permission request over the WebSocket
// hub between two processes that know each other's public keys, and checks
// the wallet keeps the grant in its state file.
func TestPermissionOverHub(t *testing.T) {
	hubURL := startHub(t)
	walletID, dappID := newIdentity(t), newIdentity(t)
	state := filepath.Join(t.TempDir(), "wallet.json")

	wallet := startBeacon(t, "wallet",
		"--hub", hubURL,
		"--seed", walletID.seed,
		"--state", state,
		"--ws-peer", dappID.publicKey,
		"--address", walletAddress,
		"--allow", "*",
		"--metrics-addr", "127.0.0.1:0",
	)
	metricsAddr := waitForLogAddr(t, wallet, "metrics server listening", startTimeout)
	waitForLog(t, wallet, "wallet running", startTimeout)

	dapp := startBeacon(t, "dapp", "permission",
		"--hub", hubURL,
		"--seed", dappID.seed,
		"--ws-peer", walletID.publicKey,
		"--name", "Hub dApp",
	)
	if err := dapp.wait(t, requestTimeout); err != nil {
		t.Fatalf("dApp failed: %v\n%s", err, dapp.logs.String())
	}
	if out := dapp.out.String(); !strings.Contains(out, walletAddress) || !strings.Contains(out, "mainnet") {
		t.Errorf("grant output:\n%s", out)
	}

	waitForLog(t, wallet, "permission granted", startTimeout)
	data, err := os.ReadFile(state)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), walletAddress+"-mainnet") || !strings.Contains(string(data), "Hub dApp") {
		t.Errorf("state file lacks the grant:\n%s", data)
	}

	metrics := scrape(t, metricsAddr)
	for _, want := range []string{"beacon_messages_total", "beacon_transport_connected"} {
		if !strings.Contains(metrics, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

// TestWalletRejectsUnlistedApp checks that a wallet with an allowlist
// refuses apps outside it and the dApp reports the refusal.
func TestWalletRejectsUnlistedApp(t *testing.T) {
	hubURL := startHub(t)
	walletID, dappID := newIdentity(t), newIdentity(t)

	wallet := startBeacon(t, "wallet",
		"--hub", hubURL,
		"--seed", walletID.seed,
		"--ws-peer", dappID.publicKey,
		"--address", walletAddress,
		"--allow", "Trusted*",
	)
	waitForLog(t, wallet, "wallet running", startTimeout)

	dapp := startBeacon(t, "dapp", "permission",
		"--hub", hubURL,
		"--seed", dappID.seed,
		"--ws-peer", walletID.publicKey,
		"--name", "Untrusted dApp",
	)
	if err := dapp.wait(t, requestTimeout); err == nil {
		t.Fatal("dApp should fail when the wallet refuses it")
	}
	waitForLog(t, dapp, "NOT_GRANTED_ERROR", startTimeout)
	waitForLog(t, wallet, "app not allowed", startTimeout)
}
