package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/blockchain/tezos"
	"github.com/philsphicas/beacon/internal/dapp"
	"github.com/philsphicas/beacon/internal/p2p"
)

func dappCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dapp",
		Short: "Act as a dApp",
	}
	cmd.AddCommand(dappPairCmd())
	cmd.AddCommand(dappPermissionCmd())
	return cmd
}

func dappPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Print a pairing request and wait for a wallet",
		Long: `Print a P2P pairing request, wait for a wallet to answer it, then request
a permission from that wallet and print the grant as JSON.`,
		Args: cobra.NoArgs,
		RunE: runDAppPair,
	}
	addNodeFlags(cmd)
	addPermissionFlags(cmd)
	cmd.Flags().Duration("pair-timeout", 5*time.Minute, "how long to wait for a wallet")
	return cmd
}

func dappPermissionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permission",
		Short: "Request a permission from the paired wallet",
		Long: `Request a permission from the only stored wallet, or from the WebSocket
peer given with --ws-peer, and print the grant as JSON.`,
		Args: cobra.NoArgs,
		RunE: runDAppPermission,
	}
	addNodeFlags(cmd)
	addPermissionFlags(cmd)
	return cmd
}

func addPermissionFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "app name shown to wallets (default from config)")
	cmd.Flags().String("network", "mainnet", "network type to request")
	cmd.Flags().StringSlice("scopes", []string{tezos.ScopeOperationRequest, tezos.ScopeSign}, "permission scopes to request")
	cmd.Flags().Duration("request-timeout", 2*time.Minute, "how long to wait for the wallet's answer")
}

func newDApp(ctx context.Context, cmd *cobra.Command) (*dapp.DApp, error) {
	logLevel, _ := cmd.Flags().GetString("log-level")
	st, err := buildStack(ctx, cmd, newLogger(logLevel))
	if err != nil {
		return nil, err
	}
	name := setting(cmd, "name", "BEACON_APP_NAME", st.cfg.App.Name)
	if name == "" {
		name = "beacon"
	}
	onAck := func(id string) {
		st.logger.Info("wallet acknowledged request", "request", id)
	}
	d, err := dapp.New(dapp.Config{
		Connection:    st.conn,
		Messages:      st.msgs,
		Storage:       st.store,
		SenderID:      st.senderID,
		Name:          name,
		Icon:          st.cfg.App.Icon,
		Logger:        st.logger,
		OnAcknowledge: onAck,
	})
	if err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func runDAppPair(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	d, err := newDApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close(context.WithoutCancel(ctx)) }()

	req, err := d.Pair(ctx, beacon.KindP2P)
	if err != nil {
		return err
	}
	encoded, err := p2p.EncodePairingRequest(req)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Pass this pairing request to the wallet:")
	fmt.Fprintln(cmd.OutOrStdout(), encoded)

	timeout, _ := cmd.Flags().GetDuration("pair-timeout")
	pairCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	peer, err := d.WaitPaired(pairCtx)
	if err != nil {
		return fmt.Errorf("wait for wallet: %w", err)
	}
	return requestPermission(ctx, cmd, d, peer)
}

func runDAppPermission(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	d, err := newDApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close(context.WithoutCancel(ctx)) }()

	var peer beacon.Peer
	if ids, _ := cmd.Flags().GetStringSlice("ws-peer"); len(ids) > 0 {
		peer = wsPeers(ids[:1])[0]
	} else if peer, err = d.Peer(ctx); err != nil {
		return err
	}
	return requestPermission(ctx, cmd, d, peer)
}

func requestPermission(ctx context.Context, cmd *cobra.Command, d *dapp.DApp, peer beacon.Peer) error {
	network, _ := cmd.Flags().GetString("network")
	scopes, _ := cmd.Flags().GetStringSlice("scopes")
	timeout, _ := cmd.Flags().GetDuration("request-timeout")

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := d.RequestPermission(reqCtx, peer, &tezos.PermissionRequest{
		Network: tezos.Network{Type: network},
		Scopes:  scopes,
	})
	if err != nil {
		return fmt.Errorf("request permission from %s: %w", peer, err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp.Payload)
}
