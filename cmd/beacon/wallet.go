package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/philsphicas/beacon/internal/blockchain/tezos"
	"github.com/philsphicas/beacon/internal/p2p"
	"github.com/philsphicas/beacon/internal/wallet"
)

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet [pairing-request]",
		Short: "Run a wallet that approves permission requests",
		Long: `Run a demo wallet. Every request is acknowledged; permission requests from
apps matching --allow are granted for --address, other requests are
aborted. Pass a pairing request printed by a dApp to pair with it first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runWallet,
	}

	addNodeFlags(cmd)
	cmd.Flags().StringSlice("allow", nil, "allowed apps (sender id, app name glob, or *) (env BEACON_ALLOW)")
	cmd.Flags().String("address", "", "account address granted in permission responses")
	cmd.Flags().String("public-key", "", "account public key granted in permission responses")

	return cmd
}

func runWallet(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	st, err := buildStack(ctx, cmd, logger)
	if err != nil {
		return err
	}
	address, _ := cmd.Flags().GetString("address")
	publicKey, _ := cmd.Flags().GetString("public-key")
	if address == "" && publicKey == "" {
		return errors.New("--address or --public-key is required")
	}

	w, err := wallet.New(wallet.Config{
		Connection: st.conn,
		Messages:   st.msgs,
		Storage:    st.store,
		SenderID:   st.senderID,
		Handler:    wallet.AutoApprove(tezos.PermissionResponse{PublicKey: publicKey, Address: address}),
		AllowList:  listSetting(cmd, "allow", "BEACON_ALLOW", st.cfg.AllowList),
		Logger:     st.logger,
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = w.Close(context.WithoutCancel(ctx)) }()

	if len(args) > 0 {
		req, err := p2p.ParsePairingRequest(args[0])
		if err != nil {
			return err
		}
		peer, err := w.PairWith(ctx, req)
		if err != nil {
			return fmt.Errorf("pair with %s: %w", req.Name, err)
		}
		st.logger.Info("paired", "peer", peer)
	}

	st.logger.Info("wallet running", "public_key", st.kp.PublicKeyHex())
	<-ctx.Done()
	return nil
}
