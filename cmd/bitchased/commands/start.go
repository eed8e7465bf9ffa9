package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/cobra"
	dbm "github.com/tendermint/tm-db"

	"github.com/bitchase/bitchase/node"
	"github.com/bitchase/bitchase/types"
)

func startCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the coordination core",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			logger := opts.logger

			db, err := dbm.NewDB("archive",
				dbm.BackendType(cfg.DBBackend), cfg.DBDir())
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}

			genesis := types.NewBlock(chaincfg.MainNetParams.GenesisBlock)

			n, err := node.New(logger, cfg, db, genesis)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := n.Start(ctx); err != nil {
				return err
			}

			// Channels attach through the embedding session framework; the
			// core idles until then.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-sigCh:
				logger.Info("caught signal, shutting down", "signal", sig)
			case <-ctx.Done():
			}

			if err := n.Stop(); err != nil {
				logger.Error("error stopping node", "err", err)
			}
			n.Wait()
			return nil
		},
	}
}
