package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bitchase/bitchase/config"
	"github.com/bitchase/bitchase/libs/log"
)

// RootCmd constructs the root command tree.
func RootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "bitchased",
		Short: "Block and header acquisition core for a Bitcoin full node",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return opts.load()
		},
		SilenceUsage: true,
	}

	home, _ := os.UserHomeDir()
	cmd.PersistentFlags().StringVar(&opts.home, "home",
		filepath.Join(home, config.DefaultDirName), "directory for config and data")

	cmd.AddCommand(
		startCmd(opts),
		versionCmd(),
	)

	return cmd
}

type rootOptions struct {
	home   string
	cfg    *config.Config
	logger log.Logger
}

func (o *rootOptions) load() error {
	cfg, err := config.LoadConfig(o.home)
	if err != nil {
		return err
	}

	logger, err := log.NewDefaultLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}

	o.cfg = cfg
	o.logger = logger
	return nil
}
