package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"permgate/internal/config"
	"permgate/internal/logging"
	"permgate/internal/metadata"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the permgate CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permgate",
		Short: "permgate - capability token and permission tooling",
		Long: `permgate mints, signs, encrypts and inspects capability tokens and
evaluates permission requirements against granted trees. It reads the same
configuration as the server (permgate.yaml and PERMGATE_* variables).`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newSignCmd())
	cmd.AddCommand(newEncryptCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newDecryptCmd())
	cmd.AddCommand(newCheckCmd())

	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	log := logging.Setup("permgate-cli", version, "text", cfg.Logging.Level, cmd.ErrOrStderr())
	return cfg, log, nil
}

// readDocument returns s itself, or the contents of the named file when s
// starts with '@'.
func readDocument(s string) ([]byte, error) {
	if name, ok := strings.CutPrefix(s, "@"); ok {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	}
	return []byte(s), nil
}

func parseTree(flag, s string) (*metadata.Node, error) {
	if s == "" {
		return nil, nil
	}
	data, err := readDocument(s)
	if err != nil {
		return nil, err
	}
	n, err := metadata.ParseNode(data)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flag, err)
	}
	return n, nil
}
