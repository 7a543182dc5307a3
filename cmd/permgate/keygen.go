package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"permgate/internal/config"
	"permgate/internal/token"
)

type keygenConfig struct {
	bits    int
	purpose string
}

func newKeygenCmd() *cobra.Command {
	cfg := &keygenConfig{}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key pair for token signing or encryption",
		Long: `Generate an RSA key pair and print it as base64-encoded PEM in the
environment variable form the server reads.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runKeygen(cmd, cfg)
		},
	}

	cmd.Flags().IntVar(&cfg.bits, "bits", 2048, "RSA modulus size")
	cmd.Flags().StringVar(&cfg.purpose, "purpose", "signing", "key purpose: signing or encryption")

	return cmd
}

func runKeygen(cmd *cobra.Command, cfg *keygenConfig) error {
	if cfg.purpose != "signing" && cfg.purpose != "encryption" {
		return fmt.Errorf("unknown purpose %q: use signing or encryption", cfg.purpose)
	}
	if cfg.bits < 2048 {
		return fmt.Errorf("key size %d is below 2048 bits", cfg.bits)
	}

	key, err := token.GenerateKey(cfg.bits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	priv, err := token.EncodePrivateKey(key)
	if err != nil {
		return err
	}
	pub, err := token.EncodePublicKey(&key.PublicKey)
	if err != nil {
		return err
	}

	prefix := config.EnvPrefix + "_TOKEN_" + strings.ToUpper(cfg.purpose)
	fmt.Fprintf(cmd.OutOrStdout(), "%s_PRIVATE_KEY=%s\n", prefix, priv)
	fmt.Fprintf(cmd.OutOrStdout(), "%s_PUBLIC_KEY=%s\n", prefix, pub)
	return nil
}
