package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"permgate/internal/token"
)

type mintConfig struct {
	userID      string
	permissions string
	loggedInAs  string
	issuer      string
	audience    string
	expire      time.Duration
}

func newSignCmd() *cobra.Command {
	return newMintCmd("sign", "Sign a capability token (JWS)", (*token.Codec).Sign)
}

func newEncryptCmd() *cobra.Command {
	return newMintCmd("encrypt", "Encrypt a capability token (JWE)", (*token.Codec).Encrypt)
}

func newMintCmd(use, short string, mint func(*token.Codec, token.Payload, token.Options) (string, error)) *cobra.Command {
	cfg := &mintConfig{}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + `. The payload is built from --user and --permissions
(a JSON permission tree, or @file) and must pass the payload schema.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appCfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			perms, err := parseTree("permissions", cfg.permissions)
			if err != nil {
				return err
			}

			p := token.NewPayload(cfg.userID, perms)
			if cfg.loggedInAs != "" {
				p = p.LoggedInAs(cfg.loggedInAs)
			}
			out, err := mint(token.New(appCfg.Token, log), p, token.Options{
				Issuer:   cfg.issuer,
				Audience: cfg.audience,
				Expire:   cfg.expire,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.userID, "user", "", "currentUser id (required)")
	cmd.Flags().StringVar(&cfg.permissions, "permissions", "", "granted permission tree as JSON or @file")
	cmd.Flags().StringVar(&cfg.loggedInAs, "logged-in-as", "", "administrator id for a delegated session")
	cmd.Flags().StringVar(&cfg.issuer, "issuer", "", "issuer claim (defaults to token.issuer)")
	cmd.Flags().StringVar(&cfg.audience, "audience", "", "audience claim (defaults to token.audience)")
	cmd.Flags().DurationVar(&cfg.expire, "expire", 0, "lifetime (defaults to token.expiration)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

type readConfig struct {
	issuer   string
	audience string
}

func newVerifyCmd() *cobra.Command {
	return newReadCmd("verify", "Verify a signed capability token and print its payload", (*token.Codec).Verify)
}

func newDecryptCmd() *cobra.Command {
	return newReadCmd("decrypt", "Decrypt a capability token and print its payload", (*token.Codec).Decrypt)
}

func newReadCmd(use, short string, read func(*token.Codec, string, token.Options) (*token.Payload, error)) *cobra.Command {
	cfg := &readConfig{}

	cmd := &cobra.Command{
		Use:   use + " <token>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appCfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			p, err := read(token.New(appCfg.Token, log), args[0], token.Options{
				Issuer:   cfg.issuer,
				Audience: cfg.audience,
			})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(p, "", "  ")
			if err != nil {
				return fmt.Errorf("format payload: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.issuer, "issuer", "", "expected issuer (defaults to token.issuer)")
	cmd.Flags().StringVar(&cfg.audience, "audience", "", "expected audience")

	return cmd
}
