package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"permgate/internal/engine"
	"permgate/internal/metadata"
)

var errDenied = errors.New("permission denied")

type checkConfig struct {
	granted    string
	required   string
	route      string
	resourceID string
	userID     string
	loggedInAs string
}

func newCheckCmd() *cobra.Command {
	cfg := &checkConfig{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a permission requirement against a granted tree",
		Long: `Evaluate a requirement (--required, or a declared --route from the
routes file) against a granted tree and print the decision. Exits non-zero
when permissions are missing.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.granted, "granted", "", "granted permission tree as JSON or @file")
	cmd.Flags().StringVar(&cfg.required, "required", "", "required permission tree as JSON or @file")
	cmd.Flags().StringVar(&cfg.route, "route", "", "declared route to check instead of --required")
	cmd.Flags().StringVar(&cfg.resourceID, "resource", "", "resource id for individual requirements")
	cmd.Flags().StringVar(&cfg.userID, "user", "", "current user id seen by custom checks")
	cmd.Flags().StringVar(&cfg.loggedInAs, "logged-in-as", "", "administrator id seen by custom checks")
	cmd.MarkFlagsMutuallyExclusive("required", "route")
	cmd.MarkFlagsOneRequired("required", "route")

	return cmd
}

func runCheck(cmd *cobra.Command, cfg *checkConfig) error {
	appCfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	matcher, err := engine.KeyMatcherFor(appCfg.Permissions.KeyMatch)
	if err != nil {
		return err
	}

	granted, err := parseTree("granted", cfg.granted)
	if err != nil {
		return err
	}

	var required *metadata.Node
	if cfg.route != "" {
		routes, err := metadata.LoadRoutes(appCfg.Permissions.RoutesFile, metadata.DefaultRegistry())
		if err != nil {
			return err
		}
		if err := engine.BindRoutes(routes, engine.NewExprLangEvaluator()); err != nil {
			return err
		}
		r, ok := routes[cfg.route]
		if !ok {
			return fmt.Errorf("route %q is not declared in %s", cfg.route, appCfg.Permissions.RoutesFile)
		}
		required = r.Required
	} else {
		required, err = parseTree("required", cfg.required)
		if err != nil {
			return err
		}
		if err := engine.BindChecks(required, engine.NewExprLangEvaluator()); err != nil {
			return err
		}
	}

	user := &metadata.UserContext{ID: cfg.userID, LoggedInAsID: cfg.loggedInAs, Permissions: granted}
	verifier := engine.NewVerifier(engine.WithKeyMatcher(matcher), engine.WithLogger(log))
	decision := verifier.Check(user, required, cfg.resourceID)

	out, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return fmt.Errorf("format decision: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if !decision.Valid {
		return errDenied
	}
	return nil
}
