package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/DaanHessen/fitcheck/internal/engine"
	"github.com/DaanHessen/fitcheck/internal/store"
)

// manualGrantDescription labels credits granted from the command line.
const manualGrantDescription = "Manual Grant"

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Adjust an account's plan or credits",
}

var accountPlanCmd = &cobra.Command{
	Use:   "plan <user-id> free|basic|pro|premium",
	Short: "Move an account to another plan",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := parsePlanArg(args[1])
		if err != nil {
			return err
		}
		return withAccounts(cmd, func(ctx context.Context, a *store.Accounts) (engine.Entitlement, error) {
			return a.SetPlan(ctx, args[0], plan)
		})
	},
}

var accountGrantCmd = &cobra.Command{
	Use:   "grant <user-id> <credits>",
	Short: "Add credits to an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return errors.Errorf("credits must be a positive number, got %q", args[1])
		}
		return withAccounts(cmd, func(ctx context.Context, a *store.Accounts) (engine.Entitlement, error) {
			return a.GrantCredits(ctx, args[0], n, manualGrantDescription)
		})
	},
}

func init() {
	accountCmd.AddCommand(accountPlanCmd)
	accountCmd.AddCommand(accountGrantCmd)
}

func parsePlanArg(s string) (engine.Plan, error) {
	p := engine.ParsePlan(s)
	if string(p) != s {
		return "", errors.Errorf("unknown plan %q", s)
	}
	return p, nil
}

func withAccounts(cmd *cobra.Command, f func(context.Context, *store.Accounts) (engine.Entitlement, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	db, err := store.Open(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer db.Close()
	e, err := f(ctx, store.NewAccounts(db, store.NewHub(), logger))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: plan %s, %d credits\n", e.UserID, e.Plan, e.Credits)
	return nil
}
