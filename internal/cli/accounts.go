package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/xraph/credits"
	"github.com/xraph/credits/entry"
)

func newOpenCommand(opts *rootOptions) *cobra.Command {
	var (
		tierName string
		ttl      time.Duration
		balance  string
	)

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := credits.OpenAccountRequest{Tier: tierName}
			if ttl > 0 {
				expires := time.Now().Add(ttl)
				req.ExpiresAt = &expires
			}
			if balance != "" {
				b, err := decimal.NewFromString(balance)
				if err != nil {
					return fmt.Errorf("invalid --balance %q: %w", balance, err)
				}
				req.Balance = &b
			}

			return opts.withEngine(cmd, func(ctx context.Context, eng *credits.Engine) error {
				a, err := eng.OpenAccount(ctx, req)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd, a)
				}
				okColor.Fprint(cmd.OutOrStdout(), "✓ ") //nolint:errcheck // terminal output
				printf(cmd.OutOrStdout(), "opened %s with %s credits\n", a.ID, a.Balance.StringFixed(2))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&tierName, "tier", "t", "", "start on this tier")
	cmd.Flags().DurationVar(&ttl, "expires-in", 0, "tier lifetime, e.g. 720h")
	cmd.Flags().StringVar(&balance, "balance", "", "opening balance instead of the tier cap")
	return cmd
}

func newBalanceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance ACCOUNT_ID",
		Short: "Show an account's balance and tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := credits.ParseAccountID(args[0])
			if err != nil {
				return err
			}

			return opts.withEngine(cmd, func(ctx context.Context, eng *credits.Engine) error {
				b, err := eng.QueryBalance(ctx, nil, accountID)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd, b)
				}

				out := cmd.OutOrStdout()
				printf(out, "%s  %s credits\n", b.AccountID, b.Balance.StringFixed(2))
				switch {
				case b.ActiveTier != "":
					dimColor.Fprintf(out, "  tier %s\n", b.ActiveTier) //nolint:errcheck // terminal output
				case b.Tier != "":
					warnColor.Fprintf(out, "  tier %s expired\n", b.Tier) //nolint:errcheck // terminal output
				}
				return nil
			})
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history ACCOUNT_ID",
		Short: "List an account's ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := credits.ParseAccountID(args[0])
			if err != nil {
				return err
			}

			return opts.withEngine(cmd, func(ctx context.Context, eng *credits.Engine) error {
				entries, err := eng.GetHistory(ctx, nil, accountID, entry.ListOpts{Limit: limit})
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd, entries)
				}

				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					printf(out, "no ledger entries\n")
					return nil
				}
				for _, e := range entries {
					printf(out, "%s  %-9s %-20s %10s  -> %s\n",
						e.CreatedAt.Format(time.RFC3339), e.Operation, e.Action,
						e.Delta.StringFixed(2), e.BalanceAfter.StringFixed(2))
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries to show")
	return cmd
}

func newGrantCommand(opts *rootOptions) *cobra.Command {
	var (
		reason string
		key    string
	)

	cmd := &cobra.Command{
		Use:   "grant ACCOUNT_ID AMOUNT",
		Short: "Add promotional credits to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := credits.ParseAccountID(args[0])
			if err != nil {
				return err
			}
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}

			return opts.withEngine(cmd, func(ctx context.Context, eng *credits.Engine) error {
				res, err := eng.Grant(ctx, credits.CreditRequest{
					AccountID:      accountID,
					Amount:         amount,
					Reason:         reason,
					IdempotencyKey: key,
				})
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd, res)
				}
				okColor.Fprint(cmd.OutOrStdout(), "✓ ") //nolint:errcheck // terminal output
				printf(cmd.OutOrStdout(), "granted %s credits, balance %s\n",
					res.Amount.StringFixed(2), res.BalanceAfter.StringFixed(2))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "manual-grant", "reason recorded on the ledger entry")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "replay-safe key for this grant")
	return cmd
}
