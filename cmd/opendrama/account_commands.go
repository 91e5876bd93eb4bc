package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"opendrama/internal/ledger"
	"opendrama/internal/services"
)

func newAccountCommand(ctx *commandContext) *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Inspect and credit coin accounts",
	}
	accountCmd.AddCommand(newAccountShowCommand(ctx))
	accountCmd.AddCommand(newAccountLedgerCommand(ctx))
	accountCmd.AddCommand(newAccountCreditCommand(ctx))
	accountCmd.AddCommand(newAccountVerifyCommand(ctx))
	return accountCmd
}

type accountView struct {
	ledger.Account
	Spendable int64 `json:"spendable"`
	Held      int64 `json:"held"`
}

func newAccountShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <account>",
		Short: "Show an account's balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.open()
			if err != nil {
				return err
			}
			acct, err := c.Ledger.Account(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			held, err := c.Store.HeldCoins(cmd.Context(), acct.ID)
			if err != nil {
				return err
			}
			view := accountView{Account: acct, Spendable: acct.Spendable(), Held: held}
			if ctx.jsonOutput() {
				return writeJSON(cmd, view)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderKeyValues([][2]string{
				{"Account", acct.ID},
				{"Balance", coins(acct.Balance)},
				{"Reserved", coins(acct.Reserved)},
				{"Spendable", coins(view.Spendable)},
				{"Held by segments", coins(held)},
				{"Purchased", coins(acct.TotalPurchased)},
				{"Consumed", coins(acct.TotalConsumed)},
				{"Updated", formatTime(acct.UpdatedAt)},
			}))
			return nil
		},
	}
}

func newAccountLedgerCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var before int64

	cmd := &cobra.Command{
		Use:   "ledger <account>",
		Short: "List ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.open()
			if err != nil {
				return err
			}
			entries, err := c.Ledger.History(cmd.Context(), args[0], limit, before)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No ledger entries")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, entry := range entries {
				rows = append(rows, []string{
					strconv.FormatInt(entry.ID, 10),
					formatTime(entry.CreatedAt),
					string(entry.Kind),
					signedCoins(entry.Amount),
					coins(entry.BalanceAfter),
					coins(entry.ReservedAfter),
					formatMetadata(entry.Metadata),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Time", "Kind", "Amount", "Balance", "Reserved", "Detail"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries to show")
	cmd.Flags().Int64Var(&before, "before", 0, "Only show entries with an ID below this value")
	return cmd
}

func newAccountCreditCommand(ctx *commandContext) *cobra.Command {
	var kindFlag string
	var reference string

	cmd := &cobra.Command{
		Use:   "credit <account> <amount>",
		Short: "Add purchased or bonus coins to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			kind, err := ledger.ParseKind(strings.ToLower(strings.TrimSpace(kindFlag)))
			if err != nil {
				return err
			}
			c, err := ctx.open()
			if err != nil {
				return err
			}
			meta := ledger.Metadata{"source": "cli"}
			if reference = strings.TrimSpace(reference); reference != "" {
				meta["reference"] = reference
			}
			acct, err := c.Ledger.Credit(cmd.Context(), args[0], amount, kind, meta)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, accountView{Account: acct, Spendable: acct.Spendable()})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Credited %s coins (%s) to %s; balance %s, spendable %s\n",
				coins(amount), kind, acct.ID, coins(acct.Balance), coins(acct.Spendable()))
			return nil
		},
	}
	cmd.Flags().StringVar(&kindFlag, "kind", string(ledger.KindPurchase), "Credit kind: purchase or bonus")
	cmd.Flags().StringVar(&reference, "reference", "", "External payment or promotion reference")
	return cmd
}

func newAccountVerifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <account>",
		Short: "Replay the ledger and check it against the stored balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.open()
			if err != nil {
				return err
			}
			replayed, err := c.Ledger.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			held, err := c.Store.HeldCoins(cmd.Context(), replayed.ID)
			if err != nil {
				return err
			}
			if held != replayed.Reserved {
				return services.Wrap(services.ErrInvariantViolation, "cli", "verify",
					fmt.Sprintf("account %s: reserved %d but segments hold %d", replayed.ID, replayed.Reserved, held), nil)
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, accountView{Account: replayed, Spendable: replayed.Spendable(), Held: held})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %s consistent: balance %s, reserved %s (segments hold %s)\n",
				replayed.ID, coins(replayed.Balance), coins(replayed.Reserved), coins(held))
			return nil
		},
	}
}

func formatMetadata(meta ledger.Metadata) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for key := range meta {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, meta[key]))
	}
	return strings.Join(parts, " ")
}
