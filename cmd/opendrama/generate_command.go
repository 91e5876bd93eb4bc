package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"opendrama/internal/generation"
	"opendrama/internal/ledger"
	"opendrama/internal/segments"
)

var errInsufficientBalance = errors.New("insufficient balance")

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var planPath string
	var account string
	var group string
	var chain bool
	var quoteOnly bool

	cmd := &cobra.Command{
		Use:   "generate --plan <file.json>",
		Short: "Reserve coins for a group of clips and queue it for the daemon",
		Long: `Read a generation plan, price every clip with the current rates and
reserve the total. The running daemon submits the queued group on its next
reconcile pass. Use '-' as the plan path to read from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readPlan(cmd, planPath)
			if err != nil {
				return err
			}
			if value := strings.TrimSpace(account); value != "" {
				req.AccountID = value
			}
			if value := strings.TrimSpace(group); value != "" {
				req.GroupID = value
			}
			if cmd.Flags().Changed("chain") {
				req.ChainMode = chain
			}

			c, err := ctx.open()
			if err != nil {
				return err
			}
			if quoteOnly {
				quote, err := c.Controller.Quote(req)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, quote)
				}
				printPlanQuote(cmd, req, quote)
				return nil
			}

			result, err := c.Controller.Reserve(cmd.Context(), req)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				if err := writeJSON(cmd, result); err != nil {
					return err
				}
			}
			if !result.Accepted {
				return shortfallError(result.Shortfall)
			}
			if ctx.jsonOutput() {
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reserved %s coins for group %s (pricing %s)\n",
				coins(result.Total), result.GroupID, result.PricingVersion)
			fmt.Fprintln(cmd.OutOrStdout(), renderSegments(result.Segments))
			return nil
		},
	}
	cmd.Flags().StringVarP(&planPath, "plan", "f", "", "Generation plan JSON file")
	cmd.Flags().StringVar(&account, "account", "", "Account to charge (overrides the plan)")
	cmd.Flags().StringVar(&group, "group", "", "Episode group ID (generated when empty)")
	cmd.Flags().BoolVar(&chain, "chain", false, "Thread the last frame of each clip into the next")
	cmd.Flags().BoolVar(&quoteOnly, "quote", false, "Price the plan without reserving")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func readPlan(cmd *cobra.Command, path string) (generation.GenerateRequest, error) {
	var req generation.GenerateRequest
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return req, fmt.Errorf("read plan: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return req, fmt.Errorf("decode plan %s: %w", path, err)
	}
	return req, nil
}

func shortfallError(shortfall ledger.Shortfall) error {
	return fmt.Errorf("%w: need %s coins, %s spendable (missing %s)",
		errInsufficientBalance, coins(shortfall.Required), coins(shortfall.Available), coins(shortfall.Missing))
}

func printPlanQuote(cmd *cobra.Command, req generation.GenerateRequest, quote generation.Quote) {
	rows := make([][]string, 0, len(req.Clips))
	for idx, clip := range req.Clips {
		rows = append(rows, []string{
			strconv.Itoa(idx),
			clip.Model,
			clip.Resolution,
			strconv.FormatFloat(clip.DurationSec, 'f', -1, 64),
			coins(quote.Costs[idx]),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"#", "Model", "Resolution", "Seconds", "Cost"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight},
	))
	fmt.Fprintf(cmd.OutOrStdout(), "Total %s coins (pricing %s)\n", coins(quote.Total), quote.PricingVersion)
}

func renderSegments(list []*segments.Segment) string {
	rows := make([][]string, 0, len(list))
	for _, seg := range list {
		rows = append(rows, []string{
			strconv.FormatInt(seg.ID, 10),
			seg.Label(),
			string(seg.Status),
			seg.ProviderModel + "@" + seg.Resolution,
			coins(seg.TokenCost),
			truncate(seg.ErrorMessage, 48),
		})
	}
	return renderTable(
		[]string{"ID", "Segment", "Status", "Model", "Cost", "Error"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
