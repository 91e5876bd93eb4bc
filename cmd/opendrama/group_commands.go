package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"opendrama/internal/segments"
)

func newGroupCommand(ctx *commandContext) *cobra.Command {
	groupCmd := &cobra.Command{
		Use:   "group",
		Short: "Inspect and repair episode groups",
	}
	groupCmd.AddCommand(newGroupShowCommand(ctx))
	groupCmd.AddCommand(newGroupResetCommand(ctx))
	groupCmd.AddCommand(newGroupRetryCommand(ctx))
	return groupCmd
}

type groupView struct {
	Summary  segments.GroupSummary `json:"summary"`
	Segments []*segments.Segment   `json:"segments"`
}

func newGroupShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <group>",
		Short: "Show a group's progress and segments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.open()
			if err != nil {
				return err
			}
			group, err := c.Store.GetGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			list, err := c.Store.ListGroup(cmd.Context(), group.ID)
			if err != nil {
				return err
			}
			summary := segments.Summarize(group, list)
			if ctx.jsonOutput() {
				return writeJSON(cmd, groupView{Summary: summary, Segments: list})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderKeyValues([][2]string{
				{"Group", summary.GroupID},
				{"Account", summary.AccountID},
				{"Chain mode", yesNo(summary.ChainMode)},
				{"Progress", strconv.FormatFloat(summary.Progress, 'f', 0, 64) + "%"},
				{"Statuses", formatCounts(summary.Counts)},
				{"Blocked", yesNo(summary.Blocked)},
				{"Finished", yesNo(summary.Finished)},
				{"Spent", coins(summary.Spent)},
				{"Held", coins(summary.Held)},
			}))
			fmt.Fprintln(cmd.OutOrStdout(), renderSegments(list))
			return nil
		},
	}
}

func newGroupResetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <group>",
		Short: "Delete a group and release every outstanding reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.open()
			if err != nil {
				return err
			}
			result, err := c.Store.ResetGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset group %s: deleted %d segments, released %s coins\n",
				args[0], result.Deleted, coins(result.Released))
			return nil
		},
	}
}

func newGroupRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <group>",
		Short: "Re-reserve every failed segment of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.open()
			if err != nil {
				return err
			}
			if _, err := c.Store.GetGroup(cmd.Context(), args[0]); err != nil {
				return err
			}
			result, err := c.Store.RetryGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				if err := writeJSON(cmd, result); err != nil {
					return err
				}
			}
			if !result.Applied && result.Count > 0 {
				return shortfallError(result.Shortfall)
			}
			if ctx.jsonOutput() {
				return nil
			}
			if result.Count == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Group %s has no failed segments\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %d segments of %s for retry; reserved %s coins\n",
				result.Count, args[0], coins(result.Reserved))
			return nil
		},
	}
}

func formatCounts(counts map[segments.Status]int) string {
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	out := ""
	for _, status := range statuses {
		if counts[segments.Status(status)] == 0 {
			continue
		}
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", status, counts[segments.Status(status)])
	}
	return out
}
