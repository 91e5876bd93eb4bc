package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"opendrama/internal/segments"
)

func newSegmentsCommand(ctx *commandContext) *cobra.Command {
	segmentsCmd := &cobra.Command{
		Use:     "segments",
		Aliases: []string{"segment"},
		Short:   "Inspect and repair generated segments",
	}
	segmentsCmd.AddCommand(newSegmentsListCommand(ctx))
	segmentsCmd.AddCommand(newSegmentsShowCommand(ctx))
	segmentsCmd.AddCommand(newSegmentsResetCommand(ctx))
	segmentsCmd.AddCommand(newSegmentsRetryCommand(ctx))
	return segmentsCmd
}

func newSegmentsListCommand(ctx *commandContext) *cobra.Command {
	var group string
	var statusFlags []string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List segments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := make([]segments.Status, 0, len(statusFlags))
			for _, raw := range statusFlags {
				status, ok := segments.ParseStatus(strings.ToLower(strings.TrimSpace(raw)))
				if !ok {
					return fmt.Errorf("unknown status %q", raw)
				}
				statuses = append(statuses, status)
			}
			c, err := ctx.open()
			if err != nil {
				return err
			}

			var list []*segments.Segment
			if group = strings.TrimSpace(group); group != "" {
				list, err = c.Store.ListGroup(cmd.Context(), group)
				list = filterStatuses(list, statuses)
			} else {
				list, err = c.Store.List(cmd.Context(), limit, statuses...)
			}
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No segments")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSegments(list))
			return nil
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "Only list one episode group, in index order")
	cmd.Flags().StringSliceVarP(&statusFlags, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum segments to list")
	return cmd
}

func newSegmentsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSegmentID(args[0])
			if err != nil {
				return err
			}
			c, err := ctx.open()
			if err != nil {
				return err
			}
			seg, err := c.Store.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, seg)
			}
			pairs := [][2]string{
				{"ID", strconv.FormatInt(seg.ID, 10)},
				{"Segment", seg.Label()},
				{"Account", seg.AccountID},
				{"Status", string(seg.Status)},
				{"Model", seg.ProviderModel + "@" + seg.Resolution},
				{"Duration", strconv.FormatFloat(seg.DurationSec, 'f', -1, 64) + "s"},
				{"Cost", coins(seg.TokenCost)},
				{"Chain mode", yesNo(seg.ChainMode)},
			}
			optional := [][2]string{
				{"Scene", seg.SceneRef},
				{"Task handle", seg.TaskHandle},
				{"Start image", seg.StartImageURL},
				{"Artifact", seg.ArtifactURL},
				{"Thumbnail", seg.ThumbnailURL},
				{"Error", seg.ErrorMessage},
			}
			for _, pair := range optional {
				if pair[1] != "" {
					pairs = append(pairs, pair)
				}
			}
			if seg.SubmittedAt != nil {
				pairs = append(pairs, [2]string{"Submitted", formatTime(*seg.SubmittedAt)})
			}
			if seg.CompletedAt != nil {
				pairs = append(pairs, [2]string{"Completed", formatTime(*seg.CompletedAt)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderKeyValues(pairs))
			fmt.Fprintln(cmd.OutOrStdout(), "Prompt:", seg.Prompt)
			return nil
		},
	}
}

func newSegmentsResetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <id>",
		Short: "Delete a segment and release its reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSegmentID(args[0])
			if err != nil {
				return err
			}
			c, err := ctx.open()
			if err != nil {
				return err
			}
			result, err := c.Store.Reset(cmd.Context(), id)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset segment %d; released %s coins\n", id, coins(result.Released))
			return nil
		},
	}
}

func newSegmentsRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-reserve a failed segment so the daemon submits it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSegmentID(args[0])
			if err != nil {
				return err
			}
			c, err := ctx.open()
			if err != nil {
				return err
			}
			result, err := c.Store.Retry(cmd.Context(), id)
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
			fmt.Fprintf(cmd.OutOrStdout(), "Segment %d queued for retry; reserved %s coins\n", id, coins(result.Reserved))
			return nil
		},
	}
}

func parseSegmentID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid segment id %q", raw)
	}
	return id, nil
}

func filterStatuses(list []*segments.Segment, statuses []segments.Status) []*segments.Segment {
	if len(statuses) == 0 {
		return list
	}
	filtered := list[:0]
	for _, seg := range list {
		for _, status := range statuses {
			if seg.Status == status {
				filtered = append(filtered, seg)
				break
			}
		}
	}
	return filtered
}
