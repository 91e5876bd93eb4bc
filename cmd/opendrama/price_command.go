package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"opendrama/internal/pricing"
)

func newPriceCommand(ctx *commandContext) *cobra.Command {
	priceCmd := &cobra.Command{
		Use:   "price",
		Short: "Inspect the active price table",
	}
	priceCmd.AddCommand(newPriceListCommand(ctx))
	priceCmd.AddCommand(newPriceQuoteCommand(ctx))
	return priceCmd
}

type rateView struct {
	Key         string `json:"key"`
	RatePerSec  string `json:"ratePerSecond"`
	FiveSeconds int64  `json:"fiveSecondCost"`
}

func newPriceListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List provider rates with the configured markup applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			table := pricing.FromConfig(cfg.Pricing)
			views := make([]rateView, 0)
			for _, key := range table.Models() {
				model, resolution, _ := strings.Cut(key, "@")
				rate, _ := table.Rate(model, resolution)
				cost, err := pricing.VideoCost(table, model, resolution, 5)
				if err != nil {
					return err
				}
				views = append(views, rateView{Key: key, RatePerSec: rate.String(), FiveSeconds: cost})
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{
					"version": table.Version,
					"markup":  cfg.Pricing.Markup,
					"rates":   views,
				})
			}
			rows := make([][]string, 0, len(views))
			for _, view := range views {
				rows = append(rows, []string{view.Key, view.RatePerSec, coins(view.FiveSeconds)})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pricing %s, markup %.2f\n", table.Version, cfg.Pricing.Markup)
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Model", "Rate/s", "5s clip"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight},
			))
			return nil
		},
	}
}

func newPriceQuoteCommand(ctx *commandContext) *cobra.Command {
	var model, resolution, feature string
	var duration float64

	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price one clip or one feature",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			table := pricing.FromConfig(cfg.Pricing)

			var label string
			var cost int64
			switch {
			case strings.TrimSpace(feature) != "":
				label = strings.ToLower(strings.TrimSpace(feature))
				cost, err = pricing.FeatureCost(table, label)
			case strings.TrimSpace(model) != "":
				label = pricing.RateKey(model, resolution) + " " + strconv.FormatFloat(duration, 'f', -1, 64) + "s"
				cost, err = pricing.VideoCost(table, model, resolution, duration)
			default:
				return errors.New("either --feature or --model is required")
			}
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{
					"item":           label,
					"cost":           cost,
					"pricingVersion": table.Version,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s coins (pricing %s)\n", label, coins(cost), table.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Provider model")
	cmd.Flags().StringVar(&resolution, "resolution", "720p", "Output resolution")
	cmd.Flags().Float64Var(&duration, "duration", 5, "Clip duration in seconds")
	cmd.Flags().StringVar(&feature, "feature", "", "Feature key")
	return cmd
}
