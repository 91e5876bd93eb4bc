package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"opendrama/internal/daemon"
	"opendrama/internal/preflight"
)

func newPreflightCommand(ctx *commandContext) *cobra.Command {
	var skipServices bool

	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check binaries, directories and external services",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			var svc preflight.Services
			if !skipServices {
				if err := cfg.ValidateProvider(); err != nil {
					return err
				}
				c, err := ctx.open()
				if err != nil {
					return err
				}
				svc = daemon.Services(c)
			}
			results := preflight.RunAll(cmd.Context(), cfg, svc)
			if ctx.jsonOutput() {
				if err := writeJSON(cmd, results); err != nil {
					return err
				}
			} else {
				rows := make([][]string, 0, len(results))
				for _, result := range results {
					state := "ok"
					switch {
					case !result.Passed && result.Optional:
						state = "warn"
					case !result.Passed:
						state = "FAIL"
					}
					rows = append(rows, []string{result.Name, state, result.Detail})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Check", "State", "Detail"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft},
				))
			}
			if preflight.Failed(results) {
				return errors.New("preflight checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipServices, "local", false, "Only check local binaries and directories")
	return cmd
}
