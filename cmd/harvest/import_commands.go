package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"harvest/internal/api"
)

func newImportCommand(ctx *commandContext) *cobra.Command {
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Run the multi-stage objective import",
	}
	importCmd.AddCommand(newImportStartCommand(ctx))
	importCmd.AddCommand(newImportShowCommand(ctx))
	importCmd.AddCommand(newImportSelectCommand(ctx))
	return importCmd
}

func newImportStartCommand(ctx *commandContext) *cobra.Command {
	var originator string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Begin scanning the configured seed targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				state, err := client.StartImport(cmd.Context(), api.ImportStartRequest{Originator: originator})
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, state)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Import %s started (%d seed targets)\n", state.ID, state.ScanTargets)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&originator, "originator", "", "URL that receives the completion reply")
	return cmd
}

func newImportShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current import and its discoveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.Import(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if resp.State == nil {
					fmt.Fprintln(out, "No import recorded")
					return nil
				}
				renderImport(out, *resp.State, resp.Active, shouldColorize(out))
				return nil
			})
		},
	}
}

func renderImport(w io.Writer, state api.ImportState, active, colorize bool) {
	printLines(w, renderSectionHeader("Import "+state.ID, colorize))
	printLines(w, importStatusLines(state, active, colorize))
	if len(state.Found) > 0 {
		selected := make(map[string]bool, len(state.Selected))
		for _, d := range state.Selected {
			selected[d.Key] = true
		}
		rows := make([][]string, 0, len(state.Found))
		for _, d := range state.Found {
			year := ""
			if d.Year > 0 {
				year = strconv.Itoa(d.Year)
			}
			rows = append(rows, []string{d.Key, d.Label, year, yesNo(selected[d.Key])})
		}
		fmt.Fprintln(w, renderTable([]string{"Key", "Label", "Year", "Selected"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight}))
	}
	if len(state.Errors) > 0 {
		rows := make([][]string, 0, len(state.Errors))
		for _, e := range state.Errors {
			rows = append(rows, []string{e.Stage, e.Label, e.Reason})
		}
		fmt.Fprintln(w, renderTable([]string{"Stage", "Label", "Reason"}, rows, nil, 2))
	}
}

func newImportSelectCommand(ctx *commandContext) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "select [KEY...]",
		Short: "Choose which discovered objective types to process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("pass discovery keys or --all, not both")
			}
			return ctx.withClient(func(client *api.Client) error {
				keys := args
				if all {
					resp, err := client.Import(cmd.Context())
					if err != nil {
						return err
					}
					if resp.State == nil || len(resp.State.Found) == 0 {
						return errors.New("no discoveries to select")
					}
					for _, d := range resp.State.Found {
						keys = append(keys, d.Key)
					}
				}
				state, err := client.SubmitSelection(cmd.Context(), keys)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, state)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Selected %d of %d discoveries; import continues in the background\n", len(state.Selected), len(state.Found))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Select every discovered type")
	return cmd
}
