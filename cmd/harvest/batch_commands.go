package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"harvest/internal/api"
	"harvest/internal/batch"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Submit and control work-item batches",
	}
	batchCmd.AddCommand(newBatchRunCommand(ctx))
	batchCmd.AddCommand(newBatchCancelCommand(ctx))
	return batchCmd
}

func newBatchRunCommand(ctx *commandContext) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "run <manifest>",
		Short: "Submit a YAML or JSON manifest of work items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := batch.LoadManifest(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.SubmitBatch(cmd.Context(), api.BatchRequest{Items: items, Wait: wait})
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if resp.Summary == nil {
					fmt.Fprintf(out, "Batch %s accepted (%d items)\n", resp.RunID, len(items))
					fmt.Fprintln(out, "Follow progress with `harvest events --follow`")
					return nil
				}
				writeOutcomeTable(out, resp.Summary.Outcomes)
				fmt.Fprintf(out, "Batch %s: %s\n", resp.RunID, batchSummaryText(*resp.Summary))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the batch to finish and print each outcome")
	return cmd
}

func newBatchCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Stop the running batch before its next item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.CancelBatch(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				if resp.Cancelled {
					fmt.Fprintln(cmd.OutOrStdout(), "Cancellation requested; the current item will finish first")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "No batch is running")
				}
				return nil
			})
		},
	}
}
