package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"harvest/internal/api"
)

func newRecordsCommand(ctx *commandContext) *cobra.Command {
	recordsCmd := &cobra.Command{
		Use:   "records",
		Short: "Manage persisted extraction records",
	}

	var yes bool
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every persisted record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to purge without --yes")
			}
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.PurgeRecords(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d records\n", resp.Removed)
				return nil
			})
		},
	}
	purgeCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deletion")
	recordsCmd.AddCommand(purgeCmd)
	return recordsCmd
}
