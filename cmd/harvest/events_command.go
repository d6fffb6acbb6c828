package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"harvest/internal/api"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var since uint64
	var limit int
	var follow bool
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print buffered progress events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				cursor := since
				for {
					resp, err := client.Events(cmd.Context(), cursor, limit, follow)
					if err != nil {
						if follow && cmd.Context().Err() != nil {
							return nil
						}
						return err
					}
					if ctx.jsonOutput() {
						if err := writeJSON(cmd, resp); err != nil {
							return err
						}
					} else {
						writeEventTable(cmd.OutOrStdout(), resp.Events)
					}
					cursor = resp.Next
					if !follow {
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "Only show events after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum events per request")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep waiting for new events")
	return cmd
}

func writeEventTable(w io.Writer, evts []api.Event) {
	if len(evts) == 0 {
		return
	}
	rows := make([][]string, 0, len(evts))
	for _, evt := range evts {
		rows = append(rows, []string{
			strconv.FormatUint(evt.Sequence, 10),
			evt.Timestamp,
			evt.Type,
			evt.RunID,
			string(evt.Data),
		})
	}
	fmt.Fprintln(w, renderTable([]string{"Seq", "Time", "Type", "Run", "Data"}, rows, []columnAlignment{alignRight}, 4))
}
