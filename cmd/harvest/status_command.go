package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"harvest/internal/api"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, lock and import status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				status, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, status)
				}
				out := cmd.OutOrStdout()
				printLines(out, statusLines(status, shouldColorize(out)))
				return nil
			})
		},
	}
}

func statusLines(status api.DaemonStatus, colorize bool) []string {
	wf := status.Workflow
	lines := renderSectionHeader("Daemon", colorize)
	if status.Running {
		lines = append(lines, renderStatusLine("Harvest", statusOK, fmt.Sprintf("Running (pid %d)", status.PID), colorize))
	} else {
		lines = append(lines, renderStatusLine("Harvest", statusError, "Not running", colorize))
	}
	for _, h := range wf.Health {
		kind, detail := statusOK, "Ready"
		if !h.Ready {
			kind, detail = statusError, "Unavailable"
		}
		if h.Detail != "" {
			detail = h.Detail
		}
		lines = append(lines, renderStatusLine(healthLabel(h.Name), kind, detail, colorize))
	}
	if len(wf.Locks) == 0 {
		lines = append(lines, renderStatusLine("Locks", statusInfo, "none held", colorize))
	} else {
		lines = append(lines, renderStatusLine("Locks", statusWarn, strings.Join(wf.Locks, ", "), colorize))
	}
	lines = append(lines, renderStatusLine("Records", statusInfo, strconv.Itoa(wf.RecordCount), colorize))

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Batch", colorize)...)
	switch {
	case wf.BatchRunning:
		lines = append(lines, renderStatusLine("Batch", statusWarn, "Running "+wf.ActiveRunID, colorize))
	default:
		lines = append(lines, renderStatusLine("Batch", statusInfo, "Idle", colorize))
	}
	if last := wf.LastBatch; last != nil {
		kind := statusOK
		if last.Failed > 0 || last.Cancelled {
			kind = statusWarn
		}
		lines = append(lines, renderStatusLine("Last batch", kind, batchSummaryText(*last), colorize))
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Import", colorize)...)
	if wf.Import == nil {
		lines = append(lines, renderStatusLine("Import", statusInfo, "No import recorded", colorize))
	} else {
		lines = append(lines, importStatusLines(*wf.Import, wf.ImportActive, colorize)...)
	}
	if len(wf.Contexts) > 0 {
		lines = append(lines, renderStatusLine("Open contexts", statusInfo, strconv.Itoa(len(wf.Contexts)), colorize))
	}
	return lines
}

func healthLabel(name string) string {
	switch name {
	case "durable_store":
		return "Durable store"
	case "volatile_store":
		return "Volatile store"
	default:
		return name
	}
}

func batchSummaryText(s api.BatchSummary) string {
	text := fmt.Sprintf("%d/%d succeeded", s.Successful, s.Total)
	if s.Failed > 0 {
		text += fmt.Sprintf(", %d failed", s.Failed)
	}
	if s.Cancelled {
		text += ", cancelled"
	}
	return text
}

func importStatusLines(state api.ImportState, active, colorize bool) []string {
	kind := statusInfo
	stage := state.Stage
	switch {
	case state.Outcome != nil && state.Outcome.Success:
		kind = statusOK
	case state.Outcome != nil:
		kind = statusError
	case state.Stage == "awaiting_selection":
		kind = statusWarn
		stage += " (run `harvest import select`)"
	case active:
		stage += " (running)"
	}
	lines := []string{
		renderStatusLine("Import stage", kind, stage, colorize),
		renderStatusLine("Discovered", statusInfo, strconv.Itoa(len(state.Found)), colorize),
	}
	if state.TotalToProcess > 0 {
		lines = append(lines, renderStatusLine("Processed", statusInfo, fmt.Sprintf("%d/%d", state.Processed, state.TotalToProcess), colorize))
	}
	if len(state.Errors) > 0 {
		lines = append(lines, renderStatusLine("Item errors", statusWarn, strconv.Itoa(len(state.Errors)), colorize))
	}
	if state.Outcome != nil && state.Outcome.Message != "" {
		lines = append(lines, renderStatusLine("Outcome", kind, state.Outcome.Message, colorize))
	}
	return lines
}

func writeOutcomeTable(w io.Writer, outcomes []api.BatchOutcome) {
	if len(outcomes) == 0 {
		return
	}
	rows := make([][]string, 0, len(outcomes))
	for i, o := range outcomes {
		result := "ok"
		if !o.Success {
			result = "failed"
		}
		detail := o.SourceLabel
		if !o.Success {
			detail = o.Reason
		}
		rows = append(rows, []string{strconv.Itoa(i + 1), o.Label, result, detail})
	}
	fmt.Fprintln(w, renderTable([]string{"#", "Label", "Result", "Detail"}, rows, []columnAlignment{alignRight}, 3))
}
