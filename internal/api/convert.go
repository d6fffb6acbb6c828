package api

import (
	"time"

	"harvest/internal/batch"
	"harvest/internal/events"
	"harvest/internal/execution"
	"harvest/internal/importer"
	"harvest/internal/workflow"
)

// FromStatusSummary converts a workflow snapshot into its transport form.
func FromStatusSummary(summary workflow.StatusSummary) WorkflowStatus {
	status := WorkflowStatus{
		Locks:        append([]string{}, summary.Locks...),
		BatchRunning: summary.BatchRunning,
		ActiveRunID:  summary.ActiveRunID,
		ImportActive: summary.ImportActive,
		Contexts:     make([]ExecutionContext, 0, len(summary.Contexts)),
		RecordCount:  summary.RecordCount,
		LatestEvent:  summary.LatestEvent,
		Health:       make([]ComponentHealth, 0, len(summary.Health)),
	}
	if summary.LastBatch != nil {
		last := FromBatchSummary(*summary.LastBatch)
		status.LastBatch = &last
	}
	if summary.Import != nil {
		state := FromImportState(*summary.Import)
		status.Import = &state
	}
	for _, c := range summary.Contexts {
		status.Contexts = append(status.Contexts, FromContext(c))
	}
	for _, h := range summary.Health {
		status.Health = append(status.Health, ComponentHealth{Name: h.Name, Ready: h.Ready, Detail: h.Detail})
	}
	return status
}

// FromContext converts an open execution context.
func FromContext(c execution.Context) ExecutionContext {
	return ExecutionContext{
		ID:            c.ID,
		Target:        c.Target,
		Label:         c.Label,
		CreatedAt:     formatTime(c.CreatedAt),
		AgentInjected: c.AgentInjected,
	}
}

// FromBatchSummary converts a batch summary.
func FromBatchSummary(s batch.Summary) BatchSummary {
	out := BatchSummary{
		RunID:      s.RunID,
		Total:      s.Total,
		Successful: s.Successful,
		Failed:     s.Failed(),
		Cancelled:  s.Cancelled,
		Outcomes:   make([]BatchOutcome, 0, len(s.Outcomes)),
		StartedAt:  formatTime(s.StartedAt),
		FinishedAt: formatTime(s.FinishedAt),
	}
	for _, o := range s.Outcomes {
		out.Outcomes = append(out.Outcomes, BatchOutcome{
			Label:       o.Label,
			Target:      o.Target,
			Success:     o.Success,
			SourceLabel: o.SourceLabel,
			Reason:      o.Reason,
		})
	}
	return out
}

// FromImportState converts the persisted import state. Per-parent child
// lists stay internal.
func FromImportState(s importer.State) ImportState {
	out := ImportState{
		ID:             s.ID,
		Stage:          string(s.Stage),
		Cursor:         s.Cursor,
		ScanTargets:    len(s.ScanTargets),
		Found:          fromDiscoveries(s.Found),
		Processed:      s.Processed,
		TotalToProcess: s.TotalToProcess,
		Originator:     s.Originator,
		StartedAt:      formatTime(s.StartedAt),
		UpdatedAt:      formatTime(s.UpdatedAt),
	}
	if len(s.Selected) > 0 {
		out.Selected = fromDiscoveries(s.Selected)
	}
	for _, e := range s.Errors {
		out.Errors = append(out.Errors, ItemError{Stage: e.Stage, Label: e.Label, Reason: e.Reason})
	}
	if s.Outcome != nil {
		out.Outcome = &ImportOutcome{
			Success:        s.Outcome.Success,
			Message:        s.Outcome.Message,
			ConfigsCreated: s.Outcome.ConfigsCreated,
		}
	}
	return out
}

func fromDiscoveries(in []importer.Discovery) []Discovery {
	out := make([]Discovery, 0, len(in))
	for _, d := range in {
		out = append(out, Discovery{Key: d.Key(), Code: d.Code, Label: d.Label, Target: d.Target, Year: d.Year})
	}
	return out
}

// FromEvents converts buffered events.
func FromEvents(in []events.Event) []Event {
	out := make([]Event, 0, len(in))
	for _, e := range in {
		out = append(out, Event{
			Sequence:  e.Sequence,
			Timestamp: formatTime(e.Timestamp),
			Type:      string(e.Type),
			RunID:     e.RunID,
			Data:      e.Data,
		})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
