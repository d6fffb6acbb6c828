package importer

import (
	"context"
	"encoding/json"
	"fmt"

	"harvest/internal/execution"
	"harvest/internal/kvstore"
	"harvest/internal/logging"
	"harvest/internal/services"
)

type discoverPayload struct {
	Objectives []Discovery `json:"objectives"`
}

type childrenPayload struct {
	Children []Child `json:"children"`
}

// step performs one unit of work for state.Stage and returns the next state.
// Dispatch stages handle exactly one item per call. An error forces done
// unless ctx has ended, in which case the caller leaves the state for resume.
func (m *Machine) step(ctx context.Context, state State) (State, error) {
	switch state.Stage {
	case StageScanningTypes:
		return m.scanNext(ctx, state)
	case StageAwaitingSelection:
		return state, nil
	case StageProcessingMonthly:
		return m.processNext(ctx, state)
	case StageGeneratingConfigs:
		return m.generateConfigs(ctx, state)
	case StageDone:
		return state, nil
	default:
		return state, services.Wrap(services.ErrProtocolViolation, "importer", "step", fmt.Sprintf("unknown stage %q", state.Stage), nil)
	}
}

func (m *Machine) scanNext(ctx context.Context, state State) (State, error) {
	if state.Cursor >= len(state.ScanTargets) {
		state.Stage = StageAwaitingSelection
		state.Cursor = 0
		return state, nil
	}
	seed := state.ScanTargets[state.Cursor]
	item := execution.WorkItem{Target: seed.Target, Label: seed.Label, Task: execution.TaskDiscover}

	result := m.dispatch(ctx, item)
	if ctx.Err() != nil {
		return state, ctx.Err()
	}
	if result.OK {
		var payload discoverPayload
		if err := decodePayload(result.Payload, &payload); err != nil {
			state.addError(StageScanningTypes, seed.Label, err.Error())
		} else {
			added := state.mergeFound(payload.Objectives)
			logging.WithContext(ctx, m.logger).Debug("seed scanned",
				logging.String(logging.FieldItemLabel, seed.Label),
				logging.Int("reported", len(payload.Objectives)),
				logging.Int("new", added),
			)
		}
	} else {
		state.addError(StageScanningTypes, seed.Label, result.Reason)
	}

	state.Cursor++
	if state.Cursor >= len(state.ScanTargets) {
		state.Stage = StageAwaitingSelection
		state.Cursor = 0
	}
	return state, nil
}

func (m *Machine) processNext(ctx context.Context, state State) (State, error) {
	if state.Processed >= state.TotalToProcess || state.Cursor >= len(state.Selected) {
		state.Stage = StageGeneratingConfigs
		return state, nil
	}
	parent := state.Selected[state.Cursor]
	item := execution.WorkItem{
		Target:      parent.Target,
		Label:       parent.Label,
		Task:        execution.TaskDiscoverChildren,
		Year:        parent.Year,
		ParentLabel: parent.Label,
	}

	result := m.dispatch(ctx, item)
	if ctx.Err() != nil {
		return state, ctx.Err()
	}
	if state.MonthlyResults == nil {
		state.MonthlyResults = map[string][]Child{}
	}
	if result.OK {
		var payload childrenPayload
		if err := decodePayload(result.Payload, &payload); err != nil {
			state.addError(StageProcessingMonthly, parent.Label, err.Error())
		} else {
			state.MonthlyResults[parent.Key()] = append(state.MonthlyResults[parent.Key()], payload.Children...)
		}
	} else {
		state.addError(StageProcessingMonthly, parent.Label, result.Reason)
	}

	state.Cursor++
	state.Processed++
	if state.Processed >= state.TotalToProcess {
		state.Stage = StageGeneratingConfigs
	}
	return state, nil
}

func (m *Machine) generateConfigs(ctx context.Context, state State) (State, error) {
	var existing []ConfigRecord
	if _, err := kvstore.GetJSON(ctx, m.deps.Durable, ConfigsKey, &existing); err != nil {
		return state, services.Wrap(services.ErrPersistence, "importer", "load configs", "", err)
	}

	result := GenerateConfigs(existing, state.Selected, state.MonthlyResults, m.strict, m.now())
	logger := logging.WithContext(ctx, m.logger)
	for _, rec := range result.Unlabelled {
		logger.Warn("period has no label; using generic label",
			logging.String("config", DisplayName(rec.Name)),
			logging.Int("period", rec.Period),
			logging.String(logging.FieldEventType, "period_label_fallback"),
			logging.String(logging.FieldErrorHint, "set import.strict_periods to reject these records"),
		)
	}
	state.Errors = append(state.Errors, result.Errors...)

	if len(result.Created) > 0 {
		if err := kvstore.SetJSON(ctx, m.deps.Durable, ConfigsKey, result.Merged); err != nil {
			return state, services.Wrap(services.ErrPersistence, "importer", "save configs", "", err)
		}
	}

	message := fmt.Sprintf("%d config records created", len(result.Created))
	if len(state.Errors) > 0 {
		message = fmt.Sprintf("%s, %d errors", message, len(state.Errors))
	}
	state.Stage = StageDone
	state.Outcome = &Outcome{Success: true, Message: message, ConfigsCreated: len(result.Created)}
	return state, nil
}

func (m *Machine) dispatch(ctx context.Context, item execution.WorkItem) execution.TaskResult {
	return m.deps.Dispatcher.Dispatch(ctx, item, m.agent, m.readyTimeout)
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("agent returned an empty payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode agent payload: %w", err)
	}
	return nil
}
