package importer

import (
	"strings"
	"time"

	"harvest/internal/events"
)

// Stage names an import stage.
type Stage string

const (
	StageScanningTypes     Stage = "scanning_types"
	StageAwaitingSelection Stage = "awaiting_selection"
	StageProcessingMonthly Stage = "processing_monthly"
	StageGeneratingConfigs Stage = "generating_configs"
	StageDone              Stage = "done"
)

// Store keys.
const (
	StateKey   = "import:state"
	ConfigsKey = "configs"
)

var stageOrder = map[Stage]int{
	StageScanningTypes:     0,
	StageAwaitingSelection: 1,
	StageProcessingMonthly: 2,
	StageGeneratingConfigs: 3,
	StageDone:              4,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// ScanTarget is one seed page listing objective types.
type ScanTarget struct {
	Label  string `json:"label"`
	Target string `json:"target"`
}

// Discovery is an objective type found while scanning.
type Discovery struct {
	Code   string `json:"code,omitempty"`
	Label  string `json:"label"`
	Target string `json:"target"`
	Year   int    `json:"year,omitempty"`
}

// Key is the natural key used for de-duplication and selection: the explicit
// code when the agent reports one, otherwise the target.
func (d Discovery) Key() string {
	if code := strings.TrimSpace(d.Code); code != "" {
		return code
	}
	return strings.TrimSpace(d.Target)
}

// Child is one monthly document discovered under a selected parent.
type Child struct {
	Name   string `json:"name"`
	Year   int    `json:"year"`
	Period int    `json:"period"`
	Target string `json:"target,omitempty"`
}

// ItemError records a failed unit inside a stage.
type ItemError = events.ItemError

// Outcome is filled in when the import reaches done.
type Outcome struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ConfigsCreated int    `json:"configs_created"`
}

// State is the persisted import state.
type State struct {
	ID          string       `json:"id"`
	Stage       Stage        `json:"stage"`
	ScanTargets []ScanTarget `json:"scan_targets"`
	Cursor      int          `json:"cursor"`
	Found       []Discovery  `json:"found"`
	Selected    []Discovery  `json:"selected,omitempty"`
	// MonthlyResults holds the children found per selected parent, keyed by
	// Discovery.Key.
	MonthlyResults map[string][]Child `json:"monthly_results,omitempty"`
	Errors         []ItemError        `json:"errors,omitempty"`
	Processed      int                `json:"processed"`
	TotalToProcess int                `json:"total_to_process"`
	Originator     string             `json:"originator,omitempty"`
	Outcome        *Outcome           `json:"outcome,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Clone returns a deep copy so a step never mutates its input.
func (s State) Clone() State {
	out := s
	out.ScanTargets = append([]ScanTarget(nil), s.ScanTargets...)
	out.Found = append([]Discovery(nil), s.Found...)
	out.Selected = append([]Discovery(nil), s.Selected...)
	out.Errors = append([]ItemError(nil), s.Errors...)
	if s.MonthlyResults != nil {
		out.MonthlyResults = make(map[string][]Child, len(s.MonthlyResults))
		for k, v := range s.MonthlyResults {
			out.MonthlyResults[k] = append([]Child(nil), v...)
		}
	}
	if s.Outcome != nil {
		outcome := *s.Outcome
		out.Outcome = &outcome
	}
	return out
}

func (s *State) addError(stage Stage, label, reason string) {
	s.Errors = append(s.Errors, ItemError{Stage: string(stage), Label: label, Reason: reason})
}

// mergeFound appends discoveries whose natural key is not yet present.
func (s *State) mergeFound(found []Discovery) int {
	seen := make(map[string]struct{}, len(s.Found))
	for _, d := range s.Found {
		seen[d.Key()] = struct{}{}
	}
	added := 0
	for _, d := range found {
		key := d.Key()
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		s.Found = append(s.Found, d)
		added++
	}
	return added
}

func candidates(found []Discovery) []events.SelectionCandidate {
	out := make([]events.SelectionCandidate, 0, len(found))
	for _, d := range found {
		out = append(out, events.SelectionCandidate{Key: d.Key(), Label: d.Label, Year: d.Year})
	}
	return out
}
