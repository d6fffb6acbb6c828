package importer

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ConfigRecord is a normalized monthly import configuration.
type ConfigRecord struct {
	Name        string    `json:"name"`
	Year        int       `json:"year"`
	Period      int       `json:"period"`
	PeriodLabel string    `json:"period_label"`
	Parent      string    `json:"parent"`
	Target      string    `json:"target,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Identity is the de-duplication key: case-folded name, year and period.
func (c ConfigRecord) Identity() string {
	return fmt.Sprintf("%s|%d|%d", cases.Fold().String(normalizeName(c.Name)), c.Year, c.Period)
}

// PeriodLabel maps periods 1-12 to month names. Other periods get the generic
// "Period N" label and ok=false.
func PeriodLabel(period int) (label string, ok bool) {
	if period >= 1 && period <= 12 {
		return time.Month(period).String(), true
	}
	return fmt.Sprintf("Period %d", period), false
}

// GenerateResult is what config generation produced.
type GenerateResult struct {
	Merged  []ConfigRecord
	Created []ConfigRecord
	Errors  []ItemError
	// Unlabelled lists records that fell back to a generic period label.
	Unlabelled []ConfigRecord
}

// GenerateConfigs expands the children of each selected parent into config
// records and merges them into existing. results is keyed by Discovery.Key and
// each key is expanded at most once. Records whose identity is already
// present are skipped, so running it twice over the same input creates
// nothing the second time. With strict set, records whose period has no label
// are rejected into Errors instead of falling back.
func GenerateConfigs(existing []ConfigRecord, selected []Discovery, results map[string][]Child, strict bool, now time.Time) GenerateResult {
	out := GenerateResult{Merged: append([]ConfigRecord(nil), existing...)}
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec.Identity()] = struct{}{}
	}

	expanded := make(map[string]struct{}, len(selected))
	for _, parent := range selected {
		key := parent.Key()
		if _, done := expanded[key]; done {
			continue
		}
		expanded[key] = struct{}{}
		for _, child := range results[key] {
			rec := ConfigRecord{
				Name:      normalizeName(child.Name),
				Year:      child.Year,
				Period:    child.Period,
				Parent:    parent.Label,
				Target:    strings.TrimSpace(child.Target),
				CreatedAt: now.UTC(),
			}
			if rec.Name == "" {
				rec.Name = normalizeName(parent.Label)
			}
			if rec.Year == 0 {
				rec.Year = parent.Year
			}
			label, ok := PeriodLabel(rec.Period)
			if !ok && strict {
				out.Errors = append(out.Errors, ItemError{
					Stage:  string(StageGeneratingConfigs),
					Label:  rec.Name,
					Reason: fmt.Sprintf("period %d has no label", rec.Period),
				})
				continue
			}
			rec.PeriodLabel = label

			id := rec.Identity()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if !ok {
				out.Unlabelled = append(out.Unlabelled, rec)
			}
			out.Merged = append(out.Merged, rec)
			out.Created = append(out.Created, rec)
		}
	}
	return out
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// DisplayName title-cases a config name for operator-facing output.
func DisplayName(name string) string {
	return cases.Title(language.Und, cases.NoLower).String(normalizeName(name))
}
