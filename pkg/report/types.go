// Package report renders completed runs into shareable artifacts.
//
// Reporters consume the run record, its check units, and the findings
// recorded along the way. The JSON reporter produces a stable document
// for machine consumption; the Markdown reporter produces a human
// summary suitable for CI logs and issue trackers.
package report

import (
	"sort"
	"time"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

// Document is the normalized report structure shared by all reporters.
type Document struct {
	Run       RunInfo        `json:"run"`
	Projects  []ProjectStats `json:"projects"`
	Units     []UnitInfo     `json:"units"`
	Findings  []FindingInfo  `json:"findings"`
	Generated time.Time      `json:"generated_at"`
}

// RunInfo summarizes the run itself.
type RunInfo struct {
	ID          string            `json:"id"`
	SuiteName   string            `json:"suite_name"`
	Status      engine.RunStatus  `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Duration    string            `json:"duration"`
	Summary     engine.RunSummary `json:"summary"`
}

// ProjectStats aggregates unit outcomes per project.
type ProjectStats struct {
	ProjectID string `json:"project_id"`
	Total     int    `json:"total"`
	Passed    int    `json:"passed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Findings  int    `json:"findings"`
}

// UnitInfo is the per-unit view included in reports.
type UnitInfo struct {
	ID         string            `json:"id"`
	ScenarioID string            `json:"scenario_id"`
	ProjectID  string            `json:"project_id"`
	Kind       engine.StepKind   `json:"kind"`
	Status     engine.UnitStatus `json:"status"`
	Honeypot   bool              `json:"honeypot,omitempty"`
	DurationMS int64             `json:"duration_ms"`
	Attempts   int               `json:"attempts"`
	Error      string            `json:"error,omitempty"`
	ErrorClass string            `json:"error_class,omitempty"`
}

// FindingInfo is the per-finding view included in reports.
type FindingInfo struct {
	ID         string               `json:"id,omitempty"`
	ProjectID  string               `json:"project_id"`
	UnitID     string               `json:"unit_id,omitempty"`
	Source     engine.FindingSource `json:"source"`
	Severity   engine.Severity      `json:"severity"`
	Title      string               `json:"title"`
	Detail     string               `json:"detail,omitempty"`
	DetectedAt time.Time            `json:"detected_at"`
}

// BuildDocument assembles the normalized document from run data.
func BuildDocument(run *engine.Run, units []engine.CheckUnit, findings []engine.Finding) *Document {
	doc := &Document{
		Run: RunInfo{
			ID:          run.ID,
			SuiteName:   run.SuiteName,
			Status:      run.Status,
			StartedAt:   run.StartedAt,
			CompletedAt: run.CompletedAt,
			Duration:    run.Duration.String(),
			Summary:     run.Summary,
		},
		Generated: time.Now().UTC(),
	}

	stats := make(map[string]*ProjectStats)
	statsFor := func(projectID string) *ProjectStats {
		if s, ok := stats[projectID]; ok {
			return s
		}
		s := &ProjectStats{ProjectID: projectID}
		stats[projectID] = s
		return s
	}

	for i := range units {
		u := &units[i]
		info := UnitInfo{
			ID:         u.ID,
			ScenarioID: u.ScenarioID,
			ProjectID:  u.ProjectID,
			Kind:       u.Kind,
			Status:     u.Status,
			Honeypot:   u.Honeypot,
			Attempts:   u.Retries + 1,
		}
		if r := u.Result; r != nil {
			info.DurationMS = r.Duration.Milliseconds()
			info.Attempts = r.Attempts
			if r.Error != nil {
				info.Error = r.Error.Message
				info.ErrorClass = string(r.Error.Class)
			}
		}
		doc.Units = append(doc.Units, info)

		s := statsFor(u.ProjectID)
		s.Total++
		switch u.Status {
		case engine.UnitStatusPassed:
			s.Passed++
		case engine.UnitStatusFailed:
			s.Failed++
		case engine.UnitStatusSkipped:
			s.Skipped++
		}
	}

	for i := range findings {
		f := &findings[i]
		doc.Findings = append(doc.Findings, FindingInfo{
			ID:         f.ID,
			ProjectID:  f.ProjectID,
			UnitID:     f.UnitID,
			Source:     f.Source,
			Severity:   f.Severity,
			Title:      f.Title,
			Detail:     f.Detail,
			DetectedAt: f.DetectedAt,
		})
		if s, ok := stats[f.ProjectID]; ok {
			s.Findings++
		}
	}

	ids := make([]string, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		doc.Projects = append(doc.Projects, *stats[id])
	}

	return doc
}
