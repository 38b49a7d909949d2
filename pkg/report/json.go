package report

import (
	"encoding/json"
	"fmt"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

// JSONReporter renders runs as an indented JSON document.
type JSONReporter struct{}

// NewJSONReporter creates a JSON reporter.
func NewJSONReporter() *JSONReporter {
	return &JSONReporter{}
}

// Render implements engine.Reporter.
func (r *JSONReporter) Render(run *engine.Run, units []engine.CheckUnit, findings []engine.Finding) ([]byte, error) {
	doc := BuildDocument(run, units, findings)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return append(data, '\n'), nil
}

// Format implements engine.Reporter.
func (r *JSONReporter) Format() string {
	return "json"
}
