package reporter

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ppiankov/mcprun/internal/harness"
)

// OutcomeReport is the machine-readable form of one run.
type OutcomeReport struct {
	RunID         string       `json:"run_id,omitempty"`
	Provider      string       `json:"provider,omitempty"`
	Task          string       `json:"task"`
	Kind          harness.Kind `json:"kind"`
	Result        string       `json:"result,omitempty"`
	Message       string       `json:"message,omitempty"`
	ElapsedInitMS int64        `json:"elapsed_init_ms,omitempty"`
	ElapsedExecMS int64        `json:"elapsed_exec_ms,omitempty"`
	LimitMS       int64        `json:"limit_ms,omitempty"`
}

// NewOutcomeReport flattens an outcome for JSON output.
func NewOutcomeReport(runID, provider, task string, o harness.Outcome) OutcomeReport {
	return OutcomeReport{
		RunID:         runID,
		Provider:      provider,
		Task:          task,
		Kind:          o.Kind,
		Result:        o.Result,
		Message:       o.Message,
		ElapsedInitMS: o.ElapsedInit.Milliseconds(),
		ElapsedExecMS: o.ElapsedExec.Milliseconds(),
		LimitMS:       o.Limit.Milliseconds(),
	}
}

// WriteJSON writes the report as indented JSON to w.
func WriteJSON(w io.Writer, report OutcomeReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
