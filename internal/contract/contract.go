// Package contract extracts the structured decision an agent must emit at
// the end of its output.
package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hochfrequenz/j2pr/internal/domain"
)

// Marker is the single-line prefix the agent must emit before its JSON
// result payload.
const Marker = "J2PR_RESULT:"

// ErrMissingFooter is returned when no marker line is present in the output
var ErrMissingFooter = errors.New("agent output contains no " + Marker + " footer")

// ParseError reports a footer that was found but failed validation. The
// orchestrator must not guess at partial intent, so no partial contract is
// ever returned alongside it.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid agent contract: %s: %s", e.Field, e.Reason)
}

// TestReport is the agent's account of the tests it ran
type TestReport struct {
	Command string `json:"command"`
	Result  string `json:"result"`
	Notes   string `json:"notes"`
}

// Passed reports whether the agent claims its test run succeeded
func (t TestReport) Passed() bool {
	return strings.EqualFold(t.Result, "pass") || strings.EqualFold(t.Result, "passed")
}

// Contract is the validated decision extracted from agent output
type Contract struct {
	Decision         domain.Decision `json:"decision"`
	Summary          string          `json:"summary"`
	Changes          []string        `json:"changes"`
	Tests            TestReport      `json:"tests"`
	Risk             domain.Risk     `json:"risk"`
	Repo             string          `json:"repo"`
	Branch           string          `json:"branch"`
	CommitMessage    string          `json:"commit_message"`
	NotesForReviewer string          `json:"notes_for_reviewer"`
	BlockingReason   string          `json:"blocking_reason"`
}

// Extract scans raw agent output for marker lines and parses the last one.
// Agents may emit partial or duplicate footers mid-reasoning, so the last
// occurrence is authoritative. Returns ErrMissingFooter when no marker line
// exists, or a *ParseError when the footer fails validation.
func Extract(output string) (*Contract, error) {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, Marker) {
			return parseLine(line)
		}
	}
	return nil, ErrMissingFooter
}

func parseLine(line string) (*Contract, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(line, Marker))

	var c Contract
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, &ParseError{Field: "payload", Reason: "malformed JSON: " + err.Error()}
	}

	if c.Decision == "" {
		return nil, &ParseError{Field: "decision", Reason: "required"}
	}
	if !c.Decision.Valid() {
		return nil, &ParseError{Field: "decision", Reason: fmt.Sprintf("unknown value %q", c.Decision)}
	}
	if strings.TrimSpace(c.Summary) == "" {
		return nil, &ParseError{Field: "summary", Reason: "required"}
	}
	if c.Risk == "" {
		return nil, &ParseError{Field: "risk", Reason: "required"}
	}
	if !c.Risk.Valid() {
		return nil, &ParseError{Field: "risk", Reason: fmt.Sprintf("unknown value %q", c.Risk)}
	}
	// A non-proceed decision without a reason is itself a contract
	// violation, not something to pass through.
	if c.Decision != domain.DecisionProceed && strings.TrimSpace(c.BlockingReason) == "" {
		return nil, &ParseError{Field: "blocking_reason", Reason: "required when decision is " + string(c.Decision)}
	}

	return &c, nil
}
