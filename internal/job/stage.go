package job

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StageState is the state of one pipeline stage.
type StageState string

// Stage states. Done and Error are terminal.
const (
	StateNotStarted StageState = "not_started"
	StateInProgress StageState = "in_progress"
	StateDone       StageState = "done"
	StateError      StageState = "error"
)

// Valid reports whether s is a known state.
func (s StageState) Valid() bool {
	switch s {
	case StateNotStarted, StateInProgress, StateDone, StateError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected.
func (s StageState) Terminal() bool {
	return s == StateDone || s == StateError
}

// UnmarshalJSON accepts the lower-case wire form as well as the upper-case
// enum names some pipeline versions send.
func (s *StageState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	state := StageState(strings.ToLower(raw))
	if !state.Valid() {
		return fmt.Errorf("unknown stage state %q", raw)
	}
	*s = state
	return nil
}

// Stage is a named, weighted phase of pipeline execution.
type Stage struct {
	Name    string     `json:"name"`
	Weight  int        `json:"weight"`
	State   StageState `json:"state"`
	Message string     `json:"message,omitempty"`
}

// NewStage creates a stage in the not-started state.
func NewStage(name string, weight int) Stage {
	return Stage{Name: name, Weight: weight, State: StateNotStarted}
}

// With returns a copy of the stage in the given state.
func (s Stage) With(state StageState) Stage {
	s.State = state
	s.Message = ""
	return s
}

// WithError returns a copy of the stage in the error state.
func (s Stage) WithError(message string) Stage {
	s.State = StateError
	s.Message = message
	return s
}

// StatusUpdate is the body of a pipeline status callback.
type StatusUpdate struct {
	Stages []Stage         `json:"stages"`
	Result json.RawMessage `json:"result,omitempty"`
	Tokens []TokenUsage    `json:"tokens,omitempty"`
}

// TokenUsage reports LLM usage for one call made by the pipeline.
type TokenUsage struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"numInputTokens"`
	OutputTokens int    `json:"numOutputTokens"`
	Pipeline     string `json:"pipeline,omitempty"`
}

// Terminated reports whether every stage in the update is terminal.
// An update without stages carries no completion signal and is not terminal.
func (u StatusUpdate) Terminated() bool {
	if len(u.Stages) == 0 {
		return false
	}
	for _, s := range u.Stages {
		if !s.State.Terminal() {
			return false
		}
	}
	return true
}

// Failed reports whether any stage ended in error.
func (u StatusUpdate) Failed() bool {
	for _, s := range u.Stages {
		if s.State == StateError {
			return true
		}
	}
	return false
}

// Progress returns the weighted share of finished stages in [0, 100].
func Progress(stages []Stage) int {
	var total, done int
	for _, s := range stages {
		total += s.Weight
		if s.State.Terminal() {
			done += s.Weight
		}
	}
	if total == 0 {
		return 0
	}
	return done * 100 / total
}

// ExecutionContext is what the executor knows about a run while it is
// being dispatched. It is never persisted.
type ExecutionContext struct {
	JobToken        string
	InitialStages   []Stage
	CallbackBaseURL string
	Variant         string
}

// Settings returns the wire form sent to the pipeline service.
func (c ExecutionContext) Settings() ExecutionSettings {
	return ExecutionSettings{
		JobToken:        c.JobToken,
		CompletedStages: c.InitialStages,
		CallbackBaseURL: c.CallbackBaseURL,
	}
}

// ExecutionSettings is the executionSettings object of a run request.
type ExecutionSettings struct {
	JobToken        string  `json:"jobToken"`
	CompletedStages []Stage `json:"completedStages"`
	CallbackBaseURL string  `json:"callbackBaseUrl"`
}
