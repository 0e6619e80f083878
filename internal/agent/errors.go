package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProvider indicates no LLM provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrMaxToolRounds indicates the run hit its tool round bound
	// without the model producing a final answer.
	ErrMaxToolRounds = errors.New("max tool rounds exceeded")
)

// RunStage identifies where in the run lifecycle a failure occurred.
type RunStage string

const (
	StageInit    RunStage = "init"
	StagePrompt  RunStage = "prompt"
	StageStream  RunStage = "stream"
	StageTool    RunStage = "tool"
	StagePersist RunStage = "persist"
)

// RunError wraps a failure with the stage and round it occurred in, so
// the run.failed event can answer "why" without reproduction.
type RunError struct {
	Stage RunStage
	Round int
	Cause error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run failed at %s (round %d): %v", e.Stage, e.Round, e.Cause)
}

func (e *RunError) Unwrap() error {
	return e.Cause
}
