package engine

import (
	"context"
	"errors"
)

var (
	// ErrExceededLimits indicates the execution hit its step or memory budget.
	ErrExceededLimits = errors.New("engine: execution exceeded limits")
	// ErrUnavailable indicates the engine collaborator could not be reached.
	ErrUnavailable = errors.New("engine: unavailable")
)

// Request identifies one deterministic execution of a registered program.
type Request struct {
	ProgramID string
	Input     []byte
	MaxSteps  uint64
	MaxMemory uint64
}

// Step is a single executed instruction together with its state delta. The
// delta bytes are the canonical register/memory writes of the instruction,
// exactly as the engine reports them.
type Step struct {
	Index  uint64
	PC     uint64
	Opcode uint32
	Delta  []byte
}

// Result is produced exactly once per request. Same request, byte-identical
// result; the entire dispute protocol rests on this.
type Result struct {
	Output    []byte
	StepCount uint64
	Trace     []Step
}

// Engine is the deterministic execution collaborator. Its instruction set is
// opaque to the pipeline; only the trace and output formats are contractual.
type Engine interface {
	Execute(ctx context.Context, req Request) (Result, error)
}
