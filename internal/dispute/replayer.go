package dispute

import (
	"context"
	"fmt"

	"option-settlement-pipeline/internal/engine"
	"option-settlement-pipeline/internal/trace"
)

// EngineReplayer resolves single-step verification by re-deriving the true
// step from a deterministic engine run and folding it onto the agreed
// pre-state. It is the off-chain stand-in for the constrained on-chain
// verifier, which replays the same single instruction in script.
type EngineReplayer struct {
	Engine  engine.Engine
	Request engine.Request
}

// ReplayStep ignores the revealed step's claimed delta and recomputes the
// digest from the authoritative execution.
func (r *EngineReplayer) ReplayStep(ctx context.Context, prev trace.Digest, step engine.Step) (trace.Digest, error) {
	result, err := r.Engine.Execute(ctx, r.Request)
	if err != nil {
		return trace.Digest{}, err
	}
	if step.Index >= uint64(len(result.Trace)) {
		return trace.Digest{}, fmt.Errorf("step %d beyond trace length %d", step.Index, len(result.Trace))
	}
	return trace.Next(prev, result.Trace[step.Index]), nil
}

var _ Replayer = (*EngineReplayer)(nil)
