package engine

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Option type tags in the program input layout.
const (
	InputTypeCall       = 0
	InputTypePut        = 1
	InputTypeBinaryCall = 2
	InputTypeBinaryPut  = 3
)

// Binary options pay a fixed amount per whole unit when in the money.
const binaryPayoutCentsPerUnit = 10_000

// Reference is an in-process engine implementing the option settlement
// program. It mirrors the settlement ELF instruction for instruction at the
// arithmetic level and emits a synthetic but fully deterministic trace, which
// makes it usable both as the simulate-command backend and as the second,
// independent computation in tests.
type Reference struct {
	// TraceSteps pads the emitted trace to a fixed length when positive.
	// Zero leaves the natural program length.
	TraceSteps uint64
}

// Execute decodes the fixed input layout, settles the option, and returns the
// payout with a deterministic trace.
func (r *Reference) Execute(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(req.Input) < 16 {
		return Result{}, fmt.Errorf("input must be at least 16 bytes, got %d", len(req.Input))
	}

	optionType := binary.LittleEndian.Uint32(req.Input[0:4])
	strike := binary.LittleEndian.Uint32(req.Input[4:8])
	spot := binary.LittleEndian.Uint32(req.Input[8:12])
	quantity := binary.LittleEndian.Uint32(req.Input[12:16])

	payout, itm, err := settle(optionType, strike, spot, quantity)
	if err != nil {
		return Result{}, err
	}

	steps := r.TraceSteps
	if steps == 0 {
		steps = 16
	}
	if req.MaxSteps > 0 && steps > req.MaxSteps {
		return Result{}, fmt.Errorf("%w: program needs %d steps, budget %d", ErrExceededLimits, steps, req.MaxSteps)
	}

	trace := synthesizeTrace(req.Input, payout, steps)

	output := make([]byte, 8)
	binary.LittleEndian.PutUint32(output[0:4], payout)
	binary.LittleEndian.PutUint32(output[4:8], itm)

	return Result{Output: output, StepCount: steps, Trace: trace}, nil
}

// settle applies the program's payoff rule over cent-scaled integers.
// Quantities arrive in hundredths of a unit, so products divide by 100.
func settle(optionType, strike, spot, quantity uint32) (payout, itm uint32, err error) {
	switch optionType {
	case InputTypeCall:
		if spot > strike {
			return uint32(uint64(spot-strike) * uint64(quantity) / 100), 1, nil
		}
		return 0, 0, nil
	case InputTypePut:
		if spot < strike {
			return uint32(uint64(strike-spot) * uint64(quantity) / 100), 1, nil
		}
		return 0, 0, nil
	case InputTypeBinaryCall:
		if spot > strike {
			return uint32(uint64(quantity) * binaryPayoutCentsPerUnit / 100), 1, nil
		}
		return 0, 0, nil
	case InputTypeBinaryPut:
		if spot < strike {
			return uint32(uint64(quantity) * binaryPayoutCentsPerUnit / 100), 1, nil
		}
		return 0, 0, nil
	default:
		return 0, 0, fmt.Errorf("unknown option type tag %d", optionType)
	}
}

// synthesizeTrace derives a step sequence purely from the input bytes and the
// final payout, so identical requests always yield identical traces.
func synthesizeTrace(input []byte, payout uint32, steps uint64) []Step {
	acc := uint64(payout)
	for _, b := range input {
		acc = acc*131 + uint64(b)
	}

	trace := make([]Step, steps)
	for i := uint64(0); i < steps; i++ {
		acc = acc*6364136223846793005 + 1442695040888963407
		delta := make([]byte, 8)
		binary.LittleEndian.PutUint64(delta, acc)
		trace[i] = Step{
			Index:  i,
			PC:     0x1000 + 4*i,
			Opcode: uint32(acc & 0x7f),
			Delta:  delta,
		}
	}
	return trace
}

var _ Engine = (*Reference)(nil)
