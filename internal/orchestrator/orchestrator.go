package orchestrator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"option-settlement-pipeline/internal/consensus"
	"option-settlement-pipeline/internal/contract"
	"option-settlement-pipeline/internal/engine"
	"option-settlement-pipeline/internal/trace"
)

// ErrBudgetCapExceeded indicates retries exhausted the configured step cap.
var ErrBudgetCapExceeded = errors.New("orchestrator: step budget cap exceeded")

// Options tune one orchestrator instance.
type Options struct {
	StepBudget         uint64 // initial per-run step budget
	StepBudgetCap      uint64 // retries double the budget up to this cap
	MemoryBudget       uint64
	CheckpointInterval uint64
}

// Orchestrator turns a contract plus a finalized consensus price into a
// deterministic execution and its trace commitment. It never trusts a single
// run: agreement only exists once a counterparty's independently computed
// commitment matches.
type Orchestrator struct {
	opts   Options
	engine engine.Engine
	logger zerolog.Logger
}

// New constructs an Orchestrator around an engine collaborator.
func New(opts Options, eng engine.Engine, logger zerolog.Logger) *Orchestrator {
	if opts.StepBudget == 0 {
		opts.StepBudget = 1 << 20
	}
	if opts.StepBudgetCap < opts.StepBudget {
		opts.StepBudgetCap = opts.StepBudget
	}
	return &Orchestrator{opts: opts, engine: eng, logger: logger.With().Str("component", "orchestrator").Logger()}
}

// Settle executes the settlement program for the contract at the consensus
// price and returns the engine result together with the folded trace chain.
func (o *Orchestrator) Settle(ctx context.Context, c *contract.Contract, price consensus.Price) (engine.Result, *trace.Chain, error) {
	input, err := EncodeInput(c, price.Price)
	if err != nil {
		return engine.Result{}, nil, fmt.Errorf("encode input: %w", err)
	}

	budget := o.opts.StepBudget
	for {
		req := engine.Request{
			ProgramID: c.ProgramID,
			Input:     input,
			MaxSteps:  budget,
			MaxMemory: o.opts.MemoryBudget,
		}

		result, err := o.engine.Execute(ctx, req)
		if err == nil {
			chain := trace.Build(c.ProgramID, result.Trace, o.opts.CheckpointInterval)
			o.logger.Info().
				Str("contract", c.ID).
				Uint64("steps", result.StepCount).
				Str("commitment", chain.Commitment().FinalDigest.Hex()).
				Msg("settlement executed")
			return result, chain, nil
		}

		if !errors.Is(err, engine.ErrExceededLimits) {
			return engine.Result{}, nil, err
		}
		if budget >= o.opts.StepBudgetCap {
			return engine.Result{}, nil, fmt.Errorf("%w: last budget %d", ErrBudgetCapExceeded, budget)
		}

		budget *= 2
		if budget > o.opts.StepBudgetCap {
			budget = o.opts.StepBudgetCap
		}
		o.logger.Warn().Str("contract", c.ID).Uint64("budget", budget).Msg("retrying with larger step budget")
	}
}

// EncodeInput packs the program's fixed little-endian input layout:
// option_type, strike (cents), spot (cents), quantity (hundredths), each a
// u32. Extended contract types append further u32 fields in the same style.
func EncodeInput(c *contract.Contract, spot decimal.Decimal) ([]byte, error) {
	strikeCents, err := c.StrikeCents()
	if err != nil {
		return nil, err
	}
	quantity, err := c.QuantityHundredths()
	if err != nil {
		return nil, err
	}
	spotCents, err := PriceCents(spot)
	if err != nil {
		return nil, err
	}

	var tag uint32
	switch c.Type {
	case contract.Call:
		tag = engine.InputTypeCall
	case contract.Put:
		tag = engine.InputTypePut
	case contract.BinaryCall:
		tag = engine.InputTypeBinaryCall
	case contract.BinaryPut:
		tag = engine.InputTypeBinaryPut
	default:
		return nil, fmt.Errorf("unsupported option type %s", c.Type)
	}

	input := make([]byte, 16)
	binary.LittleEndian.PutUint32(input[0:4], tag)
	binary.LittleEndian.PutUint32(input[4:8], strikeCents)
	binary.LittleEndian.PutUint32(input[8:12], spotCents)
	binary.LittleEndian.PutUint32(input[12:16], quantity)
	return input, nil
}

// DecodeOutput splits the engine's 8-byte output into payout cents and the
// in-the-money flag.
func DecodeOutput(output []byte) (payoutCents uint32, itm bool, err error) {
	if len(output) != 8 {
		return 0, false, fmt.Errorf("output must be 8 bytes, got %d", len(output))
	}
	payoutCents = binary.LittleEndian.Uint32(output[0:4])
	itm = binary.LittleEndian.Uint32(output[4:8]) == 1
	return payoutCents, itm, nil
}

// PriceCents scales a decimal price to the program's u32 cent scale.
func PriceCents(price decimal.Decimal) (uint32, error) {
	scaled := price.Mul(decimal.NewFromInt(100)).Round(0)
	if scaled.Sign() < 0 {
		return 0, errors.New("price must not be negative")
	}
	n := scaled.IntPart()
	if n > int64(^uint32(0)) {
		return 0, errors.New("price does not fit the u32 cent scale")
	}
	return uint32(n), nil
}
