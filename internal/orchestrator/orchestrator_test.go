package orchestrator

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"option-settlement-pipeline/internal/consensus"
	"option-settlement-pipeline/internal/contract"
	"option-settlement-pipeline/internal/engine"
)

func testContract(typ contract.Type) *contract.Contract {
	return &contract.Contract{
		ID:        "c-1",
		Type:      typ,
		Strike:    decimal.NewFromInt(500),
		Expiry:    time.Now().UTC(),
		Quantity:  decimal.NewFromInt(2),
		ProgramID: "option-settlement",
		Status:    contract.StatusActive,
	}
}

func TestEncodeInputLayout(t *testing.T) {
	c := testContract(contract.Put)
	input, err := EncodeInput(c, decimal.NewFromFloat(480.50))
	require.NoError(t, err)
	require.Len(t, input, 16)

	assert.Equal(t, uint32(engine.InputTypePut), binary.LittleEndian.Uint32(input[0:4]))
	assert.Equal(t, uint32(50000), binary.LittleEndian.Uint32(input[4:8]))
	assert.Equal(t, uint32(48050), binary.LittleEndian.Uint32(input[8:12]))
	assert.Equal(t, uint32(200), binary.LittleEndian.Uint32(input[12:16]))
}

func TestEncodeInputRejectsNegativeSpot(t *testing.T) {
	c := testContract(contract.Call)
	_, err := EncodeInput(c, decimal.NewFromInt(-1))
	require.Error(t, err)
}

func TestDecodeOutput(t *testing.T) {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], 200000)
	binary.LittleEndian.PutUint32(out[4:8], 1)

	payout, itm, err := DecodeOutput(out)
	require.NoError(t, err)
	assert.Equal(t, uint32(200000), payout)
	assert.True(t, itm)

	_, _, err = DecodeOutput(out[:4])
	require.Error(t, err)
}

// limitedEngine fails with ErrExceededLimits until the budget reaches need.
type limitedEngine struct {
	need  uint64
	calls []uint64
}

func (e *limitedEngine) Execute(ctx context.Context, req engine.Request) (engine.Result, error) {
	e.calls = append(e.calls, req.MaxSteps)
	if req.MaxSteps < e.need {
		return engine.Result{}, engine.ErrExceededLimits
	}
	ref := &engine.Reference{TraceSteps: 16}
	return ref.Execute(ctx, engine.Request{ProgramID: req.ProgramID, Input: req.Input, MaxSteps: req.MaxSteps})
}

func TestSettleDoublesBudgetUntilSuccess(t *testing.T) {
	eng := &limitedEngine{need: 4000}
	orch := New(Options{StepBudget: 1000, StepBudgetCap: 8000, CheckpointInterval: 4}, eng, zerolog.Nop())

	price := consensus.Price{Price: decimal.NewFromInt(520)}
	result, chain, err := orch.Settle(context.Background(), testContract(contract.Call), price)
	require.NoError(t, err)

	assert.Equal(t, []uint64{1000, 2000, 4000}, eng.calls)
	assert.Equal(t, uint64(16), result.StepCount)
	assert.Equal(t, uint64(16), chain.StepCount())
}

func TestSettleStopsAtBudgetCap(t *testing.T) {
	eng := &limitedEngine{need: 1 << 40}
	orch := New(Options{StepBudget: 1000, StepBudgetCap: 4000, CheckpointInterval: 4}, eng, zerolog.Nop())

	price := consensus.Price{Price: decimal.NewFromInt(520)}
	_, _, err := orch.Settle(context.Background(), testContract(contract.Call), price)
	require.ErrorIs(t, err, ErrBudgetCapExceeded)
	assert.Equal(t, []uint64{1000, 2000, 4000}, eng.calls)
}

func TestSettleCommitmentMatchesIndependentRun(t *testing.T) {
	orch := New(Options{StepBudget: 1000, StepBudgetCap: 1000, CheckpointInterval: 4}, &engine.Reference{}, zerolog.Nop())

	c := testContract(contract.Call)
	price := consensus.Price{Price: decimal.NewFromInt(520)}

	_, chain1, err := orch.Settle(context.Background(), c, price)
	require.NoError(t, err)
	_, chain2, err := orch.Settle(context.Background(), c, price)
	require.NoError(t, err)

	assert.True(t, chain1.Commitment().Equal(chain2.Commitment()))
}

func TestPriceCents(t *testing.T) {
	cents, err := PriceCents(decimal.NewFromFloat(500.004))
	require.NoError(t, err)
	assert.Equal(t, uint32(50000), cents)

	_, err = PriceCents(decimal.NewFromInt(-5))
	require.Error(t, err)
}
