package engine

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmulatorOutput(t *testing.T) {
	lines := []string{
		"1000;13;00000001;aabbccdd",
		"1004;33;0000000200ff;eeff0011",
		"Halt(200000, 2)",
	}

	result, err := parseEmulatorOutput(lines)
	require.NoError(t, err)

	require.Len(t, result.Trace, 2)
	assert.Equal(t, uint64(2), result.StepCount)

	step := result.Trace[0]
	assert.Equal(t, uint64(0), step.Index)
	assert.Equal(t, uint64(0x1000), step.PC)
	assert.Equal(t, uint32(0x13), step.Opcode)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01}, step.Delta)

	payout := binary.LittleEndian.Uint32(result.Output[0:4])
	itm := binary.LittleEndian.Uint32(result.Output[4:8])
	assert.Equal(t, uint32(200000), payout)
	assert.Equal(t, uint32(1), itm)
}

func TestParseEmulatorOutputZeroPayout(t *testing.T) {
	result, err := parseEmulatorOutput([]string{
		"1000;13;00;aa",
		"Halt(0, 1)",
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(result.Output[4:8]))
}

func TestParseEmulatorOutputMissingHalt(t *testing.T) {
	_, err := parseEmulatorOutput([]string{"1000;13;00;aa"})
	require.Error(t, err)
}

func TestParseEmulatorOutputMalformedHalt(t *testing.T) {
	_, err := parseEmulatorOutput([]string{"Halt(1)"})
	require.Error(t, err)
}

func TestParseTraceLineMalformed(t *testing.T) {
	_, err := parseTraceLine(0, "not-a-trace-line;")
	require.Error(t, err)
}

func TestCheckStepBudget(t *testing.T) {
	// Exactly at budget means the run halted within it.
	require.NoError(t, checkStepBudget(1000, 1000))
	require.NoError(t, checkStepBudget(999, 1000))
	require.NoError(t, checkStepBudget(1000, 0)) // unlimited

	err := checkStepBudget(1001, 1000)
	require.ErrorIs(t, err, ErrExceededLimits)
}

func TestEmulatorRequiresConfiguration(t *testing.T) {
	e := NewEmulator(EmulatorOptions{}, zerolog.Nop())
	_, err := e.Execute(context.Background(), Request{ProgramID: "p"})
	require.ErrorIs(t, err, ErrUnavailable)

	e = NewEmulator(EmulatorOptions{BinaryPath: "/usr/bin/true"}, zerolog.Nop())
	_, err = e.Execute(context.Background(), Request{ProgramID: "unknown"})
	require.ErrorIs(t, err, ErrUnavailable)
}
