package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EmulatorOptions parameterise the external emulator client.
type EmulatorOptions struct {
	BinaryPath string
	// Programs maps program identifiers to ELF image paths.
	Programs map[string]string
	Timeout  time.Duration
}

// Emulator shells out to the RISC-V emulator binary and parses its trace
// output. The emulator appends its own running hash to every trace line; the
// client discards it and lets the commitment builder fold the chain itself.
type Emulator struct {
	opts   EmulatorOptions
	logger zerolog.Logger
}

// NewEmulator constructs an emulator client.
func NewEmulator(opts EmulatorOptions, logger zerolog.Logger) *Emulator {
	return &Emulator{opts: opts, logger: logger.With().Str("component", "emulator").Logger()}
}

// Execute runs the program and returns its output and full step trace.
func (e *Emulator) Execute(ctx context.Context, req Request) (Result, error) {
	if e.opts.BinaryPath == "" {
		return Result{}, fmt.Errorf("%w: emulator binary not configured", ErrUnavailable)
	}
	elf, ok := e.opts.Programs[req.ProgramID]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown program %q", ErrUnavailable, req.ProgramID)
	}

	timeout := e.opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"execute",
		"--elf", elf,
		"--input", hex.EncodeToString(req.Input),
		"--trace",
		"--checkpoints",
		"--stdout",
	}
	if req.MaxSteps > 0 {
		args = append(args, "--max-steps", strconv.FormatUint(req.MaxSteps, 10))
	}

	cmd := exec.CommandContext(ctx, e.opts.BinaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
		return Result{}, fmt.Errorf("%w: %v: %s", ErrUnavailable, err, strings.TrimSpace(stderr.String()))
	}

	// Trace lines may arrive on either stream.
	lines := append(splitLines(stdout.String()), splitLines(stderr.String())...)

	result, err := parseEmulatorOutput(lines)
	if err != nil {
		return Result{}, err
	}

	if err := checkStepBudget(result.StepCount, req.MaxSteps); err != nil {
		return Result{}, err
	}

	e.logger.Debug().
		Str("program", req.ProgramID).
		Uint64("steps", result.StepCount).
		Dur("elapsed", time.Since(started)).
		Msg("emulator run complete")

	return result, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSpace(s), "\n")
}

// parseEmulatorOutput consumes trace lines of the form
// "pc;opcode;delta...;hash" plus a "Halt(value, steps)" terminator.
func parseEmulatorOutput(lines []string) (Result, error) {
	var (
		trace    []Step
		output   []byte
		halted   bool
		haltVal  uint64
		haltStep uint64
	)

	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Halt(") && strings.HasSuffix(line, ")"):
			inner := line[len("Halt(") : len(line)-1]
			parts := strings.Split(inner, ",")
			if len(parts) != 2 {
				return Result{}, fmt.Errorf("malformed halt line %q", line)
			}
			v, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
			if err != nil {
				return Result{}, fmt.Errorf("parse halt value: %w", err)
			}
			n, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
			if err != nil {
				return Result{}, fmt.Errorf("parse halt steps: %w", err)
			}
			haltVal, haltStep, halted = v, n, true
		case strings.Contains(line, ";"):
			step, err := parseTraceLine(uint64(len(trace)), line)
			if err != nil {
				return Result{}, err
			}
			trace = append(trace, step)
		}
	}

	if !halted {
		return Result{}, errors.New("emulator output missing halt line")
	}
	if haltStep == 0 {
		haltStep = uint64(len(trace))
	}

	payout := uint32(haltVal)
	itm := uint32(0)
	if payout > 0 {
		itm = 1
	}
	output = make([]byte, 8)
	binary.LittleEndian.PutUint32(output[0:4], payout)
	binary.LittleEndian.PutUint32(output[4:8], itm)

	return Result{Output: output, StepCount: haltStep, Trace: trace}, nil
}

// checkStepBudget rejects runs that needed more steps than the budget. A run
// that halted at exactly the budget completed within it.
func checkStepBudget(stepCount, maxSteps uint64) error {
	if maxSteps > 0 && stepCount > maxSteps {
		return fmt.Errorf("%w: %d steps at budget %d", ErrExceededLimits, stepCount, maxSteps)
	}
	return nil
}

func parseTraceLine(index uint64, line string) (Step, error) {
	fields := strings.Split(line, ";")
	if len(fields) < 3 {
		return Step{}, fmt.Errorf("malformed trace line %q", line)
	}

	pc, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 16, 64)
	if err != nil {
		return Step{}, fmt.Errorf("parse trace pc: %w", err)
	}
	opcode, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 16, 32)
	if err != nil {
		return Step{}, fmt.Errorf("parse trace opcode: %w", err)
	}

	// Everything between the opcode and the trailing hash is the delta.
	delta, err := hex.DecodeString(strings.Join(fields[2:len(fields)-1], ""))
	if err != nil {
		return Step{}, fmt.Errorf("parse trace delta: %w", err)
	}

	return Step{Index: index, PC: pc, Opcode: uint32(opcode), Delta: delta}, nil
}

var _ Engine = (*Emulator)(nil)
