// Package trace folds execution traces into hash-chain commitments.
//
// The chain is strictly linear: digest i covers the full history 0..i, so a
// step is checkable only against its immediate predecessor and the all-zero
// genesis digest. Checkpoints cache intermediate digests at a fixed interval
// purely to keep dispute bandwidth logarithmic; they carry no other meaning.
package trace

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"option-settlement-pipeline/internal/engine"
)

// DigestSize is the width of every chain digest in bytes.
const DigestSize = sha256.Size

// Digest is one hash-chain value.
type Digest [DigestSize]byte

// Genesis is the fixed all-zero starting digest.
var Genesis Digest

// Hex returns the lowercase hex encoding of the digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// DigestFromHex parses a 32-byte hex digest.
func DigestFromHex(s string) (Digest, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, err
	}
	if len(raw) != DigestSize {
		return Digest{}, errors.New("trace: digest must be 32 bytes")
	}
	var d Digest
	copy(d[:], raw)
	return d, nil
}

// Commitment binds a program execution to its final chain digest.
type Commitment struct {
	FinalDigest Digest
	StepCount   uint64
	ProgramID   string
}

// Equal reports whether two independently computed commitments agree. This
// comparison alone decides cooperative versus contested settlement.
func (c Commitment) Equal(other Commitment) bool {
	return c.FinalDigest == other.FinalDigest &&
		c.StepCount == other.StepCount &&
		c.ProgramID == other.ProgramID
}

// Checkpoint caches the chain digest after folding the step at Index.
type Checkpoint struct {
	Index  uint64
	Digest Digest
}

// Chain is the append-only digest sequence for one trace, slice-backed so
// any intermediate digest is an O(1) index lookup.
type Chain struct {
	programID string
	interval  uint64
	digests   []Digest // digests[i] covers steps 0..i-1; digests[0] == Genesis
}

// Build folds the full trace into a chain.
func Build(programID string, steps []engine.Step, checkpointInterval uint64) *Chain {
	digests := make([]Digest, len(steps)+1)
	digests[0] = Genesis
	for i, step := range steps {
		digests[i+1] = Next(digests[i], step)
	}
	return &Chain{programID: programID, interval: checkpointInterval, digests: digests}
}

// Commitment returns the final-state commitment of the chain.
func (c *Chain) Commitment() Commitment {
	return Commitment{
		FinalDigest: c.digests[len(c.digests)-1],
		StepCount:   uint64(len(c.digests) - 1),
		ProgramID:   c.programID,
	}
}

// StepCount reports the number of folded steps.
func (c *Chain) StepCount() uint64 {
	return uint64(len(c.digests) - 1)
}

// DigestAt returns the digest covering steps 0..index inclusive.
func (c *Chain) DigestAt(index uint64) (Digest, bool) {
	if index >= uint64(len(c.digests)-1) {
		return Digest{}, false
	}
	return c.digests[index+1], true
}

// PreStateAt returns the digest immediately before the step at index.
func (c *Chain) PreStateAt(index uint64) (Digest, bool) {
	if index >= uint64(len(c.digests)-1) {
		return Digest{}, false
	}
	return c.digests[index], true
}

// Checkpoints returns the cached digests at the configured interval, always
// including the final step.
func (c *Chain) Checkpoints() []Checkpoint {
	n := c.StepCount()
	if n == 0 {
		return nil
	}
	interval := c.interval
	if interval == 0 {
		interval = n
	}

	var cps []Checkpoint
	for i := uint64(0); i < n; i += interval {
		cps = append(cps, Checkpoint{Index: i, Digest: c.digests[i+1]})
	}
	if last := n - 1; cps[len(cps)-1].Index != last {
		cps = append(cps, Checkpoint{Index: last, Digest: c.digests[n]})
	}
	return cps
}

// Next folds one step onto a digest.
func Next(prev Digest, step engine.Step) Digest {
	h := sha256.New()
	h.Write(prev[:])
	h.Write(serializeStep(step))
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// VerifyStep checks that folding step onto prev yields claimed.
func VerifyStep(prev Digest, step engine.Step, claimed Digest) bool {
	actual := Next(prev, step)
	return bytes.Equal(actual[:], claimed[:])
}

// serializeStep is the canonical wire form of a step: fixed field order and
// width so two engines hashing identical execution states produce identical
// bytes.
func serializeStep(step engine.Step) []byte {
	buf := make([]byte, 24+len(step.Delta))
	binary.LittleEndian.PutUint64(buf[0:8], step.Index)
	binary.LittleEndian.PutUint64(buf[8:16], step.PC)
	binary.LittleEndian.PutUint32(buf[16:20], step.Opcode)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(step.Delta)))
	copy(buf[24:], step.Delta)
	return buf
}
