// Package dispute implements the interactive narrowing protocol that resolves
// a commitment disagreement down to a single verifiable instruction.
//
// Two parties take part: the defender, whose commitment is being challenged
// and who must reveal checkpoints, and the challenger, who selects the
// sub-segment that still disagrees with its own independently computed chain.
// Every state carries a deadline; the party owing the pending message forfeits
// when it lapses. There is no voluntary exit that avoids forfeiture.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"option-settlement-pipeline/internal/engine"
	"option-settlement-pipeline/internal/trace"
)

// Party identifies a protocol participant.
type Party int

const (
	PartyNone Party = iota
	PartyDefender
	PartyChallenger
)

// String returns the party name.
func (p Party) String() string {
	switch p {
	case PartyDefender:
		return "defender"
	case PartyChallenger:
		return "challenger"
	default:
		return "none"
	}
}

// Opponent returns the other participant.
func (p Party) Opponent() Party {
	switch p {
	case PartyDefender:
		return PartyChallenger
	case PartyChallenger:
		return PartyDefender
	default:
		return PartyNone
	}
}

// Phase is the coordinator's current protocol stage.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingReveal
	PhaseNarrowing
	PhaseSingleStep
	PhaseResolved
)

// String returns the persisted phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingReveal:
		return "awaiting_reveal"
	case PhaseNarrowing:
		return "narrowing"
	case PhaseSingleStep:
		return "single_step"
	case PhaseResolved:
		return "resolved"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

var (
	// ErrCommitmentsMatch indicates there is nothing to dispute.
	ErrCommitmentsMatch = errors.New("dispute: commitments agree")
	// ErrWrongPhase indicates a message arriving outside its valid phase.
	ErrWrongPhase = errors.New("dispute: message not valid in current phase")
	// ErrInvalidRoundProposal indicates a malformed or non-shrinking round
	// proposal. The proposal is rejected without any state change.
	ErrInvalidRoundProposal = errors.New("dispute: invalid round proposal")
	// ErrStepVerificationMismatch indicates the revealed step contradicts the
	// defender's own claims.
	ErrStepVerificationMismatch = errors.New("dispute: step verification mismatch")
)

// Config tunes the narrowing protocol. Both knobs are deliberately
// configuration, not constants: the source protocol family runs anywhere from
// binary to 16-ary search depending on on-chain footprint tradeoffs.
type Config struct {
	BranchingFactor  int
	ResponseDeadline time.Duration
}

// Round is the mutable per-round record: the disputed interval and the
// checkpoints the defender revealed for it.
type Round struct {
	Number     int
	Lo, Hi     uint64 // disputed step interval, inclusive
	Boundaries []trace.Checkpoint
}

// State is the coordinator's full persistable state: a tagged current-phase
// value plus the claims accumulated so far.
type State struct {
	Phase    Phase
	Round    Round
	Awaiting Party // the party owing the next message
	Deadline time.Time
	Winner   Party

	// AgreedPre is the last chain digest both parties agree on, i.e. the
	// digest immediately before Round.Lo.
	AgreedPre trace.Digest
	// DefenderClaim and ChallengerClaim are the parties' digests at Round.Hi.
	DefenderClaim   trace.Digest
	ChallengerClaim trace.Digest
}

// Replayer re-executes exactly one step against the engine's documented
// instruction semantics and returns the chain digest after that step.
type Replayer interface {
	ReplayStep(ctx context.Context, prev trace.Digest, step engine.Step) (trace.Digest, error)
}

// Coordinator drives one dispute from commitment disagreement to resolution.
// Not safe for concurrent use; callers serialize per contract.
type Coordinator struct {
	cfg       Config
	replayer  Replayer
	logger    zerolog.Logger
	defender  trace.Commitment
	challenge trace.Commitment
	state     State
}

// NewCoordinator constructs an idle coordinator for one contract.
func NewCoordinator(contractID string, cfg Config, replayer Replayer, logger zerolog.Logger) *Coordinator {
	if cfg.BranchingFactor < 2 {
		cfg.BranchingFactor = 2
	}
	if cfg.ResponseDeadline <= 0 {
		cfg.ResponseDeadline = time.Hour
	}
	return &Coordinator{
		cfg:      cfg,
		replayer: replayer,
		logger:   logger.With().Str("component", "dispute").Str("contract", contractID).Logger(),
	}
}

// State returns a copy of the coordinator state for persistence.
func (c *Coordinator) State() State {
	return c.state
}

// Restore resumes a persisted dispute.
func (c *Coordinator) Restore(defender, challenger trace.Commitment, state State) {
	c.defender = defender
	c.challenge = challenger
	c.state = state
}

// Open starts a dispute over two disagreeing commitments for the same
// settlement. Idle -> AwaitingReveal.
func (c *Coordinator) Open(defender, challenger trace.Commitment, now time.Time) error {
	if c.state.Phase != PhaseIdle {
		return fmt.Errorf("%w: %s", ErrWrongPhase, c.state.Phase)
	}
	if defender.Equal(challenger) {
		return ErrCommitmentsMatch
	}
	if defender.StepCount == 0 {
		return fmt.Errorf("%w: empty trace", ErrInvalidRoundProposal)
	}

	c.defender = defender
	c.challenge = challenger
	c.state = State{
		Phase:    PhaseAwaitingReveal,
		Awaiting: PartyDefender,
		Deadline: now.Add(c.cfg.ResponseDeadline),
	}

	c.logger.Info().
		Str("defender", defender.FinalDigest.Hex()).
		Str("challenger", challenger.FinalDigest.Hex()).
		Msg("dispute opened")
	return nil
}

// Reveal is the defender's ordered checkpoint list for the whole trace.
// AwaitingReveal -> Narrowing(0).
func (c *Coordinator) Reveal(checkpoints []trace.Checkpoint, now time.Time) error {
	if c.state.Phase != PhaseAwaitingReveal {
		return fmt.Errorf("%w: %s", ErrWrongPhase, c.state.Phase)
	}

	last := c.defender.StepCount - 1
	if err := validateBoundaries(checkpoints, 0, last, 0); err != nil {
		return err
	}
	if checkpoints[len(checkpoints)-1].Digest != c.defender.FinalDigest {
		return fmt.Errorf("%w: final checkpoint contradicts commitment", ErrInvalidRoundProposal)
	}

	c.state.Phase = PhaseNarrowing
	c.state.Round = Round{Number: 0, Lo: 0, Hi: last, Boundaries: checkpoints}
	c.state.AgreedPre = trace.Genesis
	c.state.DefenderClaim = c.defender.FinalDigest
	c.state.ChallengerClaim = c.challenge.FinalDigest
	c.state.Awaiting = PartyChallenger
	c.state.Deadline = now.Add(c.cfg.ResponseDeadline)

	c.logger.Info().Int("checkpoints", len(checkpoints)).Msg("defender revealed checkpoints")
	return nil
}

// SelectSegment is the challenger naming the one candidate sub-segment that
// still disagrees with its own chain, along with its digest at hi.
// Narrowing(r) -> Narrowing(r+1), or -> SingleStepVerification at width 1.
func (c *Coordinator) SelectSegment(lo, hi uint64, challengerDigest trace.Digest, now time.Time) error {
	if c.state.Phase != PhaseNarrowing || c.state.Awaiting != PartyChallenger {
		return fmt.Errorf("%w: %s awaiting %s", ErrWrongPhase, c.state.Phase, c.state.Awaiting)
	}

	round := c.state.Round
	agreedPre, defenderClaim, err := locateSegment(round, c.state.AgreedPre, lo, hi)
	if err != nil {
		return err
	}

	// Defensive monotonicity: every round must strictly shrink the interval.
	// The one legal non-shrinking move is a trace that is already a single
	// step at reveal time, where selecting the whole interval goes straight
	// to single-step verification.
	if hi-lo >= round.Hi-round.Lo && !(lo == hi && lo == round.Lo && hi == round.Hi) {
		return fmt.Errorf("%w: segment [%d,%d] does not shrink [%d,%d]", ErrInvalidRoundProposal, lo, hi, round.Lo, round.Hi)
	}
	if challengerDigest == defenderClaim {
		return fmt.Errorf("%w: selected segment is not in disagreement", ErrInvalidRoundProposal)
	}

	c.state.Round = Round{Number: round.Number + 1, Lo: lo, Hi: hi}
	c.state.AgreedPre = agreedPre
	c.state.DefenderClaim = defenderClaim
	c.state.ChallengerClaim = challengerDigest
	c.state.Awaiting = PartyDefender
	c.state.Deadline = now.Add(c.cfg.ResponseDeadline)

	if lo == hi {
		c.state.Phase = PhaseSingleStep
		c.logger.Info().Uint64("step", lo).Msg("narrowed to a single step")
	} else {
		c.logger.Info().Int("round", c.state.Round.Number).Uint64("lo", lo).Uint64("hi", hi).Msg("disputed interval narrowed")
	}
	return nil
}

// RevealSegment is the defender splitting the current interval into at most
// BranchingFactor sub-ranges by revealing the interior checkpoint digests.
func (c *Coordinator) RevealSegment(checkpoints []trace.Checkpoint, now time.Time) error {
	if c.state.Phase != PhaseNarrowing || c.state.Awaiting != PartyDefender {
		return fmt.Errorf("%w: %s awaiting %s", ErrWrongPhase, c.state.Phase, c.state.Awaiting)
	}

	round := c.state.Round
	if err := validateBoundaries(checkpoints, round.Lo, round.Hi, c.cfg.BranchingFactor); err != nil {
		return err
	}
	if checkpoints[len(checkpoints)-1].Digest != c.state.DefenderClaim {
		return fmt.Errorf("%w: last boundary contradicts earlier claim", ErrInvalidRoundProposal)
	}

	c.state.Round.Boundaries = checkpoints
	c.state.Awaiting = PartyChallenger
	c.state.Deadline = now.Add(c.cfg.ResponseDeadline)

	c.logger.Debug().Int("boundaries", len(checkpoints)).Uint64("lo", round.Lo).Uint64("hi", round.Hi).Msg("segment boundaries revealed")
	return nil
}

// VerifyStep is the terminal transition: the defender reveals the single
// disputed step, the coordinator replays it against the fixed instruction
// semantics, and whichever party's claimed post-state matches wins.
// SingleStepVerification -> Resolved.
func (c *Coordinator) VerifyStep(ctx context.Context, step engine.Step, now time.Time) (Party, error) {
	if c.state.Phase != PhaseSingleStep {
		return PartyNone, fmt.Errorf("%w: %s", ErrWrongPhase, c.state.Phase)
	}
	if step.Index != c.state.Round.Lo {
		c.resolve(PartyChallenger)
		return PartyChallenger, fmt.Errorf("%w: revealed step %d, disputed step %d", ErrStepVerificationMismatch, step.Index, c.state.Round.Lo)
	}

	replayed, err := c.replayer.ReplayStep(ctx, c.state.AgreedPre, step)
	if err != nil {
		return PartyNone, fmt.Errorf("replay step %d: %w", step.Index, err)
	}

	winner := PartyChallenger
	if replayed == c.state.DefenderClaim {
		winner = PartyDefender
	}
	c.resolve(winner)

	if winner == PartyChallenger && replayed != c.state.ChallengerClaim {
		// Neither claim matches the replay; the defender still loses since the
		// revealed step disproves its own chain.
		return winner, fmt.Errorf("%w: replayed digest matches neither claim", ErrStepVerificationMismatch)
	}
	return winner, nil
}

// Timeout forfeits the party owing the pending message once its deadline has
// lapsed. Reports the winner and whether a forfeit occurred.
func (c *Coordinator) Timeout(now time.Time) (Party, bool) {
	if c.state.Phase == PhaseIdle || c.state.Phase == PhaseResolved {
		return PartyNone, false
	}
	if !now.After(c.state.Deadline) {
		return PartyNone, false
	}

	winner := c.state.Awaiting.Opponent()
	c.logger.Warn().Str("forfeiting", c.state.Awaiting.String()).Str("phase", c.state.Phase.String()).Msg("deadline lapsed, party forfeits")
	c.resolve(winner)
	return winner, true
}

func (c *Coordinator) resolve(winner Party) {
	c.state.Phase = PhaseResolved
	c.state.Winner = winner
	c.state.Awaiting = PartyNone
	c.logger.Info().Str("winner", winner.String()).Int("rounds", c.state.Round.Number).Msg("dispute resolved")
}

// locateSegment checks that [lo,hi] is one of the candidate sub-segments
// induced by the current round's boundaries and returns the agreed pre-digest
// and the defender's claim at hi.
func locateSegment(round Round, agreedPre trace.Digest, lo, hi uint64) (trace.Digest, trace.Digest, error) {
	bs := round.Boundaries
	if len(bs) == 0 {
		return trace.Digest{}, trace.Digest{}, fmt.Errorf("%w: no boundaries revealed", ErrInvalidRoundProposal)
	}

	// First candidate runs from the interval start to the first boundary.
	if lo == round.Lo && hi == bs[0].Index {
		return agreedPre, bs[0].Digest, nil
	}
	for j := 0; j+1 < len(bs); j++ {
		if lo == bs[j].Index+1 && hi == bs[j+1].Index {
			return bs[j].Digest, bs[j+1].Digest, nil
		}
	}
	return trace.Digest{}, trace.Digest{}, fmt.Errorf("%w: [%d,%d] is not a candidate segment", ErrInvalidRoundProposal, lo, hi)
}

// validateBoundaries enforces ordering and range on revealed checkpoints.
// maxCount 0 disables the count limit (the top-level reveal is governed by
// the checkpoint interval instead of the branching factor).
func validateBoundaries(checkpoints []trace.Checkpoint, lo, hi uint64, maxCount int) error {
	if len(checkpoints) == 0 {
		return fmt.Errorf("%w: empty checkpoint list", ErrInvalidRoundProposal)
	}
	if maxCount > 0 && len(checkpoints) > maxCount {
		return fmt.Errorf("%w: %d boundaries exceeds branching factor %d", ErrInvalidRoundProposal, len(checkpoints), maxCount)
	}
	prev := int64(lo) - 1
	for _, cp := range checkpoints {
		if int64(cp.Index) <= prev || cp.Index > hi {
			return fmt.Errorf("%w: boundary %d out of order or range", ErrInvalidRoundProposal, cp.Index)
		}
		prev = int64(cp.Index)
	}
	if checkpoints[len(checkpoints)-1].Index != hi {
		return fmt.Errorf("%w: last boundary must sit at %d", ErrInvalidRoundProposal, hi)
	}
	return nil
}

// RoundBound is the maximum number of narrowing rounds for a trace of
// stepCount steps: one round to get inside a checkpoint interval, then a
// branching-factor search within it.
func RoundBound(stepCount, checkpointInterval uint64, branch int) int {
	if stepCount == 0 || checkpointInterval == 0 || branch < 2 {
		return 0
	}
	interval := checkpointInterval
	if interval > stepCount {
		interval = stepCount
	}
	rounds := 1
	for width := interval; width > 1; rounds++ {
		width = (width + uint64(branch) - 1) / uint64(branch)
	}
	return rounds
}
