package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"option-settlement-pipeline/internal/alerting"
	"option-settlement-pipeline/internal/anchor"
	"option-settlement-pipeline/internal/config"
	"option-settlement-pipeline/internal/consensus"
	"option-settlement-pipeline/internal/contract"
	"option-settlement-pipeline/internal/dispute"
	"option-settlement-pipeline/internal/engine"
	"option-settlement-pipeline/internal/feed"
	"option-settlement-pipeline/internal/orchestrator"
	"option-settlement-pipeline/internal/scheduler"
	"option-settlement-pipeline/internal/settlement"
	"option-settlement-pipeline/internal/storage"
	"option-settlement-pipeline/internal/trace"
)

// ErrNoConsensus indicates the epoch produced no usable consensus price.
var ErrNoConsensus = errors.New("service: no consensus price for epoch")

// Deps collects the service collaborators.
type Deps struct {
	Scheduler    *scheduler.Scheduler
	Feeds        []feed.Feed
	Aggregator   *consensus.Aggregator
	Orchestrator *orchestrator.Orchestrator
	// Verifier is the independent second computation of the settlement run.
	// Agreement between its commitment and the orchestrator's decides the
	// cooperative path; disagreement opens a dispute.
	Verifier engine.Engine

	Settlements *settlement.Manager
	Ledger      settlement.Ledger

	ConsensusStore  storage.ConsensusStore
	ContractStore   storage.ContractStore
	SettlementStore storage.SettlementStore
	DisputeStore    storage.DisputeStore
	Locker          storage.AdvisoryLocker

	Notifier alerting.Notifier
}

// Service orchestrates the full epoch pipeline: attestation gathering, price
// consensus, deterministic settlement, dispute handling, and payout dispatch.
type Service struct {
	deps   Deps
	logger zerolog.Logger

	channels []string
	alertsOn bool
	lockKey  int64

	engineCfg   config.EngineConfig
	disputeCfg  dispute.Config
	ckInterval  uint64
	expiryGrace time.Duration

	mu sync.Mutex // serializes contract settlement within this process
}

// New constructs the pipeline service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	return &Service{
		deps:     deps,
		logger:   logger.With().Str("component", "service").Logger(),
		channels: cfg.Alerting.Channels,
		alertsOn: cfg.Alerting.Enabled,
		lockKey:  cfg.Epoch.AdvisoryLockKey,

		engineCfg: cfg.Engine,
		disputeCfg: dispute.Config{
			BranchingFactor:  cfg.Dispute.BranchingFactor,
			ResponseDeadline: cfg.Dispute.ResponseDeadline,
		},
		ckInterval:  cfg.Trace.CheckpointInterval,
		expiryGrace: cfg.Epoch.ExpiryGrace,
	}
}

// Run begins the epoch-aligned settlement loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.ProcessEpoch)
}

// ProcessEpoch executes one settlement epoch end to end.
func (s *Service) ProcessEpoch(ctx context.Context, epoch time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("epoch", epoch).Msg("skip epoch because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	price, err := s.finalizeConsensus(ctx, epoch)
	if err != nil {
		s.logger.Warn().Err(err).Time("epoch", epoch).Msg("epoch has no consensus price")
		// Contracts stuck past their grace period still get their refund.
		return s.expireOverdue(ctx, epoch)
	}

	if err := s.settleDue(ctx, epoch, price); err != nil {
		return err
	}
	return s.expireOverdue(ctx, epoch)
}

// CreateContract commits the settlement graph for a new contract and
// activates it. The graph is built and pre-authorized here, before any price
// is known; settlement later only selects one of its branches.
func (s *Service) CreateContract(ctx context.Context, c *contract.Contract) error {
	if c.Status != contract.StatusCreated {
		return fmt.Errorf("contract %s is %s, expected %s", c.ID, c.Status, contract.StatusCreated)
	}

	graph, err := s.deps.Settlements.BuildGraph(ctx, c)
	if err != nil {
		return fmt.Errorf("build settlement graph: %w", err)
	}

	if err := c.Transition(contract.StatusActive); err != nil {
		return err
	}
	if s.deps.ContractStore != nil {
		if err := s.deps.ContractStore.InsertContract(ctx, contractToRecord(c)); err != nil {
			return fmt.Errorf("persist contract: %w", err)
		}
	}

	s.logger.Info().
		Str("contract", c.ID).
		Str("type", c.Type.String()).
		Int("branches", len(graph.Branches())).
		Time("expiry", c.Expiry).
		Msg("contract activated with pre-committed settlement graph")
	return nil
}

// finalizeConsensus gathers attestations from every feed concurrently,
// aggregates them, and persists the epoch sample whether or not a consensus
// price was reached.
func (s *Service) finalizeConsensus(ctx context.Context, epoch time.Time) (consensus.Price, error) {
	attestations := s.gatherAttestations(ctx)

	price, aggErr := s.deps.Aggregator.Aggregate(attestations, epoch)

	sample := storage.ConsensusSample{
		Epoch:     epoch,
		CreatedAt: time.Now().UTC(),
	}
	if aggErr != nil {
		msg := aggErr.Error()
		sample.Status = "failed"
		sample.Error = &msg
		sample.SourceCount = len(attestations)
	} else {
		sample.Status = "complete"
		sample.Price = price.Price
		sample.SourceCount = price.SourceCount
		for _, att := range price.Attestations {
			sample.Sources = append(sample.Sources, att.Source)
		}
	}

	if s.deps.ConsensusStore != nil {
		if err := s.deps.ConsensusStore.UpsertConsensusSample(ctx, sample); err != nil {
			s.logger.Error().Err(err).Time("epoch", epoch).Msg("failed to upsert consensus sample")
		}
	}

	if aggErr != nil {
		s.notify(ctx, alerting.Notification{
			Event:         alerting.EventConsensusFailed,
			Epoch:         epoch,
			Channels:      s.channels,
			AdditionalMsg: aggErr.Error(),
		})
		return consensus.Price{}, fmt.Errorf("%w: %v", ErrNoConsensus, aggErr)
	}
	return price, nil
}

func (s *Service) gatherAttestations(ctx context.Context) []feed.Attestation {
	type fetched struct {
		att feed.Attestation
		err error
	}

	results := make([]fetched, len(s.deps.Feeds))
	var wg sync.WaitGroup
	for i, f := range s.deps.Feeds {
		wg.Add(1)
		go func(i int, f feed.Feed) {
			defer wg.Done()
			att, err := f.Fetch(ctx)
			results[i] = fetched{att: att, err: err}
		}(i, f)
	}
	wg.Wait()

	attestations := make([]feed.Attestation, 0, len(results))
	for i, r := range results {
		if r.err != nil {
			s.logger.Warn().Err(r.err).Str("source", s.deps.Feeds[i].Name()).Msg("attestation fetch failed")
			continue
		}
		attestations = append(attestations, r.att)
	}
	return attestations
}

// settleDue settles every active contract whose expiry has passed.
func (s *Service) settleDue(ctx context.Context, epoch time.Time, price consensus.Price) error {
	if s.deps.ContractStore == nil {
		return nil
	}

	due, err := s.deps.ContractStore.ListDueContracts(ctx, epoch)
	if err != nil {
		return fmt.Errorf("list due contracts: %w", err)
	}

	for _, rec := range due {
		c, err := recordToContract(rec)
		if err != nil {
			s.logger.Error().Err(err).Str("contract", rec.ID).Msg("skipping malformed contract record")
			continue
		}
		if err := s.settleContract(ctx, c, epoch, price); err != nil {
			s.logger.Error().Err(err).Str("contract", c.ID).Msg("contract settlement failed")
		}
	}
	return nil
}

// SettleContract loads and settles a single contract against the latest
// consensus price. Used by the operator settle command.
func (s *Service) SettleContract(ctx context.Context, contractID string, epoch time.Time) error {
	rec, err := s.deps.ContractStore.GetContract(ctx, contractID)
	if err != nil {
		return fmt.Errorf("load contract: %w", err)
	}
	c, err := recordToContract(rec)
	if err != nil {
		return err
	}

	sample, err := s.deps.ConsensusStore.LatestConsensus(ctx)
	if err != nil {
		return fmt.Errorf("load latest consensus: %w", err)
	}
	price := consensus.Price{Price: sample.Price, Timestamp: sample.Epoch, SourceCount: sample.SourceCount}

	return s.settleContract(ctx, c, epoch, price)
}

// settleContract runs the deterministic settlement, compares the two
// independently computed commitments, and dispatches either the cooperative
// payout or the dispute protocol.
func (s *Service) settleContract(ctx context.Context, c *contract.Contract, epoch time.Time, price consensus.Price) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, chain, err := s.deps.Orchestrator.Settle(ctx, c, price)
	if err != nil {
		return fmt.Errorf("execute settlement: %w", err)
	}

	verifyChain, err := s.verifyRun(ctx, c, price, result.StepCount)
	if err != nil {
		return fmt.Errorf("independent verification run: %w", err)
	}

	commitment := chain.Commitment()
	counterpart := verifyChain.Commitment()

	if commitment.Equal(counterpart) {
		return s.settleCooperative(ctx, c, epoch, price, result, commitment)
	}

	s.logger.Warn().
		Str("contract", c.ID).
		Str("defender", commitment.FinalDigest.Hex()).
		Str("challenger", counterpart.FinalDigest.Hex()).
		Msg("commitment mismatch, opening dispute")
	return s.settleDisputed(ctx, c, epoch, price, result.Trace, chain, verifyChain)
}

// verifyRun performs the counterparty's computation: same input, independent
// engine, commitment built from scratch.
func (s *Service) verifyRun(ctx context.Context, c *contract.Contract, price consensus.Price, stepBudget uint64) (*trace.Chain, error) {
	input, err := orchestrator.EncodeInput(c, price.Price)
	if err != nil {
		return nil, err
	}
	result, err := s.deps.Verifier.Execute(ctx, engine.Request{
		ProgramID: c.ProgramID,
		Input:     input,
		MaxSteps:  stepBudget,
		MaxMemory: s.engineCfg.MemoryBudget,
	})
	if err != nil {
		return nil, err
	}
	return trace.Build(c.ProgramID, result.Trace, s.ckInterval), nil
}

func (s *Service) settleCooperative(ctx context.Context, c *contract.Contract, epoch time.Time, price consensus.Price, result engine.Result, commitment trace.Commitment) error {
	payoutCents, itm, err := orchestrator.DecodeOutput(result.Output)
	if err != nil {
		return fmt.Errorf("decode settlement output: %w", err)
	}

	branch, err := s.activateBranch(ctx, c, price)
	if err != nil {
		return err
	}

	txid, err := s.broadcast(ctx, branch)
	if err != nil {
		s.logger.Error().Err(err).Str("contract", c.ID).Str("branch", branch.ID).Msg("payout broadcast failed")
	}

	if err := c.Transition(contract.StatusSettled); err != nil {
		return err
	}
	return s.recordSettlement(ctx, c, epoch, price, commitment, int64(payoutCents), itm, branch.ID, txid, alerting.EventSettled, "")
}

// settleDisputed drives the narrowing protocol between the two local chains to
// resolution and settles on the winner's outcome. Both parties are in-process
// here, so every round completes immediately; the coordinator still enforces
// the full message discipline and the round state is persisted as it advances.
func (s *Service) settleDisputed(ctx context.Context, c *contract.Contract, epoch time.Time, price consensus.Price, defSteps []engine.Step, defender, challenger *trace.Chain) error {
	if err := c.Transition(contract.StatusDisputed); err != nil {
		return err
	}
	s.persistStatus(ctx, c)
	s.notify(ctx, alerting.Notification{
		ContractID:  c.ID,
		Event:       alerting.EventDisputeOpened,
		Epoch:       epoch,
		SpotPrice:   price.Price,
		StrikePrice: c.Strike,
		Channels:    s.channels,
	})

	input, err := orchestrator.EncodeInput(c, price.Price)
	if err != nil {
		return err
	}
	replayer := &dispute.EngineReplayer{
		Engine: s.deps.Verifier,
		Request: engine.Request{
			ProgramID: c.ProgramID,
			Input:     input,
			MaxSteps:  s.engineCfg.StepBudgetCap,
			MaxMemory: s.engineCfg.MemoryBudget,
		},
	}

	coord := dispute.NewCoordinator(c.ID, s.disputeCfg, replayer, s.logger)
	winner, err := s.runNarrowing(ctx, coord, c.ID, defSteps, defender, challenger)
	if err != nil {
		return fmt.Errorf("narrowing protocol: %w", err)
	}

	// The authoritative chain is the winner's; both were computed from the
	// same consensus price, so the payout is re-derived from the verified run.
	verified, err := s.deps.Verifier.Execute(ctx, replayer.Request)
	if err != nil {
		return fmt.Errorf("re-derive verified outcome: %w", err)
	}
	payoutCents, itm, err := orchestrator.DecodeOutput(verified.Output)
	if err != nil {
		return err
	}

	branch, err := s.activateBranch(ctx, c, price)
	if err != nil {
		return err
	}
	txid, err := s.broadcast(ctx, branch)
	if err != nil {
		s.logger.Error().Err(err).Str("contract", c.ID).Str("branch", branch.ID).Msg("payout broadcast failed")
	}

	if err := c.Transition(contract.StatusSettled); err != nil {
		return err
	}

	authoritative := challenger.Commitment()
	if winner == dispute.PartyDefender {
		authoritative = defender.Commitment()
	}
	return s.recordSettlement(ctx, c, epoch, price, authoritative, int64(payoutCents), itm, branch.ID, txid, alerting.EventDisputeResolved, winner.String())
}

// runNarrowing plays both protocol roles from their respective chains until
// the coordinator resolves, persisting round state after every transition.
func (s *Service) runNarrowing(ctx context.Context, coord *dispute.Coordinator, contractID string, defSteps []engine.Step, defender, challenger *trace.Chain) (dispute.Party, error) {
	now := time.Now().UTC()
	if err := coord.Open(defender.Commitment(), challenger.Commitment(), now); err != nil {
		return dispute.PartyNone, err
	}
	s.persistDispute(ctx, contractID, coord.State())

	if err := coord.Reveal(defender.Checkpoints(), now); err != nil {
		return dispute.PartyNone, err
	}
	s.persistDispute(ctx, contractID, coord.State())

	for coord.State().Phase == dispute.PhaseNarrowing {
		st := coord.State()

		if st.Awaiting == dispute.PartyChallenger {
			lo, hi, ok := disagreeingSegment(st.Round, challenger)
			if !ok {
				// The challenger agrees with every revealed boundary; its own
				// final claim was wrong and it abandons by deadline lapse.
				w, _ := coord.Timeout(st.Deadline.Add(time.Second))
				s.persistDispute(ctx, contractID, coord.State())
				return w, nil
			}
			digest, _ := challenger.DigestAt(hi)
			if err := coord.SelectSegment(lo, hi, digest, now); err != nil {
				return dispute.PartyNone, err
			}
		} else {
			boundaries := segmentBoundaries(st.Round.Lo, st.Round.Hi, s.disputeCfg.BranchingFactor, defender)
			if err := coord.RevealSegment(boundaries, now); err != nil {
				return dispute.PartyNone, err
			}
		}
		s.persistDispute(ctx, contractID, coord.State())
	}

	if coord.State().Phase == dispute.PhaseSingleStep {
		index := coord.State().Round.Lo
		if index >= uint64(len(defSteps)) {
			return dispute.PartyNone, fmt.Errorf("disputed step %d beyond defender trace length %d", index, len(defSteps))
		}
		winner, verr := coord.VerifyStep(ctx, defSteps[index], now)
		s.persistDispute(ctx, contractID, coord.State())
		if verr != nil && winner == dispute.PartyNone {
			return dispute.PartyNone, verr
		}
		return winner, nil
	}

	return coord.State().Winner, nil
}

// disagreeingSegment finds the first candidate sub-segment whose boundary
// digest differs from the challenger's own chain.
func disagreeingSegment(round dispute.Round, challenger *trace.Chain) (uint64, uint64, bool) {
	bs := round.Boundaries
	if len(bs) == 0 {
		return 0, 0, false
	}

	if d, ok := challenger.DigestAt(bs[0].Index); ok && d != bs[0].Digest {
		return round.Lo, bs[0].Index, true
	}
	for j := 0; j+1 < len(bs); j++ {
		d, ok := challenger.DigestAt(bs[j+1].Index)
		if !ok {
			return 0, 0, false
		}
		if d != bs[j+1].Digest {
			return bs[j].Index + 1, bs[j+1].Index, true
		}
	}
	return 0, 0, false
}

// segmentBoundaries splits [lo,hi] into at most branch sub-ranges and returns
// the defender's digests at the split points, always ending at hi.
func segmentBoundaries(lo, hi uint64, branch int, chain *trace.Chain) []trace.Checkpoint {
	width := hi - lo + 1
	stride := (width + uint64(branch) - 1) / uint64(branch)
	if stride == 0 {
		stride = 1
	}

	var cps []trace.Checkpoint
	for idx := lo + stride - 1; idx < hi; idx += stride {
		d, ok := chain.DigestAt(idx)
		if !ok {
			break
		}
		cps = append(cps, trace.Checkpoint{Index: idx, Digest: d})
	}
	if d, ok := chain.DigestAt(hi); ok {
		cps = append(cps, trace.Checkpoint{Index: hi, Digest: d})
	}
	return cps
}

// activateBranch loads the contract's pre-committed transaction graph and
// resolves the single branch matching the final price.
func (s *Service) activateBranch(ctx context.Context, c *contract.Contract, price consensus.Price) (settlement.Branch, error) {
	graph, err := s.deps.Settlements.GraphFor(ctx, c)
	if err != nil {
		return settlement.Branch{}, fmt.Errorf("load settlement graph: %w", err)
	}
	spotCents, err := orchestrator.PriceCents(price.Price)
	if err != nil {
		return settlement.Branch{}, err
	}
	branch, err := graph.Resolve(settlement.Outcome{Kind: settlement.OutcomePrice, SpotCents: spotCents})
	if err != nil {
		return settlement.Branch{}, fmt.Errorf("resolve settlement branch: %w", err)
	}
	return branch, nil
}

// expireOverdue activates the expiry refund branch for contracts still active
// past their deadline plus the grace period. The grace window keeps normal
// settlement ahead of the sweep; only contracts that repeatedly failed to
// settle fall through to the refund.
func (s *Service) expireOverdue(ctx context.Context, epoch time.Time) error {
	if s.deps.ContractStore == nil {
		return nil
	}

	overdue, err := s.deps.ContractStore.ListDueContracts(ctx, epoch.Add(-s.expiryGrace))
	if err != nil {
		return fmt.Errorf("list overdue contracts: %w", err)
	}

	for _, rec := range overdue {
		c, err := recordToContract(rec)
		if err != nil {
			s.logger.Error().Err(err).Str("contract", rec.ID).Msg("skipping malformed contract record")
			continue
		}
		if err := s.expireContract(ctx, c, epoch); err != nil {
			s.logger.Error().Err(err).Str("contract", c.ID).Msg("contract expiry failed")
		}
	}
	return nil
}

func (s *Service) expireContract(ctx context.Context, c *contract.Contract, epoch time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	graph, err := s.deps.Settlements.GraphFor(ctx, c)
	if err != nil {
		return fmt.Errorf("load settlement graph: %w", err)
	}
	branch, err := graph.Resolve(settlement.Outcome{Kind: settlement.OutcomeExpiry})
	if err != nil {
		return fmt.Errorf("resolve expiry branch: %w", err)
	}
	txid, err := s.broadcast(ctx, branch)
	if err != nil {
		s.logger.Error().Err(err).Str("contract", c.ID).Str("branch", branch.ID).Msg("refund broadcast failed")
	}

	if err := c.Transition(contract.StatusExpired); err != nil {
		return err
	}

	s.logger.Warn().
		Str("contract", c.ID).
		Time("expiry", c.Expiry).
		Time("epoch", epoch).
		Msg("contract expired unsettled, refund branch activated")
	return s.recordTerminal(ctx, c, epoch, branch.ID, txid, alerting.EventExpired)
}

// CancelContract activates the mutual cancellation branch for an active
// contract on behalf of both parties.
func (s *Service) CancelContract(ctx context.Context, contractID string, epoch time.Time) error {
	rec, err := s.deps.ContractStore.GetContract(ctx, contractID)
	if err != nil {
		return fmt.Errorf("load contract: %w", err)
	}
	c, err := recordToContract(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	graph, err := s.deps.Settlements.GraphFor(ctx, c)
	if err != nil {
		return fmt.Errorf("load settlement graph: %w", err)
	}
	branch, err := graph.Resolve(settlement.Outcome{Kind: settlement.OutcomeCancel})
	if err != nil {
		return fmt.Errorf("resolve cancel branch: %w", err)
	}
	txid, err := s.broadcast(ctx, branch)
	if err != nil {
		s.logger.Error().Err(err).Str("contract", c.ID).Str("branch", branch.ID).Msg("refund broadcast failed")
	}

	if err := c.Transition(contract.StatusCancelled); err != nil {
		return err
	}

	s.logger.Info().Str("contract", c.ID).Str("branch", branch.ID).Msg("contract cancelled by mutual consent")
	return s.recordTerminal(ctx, c, epoch, branch.ID, txid, alerting.EventCancelled)
}

// recordTerminal persists a refund-style conclusion: no spot price, no payout,
// collateral returned through the activated branch.
func (s *Service) recordTerminal(ctx context.Context, c *contract.Contract, epoch time.Time, branchID string, txid *string, event string) error {
	s.persistStatus(ctx, c)

	if s.deps.SettlementStore != nil {
		rec := storage.SettlementRecord{
			ContractID: c.ID,
			Epoch:      epoch,
			BranchID:   branchID,
			TxID:       txid,
		}
		if err := s.deps.SettlementStore.InsertSettlement(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("contract", c.ID).Msg("failed to persist settlement")
		}
	}

	s.notify(ctx, alerting.Notification{
		ContractID:  c.ID,
		Event:       event,
		Epoch:       epoch,
		StrikePrice: c.Strike,
		BranchID:    branchID,
		Channels:    s.channels,
	})
	return nil
}

func (s *Service) broadcast(ctx context.Context, branch settlement.Branch) (*string, error) {
	if s.deps.Ledger == nil {
		return nil, nil
	}
	txid, err := s.deps.Ledger.Broadcast(ctx, branch.PayoutTx)
	if err != nil {
		return nil, err
	}
	return &txid, nil
}

func (s *Service) persistStatus(ctx context.Context, c *contract.Contract) {
	if s.deps.ContractStore == nil {
		return
	}
	if err := s.deps.ContractStore.UpdateContractStatus(ctx, c.ID, c.Status.String()); err != nil {
		s.logger.Error().Err(err).Str("contract", c.ID).Msg("failed to persist contract status")
	}
}

func (s *Service) recordSettlement(ctx context.Context, c *contract.Contract, epoch time.Time, price consensus.Price, commitment trace.Commitment, payoutCents int64, itm bool, branchID string, txid *string, event, winner string) error {
	s.persistStatus(ctx, c)

	if s.deps.SettlementStore != nil {
		rec := storage.SettlementRecord{
			ContractID:  c.ID,
			Epoch:       epoch,
			SpotPrice:   price.Price,
			PayoutCents: payoutCents,
			ITM:         itm,
			BranchID:    branchID,
			Commitment:  commitment.FinalDigest.Hex(),
			TxID:        txid,
		}
		if err := s.deps.SettlementStore.InsertSettlement(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("contract", c.ID).Msg("failed to persist settlement")
		}
	}

	anchorPayload := anchor.Payload(commitment.FinalDigest, anchor.RecordFor(c, anchor.TxSettle))
	s.logger.Info().
		Str("contract", c.ID).
		Int64("payout_cents", payoutCents).
		Bool("itm", itm).
		Str("branch", branchID).
		Str("commitment", commitment.FinalDigest.Hex()).
		Str("anchor", hex.EncodeToString(anchorPayload)).
		Msg("contract settled")

	s.notify(ctx, alerting.Notification{
		ContractID:  c.ID,
		Event:       event,
		Epoch:       epoch,
		SpotPrice:   price.Price,
		StrikePrice: c.Strike,
		PayoutCents: payoutCents,
		BranchID:    branchID,
		Winner:      winner,
		Channels:    s.channels,
	})
	return nil
}

func (s *Service) notify(ctx context.Context, note alerting.Notification) {
	if !s.alertsOn || s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("event", note.Event).Msg("failed to dispatch alert")
	}
}

func (s *Service) persistDispute(ctx context.Context, contractID string, st dispute.State) {
	if s.deps.DisputeStore == nil {
		return
	}
	rec := storage.DisputeRecord{
		ContractID: contractID,
		Phase:      st.Phase.String(),
		Round:      st.Round.Number,
		Lo:         int64(st.Round.Lo),
		Hi:         int64(st.Round.Hi),
		Awaiting:   st.Awaiting.String(),
		Deadline:   st.Deadline,
	}
	if st.Winner != dispute.PartyNone {
		w := st.Winner.String()
		rec.Winner = &w
	}
	if err := s.deps.DisputeStore.UpsertDispute(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("contract", contractID).Msg("failed to persist dispute state")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func recordToContract(rec storage.ContractRecord) (*contract.Contract, error) {
	t, err := contract.ParseType(rec.Type)
	if err != nil {
		return nil, err
	}
	status, err := contract.ParseStatus(rec.Status)
	if err != nil {
		return nil, err
	}
	return &contract.Contract{
		ID:         rec.ID,
		Type:       t,
		Strike:     rec.Strike,
		Expiry:     rec.Expiry,
		Quantity:   rec.Quantity,
		Collateral: rec.Collateral,
		Buyer:      rec.Buyer,
		Seller:     rec.Seller,
		ProgramID:  rec.ProgramID,
		Status:     status,
	}, nil
}

func contractToRecord(c *contract.Contract) storage.ContractRecord {
	return storage.ContractRecord{
		ID:         c.ID,
		Type:       c.Type.String(),
		Strike:     c.Strike,
		Expiry:     c.Expiry,
		Quantity:   c.Quantity,
		Collateral: c.Collateral,
		Buyer:      c.Buyer,
		Seller:     c.Seller,
		ProgramID:  c.ProgramID,
		Status:     c.Status.String(),
		CreatedAt:  time.Now().UTC(),
	}
}
