package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"option-settlement-pipeline/internal/anchor"
	"option-settlement-pipeline/internal/consensus"
	"option-settlement-pipeline/internal/contract"
	"option-settlement-pipeline/internal/engine"
	"option-settlement-pipeline/internal/orchestrator"
	"option-settlement-pipeline/internal/settlement"
)

// Simulate 以给定的行权价/现价在进程内完整跑一次结算管线。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	optType, err := contract.ParseType(opts.OptionType)
	if err != nil {
		return err
	}
	if opts.Strike.Sign() <= 0 || opts.Spot.Sign() <= 0 {
		return fmt.Errorf("strike and spot must be positive")
	}
	if opts.Quantity.Sign() <= 0 {
		return fmt.Errorf("quantity must be positive")
	}

	c := &contract.Contract{
		ID:        uuid.NewString(),
		Type:      optType,
		Strike:    opts.Strike,
		Expiry:    time.Now().UTC(),
		Quantity:  opts.Quantity,
		Buyer:     "sim-buyer",
		Seller:    "sim-seller",
		ProgramID: "option-settlement",
		Status:    contract.StatusActive,
	}

	price := consensus.Price{Price: opts.Spot, Timestamp: time.Now().UTC(), SourceCount: 1}

	orch := a.newOrchestrator(&engine.Reference{})
	result, chain, err := orch.Settle(ctx, c, price)
	if err != nil {
		return err
	}

	payoutCents, itm, err := orchestrator.DecodeOutput(result.Output)
	if err != nil {
		return err
	}

	ledger := settlement.NewLocalLedger(0)
	manager := settlement.NewManager(ledger, a.Logger)
	graph, err := manager.BuildGraph(ctx, c)
	if err != nil {
		return err
	}

	spotCents, err := orchestrator.PriceCents(opts.Spot)
	if err != nil {
		return err
	}
	branch, err := graph.Resolve(settlement.Outcome{Kind: settlement.OutcomePrice, SpotCents: spotCents})
	if err != nil {
		return err
	}

	commitment := chain.Commitment()
	payload := anchor.Payload(commitment.FinalDigest, anchor.RecordFor(c, anchor.TxSettle))

	fmt.Fprintf(os.Stdout, "contract:    %s (%s)\n", c.ID, c.Type)
	fmt.Fprintf(os.Stdout, "strike:      %s  spot: %s  quantity: %s\n", opts.Strike.StringFixed(2), opts.Spot.StringFixed(2), opts.Quantity.String())
	fmt.Fprintf(os.Stdout, "payout:      %d cents (itm=%t)\n", payoutCents, itm)
	fmt.Fprintf(os.Stdout, "steps:       %d\n", result.StepCount)
	fmt.Fprintf(os.Stdout, "commitment:  %s\n", commitment.FinalDigest.Hex())
	fmt.Fprintf(os.Stdout, "branch:      %s (%s)\n", branch.ID, branch.Kind)
	fmt.Fprintf(os.Stdout, "anchor:      %s\n", hex.EncodeToString(payload))
	return nil
}
