package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"option-settlement-pipeline/internal/contract"
)

func testContract(t contract.Type, strike float64) *contract.Contract {
	return &contract.Contract{
		ID:       "c-1",
		Type:     t,
		Strike:   decimal.NewFromFloat(strike),
		Expiry:   time.Now().UTC(),
		Quantity: decimal.NewFromInt(1),
		Status:   contract.StatusActive,
	}
}

func buildGraph(t *testing.T, typ contract.Type, strike float64) *Graph {
	t.Helper()
	manager := NewManager(NewLocalLedger(0), zerolog.Nop())
	graph, err := manager.BuildGraph(context.Background(), testContract(typ, strike))
	require.NoError(t, err)
	return graph
}

func TestCallBranchesAtStrike(t *testing.T) {
	graph := buildGraph(t, contract.Call, 500.00) // 50000 cents

	// Exactly at the strike a call is out of the money.
	branch, err := graph.Resolve(Outcome{Kind: OutcomePrice, SpotCents: 50000})
	require.NoError(t, err)
	assert.Equal(t, BranchOTM, branch.Kind)

	graph = buildGraph(t, contract.Call, 500.00)
	branch, err = graph.Resolve(Outcome{Kind: OutcomePrice, SpotCents: 50001})
	require.NoError(t, err)
	assert.Equal(t, BranchITM, branch.Kind)
}

func TestPutBranchesAtStrike(t *testing.T) {
	graph := buildGraph(t, contract.Put, 500.00)

	branch, err := graph.Resolve(Outcome{Kind: OutcomePrice, SpotCents: 50000})
	require.NoError(t, err)
	assert.Equal(t, BranchOTM, branch.Kind)

	graph = buildGraph(t, contract.Put, 500.00)
	branch, err = graph.Resolve(Outcome{Kind: OutcomePrice, SpotCents: 49999})
	require.NoError(t, err)
	assert.Equal(t, BranchITM, branch.Kind)
}

func TestEveryBranchPreAuthorized(t *testing.T) {
	graph := buildGraph(t, contract.BinaryCall, 500.00)
	for _, b := range graph.Branches() {
		assert.NotEmpty(t, b.PayoutTx, "branch %s must be pre-authorized", b.ID)
	}
}

func TestResolveAtMostOnce(t *testing.T) {
	graph := buildGraph(t, contract.Call, 500.00)

	_, err := graph.Resolve(Outcome{Kind: OutcomePrice, SpotCents: 60000})
	require.NoError(t, err)

	_, err = graph.Resolve(Outcome{Kind: OutcomePrice, SpotCents: 60000})
	require.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestManagerBuildsGraphOnce(t *testing.T) {
	manager := NewManager(NewLocalLedger(0), zerolog.Nop())
	c := testContract(contract.Call, 500.00)

	graph, err := manager.BuildGraph(context.Background(), c)
	require.NoError(t, err)

	_, err = manager.BuildGraph(context.Background(), c)
	require.ErrorIs(t, err, ErrGraphExists)

	got, err := manager.GraphFor(context.Background(), c)
	require.NoError(t, err)
	assert.Same(t, graph, got)
}

func TestGraphForRebuildsAfterRestart(t *testing.T) {
	ledger := NewLocalLedger(0)
	c := testContract(contract.Put, 500.00)

	first := NewManager(ledger, zerolog.Nop())
	committed, err := first.BuildGraph(context.Background(), c)
	require.NoError(t, err)

	// A fresh manager models a restarted process; the rebuilt branch set
	// must match the one committed at creation.
	second := NewManager(ledger, zerolog.Nop())
	rebuilt, err := second.GraphFor(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, committed.Branches(), rebuilt.Branches())
}

func TestExpiryAndCancelBranches(t *testing.T) {
	graph := buildGraph(t, contract.Call, 500.00)
	branch, err := graph.Resolve(Outcome{Kind: OutcomeExpiry})
	require.NoError(t, err)
	assert.Equal(t, BranchExpiry, branch.Kind)

	graph = buildGraph(t, contract.Put, 500.00)
	branch, err = graph.Resolve(Outcome{Kind: OutcomeCancel})
	require.NoError(t, err)
	assert.Equal(t, BranchCancel, branch.Kind)
}

func TestPriceDomainSampling(t *testing.T) {
	for _, typ := range []contract.Type{contract.Call, contract.Put, contract.BinaryCall, contract.BinaryPut} {
		for _, spot := range []uint32{0, 1, 49999, 50000, 50001, 1 << 20, ^uint32(0)} {
			graph := buildGraph(t, typ, 500.00)
			branch, err := graph.Resolve(Outcome{Kind: OutcomePrice, SpotCents: spot})
			require.NoError(t, err, "type %s spot %d must hit exactly one branch", typ, spot)
			assert.Contains(t, []BranchKind{BranchITM, BranchOTM}, branch.Kind)
		}
	}
}

func TestCheckCoverageRejectsOverlap(t *testing.T) {
	err := checkCoverage([]Branch{
		{ID: "a", Lo: 0, Hi: 100},
		{ID: "b", Lo: 50, Hi: priceDomainEnd},
	})
	require.ErrorIs(t, err, ErrOverlappingBranches)
}

func TestCheckCoverageRejectsGap(t *testing.T) {
	err := checkCoverage([]Branch{
		{ID: "a", Lo: 0, Hi: 100},
		{ID: "b", Lo: 200, Hi: priceDomainEnd},
	})
	require.ErrorIs(t, err, ErrGapInCoverage)

	err = checkCoverage([]Branch{
		{ID: "a", Lo: 0, Hi: 100},
	})
	require.ErrorIs(t, err, ErrGapInCoverage)
}

func TestLocalLedgerBroadcastConfirms(t *testing.T) {
	ledger := NewLocalLedger(3)
	ctx := context.Background()

	tx, err := ledger.PreAuthorize(ctx, "c-1", "itm-payout", BranchITM)
	require.NoError(t, err)

	txid, err := ledger.Broadcast(ctx, tx)
	require.NoError(t, err)

	depth, err := ledger.Confirmations(ctx, txid)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	_, err = ledger.Confirmations(ctx, "missing")
	assert.Error(t, err)
}
