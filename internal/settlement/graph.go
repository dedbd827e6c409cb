// Package settlement manages the pre-committed transaction graph that makes
// every outcome payable without further cooperation. The "graph" is a flat set
// of mutually exclusive guarded branches built before any price is known; a
// branch is activated, never mutated, at settlement time.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"option-settlement-pipeline/internal/contract"
)

// priceDomainEnd is the exclusive upper bound of the legal spot price domain,
// matching the program's u32 cent scale.
const priceDomainEnd = uint64(1) << 32

var (
	// ErrOverlappingBranches is a fatal build-time configuration error.
	ErrOverlappingBranches = errors.New("settlement: overlapping branches")
	// ErrGapInCoverage is a fatal build-time configuration error.
	ErrGapInCoverage = errors.New("settlement: gap in branch coverage")
	// ErrAlreadyResolved guards the resolve-at-most-once invariant.
	ErrAlreadyResolved = errors.New("settlement: graph already resolved")
	// ErrNoMatchingBranch should be unreachable for graphs that passed the
	// build-time coverage check.
	ErrNoMatchingBranch = errors.New("settlement: no branch matches outcome")
	// ErrGraphExists guards the build-once-per-contract invariant.
	ErrGraphExists = errors.New("settlement: graph already built for contract")
)

// BranchKind classifies what a branch pays for.
type BranchKind int

const (
	BranchITM BranchKind = iota
	BranchOTM
	BranchExpiry
	BranchCancel
)

// String returns the branch kind name.
func (k BranchKind) String() string {
	switch k {
	case BranchITM:
		return "itm"
	case BranchOTM:
		return "otm"
	case BranchExpiry:
		return "expiry"
	case BranchCancel:
		return "cancel"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Branch is one guarded, pre-authorized payout. For price branches the guard
// is the half-open spot range [Lo, Hi) in cents; expiry and cancel branches
// are selected by outcome kind instead.
type Branch struct {
	ID       string
	Kind     BranchKind
	Lo, Hi   uint64
	PayoutTx []byte // pre-authorized payout transaction, opaque to the pipeline
}

// OutcomeKind selects how a settlement concluded.
type OutcomeKind int

const (
	// OutcomePrice settles on a final spot price, from either the cooperative
	// path or the authoritative side of a resolved dispute.
	OutcomePrice OutcomeKind = iota
	// OutcomeExpiry activates the refund branch: no settlement before the
	// deadline.
	OutcomeExpiry
	// OutcomeCancel activates the explicit mutual cancellation branch.
	OutcomeCancel
)

// Outcome is the input to Resolve.
type Outcome struct {
	Kind      OutcomeKind
	SpotCents uint32
}

// Graph is the pre-committed settlement graph for one contract. Write-once at
// creation; the single Resolve call is its only mutation.
type Graph struct {
	ContractID string

	mu       sync.Mutex
	resolved bool
	price    []Branch // sorted by Lo, covering [0, priceDomainEnd)
	expiry   Branch
	cancel   Branch
}

// Branches returns all branches of the graph, price branches first.
func (g *Graph) Branches() []Branch {
	out := make([]Branch, 0, len(g.price)+2)
	out = append(out, g.price...)
	out = append(out, g.expiry, g.cancel)
	return out
}

// Resolve selects the single branch whose guard holds for the outcome. It is
// a pure selection apart from marking the graph resolved; calling it twice
// fails with ErrAlreadyResolved.
func (g *Graph) Resolve(outcome Outcome) (Branch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.resolved {
		return Branch{}, ErrAlreadyResolved
	}

	var selected *Branch
	switch outcome.Kind {
	case OutcomeExpiry:
		selected = &g.expiry
	case OutcomeCancel:
		selected = &g.cancel
	case OutcomePrice:
		spot := uint64(outcome.SpotCents)
		for i := range g.price {
			if spot >= g.price[i].Lo && spot < g.price[i].Hi {
				selected = &g.price[i]
				break
			}
		}
	}
	if selected == nil {
		return Branch{}, fmt.Errorf("%w: kind %d spot %d", ErrNoMatchingBranch, outcome.Kind, outcome.SpotCents)
	}

	g.resolved = true
	return *selected, nil
}

// Ledger is the wallet/ledger collaborator. The pipeline hands it opaque
// payout intents to pre-authorize and transactions to broadcast; it never
// performs address generation, fee selection, or signing itself.
type Ledger interface {
	// PreAuthorize returns a payout transaction signed by all required
	// parties, spendable once its branch is activated.
	PreAuthorize(ctx context.Context, contractID, branchID string, kind BranchKind) ([]byte, error)
	// Broadcast submits an activated payout transaction.
	Broadcast(ctx context.Context, tx []byte) (string, error)
	// Confirmations reports the confirmation depth of a transaction.
	Confirmations(ctx context.Context, txid string) (int, error)
}

// Manager builds settlement graphs at contract creation time and keeps the
// per-contract registry that makes Resolve at-most-once across settlement
// attempts, not just within one Graph value.
type Manager struct {
	ledger Ledger
	logger zerolog.Logger

	mu     sync.Mutex
	graphs map[string]*Graph
}

// NewManager constructs a Manager.
func NewManager(ledger Ledger, logger zerolog.Logger) *Manager {
	return &Manager{
		ledger: ledger,
		logger: logger.With().Str("component", "settlement").Logger(),
		graphs: make(map[string]*Graph),
	}
}

// BuildGraph derives the branch set from the contract terms, pre-authorizes
// every payout, and verifies that the price guards are mutually exclusive and
// collectively exhaustive. Coverage failures are fatal here, never at
// Resolve time. Called once when the contract goes active, before any price
// is known; a second build for the same contract fails with ErrGraphExists.
func (m *Manager) BuildGraph(ctx context.Context, c *contract.Contract) (*Graph, error) {
	strikeCents, err := c.StrikeCents()
	if err != nil {
		return nil, err
	}

	price, err := priceBranches(c.Type, uint64(strikeCents))
	if err != nil {
		return nil, err
	}
	if err := checkCoverage(price); err != nil {
		return nil, err
	}

	graph := &Graph{
		ContractID: c.ID,
		price:      price,
		expiry:     Branch{ID: "expiry-refund", Kind: BranchExpiry},
		cancel:     Branch{ID: "mutual-cancel", Kind: BranchCancel},
	}

	for i := range graph.price {
		tx, err := m.ledger.PreAuthorize(ctx, c.ID, graph.price[i].ID, graph.price[i].Kind)
		if err != nil {
			return nil, fmt.Errorf("pre-authorize %s: %w", graph.price[i].ID, err)
		}
		graph.price[i].PayoutTx = tx
	}
	for _, b := range []*Branch{&graph.expiry, &graph.cancel} {
		tx, err := m.ledger.PreAuthorize(ctx, c.ID, b.ID, b.Kind)
		if err != nil {
			return nil, fmt.Errorf("pre-authorize %s: %w", b.ID, err)
		}
		b.PayoutTx = tx
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.graphs[c.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrGraphExists, c.ID)
	}
	m.graphs[c.ID] = graph

	m.logger.Info().Str("contract", c.ID).Int("branches", len(graph.price)+2).Msg("settlement graph built")
	return graph, nil
}

// GraphFor returns the graph committed for the contract at creation. After a
// process restart the registry is empty; the branch set is a pure function of
// the contract terms, so the rebuild reproduces the committed graph exactly.
func (m *Manager) GraphFor(ctx context.Context, c *contract.Contract) (*Graph, error) {
	m.mu.Lock()
	g, ok := m.graphs[c.ID]
	m.mu.Unlock()
	if ok {
		return g, nil
	}
	return m.BuildGraph(ctx, c)
}

// priceBranches splits the spot domain at the strike. Calls are in the money
// strictly above the strike, puts strictly below, matching the settlement
// program's comparisons.
func priceBranches(t contract.Type, strikeCents uint64) ([]Branch, error) {
	switch t {
	case contract.Call, contract.BinaryCall:
		return []Branch{
			{ID: "otm-refund", Kind: BranchOTM, Lo: 0, Hi: strikeCents + 1},
			{ID: "itm-payout", Kind: BranchITM, Lo: strikeCents + 1, Hi: priceDomainEnd},
		}, nil
	case contract.Put, contract.BinaryPut:
		return []Branch{
			{ID: "itm-payout", Kind: BranchITM, Lo: 0, Hi: strikeCents},
			{ID: "otm-refund", Kind: BranchOTM, Lo: strikeCents, Hi: priceDomainEnd},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported option type %s", t)
	}
}

// checkCoverage verifies the price guards tile [0, priceDomainEnd) exactly.
func checkCoverage(branches []Branch) error {
	if len(branches) == 0 {
		return fmt.Errorf("%w: no price branches", ErrGapInCoverage)
	}

	sorted := make([]Branch, len(branches))
	copy(sorted, branches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lo < sorted[j].Lo })

	cursor := uint64(0)
	for _, b := range sorted {
		if b.Hi <= b.Lo {
			return fmt.Errorf("%w: branch %s has empty range", ErrGapInCoverage, b.ID)
		}
		if b.Lo < cursor {
			return fmt.Errorf("%w: branch %s starts at %d before %d", ErrOverlappingBranches, b.ID, b.Lo, cursor)
		}
		if b.Lo > cursor {
			return fmt.Errorf("%w: domain uncovered from %d to %d", ErrGapInCoverage, cursor, b.Lo)
		}
		cursor = b.Hi
	}
	if cursor != priceDomainEnd {
		return fmt.Errorf("%w: domain uncovered from %d", ErrGapInCoverage, cursor)
	}
	return nil
}
