package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"option-settlement-pipeline/internal/alerting"
	"option-settlement-pipeline/internal/config"
	"option-settlement-pipeline/internal/consensus"
	"option-settlement-pipeline/internal/contract"
	"option-settlement-pipeline/internal/engine"
	"option-settlement-pipeline/internal/feed"
	"option-settlement-pipeline/internal/orchestrator"
	"option-settlement-pipeline/internal/settlement"
	"option-settlement-pipeline/internal/storage"
)

type memStore struct {
	samples     map[time.Time]storage.ConsensusSample
	contracts   map[string]storage.ContractRecord
	settlements map[string]storage.SettlementRecord
	disputes    map[string]storage.DisputeRecord
}

func newMemStore() *memStore {
	return &memStore{
		samples:     make(map[time.Time]storage.ConsensusSample),
		contracts:   make(map[string]storage.ContractRecord),
		settlements: make(map[string]storage.SettlementRecord),
		disputes:    make(map[string]storage.DisputeRecord),
	}
}

func (m *memStore) UpsertConsensusSample(ctx context.Context, sample storage.ConsensusSample) error {
	m.samples[sample.Epoch] = sample
	return nil
}

func (m *memStore) ListConsensusBetween(ctx context.Context, from, to time.Time) ([]storage.ConsensusSample, error) {
	var out []storage.ConsensusSample
	for _, s := range m.samples {
		if !s.Epoch.Before(from) && s.Epoch.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) LatestConsensus(ctx context.Context) (storage.ConsensusSample, error) {
	var latest storage.ConsensusSample
	for _, s := range m.samples {
		if s.Status == "complete" && s.Epoch.After(latest.Epoch) {
			latest = s
		}
	}
	return latest, nil
}

func (m *memStore) InsertContract(ctx context.Context, rec storage.ContractRecord) error {
	m.contracts[rec.ID] = rec
	return nil
}

func (m *memStore) UpdateContractStatus(ctx context.Context, id, status string) error {
	rec := m.contracts[id]
	rec.Status = status
	m.contracts[id] = rec
	return nil
}

func (m *memStore) GetContract(ctx context.Context, id string) (storage.ContractRecord, error) {
	return m.contracts[id], nil
}

func (m *memStore) ListDueContracts(ctx context.Context, asOf time.Time) ([]storage.ContractRecord, error) {
	var out []storage.ContractRecord
	for _, rec := range m.contracts {
		if rec.Status == "active" && !rec.Expiry.After(asOf) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) InsertSettlement(ctx context.Context, rec storage.SettlementRecord) error {
	m.settlements[rec.ContractID] = rec
	return nil
}

func (m *memStore) ListRecentSettlements(ctx context.Context, limit int) ([]storage.SettlementRecord, error) {
	var out []storage.SettlementRecord
	for _, rec := range m.settlements {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) UpsertDispute(ctx context.Context, rec storage.DisputeRecord) error {
	m.disputes[rec.ContractID] = rec
	return nil
}

func (m *memStore) GetDispute(ctx context.Context, contractID string) (storage.DisputeRecord, error) {
	return m.disputes[contractID], nil
}

// staticFeed always reports the same price.
type staticFeed struct {
	name  string
	price float64
}

func (f *staticFeed) Name() string { return f.name }

func (f *staticFeed) Fetch(ctx context.Context) (feed.Attestation, error) {
	return feed.Attestation{Source: f.name, Price: decimal.NewFromFloat(f.price), ObservedAt: time.Now().UTC()}, nil
}

// corruptingEngine wraps the reference engine and flips one trace step,
// modeling a counterparty whose commitment diverges.
type corruptingEngine struct {
	inner   engine.Engine
	stepIdx int
}

func (e *corruptingEngine) Execute(ctx context.Context, req engine.Request) (engine.Result, error) {
	result, err := e.inner.Execute(ctx, req)
	if err != nil {
		return result, err
	}
	bad := result.Trace[e.stepIdx]
	bad.Delta = append([]byte(nil), bad.Delta...)
	bad.Delta[0] ^= 0xff
	result.Trace[e.stepIdx] = bad
	return result, nil
}

// recordingNotifier captures dispatched notifications.
type recordingNotifier struct {
	notes []alerting.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	n.notes = append(n.notes, note)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Epoch: config.EpochConfig{Interval: 5 * time.Minute, ExpiryGrace: time.Hour},
		Consensus: config.ConsensusConfig{
			Quorum:          2,
			MaxDeviationPct: 2.0,
			Window:          2 * time.Minute,
		},
		Engine: config.EngineConfig{StepBudget: 1024, StepBudgetCap: 4096},
		Trace:  config.TraceConfig{CheckpointInterval: 4},
		Dispute: config.DisputeConfig{
			BranchingFactor:  4,
			ResponseDeadline: time.Hour,
		},
	}
}

func newTestService(cfg *config.Config, store *memStore, verifier engine.Engine) *Service {
	return New(cfg, testDeps(cfg, store, verifier), zerolog.Nop())
}

func testDeps(cfg *config.Config, store *memStore, verifier engine.Engine) Deps {
	ledger := settlement.NewLocalLedger(0)
	logger := zerolog.Nop()

	return Deps{
		Feeds: []feed.Feed{
			&staticFeed{name: "feed-a", price: 52000},
			&staticFeed{name: "feed-b", price: 52000},
		},
		Aggregator: consensus.NewAggregator(consensus.Params{
			Quorum:       cfg.Consensus.Quorum,
			MaxDeviation: decimal.NewFromFloat(cfg.Consensus.MaxDeviationPct).Div(decimal.NewFromInt(100)),
			Window:       cfg.Consensus.Window,
		}, logger),
		Orchestrator: orchestrator.New(orchestrator.Options{
			StepBudget:         cfg.Engine.StepBudget,
			StepBudgetCap:      cfg.Engine.StepBudgetCap,
			CheckpointInterval: cfg.Trace.CheckpointInterval,
		}, &engine.Reference{}, logger),
		Verifier:        verifier,
		Settlements:     settlement.NewManager(ledger, logger),
		Ledger:          ledger,
		ConsensusStore:  store,
		ContractStore:   store,
		SettlementStore: store,
		DisputeStore:    store,
	}
}

func activeContract(id, typ string, strike, quantity float64, expiry time.Time) storage.ContractRecord {
	return storage.ContractRecord{
		ID:        id,
		Type:      typ,
		Strike:    decimal.NewFromFloat(strike),
		Expiry:    expiry,
		Quantity:  decimal.NewFromFloat(quantity),
		Buyer:     "buyer",
		Seller:    "seller",
		ProgramID: "option-settlement",
		Status:    "active",
	}
}

func TestProcessEpochCooperativeSettlement(t *testing.T) {
	store := newMemStore()
	epoch := time.Now().UTC().Truncate(5 * time.Minute)

	// Call struck at $50000 settling at spot $52000 for 1 unit pays 200000¢.
	require.NoError(t, store.InsertContract(context.Background(), activeContract("c-call", "call", 50000, 1, epoch.Add(-time.Minute))))

	svc := newTestService(testConfig(), store, &engine.Reference{})
	require.NoError(t, svc.ProcessEpoch(context.Background(), epoch))

	sample, ok := store.samples[epoch]
	require.True(t, ok)
	assert.Equal(t, "complete", sample.Status)
	assert.Equal(t, 2, sample.SourceCount)

	rec, ok := store.settlements["c-call"]
	require.True(t, ok)
	assert.Equal(t, int64(200000), rec.PayoutCents)
	assert.True(t, rec.ITM)
	assert.Equal(t, "itm-payout", rec.BranchID)
	require.NotNil(t, rec.TxID)

	assert.Equal(t, "settled", store.contracts["c-call"].Status)
	assert.Empty(t, store.disputes)
}

func TestProcessEpochOutOfTheMoney(t *testing.T) {
	store := newMemStore()
	epoch := time.Now().UTC().Truncate(5 * time.Minute)

	// Call struck above the spot refunds the seller.
	require.NoError(t, store.InsertContract(context.Background(), activeContract("c-otm", "call", 60000, 1, epoch.Add(-time.Minute))))

	svc := newTestService(testConfig(), store, &engine.Reference{})
	require.NoError(t, svc.ProcessEpoch(context.Background(), epoch))

	rec, ok := store.settlements["c-otm"]
	require.True(t, ok)
	assert.Equal(t, int64(0), rec.PayoutCents)
	assert.False(t, rec.ITM)
	assert.Equal(t, "otm-refund", rec.BranchID)
}

func TestProcessEpochPutSettlement(t *testing.T) {
	store := newMemStore()
	epoch := time.Now().UTC().Truncate(5 * time.Minute)

	// Put struck at $54000 settling at spot $52000 for 2 units pays 400000¢.
	require.NoError(t, store.InsertContract(context.Background(), activeContract("c-put", "put", 54000, 2, epoch.Add(-time.Minute))))

	svc := newTestService(testConfig(), store, &engine.Reference{})
	require.NoError(t, svc.ProcessEpoch(context.Background(), epoch))

	rec, ok := store.settlements["c-put"]
	require.True(t, ok)
	assert.Equal(t, int64(400000), rec.PayoutCents)
	assert.True(t, rec.ITM)
}

func TestProcessEpochLeavesFutureContracts(t *testing.T) {
	store := newMemStore()
	epoch := time.Now().UTC().Truncate(5 * time.Minute)

	require.NoError(t, store.InsertContract(context.Background(), activeContract("c-future", "call", 50000, 1, epoch.Add(time.Hour))))

	svc := newTestService(testConfig(), store, &engine.Reference{})
	require.NoError(t, svc.ProcessEpoch(context.Background(), epoch))

	assert.Empty(t, store.settlements)
	assert.Equal(t, "active", store.contracts["c-future"].Status)
}

func TestProcessEpochDisputedSettlement(t *testing.T) {
	store := newMemStore()
	epoch := time.Now().UTC().Truncate(5 * time.Minute)

	require.NoError(t, store.InsertContract(context.Background(), activeContract("c-disp", "call", 50000, 1, epoch.Add(-time.Minute))))

	// The verifier diverges at step 8; the commitments cannot match and the
	// dispute protocol must run to resolution.
	verifier := &corruptingEngine{inner: &engine.Reference{}, stepIdx: 8}
	svc := newTestService(testConfig(), store, verifier)
	require.NoError(t, svc.ProcessEpoch(context.Background(), epoch))

	disp, ok := store.disputes["c-disp"]
	require.True(t, ok)
	assert.Equal(t, "resolved", disp.Phase)
	require.NotNil(t, disp.Winner)
	assert.Equal(t, int64(8), disp.Lo)

	rec, ok := store.settlements["c-disp"]
	require.True(t, ok)
	assert.Equal(t, int64(200000), rec.PayoutCents)
	assert.Equal(t, "settled", store.contracts["c-disp"].Status)
}

func TestProcessEpochConsensusFailure(t *testing.T) {
	store := newMemStore()
	epoch := time.Now().UTC().Truncate(5 * time.Minute)

	cfg := testConfig()
	cfg.Consensus.Quorum = 3 // more than the two configured feeds

	svc := newTestService(cfg, store, &engine.Reference{})
	require.NoError(t, svc.ProcessEpoch(context.Background(), epoch))

	sample, ok := store.samples[epoch]
	require.True(t, ok)
	assert.Equal(t, "failed", sample.Status)
	require.NotNil(t, sample.Error)
	assert.Empty(t, store.settlements)
}

func TestCreateContractBuildsGraphBeforePrice(t *testing.T) {
	store := newMemStore()
	epoch := time.Now().UTC().Truncate(5 * time.Minute)

	svc := newTestService(testConfig(), store, &engine.Reference{})

	c := &contract.Contract{
		ID:        "c-created",
		Type:      contract.Call,
		Strike:    decimal.NewFromInt(50000),
		Expiry:    epoch.Add(-time.Minute),
		Quantity:  decimal.NewFromInt(1),
		Buyer:     "buyer",
		Seller:    "seller",
		ProgramID: "option-settlement",
		Status:    contract.StatusCreated,
	}
	require.NoError(t, svc.CreateContract(context.Background(), c))
	assert.Equal(t, "active", store.contracts["c-created"].Status)

	// Settlement selects a branch of the graph committed at creation.
	require.NoError(t, svc.ProcessEpoch(context.Background(), epoch))
	rec, ok := store.settlements["c-created"]
	require.True(t, ok)
	assert.Equal(t, "itm-payout", rec.BranchID)
	assert.Equal(t, int64(200000), rec.PayoutCents)

	// Same graph, so a second settlement attempt cannot resolve again.
	err := svc.SettleContract(context.Background(), "c-created", epoch)
	require.ErrorIs(t, err, settlement.ErrAlreadyResolved)
}

func TestCreateContractRejectsActive(t *testing.T) {
	store := newMemStore()
	svc := newTestService(testConfig(), store, &engine.Reference{})

	c := &contract.Contract{
		ID:       "c-active",
		Type:     contract.Call,
		Strike:   decimal.NewFromInt(50000),
		Expiry:   time.Now().UTC().Add(time.Hour),
		Quantity: decimal.NewFromInt(1),
		Status:   contract.StatusActive,
	}
	require.Error(t, svc.CreateContract(context.Background(), c))
	assert.Empty(t, store.contracts)
}

func TestProcessEpochExpiresOverdueContract(t *testing.T) {
	store := newMemStore()
	epoch := time.Now().UTC().Truncate(5 * time.Minute)

	cfg := testConfig()
	cfg.Consensus.Quorum = 3 // consensus keeps failing
	cfg.Alerting.Enabled = true
	cfg.Alerting.Channels = []string{"telegram"}

	// Two hours past expiry with a one-hour grace: the refund branch fires
	// even though no epoch ever produced a price.
	require.NoError(t, store.InsertContract(context.Background(), activeContract("c-overdue", "call", 50000, 1, epoch.Add(-2*time.Hour))))

	notifier := &recordingNotifier{}
	deps := testDeps(cfg, store, &engine.Reference{})
	deps.Notifier = notifier
	svc := New(cfg, deps, zerolog.Nop())

	require.NoError(t, svc.ProcessEpoch(context.Background(), epoch))

	assert.Equal(t, "expired", store.contracts["c-overdue"].Status)
	rec, ok := store.settlements["c-overdue"]
	require.True(t, ok)
	assert.Equal(t, int64(0), rec.PayoutCents)
	assert.Equal(t, "expiry-refund", rec.BranchID)
	require.NotNil(t, rec.TxID)

	events := make([]string, 0, len(notifier.notes))
	for _, note := range notifier.notes {
		events = append(events, note.Event)
	}
	assert.Contains(t, events, alerting.EventExpired)
}

func TestProcessEpochKeepsContractsWithinGrace(t *testing.T) {
	store := newMemStore()
	epoch := time.Now().UTC().Truncate(5 * time.Minute)

	cfg := testConfig()
	cfg.Consensus.Quorum = 3

	// Expired, but inside the grace window; the next consensus epoch may
	// still settle it on a real price.
	require.NoError(t, store.InsertContract(context.Background(), activeContract("c-grace", "call", 50000, 1, epoch.Add(-30*time.Minute))))

	svc := newTestService(cfg, store, &engine.Reference{})
	require.NoError(t, svc.ProcessEpoch(context.Background(), epoch))

	assert.Equal(t, "active", store.contracts["c-grace"].Status)
	assert.Empty(t, store.settlements)
}

func TestCancelContract(t *testing.T) {
	store := newMemStore()
	epoch := time.Now().UTC().Truncate(5 * time.Minute)

	require.NoError(t, store.InsertContract(context.Background(), activeContract("c-cancel", "call", 50000, 1, epoch.Add(time.Hour))))

	svc := newTestService(testConfig(), store, &engine.Reference{})
	require.NoError(t, svc.CancelContract(context.Background(), "c-cancel", epoch))

	assert.Equal(t, "cancelled", store.contracts["c-cancel"].Status)
	rec, ok := store.settlements["c-cancel"]
	require.True(t, ok)
	assert.Equal(t, int64(0), rec.PayoutCents)
	assert.Equal(t, "mutual-cancel", rec.BranchID)
	require.NotNil(t, rec.TxID)
}
