package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertConsensusSampleSQL = `INSERT INTO consensus_samples (
        epoch_ts,
        price,
        source_count,
        sources,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (epoch_ts) DO UPDATE
    SET
        price        = EXCLUDED.price,
        source_count = EXCLUDED.source_count,
        sources      = EXCLUDED.sources,
        status       = EXCLUDED.status,
        error        = EXCLUDED.error;`

	listConsensusBetweenSQL = `SELECT
        epoch_ts, price, source_count, sources, status, error, created_at
    FROM consensus_samples
    WHERE epoch_ts >= $1
      AND epoch_ts < $2
    ORDER BY epoch_ts;`

	latestConsensusSQL = `SELECT
        epoch_ts, price, source_count, sources, status, error, created_at
    FROM consensus_samples
    WHERE status = 'complete'
    ORDER BY epoch_ts DESC
    LIMIT 1;`

	insertContractSQL = `INSERT INTO contracts (
        id, type, strike, expiry, quantity, collateral, buyer, seller, program_id, status
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	updateContractStatusSQL = `UPDATE contracts SET status = $2 WHERE id = $1;`

	getContractSQL = `SELECT
        id, type, strike, expiry, quantity, collateral, buyer, seller, program_id, status, created_at
    FROM contracts
    WHERE id = $1;`

	listDueContractsSQL = `SELECT
        id, type, strike, expiry, quantity, collateral, buyer, seller, program_id, status, created_at
    FROM contracts
    WHERE status = 'active'
      AND expiry <= $1
    ORDER BY expiry;`

	insertSettlementSQL = `INSERT INTO settlements (
        contract_id, epoch_ts, spot_price, payout_cents, itm, branch_id, commitment, txid
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (contract_id) DO UPDATE
    SET epoch_ts     = EXCLUDED.epoch_ts,
        spot_price   = EXCLUDED.spot_price,
        payout_cents = EXCLUDED.payout_cents,
        itm          = EXCLUDED.itm,
        branch_id    = EXCLUDED.branch_id,
        commitment   = EXCLUDED.commitment,
        txid         = EXCLUDED.txid;`

	listRecentSettlementsSQL = `SELECT
        contract_id, epoch_ts, spot_price, payout_cents, itm, branch_id, commitment, txid, created_at
    FROM settlements
    ORDER BY created_at DESC
    LIMIT $1;`

	upsertDisputeSQL = `INSERT INTO dispute_rounds (
        contract_id, phase, round, lo, hi, awaiting, deadline, winner, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,now()
    )
    ON CONFLICT (contract_id) DO UPDATE
    SET phase      = EXCLUDED.phase,
        round      = EXCLUDED.round,
        lo         = EXCLUDED.lo,
        hi         = EXCLUDED.hi,
        awaiting   = EXCLUDED.awaiting,
        deadline   = EXCLUDED.deadline,
        winner     = EXCLUDED.winner,
        updated_at = now();`

	getDisputeSQL = `SELECT
        contract_id, phase, round, lo, hi, awaiting, deadline, winner, updated_at
    FROM dispute_rounds
    WHERE contract_id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ConsensusStore defines operations for consensus price persistence.
type ConsensusStore interface {
	UpsertConsensusSample(ctx context.Context, sample ConsensusSample) error
	ListConsensusBetween(ctx context.Context, from, to time.Time) ([]ConsensusSample, error)
	LatestConsensus(ctx context.Context) (ConsensusSample, error)
}

// ContractStore defines operations for option contract persistence.
type ContractStore interface {
	InsertContract(ctx context.Context, rec ContractRecord) error
	UpdateContractStatus(ctx context.Context, id, status string) error
	GetContract(ctx context.Context, id string) (ContractRecord, error)
	ListDueContracts(ctx context.Context, asOf time.Time) ([]ContractRecord, error)
}

// SettlementStore defines operations for settlement outcome persistence.
type SettlementStore interface {
	InsertSettlement(ctx context.Context, rec SettlementRecord) error
	ListRecentSettlements(ctx context.Context, limit int) ([]SettlementRecord, error)
}

// DisputeStore persists in-flight dispute round state.
type DisputeStore interface {
	UpsertDispute(ctx context.Context, rec DisputeRecord) error
	GetDispute(ctx context.Context, contractID string) (DisputeRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to all pipeline tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertConsensusSample persists or updates an epoch's consensus price.
func (s *Store) UpsertConsensusSample(ctx context.Context, sample ConsensusSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if sample.Error != nil {
		errMsg = *sample.Error
	}

	_, execErr := pool.Exec(ctx, upsertConsensusSampleSQL,
		sample.Epoch,
		sample.Price.String(),
		sample.SourceCount,
		sample.Sources,
		sample.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert consensus sample: %w", execErr)
	}
	return nil
}

// ListConsensusBetween lists consensus samples within a time window.
func (s *Store) ListConsensusBetween(ctx context.Context, from, to time.Time) ([]ConsensusSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listConsensusBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list consensus between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]ConsensusSample, 0)
	for rows.Next() {
		sample, scanErr := scanConsensusSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// LatestConsensus returns the most recent complete consensus sample.
func (s *Store) LatestConsensus(ctx context.Context) (ConsensusSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return ConsensusSample{}, err
	}

	rows, queryErr := pool.Query(ctx, latestConsensusSQL)
	if queryErr != nil {
		return ConsensusSample{}, fmt.Errorf("latest consensus: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return ConsensusSample{}, rows.Err()
		}
		return ConsensusSample{}, pgx.ErrNoRows
	}
	return scanConsensusSample(rows)
}

// InsertContract persists a newly created contract.
func (s *Store) InsertContract(ctx context.Context, rec ContractRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertContractSQL,
		rec.ID,
		rec.Type,
		rec.Strike.String(),
		rec.Expiry,
		rec.Quantity.String(),
		rec.Collateral.String(),
		rec.Buyer,
		rec.Seller,
		rec.ProgramID,
		rec.Status,
	)
	if execErr != nil {
		return fmt.Errorf("insert contract: %w", execErr)
	}
	return nil
}

// UpdateContractStatus records a lifecycle transition.
func (s *Store) UpdateContractStatus(ctx context.Context, id, status string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, updateContractStatusSQL, id, status)
	if execErr != nil {
		return fmt.Errorf("update contract status: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// GetContract loads one contract by id.
func (s *Store) GetContract(ctx context.Context, id string) (ContractRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return ContractRecord{}, err
	}

	rows, queryErr := pool.Query(ctx, getContractSQL, id)
	if queryErr != nil {
		return ContractRecord{}, fmt.Errorf("get contract: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return ContractRecord{}, rows.Err()
		}
		return ContractRecord{}, pgx.ErrNoRows
	}
	return scanContract(rows)
}

// ListDueContracts lists active contracts whose expiry has passed.
func (s *Store) ListDueContracts(ctx context.Context, asOf time.Time) ([]ContractRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDueContractsSQL, asOf)
	if queryErr != nil {
		return nil, fmt.Errorf("list due contracts: %w", queryErr)
	}
	defer rows.Close()

	records := make([]ContractRecord, 0)
	for rows.Next() {
		rec, scanErr := scanContract(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// InsertSettlement persists a settlement outcome.
func (s *Store) InsertSettlement(ctx context.Context, rec SettlementRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var txid interface{}
	if rec.TxID != nil {
		txid = *rec.TxID
	}

	_, execErr := pool.Exec(ctx, insertSettlementSQL,
		rec.ContractID,
		rec.Epoch,
		rec.SpotPrice.String(),
		rec.PayoutCents,
		rec.ITM,
		rec.BranchID,
		rec.Commitment,
		txid,
	)
	if execErr != nil {
		return fmt.Errorf("insert settlement: %w", execErr)
	}
	return nil
}

// ListRecentSettlements lists the most recent settlement outcomes.
func (s *Store) ListRecentSettlements(ctx context.Context, limit int) ([]SettlementRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSettlementsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent settlements: %w", queryErr)
	}
	defer rows.Close()

	records := make([]SettlementRecord, 0, limit)
	for rows.Next() {
		var (
			rec     SettlementRecord
			spotStr string
			txid    sql.NullString
		)
		if err := rows.Scan(
			&rec.ContractID,
			&rec.Epoch,
			&spotStr,
			&rec.PayoutCents,
			&rec.ITM,
			&rec.BranchID,
			&rec.Commitment,
			&txid,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.SpotPrice, convErr = decimal.NewFromString(spotStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse spot price: %w", convErr)
		}
		if txid.Valid {
			v := txid.String
			rec.TxID = &v
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// UpsertDispute persists the current dispute round state for a contract.
func (s *Store) UpsertDispute(ctx context.Context, rec DisputeRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var winner interface{}
	if rec.Winner != nil {
		winner = *rec.Winner
	}

	_, execErr := pool.Exec(ctx, upsertDisputeSQL,
		rec.ContractID,
		rec.Phase,
		rec.Round,
		rec.Lo,
		rec.Hi,
		rec.Awaiting,
		rec.Deadline,
		winner,
	)
	if execErr != nil {
		return fmt.Errorf("upsert dispute: %w", execErr)
	}
	return nil
}

// GetDispute loads the persisted dispute state for a contract.
func (s *Store) GetDispute(ctx context.Context, contractID string) (DisputeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return DisputeRecord{}, err
	}

	var (
		rec    DisputeRecord
		winner sql.NullString
	)
	row := pool.QueryRow(ctx, getDisputeSQL, contractID)
	if scanErr := row.Scan(
		&rec.ContractID,
		&rec.Phase,
		&rec.Round,
		&rec.Lo,
		&rec.Hi,
		&rec.Awaiting,
		&rec.Deadline,
		&winner,
		&rec.UpdatedAt,
	); scanErr != nil {
		return DisputeRecord{}, fmt.Errorf("get dispute: %w", scanErr)
	}
	if winner.Valid {
		v := winner.String
		rec.Winner = &v
	}
	return rec, nil
}

func scanConsensusSample(rows pgx.Rows) (ConsensusSample, error) {
	var (
		epoch       time.Time
		priceStr    string
		sourceCount int
		sources     []string
		status      string
		errMsg      sql.NullString
		createdAt   time.Time
	)

	if err := rows.Scan(
		&epoch,
		&priceStr,
		&sourceCount,
		&sources,
		&status,
		&errMsg,
		&createdAt,
	); err != nil {
		return ConsensusSample{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return ConsensusSample{}, fmt.Errorf("parse consensus price: %w", err)
	}

	sample := ConsensusSample{
		Epoch:       epoch,
		Price:       price,
		SourceCount: sourceCount,
		Sources:     sources,
		Status:      status,
		CreatedAt:   createdAt,
	}
	if errMsg.Valid {
		msg := errMsg.String
		sample.Error = &msg
	}
	return sample, nil
}

func scanContract(rows pgx.Rows) (ContractRecord, error) {
	var (
		rec           ContractRecord
		strikeStr     string
		quantityStr   string
		collateralStr string
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.Type,
		&strikeStr,
		&rec.Expiry,
		&quantityStr,
		&collateralStr,
		&rec.Buyer,
		&rec.Seller,
		&rec.ProgramID,
		&rec.Status,
		&rec.CreatedAt,
	); err != nil {
		return ContractRecord{}, err
	}

	var err error
	rec.Strike, err = decimal.NewFromString(strikeStr)
	if err != nil {
		return ContractRecord{}, fmt.Errorf("parse strike: %w", err)
	}
	rec.Quantity, err = decimal.NewFromString(quantityStr)
	if err != nil {
		return ContractRecord{}, fmt.Errorf("parse quantity: %w", err)
	}
	rec.Collateral, err = decimal.NewFromString(collateralStr)
	if err != nil {
		return ContractRecord{}, fmt.Errorf("parse collateral: %w", err)
	}
	return rec, nil
}
