package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConsensusSample is a persisted per-epoch consensus price.
type ConsensusSample struct {
	Epoch       time.Time
	Price       decimal.Decimal
	SourceCount int
	Sources     []string
	Status      string
	Error       *string
	CreatedAt   time.Time
}

// ContractRecord is a persisted option contract.
type ContractRecord struct {
	ID         string
	Type       string
	Strike     decimal.Decimal
	Expiry     time.Time
	Quantity   decimal.Decimal
	Collateral decimal.Decimal
	Buyer      string
	Seller     string
	ProgramID  string
	Status     string
	CreatedAt  time.Time
}

// SettlementRecord captures the outcome of one contract settlement.
type SettlementRecord struct {
	ContractID  string
	Epoch       time.Time
	SpotPrice   decimal.Decimal
	PayoutCents int64
	ITM         bool
	BranchID    string
	Commitment  string // final chain digest, hex
	TxID        *string
	CreatedAt   time.Time
}

// DisputeRecord is the persisted round state of an in-flight dispute.
type DisputeRecord struct {
	ContractID string
	Phase      string
	Round      int
	Lo         int64
	Hi         int64
	Awaiting   string
	Deadline   time.Time
	Winner     *string
	UpdatedAt  time.Time
}
