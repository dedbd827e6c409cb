package feed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Attestation is a single price report from one data source. Immutable once
// received; it is either folded into a consensus price or dropped when its
// acceptance window lapses.
type Attestation struct {
	Source     string
	Price      decimal.Decimal // USD per unit of the underlying
	ObservedAt time.Time
	Signature  []byte // optional; verified by the ingest layer when present
}

// Feed supplies price attestations on its own cadence. The pipeline imposes
// no polling policy on implementations.
type Feed interface {
	Name() string
	Fetch(ctx context.Context) (Attestation, error)
}
