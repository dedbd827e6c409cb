package consensus

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"option-settlement-pipeline/internal/feed"
)

var (
	// ErrInsufficientQuorum indicates too few fresh attestations to aggregate.
	ErrInsufficientQuorum = errors.New("consensus: insufficient quorum")
	// ErrQuorumLostToOutliers indicates outlier filtering dropped below quorum.
	ErrQuorumLostToOutliers = errors.New("consensus: quorum lost to outliers")
)

// Price is the agreed price for one settlement epoch. Immutable once emitted.
type Price struct {
	Price        decimal.Decimal
	Timestamp    time.Time
	SourceCount  int
	Attestations []feed.Attestation
}

// Params tune the aggregation rule.
type Params struct {
	Quorum       int
	MaxDeviation decimal.Decimal // relative to the median, e.g. 0.02 for 2%
	Window       time.Duration   // attestation acceptance window
}

// Aggregator reduces attestation sets to consensus prices. The rule is
// deterministic and order-independent: two instances fed the same attestation
// set always emit the same Price, which the settlement layer relies on when
// comparing independently recomputed commitments.
type Aggregator struct {
	params Params
	logger zerolog.Logger
}

// NewAggregator constructs an Aggregator.
func NewAggregator(params Params, logger zerolog.Logger) *Aggregator {
	if params.Quorum < 1 {
		params.Quorum = 1
	}
	return &Aggregator{params: params, logger: logger.With().Str("component", "consensus").Logger()}
}

// Aggregate applies the window filter, median outlier rejection, and quorum
// checks, then averages the surviving attestations. now anchors the window.
func (a *Aggregator) Aggregate(attestations []feed.Attestation, now time.Time) (Price, error) {
	fresh := make([]feed.Attestation, 0, len(attestations))
	cutoff := now.Add(-a.params.Window)
	for _, att := range attestations {
		if a.params.Window > 0 && att.ObservedAt.Before(cutoff) {
			a.logger.Debug().Str("source", att.Source).Time("observed_at", att.ObservedAt).Msg("attestation expired")
			continue
		}
		fresh = append(fresh, att)
	}

	if len(fresh) < a.params.Quorum {
		return Price{}, fmt.Errorf("%w: %d of %d required", ErrInsufficientQuorum, len(fresh), a.params.Quorum)
	}

	// Sort by price, then source, so the result does not depend on arrival order.
	sort.Slice(fresh, func(i, j int) bool {
		if c := fresh[i].Price.Cmp(fresh[j].Price); c != 0 {
			return c < 0
		}
		return fresh[i].Source < fresh[j].Source
	})

	med := median(fresh)

	survivors := make([]feed.Attestation, 0, len(fresh))
	for _, att := range fresh {
		deviation := att.Price.Sub(med).Div(med).Abs()
		if deviation.GreaterThan(a.params.MaxDeviation) {
			a.logger.Warn().
				Str("source", att.Source).
				Str("price", att.Price.String()).
				Str("median", med.String()).
				Str("deviation", deviation.String()).
				Msg("attestation rejected as outlier")
			continue
		}
		survivors = append(survivors, att)
	}

	if len(survivors) < a.params.Quorum {
		return Price{}, fmt.Errorf("%w: %d of %d survived filtering", ErrQuorumLostToOutliers, len(survivors), a.params.Quorum)
	}

	sum := decimal.Zero
	latest := survivors[0].ObservedAt
	for _, att := range survivors {
		sum = sum.Add(att.Price)
		if att.ObservedAt.After(latest) {
			latest = att.ObservedAt
		}
	}
	agreed := sum.Div(decimal.NewFromInt(int64(len(survivors))))

	a.logger.Info().
		Str("price", agreed.String()).
		Int("sources", len(survivors)).
		Int("rejected", len(fresh)-len(survivors)).
		Msg("consensus price reached")

	return Price{
		Price:        agreed,
		Timestamp:    latest,
		SourceCount:  len(survivors),
		Attestations: survivors,
	}, nil
}

// Outliers reports the sources whose prices fall outside the deviation bound.
func (a *Aggregator) Outliers(attestations []feed.Attestation) []string {
	if len(attestations) < 3 {
		return nil
	}

	sorted := make([]feed.Attestation, len(attestations))
	copy(sorted, attestations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Price.Cmp(sorted[j].Price) < 0
	})

	med := median(sorted)

	var outliers []string
	for _, att := range attestations {
		deviation := att.Price.Sub(med).Div(med).Abs()
		if deviation.GreaterThan(a.params.MaxDeviation) {
			outliers = append(outliers, att.Source)
		}
	}
	return outliers
}

// median expects attestations sorted by price. Even counts average the two
// central values.
func median(sorted []feed.Attestation) decimal.Decimal {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2].Price
	}
	mid := n / 2
	return sorted[mid-1].Price.Add(sorted[mid].Price).Div(decimal.NewFromInt(2))
}
