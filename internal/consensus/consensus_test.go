package consensus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"option-settlement-pipeline/internal/feed"
)

func att(source string, price float64, observed time.Time) feed.Attestation {
	return feed.Attestation{Source: source, Price: decimal.NewFromFloat(price), ObservedAt: observed}
}

func newTestAggregator(quorum int, maxDeviation float64, window time.Duration) *Aggregator {
	return NewAggregator(Params{
		Quorum:       quorum,
		MaxDeviation: decimal.NewFromFloat(maxDeviation),
		Window:       window,
	}, zerolog.Nop())
}

func TestAggregateHappyPath(t *testing.T) {
	now := time.Now().UTC()
	agg := newTestAggregator(2, 0.02, 2*time.Minute)

	price, err := agg.Aggregate([]feed.Attestation{
		att("a", 50000, now),
		att("b", 50100, now),
		att("c", 49900, now),
	}, now)
	require.NoError(t, err)

	assert.Equal(t, 3, price.SourceCount)
	assert.True(t, price.Price.Equal(decimal.NewFromInt(50000)), "mean of 49900/50000/50100, got %s", price.Price)
}

func TestAggregateRejectsOutlier(t *testing.T) {
	now := time.Now().UTC()
	agg := newTestAggregator(2, 0.02, 2*time.Minute)

	price, err := agg.Aggregate([]feed.Attestation{
		att("a", 50000, now),
		att("b", 50200, now),
		att("byzantine", 80000, now),
	}, now)
	require.NoError(t, err)

	assert.Equal(t, 2, price.SourceCount)
	for _, a := range price.Attestations {
		assert.NotEqual(t, "byzantine", a.Source)
	}
	assert.True(t, price.Price.Equal(decimal.NewFromInt(50100)))
}

func TestAggregateInsufficientQuorum(t *testing.T) {
	now := time.Now().UTC()
	agg := newTestAggregator(3, 0.02, 2*time.Minute)

	_, err := agg.Aggregate([]feed.Attestation{
		att("a", 50000, now),
		att("b", 50100, now),
	}, now)
	require.ErrorIs(t, err, ErrInsufficientQuorum)
}

func TestAggregateQuorumLostToOutliers(t *testing.T) {
	now := time.Now().UTC()
	agg := newTestAggregator(3, 0.001, 2*time.Minute)

	// Median is 50000; the two wings deviate far beyond 0.1%.
	_, err := agg.Aggregate([]feed.Attestation{
		att("a", 40000, now),
		att("b", 50000, now),
		att("c", 60000, now),
	}, now)
	require.ErrorIs(t, err, ErrQuorumLostToOutliers)
}

func TestAggregateDropsExpiredAttestations(t *testing.T) {
	now := time.Now().UTC()
	agg := newTestAggregator(2, 0.02, time.Minute)

	_, err := agg.Aggregate([]feed.Attestation{
		att("stale", 50000, now.Add(-2*time.Minute)),
		att("fresh", 50000, now),
	}, now)
	require.ErrorIs(t, err, ErrInsufficientQuorum)
}

func TestAggregateOrderIndependent(t *testing.T) {
	now := time.Now().UTC()
	agg := newTestAggregator(2, 0.02, 2*time.Minute)

	forward := []feed.Attestation{
		att("a", 50000, now),
		att("b", 50100, now),
		att("c", 49950, now),
		att("d", 50050, now),
	}
	reversed := []feed.Attestation{forward[3], forward[2], forward[1], forward[0]}

	p1, err := agg.Aggregate(forward, now)
	require.NoError(t, err)
	p2, err := agg.Aggregate(reversed, now)
	require.NoError(t, err)

	assert.True(t, p1.Price.Equal(p2.Price))
	assert.Equal(t, p1.SourceCount, p2.SourceCount)
}

func TestAggregateEvenCountMedian(t *testing.T) {
	now := time.Now().UTC()
	agg := newTestAggregator(2, 0.5, 2*time.Minute)

	price, err := agg.Aggregate([]feed.Attestation{
		att("a", 100, now),
		att("b", 200, now),
	}, now)
	require.NoError(t, err)
	assert.True(t, price.Price.Equal(decimal.NewFromInt(150)))
}

func TestOutliersReporting(t *testing.T) {
	now := time.Now().UTC()
	agg := newTestAggregator(2, 0.02, 2*time.Minute)

	outliers := agg.Outliers([]feed.Attestation{
		att("a", 50000, now),
		att("b", 50100, now),
		att("byzantine", 90000, now),
	})
	require.Len(t, outliers, 1)
	assert.Equal(t, "byzantine", outliers[0])
}

func TestAggregateTimestampIsLatestSurvivor(t *testing.T) {
	now := time.Now().UTC()
	agg := newTestAggregator(2, 0.02, 5*time.Minute)

	earlier := now.Add(-time.Minute)
	price, err := agg.Aggregate([]feed.Attestation{
		att("a", 50000, earlier),
		att("b", 50000, now),
	}, now)
	require.NoError(t, err)
	assert.True(t, price.Timestamp.Equal(now))
}
