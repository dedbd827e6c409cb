package anchor

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"option-settlement-pipeline/internal/contract"
	"option-settlement-pipeline/internal/trace"
)

func TestRecordEncodeLayout(t *testing.T) {
	r := Record{
		TxType:     TxSettle,
		OptionID:   [6]byte{1, 2, 3, 4, 5, 6},
		OptionType: 1,
		StrikeSats: 50000,
		Expiry:     1735689600,
		Unit:       1.5,
	}

	encoded := r.Encode()
	require.Len(t, encoded, RecordSize)

	assert.Equal(t, byte(0x02), encoded[0])
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, encoded[1:7])
	assert.Equal(t, byte(1), encoded[7])
	// Big-endian u64 strike.
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0xc3, 0x50}, encoded[8:16])

	decoded, err := DecodeRecord(encoded)
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestDecodeRecordRejectsBadInput(t *testing.T) {
	_, err := DecodeRecord(make([]byte, RecordSize-1))
	require.Error(t, err)

	bad := Record{TxType: TxCreate}.Encode()
	bad[0] = 0x7f
	_, err = DecodeRecord(bad)
	require.Error(t, err)
}

func TestPayloadRoundTrip(t *testing.T) {
	var digest trace.Digest
	for i := range digest {
		digest[i] = byte(i)
	}
	record := Record{TxType: TxChallenge, OptionID: OptionIDHash("contract-9"), StrikeSats: 1}

	payload := Payload(digest, record)
	require.Len(t, payload, PayloadSize)
	assert.Equal(t, 60, PayloadSize)

	gotDigest, gotRecord, err := DecodePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, digest, gotDigest)
	assert.Equal(t, record, gotRecord)

	_, _, err = DecodePayload(payload[:59])
	require.Error(t, err)
}

func TestOptionIDHashStable(t *testing.T) {
	a := OptionIDHash("contract-1")
	b := OptionIDHash("contract-1")
	c := OptionIDHash("contract-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestRecordFor(t *testing.T) {
	c := &contract.Contract{
		ID:       "contract-1",
		Type:     contract.BinaryPut,
		Strike:   decimal.NewFromFloat(500.25),
		Expiry:   time.Unix(1735689600, 0).UTC(),
		Quantity: decimal.NewFromFloat(1.5),
	}

	r := RecordFor(c, TxSettle)
	assert.Equal(t, TxSettle, r.TxType)
	assert.Equal(t, OptionIDHash("contract-1"), r.OptionID)
	assert.Equal(t, uint8(1), r.OptionType)
	assert.Equal(t, uint64(50025), r.StrikeSats)
	assert.Equal(t, uint64(1735689600), r.Expiry)
	assert.Equal(t, float32(1.5), r.Unit)

	call := &contract.Contract{ID: "c", Type: contract.Call, Strike: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1)}
	assert.Equal(t, uint8(0), RecordFor(call, TxCreate).OptionType)
}
