// Package anchor builds the minimal-footprint on-chain anchor record: a
// 32-byte commitment digest followed by a 28-byte option record, embedded in
// an OP_RETURN-sized payload. The byte layout is an external, documented
// schema and must be honored bit-for-bit.
package anchor

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"option-settlement-pipeline/internal/contract"
	"option-settlement-pipeline/internal/trace"
)

// TxType tags the anchored event.
type TxType uint8

const (
	TxCreate    TxType = 0x00
	TxBuy       TxType = 0x01
	TxSettle    TxType = 0x02
	TxChallenge TxType = 0x03
)

const (
	// RecordSize is the fixed option record length.
	RecordSize = 28
	// PayloadSize is the full anchor payload: commitment digest plus record.
	PayloadSize = trace.DigestSize + RecordSize
)

// Record is the fixed 28-byte option descriptor.
//
// Layout: tx type (1) || option id hash (6) || option type (1) ||
// strike sats u64 BE (8) || expiry unix u64 BE (8) || unit f32 BE (4).
type Record struct {
	TxType     TxType
	OptionID   [6]byte
	OptionType uint8 // 0 = call, 1 = put
	StrikeSats uint64
	Expiry     uint64
	Unit       float32
}

// OptionIDHash derives the 6-byte identifier from a contract ID string.
func OptionIDHash(id string) [6]byte {
	sum := sha256.Sum256([]byte(id))
	var out [6]byte
	copy(out[:], sum[:6])
	return out
}

// RecordFor derives the anchor record for a contract event. Binary payoffs
// anchor under the same call/put tag as their vanilla forms; the record only
// distinguishes settlement direction.
func RecordFor(c *contract.Contract, txType TxType) Record {
	r := Record{
		TxType:     txType,
		OptionID:   OptionIDHash(c.ID),
		StrikeSats: uint64(c.Strike.Mul(decimal.NewFromInt(100)).Round(0).IntPart()),
		Expiry:     uint64(c.Expiry.Unix()),
	}
	if c.Type == contract.Put || c.Type == contract.BinaryPut {
		r.OptionType = 1
	}
	unit, _ := c.Quantity.Float64()
	r.Unit = float32(unit)
	return r
}

// Encode serializes the record to its exact 28-byte form.
func (r Record) Encode() []byte {
	buf := make([]byte, 0, RecordSize)
	buf = append(buf, byte(r.TxType))
	buf = append(buf, r.OptionID[:]...)
	buf = append(buf, r.OptionType)
	buf = binary.BigEndian.AppendUint64(buf, r.StrikeSats)
	buf = binary.BigEndian.AppendUint64(buf, r.Expiry)
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(r.Unit))
	return buf
}

// DecodeRecord parses a 28-byte option record.
func DecodeRecord(data []byte) (Record, error) {
	if len(data) != RecordSize {
		return Record{}, fmt.Errorf("anchor record must be %d bytes, got %d", RecordSize, len(data))
	}

	var r Record
	switch TxType(data[0]) {
	case TxCreate, TxBuy, TxSettle, TxChallenge:
		r.TxType = TxType(data[0])
	default:
		return Record{}, fmt.Errorf("invalid anchor tx type %#02x", data[0])
	}
	copy(r.OptionID[:], data[1:7])
	r.OptionType = data[7]
	r.StrikeSats = binary.BigEndian.Uint64(data[8:16])
	r.Expiry = binary.BigEndian.Uint64(data[16:24])
	r.Unit = math.Float32frombits(binary.BigEndian.Uint32(data[24:28]))
	return r, nil
}

// Payload assembles the full 60-byte anchor payload for a commitment.
func Payload(commitment trace.Digest, record Record) []byte {
	buf := make([]byte, 0, PayloadSize)
	buf = append(buf, commitment[:]...)
	buf = append(buf, record.Encode()...)
	return buf
}

// DecodePayload splits an anchor payload back into its commitment and record.
func DecodePayload(data []byte) (trace.Digest, Record, error) {
	if len(data) != PayloadSize {
		return trace.Digest{}, Record{}, fmt.Errorf("anchor payload must be %d bytes, got %d", PayloadSize, len(data))
	}
	var d trace.Digest
	copy(d[:], data[:trace.DigestSize])
	record, err := DecodeRecord(data[trace.DigestSize:])
	if err != nil {
		return trace.Digest{}, Record{}, err
	}
	return d, record, nil
}
