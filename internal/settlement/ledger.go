package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// LocalLedger is an in-process Ledger for development and simulation. Payout
// transactions are deterministic digests of their identifying fields; a
// broadcast immediately reaches the configured confirmation depth.
type LocalLedger struct {
	mu        sync.Mutex
	broadcast map[string]int
	depth     int
}

// NewLocalLedger constructs a ledger whose broadcasts confirm at depth.
func NewLocalLedger(depth int) *LocalLedger {
	if depth <= 0 {
		depth = 6
	}
	return &LocalLedger{broadcast: make(map[string]int), depth: depth}
}

// PreAuthorize derives a stable pseudo-transaction for the branch.
func (l *LocalLedger) PreAuthorize(ctx context.Context, contractID, branchID string, kind BranchKind) ([]byte, error) {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%s/%s", contractID, branchID, kind)))
	return sum[:], nil
}

// Broadcast records the transaction and returns its id.
func (l *LocalLedger) Broadcast(ctx context.Context, tx []byte) (string, error) {
	sum := sha256.Sum256(tx)
	txid := hex.EncodeToString(sum[:])

	l.mu.Lock()
	l.broadcast[txid] = l.depth
	l.mu.Unlock()
	return txid, nil
}

// Confirmations reports the depth of a previously broadcast transaction.
func (l *LocalLedger) Confirmations(ctx context.Context, txid string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	depth, ok := l.broadcast[txid]
	if !ok {
		return 0, fmt.Errorf("unknown transaction %s", txid)
	}
	return depth, nil
}

var _ Ledger = (*LocalLedger)(nil)
