package unity

import (
	"context"
	"fmt"

	unitycache "github.com/wolfeidau/unity-cache"
	"github.com/wolfeidau/unity-cache/store"
)

// Transaction accumulates the streams of one put before commit.
type Transaction struct {
	Key     unitycache.AssetKey
	Streams store.Streams
}

// Transactions tracks the single open transaction of a session and
// commits it to a store. It is owned by one session and not safe for
// concurrent use.
type Transactions struct {
	store store.Store
	open  *Transaction
}

// NewTransactions creates a transaction manager committing to s.
func NewTransactions(s store.Store) *Transactions {
	return &Transactions{store: s}
}

// Begin opens an empty transaction for key.
func (t *Transactions) Begin(key unitycache.AssetKey) error {
	if t.open != nil {
		return fmt.Errorf("%w for %s", ErrTransactionAlreadyOpen, t.open.Key)
	}
	t.open = &Transaction{Key: key, Streams: make(store.Streams, len(unitycache.Kinds))}
	return nil
}

// Put records a complete stream in the open transaction. A later put of
// the same kind replaces the earlier one.
func (t *Transactions) Put(kind unitycache.StreamKind, data []byte) error {
	if t.open == nil {
		return ErrNoOpenTransaction
	}
	t.open.Streams[kind] = data
	return nil
}

// Commit hands the open transaction to the store and closes it, whether
// or not the store succeeds. It returns the number of streams committed.
// A transaction without streams persists nothing.
func (t *Transactions) Commit(ctx context.Context) (int, error) {
	if t.open == nil {
		return 0, ErrNoOpenTransaction
	}
	txn := t.open
	t.open = nil

	if len(txn.Streams) == 0 {
		return 0, nil
	}
	if err := t.store.Put(ctx, txn.Key, txn.Streams); err != nil {
		return 0, fmt.Errorf("committing %s: %w", txn.Key, err)
	}
	return len(txn.Streams), nil
}

// Abort discards the open transaction, if any, and reports whether there
// was one.
func (t *Transactions) Abort() bool {
	if t.open == nil {
		return false
	}
	t.open = nil
	return true
}

// Open returns the open transaction, or nil.
func (t *Transactions) Open() *Transaction {
	return t.open
}
