package escrow

import (
	"context"

	"escrowflow/custody"
)

// FundFunc moves the initial deposit into custody inside the store's
// transaction. An error aborts the insert.
type FundFunc func(ctx context.Context, adapter custody.Adapter) error

// MutateFunc decides a transition for current and performs its fund movements
// through adapter. The store persists the returned decision only when the
// function succeeds.
type MutateFunc func(ctx context.Context, current Order, adapter custody.Adapter) (Decision, error)

// Store persists orders, their history and the custody balances backing them.
//
// Mutate holds an exclusive lock on the order for the duration of fn and hands
// fn an adapter bound to the same transaction, so the order record, the new
// history entry and the balance changes commit together or not at all.
type Store interface {
	Insert(ctx context.Context, order Order, entry HistoryEntry, fund FundFunc) error
	Mutate(ctx context.Context, id string, fn MutateFunc) (Order, error)
	Get(ctx context.Context, id string) (Order, error)
	History(ctx context.Context, id string) ([]HistoryEntry, error)
	List(ctx context.Context, filter Filter) ([]Order, error)
}
