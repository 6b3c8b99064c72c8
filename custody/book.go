package custody

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Book is an in-memory balance table keyed by account and asset. It implements
// both Adapter and Ledger and is not safe for concurrent use; callers that
// share a Book serialize access and use Clone to stage a transaction.
type Book struct {
	balances map[bookKey]uint64
}

type bookKey struct {
	account string
	asset   string
}

// NewBook returns an empty Book.
func NewBook() *Book {
	return &Book{balances: make(map[bookKey]uint64)}
}

// Clone returns an independent copy.
func (b *Book) Clone() *Book {
	out := &Book{balances: make(map[bookKey]uint64, len(b.balances))}
	for k, v := range b.balances {
		out.balances[k] = v
	}
	return out
}

func (b *Book) MoveNative(_ context.Context, from, to string, amount uint64) error {
	return b.move(Native(), from, to, amount)
}

func (b *Book) MoveToken(_ context.Context, mint, from, to string, amount uint64) error {
	return b.move(Token(mint), from, to, amount)
}

func (b *Book) Deposit(_ context.Context, owner string, asset Asset, amount uint64) error {
	if err := asset.Validate(); err != nil {
		return err
	}
	if owner == "" {
		return fmt.Errorf("%w: deposit requires an owner", ErrInvalidAccount)
	}
	key := bookKey{account: Account(Party(owner), asset), asset: asset.Key()}
	if b.balances[key] > math.MaxUint64-amount {
		return fmt.Errorf("custody: deposit overflows balance of %s", key.account)
	}
	b.balances[key] += amount
	return nil
}

func (b *Book) Balance(_ context.Context, owner string, asset Asset) (uint64, error) {
	if err := asset.Validate(); err != nil {
		return 0, err
	}
	return b.balances[bookKey{account: Account(Party(owner), asset), asset: asset.Key()}], nil
}

// Accounts lists every account holding a non-zero balance, sorted.
func (b *Book) Accounts() []string {
	seen := make(map[string]struct{}, len(b.balances))
	for k, v := range b.balances {
		if v > 0 {
			seen[k.account] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (b *Book) move(asset Asset, from, to string, amount uint64) error {
	if from == "" || to == "" {
		return ErrInvalidAccount
	}
	src := bookKey{account: from, asset: asset.Key()}
	dst := bookKey{account: to, asset: asset.Key()}
	if b.balances[src] < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, from, b.balances[src], amount)
	}
	b.balances[src] -= amount
	b.balances[dst] += amount
	return nil
}
