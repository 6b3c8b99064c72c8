package custody

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the source balance.
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
	// ErrAssetMismatch flags an asset variant that does not match the accounts supplied.
	ErrAssetMismatch = errors.New("custody: asset mismatch")
	// ErrInvalidAccount is returned for empty or malformed account identifiers.
	ErrInvalidAccount = errors.New("custody: invalid account")
)

// Adapter moves value between accounts. Implementations are bound to the
// transaction of the order being mutated so that fund movements commit or roll
// back together with the order state.
type Adapter interface {
	MoveNative(ctx context.Context, from, to string, amount uint64) error
	MoveToken(ctx context.Context, mint, from, to string, amount uint64) error
}

// Ledger exposes balance reads and external deposits (funding a principal
// before it creates an order).
type Ledger interface {
	Deposit(ctx context.Context, owner string, asset Asset, amount uint64) error
	Balance(ctx context.Context, owner string, asset Asset) (uint64, error)
}

const escrowPrefix = "escrow:"

// Party is an owner of funds: a principal or an order's escrow custody.
type Party string

// EscrowParty is the custody party holding an order's funds.
func EscrowParty(orderID string) Party {
	return Party(escrowPrefix + orderID)
}

// IsEscrow reports whether the party is an order custody.
func (p Party) IsEscrow() bool {
	return len(p) > len(escrowPrefix) && string(p[:len(escrowPrefix)]) == escrowPrefix
}

// TokenAccount derives the token account an owner holds for a mint.
func TokenAccount(owner Party, mint string) string {
	return mint + "/" + string(owner)
}

// Account resolves the account that holds the party's balance of asset.
func Account(p Party, asset Asset) string {
	if asset.Kind == KindToken {
		return TokenAccount(p, asset.Mint)
	}
	return string(p)
}

// Transfer is the single dispatch point from an Asset to the matching adapter
// call. A zero amount is a no-op.
func Transfer(ctx context.Context, a Adapter, asset Asset, from, to Party, amount uint64) error {
	if err := asset.Validate(); err != nil {
		return err
	}
	if from == "" || to == "" {
		return fmt.Errorf("%w: transfer requires both parties", ErrInvalidAccount)
	}
	if amount == 0 {
		return nil
	}

	switch asset.Kind {
	case KindNative:
		return a.MoveNative(ctx, string(from), string(to), amount)
	case KindToken:
		return a.MoveToken(ctx, asset.Mint, TokenAccount(from, asset.Mint), TokenAccount(to, asset.Mint), amount)
	default:
		return fmt.Errorf("%w: unknown asset kind %q", ErrAssetMismatch, asset.Kind)
	}
}
