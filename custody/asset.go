package custody

import (
	"fmt"
	"strings"
)

// Kind distinguishes the two asset variants an order can hold.
type Kind string

const (
	KindNative Kind = "native"
	KindToken  Kind = "token"
)

// Asset identifies what an escrow custodies. Token assets carry the mint they belong to.
type Asset struct {
	Kind Kind   `json:"kind"`
	Mint string `json:"mint,omitempty"`
}

// Native returns the native-currency asset.
func Native() Asset {
	return Asset{Kind: KindNative}
}

// Token returns a fungible-token asset for the given mint.
func Token(mint string) Asset {
	return Asset{Kind: KindToken, Mint: strings.TrimSpace(mint)}
}

// Validate reports ErrAssetMismatch when the variant and its fields disagree.
func (a Asset) Validate() error {
	switch a.Kind {
	case KindNative:
		if a.Mint != "" {
			return fmt.Errorf("%w: native asset must not name a mint", ErrAssetMismatch)
		}
		return nil
	case KindToken:
		if a.Mint == "" {
			return fmt.Errorf("%w: token asset requires a mint", ErrAssetMismatch)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown asset kind %q", ErrAssetMismatch, a.Kind)
	}
}

// Key is the balance-table key for the asset: "native" or "token:<mint>".
func (a Asset) Key() string {
	if a.Kind == KindToken {
		return string(KindToken) + ":" + a.Mint
	}
	return string(KindNative)
}

func (a Asset) String() string {
	return a.Key()
}

// ParseAssetKey reverses Key.
func ParseAssetKey(key string) (Asset, error) {
	if key == string(KindNative) {
		return Native(), nil
	}
	if mint, ok := strings.CutPrefix(key, string(KindToken)+":"); ok && mint != "" {
		return Token(mint), nil
	}
	return Asset{}, fmt.Errorf("%w: unknown asset key %q", ErrAssetMismatch, key)
}
