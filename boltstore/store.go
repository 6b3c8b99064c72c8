// Package boltstore keeps orders, their history and custody balances in a
// single bbolt file. bbolt admits one writer at a time, so every mutation is
// serialized across all orders.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"escrowflow/custody"
	"escrowflow/escrow"
)

const (
	ordersBucket     = "orders"
	historyBucket    = "history"
	balancesBucket   = "balances"
	principalsBucket = "principals"
)

var errBucketMissing = errors.New("boltstore: bucket is missing")

// Store is a bbolt-backed escrow.Store and custody.Ledger.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the store file at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("boltstore: storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{ordersBucket, historyBucket, balancesBucket, principalsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("boltstore: create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) Insert(ctx context.Context, order escrow.Order, entry escrow.HistoryEntry, fund escrow.FundFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(order.ID) == "" {
		return fmt.Errorf("boltstore: order id is required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		orders, err := bucket(tx, ordersBucket)
		if err != nil {
			return err
		}
		if orders.Get([]byte(order.ID)) != nil {
			return fmt.Errorf("%w: %s", escrow.ErrOrderExists, order.ID)
		}
		if fund != nil {
			if err := fund(ctx, &boltCustody{tx: tx}); err != nil {
				return err
			}
		}
		if err := putOrder(orders, order); err != nil {
			return err
		}
		return putHistory(tx, entry)
	})
}

func (s *Store) Mutate(ctx context.Context, id string, fn escrow.MutateFunc) (escrow.Order, error) {
	if err := ctx.Err(); err != nil {
		return escrow.Order{}, err
	}
	var out escrow.Order
	err := s.db.Update(func(tx *bbolt.Tx) error {
		orders, err := bucket(tx, ordersBucket)
		if err != nil {
			return err
		}
		current, err := getOrder(orders, id)
		if err != nil {
			return err
		}
		d, err := fn(ctx, current, &boltCustody{tx: tx})
		if err != nil {
			return err
		}
		if d.Order.ID != current.ID || d.Order.Version != current.Version+1 {
			return fmt.Errorf("boltstore: decision for %s v%d does not follow v%d", d.Order.ID, d.Order.Version, current.Version)
		}
		if err := putOrder(orders, d.Order); err != nil {
			return err
		}
		if err := putHistory(tx, d.Entry); err != nil {
			return err
		}
		out = d.Order
		return nil
	})
	if err != nil {
		return escrow.Order{}, err
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (escrow.Order, error) {
	if err := ctx.Err(); err != nil {
		return escrow.Order{}, err
	}
	var o escrow.Order
	err := s.db.View(func(tx *bbolt.Tx) error {
		orders, err := bucket(tx, ordersBucket)
		if err != nil {
			return err
		}
		o, err = getOrder(orders, id)
		return err
	})
	return o, err
}

func (s *Store) History(ctx context.Context, id string) ([]escrow.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []escrow.HistoryEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		history, err := bucket(tx, historyBucket)
		if err != nil {
			return err
		}
		prefix := historyPrefix(id)
		c := history.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e escrow.HistoryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("boltstore: unmarshal history: %w", err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", escrow.ErrOrderNotFound, id)
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, filter escrow.Filter) ([]escrow.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []escrow.Order{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		orders, err := bucket(tx, ordersBucket)
		if err != nil {
			return err
		}
		return orders.ForEach(func(_, v []byte) error {
			var o escrow.Order
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("boltstore: unmarshal order: %w", err)
			}
			if filter.Matches(o) {
				out = append(out, o)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Deposit credits owner's account outside of any order.
func (s *Store) Deposit(ctx context.Context, owner string, asset custody.Asset, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := asset.Validate(); err != nil {
		return err
	}
	if owner == "" {
		return fmt.Errorf("%w: deposit requires an owner", custody.ErrInvalidAccount)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return credit(tx, custody.Account(custody.Party(owner), asset), asset, amount)
	})
}

func (s *Store) Balance(ctx context.Context, owner string, asset custody.Asset) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := asset.Validate(); err != nil {
		return 0, err
	}
	var amount uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		balances, err := bucket(tx, balancesBucket)
		if err != nil {
			return err
		}
		amount = readBalance(balances, custody.Account(custody.Party(owner), asset), asset)
		return nil
	})
	return amount, err
}

// boltCustody moves balances inside the enclosing write transaction.
type boltCustody struct {
	tx *bbolt.Tx
}

func (c *boltCustody) MoveNative(_ context.Context, from, to string, amount uint64) error {
	return c.move(custody.Native(), from, to, amount)
}

func (c *boltCustody) MoveToken(_ context.Context, mint, from, to string, amount uint64) error {
	return c.move(custody.Token(mint), from, to, amount)
}

func (c *boltCustody) move(asset custody.Asset, from, to string, amount uint64) error {
	if from == "" || to == "" {
		return custody.ErrInvalidAccount
	}
	balances, err := bucket(c.tx, balancesBucket)
	if err != nil {
		return err
	}
	have := readBalance(balances, from, asset)
	if have < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", custody.ErrInsufficientFunds, from, have, amount)
	}
	if err := writeBalance(balances, from, asset, have-amount); err != nil {
		return err
	}
	return credit(c.tx, to, asset, amount)
}

func credit(tx *bbolt.Tx, account string, asset custody.Asset, amount uint64) error {
	balances, err := bucket(tx, balancesBucket)
	if err != nil {
		return err
	}
	have := readBalance(balances, account, asset)
	if have > math.MaxUint64-amount {
		return fmt.Errorf("boltstore: credit overflows balance of %s", account)
	}
	return writeBalance(balances, account, asset, have+amount)
}

func bucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", errBucketMissing, name)
	}
	return b, nil
}

func getOrder(orders *bbolt.Bucket, id string) (escrow.Order, error) {
	payload := orders.Get([]byte(id))
	if payload == nil {
		return escrow.Order{}, fmt.Errorf("%w: %s", escrow.ErrOrderNotFound, id)
	}
	var o escrow.Order
	if err := json.Unmarshal(payload, &o); err != nil {
		return escrow.Order{}, fmt.Errorf("boltstore: unmarshal order: %w", err)
	}
	return o, nil
}

func putOrder(orders *bbolt.Bucket, o escrow.Order) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("boltstore: marshal order: %w", err)
	}
	return orders.Put([]byte(o.ID), payload)
}

func putHistory(tx *bbolt.Tx, e escrow.HistoryEntry) error {
	history, err := bucket(tx, historyBucket)
	if err != nil {
		return err
	}
	key := historyKey(e.OrderID, e.Seq)
	if history.Get(key) != nil {
		return fmt.Errorf("boltstore: history entry %s/%d already written", e.OrderID, e.Seq)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("boltstore: marshal history: %w", err)
	}
	return history.Put(key, payload)
}

// History keys are the order id, a NUL separator and the big-endian sequence
// number, so a cursor walks one order's entries in order.
func historyPrefix(id string) []byte {
	return append([]byte(id), 0)
}

func historyKey(id string, seq int64) []byte {
	key := historyPrefix(id)
	return binary.BigEndian.AppendUint64(key, uint64(seq))
}

func balanceKey(account string, asset custody.Asset) []byte {
	return []byte(asset.Key() + "\x00" + account)
}

func readBalance(balances *bbolt.Bucket, account string, asset custody.Asset) uint64 {
	v := balances.Get(balanceKey(account, asset))
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func writeBalance(balances *bbolt.Bucket, account string, asset custody.Asset, amount uint64) error {
	key := balanceKey(account, asset)
	if amount == 0 {
		return balances.Delete(key)
	}
	return balances.Put(key, binary.BigEndian.AppendUint64(nil, amount))
}
