// Package storetest holds the behaviour every escrow.Store backend must share.
// Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/custody"
	"escrowflow/escrow"
)

// Backend is a store that also keeps the custody balances.
type Backend interface {
	escrow.Store
	custody.Ledger
}

const (
	importer = "imp"
	exporter = "exp"
	verifier = "ver"
)

var (
	t0       = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	evidence = strings.Repeat("0f", escrow.EvidenceBytes)
)

// Run exercises newBackend against the Store contract. Each subtest gets a
// fresh backend.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newBackend(t)) })
	t.Run("DuplicateInsert", func(t *testing.T) { testDuplicateInsert(t, newBackend(t)) })
	t.Run("FundingFailureRollsBack", func(t *testing.T) { testFundingFailure(t, newBackend(t)) })
	t.Run("MutateRollsBackOnError", func(t *testing.T) { testMutateRollback(t, newBackend(t)) })
	t.Run("MutateUnknownOrder", func(t *testing.T) { testMutateUnknown(t, newBackend(t)) })
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, newBackend(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newBackend(t)) })
	t.Run("TokenBalances", func(t *testing.T) { testTokenBalances(t, newBackend(t)) })
	t.Run("ConcurrentWatchdog", func(t *testing.T) { testConcurrentWatchdog(t, newBackend(t)) })
}

func params(amount uint64) escrow.CreateOrderParams {
	return escrow.CreateOrderParams{
		Importer:         importer,
		Exporter:         exporter,
		Verifier:         verifier,
		Amount:           amount,
		ProposedDeadline: t0.Add(48 * time.Hour),
		Metadata:         escrow.Metadata{Title: "Steel coils", Tags: []string{"metal"}},
	}
}

func service(b Backend, prefix string) *escrow.Service {
	var (
		mu sync.Mutex
		n  int
	)
	return escrow.NewService(b, escrow.WithIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}))
}

func fund(t *testing.T, b Backend, owner string, asset custody.Asset, amount uint64) {
	t.Helper()
	require.NoError(t, b.Deposit(context.Background(), owner, asset, amount))
}

func balanceOf(t *testing.T, b Backend, owner string, asset custody.Asset) uint64 {
	t.Helper()
	n, err := b.Balance(context.Background(), owner, asset)
	require.NoError(t, err)
	return n
}

func testInsertAndGet(t *testing.T, b Backend) {
	ctx := context.Background()
	fund(t, b, importer, custody.Native(), 1_000)

	created, err := service(b, "ins").CreateOrder(ctx, params(600), t0)
	require.NoError(t, err)

	got, err := b.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	history, err := b.History(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(1), history[0].Seq)
	assert.Equal(t, t0, history[0].Timestamp)

	assert.Equal(t, uint64(400), balanceOf(t, b, importer, custody.Native()))
	assert.Equal(t, uint64(600), balanceOf(t, b, string(created.Custody()), custody.Native()))
}

func testDuplicateInsert(t *testing.T, b Backend) {
	ctx := context.Background()
	d, err := escrow.NewOrder("dup-1", params(1), t0)
	require.NoError(t, err)
	require.NoError(t, b.Insert(ctx, d.Order, d.Entry, nil))
	err = b.Insert(ctx, d.Order, d.Entry, nil)
	require.ErrorIs(t, err, escrow.ErrOrderExists)
}

func testFundingFailure(t *testing.T, b Backend) {
	ctx := context.Background()
	fund(t, b, importer, custody.Native(), 10)

	_, err := service(b, "poor").CreateOrder(ctx, params(11), t0)
	require.ErrorIs(t, err, escrow.ErrInsufficientFunds)

	_, err = b.Get(ctx, "poor-1")
	require.ErrorIs(t, err, escrow.ErrOrderNotFound)
	assert.Equal(t, uint64(10), balanceOf(t, b, importer, custody.Native()))
}

func testMutateRollback(t *testing.T, b Backend) {
	ctx := context.Background()
	fund(t, b, importer, custody.Native(), 100)
	o, err := service(b, "rb").CreateOrder(ctx, params(100), t0)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = b.Mutate(ctx, o.ID, func(ctx context.Context, current escrow.Order, adapter custody.Adapter) (escrow.Decision, error) {
		if err := custody.Transfer(ctx, adapter, current.Asset, current.Custody(), exporter, 100); err != nil {
			return escrow.Decision{}, err
		}
		return escrow.Decision{}, boom
	})
	require.ErrorIs(t, err, boom)

	assert.Zero(t, balanceOf(t, b, exporter, custody.Native()))
	assert.Equal(t, uint64(100), balanceOf(t, b, string(o.Custody()), custody.Native()))
	got, err := b.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o, got)
	history, err := b.History(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func testMutateUnknown(t *testing.T, b Backend) {
	_, err := b.Mutate(context.Background(), "nope", func(context.Context, escrow.Order, custody.Adapter) (escrow.Decision, error) {
		t.Fatal("mutate callback ran for an unknown order")
		return escrow.Decision{}, nil
	})
	require.ErrorIs(t, err, escrow.ErrOrderNotFound)

	_, err = b.History(context.Background(), "nope")
	require.ErrorIs(t, err, escrow.ErrOrderNotFound)
}

func testLifecycle(t *testing.T, b Backend) {
	ctx := context.Background()
	fund(t, b, importer, custody.Native(), 100_000)
	svc := service(b, "life")

	o, err := svc.CreateOrder(ctx, params(100_000), t0)
	require.NoError(t, err)
	_, err = svc.ApproveDeadline(ctx, o.ID, importer, t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = svc.ShipGoods(ctx, o.ID, exporter, evidence, t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = svc.RequestDeadlineExtension(ctx, o.ID, exporter, t0.Add(96*time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)
	_, err = svc.ApproveDeadlineExtension(ctx, o.ID, importer, t0.Add(3*time.Hour))
	require.NoError(t, err)
	_, err = svc.PartialReleaseFunds(ctx, o.ID, verifier, 50_000, t0.Add(4*time.Hour))
	require.NoError(t, err)
	_, err = svc.PartialReleaseFunds(ctx, o.ID, verifier, 50_001, t0.Add(5*time.Hour))
	require.ErrorIs(t, err, escrow.ErrInvalidPartialAmount)
	final, err := svc.ConfirmDelivery(ctx, o.ID, verifier, t0.Add(72*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, escrow.StateCompleted, final.State)
	assert.Equal(t, uint64(100_000), final.ReleasedAmount)
	assert.Equal(t, int64(6), final.Version)
	assert.Equal(t, t0.Add(96*time.Hour), final.ApprovedDeadline)
	assert.Equal(t, evidence, final.ShipmentEvidence)

	stored, err := b.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, final, stored)

	history, err := b.History(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 7)
	want := []escrow.State{
		escrow.StatePendingDeadlineApproval,
		escrow.StatePendingShipment,
		escrow.StateInTransit,
		escrow.StatePendingExtensionApproval,
		escrow.StateInTransit,
		escrow.StateInTransit,
		escrow.StateCompleted,
	}
	for i, e := range history {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, want[i], e.State, "entry %d", i+1)
	}

	assert.Equal(t, uint64(100_000), balanceOf(t, b, exporter, custody.Native()))
	assert.Zero(t, balanceOf(t, b, string(o.Custody()), custody.Native()))
}

func testList(t *testing.T, b Backend) {
	ctx := context.Background()
	fund(t, b, importer, custody.Native(), 1_000)
	svc := service(b, "list")

	a, err := svc.CreateOrder(ctx, params(10), t0)
	require.NoError(t, err)
	c, err := svc.CreateOrder(ctx, params(10), t0.Add(time.Second))
	require.NoError(t, err)
	_, err = svc.ApproveDeadline(ctx, c.ID, importer, t0.Add(time.Minute))
	require.NoError(t, err)

	all, err := b.List(ctx, escrow.Filter{Principal: exporter})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	asVerifier, err := b.List(ctx, escrow.Filter{Principal: exporter, Role: escrow.RoleVerifier})
	require.NoError(t, err)
	assert.Empty(t, asVerifier)

	pending, err := b.List(ctx, escrow.Filter{States: []escrow.State{escrow.StatePendingDeadlineApproval}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	expiring, err := b.List(ctx, escrow.Filter{DeadlineBefore: t0.Add(72 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, c.ID, expiring[0].ID)

	limited, err := b.List(ctx, escrow.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testTokenBalances(t *testing.T, b Backend) {
	ctx := context.Background()
	usdc := custody.Token("USDC")
	fund(t, b, importer, usdc, 300)
	fund(t, b, importer, custody.Native(), 7)

	p := params(300)
	p.Mint = "USDC"
	svc := service(b, "tok")
	o, err := svc.CreateOrder(ctx, p, t0)
	require.NoError(t, err)
	_, err = svc.DisputeOrder(ctx, o.ID, importer, "wrong grade", t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = svc.ResolveDispute(ctx, o.ID, verifier, "refund", escrow.Settlement{Outcome: escrow.OutcomeRefund}, t0.Add(2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, uint64(300), balanceOf(t, b, importer, usdc))
	assert.Equal(t, uint64(7), balanceOf(t, b, importer, custody.Native()))
	assert.Zero(t, balanceOf(t, b, string(o.Custody()), usdc))
}

func testConcurrentWatchdog(t *testing.T, b Backend) {
	ctx := context.Background()
	fund(t, b, importer, custody.Native(), 5_000)
	svc := service(b, "dog")

	o, err := svc.CreateOrder(ctx, params(5_000), t0)
	require.NoError(t, err)
	_, err = svc.ApproveDeadline(ctx, o.ID, importer, t0.Add(time.Minute))
	require.NoError(t, err)

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		oks  int
		errs []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CheckDeadlineAndRefund(ctx, o.ID, "keeper", t0.Add(96*time.Hour))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				oks++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, oks)
	for _, err := range errs {
		assert.ErrorIs(t, err, escrow.ErrInvalidState)
	}
	assert.Equal(t, uint64(5_000), balanceOf(t, b, importer, custody.Native()))
}
