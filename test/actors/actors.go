package actors

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"escrowflow/escrow"
	"escrowflow/outbox"
)

// Clock runs simulated time faster than the wall clock so deadlines expire
// while the stress run is still going.
type Clock struct {
	start time.Time
	began time.Time
	speed float64
}

func NewClock(start time.Time, speed float64) *Clock {
	return &Clock{start: start, began: time.Now(), speed: speed}
}

func (c *Clock) Now() time.Time {
	elapsed := time.Duration(float64(time.Since(c.began)) * c.speed)
	return c.start.Add(elapsed).UTC().Truncate(time.Second)
}

// Book collects the ids of orders created so far.
type Book struct {
	mu  sync.Mutex
	ids []string
}

func (b *Book) Add(id string) {
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()
}

func (b *Book) Pick(rng *rand.Rand) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ids) == 0 {
		return "", false
	}
	return b.ids[rng.Intn(len(b.ids))], true
}

func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ids)
}

// Stats tallies command outcomes across actors.
type Stats struct {
	OK       atomic.Int64
	Rejected atomic.Int64
	Internal atomic.Int64
}

func (s *Stats) record(err error) {
	switch {
	case err == nil:
		s.OK.Add(1)
	case escrow.KindOf(err) == "Internal":
		s.Internal.Add(1)
	default:
		s.Rejected.Add(1)
	}
}

func (s *Stats) String() string {
	return fmt.Sprintf("ok=%d rejected=%d internal=%d", s.OK.Load(), s.Rejected.Load(), s.Internal.Load())
}

// World is what every actor shares.
type World struct {
	Service   *escrow.Service
	Clock     *Clock
	Book      *Book
	Stats     *Stats
	Importers []string
	Exporters []string
	Verifiers []string
	Mints     []string
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// Importer keeps opening orders funded from its own deposit.
func Importer(ctx context.Context, w *World, name string, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		now := w.Clock.Now()
		params := escrow.CreateOrderParams{
			Importer:         name,
			Exporter:         w.Exporters[rng.Intn(len(w.Exporters))],
			Verifier:         w.Verifiers[rng.Intn(len(w.Verifiers))],
			Amount:           uint64(1 + rng.Intn(1000)),
			ProposedDeadline: now.Add(time.Duration(1+rng.Intn(72)) * time.Hour),
			Mint:             w.Mints[rng.Intn(len(w.Mints))],
			Metadata:         escrow.Metadata{Title: fmt.Sprintf("lot %d", rng.Intn(10000))},
		}
		o, err := w.Service.CreateOrder(ctx, params, now)
		w.Stats.record(err)
		if err == nil {
			w.Book.Add(o.ID)
		}
		pause(rng, 20, 40)
	}
	return nil
}

// Trader reads a random order and issues an instruction that fits its state,
// as the party allowed to issue it. Traders race each other on the same orders.
func Trader(ctx context.Context, w *World, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		id, ok := w.Book.Pick(rng)
		if !ok {
			pause(rng, 10, 10)
			continue
		}
		o, err := w.Service.Get(ctx, id)
		if err != nil {
			w.Stats.record(err)
			continue
		}
		now := w.Clock.Now()
		instruction, caller, args := nextMove(rng, o, now)
		if instruction == "" {
			continue
		}
		cmd, err := escrow.NewCommand(instruction, caller, args)
		if err != nil {
			return fmt.Errorf("trader: %w", err)
		}
		_, err = w.Service.Execute(ctx, id, cmd, now)
		w.Stats.record(err)
		pause(rng, 5, 20)
	}
	return nil
}

func nextMove(rng *rand.Rand, o escrow.Order, now time.Time) (string, string, escrow.Args) {
	var args escrow.Args
	later := now.Add(time.Duration(1+rng.Intn(96)) * time.Hour)
	part := uint64(1)
	if rem := o.Remaining(); rem > 1 {
		part = 1 + uint64(rng.Int63n(int64(rem-1)))
	}

	switch o.State {
	case escrow.StatePendingDeadlineApproval:
		switch rng.Intn(4) {
		case 0, 1:
			return "approveDeadline", o.Importer, args
		case 2:
			args.Deadline = later
			return "proposeNewDeadline", o.Exporter, args
		default:
			category := "bulk"
			args.Metadata.Category = &category
			return "updateOrderMetadata", o.Importer, args
		}
	case escrow.StatePendingShipment:
		switch rng.Intn(5) {
		case 0, 1, 2:
			buf := make([]byte, escrow.EvidenceBytes)
			rng.Read(buf)
			args.Evidence = hex.EncodeToString(buf)
			return "shipGoods", o.Exporter, args
		case 3:
			args.Deadline = later
			return "requestDeadlineExtension", o.Exporter, args
		default:
			args.Reason = "late loading"
			return "disputeOrder", o.Importer, args
		}
	case escrow.StateInTransit:
		switch rng.Intn(5) {
		case 0, 1:
			return "confirmDelivery", o.Verifier, args
		case 2:
			args.Amount = part
			return "partialReleaseFunds", o.Verifier, args
		case 3:
			args.Reason = "damaged crates"
			return "disputeOrder", o.Exporter, args
		default:
			args.Deadline = later
			return "requestDeadlineExtension", o.Exporter, args
		}
	case escrow.StatePendingExtensionApproval:
		if rng.Intn(2) == 0 {
			return "approveDeadlineExtension", o.Importer, args
		}
		return "rejectDeadlineExtension", o.Importer, args
	case escrow.StateDisputed:
		switch rng.Intn(4) {
		case 0:
			args.Amount = part
			return "partialRefund", o.Importer, args
		case 1:
			args.Amount = part
			return "partialReleaseFunds", o.Verifier, args
		default:
			args.Resolution = "inspected"
			outcomes := []escrow.Outcome{escrow.OutcomeRelease, escrow.OutcomeRefund, escrow.OutcomeSplit}
			args.Settlement.Outcome = outcomes[rng.Intn(len(outcomes))]
			if args.Settlement.Outcome == escrow.OutcomeSplit {
				args.Settlement.ReleaseAmount = part
			}
			return "resolveDispute", o.Verifier, args
		}
	}
	return "", "", args
}

// Watchdog alternates between refunding single orders and sweeping every
// expired one, racing the traders for the same orders.
func Watchdog(ctx context.Context, w *World, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		now := w.Clock.Now()
		if rng.Intn(3) == 0 {
			_, err := w.Service.SweepExpired(ctx, now, 4)
			w.Stats.record(err)
		} else if id, ok := w.Book.Pick(rng); ok {
			_, err := w.Service.CheckDeadlineAndRefund(ctx, id, escrow.SweepActor, now)
			w.Stats.record(err)
		}
		pause(rng, 30, 60)
	}
	return nil
}

// OutboxRelay drains the outbox alongside the other actors. Several relays may
// run at once; SKIP LOCKED keeps them off each other's rows.
func OutboxRelay(ctx context.Context, pool outbox.Pool, published *atomic.Int64, stop <-chan struct{}) error {
	relay := outbox.NewRelay(pool, outbox.PublisherFunc(func(context.Context, outbox.Message) error {
		published.Add(1)
		return nil
	}), outbox.WithBatchSize(25))
	for !stopped(ctx, stop) {
		// Drain errors are expected while chaos kills backends.
		_, _ = relay.Drain(ctx)
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
