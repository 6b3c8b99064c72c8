package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrowflow/custody"
)

// Recorder receives command and fund-flow observations. metrics.Metrics
// implements it for Prometheus.
type Recorder interface {
	ObserveCommand(instruction, outcome string, elapsed time.Duration)
	AddFunds(kind, asset string, amount uint64)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCommand(string, string, time.Duration) {}
func (nopRecorder) AddFunds(string, string, uint64)              {}

// Service is the command surface of the escrow engine. Each instruction is
// decided by a pure Command and applied through the Store.
type Service struct {
	store       Store
	idGenerator func() string
	logger      *slog.Logger
	recorder    Recorder
	tracer      trace.Tracer
}

type Option func(*Service)

// WithIDGenerator overrides how new order ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.idGenerator = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		idGenerator: uuid.NewString,
		logger:      slog.Default(),
		recorder:    nopRecorder{},
		tracer:      otel.Tracer("escrowflow/escrow"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder funds a new order from the importer's balance.
func (s *Service) CreateOrder(ctx context.Context, p CreateOrderParams, now time.Time) (Order, error) {
	const instruction = "createOrder"
	id := s.idGenerator()
	ctx, span := s.startSpan(ctx, instruction, id, p.Importer)
	defer span.End()
	start := time.Now()

	d, err := NewOrder(id, p, now)
	if err == nil {
		err = s.store.Insert(ctx, d.Order, d.Entry, func(ctx context.Context, adapter custody.Adapter) error {
			return s.move(ctx, adapter, d.Order.Asset, d.Movements)
		})
	}
	s.finish(ctx, span, instruction, id, d.Order.State, start, err)
	if err != nil {
		return Order{}, err
	}
	s.recordMovements(d.Order.Asset, d.Movements)
	return d.Order, nil
}

// Execute applies cmd to the order under the store's per-order lock.
func (s *Service) Execute(ctx context.Context, id string, cmd Command, now time.Time) (Order, error) {
	instruction := cmd.Instruction()
	ctx, span := s.startSpan(ctx, instruction, id, cmd.Actor())
	defer span.End()
	start := time.Now()

	var applied Decision
	order, err := s.store.Mutate(ctx, id, func(ctx context.Context, current Order, adapter custody.Adapter) (Decision, error) {
		d, err := cmd.Decide(current, now)
		if err != nil {
			return Decision{}, err
		}
		if err := s.move(ctx, adapter, current.Asset, d.Movements); err != nil {
			return Decision{}, err
		}
		applied = d
		return d, nil
	})
	s.finish(ctx, span, instruction, id, order.State, start, err)
	if err != nil {
		return Order{}, err
	}
	s.recordMovements(order.Asset, applied.Movements)
	return order, nil
}

func (s *Service) ApproveDeadline(ctx context.Context, id, caller string, now time.Time) (Order, error) {
	return s.Execute(ctx, id, ApproveDeadline{Caller: caller}, now)
}

func (s *Service) ProposeNewDeadline(ctx context.Context, id, caller string, deadline, now time.Time) (Order, error) {
	return s.Execute(ctx, id, ProposeNewDeadline{Caller: caller, Deadline: deadline}, now)
}

func (s *Service) ShipGoods(ctx context.Context, id, caller, billOfLadingHash string, now time.Time) (Order, error) {
	return s.Execute(ctx, id, ShipGoods{Caller: caller, Evidence: billOfLadingHash}, now)
}

func (s *Service) ConfirmDelivery(ctx context.Context, id, caller string, now time.Time) (Order, error) {
	return s.Execute(ctx, id, ConfirmDelivery{Caller: caller}, now)
}

// CheckDeadlineAndRefund may be invoked by anyone; caller is recorded as the actor.
func (s *Service) CheckDeadlineAndRefund(ctx context.Context, id, caller string, now time.Time) (Order, error) {
	return s.Execute(ctx, id, CheckDeadlineAndRefund{Caller: caller}, now)
}

func (s *Service) PartialReleaseFunds(ctx context.Context, id, caller string, amount uint64, now time.Time) (Order, error) {
	return s.Execute(ctx, id, PartialReleaseFunds{Caller: caller, Amount: amount}, now)
}

func (s *Service) PartialRefund(ctx context.Context, id, caller string, amount uint64, now time.Time) (Order, error) {
	return s.Execute(ctx, id, PartialRefund{Caller: caller, Amount: amount}, now)
}

func (s *Service) RequestDeadlineExtension(ctx context.Context, id, caller string, deadline, now time.Time) (Order, error) {
	return s.Execute(ctx, id, RequestDeadlineExtension{Caller: caller, Deadline: deadline}, now)
}

func (s *Service) ApproveDeadlineExtension(ctx context.Context, id, caller string, now time.Time) (Order, error) {
	return s.Execute(ctx, id, ApproveDeadlineExtension{Caller: caller}, now)
}

func (s *Service) RejectDeadlineExtension(ctx context.Context, id, caller string, now time.Time) (Order, error) {
	return s.Execute(ctx, id, RejectDeadlineExtension{Caller: caller}, now)
}

func (s *Service) DisputeOrder(ctx context.Context, id, caller, reason string, now time.Time) (Order, error) {
	return s.Execute(ctx, id, DisputeOrder{Caller: caller, Reason: reason}, now)
}

func (s *Service) ResolveDispute(ctx context.Context, id, caller, resolution string, settlement Settlement, now time.Time) (Order, error) {
	return s.Execute(ctx, id, ResolveDispute{Caller: caller, Resolution: resolution, Settlement: settlement}, now)
}

func (s *Service) UpdateOrderMetadata(ctx context.Context, id, caller string, patch MetadataPatch, now time.Time) (Order, error) {
	return s.Execute(ctx, id, UpdateOrderMetadata{Caller: caller, Patch: patch}, now)
}

func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	return s.store.Get(ctx, id)
}

// History returns the order's transition log, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	return s.store.History(ctx, id)
}

func (s *Service) List(ctx context.Context, filter Filter) ([]Order, error) {
	return s.store.List(ctx, filter)
}

func (s *Service) move(ctx context.Context, adapter custody.Adapter, asset custody.Asset, moves []Movement) error {
	for _, m := range moves {
		if err := custody.Transfer(ctx, adapter, asset, m.From, m.To, m.Amount); err != nil {
			if errors.Is(err, custody.ErrInsufficientFunds) {
				return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
			}
			return fmt.Errorf("escrow: %s %d from %s to %s: %w", m.Kind, m.Amount, m.From, m.To, err)
		}
	}
	return nil
}

func (s *Service) recordMovements(asset custody.Asset, moves []Movement) {
	for _, m := range moves {
		if m.Amount > 0 {
			s.recorder.AddFunds(string(m.Kind), asset.String(), m.Amount)
		}
	}
}

func (s *Service) startSpan(ctx context.Context, instruction, id, actor string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "escrow."+instruction, trace.WithAttributes(
		attribute.String("escrow.order_id", id),
		attribute.String("escrow.actor", actor),
	))
}

func (s *Service) finish(ctx context.Context, span trace.Span, instruction, id string, state State, start time.Time, err error) {
	elapsed := time.Since(start)
	if err != nil {
		kind := KindOf(err)
		span.SetStatus(codes.Error, kind)
		span.RecordError(err)
		s.recorder.ObserveCommand(instruction, kind, elapsed)
		level := slog.LevelWarn
		if kind == "Internal" {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "escrow command rejected",
			"order_id", id, "instruction", instruction, "kind", kind, "error", err)
		return
	}
	span.SetAttributes(attribute.String("escrow.state", state.String()))
	s.recorder.ObserveCommand(instruction, "ok", elapsed)
	s.logger.InfoContext(ctx, "escrow command applied",
		"order_id", id, "instruction", instruction, "state", state.String())
}
