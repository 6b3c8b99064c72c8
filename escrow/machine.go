package escrow

import (
	"fmt"
	"strings"
	"time"

	"escrowflow/custody"
)

// Timestamps are kept at one-second resolution, matching the ledger clock the
// commands are stamped with, so a decision is reproducible from stored state.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// MovementKind labels a fund movement for history and outbox consumers.
type MovementKind string

const (
	MovementDeposit MovementKind = "deposit"
	MovementRelease MovementKind = "release"
	MovementRefund  MovementKind = "refund"
)

// Movement is a transfer a decision requires the custody adapter to perform.
type Movement struct {
	Kind   MovementKind  `json:"kind"`
	From   custody.Party `json:"from"`
	To     custody.Party `json:"to"`
	Amount uint64        `json:"amount"`
}

// Decision is the complete effect of one accepted instruction: the next order
// snapshot, the history entry to append and the fund movements to perform.
type Decision struct {
	Order     Order
	Entry     HistoryEntry
	Movements []Movement
}

// Command is one mutating instruction against an existing order. Decide is a
// pure function of the current order, the command's parameters and now.
type Command interface {
	Instruction() string
	Actor() string
	Decide(o Order, now time.Time) (Decision, error)
}

func transition(prev, next Order, now time.Time, actor, description string, moves ...Movement) Decision {
	next.LastUpdated = now
	next.Version = prev.Version + 1
	return Decision{
		Order: next,
		Entry: HistoryEntry{
			OrderID:     next.ID,
			Seq:         next.Version + 1,
			Timestamp:   now,
			State:       next.State,
			Description: description,
			Actor:       actor,
		},
		Movements: moves,
	}
}

func release(o Order, amount uint64) Movement {
	return Movement{Kind: MovementRelease, From: o.Custody(), To: custody.Party(o.Exporter), Amount: amount}
}

func refund(o Order, amount uint64) Movement {
	return Movement{Kind: MovementRefund, From: o.Custody(), To: custody.Party(o.Importer), Amount: amount}
}

func requireRole(o Order, caller string, allowed ...Role) error {
	role := o.RoleOf(caller)
	for _, r := range allowed {
		if role == r && role != RoleNone {
			return nil
		}
	}
	return fmt.Errorf("%w: %q may not act as %v on order %s", ErrUnauthorized, caller, allowed, o.ID)
}

func invalidState(o Order, action string) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, action, o.State)
}

// CreateOrderParams describes a new order. An empty Mint creates a native order.
type CreateOrderParams struct {
	Importer         string    `json:"importer" yaml:"importer"`
	Exporter         string    `json:"exporter" yaml:"exporter"`
	Verifier         string    `json:"verifier" yaml:"verifier"`
	Amount           uint64    `json:"amount" yaml:"amount"`
	ProposedDeadline time.Time `json:"proposed_deadline" yaml:"proposed_deadline"`
	Metadata         Metadata  `json:"metadata" yaml:"metadata"`
	Mint             string    `json:"mint,omitempty" yaml:"mint,omitempty"`
}

// NewOrder decides the creation of order id. The returned decision carries the
// deposit from the importer into custody.
func NewOrder(id string, p CreateOrderParams, now time.Time) (Decision, error) {
	now = normalize(now)
	if id == "" {
		return Decision{}, fmt.Errorf("escrow: missing order id")
	}
	if err := validateParties(p.Importer, p.Exporter, p.Verifier); err != nil {
		return Decision{}, err
	}
	if p.Amount == 0 {
		return Decision{}, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	deadline := normalize(p.ProposedDeadline)
	if err := ValidateDeadlineWindow(deadline, now); err != nil {
		return Decision{}, err
	}
	if err := ValidateMetadata(p.Metadata); err != nil {
		return Decision{}, err
	}

	asset := custody.Native()
	if mint := strings.TrimSpace(p.Mint); mint != "" {
		asset = custody.Token(mint)
	}
	if err := asset.Validate(); err != nil {
		return Decision{}, err
	}

	o := Order{
		ID:               id,
		Importer:         p.Importer,
		Exporter:         p.Exporter,
		Verifier:         p.Verifier,
		Asset:            asset,
		Amount:           p.Amount,
		State:            StatePendingDeadlineApproval,
		Metadata:         p.Metadata,
		CreatedAt:        now,
		ProposedDeadline: deadline,
		LastUpdated:      now,
	}
	if o.Metadata.Tags == nil {
		o.Metadata.Tags = []string{}
	}

	return Decision{
		Order: o,
		Entry: HistoryEntry{
			OrderID:     id,
			Seq:         1,
			Timestamp:   now,
			State:       o.State,
			Description: fmt.Sprintf("order created: %d %s deposited, deadline %s proposed", p.Amount, asset, fmtTime(deadline)),
			Actor:       p.Importer,
		},
		Movements: []Movement{{
			Kind:   MovementDeposit,
			From:   custody.Party(p.Importer),
			To:     o.Custody(),
			Amount: p.Amount,
		}},
	}, nil
}

// ApproveDeadline puts the proposed deadline in force.
type ApproveDeadline struct {
	Caller string `json:"caller" yaml:"caller"`
}

func (c ApproveDeadline) Instruction() string { return "approveDeadline" }
func (c ApproveDeadline) Actor() string       { return c.Caller }

func (c ApproveDeadline) Decide(o Order, now time.Time) (Decision, error) {
	now = normalize(now)
	if err := requireRole(o, c.Caller, RoleImporter); err != nil {
		return Decision{}, err
	}
	if o.State != StatePendingDeadlineApproval {
		return Decision{}, invalidState(o, "approve deadline")
	}

	next := o
	next.ApprovedDeadline = o.ProposedDeadline
	next.DeadlineApproved = true
	next.State = StatePendingShipment
	return transition(o, next, now, c.Caller,
		fmt.Sprintf("deadline %s approved by importer", fmtTime(next.ApprovedDeadline))), nil
}

// ProposeNewDeadline renegotiates the deadline before approval. Once shipment
// has begun the proposal becomes an extension request.
type ProposeNewDeadline struct {
	Caller   string    `json:"caller" yaml:"caller"`
	Deadline time.Time `json:"deadline" yaml:"deadline"`
}

func (c ProposeNewDeadline) Instruction() string { return "proposeNewDeadline" }
func (c ProposeNewDeadline) Actor() string       { return c.Caller }

func (c ProposeNewDeadline) Decide(o Order, now time.Time) (Decision, error) {
	now = normalize(now)
	if err := requireRole(o, c.Caller, RoleExporter); err != nil {
		return Decision{}, err
	}
	switch o.State {
	case StatePendingDeadlineApproval:
	case StatePendingShipment, StateInTransit:
		return RequestDeadlineExtension(c).Decide(o, now)
	default:
		return Decision{}, invalidState(o, "propose a new deadline")
	}

	deadline := normalize(c.Deadline)
	if err := ValidateDeadlineWindow(deadline, now); err != nil {
		return Decision{}, err
	}

	next := o
	next.ProposedDeadline = deadline
	next.DeadlineApproved = false
	return transition(o, next, now, c.Caller,
		fmt.Sprintf("exporter proposed deadline %s", fmtTime(deadline))), nil
}

// ShipGoods records shipment evidence and starts transit.
type ShipGoods struct {
	Caller   string `json:"caller" yaml:"caller"`
	Evidence string `json:"bill_of_lading_hash" yaml:"bill_of_lading_hash"`
}

func (c ShipGoods) Instruction() string { return "shipGoods" }
func (c ShipGoods) Actor() string       { return c.Caller }

func (c ShipGoods) Decide(o Order, now time.Time) (Decision, error) {
	now = normalize(now)
	if err := requireRole(o, c.Caller, RoleExporter); err != nil {
		return Decision{}, err
	}
	switch o.State {
	case StatePendingShipment:
	case StatePendingDeadlineApproval:
		if !o.DeadlineApproved {
			return Decision{}, fmt.Errorf("%w: importer has not approved the deadline", ErrDeadlineNotApproved)
		}
		return Decision{}, invalidState(o, "ship goods")
	default:
		return Decision{}, invalidState(o, "ship goods")
	}
	if !o.DeadlineApproved {
		return Decision{}, fmt.Errorf("%w: importer has not approved the deadline", ErrDeadlineNotApproved)
	}
	if now.After(o.ApprovedDeadline) {
		return Decision{}, fmt.Errorf("%w: deadline %s", ErrDeadlinePassed, fmtTime(o.ApprovedDeadline))
	}
	evidence, err := NormalizeEvidence(c.Evidence)
	if err != nil {
		return Decision{}, err
	}

	next := o
	next.ShipmentEvidence = evidence
	next.State = StateInTransit
	return transition(o, next, now, c.Caller,
		fmt.Sprintf("goods shipped, bill of lading %s", evidence)), nil
}

// ConfirmDelivery releases the whole remaining balance to the exporter.
type ConfirmDelivery struct {
	Caller string `json:"caller" yaml:"caller"`
}

func (c ConfirmDelivery) Instruction() string { return "confirmDelivery" }
func (c ConfirmDelivery) Actor() string       { return c.Caller }

func (c ConfirmDelivery) Decide(o Order, now time.Time) (Decision, error) {
	now = normalize(now)
	if err := requireRole(o, c.Caller, RoleVerifier, RoleImporter); err != nil {
		return Decision{}, err
	}
	if o.State != StateInTransit {
		return Decision{}, invalidState(o, "confirm delivery")
	}
	if now.After(o.ApprovedDeadline) {
		return Decision{}, fmt.Errorf("%w: deadline %s", ErrDeadlinePassed, fmtTime(o.ApprovedDeadline))
	}

	remaining := o.Remaining()
	next := o
	next.ReleasedAmount += remaining
	next.State = StateCompleted
	return transition(o, next, now, c.Caller,
		fmt.Sprintf("delivery confirmed by %s, %d released to exporter", o.RoleOf(c.Caller), remaining),
		release(o, remaining)), nil
}

// CheckDeadlineAndRefund is the permissionless watchdog: it refunds an order
// whose approved deadline has passed.
type CheckDeadlineAndRefund struct {
	Caller string `json:"caller,omitempty" yaml:"caller,omitempty"`
}

func (c CheckDeadlineAndRefund) Instruction() string { return "checkDeadlineAndRefund" }
func (c CheckDeadlineAndRefund) Actor() string       { return c.Caller }

func (c CheckDeadlineAndRefund) Decide(o Order, now time.Time) (Decision, error) {
	now = normalize(now)
	switch o.State {
	case StatePendingDeadlineApproval, StatePendingShipment, StateInTransit,
		StatePendingExtensionApproval, StateDisputed:
	default:
		return Decision{}, invalidState(o, "refund")
	}
	if !o.DeadlineApproved {
		return Decision{}, fmt.Errorf("%w: no deadline in force", ErrDeadlineNotApproved)
	}
	if !now.After(o.ApprovedDeadline) {
		return Decision{}, fmt.Errorf("%w: deadline %s has not passed", ErrTooEarlyForRefund, fmtTime(o.ApprovedDeadline))
	}

	remaining := o.Remaining()
	next := o
	next.RefundedAmount += remaining
	next.ExtensionRequested = false
	next.ExtensionDeadline = time.Time{}
	next.PriorState = 0
	next.State = StateRefunded
	return transition(o, next, now, c.Caller,
		fmt.Sprintf("deadline %s passed, %d refunded to importer", fmtTime(o.ApprovedDeadline), remaining),
		refund(o, remaining)), nil
}

// PartialReleaseFunds moves part of the remaining balance to the exporter.
type PartialReleaseFunds struct {
	Caller string `json:"caller" yaml:"caller"`
	Amount uint64 `json:"amount" yaml:"amount"`
}

func (c PartialReleaseFunds) Instruction() string { return "partialReleaseFunds" }
func (c PartialReleaseFunds) Actor() string       { return c.Caller }

func (c PartialReleaseFunds) Decide(o Order, now time.Time) (Decision, error) {
	now = normalize(now)
	if err := requireRole(o, c.Caller, RoleVerifier); err != nil {
		return Decision{}, err
	}
	if err := checkPartial(o, c.Amount); err != nil {
		return Decision{}, err
	}
	switch o.State {
	case StatePendingDeadlineApproval, StatePendingShipment, StateInTransit,
		StatePendingExtensionApproval, StateDisputed:
	default:
		return Decision{}, invalidState(o, "release funds")
	}

	next := o
	next.ReleasedAmount += c.Amount
	return transition(o, next, now, c.Caller,
		fmt.Sprintf("partial release of %d to exporter, %d remaining", c.Amount, next.Remaining()),
		release(o, c.Amount)), nil
}

// PartialRefund moves part of the remaining balance back to the importer. It
// is accepted during a dispute or once the approved deadline has passed.
type PartialRefund struct {
	Caller string `json:"caller" yaml:"caller"`
	Amount uint64 `json:"amount" yaml:"amount"`
}

func (c PartialRefund) Instruction() string { return "partialRefund" }
func (c PartialRefund) Actor() string       { return c.Caller }

func (c PartialRefund) Decide(o Order, now time.Time) (Decision, error) {
	now = normalize(now)
	if err := requireRole(o, c.Caller, RoleImporter); err != nil {
		return Decision{}, err
	}
	if err := checkPartial(o, c.Amount); err != nil {
		return Decision{}, err
	}
	switch o.State {
	case StateDisputed:
	case StatePendingDeadlineApproval, StatePendingShipment, StateInTransit, StatePendingExtensionApproval:
		if !o.DeadlineApproved {
			return Decision{}, fmt.Errorf("%w: no deadline in force", ErrTooEarlyForRefund)
		}
		if !now.After(o.ApprovedDeadline) {
			return Decision{}, fmt.Errorf("%w: deadline %s has not passed", ErrTooEarlyForRefund, fmtTime(o.ApprovedDeadline))
		}
	default:
		return Decision{}, invalidState(o, "refund")
	}

	next := o
	next.RefundedAmount += c.Amount
	return transition(o, next, now, c.Caller,
		fmt.Sprintf("partial refund of %d to importer, %d remaining", c.Amount, next.Remaining()),
		refund(o, c.Amount)), nil
}

func checkPartial(o Order, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPartialAmount)
	}
	if amount > o.Remaining() {
		return fmt.Errorf("%w: %d exceeds remaining balance %d", ErrInvalidPartialAmount, amount, o.Remaining())
	}
	return nil
}

// RequestDeadlineExtension asks the importer to push the approved deadline out.
type RequestDeadlineExtension struct {
	Caller   string    `json:"caller" yaml:"caller"`
	Deadline time.Time `json:"deadline" yaml:"deadline"`
}

func (c RequestDeadlineExtension) Instruction() string { return "requestDeadlineExtension" }
func (c RequestDeadlineExtension) Actor() string       { return c.Caller }

func (c RequestDeadlineExtension) Decide(o Order, now time.Time) (Decision, error) {
	now = normalize(now)
	if err := requireRole(o, c.Caller, RoleExporter); err != nil {
		return Decision{}, err
	}
	switch o.State {
	case StatePendingShipment, StateInTransit:
	case StatePendingExtensionApproval:
		return Decision{}, fmt.Errorf("%w: extension to %s is pending", ErrExtensionAlreadyRequested, fmtTime(o.ExtensionDeadline))
	default:
		return Decision{}, invalidState(o, "request an extension")
	}
	if o.ExtensionRequested {
		return Decision{}, fmt.Errorf("%w: extension to %s is pending", ErrExtensionAlreadyRequested, fmtTime(o.ExtensionDeadline))
	}
	if now.After(o.ApprovedDeadline) {
		return Decision{}, fmt.Errorf("%w: deadline %s", ErrDeadlinePassed, fmtTime(o.ApprovedDeadline))
	}
	deadline := normalize(c.Deadline)
	if !deadline.After(o.ApprovedDeadline) {
		return Decision{}, fmt.Errorf("%w: %s is not after the approved deadline %s", ErrDeadlineTooShort, fmtTime(deadline), fmtTime(o.ApprovedDeadline))
	}
	if deadline.Sub(now) > MaxDeadlineWindow {
		return Decision{}, fmt.Errorf("%w: %s is more than 8 months after %s", ErrDeadlineTooLong, fmtTime(deadline), fmtTime(now))
	}

	next := o
	next.ExtensionRequested = true
	next.ExtensionDeadline = deadline
	next.PriorState = o.State
	next.State = StatePendingExtensionApproval
	return transition(o, next, now, c.Caller,
		fmt.Sprintf("exporter requested extension to %s", fmtTime(deadline))), nil
}

// ApproveDeadlineExtension puts the requested extension in force.
type ApproveDeadlineExtension struct {
	Caller string `json:"caller" yaml:"caller"`
}

func (c ApproveDeadlineExtension) Instruction() string { return "approveDeadlineExtension" }
func (c ApproveDeadlineExtension) Actor() string       { return c.Caller }

func (c ApproveDeadlineExtension) Decide(o Order, now time.Time) (Decision, error) {
	now = normalize(now)
	if err := requireRole(o, c.Caller, RoleImporter); err != nil {
		return Decision{}, err
	}
	prior, err := pendingExtension(o, "approve an extension")
	if err != nil {
		return Decision{}, err
	}

	next := o
	next.ApprovedDeadline = o.ExtensionDeadline
	next.ExtensionRequested = false
	next.ExtensionDeadline = time.Time{}
	next.State = prior
	next.PriorState = 0
	return transition(o, next, now, c.Caller,
		fmt.Sprintf("extension approved, deadline now %s", fmtTime(next.ApprovedDeadline))), nil
}

// RejectDeadlineExtension drops the pending extension and keeps the deadline.
type RejectDeadlineExtension struct {
	Caller string `json:"caller" yaml:"caller"`
}

func (c RejectDeadlineExtension) Instruction() string { return "rejectDeadlineExtension" }
func (c RejectDeadlineExtension) Actor() string       { return c.Caller }

func (c RejectDeadlineExtension) Decide(o Order, now time.Time) (Decision, error) {
	now = normalize(now)
	if err := requireRole(o, c.Caller, RoleImporter); err != nil {
		return Decision{}, err
	}
	prior, err := pendingExtension(o, "reject an extension")
	if err != nil {
		return Decision{}, err
	}

	next := o
	next.ExtensionRequested = false
	next.ExtensionDeadline = time.Time{}
	next.State = prior
	next.PriorState = 0
	return transition(o, next, now, c.Caller,
		fmt.Sprintf("extension rejected, deadline stays %s", fmtTime(o.ApprovedDeadline))), nil
}

func pendingExtension(o Order, action string) (State, error) {
	if o.State != StatePendingExtensionApproval {
		if !o.State.Terminal() && !o.ExtensionRequested {
			return 0, fmt.Errorf("%w: no extension pending", ErrExtensionRequestNotFound)
		}
		return 0, invalidState(o, action)
	}
	if !o.ExtensionRequested {
		return 0, fmt.Errorf("%w: no extension pending", ErrExtensionRequestNotFound)
	}
	switch o.PriorState {
	case StatePendingShipment, StateInTransit:
		return o.PriorState, nil
	default:
		return 0, fmt.Errorf("%w: extension recorded against %s", ErrInvalidState, o.PriorState)
	}
}

// DisputeOrder freezes the order until the verifier resolves it.
type DisputeOrder struct {
	Caller string `json:"caller" yaml:"caller"`
	Reason string `json:"reason" yaml:"reason"`
}

func (c DisputeOrder) Instruction() string { return "disputeOrder" }
func (c DisputeOrder) Actor() string       { return c.Caller }

func (c DisputeOrder) Decide(o Order, now time.Time) (Decision, error) {
	now = normalize(now)
	if err := requireRole(o, c.Caller, RoleImporter, RoleExporter, RoleVerifier); err != nil {
		return Decision{}, err
	}
	prior := o.State
	switch o.State {
	case StatePendingDeadlineApproval, StatePendingShipment, StateInTransit:
	case StatePendingExtensionApproval:
		prior = o.PriorState
	default:
		return Decision{}, invalidState(o, "open a dispute")
	}
	if err := validateReason("reason", c.Reason); err != nil {
		return Decision{}, err
	}

	next := o
	next.DisputeReason = c.Reason
	next.ExtensionRequested = false
	next.ExtensionDeadline = time.Time{}
	next.PriorState = prior
	next.State = StateDisputed
	return transition(o, next, now, c.Caller,
		fmt.Sprintf("dispute opened by %s: %s", o.RoleOf(c.Caller), c.Reason)), nil
}

// ResolveDispute settles a disputed order according to the verifier's
// settlement instruction.
type ResolveDispute struct {
	Caller     string     `json:"caller" yaml:"caller"`
	Resolution string     `json:"resolution" yaml:"resolution"`
	Settlement Settlement `json:"settlement" yaml:"settlement"`
}

func (c ResolveDispute) Instruction() string { return "resolveDispute" }
func (c ResolveDispute) Actor() string       { return c.Caller }

func (c ResolveDispute) Decide(o Order, now time.Time) (Decision, error) {
	now = normalize(now)
	if err := requireRole(o, c.Caller, RoleVerifier); err != nil {
		return Decision{}, err
	}
	if o.State != StateDisputed {
		return Decision{}, invalidState(o, "resolve a dispute")
	}
	if err := validateReason("resolution", c.Resolution); err != nil {
		return Decision{}, err
	}

	remaining := o.Remaining()
	next := o
	next.DisputeResolution = c.Resolution
	next.PriorState = 0

	var (
		moves   []Movement
		summary string
	)
	switch c.Settlement.Outcome {
	case OutcomeDefault, OutcomeRelease:
		if c.Settlement.ReleaseAmount != 0 {
			return Decision{}, fmt.Errorf("%w: release amount only applies to a split", ErrInvalidSettlement)
		}
		next.ReleasedAmount += remaining
		next.State = StateCompleted
		moves = append(moves, release(o, remaining))
		summary = fmt.Sprintf("%d released to exporter", remaining)
	case OutcomeRefund:
		if c.Settlement.ReleaseAmount != 0 {
			return Decision{}, fmt.Errorf("%w: release amount only applies to a split", ErrInvalidSettlement)
		}
		next.RefundedAmount += remaining
		next.State = StateRefunded
		moves = append(moves, refund(o, remaining))
		summary = fmt.Sprintf("%d refunded to importer", remaining)
	case OutcomeSplit:
		toExporter := c.Settlement.ReleaseAmount
		if toExporter > remaining {
			return Decision{}, fmt.Errorf("%w: split releases %d of %d remaining", ErrInvalidSettlement, toExporter, remaining)
		}
		toImporter := remaining - toExporter
		next.ReleasedAmount += toExporter
		next.RefundedAmount += toImporter
		next.State = StateCompleted
		moves = append(moves, release(o, toExporter), refund(o, toImporter))
		summary = fmt.Sprintf("split: %d released to exporter, %d refunded to importer", toExporter, toImporter)
	default:
		return Decision{}, fmt.Errorf("%w: unknown outcome %q", ErrInvalidSettlement, c.Settlement.Outcome)
	}

	return transition(o, next, now, c.Caller,
		fmt.Sprintf("dispute resolved: %s; %s", c.Resolution, summary), moves...), nil
}

// UpdateOrderMetadata merges a metadata patch into a live order.
type UpdateOrderMetadata struct {
	Caller string        `json:"caller" yaml:"caller"`
	Patch  MetadataPatch `json:"metadata" yaml:"metadata"`
}

func (c UpdateOrderMetadata) Instruction() string { return "updateOrderMetadata" }
func (c UpdateOrderMetadata) Actor() string       { return c.Caller }

func (c UpdateOrderMetadata) Decide(o Order, now time.Time) (Decision, error) {
	now = normalize(now)
	if err := requireRole(o, c.Caller, RoleImporter); err != nil {
		return Decision{}, err
	}
	switch o.State {
	case StatePendingDeadlineApproval, StatePendingShipment, StateInTransit,
		StatePendingExtensionApproval, StateDisputed:
	default:
		return Decision{}, invalidState(o, "update metadata")
	}
	merged := c.Patch.Apply(o.Metadata)
	if err := ValidateMetadata(merged); err != nil {
		return Decision{}, err
	}

	next := o
	next.Metadata = merged
	return transition(o, next, now, c.Caller, "metadata updated"), nil
}
