package escrow

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/custody"
)

const (
	importer = "alice"
	exporter = "bob"
	verifier = "victor"
	stranger = "mallory"

	day = 24 * time.Hour
)

var (
	t0           = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	evidenceHash = strings.Repeat("ab", EvidenceBytes)
)

func createParams(amount uint64, deadline time.Time) CreateOrderParams {
	return CreateOrderParams{
		Importer:         importer,
		Exporter:         exporter,
		Verifier:         verifier,
		Amount:           amount,
		ProposedDeadline: deadline,
		Metadata:         Metadata{Title: "Coffee beans", Category: "agri", Tags: []string{"arabica"}},
	}
}

func created(t *testing.T) Order {
	t.Helper()
	d, err := NewOrder("order-1", createParams(100_000, t0.Add(day)), t0)
	require.NoError(t, err)
	return d.Order
}

func apply(t *testing.T, o Order, cmd Command, now time.Time) Decision {
	t.Helper()
	d, err := cmd.Decide(o, now)
	require.NoError(t, err, "%s", cmd.Instruction())
	require.Equal(t, o.Version+1, d.Order.Version)
	require.Equal(t, d.Order.Version+1, d.Entry.Seq)
	require.Equal(t, d.Order.State, d.Entry.State)
	require.NotEmpty(t, d.Entry.Description)
	return d
}

func approved(t *testing.T) Order {
	t.Helper()
	return apply(t, created(t), ApproveDeadline{Caller: importer}, t0.Add(time.Minute)).Order
}

func shipped(t *testing.T) Order {
	t.Helper()
	return apply(t, approved(t), ShipGoods{Caller: exporter, Evidence: evidenceHash}, t0.Add(time.Hour)).Order
}

func disputed(t *testing.T) Order {
	t.Helper()
	return apply(t, shipped(t), DisputeOrder{Caller: importer, Reason: "damaged crates"}, t0.Add(2*time.Hour)).Order
}

func TestNewOrder(t *testing.T) {
	d, err := NewOrder("order-1", createParams(100_000, t0.Add(day)), t0)
	require.NoError(t, err)

	o := d.Order
	assert.Equal(t, StatePendingDeadlineApproval, o.State)
	assert.Equal(t, custody.Native(), o.Asset)
	assert.Equal(t, uint64(100_000), o.Remaining())
	assert.False(t, o.DeadlineApproved)
	assert.Equal(t, int64(1), d.Entry.Seq)
	assert.Equal(t, importer, d.Entry.Actor)
	require.Len(t, d.Movements, 1)
	assert.Equal(t, Movement{Kind: MovementDeposit, From: importer, To: custody.EscrowParty("order-1"), Amount: 100_000}, d.Movements[0])
}

func TestNewOrder_TokenAsset(t *testing.T) {
	p := createParams(5, t0.Add(day))
	p.Mint = "USDC"
	d, err := NewOrder("order-1", p, t0)
	require.NoError(t, err)
	assert.Equal(t, custody.Token("USDC"), d.Order.Asset)

	p.Mint = "   "
	d, err = NewOrder("order-2", p, t0)
	require.NoError(t, err)
	assert.Equal(t, custody.Native(), d.Order.Asset)
}

func TestNewOrder_Rejections(t *testing.T) {
	long := strings.Repeat("x", MaxTitleLen+1)
	cases := []struct {
		name   string
		mutate func(*CreateOrderParams)
		want   error
	}{
		{"deadline thirty seconds out", func(p *CreateOrderParams) { p.ProposedDeadline = t0.Add(30 * time.Second) }, ErrDeadlineTooShort},
		{"deadline nine months out", func(p *CreateOrderParams) { p.ProposedDeadline = t0.Add(9 * 30 * day) }, ErrDeadlineTooLong},
		{"deadline in the past", func(p *CreateOrderParams) { p.ProposedDeadline = t0.Add(-time.Hour) }, ErrDeadlineTooShort},
		{"zero amount", func(p *CreateOrderParams) { p.Amount = 0 }, ErrInvalidAmount},
		{"importer is exporter", func(p *CreateOrderParams) { p.Exporter = importer }, ErrInvalidParties},
		{"missing verifier", func(p *CreateOrderParams) { p.Verifier = "" }, ErrInvalidParties},
		{"title too long", func(p *CreateOrderParams) { p.Metadata.Title = long }, ErrMetadataInvalid},
		{"too many tags", func(p *CreateOrderParams) { p.Metadata.Tags = []string{"a", "b", "c", "d", "e", "f"} }, ErrMetadataInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := createParams(100, t0.Add(day))
			tc.mutate(&p)
			_, err := NewOrder("order-1", p, t0)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestNewOrder_WindowBoundaries(t *testing.T) {
	_, err := NewOrder("a", createParams(1, t0.Add(MinDeadlineWindow)), t0)
	require.NoError(t, err)
	_, err = NewOrder("b", createParams(1, t0.Add(MaxDeadlineWindow)), t0)
	require.NoError(t, err)
	_, err = NewOrder("c", createParams(1, t0.Add(MaxDeadlineWindow+time.Second)), t0)
	require.ErrorIs(t, err, ErrDeadlineTooLong)
}

func TestHappyPath_ReleasesEverythingToExporter(t *testing.T) {
	o := created(t)
	o = apply(t, o, ApproveDeadline{Caller: importer}, t0).Order
	assert.Equal(t, StatePendingShipment, o.State)
	assert.True(t, o.DeadlineApproved)
	assert.Equal(t, t0.Add(day), o.ApprovedDeadline)

	o = apply(t, o, ShipGoods{Caller: exporter, Evidence: "0x" + strings.ToUpper(evidenceHash)}, t0).Order
	assert.Equal(t, StateInTransit, o.State)
	assert.Equal(t, evidenceHash, o.ShipmentEvidence)

	d := apply(t, o, ConfirmDelivery{Caller: verifier}, t0)
	assert.Equal(t, StateCompleted, d.Order.State)
	assert.Equal(t, uint64(100_000), d.Order.ReleasedAmount)
	assert.Zero(t, d.Order.Remaining())
	require.Len(t, d.Movements, 1)
	assert.Equal(t, custody.Party(exporter), d.Movements[0].To)
	assert.Equal(t, uint64(100_000), d.Movements[0].Amount)
}

func TestConfirmDelivery_ImporterMayConfirm(t *testing.T) {
	d := apply(t, shipped(t), ConfirmDelivery{Caller: importer}, t0.Add(2*time.Hour))
	assert.Equal(t, StateCompleted, d.Order.State)
}

func TestApproveDeadline_SecondCallIsInvalidState(t *testing.T) {
	o := approved(t)
	_, err := ApproveDeadline{Caller: importer}.Decide(o, t0.Add(2*time.Minute))
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRoleChecksPrecedeStateChecks(t *testing.T) {
	terminal := apply(t, shipped(t), ConfirmDelivery{Caller: verifier}, t0.Add(2*time.Hour)).Order
	cmds := []Command{
		ApproveDeadline{Caller: exporter},
		ProposeNewDeadline{Caller: importer, Deadline: t0.Add(2 * day)},
		ShipGoods{Caller: verifier, Evidence: evidenceHash},
		ConfirmDelivery{Caller: exporter},
		PartialReleaseFunds{Caller: importer, Amount: 1},
		PartialRefund{Caller: exporter, Amount: 1},
		RequestDeadlineExtension{Caller: importer, Deadline: t0.Add(2 * day)},
		ApproveDeadlineExtension{Caller: exporter},
		RejectDeadlineExtension{Caller: verifier},
		DisputeOrder{Caller: stranger, Reason: "x"},
		ResolveDispute{Caller: importer, Resolution: "x"},
		UpdateOrderMetadata{Caller: exporter},
	}
	for _, cmd := range cmds {
		t.Run(cmd.Instruction(), func(t *testing.T) {
			_, err := cmd.Decide(terminal, t0.Add(3*time.Hour))
			require.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestShipGoods(t *testing.T) {
	t.Run("before approval", func(t *testing.T) {
		_, err := ShipGoods{Caller: exporter, Evidence: evidenceHash}.Decide(created(t), t0.Add(time.Minute))
		require.ErrorIs(t, err, ErrDeadlineNotApproved)
	})
	t.Run("after deadline", func(t *testing.T) {
		_, err := ShipGoods{Caller: exporter, Evidence: evidenceHash}.Decide(approved(t), t0.Add(day+time.Second))
		require.ErrorIs(t, err, ErrDeadlinePassed)
	})
	t.Run("on the deadline", func(t *testing.T) {
		apply(t, approved(t), ShipGoods{Caller: exporter, Evidence: evidenceHash}, t0.Add(day))
	})
	t.Run("malformed evidence", func(t *testing.T) {
		_, err := ShipGoods{Caller: exporter, Evidence: "abc"}.Decide(approved(t), t0.Add(time.Hour))
		require.ErrorIs(t, err, ErrInvalidEvidence)
	})
	t.Run("already shipped", func(t *testing.T) {
		_, err := ShipGoods{Caller: exporter, Evidence: evidenceHash}.Decide(shipped(t), t0.Add(time.Hour))
		require.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestConfirmDelivery_AfterDeadline(t *testing.T) {
	_, err := ConfirmDelivery{Caller: verifier}.Decide(shipped(t), t0.Add(day+time.Second))
	require.ErrorIs(t, err, ErrDeadlinePassed)
}

func TestProposeNewDeadline(t *testing.T) {
	o := created(t)
	d := apply(t, o, ProposeNewDeadline{Caller: exporter, Deadline: t0.Add(3 * day)}, t0.Add(time.Minute))
	assert.Equal(t, StatePendingDeadlineApproval, d.Order.State)
	assert.Equal(t, t0.Add(3*day), d.Order.ProposedDeadline)
	assert.False(t, d.Order.DeadlineApproved)

	_, err := ProposeNewDeadline{Caller: exporter, Deadline: t0.Add(30 * time.Second)}.Decide(o, t0)
	require.ErrorIs(t, err, ErrDeadlineTooShort)

	// once shipment has begun a proposal becomes an extension request
	d = apply(t, shipped(t), ProposeNewDeadline{Caller: exporter, Deadline: t0.Add(3 * day)}, t0.Add(2*time.Hour))
	assert.Equal(t, StatePendingExtensionApproval, d.Order.State)
	assert.Equal(t, t0.Add(3*day), d.Order.ExtensionDeadline)
	assert.Equal(t, t0.Add(day), d.Order.ApprovedDeadline)
}

func TestCheckDeadlineAndRefund(t *testing.T) {
	o := approved(t)

	_, err := CheckDeadlineAndRefund{}.Decide(o, t0.Add(day))
	require.ErrorIs(t, err, ErrTooEarlyForRefund)

	_, err = CheckDeadlineAndRefund{}.Decide(created(t), t0.Add(30*day))
	require.ErrorIs(t, err, ErrDeadlineNotApproved)

	d := apply(t, o, CheckDeadlineAndRefund{Caller: stranger}, t0.Add(200*day))
	assert.Equal(t, StateRefunded, d.Order.State)
	assert.Equal(t, uint64(100_000), d.Order.RefundedAmount)
	require.Len(t, d.Movements, 1)
	assert.Equal(t, custody.Party(importer), d.Movements[0].To)

	_, err = CheckDeadlineAndRefund{}.Decide(d.Order, t0.Add(201*day))
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCheckDeadlineAndRefund_ClearsSuspension(t *testing.T) {
	d := apply(t, disputed(t), CheckDeadlineAndRefund{}, t0.Add(200*day))
	assert.Equal(t, StateRefunded, d.Order.State)
	assert.False(t, d.Order.PriorState.Valid())
	assert.False(t, d.Order.ExtensionRequested)
}

func TestDecide_RejectsUnknownState(t *testing.T) {
	o := approved(t)
	o.State = State(42)
	o.ExtensionRequested = true

	commands := []Command{
		ApproveDeadline{Caller: importer},
		ProposeNewDeadline{Caller: exporter, Deadline: t0.Add(3 * day)},
		ShipGoods{Caller: exporter, Evidence: evidenceHash},
		ConfirmDelivery{Caller: verifier},
		CheckDeadlineAndRefund{},
		PartialReleaseFunds{Caller: verifier, Amount: 1},
		PartialRefund{Caller: importer, Amount: 1},
		RequestDeadlineExtension{Caller: exporter, Deadline: t0.Add(3 * day)},
		ApproveDeadlineExtension{Caller: importer},
		RejectDeadlineExtension{Caller: importer},
		DisputeOrder{Caller: importer, Reason: "late"},
		ResolveDispute{Caller: verifier, Resolution: "inspected"},
		UpdateOrderMetadata{Caller: importer},
	}
	for _, cmd := range commands {
		_, err := cmd.Decide(o, t0.Add(2*day))
		assert.ErrorIs(t, err, ErrInvalidState, cmd.Instruction())
	}
}

func TestCheckDeadlineAndRefund_DropsPendingExtension(t *testing.T) {
	o := apply(t, shipped(t), RequestDeadlineExtension{Caller: exporter, Deadline: t0.Add(3 * day)}, t0.Add(2*time.Hour)).Order
	require.False(t, o.ExtensionDeadline.IsZero())

	d := apply(t, o, CheckDeadlineAndRefund{}, t0.Add(2*day))
	assert.Equal(t, StateRefunded, d.Order.State)
	assert.False(t, d.Order.ExtensionRequested)
	assert.True(t, d.Order.ExtensionDeadline.IsZero())
	assert.False(t, d.Order.PriorState.Valid())
}

func TestCheckDeadlineAndRefund_RefundsOnlyWhatRemains(t *testing.T) {
	o := apply(t, shipped(t), PartialReleaseFunds{Caller: verifier, Amount: 30_000}, t0.Add(2*time.Hour)).Order
	d := apply(t, o, CheckDeadlineAndRefund{}, t0.Add(2*day))
	assert.Equal(t, uint64(70_000), d.Order.RefundedAmount)
	assert.Equal(t, uint64(30_000), d.Order.ReleasedAmount)
	assert.Equal(t, uint64(70_000), d.Movements[0].Amount)
}

func TestPartialReleaseFunds(t *testing.T) {
	o := shipped(t)
	half := o.Amount / 2

	d := apply(t, o, PartialReleaseFunds{Caller: verifier, Amount: half}, t0.Add(2*time.Hour))
	assert.Equal(t, StateInTransit, d.Order.State)
	assert.Equal(t, half, d.Order.ReleasedAmount)

	_, err := PartialReleaseFunds{Caller: verifier, Amount: half + 1}.Decide(d.Order, t0.Add(3*time.Hour))
	require.ErrorIs(t, err, ErrInvalidPartialAmount)

	_, err = PartialReleaseFunds{Caller: verifier, Amount: 0}.Decide(d.Order, t0.Add(3*time.Hour))
	require.ErrorIs(t, err, ErrInvalidPartialAmount)
}

func TestPartialReleaseFunds_AfterCompletion(t *testing.T) {
	o := apply(t, shipped(t), ConfirmDelivery{Caller: verifier}, t0.Add(2*time.Hour)).Order
	_, err := PartialReleaseFunds{Caller: verifier, Amount: 1}.Decide(o, t0.Add(3*time.Hour))
	require.ErrorIs(t, err, ErrInvalidPartialAmount)
}

func TestPartialRefund(t *testing.T) {
	_, err := PartialRefund{Caller: importer, Amount: 10}.Decide(shipped(t), t0.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrTooEarlyForRefund)

	d := apply(t, shipped(t), PartialRefund{Caller: importer, Amount: 10}, t0.Add(2*day))
	assert.Equal(t, StateInTransit, d.Order.State)
	assert.Equal(t, uint64(10), d.Order.RefundedAmount)
	assert.Equal(t, custody.Party(importer), d.Movements[0].To)

	d = apply(t, disputed(t), PartialRefund{Caller: importer, Amount: 25_000}, t0.Add(3*time.Hour))
	assert.Equal(t, StateDisputed, d.Order.State)
	assert.Equal(t, uint64(75_000), d.Order.Remaining())

	_, err = PartialRefund{Caller: importer, Amount: 100_001}.Decide(disputed(t), t0.Add(3*time.Hour))
	require.ErrorIs(t, err, ErrInvalidPartialAmount)
}

func TestExtension_RejectRestoresDeadlineAndState(t *testing.T) {
	for _, base := range []Order{approved(t), shipped(t)} {
		req := apply(t, base, RequestDeadlineExtension{Caller: exporter, Deadline: t0.Add(10 * day)}, t0.Add(2*time.Hour)).Order
		assert.Equal(t, StatePendingExtensionApproval, req.State)
		assert.Equal(t, base.State, req.PriorState)
		assert.True(t, req.ExtensionRequested)

		back := apply(t, req, RejectDeadlineExtension{Caller: importer}, t0.Add(3*time.Hour)).Order
		assert.Equal(t, base.State, back.State)
		assert.Equal(t, base.ApprovedDeadline, back.ApprovedDeadline)
		assert.False(t, back.ExtensionRequested)
		assert.True(t, back.ExtensionDeadline.IsZero())
	}
}

func TestExtension_ApproveMovesDeadline(t *testing.T) {
	req := apply(t, shipped(t), RequestDeadlineExtension{Caller: exporter, Deadline: t0.Add(10 * day)}, t0.Add(2*time.Hour)).Order

	_, err := RequestDeadlineExtension{Caller: exporter, Deadline: t0.Add(20 * day)}.Decide(req, t0.Add(3*time.Hour))
	require.ErrorIs(t, err, ErrExtensionAlreadyRequested)

	d := apply(t, req, ApproveDeadlineExtension{Caller: importer}, t0.Add(3*time.Hour))
	assert.Equal(t, StateInTransit, d.Order.State)
	assert.Equal(t, t0.Add(10*day), d.Order.ApprovedDeadline)
	assert.False(t, d.Order.ExtensionRequested)

	// delivery can now be confirmed past the original deadline
	apply(t, d.Order, ConfirmDelivery{Caller: verifier}, t0.Add(5*day))
}

func TestExtension_Rejections(t *testing.T) {
	o := shipped(t)
	cases := []struct {
		name     string
		deadline time.Time
		now      time.Time
		want     error
	}{
		{"not after approved deadline", t0.Add(day), t0.Add(2 * time.Hour), ErrDeadlineTooShort},
		{"beyond eight months", t0.Add(2 * time.Hour).Add(MaxDeadlineWindow + time.Second), t0.Add(2 * time.Hour), ErrDeadlineTooLong},
		{"deadline already passed", t0.Add(10 * day), t0.Add(2 * day), ErrDeadlinePassed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := RequestDeadlineExtension{Caller: exporter, Deadline: tc.deadline}.Decide(o, tc.now)
			require.ErrorIs(t, err, tc.want)
		})
	}

	_, err := RequestDeadlineExtension{Caller: exporter, Deadline: t0.Add(10 * day)}.Decide(created(t), t0.Add(time.Hour))
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = ApproveDeadlineExtension{Caller: importer}.Decide(o, t0.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrExtensionRequestNotFound)
}

func TestDispute(t *testing.T) {
	o := disputed(t)
	assert.Equal(t, StateDisputed, o.State)
	assert.Equal(t, StateInTransit, o.PriorState)
	assert.Equal(t, "damaged crates", o.DisputeReason)

	_, err := DisputeOrder{Caller: exporter, Reason: "again"}.Decide(o, t0.Add(3*time.Hour))
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = DisputeOrder{Caller: importer, Reason: strings.Repeat("r", MaxReasonLen+1)}.Decide(shipped(t), t0.Add(3*time.Hour))
	require.ErrorIs(t, err, ErrTextTooLong)
}

func TestDispute_ClearsPendingExtension(t *testing.T) {
	req := apply(t, shipped(t), RequestDeadlineExtension{Caller: exporter, Deadline: t0.Add(10 * day)}, t0.Add(2*time.Hour)).Order
	d := apply(t, req, DisputeOrder{Caller: verifier, Reason: "late paperwork"}, t0.Add(3*time.Hour))
	assert.Equal(t, StateDisputed, d.Order.State)
	assert.Equal(t, StateInTransit, d.Order.PriorState)
	assert.False(t, d.Order.ExtensionRequested)
	assert.Equal(t, t0.Add(day), d.Order.ApprovedDeadline)
}

func TestResolveDispute(t *testing.T) {
	cases := []struct {
		name       string
		settlement Settlement
		state      State
		released   uint64
		refunded   uint64
		moves      int
	}{
		{"default releases", Settlement{}, StateCompleted, 100_000, 0, 1},
		{"release", Settlement{Outcome: OutcomeRelease}, StateCompleted, 100_000, 0, 1},
		{"refund", Settlement{Outcome: OutcomeRefund}, StateRefunded, 0, 100_000, 1},
		{"split", Settlement{Outcome: OutcomeSplit, ReleaseAmount: 40_000}, StateCompleted, 40_000, 60_000, 2},
		{"split all to importer", Settlement{Outcome: OutcomeSplit}, StateCompleted, 0, 100_000, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := apply(t, disputed(t), ResolveDispute{Caller: verifier, Resolution: "inspected", Settlement: tc.settlement}, t0.Add(4*time.Hour))
			assert.Equal(t, tc.state, d.Order.State)
			assert.Equal(t, tc.released, d.Order.ReleasedAmount)
			assert.Equal(t, tc.refunded, d.Order.RefundedAmount)
			assert.Len(t, d.Movements, tc.moves)
			assert.Equal(t, "inspected", d.Order.DisputeResolution)
			assert.Zero(t, d.Order.Remaining())
		})
	}
}

func TestResolveDispute_Rejections(t *testing.T) {
	o := disputed(t)
	_, err := ResolveDispute{Caller: verifier, Settlement: Settlement{Outcome: OutcomeSplit, ReleaseAmount: 100_001}}.Decide(o, t0.Add(4*time.Hour))
	require.ErrorIs(t, err, ErrInvalidSettlement)

	_, err = ResolveDispute{Caller: verifier, Settlement: Settlement{Outcome: "burn"}}.Decide(o, t0.Add(4*time.Hour))
	require.ErrorIs(t, err, ErrInvalidSettlement)

	_, err = ResolveDispute{Caller: verifier}.Decide(shipped(t), t0.Add(4*time.Hour))
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestUpdateOrderMetadata(t *testing.T) {
	title := "Green coffee beans"
	tags := []string{"arabica", "fair-trade"}
	d := apply(t, shipped(t), UpdateOrderMetadata{Caller: importer, Patch: MetadataPatch{Title: &title, Tags: &tags}}, t0.Add(2*time.Hour))
	assert.Equal(t, title, d.Order.Metadata.Title)
	assert.Equal(t, "agri", d.Order.Metadata.Category)
	assert.Equal(t, tags, d.Order.Metadata.Tags)

	tooLong := strings.Repeat("d", MaxDescriptionLen+1)
	_, err := UpdateOrderMetadata{Caller: importer, Patch: MetadataPatch{Description: &tooLong}}.Decide(shipped(t), t0.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrMetadataInvalid)

	done := apply(t, shipped(t), ConfirmDelivery{Caller: verifier}, t0.Add(2*time.Hour)).Order
	_, err = UpdateOrderMetadata{Caller: importer, Patch: MetadataPatch{Title: &title}}.Decide(done, t0.Add(3*time.Hour))
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestTerminalStatesRejectEveryTransition(t *testing.T) {
	completed := apply(t, shipped(t), ConfirmDelivery{Caller: verifier}, t0.Add(2*time.Hour)).Order
	refunded := apply(t, approved(t), CheckDeadlineAndRefund{}, t0.Add(2*day)).Order
	title := "t"
	for _, o := range []Order{completed, refunded} {
		for _, cmd := range everyCommand(title) {
			_, err := cmd.Decide(o, t0.Add(3*day))
			require.Error(t, err, "%s accepted in %s", cmd.Instruction(), o.State)
		}
	}
}

func TestUnknownStateIsRejected(t *testing.T) {
	o := shipped(t)
	o.State = State(99)
	for _, cmd := range everyCommand("t") {
		_, err := cmd.Decide(o, t0.Add(2*time.Hour))
		require.Error(t, err, cmd.Instruction())
	}
}

func everyCommand(title string) []Command {
	return []Command{
		ApproveDeadline{Caller: importer},
		ProposeNewDeadline{Caller: exporter, Deadline: t0.Add(20 * day)},
		ShipGoods{Caller: exporter, Evidence: evidenceHash},
		ConfirmDelivery{Caller: verifier},
		CheckDeadlineAndRefund{},
		PartialReleaseFunds{Caller: verifier, Amount: 1},
		PartialRefund{Caller: importer, Amount: 1},
		RequestDeadlineExtension{Caller: exporter, Deadline: t0.Add(20 * day)},
		ApproveDeadlineExtension{Caller: importer},
		RejectDeadlineExtension{Caller: importer},
		DisputeOrder{Caller: importer, Reason: "r"},
		ResolveDispute{Caller: verifier, Resolution: "r"},
		UpdateOrderMetadata{Caller: importer, Patch: MetadataPatch{Title: &title}},
	}
}

// TestRandomWalkConservesFunds drives random command sequences and checks
// that custody never pays out more than was deposited.
func TestRandomWalkConservesFunds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 200; run++ {
		o := created(t)
		now := t0
		for step := 0; step < 40 && !o.State.Terminal(); step++ {
			now = now.Add(time.Duration(rng.Intn(12*3600)) * time.Second)
			cmds := everyCommand("walk")
			cmds = append(cmds,
				PartialReleaseFunds{Caller: verifier, Amount: uint64(rng.Intn(40_000))},
				PartialRefund{Caller: importer, Amount: uint64(rng.Intn(40_000))},
				ResolveDispute{Caller: verifier, Settlement: Settlement{Outcome: OutcomeSplit, ReleaseAmount: uint64(rng.Intn(60_000))}},
			)
			cmd := cmds[rng.Intn(len(cmds))]
			d, err := cmd.Decide(o, now)
			if err != nil {
				continue
			}

			var paid uint64
			for _, m := range d.Movements {
				require.Equal(t, o.Custody(), m.From)
				paid += m.Amount
			}
			require.Equal(t, o.Remaining()-d.Order.Remaining(), paid, "%s", cmd.Instruction())
			require.LessOrEqual(t, d.Order.ReleasedAmount+d.Order.RefundedAmount, d.Order.Amount)
			require.True(t, d.Order.State.Valid())
			if d.Order.State.Terminal() {
				require.Zero(t, d.Order.Remaining(), "%s left funds in custody", d.Order.State)
			}
			o = d.Order
		}
	}
}
