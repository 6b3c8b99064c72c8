package escrow

import (
	"time"

	"escrowflow/custody"
)

// Order is one escrowed trade between an importer, an exporter and a verifier.
type Order struct {
	ID       string        `json:"id"`
	Importer string        `json:"importer"`
	Exporter string        `json:"exporter"`
	Verifier string        `json:"verifier"`
	Asset    custody.Asset `json:"asset"`

	Amount         uint64 `json:"amount"`
	ReleasedAmount uint64 `json:"released_amount"`
	RefundedAmount uint64 `json:"refunded_amount"`

	State      State    `json:"state"`
	PriorState State    `json:"prior_state,omitempty"`
	Metadata   Metadata `json:"metadata"`

	CreatedAt          time.Time `json:"created_at"`
	ProposedDeadline   time.Time `json:"proposed_deadline"`
	ApprovedDeadline   time.Time `json:"approved_deadline"`
	DeadlineApproved   bool      `json:"deadline_approved"`
	ExtensionRequested bool      `json:"extension_requested"`
	ExtensionDeadline  time.Time `json:"extension_deadline"`

	ShipmentEvidence  string `json:"shipment_evidence,omitempty"`
	DisputeReason     string `json:"dispute_reason,omitempty"`
	DisputeResolution string `json:"dispute_resolution,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
	Version     int64     `json:"version"`
}

// Remaining is the balance still held in custody.
func (o Order) Remaining() uint64 {
	return o.Amount - o.ReleasedAmount - o.RefundedAmount
}

// RoleOf returns the role principal holds on the order, or RoleNone.
func (o Order) RoleOf(principal string) Role {
	switch principal {
	case "":
		return RoleNone
	case o.Importer:
		return RoleImporter
	case o.Exporter:
		return RoleExporter
	case o.Verifier:
		return RoleVerifier
	default:
		return RoleNone
	}
}

// Custody is the party holding the order's funds.
func (o Order) Custody() custody.Party {
	return custody.EscrowParty(o.ID)
}

// Metadata is descriptive, importer-editable information about an order.
type Metadata struct {
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description" yaml:"description"`
	Category    string   `json:"category" yaml:"category"`
	Tags        []string `json:"tags" yaml:"tags"`
}

// MetadataPatch updates only the fields that are set.
type MetadataPatch struct {
	Title       *string   `json:"title,omitempty" yaml:"title,omitempty"`
	Description *string   `json:"description,omitempty" yaml:"description,omitempty"`
	Category    *string   `json:"category,omitempty" yaml:"category,omitempty"`
	Tags        *[]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Apply returns m with the patch merged in.
func (p MetadataPatch) Apply(m Metadata) Metadata {
	out := m
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Category != nil {
		out.Category = *p.Category
	}
	if p.Tags != nil {
		out.Tags = append([]string{}, (*p.Tags)...)
	}
	return out
}

// HistoryEntry is one immutable record of an accepted transition.
type HistoryEntry struct {
	OrderID     string    `json:"order_id"`
	Seq         int64     `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	State       State     `json:"state"`
	Description string    `json:"description"`
	Actor       string    `json:"actor,omitempty"`
}

// Role is the capability set a principal holds on one order.
type Role string

const (
	RoleNone     Role = ""
	RoleImporter Role = "importer"
	RoleExporter Role = "exporter"
	RoleVerifier Role = "verifier"
)

// Outcome selects how a dispute settles the remaining balance.
type Outcome string

const (
	// OutcomeDefault releases the remaining balance to the exporter and completes the order.
	OutcomeDefault Outcome = ""
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
	// OutcomeSplit releases ReleaseAmount to the exporter and refunds the rest.
	OutcomeSplit Outcome = "split"
)

// Settlement is the verifier's instruction when resolving a dispute.
type Settlement struct {
	Outcome       Outcome `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	ReleaseAmount uint64  `json:"release_amount,omitempty" yaml:"release_amount,omitempty"`
}

// Filter narrows order listings.
type Filter struct {
	// Principal restricts results to orders the principal takes part in.
	Principal string
	// Role narrows Principal to one role; RoleNone matches any role.
	Role   Role
	States []State
	// DeadlineBefore keeps approved orders whose approved deadline is strictly earlier.
	DeadlineBefore time.Time
	Limit          int
}

// Matches applies the filter to an order in memory.
func (f Filter) Matches(o Order) bool {
	if f.Principal != "" {
		role := o.RoleOf(f.Principal)
		if role == RoleNone || (f.Role != RoleNone && role != f.Role) {
			return false
		}
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if s == o.State {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.DeadlineBefore.IsZero() {
		if !o.DeadlineApproved || !o.ApprovedDeadline.Before(f.DeadlineBefore) {
			return false
		}
	}
	return true
}
