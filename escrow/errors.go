package escrow

import "errors"

var (
	ErrInvalidState              = errors.New("escrow: invalid state")
	ErrUnauthorized              = errors.New("escrow: unauthorized")
	ErrDeadlineTooShort          = errors.New("escrow: deadline too short")
	ErrDeadlineTooLong           = errors.New("escrow: deadline too long")
	ErrDeadlinePassed            = errors.New("escrow: deadline passed")
	ErrDeadlineNotApproved       = errors.New("escrow: deadline not approved")
	ErrTooEarlyForRefund         = errors.New("escrow: too early for refund")
	ErrExtensionAlreadyRequested = errors.New("escrow: extension already requested")
	ErrExtensionRequestNotFound  = errors.New("escrow: extension request not found")
	ErrInvalidPartialAmount      = errors.New("escrow: invalid partial amount")
	ErrMetadataInvalid           = errors.New("escrow: metadata invalid")
	ErrInsufficientFunds         = errors.New("escrow: insufficient funds")

	// ErrOrderNotFound is returned when no order exists for the identifier.
	ErrOrderNotFound = errors.New("escrow: order not found")
	// ErrOrderExists signals an identifier collision on create.
	ErrOrderExists = errors.New("escrow: order already exists")
	// ErrInvalidParties flags missing or repeated importer/exporter/verifier identities.
	ErrInvalidParties = errors.New("escrow: invalid parties")
	ErrInvalidAmount  = errors.New("escrow: invalid amount")
	// ErrInvalidSettlement rejects a dispute settlement that cannot be applied to the remaining balance.
	ErrInvalidSettlement = errors.New("escrow: invalid settlement")
	ErrInvalidEvidence   = errors.New("escrow: invalid shipment evidence")
	ErrTextTooLong       = errors.New("escrow: text too long")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidState, "InvalidState"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrDeadlineTooShort, "DeadlineTooShort"},
	{ErrDeadlineTooLong, "DeadlineTooLong"},
	{ErrDeadlinePassed, "DeadlinePassed"},
	{ErrDeadlineNotApproved, "DeadlineNotApproved"},
	{ErrTooEarlyForRefund, "TooEarlyForRefund"},
	{ErrExtensionAlreadyRequested, "ExtensionAlreadyRequested"},
	{ErrExtensionRequestNotFound, "ExtensionRequestNotFound"},
	{ErrInvalidPartialAmount, "InvalidPartialAmount"},
	{ErrMetadataInvalid, "MetadataInvalid"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrOrderNotFound, "OrderNotFound"},
	{ErrOrderExists, "OrderExists"},
	{ErrInvalidParties, "InvalidParties"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrInvalidSettlement, "InvalidSettlement"},
	{ErrInvalidEvidence, "InvalidEvidence"},
	{ErrTextTooLong, "TextTooLong"},
}

// KindOf returns the stable error kind name for transports, or "Internal" when
// err is not one of the package's sentinel errors.
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}
