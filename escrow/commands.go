package escrow

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Args is the union of instruction parameters accepted by transports that
// name instructions by string (HTTP routes, replay scripts).
type Args struct {
	Deadline   time.Time     `json:"deadline" yaml:"deadline"`
	Evidence   string        `json:"bill_of_lading_hash" yaml:"bill_of_lading_hash"`
	Amount     uint64        `json:"amount" yaml:"amount"`
	Reason     string        `json:"reason" yaml:"reason"`
	Resolution string        `json:"resolution" yaml:"resolution"`
	Settlement Settlement    `json:"settlement" yaml:"settlement"`
	Metadata   MetadataPatch `json:"metadata" yaml:"metadata"`
}

var commandBuilders = map[string]func(caller string, a Args) Command{
	"approveDeadline": func(c string, _ Args) Command { return ApproveDeadline{Caller: c} },
	"proposeNewDeadline": func(c string, a Args) Command {
		return ProposeNewDeadline{Caller: c, Deadline: a.Deadline}
	},
	"shipGoods":       func(c string, a Args) Command { return ShipGoods{Caller: c, Evidence: a.Evidence} },
	"confirmDelivery": func(c string, _ Args) Command { return ConfirmDelivery{Caller: c} },
	"checkDeadlineAndRefund": func(c string, _ Args) Command {
		return CheckDeadlineAndRefund{Caller: c}
	},
	"partialReleaseFunds": func(c string, a Args) Command {
		return PartialReleaseFunds{Caller: c, Amount: a.Amount}
	},
	"partialRefund": func(c string, a Args) Command { return PartialRefund{Caller: c, Amount: a.Amount} },
	"requestDeadlineExtension": func(c string, a Args) Command {
		return RequestDeadlineExtension{Caller: c, Deadline: a.Deadline}
	},
	"approveDeadlineExtension": func(c string, _ Args) Command {
		return ApproveDeadlineExtension{Caller: c}
	},
	"rejectDeadlineExtension": func(c string, _ Args) Command {
		return RejectDeadlineExtension{Caller: c}
	},
	"disputeOrder": func(c string, a Args) Command { return DisputeOrder{Caller: c, Reason: a.Reason} },
	"resolveDispute": func(c string, a Args) Command {
		return ResolveDispute{Caller: c, Resolution: a.Resolution, Settlement: a.Settlement}
	},
	"updateOrderMetadata": func(c string, a Args) Command {
		return UpdateOrderMetadata{Caller: c, Patch: a.Metadata}
	},
}

// ErrUnknownInstruction is returned by NewCommand for names it does not know.
var ErrUnknownInstruction = errors.New("escrow: unknown instruction")

// NewCommand builds the mutating command named by instruction, as reported by
// Command.Instruction.
func NewCommand(instruction, caller string, a Args) (Command, error) {
	build, ok := commandBuilders[instruction]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownInstruction, instruction)
	}
	return build(caller, a), nil
}

// Instructions lists the names NewCommand accepts, sorted.
func Instructions() []string {
	names := make([]string, 0, len(commandBuilders))
	for name := range commandBuilders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
