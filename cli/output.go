package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"escrowflow/custody"
	"escrowflow/escrow"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The engine rejected the command or a replay expectation failed
	ExitCommandError = 2 // Bad flags, unreadable files, unreachable store
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// response is the JSON envelope of every command.
type response struct {
	Status string         `json:"status"`
	Data   any            `json:"data,omitempty"`
	Error  *responseError `json:"error,omitempty"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// printer renders results in the selected format.
type printer struct {
	format   string
	w        io.Writer
	decimals int32
	numbers  *message.Printer
}

func (opts *RootOptions) printer(w io.Writer) *printer {
	return &printer{
		format:   opts.Format,
		w:        w,
		decimals: opts.Decimals,
		numbers:  message.NewPrinter(language.English),
	}
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// rejected reports an engine rejection and returns the matching exit error.
func (p *printer) rejected(err error) error {
	kind := escrow.KindOf(err)
	if kind == "Internal" {
		return WrapExitError(ExitCommandError, "command failed", err)
	}
	if p.format == "json" {
		if encErr := p.json(response{Status: "error", Error: &responseError{Code: kind, Message: err.Error()}}); encErr != nil {
			return encErr
		}
	}
	return WrapExitError(ExitFailure, kind, err)
}

func (p *printer) amount(units uint64) string {
	if p.decimals > 0 {
		return custody.FormatAmount(units, p.decimals)
	}
	return p.numbers.Sprintf("%d", units)
}

func (p *printer) parseAmount(flag, value string) (uint64, error) {
	units, err := custody.ParseAmount(value, p.decimals)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "invalid --"+flag, err)
	}
	return units, nil
}

func (p *printer) order(o escrow.Order) error {
	if p.format == "json" {
		return p.json(response{Status: "ok", Data: o})
	}
	p.writeOrder(o)
	return nil
}

func (p *printer) writeOrder(o escrow.Order) {
	line := func(label, format string, args ...any) {
		fmt.Fprintf(p.w, "%-10s %s\n", label, fmt.Sprintf(format, args...))
	}
	line("Order", "%s", o.ID)
	state := o.State.String()
	if o.PriorState.Valid() {
		state += " (from " + o.PriorState.String() + ")"
	}
	line("State", "%s", state)
	line("Asset", "%s", o.Asset)
	line("Parties", "importer=%s exporter=%s verifier=%s", o.Importer, o.Exporter, o.Verifier)
	line("Amount", "%s (released %s, refunded %s, held %s)",
		p.amount(o.Amount), p.amount(o.ReleasedAmount), p.amount(o.RefundedAmount), p.amount(o.Remaining()))
	if o.DeadlineApproved {
		line("Deadline", "%s (approved)", stamp(o.ApprovedDeadline))
	} else {
		line("Deadline", "%s (proposed)", stamp(o.ProposedDeadline))
	}
	if o.ExtensionRequested {
		line("Extension", "%s (pending)", stamp(o.ExtensionDeadline))
	}
	if o.ShipmentEvidence != "" {
		line("Evidence", "%s", o.ShipmentEvidence)
	}
	if o.DisputeReason != "" {
		line("Dispute", "%s", o.DisputeReason)
	}
	if o.DisputeResolution != "" {
		line("Resolution", "%s", o.DisputeResolution)
	}
	if o.Metadata.Title != "" {
		line("Title", "%s", o.Metadata.Title)
	}
	if len(o.Metadata.Tags) > 0 {
		line("Tags", "%s", strings.Join(o.Metadata.Tags, ", "))
	}
	line("Version", "%d", o.Version)
}

func (p *printer) orders(orders []escrow.Order) error {
	if p.format == "json" {
		if orders == nil {
			orders = []escrow.Order{}
		}
		return p.json(response{Status: "ok", Data: orders})
	}
	if len(orders) == 0 {
		fmt.Fprintln(p.w, "No orders.")
		return nil
	}
	for _, o := range orders {
		fmt.Fprintf(p.w, "%s  %-24s %s held  %s\n", o.ID, o.State, p.amount(o.Remaining()), o.Metadata.Title)
	}
	return nil
}

func (p *printer) history(entries []escrow.HistoryEntry) error {
	if p.format == "json" {
		return p.json(response{Status: "ok", Data: entries})
	}
	for _, e := range entries {
		fmt.Fprintf(p.w, "%3d  %s  %-24s %-10s %s\n", e.Seq, stamp(e.Timestamp), e.State, e.Actor, e.Description)
	}
	return nil
}

type balance struct {
	Owner  string        `json:"owner"`
	Asset  custody.Asset `json:"asset"`
	Amount uint64        `json:"amount"`
}

func (p *printer) balance(b balance) error {
	if p.format == "json" {
		return p.json(response{Status: "ok", Data: b})
	}
	fmt.Fprintf(p.w, "%s holds %s %s\n", b.Owner, p.amount(b.Amount), b.Asset)
	return nil
}

func (p *printer) sweep(res escrow.SweepResult) error {
	if p.format == "json" {
		return p.json(response{Status: "ok", Data: res})
	}
	fmt.Fprintf(p.w, "Refunded %d order(s), skipped %d.\n", len(res.Refunded), len(res.Skipped))
	for _, id := range res.Refunded {
		fmt.Fprintf(p.w, "  refunded %s\n", id)
	}
	return nil
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
