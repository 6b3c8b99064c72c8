package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"escrowflow/custody"
	"escrowflow/escrow"
)

func newDepositCommand(opts *RootOptions) *cobra.Command {
	var owner, mint, amount string
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Credit a principal's balance from outside the escrow",
		Example: `  escrowctl deposit --owner alice --amount 1000
  escrowctl deposit --owner alice --mint USDC --amount 250`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.printer(cmd.OutOrStdout())
			units, err := p.parseAmount("amount", amount)
			if err != nil {
				return err
			}
			if units == 0 {
				return NewExitError(ExitCommandError, "--amount must be positive")
			}
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				asset := assetFor(mint)
				if err := s.backend.Ledger.Deposit(ctx, owner, asset, units); err != nil {
					return WrapExitError(ExitCommandError, "deposit", err)
				}
				n, err := s.backend.Ledger.Balance(ctx, owner, asset)
				if err != nil {
					return WrapExitError(ExitCommandError, "read balance", err)
				}
				return p.balance(balance{Owner: owner, Asset: asset, Amount: n})
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "principal to credit (required)")
	cmd.Flags().StringVar(&mint, "mint", "", "token mint; native currency when empty")
	cmd.Flags().StringVar(&amount, "amount", "", "amount to credit (required)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newBalanceCommand(opts *RootOptions) *cobra.Command {
	var owner, mint string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a principal's or an order custody's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.printer(cmd.OutOrStdout())
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				asset := assetFor(mint)
				n, err := s.backend.Ledger.Balance(ctx, owner, asset)
				if err != nil {
					return WrapExitError(ExitCommandError, "read balance", err)
				}
				return p.balance(balance{Owner: owner, Asset: asset, Amount: n})
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "principal, or escrow:<order-id> for a custody (required)")
	cmd.Flags().StringVar(&mint, "mint", "", "token mint; native currency when empty")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newCreateCommand(opts *RootOptions) *cobra.Command {
	var (
		params                  escrow.CreateOrderParams
		amount, deadline        string
		title, description, cat string
		tags                    []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and fund an order as the importer",
		Example: `  escrowctl create --as alice --exporter bob --verifier victor \
    --amount 1000 --deadline 2025-03-08T12:00:00Z --title "Coffee beans"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.printer(cmd.OutOrStdout())
			importer, err := opts.caller()
			if err != nil {
				return err
			}
			now, err := opts.now()
			if err != nil {
				return err
			}
			if params.Amount, err = p.parseAmount("amount", amount); err != nil {
				return err
			}
			if params.ProposedDeadline, err = parseTime("deadline", deadline); err != nil {
				return err
			}
			params.Importer = importer
			params.Metadata = escrow.Metadata{Title: title, Description: description, Category: cat, Tags: tags}

			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				o, err := s.orders.CreateOrder(ctx, params, now)
				if err != nil {
					return p.rejected(err)
				}
				return p.order(o)
			})
		},
	}
	cmd.Flags().StringVar(&params.Exporter, "exporter", "", "exporter principal (required)")
	cmd.Flags().StringVar(&params.Verifier, "verifier", "", "verifier principal (required)")
	cmd.Flags().StringVar(&params.Mint, "mint", "", "token mint; native currency when empty")
	cmd.Flags().StringVar(&amount, "amount", "", "amount to escrow (required)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "proposed delivery deadline, RFC3339 (required)")
	cmd.Flags().StringVar(&title, "title", "", "order title")
	cmd.Flags().StringVar(&description, "description", "", "order description")
	cmd.Flags().StringVar(&cat, "category", "", "order category")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "order tag (repeatable)")
	for _, name := range []string{"exporter", "verifier", "amount", "deadline"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// instructionSpec describes one mutating order command.
type instructionSpec struct {
	use         string
	short       string
	instruction string
	// flags registers the command's own flags and returns a function that
	// copies their parsed values into the instruction arguments.
	flags func(cmd *cobra.Command, p func() *printer) func(a *escrow.Args) error
}

var instructionSpecs = []instructionSpec{
	{use: "approve-deadline", short: "Approve the proposed deadline as the importer", instruction: "approveDeadline"},
	{use: "propose-deadline", short: "Propose a new deadline", instruction: "proposeNewDeadline", flags: deadlineFlag},
	{use: "ship", short: "Record shipment with the bill-of-lading hash", instruction: "shipGoods",
		flags: func(cmd *cobra.Command, _ func() *printer) func(a *escrow.Args) error {
			var evidence string
			cmd.Flags().StringVar(&evidence, "evidence", "", "bill-of-lading hash, 32 bytes hex (required)")
			_ = cmd.MarkFlagRequired("evidence")
			return func(a *escrow.Args) error {
				a.Evidence = evidence
				return nil
			}
		}},
	{use: "confirm", short: "Confirm delivery and release the held balance", instruction: "confirmDelivery"},
	{use: "check-deadline", short: "Refund the importer if the approved deadline has passed", instruction: "checkDeadlineAndRefund"},
	{use: "partial-release", short: "Release part of the held balance to the exporter", instruction: "partialReleaseFunds", flags: amountFlag},
	{use: "partial-refund", short: "Refund part of the held balance to the importer", instruction: "partialRefund", flags: amountFlag},
	{use: "request-extension", short: "Request a later deadline after approval", instruction: "requestDeadlineExtension", flags: deadlineFlag},
	{use: "approve-extension", short: "Approve the pending deadline extension", instruction: "approveDeadlineExtension"},
	{use: "reject-extension", short: "Reject the pending deadline extension", instruction: "rejectDeadlineExtension"},
	{use: "dispute", short: "Open a dispute on the order", instruction: "disputeOrder",
		flags: func(cmd *cobra.Command, _ func() *printer) func(a *escrow.Args) error {
			var reason string
			cmd.Flags().StringVar(&reason, "reason", "", "why the order is disputed (required)")
			_ = cmd.MarkFlagRequired("reason")
			return func(a *escrow.Args) error {
				a.Reason = reason
				return nil
			}
		}},
	{use: "resolve", short: "Settle a dispute as the verifier", instruction: "resolveDispute", flags: resolveFlags},
	{use: "metadata", short: "Update the order's descriptive metadata as the importer", instruction: "updateOrderMetadata", flags: metadataFlags},
}

func newInstructionCommand(opts *RootOptions, spec instructionSpec) *cobra.Command {
	var orderID string
	var bind func(a *escrow.Args) error
	cmd := &cobra.Command{
		Use:   spec.use,
		Short: spec.short,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.printer(cmd.OutOrStdout())
			caller, err := opts.caller()
			if err != nil {
				return err
			}
			now, err := opts.now()
			if err != nil {
				return err
			}
			var a escrow.Args
			if bind != nil {
				if err := bind(&a); err != nil {
					return err
				}
			}
			command, err := escrow.NewCommand(spec.instruction, caller, a)
			if err != nil {
				return WrapExitError(ExitCommandError, spec.use, err)
			}
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				o, err := s.orders.Execute(ctx, orderID, command, now)
				if err != nil {
					return p.rejected(err)
				}
				return p.order(o)
			})
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id (required)")
	_ = cmd.MarkFlagRequired("order")
	if spec.flags != nil {
		bind = spec.flags(cmd, func() *printer { return opts.printer(cmd.OutOrStdout()) })
	}
	return cmd
}

func deadlineFlag(cmd *cobra.Command, _ func() *printer) func(a *escrow.Args) error {
	var deadline string
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline, RFC3339 (required)")
	_ = cmd.MarkFlagRequired("deadline")
	return func(a *escrow.Args) error {
		t, err := parseTime("deadline", deadline)
		a.Deadline = t
		return err
	}
}

func amountFlag(cmd *cobra.Command, p func() *printer) func(a *escrow.Args) error {
	var amount string
	cmd.Flags().StringVar(&amount, "amount", "", "amount to move (required)")
	_ = cmd.MarkFlagRequired("amount")
	return func(a *escrow.Args) error {
		units, err := p().parseAmount("amount", amount)
		a.Amount = units
		return err
	}
}

func resolveFlags(cmd *cobra.Command, p func() *printer) func(a *escrow.Args) error {
	var resolution, outcome, release string
	cmd.Flags().StringVar(&resolution, "resolution", "", "free-text resolution recorded on the order")
	cmd.Flags().StringVar(&outcome, "outcome", "release", "settlement: release, refund or split")
	cmd.Flags().StringVar(&release, "release-amount", "0", "amount released to the exporter with --outcome split")
	return func(a *escrow.Args) error {
		switch o := escrow.Outcome(strings.ToLower(strings.TrimSpace(outcome))); o {
		case escrow.OutcomeRelease, escrow.OutcomeRefund, escrow.OutcomeSplit:
			a.Settlement.Outcome = o
		default:
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid --outcome %q", outcome))
		}
		units, err := p().parseAmount("release-amount", release)
		if err != nil {
			return err
		}
		a.Settlement.ReleaseAmount = units
		a.Resolution = resolution
		return nil
	}
}

func metadataFlags(cmd *cobra.Command, _ func() *printer) func(a *escrow.Args) error {
	var title, description, category string
	var tags []string
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&category, "category", "", "new category")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replacement tags (repeatable)")
	return func(a *escrow.Args) error {
		flags := cmd.Flags()
		if flags.Changed("title") {
			a.Metadata.Title = &title
		}
		if flags.Changed("description") {
			a.Metadata.Description = &description
		}
		if flags.Changed("category") {
			a.Metadata.Category = &category
		}
		if flags.Changed("tag") {
			a.Metadata.Tags = &tags
		}
		return nil
	}
}

func newShowCommand(opts *RootOptions) *cobra.Command {
	var orderID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an order",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.printer(cmd.OutOrStdout())
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				o, err := s.orders.Get(ctx, orderID)
				if err != nil {
					return p.rejected(err)
				}
				return p.order(o)
			})
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id (required)")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func newHistoryCommand(opts *RootOptions) *cobra.Command {
	var orderID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show an order's transition log",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.printer(cmd.OutOrStdout())
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				entries, err := s.orders.History(ctx, orderID)
				if err != nil {
					return p.rejected(err)
				}
				return p.history(entries)
			})
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id (required)")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func newListCommand(opts *RootOptions) *cobra.Command {
	var role string
	var states []string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders, optionally those of --as in one role",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.printer(cmd.OutOrStdout())
			filter := escrow.Filter{Principal: strings.TrimSpace(opts.As), Limit: limit}
			switch r := escrow.Role(role); r {
			case escrow.RoleNone, escrow.RoleImporter, escrow.RoleExporter, escrow.RoleVerifier:
				filter.Role = r
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid --role %q", role))
			}
			if filter.Role != escrow.RoleNone && filter.Principal == "" {
				return NewExitError(ExitCommandError, "--role needs --as")
			}
			for _, name := range states {
				st, err := escrow.ParseState(name)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --state", err)
				}
				filter.States = append(filter.States, st)
			}
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				orders, err := s.orders.List(ctx, filter)
				if err != nil {
					return p.rejected(err)
				}
				return p.orders(orders)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "importer, exporter or verifier")
	cmd.Flags().StringSliceVar(&states, "state", nil, "state to include (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of orders")
	return cmd
}

func newSweepCommand(opts *RootOptions) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Refund every order whose approved deadline has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.printer(cmd.OutOrStdout())
			now, err := opts.now()
			if err != nil {
				return err
			}
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				res, err := s.orders.SweepExpired(ctx, now, concurrency)
				if err != nil {
					return p.rejected(err)
				}
				return p.sweep(res)
			})
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "orders refunded in parallel")
	return cmd
}

func withSession(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := opts.open(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func assetFor(mint string) custody.Asset {
	if strings.TrimSpace(mint) == "" {
		return custody.Native()
	}
	return custody.Token(mint)
}
