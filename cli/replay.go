package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"escrowflow/escrow"
)

// Script is a replayable sequence of escrow operations.
type Script struct {
	// Start is the instant of the first step; each step may move the clock
	// with At or Offset.
	Start time.Time    `yaml:"start"`
	Steps []ScriptStep `yaml:"steps"`
}

// ScriptStep is one operation. Op is "deposit", "create", "balance", "sweep"
// or an instruction name such as "shipGoods".
type ScriptStep struct {
	Op     string        `yaml:"op"`
	As     string        `yaml:"as"`
	Order  string        `yaml:"order"`
	Ref    string        `yaml:"ref"`
	At     time.Time     `yaml:"at"`
	Offset time.Duration `yaml:"offset"`

	Owner  string `yaml:"owner"`
	Mint   string `yaml:"mint"`
	Amount uint64 `yaml:"amount"`

	Create escrow.CreateOrderParams `yaml:"create"`
	Args   escrow.Args              `yaml:"args"`
	// DeadlineIn sets the create or instruction deadline relative to the step time.
	DeadlineIn time.Duration `yaml:"deadline_in"`

	Expect        string  `yaml:"expect"`
	ExpectState   string  `yaml:"expect_state"`
	ExpectBalance *uint64 `yaml:"expect_balance"`
}

// StepResult reports how one step went.
type StepResult struct {
	Index   int    `json:"index"`
	Op      string `json:"op"`
	OrderID string `json:"order_id,omitempty"`
	Outcome string `json:"outcome"`
	State   string `json:"state,omitempty"`
	Error   string `json:"error,omitempty"`
	Matched bool   `json:"matched"`
}

// ReplayResult is the outcome of a whole script.
type ReplayResult struct {
	Steps   []StepResult      `json:"steps"`
	Orders  map[string]string `json:"orders"`
	Matched bool              `json:"matched"`
}

// ParseScript decodes a YAML replay script.
func ParseScript(data []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, fmt.Errorf("parse script: %w", err)
	}
	if len(s.Steps) == 0 {
		return Script{}, fmt.Errorf("parse script: no steps")
	}
	return s, nil
}

func newReplayCommand(opts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run a YAML script of escrow operations and check its expectations",
		Long: `Replay executes each step of a script in order against the configured store.

A step passes when its outcome matches "expect" (an error kind such as
InvalidState, or empty for success) and, when given, "expect_state" and
"expect_balance". Orders created with "ref" can be named by that ref later.

Exit codes:
  0 - every step matched
  1 - at least one step did not match
  2 - the script or store could not be read`,
		Example: `  escrowctl replay -f testdata/delivery.yaml --db /tmp/escrow.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return WrapExitError(ExitCommandError, "read script", err)
			}
			script, err := ParseScript(data)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid script", err)
			}
			start := script.Start
			if start.IsZero() {
				if start, err = opts.now(); err != nil {
					return err
				}
			}

			p := opts.printer(cmd.OutOrStdout())
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				res := runScript(ctx, s, script.Steps, start)
				if err := p.replay(res); err != nil {
					return err
				}
				if !res.Matched {
					return NewExitError(ExitFailure, "replay expectations not met")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "script to replay (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runScript(ctx context.Context, s *session, steps []ScriptStep, start time.Time) ReplayResult {
	res := ReplayResult{Orders: map[string]string{}, Matched: true}
	now := start
	for i, step := range steps {
		switch {
		case !step.At.IsZero():
			now = step.At
		case step.Offset != 0:
			now = start.Add(step.Offset)
		}
		r := runStep(ctx, s, step, now, res.Orders)
		r.Index = i + 1
		res.Matched = res.Matched && r.Matched
		res.Steps = append(res.Steps, r)
	}
	return res
}

func runStep(ctx context.Context, s *session, step ScriptStep, now time.Time, refs map[string]string) StepResult {
	r := StepResult{Op: step.Op}
	orderID := step.Order
	if id, ok := refs[orderID]; ok {
		orderID = id
	}

	var (
		order escrow.Order
		err   error
	)
	switch step.Op {
	case "deposit":
		err = s.backend.Ledger.Deposit(ctx, step.Owner, assetFor(step.Mint), step.Amount)
	case "balance":
		var n uint64
		n, err = s.backend.Ledger.Balance(ctx, step.Owner, assetFor(step.Mint))
		if err == nil && step.ExpectBalance != nil && n != *step.ExpectBalance {
			return r.mismatch(fmt.Sprintf("balance of %s is %d, want %d", step.Owner, n, *step.ExpectBalance))
		}
	case "create":
		params := step.Create
		if params.Importer == "" {
			params.Importer = step.As
		}
		if step.DeadlineIn != 0 {
			params.ProposedDeadline = now.Add(step.DeadlineIn)
		}
		order, err = s.orders.CreateOrder(ctx, params, now)
		if err == nil && step.Ref != "" {
			refs[step.Ref] = order.ID
		}
	case "sweep":
		_, err = s.orders.SweepExpired(ctx, now, 4)
	default:
		args := step.Args
		if step.DeadlineIn != 0 {
			args.Deadline = now.Add(step.DeadlineIn)
		}
		var cmd escrow.Command
		cmd, err = escrow.NewCommand(step.Op, step.As, args)
		if err != nil {
			return r.mismatch(err.Error())
		}
		order, err = s.orders.Execute(ctx, orderID, cmd, now)
	}

	r.OrderID = order.ID
	if err != nil {
		r.Outcome = escrow.KindOf(err)
		r.Error = err.Error()
	} else {
		r.Outcome = "ok"
		if order.ID != "" {
			r.State = order.State.String()
		}
	}

	want := step.Expect
	if want == "" {
		want = "ok"
	}
	r.Matched = r.Outcome == want
	if r.Matched && step.ExpectState != "" {
		r.Matched = r.State == step.ExpectState
	}
	return r
}

func (r StepResult) mismatch(reason string) StepResult {
	r.Outcome = "mismatch"
	r.Error = reason
	r.Matched = false
	return r
}

func (p *printer) replay(res ReplayResult) error {
	if p.format == "json" {
		status := "ok"
		if !res.Matched {
			status = "error"
		}
		return p.json(response{Status: status, Data: res})
	}
	for _, step := range res.Steps {
		mark := "ok  "
		if !step.Matched {
			mark = "FAIL"
		}
		line := fmt.Sprintf("%s #%d %s -> %s", mark, step.Index, step.Op, step.Outcome)
		if step.State != "" {
			line += " [" + step.State + "]"
		}
		if !step.Matched && step.Error != "" {
			line += ": " + step.Error
		}
		fmt.Fprintln(p.w, line)
	}
	return nil
}
