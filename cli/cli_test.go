package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/escrow"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type console struct {
	t  *testing.T
	db string
}

func newConsole(t *testing.T) *console {
	t.Setenv("ESCROW_STORE", "bolt")
	return &console{t: t, db: filepath.Join(t.TempDir(), "escrow.db")}
}

// run executes one escrowctl invocation against the console's file.
func (c *console) run(args ...string) (string, error) {
	c.t.Helper()
	cmd := newRootCommand(&RootOptions{clock: func() time.Time { return t0 }})
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--db", c.db}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (c *console) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, out)
	return out
}

func (c *console) createOrder() escrow.Order {
	c.t.Helper()
	c.mustRun("deposit", "--owner", "alice", "--amount", "1000")
	out := c.mustRun("--format", "json", "--as", "alice", "create",
		"--exporter", "bob", "--verifier", "victor", "--amount", "1000",
		"--deadline", t0.Add(7*24*time.Hour).Format(time.RFC3339),
		"--title", "Coffee beans", "--tag", "arabica", "--tag", "green")
	var res struct {
		Status string       `json:"status"`
		Data   escrow.Order `json:"data"`
	}
	require.NoError(c.t, json.Unmarshal([]byte(out), &res))
	require.Equal(c.t, "ok", res.Status)
	return res.Data
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "escrowctl", cmd.Use)

	for _, name := range []string{
		"deposit", "balance", "create", "approve-deadline", "propose-deadline", "ship", "confirm",
		"check-deadline", "partial-release", "partial-refund", "request-extension",
		"approve-extension", "reject-extension", "dispute", "resolve", "metadata",
		"show", "history", "list", "sweep", "replay",
	} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestInstructionCommandsRequireOrder(t *testing.T) {
	cmd := NewRootCommand()
	for _, spec := range instructionSpecs {
		sub, _, err := cmd.Find([]string{spec.use})
		require.NoError(t, err)
		flag := sub.Flags().Lookup("order")
		require.NotNil(t, flag, spec.use)
		_, err = escrow.NewCommand(spec.instruction, "alice", escrow.Args{})
		assert.NoError(t, err, spec.use)
	}
}

func TestInvalidFormat(t *testing.T) {
	c := newConsole(t)
	_, err := c.run("--format", "xml", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDeliveryFlow(t *testing.T) {
	c := newConsole(t)
	o := c.createOrder()
	assert.Equal(t, escrow.StatePendingDeadlineApproval, o.State)
	assert.Equal(t, []string{"arabica", "green"}, o.Metadata.Tags)

	out := c.mustRun("--as", "alice", "approve-deadline", "--order", o.ID)
	assert.Contains(t, out, "PendingShipment")

	out = c.mustRun("--as", "bob", "--now", t0.Add(time.Hour).Format(time.RFC3339),
		"ship", "--order", o.ID, "--evidence", strings.Repeat("cd", 32))
	assert.Contains(t, out, "InTransit")
	assert.Contains(t, out, strings.Repeat("cd", 32))

	out = c.mustRun("--as", "victor", "partial-release", "--order", o.ID, "--amount", "250")
	assert.Contains(t, out, "released 250, refunded 0, held 750")

	c.mustRun("--as", "victor", "confirm", "--order", o.ID)
	out = c.mustRun("balance", "--owner", "bob")
	assert.Equal(t, "bob holds 1,000 native\n", out)

	out = c.mustRun("history", "--order", o.ID)
	assert.Equal(t, 5, strings.Count(out, "\n"))
	assert.Contains(t, out, "Completed")
}

func TestRejectionExitCode(t *testing.T) {
	c := newConsole(t)
	o := c.createOrder()

	out, err := c.run("--format", "json", "--as", "mallory", "approve-deadline", "--order", o.ID)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, `"code": "Unauthorized"`)

	_, err = c.run("--as", "bob", "approve-deadline", "--order", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "OrderNotFound")

	_, err = c.run("approve-deadline", "--order", o.ID)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDisputeAndResolve(t *testing.T) {
	c := newConsole(t)
	o := c.createOrder()
	c.mustRun("--as", "alice", "approve-deadline", "--order", o.ID)
	c.mustRun("--as", "alice", "dispute", "--order", o.ID, "--reason", "wrong grade")

	_, err := c.run("--as", "victor", "resolve", "--order", o.ID, "--outcome", "halves")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out := c.mustRun("--as", "victor", "resolve", "--order", o.ID,
		"--resolution", "half usable", "--outcome", "split", "--release-amount", "600")
	assert.Contains(t, out, "Completed")
	assert.Equal(t, "bob holds 600 native\n", c.mustRun("balance", "--owner", "bob"))
	assert.Equal(t, "alice holds 400 native\n", c.mustRun("balance", "--owner", "alice"))
}

func TestMetadataOnlyChangesGivenFlags(t *testing.T) {
	c := newConsole(t)
	o := c.createOrder()

	out := c.mustRun("--format", "json", "--as", "alice", "metadata", "--order", o.ID, "--category", "food")
	var res struct {
		Data escrow.Order `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "Coffee beans", res.Data.Metadata.Title)
	assert.Equal(t, "food", res.Data.Metadata.Category)
	assert.Equal(t, []string{"arabica", "green"}, res.Data.Metadata.Tags)
}

func TestListAndSweep(t *testing.T) {
	c := newConsole(t)
	o := c.createOrder()
	c.mustRun("--as", "alice", "approve-deadline", "--order", o.ID)

	out := c.mustRun("--as", "bob", "list", "--role", "exporter", "--state", "PendingShipment")
	assert.Contains(t, out, o.ID)
	assert.Equal(t, "No orders.\n", c.mustRun("--as", "bob", "list", "--role", "verifier"))

	_, err := c.run("list", "--role", "exporter")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out = c.mustRun("--now", t0.Add(8*24*time.Hour).Format(time.RFC3339), "sweep")
	assert.Contains(t, out, "Refunded 1 order(s), skipped 0.")
	assert.Equal(t, "alice holds 1,000 native\n", c.mustRun("balance", "--owner", "alice"))
}

func TestDecimalsFlag(t *testing.T) {
	c := newConsole(t)
	out := c.mustRun("--decimals", "6", "deposit", "--owner", "alice", "--mint", "USDC", "--amount", "12.5")
	assert.Equal(t, "alice holds 12.5 token:USDC\n", out)

	_, err := c.run("--decimals", "6", "deposit", "--owner", "alice", "--amount", "0.0000001")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "x", assert.AnError)))
}
