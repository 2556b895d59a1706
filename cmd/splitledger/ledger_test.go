package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/splitledger/internal/remote"
)

func TestParseShares(t *testing.T) {
	shares, err := parseShares([]string{"alice=12.50", " bob =7.5"})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.5").Equal(shares["alice"]))
	assert.True(t, decimal.RequireFromString("7.5").Equal(shares["bob"]))

	_, err = parseShares([]string{"alice"})
	assert.Error(t, err)

	_, err = parseShares([]string{"alice=1", "alice=2"})
	assert.Error(t, err)

	_, err = parseShares([]string{"alice=abc"})
	assert.Error(t, err)
}

func TestParseItems(t *testing.T) {
	items, err := parseItems([]string{"pizza:24.00:alice, bob", "wine:18:bob"})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "pizza", items[0].Description)
	assert.Equal(t, []string{"alice", "bob"}, items[0].AssignedTo)
	assert.True(t, decimal.RequireFromString("18").Equal(items[1].Amount))

	_, err = parseItems([]string{"pizza:24.00"})
	assert.Error(t, err)
}

func TestParseDate(t *testing.T) {
	got, err := parseDate("2024-03-15")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC).Unix(), got)

	got, err = parseDate("")
	require.NoError(t, err)
	assert.Zero(t, got)

	_, err = parseDate("15/03/2024")
	assert.Error(t, err)
}

func TestParseOpID(t *testing.T) {
	id, err := parseOpID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"0", "-1", "abc"} {
		_, err := parseOpID(bad)
		assert.Error(t, err, bad)
	}
}

// cliHarness runs root commands against a fresh database and an in-process
// remote.
type cliHarness struct {
	t      *testing.T
	server *remote.Server
	dbPath string
	args   []string
}

func newCLIHarness(t *testing.T, opts ...remote.ServerOption) *cliHarness {
	t.Helper()

	server := remote.NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ledger.db")
	return &cliHarness{
		t:      t,
		server: server,
		dbPath: dbPath,
		args: []string{
			"--config", filepath.Join(dir, "absent.toml"),
			"--db", dbPath,
			"--remote", ts.URL,
			"--log-level", "error",
		},
	}
}

func (h *cliHarness) run(args ...string) string {
	h.t.Helper()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(append([]string{}, h.args...), args...))

	require.NoError(h.t, cmd.ExecuteContext(h.t.Context()), out.String())
	return out.String()
}

func TestCLI_AddSyncSettle(t *testing.T) {
	h := newCLIHarness(t)

	groupID := h.createGroup("Trip", "alice", "bob")

	h.run("expense", "add",
		"--group", groupID, "--amount", "30", "--payer", "alice",
		"--with", "alice", "--with", "bob", "--desc", "Dinner")

	var status statusOutput
	require.NoError(t, json.Unmarshal([]byte(h.run("status", "--json")), &status))
	assert.Equal(t, 2, status.Pending)

	assert.Equal(t, "Applied 2, failed 0\n", h.run("sync"))

	_, ok := h.server.Group(groupID)
	assert.True(t, ok)

	settle := h.run("settle", groupID)
	assert.Contains(t, settle, "bob   alice  15.00")

	balances := h.run("balances", groupID)
	assert.Contains(t, balances, "+15.00")
	assert.Contains(t, balances, "-15.00")
}

func (h *cliHarness) createGroup(name string, members ...string) string {
	h.t.Helper()

	args := []string{"group", "create", name, "--json"}
	for _, m := range members {
		args = append(args, "--member", m)
	}

	var group struct {
		ID string `json:"id"`
	}
	require.NoError(h.t, json.Unmarshal([]byte(h.run(args...)), &group))
	require.NotEmpty(h.t, group.ID)
	return group.ID
}

func TestCLI_FailedAndDiscard(t *testing.T) {
	h := newCLIHarness(t, remote.WithFaults(func(_ context.Context, procedure string) error {
		if procedure == remote.ProcCreateGroup {
			return remote.StatusError(http.StatusBadRequest, "group name is reserved")
		}
		return nil
	}))

	groupID := h.createGroup("Trip", "alice", "bob")
	h.run("expense", "add",
		"--group", groupID, "--amount", "10", "--payer", "alice", "--with", "alice")

	// The expense is rejected too because its group never reached the remote.
	assert.Equal(t, "Applied 0, failed 2\n", h.run("sync"))

	failed := h.run("failed")
	assert.Contains(t, failed, "VALIDATION")
	assert.Contains(t, failed, "group name is reserved")

	// Discarding the group takes its rejected expense with it.
	h.run("discard", "1")
	assert.NotContains(t, h.run("group", "list"), groupID)
	assert.Contains(t, h.run("failed"), "No failed changes.")
}

func TestCLI_NotifiesRunningWatch(t *testing.T) {
	h := newCLIHarness(t)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	// This process stands in for a watch on the same database.
	cleanup, err := writePIDFile(pidPathFor(h.dbPath))
	require.NoError(t, err)
	defer cleanup()

	groupID := h.createGroup("Trip", "alice", "bob")
	select {
	case <-sigCh:
	case <-time.After(5 * time.Second):
		t.Fatal("local write did not notify the watch")
	}

	out := h.run("sync")
	assert.Equal(t, fmt.Sprintf("Sync requested from running watch (PID %d)\n", os.Getpid()), out)
	select {
	case <-sigCh:
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not notify the watch")
	}

	// The drain belongs to the watch, so nothing was sent from here.
	_, ok := h.server.Group(groupID)
	assert.False(t, ok)
}
