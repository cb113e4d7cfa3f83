package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/forge/internal/types"
)

func fixedClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestLedger_RecordAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	e := NewEntry("reviewer@example.com", ActionHandoffApprove, "approve artifact a-1", types.OutcomeSuccess, types.RiskHigh)
	e.Scope = []string{"main.go"}
	stored, err := l.Record(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Seq)
	assert.False(t, stored.Timestamp.IsZero())

	_, err = l.Record(ctx, NewEntry("system", ActionHandoffReject, "reject", types.OutcomeSuccess, types.RiskLow))
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var got Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &got))
		lines = append(lines, got)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, ActionHandoffApprove, lines[0].ActionType)
	assert.Equal(t, int64(2), lines[1].Seq)
}

func TestLedger_RecordIgnoresCancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stored, err := l.Record(ctx, NewEntry("alice", ActionHandoffApprove, "approve artifact a-1", types.OutcomeSuccess, types.RiskHigh))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Seq)
	require.NoError(t, l.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	entries, _ := reopened.Query(Filter{ActionType: ActionHandoffApprove})
	assert.Len(t, entries, 1)
}

func TestLedger_RejectsInvalidEntries(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)

	tests := []struct {
		name  string
		entry Entry
	}{
		{"missing actor", NewEntry("", ActionHandoffApprove, "x", types.OutcomeSuccess, types.RiskHigh)},
		{"bad risk", NewEntry("a", ActionHandoffApprove, "x", types.OutcomeSuccess, "EXTREME")},
		{"bad outcome", NewEntry("a", ActionHandoffApprove, "x", "maybe", types.RiskHigh)},
		{"unknown action type", NewEntry("a", "format_disk", "x", types.OutcomeSuccess, types.RiskHigh)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Record(context.Background(), tt.entry)
			if !types.IsClientError(err) || types.KindOf(err) != types.KindValidation {
				t.Errorf("Record() error = %v, want validation error", err)
			}
		})
	}

	bad := NewEntry("a", ActionHandoffApprove, "x", types.OutcomeSuccess, types.RiskHigh)
	bad.SafetyScore = 1.5
	_, err = l.Record(context.Background(), bad)
	assert.Error(t, err, "safety score above 1 must be rejected")

	entries, total := l.Query(Filter{})
	assert.Empty(t, entries)
	assert.Zero(t, total)
}

func TestLedger_QueryFilters(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.Now = fixedClock(start)

	ctx := context.Background()
	record := func(actor string, at ActionType, outcome types.Outcome, risk types.RiskLevel) {
		_, err := l.Record(ctx, NewEntry(actor, at, string(at), outcome, risk))
		require.NoError(t, err)
	}
	record("alice", ActionHandoffApprove, types.OutcomeSuccess, types.RiskHigh)
	record("bob", ActionHandoffReject, types.OutcomeSuccess, types.RiskLow)
	record("alice", ActionHandoffExecute, types.OutcomeFailure, types.RiskHigh)
	record("circuit-breaker", ActionCircuitTrip, types.OutcomeSuccess, types.RiskHigh)

	entries, total := l.Query(Filter{Actor: "alice"})
	assert.Equal(t, 2, total)
	assert.Equal(t, ActionHandoffExecute, entries[0].ActionType, "newest first")

	_, total = l.Query(Filter{RiskLevel: types.RiskHigh})
	assert.Equal(t, 3, total)

	_, total = l.Query(Filter{Outcome: types.OutcomeFailure})
	assert.Equal(t, 1, total)

	_, total = l.Query(Filter{ActionType: ActionCircuitTrip})
	assert.Equal(t, 1, total)

	_, total = l.Query(Filter{Since: start.Add(3 * time.Second)})
	assert.Equal(t, 2, total)

	page, total := l.Query(Filter{Limit: 1, Offset: 1})
	assert.Equal(t, 4, total)
	require.Len(t, page, 1)
	assert.Equal(t, ActionHandoffExecute, page[0].ActionType)

	assert.Equal(t, []string{"alice", "bob", "circuit-breaker"}, l.Actors())
	assert.Equal(t, 3, l.Counts()[types.RiskHigh])
}

func TestLedger_ReloadAndTamperDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Record(context.Background(), NewEntry("a", ActionSnapshotRestore, "restore", types.OutcomeSuccess, types.RiskMedium))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	_, total := reopened.Query(Filter{})
	assert.Equal(t, 3, total)
	next, err := reopened.Record(context.Background(), NewEntry("a", ActionSnapshotRestore, "restore", types.OutcomeSuccess, types.RiskMedium))
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.Seq)
	require.NoError(t, reopened.Close())

	// Duplicate the first line at the end: sequence goes backwards.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	first := data[:indexOfNewline(data)+1]
	require.NoError(t, os.WriteFile(path, append(data, first...), 0644))

	_, err = Open(path)
	assert.Error(t, err)
}

func indexOfNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return len(b) - 1
}

func TestLedger_OnRecordHook(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)
	var seen []ActionType
	l.OnRecord = func(e Entry) { seen = append(seen, e.ActionType) }

	_, err = l.Record(context.Background(), NewEntry("a", ActionCircuitReset, "reset", types.OutcomeSuccess, types.RiskHigh))
	require.NoError(t, err)
	assert.Equal(t, []ActionType{ActionCircuitReset}, seen)
}
