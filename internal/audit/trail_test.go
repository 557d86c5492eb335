package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestTrail(t *testing.T, opts ...Option) *Trail {
	t.Helper()
	tr, err := Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestAppend_AssignsPerRunSequence(t *testing.T) {
	ctx := context.Background()
	tr := openTestTrail(t)

	for i := 0; i < 3; i++ {
		e, err := tr.Append(ctx, Event{RunID: "run-a", Type: StepStarted, Message: "a"})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), e.Seq)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
	e, err := tr.Append(ctx, Event{RunID: "run-b", Type: RunStarted, Message: "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Seq)
	assert.Equal(t, Info, e.Severity)
}

func TestAppend_ConcurrentRunsKeepOrder(t *testing.T) {
	ctx := context.Background()
	tr := openTestTrail(t)

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := tr.Append(ctx, Event{
					RunID:   fmt.Sprintf("run-%d", r),
					Type:    StepCompleted,
					Message: fmt.Sprintf("step %d", i),
				})
				assert.NoError(t, err)
			}
		}(r)
	}
	wg.Wait()

	events, err := tr.Query(ctx, Filter{RunID: "run-2"})
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, fmt.Sprintf("step %d", i), e.Message)
	}
}

func TestAppend_Rejects(t *testing.T) {
	tr := openTestTrail(t)
	_, err := tr.Append(context.Background(), Event{Message: "no type"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = tr.Append(context.Background(), Event{Type: RunStarted, Severity: "loud"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	var te *TrailError
	assert.ErrorAs(t, err, &te)
}

func TestAppend_ScrubsSecrets(t *testing.T) {
	ctx := context.Background()
	tr := openTestTrail(t)

	_, err := tr.Append(ctx, Event{
		RunID:   "run-1",
		Type:    StepStarted,
		Message: "invoking with password=hunter22hunter",
		Details: map[string]any{
			"params": map[string]any{"url": "postgres://app:topsecret@db/prod"},
		},
	})
	require.NoError(t, err)

	events, err := tr.Query(ctx, Filter{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotContains(t, events[0].Message, "hunter22hunter")
	params := events[0].Details["params"].(map[string]any)
	assert.NotContains(t, params["url"], "topsecret")
}

func TestQuery_Filters(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	tr := openTestTrail(t, WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))

	seed := []Event{
		{RunID: "r1", Type: RunStarted},
		{RunID: "r1", StepID: "s1", Type: StepStarted},
		{RunID: "r1", StepID: "s1", Type: StepFailed, Severity: Error},
		{RunID: "r2", Type: RunStarted},
		{RunID: "r1", StepID: "s2", Type: ApprovalRequested, Severity: Warning},
	}
	for _, e := range seed {
		e.Message = string(e.Type)
		_, err := tr.Append(ctx, e)
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []EventType
	}{
		{"all", Filter{}, []EventType{RunStarted, StepStarted, StepFailed, RunStarted, ApprovalRequested}},
		{"run", Filter{RunID: "r2"}, []EventType{RunStarted}},
		{"step", Filter{RunID: "r1", StepID: "s1"}, []EventType{StepStarted, StepFailed}},
		{"types", Filter{Types: []EventType{StepFailed, ApprovalRequested}}, []EventType{StepFailed, ApprovalRequested}},
		{"severity", Filter{MinSeverity: Warning}, []EventType{StepFailed, ApprovalRequested}},
		{"window", Filter{Since: base.Add(2 * time.Minute), Until: base.Add(4 * time.Minute)}, []EventType{StepStarted, StepFailed}},
		{"limit", Filter{RunID: "r1", Limit: 1}, []EventType{RunStarted}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := tr.Query(ctx, tt.filter)
			require.NoError(t, err)
			got := make([]EventType, len(events))
			for i, e := range events {
				got[i] = e.Type
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	tr := openTestTrail(t)
	_, err := tr.Append(ctx, Event{RunID: "r1", PlanID: "p1", StepID: "s1", ToolName: "read_file", Type: StepCompleted, Actor: "engine", Message: "read, ok"})
	require.NoError(t, err)
	_, err = tr.Append(ctx, Event{RunID: "r1", Type: RunCompleted, Message: "done"})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := tr.Export(ctx, &buf, Filter{RunID: "r1"}, Structured)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var first Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, StepCompleted, first.Type)
	assert.Equal(t, "read_file", first.ToolName)

	buf.Reset()
	n, err = tr.Export(ctx, &buf, Filter{RunID: "r1"}, Tabular)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, tabularHeader, records[0])
	assert.Equal(t, []string{"r1", "1", "step_completed", "info", "engine", "p1", "s1", "read_file", "read, ok"}, records[1][1:])

	_, err = tr.Export(ctx, &buf, Filter{}, Format("xml"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("csv")
	require.NoError(t, err)
	assert.Equal(t, Tabular, f)
	f, err = ParseFormat("structured")
	require.NoError(t, err)
	assert.Equal(t, Structured, f)
	_, err = ParseFormat("yaml")
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	tr, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "audit.db"))
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err = tr.Append(context.Background(), Event{Type: RunStarted})
	assert.ErrorIs(t, err, ErrClosed)
}
