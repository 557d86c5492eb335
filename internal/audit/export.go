package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Format selects the export encoding.
type Format string

const (
	// Structured writes one JSON object per line.
	Structured Format = "structured"
	// Tabular writes CSV with a header row.
	Tabular Format = "tabular"
)

// ParseFormat parses an export format name.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(raw); f {
	case Structured, Tabular:
		return f, nil
	case "json", "jsonl":
		return Structured, nil
	case "csv":
		return Tabular, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, raw)
	}
}

var tabularHeader = []string{
	"timestamp", "run_id", "seq", "event_type", "severity", "actor",
	"plan_id", "step_id", "tool_name", "message",
}

// Export writes the events matching f to w and returns how many were written.
func (t *Trail) Export(ctx context.Context, w io.Writer, f Filter, format Format) (int, error) {
	if format != Structured && format != Tabular {
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	events, err := t.Query(ctx, f)
	if err != nil {
		return 0, err
	}

	switch format {
	case Structured:
		enc := json.NewEncoder(w)
		for i := range events {
			if err := enc.Encode(&events[i]); err != nil {
				return i, trailErr("export", err)
			}
		}
	case Tabular:
		cw := csv.NewWriter(w)
		if err := cw.Write(tabularHeader); err != nil {
			return 0, trailErr("export", err)
		}
		for _, e := range events {
			if err := cw.Write([]string{
				e.Timestamp.Format(time.RFC3339Nano),
				e.RunID,
				strconv.FormatInt(e.Seq, 10),
				string(e.Type),
				string(e.Severity),
				e.Actor,
				e.PlanID,
				e.StepID,
				e.ToolName,
				e.Message,
			}); err != nil {
				return 0, trailErr("export", err)
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return 0, trailErr("export", err)
		}
	}
	return len(events), nil
}
