package monitor

import (
	"sort"
	"time"

	"github.com/fyrsmithlabs/taskrun/internal/approval"
	"github.com/fyrsmithlabs/taskrun/internal/orchestrator"
)

// Source reads the state shown on the dashboard.
type Source interface {
	Runs() ([]*orchestrator.Manifest, error)
	PendingApprovals() ([]*approval.Request, error)
}

// StoreSource reads run manifests and approval requests from disk, so runs
// executing in other processes show up too.
type StoreSource struct {
	Manifests    *orchestrator.ManifestStore
	ApprovalsDir string
}

// Runs returns every manifest, newest first.
func (s StoreSource) Runs() ([]*orchestrator.Manifest, error) {
	return s.Manifests.List()
}

// PendingApprovals returns undecided requests, oldest first.
func (s StoreSource) PendingApprovals() ([]*approval.Request, error) {
	reqs, err := approval.LoadRequests(s.ApprovalsDir)
	if err != nil {
		return nil, err
	}
	pending := reqs[:0]
	for _, r := range reqs {
		if r.Decision == approval.Pending {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// RunRow is one run as displayed.
type RunRow struct {
	RunID       string
	PlanID      string
	Status      orchestrator.RunStatus
	Settled     int
	Total       int
	Cost        float64
	Elapsed     time.Duration
	PauseReason string
}

// Progress returns the settled fraction of steps in [0, 1].
func (r RunRow) Progress() float64 {
	if r.Total == 0 {
		return 1
	}
	return float64(r.Settled) / float64(r.Total)
}

// Snapshot is the dashboard state at one refresh.
type Snapshot struct {
	Counts         map[orchestrator.RunStatus]int
	Active         int
	StepsCompleted int
	TotalCost      float64
	Runs           []RunRow
	Pending        []*approval.Request
}

// Summarize derives a snapshot from manifests ordered newest first. At most
// limit runs are kept for display; active runs always come first.
func Summarize(runs []*orchestrator.Manifest, pending []*approval.Request, now time.Time, limit int) Snapshot {
	s := Snapshot{
		Counts:  make(map[orchestrator.RunStatus]int),
		Pending: pending,
	}
	rows := make([]RunRow, 0, len(runs))
	for _, m := range runs {
		s.Counts[m.Status]++
		if !m.Status.Terminal() {
			s.Active++
		}
		s.StepsCompleted += len(m.CompletedStepIDs)
		s.TotalCost += m.CostEstimate

		end := now
		if m.EndedAt != nil {
			end = *m.EndedAt
		}
		rows = append(rows, RunRow{
			RunID:       m.RunID,
			PlanID:      m.PlanID,
			Status:      m.Status,
			Settled:     len(m.CompletedStepIDs) + len(m.SkippedStepIDs) + len(m.FailedStepIDs),
			Total:       len(m.StepStates),
			Cost:        m.CostEstimate,
			Elapsed:     end.Sub(m.StartedAt),
			PauseReason: m.PauseReason,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return !rows[i].Status.Terminal() && rows[j].Status.Terminal()
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	s.Runs = rows
	return s
}
