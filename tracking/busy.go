package tracking

import (
	"context"

	"github.com/warp/settlement-engine/billing"
)

// BusyQuery selects the sessions to check. At least one of TenantID or
// TaskIDs must be set; WorkerID narrows the check to one worker.
type BusyQuery struct {
	TenantID billing.TenantID
	TaskIDs  []billing.TaskID
	WorkerID billing.WorkerID
}

// BusyReport lists the open sessions covered by a BusyQuery.
type BusyReport struct {
	AnyBusy     bool
	BusySerials []billing.SerialID
}

// Guard answers whether any covered session is still being recorded.
// Corrections, manual submissions and settlement consult it before writing.
type Guard struct {
	sessions billing.Sessions
}

func NewGuard(sessions billing.Sessions) *Guard {
	return &Guard{sessions: sessions}
}

func (g *Guard) IsAnyTaskBusy(ctx context.Context, q BusyQuery) (BusyReport, error) {
	tasks := dedupTasks(q.TaskIDs)
	if q.TenantID == 0 && len(tasks) == 0 {
		return BusyReport{}, billing.Invalid("busy check needs a tenant or task ids")
	}

	open, err := g.sessions.FindSessions(ctx, billing.SessionFilter{
		TenantID: q.TenantID,
		TaskIDs:  tasks,
		WorkerID: q.WorkerID,
		OpenOnly: true,
	})
	if err != nil {
		return BusyReport{}, err
	}

	report := BusyReport{BusySerials: make([]billing.SerialID, 0, len(open))}
	for _, s := range open {
		report.BusySerials = append(report.BusySerials, s.SerialID)
	}
	report.AnyBusy = len(report.BusySerials) > 0
	return report, nil
}

func dedupTasks(ids []billing.TaskID) []billing.TaskID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[billing.TaskID]bool, len(ids))
	out := make([]billing.TaskID, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
