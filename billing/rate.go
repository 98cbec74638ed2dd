package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RATE RESOLVER
// =============================================================================

// RateSource is the read-only catalog the resolver consults.
type RateSource interface {
	// Project returns nil, nil when the project does not exist.
	Project(ctx context.Context, id ProjectID) (*Project, error)

	// WorkerRate returns the rate bound to worker on project, and whether a
	// binding exists.
	WorkerRate(ctx context.Context, projectID ProjectID, workerID WorkerID) (decimal.Decimal, bool, error)
}

// Rate is the resolved hourly rate for one (project, worker) pair.
type Rate struct {
	ProjectID ProjectID
	WorkerID  WorkerID
	Mode      BillingMode
	PerHour   decimal.Decimal
}

type Resolver struct {
	Source RateSource
}

func NewResolver(src RateSource) *Resolver {
	return &Resolver{Source: src}
}

// Resolve returns the project's flat rate for hourly projects, otherwise the
// worker's binding on the project. A missing binding resolves to zero.
func (r *Resolver) Resolve(ctx context.Context, projectID ProjectID, workerID WorkerID) (Rate, error) {
	project, err := r.Source.Project(ctx, projectID)
	if err != nil {
		return Rate{}, fmt.Errorf("loading project %d: %w", projectID, err)
	}
	if project == nil {
		return Rate{}, fmt.Errorf("%w: %d", ErrProjectNotFound, projectID)
	}
	return r.resolveFor(ctx, project, workerID)
}

func (r *Resolver) resolveFor(ctx context.Context, project *Project, workerID WorkerID) (Rate, error) {
	rate := Rate{ProjectID: project.ID, WorkerID: workerID, Mode: project.BillingMode, PerHour: decimal.Zero}
	if project.BillingMode == BillingHourly {
		rate.PerHour = project.HourlyRate
		return rate, nil
	}

	perHour, ok, err := r.Source.WorkerRate(ctx, project.ID, workerID)
	if err != nil {
		return Rate{}, fmt.Errorf("loading rate for worker %d on project %d: %w", workerID, project.ID, err)
	}
	if ok {
		rate.PerHour = perHour
	}
	return rate, nil
}

// =============================================================================
// BULK RESOLUTION
// =============================================================================

type RatePair struct {
	ProjectID ProjectID
	WorkerID  WorkerID
}

// RateTable holds rates resolved up front for a bulk operation.
type RateTable map[RatePair]Rate

func (t RateTable) Lookup(projectID ProjectID, workerID WorkerID) (Rate, bool) {
	rate, ok := t[RatePair{ProjectID: projectID, WorkerID: workerID}]
	return rate, ok
}

// ResolveAll resolves every distinct pair once. Each project is loaded a
// single time regardless of how many workers reference it.
func (r *Resolver) ResolveAll(ctx context.Context, pairs []RatePair) (RateTable, error) {
	table := make(RateTable, len(pairs))
	projects := make(map[ProjectID]*Project)

	for _, pair := range pairs {
		if _, done := table[pair]; done {
			continue
		}
		project, seen := projects[pair.ProjectID]
		if !seen {
			p, err := r.Source.Project(ctx, pair.ProjectID)
			if err != nil {
				return nil, fmt.Errorf("loading project %d: %w", pair.ProjectID, err)
			}
			if p == nil {
				return nil, fmt.Errorf("%w: %d", ErrProjectNotFound, pair.ProjectID)
			}
			projects[pair.ProjectID] = p
			project = p
		}
		rate, err := r.resolveFor(ctx, project, pair.WorkerID)
		if err != nil {
			return nil, err
		}
		table[pair] = rate
	}
	return table, nil
}
