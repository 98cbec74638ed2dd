/*
Package settlement turns unsettled sessions into ledger transactions.

PURPOSE:
  The Bucket Grouper arranges a month of sessions into per-worker pay
  buckets; the Submitter commits one worker-day as a ledger transaction;
  the Orchestrator drives a whole tenant through both; the Scheduler runs
  the Orchestrator periodically for every tenant.

KEY CONCEPTS IN THIS FILE (grouper.go):
  - DayRow: every session contribution recorded on one calendar day
  - Contribution: one session's share of a DayRow
  - DayPayment: the aggregate of a worker's eligible contributions on a day
  - MonthBuckets: per-worker map of the four bucket slots

GROUPING RULES:
  1. A row's Date is converted to the configured time zone; rows outside
     the current month are dropped.
  2. Every worker seen in an in-month row gets all four bucket slots, even
     when none of their contributions is payable.
  3. Only flag 0 contributions are aggregated.
  4. Contributions sharing (worker, date) are summed: seconds exactly,
     amount rounded to cents after summing.

EXAMPLE:
  Worker 7, 2025-03-07: 1800s/$5.00 + 5400s/$15.00
  -> Buckets["1-7"] = [{Date: 2025-03-07, Seconds: 7200, Hours: 2.00,
                        Amount: 20.00, SerialIDs: [..2 ids..]}]

SEE ALSO:
  - billing/calendar.go: BucketFor and the label set
  - orchestrator.go: the consumer of MonthBuckets
*/
package settlement

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/billing"
)

// =============================================================================
// INPUT
// =============================================================================

// Contribution is one session's part of a DayRow.
type Contribution struct {
	SerialID billing.SerialID
	WorkerID billing.WorkerID
	TenantID billing.TenantID
	Seconds  int64
	Amount   decimal.Decimal
	Flag     billing.Flag
}

// DayRow is everything recorded on one calendar day, across workers.
type DayRow struct {
	Date          time.Time
	Contributions []Contribution
}

// RowsFromSessions builds one DayRow per work date. Open sessions are left
// out: they have no duration to pay yet.
func RowsFromSessions(sessions []billing.Session, loc *time.Location) []DayRow {
	byDate := make(map[billing.Date]*DayRow)
	var dates []billing.Date
	for _, s := range sessions {
		if s.IsOpen() {
			continue
		}
		row, ok := byDate[s.WorkDate]
		if !ok {
			row = &DayRow{Date: s.WorkDate.In(loc)}
			byDate[s.WorkDate] = row
			dates = append(dates, s.WorkDate)
		}
		row.Contributions = append(row.Contributions, Contribution{
			SerialID: s.SerialID,
			WorkerID: s.WorkerID,
			TenantID: s.TenantID,
			Seconds:  s.DurationSeconds,
			Amount:   s.Amount,
			Flag:     s.Flag,
		})
	}

	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	rows := make([]DayRow, 0, len(dates))
	for _, d := range dates {
		rows = append(rows, *byDate[d])
	}
	return rows
}

// =============================================================================
// OUTPUT
// =============================================================================

// DayPayment is one worker's payable total for one day.
type DayPayment struct {
	WorkerID  billing.WorkerID
	TenantID  billing.TenantID
	Date      billing.Date
	Bucket    billing.BucketLabel
	Seconds   int64
	Hours     decimal.Decimal
	Amount    decimal.Decimal
	SerialIDs []billing.SerialID
}

// WorkerBuckets always holds all four labels.
type WorkerBuckets struct {
	WorkerID billing.WorkerID
	Buckets  map[billing.BucketLabel][]DayPayment
}

func newWorkerBuckets(id billing.WorkerID) *WorkerBuckets {
	wb := &WorkerBuckets{WorkerID: id, Buckets: make(map[billing.BucketLabel][]DayPayment, len(billing.BucketLabels))}
	for _, label := range billing.BucketLabels {
		wb.Buckets[label] = []DayPayment{}
	}
	return wb
}

// MonthBuckets is the grouper output for one tenant-month.
type MonthBuckets struct {
	Month   billing.Month
	Workers map[billing.WorkerID]*WorkerBuckets
}

// WorkerIDs returns the workers in ascending id order.
func (m *MonthBuckets) WorkerIDs() []billing.WorkerID {
	ids := make([]billing.WorkerID, 0, len(m.Workers))
	for id := range m.Workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PayableDays flattens a worker's buckets in label then date order, keeping
// only days with sessions, positive time and positive money.
func (m *MonthBuckets) PayableDays(workerID billing.WorkerID) []DayPayment {
	wb, ok := m.Workers[workerID]
	if !ok {
		return nil
	}
	var days []DayPayment
	for _, label := range billing.BucketLabels {
		for _, day := range wb.Buckets[label] {
			if len(day.SerialIDs) == 0 || day.Seconds <= 0 || !day.Amount.IsPositive() {
				continue
			}
			days = append(days, day)
		}
	}
	return days
}

// =============================================================================
// GROUPER
// =============================================================================

type dayKey struct {
	worker billing.WorkerID
	date   billing.Date
}

// Group partitions the eligible contributions of rows into pay buckets for
// the month containing now, in loc.
func Group(rows []DayRow, now time.Time, loc *time.Location) *MonthBuckets {
	if loc == nil {
		loc = time.UTC
	}
	out := &MonthBuckets{
		Month:   billing.MonthOf(now, loc),
		Workers: make(map[billing.WorkerID]*WorkerBuckets),
	}

	aggregates := make(map[dayKey]*DayPayment)
	for _, row := range rows {
		date := billing.DateOf(row.Date, loc)
		if !out.Month.Contains(date) {
			continue
		}
		for _, c := range row.Contributions {
			if _, ok := out.Workers[c.WorkerID]; !ok {
				out.Workers[c.WorkerID] = newWorkerBuckets(c.WorkerID)
			}
			if !c.Flag.Payable() {
				continue
			}

			key := dayKey{worker: c.WorkerID, date: date}
			agg, ok := aggregates[key]
			if !ok {
				agg = &DayPayment{
					WorkerID: c.WorkerID,
					TenantID: c.TenantID,
					Date:     date,
					Bucket:   date.Bucket(),
					Amount:   decimal.Zero,
				}
				aggregates[key] = agg
			}
			agg.Seconds += c.Seconds
			agg.Amount = agg.Amount.Add(c.Amount)
			agg.SerialIDs = append(agg.SerialIDs, c.SerialID)
		}
	}

	keys := make([]dayKey, 0, len(aggregates))
	for k := range aggregates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].worker != keys[j].worker {
			return keys[i].worker < keys[j].worker
		}
		return keys[i].date.Before(keys[j].date)
	})

	for _, k := range keys {
		agg := aggregates[k]
		agg.Amount = billing.RoundMoney(agg.Amount)
		agg.Hours = billing.Hours(agg.Seconds)
		wb := out.Workers[k.worker]
		wb.Buckets[agg.Bucket] = append(wb.Buckets[agg.Bucket], *agg)
	}
	return out
}
