/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract:
  - ids are JSON numbers, money is a 2-decimal string, dates "YYYY-MM-DD"
  - timestamps are RFC 3339
  - flags are the integers 0, 1, 2

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Sessions:     SessionDTO, RecordSessionRequest, StartSessionRequest
  Flags:        SerialIDList, FlagResultDTO
  Corrections:  CorrectionRequest, CorrectionBatchRequest, CorrectionResultDTO
  Busy:         BusyReportDTO
  Settlement:   MonthBucketsDTO, DayPaymentDTO, RunReportDTO, SettlementRunDTO
  Ledger:       TransactionDTO, PaymentLogDTO, ReviewRequest, ApproveRequest

VALIDATION:
  Shape is checked while decoding (unknown fields rejected, ids must be
  integers). Semantic validation happens in the domain services, which
  return billing.ErrInvalidInput.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/tracking"
)

// =============================================================================
// SESSIONS
// =============================================================================

type SessionDTO struct {
	SerialID        int64   `json:"serial_id"`
	TaskID          int64   `json:"task_id"`
	ProjectID       int64   `json:"project_id"`
	WorkerID        int64   `json:"worker_id"`
	TenantID        int64   `json:"tenant_id"`
	WorkDate        string  `json:"work_date"`
	TaskStart       string  `json:"task_start"`
	TaskEnd         *string `json:"task_end"`
	DurationSeconds int64   `json:"duration_seconds"`
	Amount          string  `json:"amount"`
	Flag            int     `json:"flag"`
	Open            bool    `json:"open"`
}

// RecordSessionRequest is a manual entry. WorkDate defaults to the date of
// TaskStart in the settlement time zone.
type RecordSessionRequest struct {
	TaskID    int64     `json:"task_id"`
	WorkerID  int64     `json:"worker_id"`
	WorkDate  string    `json:"work_date,omitempty"`
	TaskStart time.Time `json:"task_start"`
	TaskEnd   time.Time `json:"task_end"`
}

type RecordSessionsRequest struct {
	Sessions []RecordSessionRequest `json:"sessions"`
}

type StartSessionRequest struct {
	TaskID   int64 `json:"task_id"`
	WorkerID int64 `json:"worker_id"`
}

// =============================================================================
// FLAGS
// =============================================================================

// SerialIDList accepts a flat list of ids, a list of objects carrying
// serial_ids, or a single such object:
//
//	[1, 2, 3]
//	[{"serial_ids": [1, 2]}, {"serial_ids": [3]}]
//	{"serial_ids": [1, 2, 3]}
type SerialIDList []billing.SerialID

type serialIDGroup struct {
	SerialIDs []billing.SerialID `json:"serial_ids"`
}

func (l *SerialIDList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}

	if data[0] == '{' {
		var g serialIDGroup
		if err := json.Unmarshal(data, &g); err != nil {
			return fmt.Errorf("serial id object: %w", err)
		}
		*l = g.SerialIDs
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("serial ids must be a list: %w", err)
	}
	var ids []billing.SerialID
	for i, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '{' {
			var g serialIDGroup
			if err := json.Unmarshal(item, &g); err != nil {
				return fmt.Errorf("serial ids[%d]: %w", i, err)
			}
			ids = append(ids, g.SerialIDs...)
			continue
		}
		var id billing.SerialID
		if err := json.Unmarshal(item, &id); err != nil {
			return fmt.Errorf("serial ids[%d]: %w", i, err)
		}
		ids = append(ids, id)
	}
	*l = ids
	return nil
}

type FlagResultDTO struct {
	Requested int   `json:"requested"`
	Affected  int64 `json:"affected"`
}

// =============================================================================
// CORRECTIONS
// =============================================================================

type CorrectionRequest struct {
	SerialID  int64     `json:"serial_id"`
	TaskID    int64     `json:"task_id"`
	TaskStart time.Time `json:"task_start"`
	TaskEnd   time.Time `json:"task_end"`
	Delta     *int64    `json:"delta,omitempty"`
}

type CorrectionBatchRequest struct {
	Corrections []CorrectionRequest `json:"corrections"`
}

type TaskAdjustmentDTO struct {
	TaskID int64 `json:"task_id"`
	Before int64 `json:"before"`
	Delta  int64 `json:"delta"`
	After  int64 `json:"after"`
}

type CorrectionResultDTO struct {
	UpdatedRows     []SessionDTO        `json:"updated_rows"`
	TaskAdjustments []TaskAdjustmentDTO `json:"task_adjustments"`
}

// =============================================================================
// BUSY GUARD
// =============================================================================

type BusyReportDTO struct {
	AnyBusy     bool    `json:"any_busy"`
	BusySerials []int64 `json:"busy_serials"`
}

// =============================================================================
// SETTLEMENT
// =============================================================================

type DayPaymentDTO struct {
	WorkerID  int64   `json:"worker_id"`
	Date      string  `json:"date"`
	Bucket    string  `json:"bucket"`
	Seconds   int64   `json:"seconds"`
	Hours     string  `json:"hours"`
	Amount    string  `json:"amount"`
	SerialIDs []int64 `json:"serial_ids"`
}

type WorkerBucketsDTO struct {
	WorkerID int64                      `json:"worker_id"`
	Buckets  map[string][]DayPaymentDTO `json:"buckets"`
}

type MonthBucketsDTO struct {
	Month   string             `json:"month"`
	Workers []WorkerBucketsDTO `json:"workers"`
}

type WorkerOutcomeDTO struct {
	WorkerID     int64    `json:"worker_id"`
	Transactions []string `json:"transactions"`
	Paid         string   `json:"paid"`
	Skipped      string   `json:"skipped,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type RunReportDTO struct {
	RunID          string             `json:"run_id"`
	TenantID       int64              `json:"tenant_id"`
	Month          string             `json:"month"`
	State          string             `json:"state"`
	Transactions   []string           `json:"transactions"`
	WorkersPaid    int                `json:"workers_paid"`
	WorkersSkipped int                `json:"workers_skipped"`
	WorkersFailed  int                `json:"workers_failed"`
	Workers        []WorkerOutcomeDTO `json:"workers"`
	StartedAt      string             `json:"started_at"`
	CompletedAt    string             `json:"completed_at,omitempty"`
}

type SettlementRunDTO struct {
	ID             string  `json:"id"`
	TenantID       int64   `json:"tenant_id"`
	Month          string  `json:"month"`
	State          string  `json:"state"`
	Transactions   int     `json:"transactions"`
	WorkersPaid    int     `json:"workers_paid"`
	WorkersSkipped int     `json:"workers_skipped"`
	WorkersFailed  int     `json:"workers_failed"`
	Error          string  `json:"error,omitempty"`
	StartedAt      string  `json:"started_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

// =============================================================================
// LEDGER
// =============================================================================

type PaymentLogDTO struct {
	SerialID int64  `json:"serial_id"`
	WorkDate string `json:"work_date"`
	Seconds  int64  `json:"seconds"`
	Amount   string `json:"amount"`
}

type TransactionDTO struct {
	Number      string          `json:"number"`
	TenantID    int64           `json:"tenant_id"`
	WorkerID    int64           `json:"worker_id"`
	WorkDate    string          `json:"work_date"`
	Bucket      string          `json:"bucket"`
	Seconds     int64           `json:"seconds"`
	Hours       string          `json:"hours"`
	Amount      string          `json:"amount"`
	Status      string          `json:"status"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	PaymentLogs []PaymentLogDTO `json:"payment_logs,omitempty"`
}

type LastTransactionDTO struct {
	Number string `json:"number"`
}

type ReviewRequest struct {
	Status string `json:"status"`
}

type ApproveRequest struct {
	Date string `json:"date"`
}

// ErrorResponse is returned for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func toSessionDTO(s billing.Session) SessionDTO {
	dto := SessionDTO{
		SerialID:        int64(s.SerialID),
		TaskID:          int64(s.TaskID),
		ProjectID:       int64(s.ProjectID),
		WorkerID:        int64(s.WorkerID),
		TenantID:        int64(s.TenantID),
		WorkDate:        s.WorkDate.String(),
		TaskStart:       timestamp(s.TaskStart),
		DurationSeconds: s.DurationSeconds,
		Amount:          money(s.Amount),
		Flag:            int(s.Flag),
		Open:            s.IsOpen(),
	}
	if s.TaskEnd != nil {
		end := timestamp(*s.TaskEnd)
		dto.TaskEnd = &end
	}
	return dto
}

func toSessionDTOs(sessions []billing.Session) []SessionDTO {
	dtos := make([]SessionDTO, len(sessions))
	for i, s := range sessions {
		dtos[i] = toSessionDTO(s)
	}
	return dtos
}

func toCorrectionResultDTO(r *tracking.CorrectionResult) CorrectionResultDTO {
	dto := CorrectionResultDTO{
		UpdatedRows:     toSessionDTOs(r.UpdatedRows),
		TaskAdjustments: make([]TaskAdjustmentDTO, len(r.TaskAdjustments)),
	}
	for i, a := range r.TaskAdjustments {
		dto.TaskAdjustments[i] = TaskAdjustmentDTO{
			TaskID: int64(a.TaskID),
			Before: a.Before,
			Delta:  a.Delta,
			After:  a.After,
		}
	}
	return dto
}

func toBusyReportDTO(r tracking.BusyReport) BusyReportDTO {
	dto := BusyReportDTO{AnyBusy: r.AnyBusy, BusySerials: make([]int64, len(r.BusySerials))}
	for i, id := range r.BusySerials {
		dto.BusySerials[i] = int64(id)
	}
	return dto
}

func toDayPaymentDTO(p settlement.DayPayment) DayPaymentDTO {
	dto := DayPaymentDTO{
		WorkerID:  int64(p.WorkerID),
		Date:      p.Date.String(),
		Bucket:    string(p.Bucket),
		Seconds:   p.Seconds,
		Hours:     money(p.Hours),
		Amount:    money(p.Amount),
		SerialIDs: make([]int64, len(p.SerialIDs)),
	}
	for i, id := range p.SerialIDs {
		dto.SerialIDs[i] = int64(id)
	}
	return dto
}

func toMonthBucketsDTO(m *settlement.MonthBuckets) MonthBucketsDTO {
	dto := MonthBucketsDTO{Month: m.Month.String(), Workers: []WorkerBucketsDTO{}}
	for _, id := range m.WorkerIDs() {
		wb := m.Workers[id]
		out := WorkerBucketsDTO{WorkerID: int64(id), Buckets: make(map[string][]DayPaymentDTO, len(wb.Buckets))}
		for _, label := range billing.BucketLabels {
			days := make([]DayPaymentDTO, 0, len(wb.Buckets[label]))
			for _, p := range wb.Buckets[label] {
				days = append(days, toDayPaymentDTO(p))
			}
			out.Buckets[string(label)] = days
		}
		dto.Workers = append(dto.Workers, out)
	}
	return dto
}

func toRunReportDTO(r *settlement.RunReport) RunReportDTO {
	dto := RunReportDTO{
		RunID:          r.RunID,
		TenantID:       int64(r.TenantID),
		Month:          r.Month.String(),
		State:          string(r.State),
		Transactions:   append([]string{}, r.Transactions...),
		WorkersPaid:    r.WorkersPaid,
		WorkersSkipped: r.WorkersSkipped,
		WorkersFailed:  r.WorkersFailed,
		Workers:        make([]WorkerOutcomeDTO, len(r.Workers)),
		StartedAt:      timestamp(r.StartedAt),
	}
	if !r.CompletedAt.IsZero() {
		dto.CompletedAt = timestamp(r.CompletedAt)
	}
	for i, w := range r.Workers {
		out := WorkerOutcomeDTO{
			WorkerID:     int64(w.WorkerID),
			Transactions: append([]string{}, w.Transactions...),
			Paid:         money(w.Paid),
			Skipped:      w.Skipped,
		}
		if w.Err != nil {
			out.Error = w.Err.Error()
		}
		dto.Workers[i] = out
	}
	return dto
}

func toSettlementRunDTO(r billing.SettlementRun) SettlementRunDTO {
	dto := SettlementRunDTO{
		ID:             r.ID,
		TenantID:       int64(r.TenantID),
		Month:          r.Month,
		State:          r.State,
		Transactions:   r.Transactions,
		WorkersPaid:    r.WorkersPaid,
		WorkersSkipped: r.WorkersSkipped,
		WorkersFailed:  r.WorkersFailed,
		Error:          r.Error,
		StartedAt:      timestamp(r.StartedAt),
	}
	if r.CompletedAt != nil {
		completed := timestamp(*r.CompletedAt)
		dto.CompletedAt = &completed
	}
	return dto
}

func toTransactionDTO(tx billing.LedgerTransaction, logs []billing.PaymentLog) TransactionDTO {
	dto := TransactionDTO{
		Number:    tx.Number,
		TenantID:  int64(tx.TenantID),
		WorkerID:  int64(tx.WorkerID),
		WorkDate:  tx.WorkDate.String(),
		Bucket:    string(tx.Bucket),
		Seconds:   tx.Seconds,
		Hours:     money(tx.Hours),
		Amount:    money(tx.Amount),
		Status:    string(tx.Status),
		CreatedAt: timestamp(tx.CreatedAt),
		UpdatedAt: timestamp(tx.UpdatedAt),
	}
	for _, l := range logs {
		dto.PaymentLogs = append(dto.PaymentLogs, PaymentLogDTO{
			SerialID: int64(l.SerialID),
			WorkDate: l.WorkDate.String(),
			Seconds:  l.Seconds,
			Amount:   money(l.Amount),
		})
	}
	return dto
}
