/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes session tracking, corrections and settlement via REST. Handles
  HTTP request/response and JSON serialization, and delegates to the
  tracking and settlement packages.

ENDPOINTS:
  All routes are scoped to a tenant: /api/tenants/{tenantID}/...

  Sessions:
    POST   /sessions                        Record one manual session
    POST   /sessions/batch                  Record many manual sessions
    GET    /sessions                        Find by worker or project and date range
    POST   /sessions/start                  Open a live session
    POST   /sessions/{serialID}/stop        Close a live session
    GET    /busy                            Busy check (?task_ids=1,2&worker_id=)
    POST   /corrections                     Apply a correction batch

  Workers:
    GET    /workers/{workerID}/sessions/unsettled  UNSETTLED sessions
    POST   /workers/{workerID}/sessions/reject     Flag sessions REJECTED
    POST   /workers/{workerID}/approve             Pay one day manually
    GET    /workers/{workerID}/transactions        Ledger transactions
    GET    /workers/{workerID}/transactions/last   Latest transaction number

  Settlement:
    GET    /buckets                         Current month buckets (no payment)
    POST   /settlement/runs                 Run settlement now
    GET    /settlement/runs                 Recent runs

  Ledger:
    GET    /transactions/{number}           Transaction with payment logs
    POST   /transactions/{number}/review    Mark processed or rejected

ERROR HANDLING:
  Domain errors are mapped onto HTTP status:
  - 400: billing.ErrInvalidInput, malformed bodies
  - 404: billing.ErrNotFound, cross-tenant access
  - 409: billing.ErrConflict (including ErrBusy)
  - 502: billing.ErrUpstreamFailure
  - 500: anything else

SECURITY NOTE:
  No authentication. The tenant in the path is trusted.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/tracking"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Options configures the services built by NewHandler.
type Options struct {
	Location          *time.Location
	TransactionPrefix string
	ExcludedRoles     []string
	Clock             billing.Clock
	IDs               billing.IDGenerator
}

// Handler holds the services behind the API.
type Handler struct {
	Store        billing.Store
	Tracking     *tracking.Service
	Corrector    *tracking.Corrector
	Submitter    *settlement.Submitter
	Orchestrator *settlement.Orchestrator
	Location     *time.Location
	Logger       *slog.Logger
}

// NewHandler wires the tracking and settlement services over store.
func NewHandler(store billing.TxStore, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = billing.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = billing.UUIDGenerator{}
	}

	submitter := settlement.NewSubmitter(store, opts.TransactionPrefix, logger.With("component", "submitter"))
	return &Handler{
		Store:     store,
		Tracking:  tracking.NewService(store, opts.Clock, opts.Location, logger.With("component", "tracking")),
		Corrector: tracking.NewCorrector(store, logger.With("component", "corrector")),
		Submitter: submitter,
		Orchestrator: settlement.NewOrchestrator(store, submitter, opts.Clock, opts.IDs, settlement.Options{
			Location:      opts.Location,
			ExcludedRoles: opts.ExcludedRoles,
		}, logger.With("component", "orchestrator")),
		Location: opts.Location,
		Logger:   logger,
	}
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// RecordSession stores one manual session.
func (h *Handler) RecordSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	var req RecordSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in, err := req.toInput(tenantID)
	if err != nil {
		writeDomainError(w, "Invalid session", err)
		return
	}

	sess, err := h.Tracking.RecordSession(r.Context(), in)
	if err != nil {
		writeDomainError(w, "Failed to record session", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(*sess))
}

// RecordSessions stores a batch of manual sessions atomically.
func (h *Handler) RecordSessions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	var req RecordSessionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	inputs := make([]tracking.SessionInput, 0, len(req.Sessions))
	for i, s := range req.Sessions {
		in, err := s.toInput(tenantID)
		if err != nil {
			writeDomainError(w, fmt.Sprintf("Invalid session at index %d", i), err)
			return
		}
		inputs = append(inputs, in)
	}

	sessions, err := h.Tracking.RecordSessions(r.Context(), inputs)
	if err != nil {
		writeDomainError(w, "Failed to record sessions", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTOs(sessions))
}

// StartSession opens a live session.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	var req StartSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sess, err := h.Tracking.StartSession(r.Context(), tenantID, billing.TaskID(req.TaskID), billing.WorkerID(req.WorkerID))
	if err != nil {
		writeDomainError(w, "Failed to start session", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(*sess))
}

// StopSession closes a live session and prices it.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	serialID, err := parseID(chi.URLParam(r, "serialID"), "serial id")
	if err != nil {
		writeDomainError(w, "Invalid serial id", err)
		return
	}

	sess, err := h.Tracking.StopSession(r.Context(), tenantID, billing.SerialID(serialID))
	if err != nil {
		writeDomainError(w, "Failed to stop session", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(*sess))
}

// FindSessions lists a worker's or a project's sessions in a date range.
func (h *Handler) FindSessions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := tracking.RangeFilter{TenantID: tenantID}

	var err error
	var id int64
	if v := q.Get("worker_id"); v != "" {
		if id, err = parseID(v, "worker_id"); err != nil {
			writeDomainError(w, "Invalid worker_id", err)
			return
		}
		f.WorkerID = billing.WorkerID(id)
	}
	if v := q.Get("project_id"); v != "" {
		if id, err = parseID(v, "project_id"); err != nil {
			writeDomainError(w, "Invalid project_id", err)
			return
		}
		f.ProjectID = billing.ProjectID(id)
	}
	if f.From, err = parseDateParam(q.Get("start"), "start"); err != nil {
		writeDomainError(w, "Invalid start", err)
		return
	}
	if f.To, err = parseDateParam(q.Get("end"), "end"); err != nil {
		writeDomainError(w, "Invalid end", err)
		return
	}

	sessions, err := h.Tracking.FindByRange(r.Context(), f)
	if err != nil {
		writeDomainError(w, "Failed to find sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTOs(sessions))
}

// IsAnyTaskBusy reports open sessions on the given tasks.
func (h *Handler) IsAnyTaskBusy(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	query := tracking.BusyQuery{TenantID: tenantID}

	q := r.URL.Query()
	if v := q.Get("task_ids"); v != "" {
		for _, part := range strings.Split(v, ",") {
			id, err := parseID(strings.TrimSpace(part), "task_ids")
			if err != nil {
				writeDomainError(w, "Invalid task_ids", err)
				return
			}
			query.TaskIDs = append(query.TaskIDs, billing.TaskID(id))
		}
	}
	if v := q.Get("worker_id"); v != "" {
		id, err := parseID(v, "worker_id")
		if err != nil {
			writeDomainError(w, "Invalid worker_id", err)
			return
		}
		query.WorkerID = billing.WorkerID(id)
	}

	report, err := h.Tracking.Guard().IsAnyTaskBusy(r.Context(), query)
	if err != nil {
		writeDomainError(w, "Failed to check busy state", err)
		return
	}
	writeJSON(w, http.StatusOK, toBusyReportDTO(report))
}

// ApplyCorrections applies a correction batch; all rows or none.
func (h *Handler) ApplyCorrections(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	var req CorrectionBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	batch := make([]tracking.Correction, len(req.Corrections))
	for i, c := range req.Corrections {
		batch[i] = tracking.Correction{
			SerialID: billing.SerialID(c.SerialID),
			TaskID:   billing.TaskID(c.TaskID),
			Start:    c.TaskStart,
			End:      c.TaskEnd,
			Delta:    c.Delta,
		}
	}

	result, err := h.Corrector.Apply(r.Context(), tenantID, batch)
	if err != nil {
		var ce *billing.CorrectionError
		if errors.As(err, &ce) {
			writeDomainError(w, fmt.Sprintf("Correction of session %d failed", ce.SerialID), err)
			return
		}
		writeDomainError(w, "Failed to apply corrections", err)
		return
	}
	writeJSON(w, http.StatusOK, toCorrectionResultDTO(result))
}

// =============================================================================
// WORKER HANDLERS
// =============================================================================

// ListUnsettled returns the worker's UNSETTLED sessions, open ones included.
func (h *Handler) ListUnsettled(w http.ResponseWriter, r *http.Request) {
	_, workerID, ok := h.workerParam(w, r)
	if !ok {
		return
	}
	sessions, err := h.Tracking.FindUnsettledForWorker(r.Context(), workerID)
	if err != nil {
		writeDomainError(w, "Failed to list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTOs(sessions))
}

// RejectSessions flags the worker's sessions REJECTED.
func (h *Handler) RejectSessions(w http.ResponseWriter, r *http.Request) {
	_, workerID, ok := h.workerParam(w, r)
	if !ok {
		return
	}
	var ids SerialIDList
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Tracking.RejectSessions(r.Context(), workerID, ids)
	if err != nil {
		writeDomainError(w, "Failed to reject sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, FlagResultDTO{Requested: result.Requested, Affected: result.Affected})
}

// ApproveDay pays one worker-day outside the scheduled run.
func (h *Handler) ApproveDay(w http.ResponseWriter, r *http.Request) {
	tenantID, workerID, ok := h.workerParam(w, r)
	if !ok {
		return
	}
	var req ApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	date, err := billing.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}

	receipt, err := h.Submitter.ApproveDay(r.Context(), tenantID, workerID, date)
	if err != nil {
		writeDomainError(w, "Failed to approve day", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(receipt.Transaction, receipt.Logs))
}

// ListTransactions returns the worker's ledger transactions in this tenant.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID, workerID, ok := h.workerParam(w, r)
	if !ok {
		return
	}
	txs, err := h.Store.ListTransactions(r.Context(), workerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}
	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		if tx.TenantID == tenantID {
			dtos = append(dtos, toTransactionDTO(tx, nil))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LastTransaction returns the worker's latest transaction number.
func (h *Handler) LastTransaction(w http.ResponseWriter, r *http.Request) {
	tenantID, workerID, ok := h.workerParam(w, r)
	if !ok {
		return
	}
	number, err := h.Store.LastTransactionNumber(r.Context(), workerID, tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read last transaction", err)
		return
	}
	if number == "" {
		writeError(w, http.StatusNotFound, "No transactions for worker", nil)
		return
	}
	writeJSON(w, http.StatusOK, LastTransactionDTO{Number: number})
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// PreviewBuckets groups the current month without paying.
func (h *Handler) PreviewBuckets(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	buckets, err := h.Orchestrator.Preview(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, "Failed to group sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthBucketsDTO(buckets))
}

// RunSettlement runs settlement for the tenant now.
func (h *Handler) RunSettlement(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	report, err := h.Orchestrator.Run(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, "Settlement run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunReportDTO(report))
}

// ListRuns returns the tenant's recent settlement runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListRuns(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	dtos := make([]SettlementRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSettlementRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// GetTransaction returns a transaction with its payment logs.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.transactionParam(w, r)
	if !ok {
		return
	}
	logs, err := h.Store.PaymentLogs(r.Context(), tx.Number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load payment logs", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx, logs))
}

// ReviewTransaction moves a pending transaction to processed or rejected.
func (h *Handler) ReviewTransaction(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.transactionParam(w, r)
	if !ok {
		return
	}
	var req ReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	reviewed, err := h.Submitter.ReviewTransaction(r.Context(), tx.Number, billing.TransactionStatus(req.Status))
	if err != nil {
		writeDomainError(w, "Failed to review transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*reviewed, nil))
}

// =============================================================================
// HELPERS
// =============================================================================

func (req RecordSessionRequest) toInput(tenantID billing.TenantID) (tracking.SessionInput, error) {
	in := tracking.SessionInput{
		TenantID: tenantID,
		TaskID:   billing.TaskID(req.TaskID),
		WorkerID: billing.WorkerID(req.WorkerID),
		Start:    req.TaskStart,
		End:      req.TaskEnd,
	}
	if req.WorkDate != "" {
		d, err := billing.ParseDate(req.WorkDate)
		if err != nil {
			return in, billing.Invalid("work_date %q: use YYYY-MM-DD", req.WorkDate)
		}
		in.WorkDate = d
	}
	return in, nil
}

func (h *Handler) tenantParam(w http.ResponseWriter, r *http.Request) (billing.TenantID, bool) {
	id, err := parseID(chi.URLParam(r, "tenantID"), "tenant id")
	if err != nil {
		writeDomainError(w, "Invalid tenant id", err)
		return 0, false
	}
	return billing.TenantID(id), true
}

// workerParam resolves the worker in the path and checks it belongs to the
// tenant in the path.
func (h *Handler) workerParam(w http.ResponseWriter, r *http.Request) (billing.TenantID, billing.WorkerID, bool) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return 0, 0, false
	}
	id, err := parseID(chi.URLParam(r, "workerID"), "worker id")
	if err != nil {
		writeDomainError(w, "Invalid worker id", err)
		return 0, 0, false
	}
	worker, err := h.Store.Worker(r.Context(), billing.WorkerID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get worker", err)
		return 0, 0, false
	}
	if worker == nil || worker.TenantID != tenantID {
		writeError(w, http.StatusNotFound, "Worker not found", nil)
		return 0, 0, false
	}
	return tenantID, worker.ID, true
}

func (h *Handler) transactionParam(w http.ResponseWriter, r *http.Request) (*billing.LedgerTransaction, bool) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return nil, false
	}
	number := chi.URLParam(r, "number")
	tx, err := h.Store.GetTransaction(r.Context(), number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get transaction", err)
		return nil, false
	}
	if tx == nil || tx.TenantID != tenantID {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return nil, false
	}
	return tx, true
}

func parseID(s, name string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, billing.Invalid("%s %q must be a positive integer", name, s)
	}
	return id, nil
}

func parseDateParam(s, name string) (billing.Date, error) {
	if s == "" {
		return billing.Date{}, billing.Invalid("%s is required", name)
	}
	d, err := billing.ParseDate(s)
	if err != nil {
		return billing.Date{}, billing.Invalid("%s %q: use YYYY-MM-DD", name, s)
	}
	return d, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the error's classification.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status, code := statusFor(err)
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, billing.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, billing.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, billing.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, billing.ErrUpstreamFailure):
		return http.StatusBadGateway, "upstream_failure"
	}
	return http.StatusInternalServerError, "internal"
}
