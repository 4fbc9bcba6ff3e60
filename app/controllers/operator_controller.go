package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PayFox/internal/pkg/momo"
	"github.com/ManuelReschke/PayFox/internal/pkg/providers"
	"github.com/ManuelReschke/PayFox/internal/pkg/reconciliation"
)

// Submitter is the single submit path shared with the retry scheduler.
type Submitter interface {
	SubmitTransaction(ctx context.Context, id uint) (*models.MomoTransaction, error)
	SubmitInvoice(ctx context.Context, id uint, submittedBy *uint) (*models.ZraSmartInvoice, error)
}

// JobStats reports queue depth per job status.
type JobStats interface {
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
}

// OperatorDeps wires the operator API. Queue may be nil, in which case
// reconciliation runs inline.
type OperatorDeps struct {
	Ledger     *ledger.Service
	Submitter  Submitter
	Trail      *audit.Trail
	Reconciler *reconciliation.Engine
	Queue      *jobqueue.Queue
	Jobs       JobStats
}

// OperatorController serves the back-office API under /api/v1.
type OperatorController struct {
	ledger     *ledger.Service
	registry   *providers.Registry
	submitter  Submitter
	trail      *audit.Trail
	reconciler *reconciliation.Engine
	queue      *jobqueue.Queue
	jobs       JobStats
}

func NewOperatorController(d OperatorDeps) *OperatorController {
	oc := &OperatorController{
		ledger:     d.Ledger,
		registry:   d.Ledger.Registry(),
		submitter:  d.Submitter,
		trail:      d.Trail,
		reconciler: d.Reconciler,
		queue:      d.Queue,
		jobs:       d.Jobs,
	}
	if oc.jobs == nil && d.Queue != nil {
		oc.jobs = d.Queue
	}
	return oc
}

// ---------------------------------------------------------------------------
// MoMo transactions
// ---------------------------------------------------------------------------

func (oc *OperatorController) HandleCreateTransaction(c *fiber.Ctx) error {
	var in ledger.CreateTransactionInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "Invalid request body")
	}
	tx, err := oc.ledger.CreateTransaction(requestContext(c), in)
	if err != nil {
		return apiError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(tx)
}

func (oc *OperatorController) HandleSubmitTransaction(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "Invalid transaction id")
	}
	tx, err := oc.submitter.SubmitTransaction(requestContext(c), uint(id))
	if tx == nil || (err != nil && attemptOutcome(err) == "error") {
		return apiError(c, err)
	}
	resp := fiber.Map{"transaction": tx, "outcome": attemptOutcome(err)}
	if err != nil {
		resp["message"] = err.Error()
	}
	return c.JSON(resp)
}

type cancelRequest struct {
	Reason      string `json:"reason"`
	CancelledBy *uint  `json:"cancelled_by"`
}

func (oc *OperatorController) HandleCancelTransaction(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "Invalid transaction id")
	}
	var req cancelRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "cancelled by operator"
	}
	tx, err := oc.ledger.CancelTransaction(requestContext(c), uint(id), req.Reason)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(tx)
}

func (oc *OperatorController) HandleGetTransaction(c *fiber.Ctx) error {
	tx, err := oc.ledger.GetTransactionByNumber(c.UserContext(), c.Params("number"))
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(tx)
}

// HandleListTransactions lists the company's transactions newest first.
// Filters: status (comma separated), provider_id, owner_kind with owner_id,
// unreconciled.
func (oc *OperatorController) HandleListTransactions(c *fiber.Ctx) error {
	scopes := []func(*gorm.DB) *gorm.DB{repository.ForCompany(oc.registry.CompanyID())}

	if s := c.Query("status"); s != "" {
		var statuses []models.MomoStatus
		for _, part := range strings.Split(s, ",") {
			statuses = append(statuses, models.MomoStatus(strings.TrimSpace(part)))
		}
		scopes = append(scopes, repository.WithStatus(statuses...))
	}
	if id := c.QueryInt("provider_id"); id > 0 {
		scopes = append(scopes, repository.ForProvider(uint(id)))
	}
	if kind := c.Query("owner_kind"); kind != "" {
		owner := models.Transactable{Kind: models.TransactableKind(kind), ID: uint(c.QueryInt("owner_id"))}
		if err := owner.Validate(); err != nil {
			return badRequest(c, err.Error())
		}
		scopes = append(scopes, repository.ForOwner(owner))
	}
	if c.QueryBool("unreconciled") {
		scopes = append(scopes, repository.UnreconciledOnly)
	}

	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	txs, err := oc.ledger.ListTransactions(c.UserContext(), c.QueryInt("offset"), limit, scopes...)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(fiber.Map{"transactions": txs, "count": len(txs)})
}

// ---------------------------------------------------------------------------
// ZRA Smart Invoices
// ---------------------------------------------------------------------------

type createInvoiceRequest struct {
	InvoiceID     uint                   `json:"invoice_id"`
	InvoiceNumber string                 `json:"invoice_number"`
	ProviderID    uint                   `json:"provider_id"`
	Document      map[string]interface{} `json:"document"`
}

func (oc *OperatorController) HandleCreateInvoice(c *fiber.Ctx) error {
	var req createInvoiceRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	ctx := requestContext(c)
	inv, created, err := oc.ledger.CreateInvoiceSubmission(ctx, req.InvoiceID, strings.TrimSpace(req.InvoiceNumber), req.ProviderID)
	if err != nil {
		return apiError(c, err)
	}
	if len(req.Document) > 0 {
		if inv, err = oc.ledger.AttachInvoiceDocument(ctx, inv.ID, req.Document); err != nil {
			return apiError(c, err)
		}
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(inv)
}

type invoiceDocumentRequest struct {
	Document map[string]interface{} `json:"document"`
}

// HandleAttachInvoiceDocument stores the fiscal document body sent on the next submission.
func (oc *OperatorController) HandleAttachInvoiceDocument(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "Invalid invoice id")
	}
	var req invoiceDocumentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	inv, err := oc.ledger.AttachInvoiceDocument(requestContext(c), uint(id), req.Document)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(inv)
}

type submitInvoiceRequest struct {
	SubmittedBy *uint `json:"submitted_by"`
}

func (oc *OperatorController) HandleSubmitInvoice(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "Invalid invoice id")
	}
	var req submitInvoiceRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}
	inv, err := oc.submitter.SubmitInvoice(requestContext(c), uint(id), req.SubmittedBy)
	if inv == nil || (err != nil && attemptOutcome(err) == "error") {
		return apiError(c, err)
	}
	resp := fiber.Map{"invoice": inv, "outcome": attemptOutcome(err)}
	if err != nil {
		resp["message"] = err.Error()
	}
	return c.JSON(resp)
}

func (oc *OperatorController) HandleCancelInvoice(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "Invalid invoice id")
	}
	var req cancelRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}
	if strings.TrimSpace(req.Reason) == "" {
		return badRequest(c, "A cancellation reason is required")
	}
	inv, err := oc.ledger.CancelInvoice(requestContext(c), uint(id), req.Reason, req.CancelledBy)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(inv)
}

// ---------------------------------------------------------------------------
// Audit trail
// ---------------------------------------------------------------------------

func (oc *OperatorController) HandleAuditByCorrelation(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("correlationID"))
	if id == "" {
		return badRequest(c, "Missing correlation id")
	}
	entries, err := oc.trail.ByCorrelationID(c.UserContext(), id)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(fiber.Map{"correlation_id": id, "entries": entries})
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

type statementLine struct {
	ProviderTransactionID string          `json:"provider_transaction_id"`
	ExternalID            string          `json:"external_id"`
	Phone                 string          `json:"phone"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Status                string          `json:"status"`
	OccurredAt            string          `json:"occurred_at"`
}

type reconciliationRequest struct {
	ProviderID  uint            `json:"provider_id"`
	PeriodStart string          `json:"period_start"`
	PeriodEnd   string          `json:"period_end"`
	RunBy       *uint           `json:"run_by"`
	Statement   []statementLine `json:"statement"`
}

// HandleRunReconciliation runs inline when the statement is supplied,
// otherwise fetches it from the provider in the background.
func (oc *OperatorController) HandleRunReconciliation(c *fiber.Ctx) error {
	var req reconciliationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	from, to, err := parseWindow(req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return badRequest(c, "period_start and period_end must be RFC3339 timestamps")
	}
	ctx := requestContext(c)

	if req.Statement != nil {
		entries := make([]momo.StatementEntry, 0, len(req.Statement))
		for _, line := range req.Statement {
			entry := momo.StatementEntry{
				ProviderTransactionID: line.ProviderTransactionID,
				ExternalID:            line.ExternalID,
				Phone:                 momo.NormalizePhone(line.Phone),
				Amount:                line.Amount,
				Currency:              line.Currency,
				Status:                line.Status,
			}
			if line.OccurredAt != "" {
				at, err := time.Parse(time.RFC3339, line.OccurredAt)
				if err != nil {
					return badRequest(c, "occurred_at must be an RFC3339 timestamp")
				}
				entry.OccurredAt = at.UTC()
			}
			entries = append(entries, entry)
		}
		summary, err := oc.reconciler.Run(ctx, reconciliation.Request{
			ProviderID: req.ProviderID, From: from, To: to, Statement: entries, RunBy: req.RunBy,
		})
		if err != nil {
			return apiError(c, err)
		}
		return c.JSON(summary)
	}

	if oc.queue != nil {
		jobID, err := reconciliation.Enqueue(ctx, oc.queue, jobqueue.ReconciliationJobPayload{
			ProviderID: req.ProviderID, PeriodStart: from, PeriodEnd: to, RunBy: req.RunBy,
		})
		if err != nil {
			return apiError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": jobID, "correlation_id": audit.CorrelationID(ctx)})
	}

	summary, err := oc.reconciler.RunForProvider(ctx, req.ProviderID, from, to, req.RunBy)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(summary)
}

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

func (oc *OperatorController) HandleListProviders(c *fiber.Ctx) error {
	list, err := oc.registry.List(c.UserContext())
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(fiber.Map{"providers": list})
}

func (oc *OperatorController) HandleUpdateProvider(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "Invalid provider id")
	}
	var settings providers.ProviderSettings
	if err := c.BodyParser(&settings); err != nil {
		return badRequest(c, "Invalid request body")
	}
	p, err := oc.registry.UpdateSettings(c.UserContext(), uint(id), settings)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(p)
}

func (oc *OperatorController) HandleActivateProvider(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "Invalid provider id")
	}
	p, err := oc.registry.Activate(c.UserContext(), uint(id))
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(p)
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func (oc *OperatorController) HandleJobStats(c *fiber.Ctx) error {
	if oc.jobs == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "Job queue not configured"})
	}
	stats, err := oc.jobs.GetJobStats(c.UserContext())
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(fiber.Map{"stats": stats})
}
