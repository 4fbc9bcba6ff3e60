package submission

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
)

// RegisterJobs binds the submit job types to this service.
func (s *Service) RegisterJobs(q *jobqueue.Queue) {
	q.Handle(jobqueue.JobTypeMomoSubmit, s.handleMomoSubmit)
	q.Handle(jobqueue.JobTypeZraSubmit, s.handleZraSubmit)
}

// EnqueueTransaction schedules a background submit and returns the job id.
func EnqueueTransaction(ctx context.Context, q *jobqueue.Queue, id uint) (string, error) {
	job, err := q.Enqueue(ctx, jobqueue.JobTypeMomoSubmit, jobqueue.MomoSubmitJobPayload{TransactionID: id}.ToMap(), audit.CorrelationID(ctx))
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func EnqueueInvoice(ctx context.Context, q *jobqueue.Queue, id uint, submittedBy *uint) (string, error) {
	job, err := q.Enqueue(ctx, jobqueue.JobTypeZraSubmit, jobqueue.ZraSubmitJobPayload{InvoiceRecordID: id, SubmittedBy: submittedBy}.ToMap(), audit.CorrelationID(ctx))
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (s *Service) handleMomoSubmit(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.MomoSubmitJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", jobqueue.ErrPermanent, err)
	}
	ctx = withJobCorrelation(ctx, job)
	tx, err := s.SubmitTransaction(ctx, payload.TransactionID)
	if tx != nil {
		log.Infof("[JobQueue] Submit job %s: %s is %s", job.ID, tx.TransactionNumber, tx.Status)
	}
	return settle(err)
}

func (s *Service) handleZraSubmit(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.ZraSubmitJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", jobqueue.ErrPermanent, err)
	}
	ctx = withJobCorrelation(ctx, job)
	inv, err := s.SubmitInvoice(ctx, payload.InvoiceRecordID, payload.SubmittedBy)
	if inv != nil {
		log.Infof("[JobQueue] Submit job %s: invoice %s is %s", job.ID, inv.InvoiceNumber, inv.SubmissionStatus)
	}
	return settle(err)
}

// settle decides whether the queue should retry a job. Provider outcomes are
// recorded on the entity and retried by the retry scheduler, not by the queue.
func settle(err error) error {
	switch {
	case err == nil:
		return nil
	case gateway.IsTransient(err), errors.Is(err, gateway.ErrRejected),
		errors.Is(err, ErrNotSubmittable), errors.Is(err, ledger.ErrStaleState),
		errors.Is(err, models.ErrSubmissionInFlight):
		log.Debugf("[JobQueue] Submit outcome recorded: %v", err)
		return nil
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ErrNoDocument):
		return fmt.Errorf("%w: %v", jobqueue.ErrPermanent, err)
	}
	return err
}

func withJobCorrelation(ctx context.Context, job *jobqueue.Job) context.Context {
	if job.CorrelationID != "" {
		return audit.WithCorrelationID(ctx, job.CorrelationID)
	}
	return ctx
}
