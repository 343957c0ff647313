package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/answer-queue/internal/command"
	"github.com/cuongbtq/answer-queue/internal/domain"
)

// Command names dispatched through the command engine
const (
	CommandCreateJobs   = "CreateJobs"
	CommandStartJob     = "StartJob"
	CommandCompleteJobs = "CompleteJobs"
	CommandFailJob      = "FailJob"
	CommandReconcile    = "Reconcile"
)

type CreateJobsRequest struct {
	Jobs []domain.NewJob `json:"jobs"`
}

func (CreateJobsRequest) CommandName() string { return CommandCreateJobs }

type StartJobRequest struct {
	ID       int64  `json:"id"`
	Worker   string `json:"worker"`
	WorkerIP string `json:"worker_ip"`
}

func (StartJobRequest) CommandName() string { return CommandStartJob }

type CompleteJobsRequest struct {
	IDs []int64 `json:"ids"`
}

func (CompleteJobsRequest) CommandName() string { return CommandCompleteJobs }

type FailJobRequest struct {
	ID      int64  `json:"id"`
	Attempt int    `json:"attempt"`
	Worker  string `json:"worker,omitempty"`
	Error   string `json:"error"`
}

func (FailJobRequest) CommandName() string { return CommandFailJob }

type ReconcileRequest struct{}

func (ReconcileRequest) CommandName() string { return CommandReconcile }

// Message is the composite envelope carried over the command queue. Each
// non-nil field is dispatched on its own; one failing does not stop the rest.
type Message struct {
	ID        string               `json:"id,omitempty"`
	Create    *CreateJobsRequest   `json:"create,omitempty"`
	Start     *StartJobRequest     `json:"start,omitempty"`
	Complete  *CompleteJobsRequest `json:"complete,omitempty"`
	Fail      *FailJobRequest      `json:"fail,omitempty"`
	Reconcile *ReconcileRequest    `json:"reconcile,omitempty"`
}

// Parts returns the non-nil sub-requests in dispatch order
func (m Message) Parts() []command.Request {
	parts := make([]command.Request, 0, 5)
	if m.Create != nil {
		parts = append(parts, m.Create)
	}
	if m.Start != nil {
		parts = append(parts, m.Start)
	}
	if m.Complete != nil {
		parts = append(parts, m.Complete)
	}
	if m.Fail != nil {
		parts = append(parts, m.Fail)
	}
	if m.Reconcile != nil {
		parts = append(parts, m.Reconcile)
	}
	return parts
}

// Empty reports whether the message carries no sub-request
func (m Message) Empty() bool {
	return len(m.Parts()) == 0
}

// RegisterCommands binds every lifecycle request type to its handler on engine
func RegisterCommands(engine *command.Engine, coord *Coordinator, reconciler *Reconciler) {
	engine.Handle(CommandCreateJobs, func(ctx context.Context, req command.Request) error {
		r, err := requestAs[*CreateJobsRequest](req)
		if err != nil {
			return err
		}
		_, err = coord.CreateJobs(ctx, r.Jobs)
		return err
	})

	engine.Handle(CommandStartJob, func(ctx context.Context, req command.Request) error {
		r, err := requestAs[*StartJobRequest](req)
		if err != nil {
			return err
		}
		_, err = coord.StartJob(ctx, r.ID, r.Worker, r.WorkerIP)
		return err
	})

	engine.Handle(CommandCompleteJobs, func(ctx context.Context, req command.Request) error {
		r, err := requestAs[*CompleteJobsRequest](req)
		if err != nil {
			return err
		}
		_, err = coord.CompleteJobs(ctx, r.IDs)
		return err
	})

	engine.Handle(CommandFailJob, func(ctx context.Context, req command.Request) error {
		r, err := requestAs[*FailJobRequest](req)
		if err != nil {
			return err
		}
		_, err = coord.FailJob(ctx, domain.FailedAttempt{
			JobID:   r.ID,
			Attempt: r.Attempt,
			Worker:  r.Worker,
			Error:   r.Error,
		})
		return err
	})

	engine.Handle(CommandReconcile, func(ctx context.Context, _ command.Request) error {
		_, err := reconciler.Reconcile(ctx)
		return err
	})
}

func requestAs[T command.Request](req command.Request) (T, error) {
	r, ok := req.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected request type %T, want %T", req, zero)
	}
	return r, nil
}

// RunPeriodicReconcile dispatches a reconcile command through engine every
// interval until ctx is done
func RunPeriodicReconcile(ctx context.Context, engine *command.Engine, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Periodic reconciliation started", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Periodic reconciliation stopped")
			return
		case <-ticker.C:
			engine.ExecuteComposite(ctx, Message{Reconcile: &ReconcileRequest{}})
		}
	}
}
