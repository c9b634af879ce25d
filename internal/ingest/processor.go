package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jo-hoe/bulkingest/internal/jobs"
)

// Job-level and row-level messages recorded in a job's error log.
const (
	MsgReadFailed    = "Failed to read uploaded file"
	MsgRejected      = "Rejected: worker pool saturated"
	MsgUnavailable   = "Rejected: worker pool not accepting jobs"
	msgDecodeFailed  = "Failed to decode upload: "
	msgUnexpected    = "Unexpected error: "
	msgDuplicateRow  = "duplicate email or constraint"
	rowMessageFormat = "Row %d: %s"
)

// Processor runs one job's rows through validation and persistence, recording
// every outcome in the registry. Rows are handled sequentially in input order.
type Processor struct {
	Log      *slog.Logger
	Registry jobs.Registry
	Writer   *Writer
	Now      func() time.Time
}

func NewProcessor(log *slog.Logger, registry jobs.Registry, writer *Writer) *Processor {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Processor{
		Log:      log,
		Registry: registry,
		Writer:   writer,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Task wraps the processing of one job as a pool work item.
func (p *Processor) Task(jobID string, payload []byte, actor string) jobs.WorkItem {
	return jobs.WorkItem{
		JobID: jobID,
		Run: func(ctx context.Context) {
			p.Process(ctx, jobID, payload, actor)
		},
	}
}

// Process drives the job to a terminal state. It never returns an error: every
// failure ends up in the job itself.
func (p *Processor) Process(ctx context.Context, jobID string, payload []byte, actor string) {
	log := p.Log.With("job_id", jobID)
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("job processing panicked", "panic", rec)
			p.fail(log, jobID, fmt.Sprintf("%s%v", msgUnexpected, rec))
		}
	}()

	dec, err := newRowDecoder(payload)
	if err != nil {
		log.Warn("upload unreadable", "err", err)
		p.fail(log, jobID, msgDecodeFailed+err.Error())
		return
	}
	if err := p.Registry.Transition(jobID, jobs.MarkRunning()); err != nil {
		log.Error("mark job running", "err", err)
		p.fail(log, jobID, msgUnexpected+err.Error())
		return
	}
	log.Info("job started", "bytes", len(payload))

	rowNum := 0
	for {
		row, err := dec.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn("upload broke mid-stream", "row", rowNum+1, "err", err)
			p.fail(log, jobID, msgUnexpected+err.Error())
			return
		}
		rowNum++

		m, fatal := p.processRow(ctx, log, rowNum, row, actor)
		if fatal != nil {
			log.Warn("job aborted", "row", rowNum, "err", fatal)
			p.fail(log, jobID, msgUnexpected+fatal.Error())
			return
		}
		if err := p.Registry.Transition(jobID, m); err != nil {
			log.Error("record row outcome", "row", rowNum, "err", err)
			p.fail(log, jobID, msgUnexpected+err.Error())
			return
		}
	}

	if err := p.Registry.Transition(jobID, jobs.Complete(p.Now())); err != nil {
		log.Error("complete job", "err", err)
		p.fail(log, jobID, msgUnexpected+err.Error())
		return
	}
	if job, err := p.Registry.Get(jobID); err == nil {
		log.Info("job completed",
			"total_rows", job.TotalRows,
			"success", job.SuccessCount,
			"errors", job.ErrorCount,
			"duration", time.Since(start))
	}
}

// processRow returns the registry mutation for one row, or a fatal error that
// must stop the batch.
func (p *Processor) processRow(ctx context.Context, log *slog.Logger, rowNum int, row Row, actor string) (jobs.Mutation, error) {
	valid, err := ValidateRow(row)
	if err != nil {
		log.Debug("row rejected", "row", rowNum, "reason", err)
		return jobs.RecordRowError(fmt.Sprintf(rowMessageFormat, rowNum, err)), nil
	}

	outcome, err := p.Writer.Write(ctx, valid, actor)
	switch outcome {
	case OutcomeAccepted:
		return jobs.RecordSuccess(), nil
	case OutcomeConstraint:
		log.Debug("row rejected", "row", rowNum, "reason", outcome, "err", err)
		return jobs.RecordRowError(fmt.Sprintf(rowMessageFormat, rowNum, msgDuplicateRow)), nil
	case OutcomeFatal:
		return nil, err
	default:
		log.Debug("row rejected", "row", rowNum, "reason", outcome, "err", err)
		return jobs.RecordRowError(fmt.Sprintf(rowMessageFormat, rowNum, err)), nil
	}
}

func (p *Processor) fail(log *slog.Logger, jobID, msg string) {
	if err := p.Registry.Transition(jobID, jobs.Fail(msg, p.Now())); err != nil {
		log.Error("mark job failed", "err", err, "reason", msg)
	}
}
