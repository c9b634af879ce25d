package ingest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/bulkingest/internal/common"
	"github.com/jo-hoe/bulkingest/internal/jobs"
)

// Submitter accepts work without blocking; *jobs.Pool satisfies it.
type Submitter interface {
	Submit(item jobs.WorkItem) error
}

// Service is the submit/status contract consumed by the HTTP gateway and the CLI.
type Service struct {
	log       *slog.Logger
	registry  jobs.Registry
	engine    Submitter
	processor *Processor
}

func NewService(log *slog.Logger, registry jobs.Registry, engine Submitter, processor *Processor) *Service {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		log:       log,
		registry:  registry,
		engine:    engine,
		processor: processor,
	}
}

// Submit creates a PENDING job and hands its processing to the engine. It
// never parses rows. A payload that cannot be read still yields a job id, with
// the job already FAILED. When the engine rejects the task the job is marked
// FAILED and its id is returned together with the error.
func (s *Service) Submit(payload io.Reader, actor string) (string, error) {
	id, err := s.registry.Create()
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	log := s.log.With("job_id", id)
	if strings.TrimSpace(actor) == "" {
		actor = common.DefaultActor
	}

	data, err := io.ReadAll(payload)
	if err != nil {
		log.Warn("read upload", "err", err)
		s.failNow(log, id, MsgReadFailed)
		return id, nil
	}

	if err := s.engine.Submit(s.processor.Task(id, data, actor)); err != nil {
		log.Warn("job rejected by engine", "err", err)
		msg := MsgUnavailable
		if errors.Is(err, jobs.ErrPoolSaturated) {
			msg = MsgRejected
		}
		s.failNow(log, id, msg)
		return id, fmt.Errorf("dispatch job %s: %w", id, err)
	}
	log.Info("job accepted", "actor", actor, "size", humanize.Bytes(uint64(len(data))))
	return id, nil
}

// Status returns a snapshot of the job or jobs.ErrNotFound.
func (s *Service) Status(id string) (jobs.Job, error) {
	return s.registry.Get(id)
}

func (s *Service) failNow(log *slog.Logger, id, msg string) {
	if err := s.registry.Transition(id, jobs.Fail(msg, s.processor.Now())); err != nil {
		log.Error("mark job failed", "err", err)
	}
}
