// Package async dispatches pipeline jobs to workers. Delivery is
// at-least-once; handlers must tolerate duplicates.
package async

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/repository"
)

type Kind string

const (
	KindOCR     Kind = "ocr"
	KindExtract Kind = "extract"
)

// Job is one unit of stage work.
type Job struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	DocumentID uuid.UUID `json:"document_id"`
	// RunID is the run to extract under. On an OCR job it names the run to
	// chain into once OCR succeeds; uuid.Nil means no chaining.
	RunID        uuid.UUID `json:"run_id"`
	ReplacePrior bool      `json:"replace_prior,omitempty"`
	Attempt      int       `json:"attempt"`
	NotBefore    time.Time `json:"not_before,omitzero"`
	SubmittedAt  time.Time `json:"submitted_at"`
	TraceID      string    `json:"trace_id,omitempty"`
}

// NewJob stamps a fresh job id and submission time.
func NewJob(kind Kind, documentID uuid.UUID) Job {
	return Job{
		ID:          NewID(),
		Kind:        kind,
		DocumentID:  documentID,
		Attempt:     1,
		SubmittedAt: time.Now().UTC(),
	}
}

// Retry returns the follow-up job for a failed attempt, due at notBefore.
func (j Job) Retry(notBefore time.Time) Job {
	next := j
	next.ID = NewID()
	next.Attempt = j.Attempt + 1
	next.NotBefore = notBefore.UTC()
	next.SubmittedAt = time.Now().UTC()
	return next
}

// NewID returns a lexically sortable job id.
func NewID() string {
	return ulid.Make().String()
}

func (j Job) encode() ([]byte, error) { return json.Marshal(j) }

func decodeJob(b []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}

// Handler processes one job. A returned error means the job could not be
// handled at all; durable queues redeliver it.
type Handler func(ctx context.Context, job Job) error

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Start launches the consumers. It returns immediately.
	Start(ctx context.Context, h Handler) error
	// Shutdown stops consuming and waits for in-flight handlers until ctx ends.
	Shutdown(ctx context.Context) error
}

// New builds the queue backend named by cfg.Backend. client is used by the
// sql backend.
func New(ctx context.Context, cfg common.QueueConfig, client *repository.Client, logger *slog.Logger) (Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryQueue(logger,
			WithWorkers(cfg.Workers),
			WithQueueSize(cfg.Size),
			WithProcessTimeout(cfg.ProcessTimeout),
		), nil
	case "sql":
		q := NewSQLQueue(client, logger, SQLOptions{
			Workers:        cfg.Workers,
			Visibility:     cfg.VisibilityTimeout,
			PollInterval:   cfg.PollInterval,
			ProcessTimeout: cfg.ProcessTimeout,
		})
		if err := q.EnsureTable(ctx); err != nil {
			return nil, err
		}
		return q, nil
	case "redis":
		return NewRedisQueue(ctx, RedisOptions{
			Addr:           cfg.RedisAddr,
			Password:       cfg.RedisPassword,
			Key:            cfg.RedisKey,
			Workers:        cfg.Workers,
			PollInterval:   cfg.PollInterval,
			ProcessTimeout: cfg.ProcessTimeout,
		}, logger)
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
}

// Durable reports whether queued jobs survive a process restart.
func Durable(q Queue) bool {
	_, mem := q.(*MemoryQueue)
	return !mem
}
