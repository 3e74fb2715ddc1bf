// Package dlq implements the durable dead-letter queue of spec.md §4.4:
// failed messages are parked in the dlq_entries table and replayed by a
// leader-elected background worker with bounded exponential-backoff
// retry. This is distinct from internal/streaming's DeadLetterWriter,
// which only produces a Kafka-level {topic}.DLT notification; the table
// here is the durable record the replayer actually drives off of.
package dlq

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quantlayer/position-loader/internal/errors"
	"github.com/quantlayer/position-loader/internal/lock"
	"github.com/quantlayer/position-loader/internal/model"
	"github.com/quantlayer/position-loader/internal/retry"
)

// LockName is the leader-election lock the replayer contends for, per
// spec.md §4.4: "a background worker (leader-elected via the distributed
// lock dlq-replayer)".
const LockName = "dlq-replayer"

// DefaultMaxRetries bounds replay attempts before an entry is marked
// FAILED, per spec.md §4.4's default of 3.
const DefaultMaxRetries = 3

// DefaultBatchSize bounds how many candidates one poll selects.
const DefaultBatchSize = 50

// Store is the subset of *store.Store the replayer depends on.
type Store interface {
	ParkInDLQ(ctx context.Context, topic, key string, payload []byte, errMsg, errCode string) (int64, error)
	ReplayCandidates(ctx context.Context, maxRetries, limit int) ([]model.DlqEntry, error)
	MarkReplayScheduled(ctx context.Context, id int64, nextRetryAt time.Time) error
	MarkProcessed(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
}

// Publisher republishes a parked entry's original payload to its
// originating topic; satisfied by *streaming.Writer, one per topic.
type Publisher interface {
	Write(ctx context.Context, key, value []byte) error
}

// Writer parks failed messages into the dlq_entries table. The consumer
// loops in cmd/position-loader call Park when a message fails, in addition
// to the pipelines' own Kafka-level DeadLetterWriter send, so the replayer
// has a durable record to drive bounded retry from.
type Writer struct {
	store Store
}

// NewWriter builds a Writer over store.
func NewWriter(store Store) *Writer {
	return &Writer{store: store}
}

// Park records a failed message as a new PENDING dlq_entries row. The
// errorCode column carries cause's domain-specific code when one was set
// via errors.ClassifyWithCode (e.g. "NO_ACTIVE_BATCH"), falling back to
// the generic Kind string otherwise.
func (w *Writer) Park(ctx context.Context, topic string, key, payload []byte, cause error) error {
	code := errors.CodeOf(cause)
	if code == "" {
		code = string(kindOf(cause))
	}
	_, err := w.store.ParkInDLQ(ctx, topic, string(key), payload, cause.Error(), code)
	return err
}

// kindOf extracts the Kind tag from cause if it was built via
// errors.Classify, or "" otherwise.
func kindOf(cause error) errors.Kind {
	var ce *errors.ClassifiedError
	for err := cause; err != nil; {
		if c, ok := err.(*errors.ClassifiedError); ok {
			ce = c
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if ce == nil {
		return ""
	}
	return ce.Kind
}

// Replayer periodically selects PENDING entries eligible for retry,
// republishes them to their originating topic, and reschedules or fails
// them per spec.md §4.4.
type Replayer struct {
	store       Store
	locker      *lock.Locker
	publishers  map[string]Publisher
	ownerID     string
	maxRetries  int
	batchSize   int
	retryPolicy retry.Policy
	logger      *zap.Logger
}

// Deps bundles Replayer's constructor arguments.
type Deps struct {
	Store       Store
	Locker      *lock.Locker
	Publishers  map[string]Publisher // originating topic -> Publisher
	OwnerID     string
	MaxRetries  int
	BatchSize   int
	RetryPolicy retry.Policy
	Logger      *zap.Logger
}

// New builds a Replayer from Deps, applying defaults for zero-valued
// optional fields.
func New(d Deps) *Replayer {
	if d.MaxRetries <= 0 {
		d.MaxRetries = DefaultMaxRetries
	}
	if d.BatchSize <= 0 {
		d.BatchSize = DefaultBatchSize
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Replayer{
		store:       d.Store,
		locker:      d.Locker,
		publishers:  d.Publishers,
		ownerID:     d.OwnerID,
		maxRetries:  d.MaxRetries,
		batchSize:   d.BatchSize,
		retryPolicy: d.RetryPolicy,
		logger:      d.Logger,
	}
}

// Run polls at interval until ctx is canceled, attempting leader election
// and a replay pass on each tick. Losing the election is not an error:
// the replayer simply sits out that tick.
func (r *Replayer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Warn("dlq replay pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single leader-elect-then-replay pass. It returns nil
// (without doing any replay work) when the lock is held by another owner.
func (r *Replayer) RunOnce(ctx context.Context) error {
	h, ok, err := r.locker.TryAcquire(ctx, LockName, r.ownerID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer func() {
		if releaseErr := r.locker.Release(ctx, h); releaseErr != nil {
			r.logger.Warn("failed to release dlq-replayer lock", zap.Error(releaseErr))
		}
	}()

	candidates, err := r.store.ReplayCandidates(ctx, r.maxRetries, r.batchSize)
	if err != nil {
		return err
	}
	for _, entry := range candidates {
		r.replayOne(ctx, entry)
	}
	return nil
}

func (r *Replayer) replayOne(ctx context.Context, entry model.DlqEntry) {
	log := r.logger.With(zap.Int64("dlqId", entry.ID), zap.String("topic", entry.Topic))

	pub, ok := r.publishers[entry.Topic]
	if !ok {
		log.Warn("no publisher registered for dlq entry's topic")
		r.scheduleOrFail(ctx, entry, log)
		return
	}

	if err := pub.Write(ctx, []byte(entry.Key), entry.Payload); err != nil {
		log.Warn("dlq replay publish failed", zap.Error(err))
		r.scheduleOrFail(ctx, entry, log)
		return
	}

	if err := r.store.MarkProcessed(ctx, entry.ID); err != nil {
		log.Warn("failed to mark dlq entry processed", zap.Error(err))
	}
}

func (r *Replayer) scheduleOrFail(ctx context.Context, entry model.DlqEntry, log *zap.Logger) {
	if entry.RetryCount+1 >= r.maxRetries {
		if err := r.store.MarkFailed(ctx, entry.ID); err != nil {
			log.Warn("failed to mark dlq entry failed", zap.Error(err))
		}
		log.Error("dlq entry exhausted retries, marked FAILED")
		return
	}
	next := retry.NextRetryAt(r.retryPolicy, entry.RetryCount, time.Now().UTC())
	if err := r.store.MarkReplayScheduled(ctx, entry.ID, next); err != nil {
		log.Warn("failed to reschedule dlq entry", zap.Error(err))
	}
}
