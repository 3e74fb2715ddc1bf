// Package intraday implements the Intraday Update Pipeline of spec.md
// §4.2: apply incremental trade events to the ACTIVE batch of an account
// with bitemporal correctness and exactly-once effective semantics.
package intraday

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantlayer/position-loader/internal/config"
	"github.com/quantlayer/position-loader/internal/errors"
	"github.com/quantlayer/position-loader/internal/lock"
	"github.com/quantlayer/position-loader/internal/model"
	"github.com/quantlayer/position-loader/internal/streaming"
)

// LockWaitBound is how long an intraday event waits for its per-account
// lock before being deferred to DLQ, per spec.md §5: "intraday that cannot
// acquire its lock within a small bound is deferred to DLQ with a short
// nextRetryAt (not a hard failure)".
const LockWaitBound = 2 * time.Second

// Publisher produces a keyed message to a topic; satisfied by
// *streaming.Writer.
type Publisher interface {
	Write(ctx context.Context, key, value []byte) error
}

// Store is the subset of *store.Store the pipeline depends on.
type Store interface {
	TransactionExists(ctx context.Context, externalRefID string) (bool, error)
	ResolveProductIDByTicker(ctx context.Context, ticker string) (int64, bool, error)
	ActiveBatchForAccount(ctx context.Context, accountID int64) (model.AccountBatch, bool, error)
	ApplyBitemporalDelta(ctx context.Context, accountID, productID, batchID int64, delta, eventPrice decimal.Decimal, eventTime time.Time) (model.Position, error)
	RecordTransaction(ctx context.Context, txn model.Transaction) error
}

// Pipeline implements the Intraday Update Pipeline.
type Pipeline struct {
	store        Store
	locker       *lock.Locker
	dlq          *streaming.DeadLetterWriter
	changeEvents Publisher
	ownerID      string
	features     config.FeaturesConfig
	shuttingDown func() bool
	logger       *zap.Logger
}

// Deps bundles Pipeline's constructor arguments.
type Deps struct {
	Store        Store
	Locker       *lock.Locker
	DLQ          *streaming.DeadLetterWriter
	ChangeEvents Publisher
	OwnerID      string
	Features     config.FeaturesConfig
	ShuttingDown func() bool
	Logger       *zap.Logger
}

// New builds a Pipeline from Deps.
func New(d Deps) *Pipeline {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Pipeline{
		store:        d.Store,
		locker:       d.Locker,
		dlq:          d.DLQ,
		changeEvents: d.ChangeEvents,
		ownerID:      d.OwnerID,
		features:     d.Features,
		shuttingDown: d.ShuttingDown,
		logger:       d.Logger,
	}
}

func lockName(accountID int64) string { return fmt.Sprintf("intraday:%d", accountID) }

// RunBatch applies events grouped by accountId in parallel across groups,
// each group strictly in eventTime order (spec.md §4.2 step 2);
// groupByAccount sorts each group. Callers are responsible for capping
// batch size at ~100 before calling RunBatch. The returned slice is index-aligned
// with events, so callers can route a non-nil entry to the DLQ keyed by
// the original message.
func (p *Pipeline) RunBatch(ctx context.Context, events []model.TradeEvent) []error {
	groups := groupByAccount(events)
	results := make([]error, len(events))
	done := make(chan struct{}, len(groups))
	for _, group := range groups {
		group := group
		go func() {
			defer func() { done <- struct{}{} }()
			for _, idx := range group {
				ev := events[idx]
				if err := p.RunOne(ctx, ev); err != nil {
					p.logger.Warn("intraday event failed", zap.Int64("accountId", ev.AccountID), zap.Error(err))
					results[idx] = err
				}
			}
		}()
	}
	for range groups {
		<-done
	}
	return results
}

// groupByAccount returns, per accountId, the indices into events belonging
// to that account, sorted by eventTime (events with equal eventTime keep
// their original order).
func groupByAccount(events []model.TradeEvent) map[int64][]int {
	groups := map[int64][]int{}
	for i, ev := range events {
		groups[ev.AccountID] = append(groups[ev.AccountID], i)
	}
	for _, idxs := range groups {
		sort.SliceStable(idxs, func(a, b int) bool {
			return events[idxs[a]].EventTime.Before(events[idxs[b]].EventTime)
		})
	}
	return groups
}

// RunOne applies a single trade event (spec.md §4.2's nine steps).
func (p *Pipeline) RunOne(ctx context.Context, ev model.TradeEvent) error {
	log := p.logger.With(zap.Int64("accountId", ev.AccountID), zap.String("externalRefId", ev.ExternalRefID))

	// Step 1: admission.
	if p.shuttingDown != nil && p.shuttingDown() {
		return errors.Classify(errors.KindCapacity, "admit trade event", "intraday", ev.ExternalRefID, nil)
	}
	if p.features.DisabledAccounts[ev.AccountID] {
		log.Info("trade event refused: account disabled")
		return nil
	}

	// Step 3: lock, bounded wait; a timeout defers to DLQ rather than
	// failing hard (spec.md §5).
	lockCtx, cancel := context.WithTimeout(ctx, LockWaitBound)
	defer cancel()
	h, err := p.locker.Acquire(lockCtx, lockName(ev.AccountID), p.ownerID, 50*time.Millisecond)
	if err != nil {
		return p.toDLQ(ctx, ev, err)
	}
	defer func() {
		if releaseErr := p.locker.Release(ctx, h); releaseErr != nil {
			log.Warn("failed to release intraday lock", zap.Error(releaseErr))
		}
	}()

	if err := p.apply(ctx, ev, log); err != nil {
		return p.toDLQ(ctx, ev, err)
	}
	return nil
}

func (p *Pipeline) apply(ctx context.Context, ev model.TradeEvent, log *zap.Logger) error {
	// Step 4: idempotency.
	if ev.ExternalRefID != "" {
		exists, err := p.store.TransactionExists(ctx, ev.ExternalRefID)
		if err != nil {
			return err
		}
		if exists {
			log.Info("trade event already applied, skipping")
			return nil
		}
	}

	// Step 5: resolve productId.
	productID := ev.ProductID
	if productID == 0 {
		resolved, ok, err := p.store.ResolveProductIDByTicker(ctx, ev.Ticker)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Classify(errors.KindValidationRecoverable, "resolve product", "intraday", ev.Ticker, nil)
		}
		productID = resolved
	}

	// Step 6: locate ACTIVE batch.
	batch, ok, err := p.store.ActiveBatchForAccount(ctx, ev.AccountID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.ClassifyWithCode(errors.KindValidationRecoverable, "NO_ACTIVE_BATCH", "locate active batch", "intraday", fmt.Sprintf("%d", ev.AccountID), nil)
	}

	// Step 7: bitemporal mutation.
	delta := ev.Quantity.Mul(decimal.NewFromInt(ev.Side.Sign()))
	newPos, err := p.store.ApplyBitemporalDelta(ctx, ev.AccountID, productID, batch.BatchID, delta, ev.Price, ev.EventTime)
	if err != nil {
		return err
	}

	// Step 8: record transaction.
	if err := p.store.RecordTransaction(ctx, model.Transaction{
		AccountID:     ev.AccountID,
		ProductID:     productID,
		TxnType:       ev.Side,
		TradeDate:     ev.EventTime,
		Quantity:      ev.Quantity,
		Price:         ev.Price,
		ExternalRefID: ev.ExternalRefID,
	}); err != nil {
		return err
	}

	// Step 9: emit POSITION_CHANGE_EVENTS.
	return p.emitChange(ctx, ev.AccountID, productID, newPos, ev.EventTime)
}

func (p *Pipeline) emitChange(ctx context.Context, accountID, productID int64, pos model.Position, eventTime time.Time) error {
	if p.changeEvents == nil {
		return nil
	}
	payload, err := json.Marshal(struct {
		AccountID   int64     `json:"accountId"`
		ProductID   int64     `json:"productId"`
		NewQuantity string    `json:"newQuantity"`
		EventTime   time.Time `json:"eventTime"`
	}{AccountID: accountID, ProductID: productID, NewQuantity: pos.Quantity.String(), EventTime: eventTime})
	if err != nil {
		return errors.Classify(errors.KindValidationFatal, "marshal position change event", "intraday", "", err)
	}
	return p.changeEvents.Write(ctx, []byte(fmt.Sprintf("%d", accountID)), payload)
}

func (p *Pipeline) toDLQ(ctx context.Context, ev model.TradeEvent, cause error) error {
	payload, marshalErr := json.Marshal(ev)
	if marshalErr != nil {
		return errors.Chain(cause, marshalErr)
	}
	if p.dlq != nil {
		if sendErr := p.dlq.Send(ctx, streaming.TopicIntraday, []byte(fmt.Sprintf("%d", ev.AccountID)), payload); sendErr != nil {
			return errors.Chain(cause, sendErr)
		}
	}
	return cause
}
