// Package eod implements the EOD Snapshot Pipeline of spec.md §4.1: for one
// (accountId, businessDate), fetch the upstream snapshot and atomically
// promote it to the account's ACTIVE batch under blue/green semantics.
package eod

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantlayer/position-loader/internal/breaker"
	"github.com/quantlayer/position-loader/internal/config"
	"github.com/quantlayer/position-loader/internal/errors"
	"github.com/quantlayer/position-loader/internal/hashing"
	"github.com/quantlayer/position-loader/internal/lock"
	"github.com/quantlayer/position-loader/internal/model"
	"github.com/quantlayer/position-loader/internal/retry"
	"github.com/quantlayer/position-loader/internal/streaming"
	"github.com/quantlayer/position-loader/internal/upstream"
	"github.com/quantlayer/position-loader/internal/validation"
)

// SnapshotHashLookback is the "last 7 days" window spec.md §4.1 step 6
// names for duplicate detection.
const SnapshotHashLookback = 7 * 24 * time.Hour

// Trigger is one EOD_TRIGGER message payload (spec.md §6).
type Trigger struct {
	AccountID    int64     `json:"accountId"`
	BusinessDate time.Time `json:"businessDate"`
}

// Publisher produces a keyed message to a topic; satisfied by
// *streaming.Writer.
type Publisher interface {
	Write(ctx context.Context, key, value []byte) error
}

// Store is the subset of *store.Store the pipeline depends on.
type Store interface {
	StartEodRun(ctx context.Context, accountID int64, businessDate time.Time) (int64, error)
	CompleteEodRun(ctx context.Context, runID int64, status model.EodRunStatus, batchID *int64) error
	FailEodRun(ctx context.Context, runID int64, errMsg string) error
	UpsertClient(ctx context.Context, c model.Client) error
	UpsertFund(ctx context.Context, f model.Fund) error
	UpsertAccount(ctx context.Context, a model.Account) error
	UpsertProduct(ctx context.Context, p model.Product) error
	FindSnapshotHash(ctx context.Context, accountID int64, businessDate time.Time, within time.Duration) (model.SnapshotHash, bool, error)
	SaveSnapshotHash(ctx context.Context, h model.SnapshotHash) error
	CreateBatch(ctx context.Context, accountID int64, businessDate time.Time, source string) (int64, error)
	InsertPositionsToStaging(ctx context.Context, accountID, batchID int64, businessDate time.Time, rows []model.Position) error
	ReadActivePositions(ctx context.Context, accountID int64, businessDate time.Time) ([]model.Position, error)
	PromoteBatch(ctx context.Context, accountID int64, businessDate time.Time, batchID int64, positionCount int) error
	FailBatch(ctx context.Context, accountID, batchID int64, errMsg string) error
	OutstandingAccountsForClient(ctx context.Context, clientID int64, businessDate time.Time) ([]int64, error)
}

// HolidayCalendar reports whether businessDate is a market holiday for the
// given account's market, used by admission to refuse triggers that arrive
// for a day the account's exchange never traded (spec.md §4.1 step 1, and
// §9's "late/holiday trigger" open question).
type HolidayCalendar interface {
	IsHoliday(ctx context.Context, accountID int64, businessDate time.Time) (bool, error)
}

// RefCache is the subset of *cache.Cache the pipeline uses to avoid a
// redundant upsert round trip for reference entities already known to be
// current (spec.md §5: reference-data caches with 30 min TTL). Entries are
// written with Set after an upsert and are not evicted; they expire by TTL.
type RefCache interface {
	Get(ctx context.Context, id string, dest any) (bool, error)
	Set(ctx context.Context, id string, value any) error
}

// Pipeline implements the EOD Snapshot Pipeline.
type Pipeline struct {
	store        Store
	locker       *lock.Locker
	feed         *upstream.FeedClient
	upstreamCB   *breaker.Breaker
	retryPolicy  retry.Policy
	dlq          *streaming.DeadLetterWriter
	signoff      Publisher
	ownerID      string
	lockWait     time.Duration
	lockPoll     time.Duration
	validation   config.ValidationConfig
	features     config.FeaturesConfig
	productCache RefCache
	holidays     HolidayCalendar
	shuttingDown func() bool
	logger       *zap.Logger
}

// Deps bundles Pipeline's constructor arguments.
type Deps struct {
	Store        Store
	Locker       *lock.Locker
	Feed         *upstream.FeedClient
	UpstreamCB   *breaker.Breaker
	RetryPolicy  retry.Policy
	DLQ          *streaming.DeadLetterWriter
	Signoff      Publisher
	OwnerID      string
	LockWait     time.Duration
	LockPoll     time.Duration
	Validation   config.ValidationConfig
	Features     config.FeaturesConfig
	ProductCache RefCache
	Holidays     HolidayCalendar
	ShuttingDown func() bool
	Logger       *zap.Logger
}

// New builds a Pipeline from Deps, defaulting LockWait/LockPoll and Logger
// when left zero.
func New(d Deps) *Pipeline {
	if d.LockWait == 0 {
		d.LockWait = 5 * time.Second
	}
	if d.LockPoll == 0 {
		d.LockPoll = 200 * time.Millisecond
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Pipeline{
		store:        d.Store,
		locker:       d.Locker,
		feed:         d.Feed,
		upstreamCB:   d.UpstreamCB,
		retryPolicy:  d.RetryPolicy,
		dlq:          d.DLQ,
		signoff:      d.Signoff,
		ownerID:      d.OwnerID,
		lockWait:     d.LockWait,
		lockPoll:     d.LockPoll,
		validation:   d.Validation,
		features:     d.Features,
		productCache: d.ProductCache,
		holidays:     d.Holidays,
		shuttingDown: d.ShuttingDown,
		logger:       d.Logger,
	}
}

func lockName(accountID int64) string { return fmt.Sprintf("eod:%d", accountID) }

// Run executes the pipeline for one trigger (spec.md §4.1's twelve steps).
func (p *Pipeline) Run(ctx context.Context, t Trigger) error {
	log := p.logger.With(zap.Int64("accountId", t.AccountID), zap.Time("businessDate", t.BusinessDate))

	// Step 1: admission.
	if p.shuttingDown != nil && p.shuttingDown() {
		return errors.Classify(errors.KindCapacity, "admit eod trigger", "eod", fmt.Sprintf("%d", t.AccountID), nil)
	}
	if p.features.DisabledAccounts[t.AccountID] {
		log.Info("eod trigger refused: account disabled")
		return nil
	}
	if p.features.PilotMode && !p.features.PilotAccounts[t.AccountID] {
		log.Info("eod trigger refused: account not in pilot set")
		return nil
	}
	if p.holidays != nil {
		holiday, err := p.holidays.IsHoliday(ctx, t.AccountID, t.BusinessDate)
		if err != nil {
			return p.toDLQ(ctx, t, err)
		}
		if holiday {
			log.Info("eod trigger refused: business date is a market holiday")
			return nil
		}
	}

	// Step 2: lock.
	lockCtx, cancel := context.WithTimeout(ctx, p.lockWait)
	defer cancel()
	h, err := p.locker.Acquire(lockCtx, lockName(t.AccountID), p.ownerID, p.lockPoll)
	if err != nil {
		return p.toDLQ(ctx, t, err)
	}
	defer func() {
		if releaseErr := p.locker.Release(ctx, h); releaseErr != nil {
			log.Warn("failed to release eod lock", zap.Error(releaseErr))
		}
	}()

	// Step 3: record start.
	runID, err := p.store.StartEodRun(ctx, t.AccountID, t.BusinessDate)
	if err != nil {
		return p.toDLQ(ctx, t, err)
	}

	if err := p.run(ctx, t, runID, log); err != nil {
		_ = p.store.FailEodRun(ctx, runID, err.Error())
		return p.toDLQ(ctx, t, err)
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, t Trigger, runID int64, log *zap.Logger) error {
	// Step 4: fetch, behind circuit breaker + retry.
	var snap model.AccountSnapshot
	fetchErr := p.upstreamCB.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, p.retryPolicy, func() error {
			s, err := p.feed.GetSnapshot(ctx, t.AccountID, t.BusinessDate)
			if err != nil {
				return err
			}
			snap = s
			return nil
		})
	})
	if fetchErr != nil {
		return fetchErr
	}

	// Step 5: reference-data reconciliation.
	if err := p.reconcile(ctx, snap); err != nil {
		return err
	}

	// Step 6: duplicate detection.
	contentHash := hashing.SnapshotHash(snap)
	if prior, found, err := p.store.FindSnapshotHash(ctx, t.AccountID, t.BusinessDate, SnapshotHashLookback); err != nil {
		return err
	} else if found && prior.ContentHash == contentHash {
		log.Info("eod run is a duplicate replay, marking COMPLETED_NOOP")
		return p.store.CompleteEodRun(ctx, runID, model.EodRunCompletedNoop, nil)
	}

	// Read the prior ACTIVE positions before allocating the new batch, for
	// the suspicious-change check in step 9.
	prior, err := p.store.ReadActivePositions(ctx, t.AccountID, t.BusinessDate)
	if err != nil {
		return err
	}
	priorByProduct := make(map[int64]model.Position, len(prior))
	for _, pos := range prior {
		priorByProduct[pos.ProductID] = pos
	}

	// Step 7: allocate batch.
	batchID, err := p.store.CreateBatch(ctx, t.AccountID, t.BusinessDate, "EOD")
	if err != nil {
		return err
	}

	// Step 8: stage rows.
	rows := toPositions(snap)
	if err := p.store.InsertPositionsToStaging(ctx, t.AccountID, batchID, t.BusinessDate, rows); err != nil {
		_ = p.store.FailBatch(ctx, t.AccountID, batchID, err.Error())
		return err
	}

	// Step 9: validate.
	if err := p.validate(snap, priorByProduct, log); err != nil {
		_ = p.store.FailBatch(ctx, t.AccountID, batchID, err.Error())
		return err
	}

	// Step 10: promote.
	if err := p.store.PromoteBatch(ctx, t.AccountID, t.BusinessDate, batchID, len(rows)); err != nil {
		_ = p.store.FailBatch(ctx, t.AccountID, batchID, err.Error())
		return err
	}
	if err := p.store.SaveSnapshotHash(ctx, model.SnapshotHash{
		AccountID:        t.AccountID,
		BusinessDate:     t.BusinessDate,
		ContentHash:      contentHash,
		PositionCount:    len(rows),
		TotalQuantity:    sumQuantity(rows),
		TotalMarketValue: sumMarketValue(rows),
	}); err != nil {
		return err
	}

	// Step 11: record complete.
	if err := p.store.CompleteEodRun(ctx, runID, model.EodRunCompleted, &batchID); err != nil {
		return err
	}

	// Step 12: client sign-off.
	return p.maybeSignOff(ctx, snap.ClientID, t.BusinessDate, log)
}

func (p *Pipeline) reconcile(ctx context.Context, snap model.AccountSnapshot) error {
	if err := p.store.UpsertClient(ctx, model.Client{ClientID: snap.ClientID, Name: snap.ClientName, Status: "ACTIVE"}); err != nil {
		return err
	}
	if err := p.store.UpsertFund(ctx, model.Fund{FundID: snap.FundID, ClientID: snap.ClientID, BaseCurrency: snap.BaseCurrency}); err != nil {
		return err
	}
	if err := p.store.UpsertAccount(ctx, model.Account{
		AccountID: snap.AccountID, FundID: snap.FundID, AccountNumber: snap.AccountNumber,
		BaseCurrency: snap.BaseCurrency, Status: "ACTIVE",
	}); err != nil {
		return err
	}
	for _, line := range snap.Positions {
		if p.productCache != nil {
			var cached model.Product
			hit, err := p.productCache.Get(ctx, fmt.Sprintf("%d", line.ProductID), &cached)
			if err == nil && hit {
				continue
			}
		}
		product := model.Product{
			ProductID: line.ProductID, Ticker: line.Ticker, AssetClass: line.AssetClass,
			IssueCcy: line.IssueCcy, SettleCcy: line.SettleCcy,
		}
		if err := p.store.UpsertProduct(ctx, product); err != nil {
			return err
		}
		if p.productCache != nil {
			_ = p.productCache.Set(ctx, fmt.Sprintf("%d", line.ProductID), product)
		}
	}
	return nil
}

func (p *Pipeline) validate(snap model.AccountSnapshot, priorByProduct map[int64]model.Position, log *zap.Logger) error {
	zeroPriced := 0
	for _, line := range snap.Positions {
		if line.Price.IsZero() {
			zeroPriced++
		}
	}
	if err := validation.ValidateZeroPriceRatio(zeroPriced, len(snap.Positions), p.validation.ZeroPriceThresholdPct); err != nil {
		log.Warn("zero-priced position ratio breach", zap.Error(err))
		if p.validation.StrictMode {
			return err
		}
	}

	for _, line := range snap.Positions {
		prior, ok := priorByProduct[line.ProductID]
		if !ok {
			continue
		}
		if err := validation.ValidateSuspiciousChange(prior.Quantity.String(), line.Quantity.String(), p.validation.SuspiciousChangePct); err != nil {
			log.Warn("suspicious quantity change", zap.Int64("productId", line.ProductID), zap.Error(err))
			if p.validation.StrictMode {
				return err
			}
		}
	}
	return nil
}

func (p *Pipeline) maybeSignOff(ctx context.Context, clientID int64, businessDate time.Time, log *zap.Logger) error {
	if p.signoff == nil {
		return nil
	}
	outstanding, err := p.store.OutstandingAccountsForClient(ctx, clientID, businessDate)
	if err != nil {
		return err
	}
	if len(outstanding) > 0 {
		return nil
	}
	payload, err := json.Marshal(struct {
		ClientID     int64  `json:"clientId"`
		BusinessDate string `json:"businessDate"`
	}{ClientID: clientID, BusinessDate: businessDate.Format("2006-01-02")})
	if err != nil {
		return errors.Classify(errors.KindValidationFatal, "marshal signoff event", "eod", "", err)
	}
	if err := p.signoff.Write(ctx, []byte(fmt.Sprintf("%d", clientID)), payload); err != nil {
		return err
	}
	log.Info("emitted client reporting signoff", zap.Int64("clientId", clientID))
	return nil
}

func (p *Pipeline) toDLQ(ctx context.Context, t Trigger, cause error) error {
	payload, marshalErr := json.Marshal(t)
	if marshalErr != nil {
		return errors.Chain(cause, marshalErr)
	}
	if p.dlq != nil {
		if sendErr := p.dlq.Send(ctx, streaming.TopicEodTrigger, []byte(fmt.Sprintf("%d", t.AccountID)), payload); sendErr != nil {
			return errors.Chain(cause, sendErr)
		}
	}
	return cause
}

func toPositions(snap model.AccountSnapshot) []model.Position {
	rows := make([]model.Position, len(snap.Positions))
	for i, line := range snap.Positions {
		rows[i] = model.Position{
			AccountID:    snap.AccountID,
			ProductID:    line.ProductID,
			BusinessDate: snap.BusinessDate,
			Quantity:     line.Quantity,
			AvgCostPrice: line.Price,
			CostLocal:    line.CostLocal,
			MVBase:       line.MVBase,
			Source:       "EOD",
		}
	}
	return rows
}

func sumQuantity(rows []model.Position) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(r.Quantity)
	}
	return sum
}

func sumMarketValue(rows []model.Position) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(r.MVBase)
	}
	return sum
}
