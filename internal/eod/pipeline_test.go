package eod_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quantlayer/position-loader/internal/breaker"
	"github.com/quantlayer/position-loader/internal/config"
	"github.com/quantlayer/position-loader/internal/eod"
	"github.com/quantlayer/position-loader/internal/hashing"
	"github.com/quantlayer/position-loader/internal/lock"
	"github.com/quantlayer/position-loader/internal/model"
	"github.com/quantlayer/position-loader/internal/retry"
	"github.com/quantlayer/position-loader/internal/upstream"
)

// fakeStore implements eod.Store entirely in memory for pipeline-level
// tests, so the pipeline's orchestration logic can be exercised without a
// real database.
type fakeStore struct {
	mu sync.Mutex

	nextBatchID      int64
	activePositions  []model.Position
	priorHash        *model.SnapshotHash
	savedHash        *model.SnapshotHash
	runs             map[int64]model.EodRunStatus
	completedBatchID *int64
	outstanding      []int64
	stagedRows       []model.Position
	promoted         bool
	failedMessage    string
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: map[int64]model.EodRunStatus{}, nextBatchID: 1}
}

func (f *fakeStore) StartEodRun(ctx context.Context, accountID int64, businessDate time.Time) (int64, error) {
	f.runs[1] = model.EodRunRunning
	return 1, nil
}
func (f *fakeStore) CompleteEodRun(ctx context.Context, runID int64, status model.EodRunStatus, batchID *int64) error {
	f.runs[runID] = status
	f.completedBatchID = batchID
	return nil
}
func (f *fakeStore) FailEodRun(ctx context.Context, runID int64, errMsg string) error {
	f.runs[runID] = model.EodRunFailed
	f.failedMessage = errMsg
	return nil
}
func (f *fakeStore) UpsertClient(ctx context.Context, c model.Client) error   { return nil }
func (f *fakeStore) UpsertFund(ctx context.Context, fd model.Fund) error     { return nil }
func (f *fakeStore) UpsertAccount(ctx context.Context, a model.Account) error { return nil }
func (f *fakeStore) UpsertProduct(ctx context.Context, p model.Product) error { return nil }
func (f *fakeStore) FindSnapshotHash(ctx context.Context, accountID int64, businessDate time.Time, within time.Duration) (model.SnapshotHash, bool, error) {
	if f.priorHash == nil {
		return model.SnapshotHash{}, false, nil
	}
	return *f.priorHash, true, nil
}
func (f *fakeStore) SaveSnapshotHash(ctx context.Context, h model.SnapshotHash) error {
	f.savedHash = &h
	return nil
}
func (f *fakeStore) CreateBatch(ctx context.Context, accountID int64, businessDate time.Time, source string) (int64, error) {
	id := f.nextBatchID
	f.nextBatchID++
	return id, nil
}
func (f *fakeStore) InsertPositionsToStaging(ctx context.Context, accountID, batchID int64, businessDate time.Time, rows []model.Position) error {
	f.stagedRows = rows
	return nil
}
func (f *fakeStore) ReadActivePositions(ctx context.Context, accountID int64, businessDate time.Time) ([]model.Position, error) {
	return f.activePositions, nil
}
func (f *fakeStore) PromoteBatch(ctx context.Context, accountID int64, businessDate time.Time, batchID int64, positionCount int) error {
	f.promoted = true
	return nil
}
func (f *fakeStore) FailBatch(ctx context.Context, accountID, batchID int64, errMsg string) error {
	f.failedMessage = errMsg
	return nil
}
func (f *fakeStore) OutstandingAccountsForClient(ctx context.Context, clientID int64, businessDate time.Time) ([]int64, error) {
	return f.outstanding, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages [][]byte
}

func (p *fakePublisher) Write(ctx context.Context, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, value)
	return nil
}

func newTestLocker(t *testing.T) *lock.Locker {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("INSERT INTO distributed_locks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM distributed_locks").WillReturnResult(sqlmock.NewResult(0, 1))
	return lock.New(sqlx.NewDb(db, "sqlmock"))
}

func newSnapshotServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"accountId": 1001, "businessDate": "2026-07-28", "accountNumber": "ACC-1001",
			"fundId": 5, "baseCurrency": "USD", "clientId": 7, "clientName": "Acme Capital",
			"positions": [
				{"productId": 42, "ticker": "AAPL", "assetClass": "EQUITY", "issueCcy": "USD", "settleCcy": "USD",
				 "quantity": "100", "price": "150.25", "costLocal": "15025.00", "mvBase": "15025.00"}
			]
		}`))
	}))
}

func TestPipeline_Run_PromotesNewBatch(t *testing.T) {
	server := newSnapshotServer(t)
	defer server.Close()

	fs := newFakeStore()
	pub := &fakePublisher{}
	p := eod.New(eod.Deps{
		Store:       fs,
		Locker:      newTestLocker(t),
		Feed:        upstream.NewFeedClient(server.URL, upstream.NewDefaultClient()),
		UpstreamCB:  breaker.New(breaker.Settings{Name: "upstream", FailureRatePct: 50, Window: 10, Cooldown: 30 * time.Second}),
		RetryPolicy: retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2},
		Signoff:     pub,
		OwnerID:     "worker-a",
		Validation:  config.ValidationConfig{ZeroPriceThresholdPct: 10, SuspiciousChangePct: 50},
	})

	err := p.Run(context.Background(), eod.Trigger{AccountID: 1001, BusinessDate: time.Date(2026, 7, 28, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.True(t, fs.promoted)
	require.Equal(t, model.EodRunCompleted, fs.runs[1])
	require.Len(t, pub.messages, 1)
}

func TestPipeline_Run_DuplicateIsNoop(t *testing.T) {
	server := newSnapshotServer(t)
	defer server.Close()

	fs := newFakeStore()
	fs.priorHash = &model.SnapshotHash{ContentHash: computeExpectedHash()}

	p := eod.New(eod.Deps{
		Store:       fs,
		Locker:      newTestLocker(t),
		Feed:        upstream.NewFeedClient(server.URL, upstream.NewDefaultClient()),
		UpstreamCB:  breaker.New(breaker.Settings{Name: "upstream", FailureRatePct: 50, Window: 10, Cooldown: 30 * time.Second}),
		RetryPolicy: retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
		OwnerID:     "worker-a",
		Validation:  config.ValidationConfig{ZeroPriceThresholdPct: 10, SuspiciousChangePct: 50},
	})

	err := p.Run(context.Background(), eod.Trigger{AccountID: 1001, BusinessDate: time.Date(2026, 7, 28, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.False(t, fs.promoted)
	require.Equal(t, model.EodRunCompletedNoop, fs.runs[1])
}

func TestPipeline_Run_RefusesDisabledAccount(t *testing.T) {
	fs := newFakeStore()
	p := eod.New(eod.Deps{
		Store:   fs,
		Locker:  newTestLocker(t),
		OwnerID: "worker-a",
		Features: config.FeaturesConfig{
			DisabledAccounts: map[int64]bool{1001: true},
		},
	})

	err := p.Run(context.Background(), eod.Trigger{AccountID: 1001, BusinessDate: time.Now()})
	require.NoError(t, err)
	require.False(t, fs.promoted)
}

func computeExpectedHash() string {
	snap := model.AccountSnapshot{
		AccountID: 1001,
		Positions: []model.SnapshotPosition{
			{ProductID: 42, Quantity: decimal.RequireFromString("100"), Price: decimal.RequireFromString("150.25"),
				CostLocal: decimal.RequireFromString("15025.00"), MVBase: decimal.RequireFromString("15025.00")},
		},
	}
	return hashing.SnapshotHash(snap)
}
