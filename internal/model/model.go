// Package model defines the value types shared by the store, pipelines, and
// streaming layers. All monetary and quantity fields use shopspring/decimal
// so arithmetic never loses precision to binary floats (spec.md §3).
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InfiniteTime is the sentinel system-time/valid-time upper bound meaning
// "currently in effect" (spec.md §3.1).
var InfiniteTime = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// MinValidFrom is the default lower bound of a position's valid-time
// interval when the business fact has no earlier known start.
var MinValidFrom = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// BatchStatus is the lifecycle state of an AccountBatch (spec.md §3).
type BatchStatus string

const (
	BatchStaging    BatchStatus = "STAGING"
	BatchActive     BatchStatus = "ACTIVE"
	BatchArchived   BatchStatus = "ARCHIVED"
	BatchFailed     BatchStatus = "FAILED"
	BatchRolledBack BatchStatus = "ROLLED_BACK"
)

// TxnSide is the direction of a trade event (spec.md §4.2).
type TxnSide string

const (
	SideBuy       TxnSide = "BUY"
	SideSell      TxnSide = "SELL"
	SideShortSell TxnSide = "SHORT_SELL"
)

// Sign returns +1 for BUY and -1 for SELL/SHORT_SELL.
func (s TxnSide) Sign() int64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// EodRunStatus is the lifecycle state of an EodRun row (SPEC_FULL.md §D).
type EodRunStatus string

const (
	EodRunRunning        EodRunStatus = "RUNNING"
	EodRunCompleted      EodRunStatus = "COMPLETED"
	EodRunCompletedNoop  EodRunStatus = "COMPLETED_NOOP"
	EodRunFailed         EodRunStatus = "FAILED"
)

// DlqStatus is the lifecycle state of a DlqEntry row (spec.md §4.4).
type DlqStatus string

const (
	DlqPending   DlqStatus = "PENDING"
	DlqProcessed DlqStatus = "PROCESSED"
	DlqFailed    DlqStatus = "FAILED"
)

// Client is the top-level owner of Funds (spec.md §3).
type Client struct {
	ClientID int64
	Name     string
	Status   string
}

// Fund belongs to exactly one Client.
type Fund struct {
	FundID        int64
	ClientID      int64
	BaseCurrency  string
}

// Account is a custody/margin book belonging to a Fund.
type Account struct {
	AccountID     int64
	FundID        int64
	AccountNumber string
	BaseCurrency  string
	Status        string
}

// Product is a tradable instrument referenced by Positions and Transactions.
type Product struct {
	ProductID  int64
	Ticker     string
	AssetClass string
	IssueCcy   string
	SettleCcy  string
}

// Position is one bitemporal row of an account's holding in a product
// within a given batch (spec.md §3.1).
type Position struct {
	PositionID   int64
	AccountID    int64
	ProductID    int64
	BatchID      int64
	BusinessDate time.Time
	Quantity     decimal.Decimal
	AvgCostPrice decimal.Decimal
	CostLocal    decimal.Decimal
	MVBase       decimal.Decimal
	Source       string
	ValidFrom    time.Time
	ValidTo      time.Time
	SystemFrom   time.Time
	SystemTo     time.Time
}

// IsCurrent reports whether this is the currently-visible system-time
// version of the row.
func (p Position) IsCurrent() bool {
	return p.SystemTo.Equal(InfiniteTime)
}

// AccountBatch is one blue/green generation of an account's positions for a
// business date (spec.md §3).
type AccountBatch struct {
	AccountID     int64
	BatchID       int64
	BusinessDate  time.Time
	Status        BatchStatus
	PositionCount int
	Source        string
	ErrorMessage  string
	CreatedAt     time.Time
	ActivatedAt   *time.Time
	ArchivedAt    *time.Time
}

// Transaction records one applied intraday trade event, keyed by its
// upstream-supplied idempotency key (spec.md §3).
type Transaction struct {
	TxnID         uuid.UUID
	AccountID     int64
	ProductID     int64
	TxnType       TxnSide
	TradeDate     time.Time
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ExternalRefID string
	CreatedAt     time.Time
}

// SnapshotHash is the content-hash fingerprint of the last EOD snapshot
// loaded for an account/businessDate pair, used for duplicate detection
// (spec.md §4.1 step 6).
type SnapshotHash struct {
	AccountID        int64
	BusinessDate     time.Time
	ContentHash      string
	PositionCount    int
	TotalQuantity    decimal.Decimal
	TotalMarketValue decimal.Decimal
	CreatedAt        time.Time
}

// DlqEntry is one parked message awaiting bounded retry or operator replay
// (spec.md §4.4).
type DlqEntry struct {
	ID           int64
	Topic        string
	Key          string
	Payload      []byte
	ErrorMessage string
	ErrorCode    string
	RetryCount   int
	NextRetryAt  *time.Time
	Status       DlqStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DistributedLock is one named mutual-exclusion lease row (spec.md §4.4).
type DistributedLock struct {
	Name      string
	OwnerID   string
	LockedAt  time.Time
	LockUntil time.Time
}

// EodRun tracks one execution of the EOD pipeline for an account/date,
// supplementing the distilled spec per SPEC_FULL.md §D.
type EodRun struct {
	ID           int64
	AccountID    int64
	BusinessDate time.Time
	BatchID      *int64
	Status       EodRunStatus
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// AccountSnapshot is the upstream payload for one account's EOD positions
// (spec.md §6, GET /snapshots/{accountId}).
type AccountSnapshot struct {
	AccountID     int64
	BusinessDate  time.Time
	AccountNumber string
	FundID        int64
	BaseCurrency  string
	ClientID      int64
	ClientName    string
	Positions     []SnapshotPosition
}

// SnapshotPosition is one line item within an AccountSnapshot.
type SnapshotPosition struct {
	ProductID  int64
	Ticker     string
	AssetClass string
	IssueCcy   string
	SettleCcy  string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	CostLocal  decimal.Decimal
	MVBase     decimal.Decimal
}

// TradeEvent is one incoming intraday mutation (spec.md §4.2).
type TradeEvent struct {
	CorrelationID string          `json:"correlationId"`
	AccountID     int64           `json:"accountId"`
	ProductID     int64           `json:"productId,omitempty"`
	Ticker        string          `json:"ticker,omitempty"`
	Side          TxnSide         `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	ExternalRefID string          `json:"externalRefId"`
	EventTime     time.Time       `json:"eventTime"`
}
