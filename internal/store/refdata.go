package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantlayer/position-loader/internal/errors"
	"github.com/quantlayer/position-loader/internal/model"
)

// UpsertClient inserts Client if absent, never altering its immutable
// attributes if already present (spec.md §4.1 step 5).
func (s *Store) UpsertClient(ctx context.Context, c model.Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (client_id, name, status) VALUES ($1,$2,$3)
		ON CONFLICT (client_id) DO NOTHING
	`, c.ClientID, c.Name, c.Status)
	if err != nil {
		return errors.DatabaseError("upsert client", err)
	}
	return nil
}

// UpsertFund inserts Fund if absent.
func (s *Store) UpsertFund(ctx context.Context, f model.Fund) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funds (fund_id, client_id, base_currency) VALUES ($1,$2,$3)
		ON CONFLICT (fund_id) DO NOTHING
	`, f.FundID, f.ClientID, f.BaseCurrency)
	if err != nil {
		return errors.DatabaseError("upsert fund", err)
	}
	return nil
}

// UpsertAccount inserts Account if absent.
func (s *Store) UpsertAccount(ctx context.Context, a model.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, fund_id, account_number, base_currency, status)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (account_id) DO NOTHING
	`, a.AccountID, a.FundID, a.AccountNumber, a.BaseCurrency, a.Status)
	if err != nil {
		return errors.DatabaseError("upsert account", err)
	}
	return nil
}

// UpsertProduct inserts Product if absent.
func (s *Store) UpsertProduct(ctx context.Context, p model.Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (product_id, ticker, asset_class, issue_ccy, settle_ccy)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (product_id) DO NOTHING
	`, p.ProductID, p.Ticker, p.AssetClass, p.IssueCcy, p.SettleCcy)
	if err != nil {
		return errors.DatabaseError("upsert product", err)
	}
	return nil
}

// ResolveProductIDByTicker looks up a productId by ticker, for intraday
// events that arrive without a productId (spec.md §4.2 step 5).
func (s *Store) ResolveProductIDByTicker(ctx context.Context, ticker string) (int64, bool, error) {
	var productID int64
	err := s.db.GetContext(ctx, &productID, `SELECT product_id FROM products WHERE ticker = $1 LIMIT 1`, ticker)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.DatabaseError("resolve product by ticker", err)
	}
	return productID, true, nil
}

// FindSnapshotHash returns the most recent SnapshotHash for accountID taken
// within the last `within` duration of businessDate, used for the
// duplicate-detection check of spec.md §4.1 step 6.
func (s *Store) FindSnapshotHash(ctx context.Context, accountID int64, businessDate time.Time, within time.Duration) (model.SnapshotHash, bool, error) {
	var row snapshotHashRow
	err := s.db.GetContext(ctx, &row, `
		SELECT account_id, business_date, content_hash, position_count, total_quantity, total_market_value, created_at
		FROM snapshot_hashes
		WHERE account_id = $1 AND business_date >= $2
		ORDER BY business_date DESC LIMIT 1
	`, accountID, businessDate.Add(-within))
	if err == sql.ErrNoRows {
		return model.SnapshotHash{}, false, nil
	}
	if err != nil {
		return model.SnapshotHash{}, false, errors.DatabaseError("find snapshot hash", err)
	}
	return row.toModel(), true, nil
}

// SaveSnapshotHash upserts the content hash for (accountId, businessDate)
// after a successful promotion (spec.md §4.1 step 10 "Save the content
// hash").
func (s *Store) SaveSnapshotHash(ctx context.Context, h model.SnapshotHash) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshot_hashes (account_id, business_date, content_hash, position_count, total_quantity, total_market_value, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (account_id, business_date) DO UPDATE
			SET content_hash = EXCLUDED.content_hash,
			    position_count = EXCLUDED.position_count,
			    total_quantity = EXCLUDED.total_quantity,
			    total_market_value = EXCLUDED.total_market_value
	`, h.AccountID, h.BusinessDate, h.ContentHash, h.PositionCount, h.TotalQuantity, h.TotalMarketValue, now())
	if err != nil {
		return errors.DatabaseError("save snapshot hash", err)
	}
	return nil
}

type snapshotHashRow struct {
	AccountID        int64           `db:"account_id"`
	BusinessDate     time.Time       `db:"business_date"`
	ContentHash      string          `db:"content_hash"`
	PositionCount    int             `db:"position_count"`
	TotalQuantity    decimal.Decimal `db:"total_quantity"`
	TotalMarketValue decimal.Decimal `db:"total_market_value"`
	CreatedAt        time.Time       `db:"created_at"`
}

func (r snapshotHashRow) toModel() model.SnapshotHash {
	return model.SnapshotHash{
		AccountID:        r.AccountID,
		BusinessDate:     r.BusinessDate,
		ContentHash:      r.ContentHash,
		PositionCount:    r.PositionCount,
		TotalQuantity:    r.TotalQuantity,
		TotalMarketValue: r.TotalMarketValue,
		CreatedAt:        r.CreatedAt,
	}
}

// TransactionExists reports whether a Transaction with externalRefID
// already exists, the idempotency check of spec.md §4.2 step 4.
func (s *Store) TransactionExists(ctx context.Context, externalRefID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM transactions WHERE external_ref_id = $1)`, externalRefID)
	if err != nil {
		return false, errors.DatabaseError("check transaction idempotency", err)
	}
	return exists, nil
}

// RecordTransaction inserts the applied Transaction row (spec.md §4.2
// step 8). A unique-violation on externalRefId is treated as a benign
// race with another idempotency check and swallowed.
func (s *Store) RecordTransaction(ctx context.Context, txn model.Transaction) error {
	if txn.TxnID == uuid.Nil {
		txn.TxnID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (txn_id, account_id, product_id, txn_type, trade_date, quantity, price, external_ref_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (external_ref_id) DO NOTHING
	`, txn.TxnID, txn.AccountID, txn.ProductID, string(txn.TxnType), txn.TradeDate, txn.Quantity, txn.Price, txn.ExternalRefID, now())
	if err != nil {
		return errors.DatabaseError("record transaction", err)
	}
	return nil
}

// OutstandingAccountsForClient returns the accountIds belonging to
// clientID that have not yet completed an EOD run for businessDate,
// supporting the client sign-off check of spec.md §4.1 step 12
// (SPEC_FULL.md §D).
func (s *Store) OutstandingAccountsForClient(ctx context.Context, clientID int64, businessDate time.Time) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT a.account_id
		FROM accounts a
		JOIN funds f ON f.fund_id = a.fund_id
		WHERE f.client_id = $1
		  AND NOT EXISTS (
		    SELECT 1 FROM eod_runs r
		    WHERE r.account_id = a.account_id AND r.business_date = $2 AND r.status = $3
		  )
	`, clientID, businessDate, model.EodRunCompleted)
	if err != nil {
		return nil, errors.DatabaseError("find outstanding accounts for client", err)
	}
	return ids, nil
}
