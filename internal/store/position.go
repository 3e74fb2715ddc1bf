package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/quantlayer/position-loader/internal/errors"
	"github.com/quantlayer/position-loader/internal/model"
)

// StagingChunkSize is the default chunk size for bulk staging inserts,
// within spec.md §4.1 step 8's "typical chunk 500–10,000".
const StagingChunkSize = 2000

// InsertPositionsToStaging bulk-inserts rows into batchID's staging area
// using the bitemporal insert rule: systemFrom=now, systemTo=∞ (spec.md
// §4.3 insertPositionsToStaging, §4.1 step 8). Writes are chunked and
// each chunk commits atomically; a failing chunk leaves earlier chunks
// committed — callers route the whole batch to FailBatch on any error.
func (s *Store) InsertPositionsToStaging(ctx context.Context, accountID, batchID int64, businessDate time.Time, rows []model.Position) error {
	for start := 0; start < len(rows); start += StagingChunkSize {
		end := start + StagingChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.insertChunk(ctx, accountID, batchID, businessDate, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertChunk(ctx context.Context, accountID, batchID int64, businessDate time.Time, rows []model.Position) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		t := now()
		for _, p := range rows {
			validFrom := p.ValidFrom
			if validFrom.IsZero() {
				validFrom = model.MinValidFrom
			}
			validTo := p.ValidTo
			if validTo.IsZero() {
				validTo = model.InfiniteTime
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO positions
					(account_id, product_id, batch_id, business_date, quantity, avg_cost_price,
					 cost_local, mv_base, source, valid_from, valid_to, system_from, system_to)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			`, accountID, p.ProductID, batchID, businessDate, p.Quantity, p.AvgCostPrice,
				p.CostLocal, p.MVBase, p.Source, validFrom, validTo, t, model.InfiniteTime)
			if err != nil {
				return errors.DatabaseError("insert staging position", err)
			}
		}
		return nil
	})
}

// ApplyBitemporalDelta closes the current version of (accountId, productId)
// within batchID's currently-active system-time slice and inserts a new
// version reflecting delta and the weighted-average cost formula of
// spec.md §4.2, all in one transaction. It is the core of the intraday
// pipeline's mutation step (spec.md §4.2 step 7, §4.3 applyBitemporalDelta).
func (s *Store) ApplyBitemporalDelta(ctx context.Context, accountID, productID, batchID int64, delta, eventPrice decimal.Decimal, eventTime time.Time) (model.Position, error) {
	var result model.Position
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row positionRow
		err := tx.GetContext(ctx, &row, `
			SELECT position_id, account_id, product_id, batch_id, business_date, quantity,
			       avg_cost_price, cost_local, mv_base, source, valid_from, valid_to, system_from, system_to
			FROM positions
			WHERE account_id = $1 AND product_id = $2 AND batch_id = $3 AND system_to = $4
			FOR UPDATE
		`, accountID, productID, batchID, model.InfiniteTime)
		if err != nil {
			return errors.DatabaseError("read current position version", err)
		}
		current := row.toModel()

		newQty := current.Quantity.Add(delta)
		newAvgCost := current.AvgCostPrice
		if !newQty.IsZero() {
			numerator := current.Quantity.Mul(current.AvgCostPrice).Add(delta.Mul(eventPrice))
			newAvgCost = numerator.Div(newQty)
		}

		t := now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE positions SET system_to = $1 WHERE position_id = $2
		`, t, current.PositionID); err != nil {
			return errors.DatabaseError("close current position version", err)
		}

		newCostLocal := newQty.Mul(newAvgCost)
		var newID int64
		err = tx.GetContext(ctx, &newID, `
			INSERT INTO positions
				(account_id, product_id, batch_id, business_date, quantity, avg_cost_price,
				 cost_local, mv_base, source, valid_from, valid_to, system_from, system_to)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			RETURNING position_id
		`, accountID, productID, batchID, current.BusinessDate, newQty, newAvgCost,
			newCostLocal, current.MVBase, "INTRADAY", current.ValidFrom, current.ValidTo, t, model.InfiniteTime)
		if err != nil {
			return errors.DatabaseError("insert new position version", err)
		}

		result = current
		result.PositionID = newID
		result.Quantity = newQty
		result.AvgCostPrice = newAvgCost
		result.CostLocal = newCostLocal
		result.SystemFrom = t
		result.SystemTo = model.InfiniteTime
		return nil
	})
	return result, err
}

// ReadPositionsAsOf returns the set of positions visible at systemTs,
// i.e. WHERE systemFrom ≤ ts < systemTo (spec.md §4.3 readPositionsAsOf).
func (s *Store) ReadPositionsAsOf(ctx context.Context, accountID int64, systemTs time.Time) ([]model.Position, error) {
	var rows []positionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT position_id, account_id, product_id, batch_id, business_date, quantity,
		       avg_cost_price, cost_local, mv_base, source, valid_from, valid_to, system_from, system_to
		FROM positions
		WHERE account_id = $1 AND system_from <= $2 AND system_to > $2
	`, accountID, systemTs)
	if err != nil {
		return nil, errors.DatabaseError("read positions as of", err)
	}
	return toModelSlice(rows), nil
}

// ReadActivePositions returns the current user-visible positions for
// (accountId, businessDate): those in the batch joined on
// AccountBatch.status='ACTIVE' (spec.md §4.3 readActivePositions). Staging
// batches being written concurrently are invisible to this query.
func (s *Store) ReadActivePositions(ctx context.Context, accountID int64, businessDate time.Time) ([]model.Position, error) {
	var rows []positionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT p.position_id, p.account_id, p.product_id, p.batch_id, p.business_date, p.quantity,
		       p.avg_cost_price, p.cost_local, p.mv_base, p.source, p.valid_from, p.valid_to,
		       p.system_from, p.system_to
		FROM positions p
		JOIN account_batches b ON b.account_id = p.account_id AND b.batch_id = p.batch_id
		WHERE p.account_id = $1 AND b.business_date = $2 AND b.status = $3 AND p.system_to = $4
	`, accountID, businessDate, model.BatchActive, model.InfiniteTime)
	if err != nil {
		return nil, errors.DatabaseError("read active positions", err)
	}
	return toModelSlice(rows), nil
}

// Archive moves system-time-closed position rows dated before cutoffDate
// into the archive table, skipping month-end snapshots, in a single
// transaction; the copy and delete are not split into smaller batches
// (spec.md §4.3 archive). It is idempotent: rows already archived
// are deleted from the live table only after a successful copy.
func (s *Store) Archive(ctx context.Context, cutoffDate time.Time) (int64, error) {
	var moved int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO positions_archive
			SELECT * FROM positions
			WHERE system_to < $1
			  AND system_to <> $2
			  AND EXTRACT(MONTH FROM (business_date + INTERVAL '1 day')) = EXTRACT(MONTH FROM business_date)
			ON CONFLICT DO NOTHING
		`, cutoffDate, model.InfiniteTime)
		if err != nil {
			return errors.DatabaseError("copy positions to archive", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.DatabaseError("copy positions to archive", err)
		}
		moved = n

		_, err = tx.ExecContext(ctx, `
			DELETE FROM positions p
			WHERE p.system_to < $1 AND p.system_to <> $2
			  AND EXISTS (SELECT 1 FROM positions_archive a WHERE a.position_id = p.position_id)
		`, cutoffDate, model.InfiniteTime)
		if err != nil {
			return errors.DatabaseError("delete archived positions from live table", err)
		}
		return nil
	})
	return moved, err
}

type positionRow struct {
	PositionID   int64           `db:"position_id"`
	AccountID    int64           `db:"account_id"`
	ProductID    int64           `db:"product_id"`
	BatchID      int64           `db:"batch_id"`
	BusinessDate time.Time       `db:"business_date"`
	Quantity     decimal.Decimal `db:"quantity"`
	AvgCostPrice decimal.Decimal `db:"avg_cost_price"`
	CostLocal    decimal.Decimal `db:"cost_local"`
	MVBase       decimal.Decimal `db:"mv_base"`
	Source       string          `db:"source"`
	ValidFrom    time.Time       `db:"valid_from"`
	ValidTo      time.Time       `db:"valid_to"`
	SystemFrom   time.Time       `db:"system_from"`
	SystemTo     time.Time       `db:"system_to"`
}

func (r positionRow) toModel() model.Position {
	return model.Position{
		PositionID:   r.PositionID,
		AccountID:    r.AccountID,
		ProductID:    r.ProductID,
		BatchID:      r.BatchID,
		BusinessDate: r.BusinessDate,
		Quantity:     r.Quantity,
		AvgCostPrice: r.AvgCostPrice,
		CostLocal:    r.CostLocal,
		MVBase:       r.MVBase,
		Source:       r.Source,
		ValidFrom:    r.ValidFrom,
		ValidTo:      r.ValidTo,
		SystemFrom:   r.SystemFrom,
		SystemTo:     r.SystemTo,
	}
}

func toModelSlice(rows []positionRow) []model.Position {
	out := make([]model.Position, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out
}
