package store

import (
	"context"
	"time"

	"github.com/quantlayer/position-loader/internal/errors"
)

// IsMarketHoliday reports whether businessDate is a listed holiday for the
// market keyed by accountID's base currency (spec.md §4.1 step 1's holiday
// admission check).
func (s *Store) IsMarketHoliday(ctx context.Context, accountID int64, businessDate time.Time) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM market_holidays mh
			JOIN accounts a ON a.base_currency = mh.market
			WHERE a.account_id = $1 AND mh.holiday_date = $2
		)
	`, accountID, businessDate)
	if err != nil {
		return false, errors.DatabaseError("check market holiday", err)
	}
	return exists, nil
}
