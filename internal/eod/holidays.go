package eod

import (
	"context"
	"time"
)

// HolidayStore is the subset of *store.Store a DBHolidayCalendar reads
// from.
type HolidayStore interface {
	IsMarketHoliday(ctx context.Context, accountID int64, businessDate time.Time) (bool, error)
}

// DBHolidayCalendar is the default HolidayCalendar, backed by the
// market_holidays table.
type DBHolidayCalendar struct {
	store HolidayStore
}

// NewDBHolidayCalendar builds a DBHolidayCalendar over store.
func NewDBHolidayCalendar(store HolidayStore) *DBHolidayCalendar {
	return &DBHolidayCalendar{store: store}
}

// IsHoliday delegates to the store's market_holidays lookup.
func (c *DBHolidayCalendar) IsHoliday(ctx context.Context, accountID int64, businessDate time.Time) (bool, error) {
	return c.store.IsMarketHoliday(ctx, accountID, businessDate)
}
