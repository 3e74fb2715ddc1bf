package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantlayer/position-loader/internal/errors"
	"github.com/quantlayer/position-loader/internal/model"
)

// FeedClient fetches EOD account snapshots from the upstream master-data
// system (spec.md §6, `GET /snapshots/{accountId}?date=YYYY-MM-DD`).
type FeedClient struct {
	baseURL string
	http    *http.Client
}

// NewFeedClient builds a FeedClient against baseURL using httpClient (build
// one with NewClient(SnapshotFeedClientConfig(...)) and wrap its Transport
// with NewStaticTokenTransportWithBase for auth).
func NewFeedClient(baseURL string, httpClient *http.Client) *FeedClient {
	return &FeedClient{baseURL: baseURL, http: httpClient}
}

// snapshotDTO is the upstream wire shape for GET /snapshots/{accountId}.
type snapshotDTO struct {
	AccountID     int64             `json:"accountId"`
	BusinessDate  string            `json:"businessDate"`
	AccountNumber string            `json:"accountNumber"`
	FundID        int64             `json:"fundId"`
	BaseCurrency  string            `json:"baseCurrency"`
	ClientID      int64             `json:"clientId"`
	ClientName    string            `json:"clientName"`
	Positions     []positionLineDTO `json:"positions"`
}

type positionLineDTO struct {
	ProductID  int64           `json:"productId"`
	Ticker     string          `json:"ticker"`
	AssetClass string          `json:"assetClass"`
	IssueCcy   string          `json:"issueCcy"`
	SettleCcy  string          `json:"settleCcy"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	CostLocal  decimal.Decimal `json:"costLocal"`
	MVBase     decimal.Decimal `json:"mvBase"`
}

const businessDateLayout = "2006-01-02"

// GetSnapshot fetches and decodes the EOD snapshot for (accountId,
// businessDate) (spec.md §4.1 step 4). The caller is expected to wrap this
// call in a circuit breaker and retry policy.
func (c *FeedClient) GetSnapshot(ctx context.Context, accountID int64, businessDate time.Time) (model.AccountSnapshot, error) {
	url := fmt.Sprintf("%s/snapshots/%d?date=%s", c.baseURL, accountID, businessDate.Format(businessDateLayout))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.AccountSnapshot{}, errors.NetworkError("build snapshot request", url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return model.AccountSnapshot{}, errors.Classify(errors.KindTransient, "fetch snapshot", "upstream", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return model.AccountSnapshot{}, errors.Classify(errors.KindTransient, "fetch snapshot", "upstream", url,
			fmt.Errorf("upstream returned status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return model.AccountSnapshot{}, errors.Classify(errors.KindValidationFatal, "fetch snapshot", "upstream", url,
			fmt.Errorf("upstream returned status %d", resp.StatusCode))
	}

	var dto snapshotDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return model.AccountSnapshot{}, errors.Classify(errors.KindValidationFatal, "decode snapshot", "upstream", url, err)
	}

	return dto.toModel()
}

func (d snapshotDTO) toModel() (model.AccountSnapshot, error) {
	businessDate, err := time.Parse(businessDateLayout, d.BusinessDate)
	if err != nil {
		return model.AccountSnapshot{}, errors.Classify(errors.KindValidationFatal, "parse business date", "upstream", d.BusinessDate, err)
	}

	positions := make([]model.SnapshotPosition, len(d.Positions))
	for i, p := range d.Positions {
		positions[i] = model.SnapshotPosition{
			ProductID:  p.ProductID,
			Ticker:     p.Ticker,
			AssetClass: p.AssetClass,
			IssueCcy:   p.IssueCcy,
			SettleCcy:  p.SettleCcy,
			Quantity:   p.Quantity,
			Price:      p.Price,
			CostLocal:  p.CostLocal,
			MVBase:     p.MVBase,
		}
	}

	return model.AccountSnapshot{
		AccountID:     d.AccountID,
		BusinessDate:  businessDate,
		AccountNumber: d.AccountNumber,
		FundID:        d.FundID,
		BaseCurrency:  d.BaseCurrency,
		ClientID:      d.ClientID,
		ClientName:    d.ClientName,
		Positions:     positions,
	}, nil
}
