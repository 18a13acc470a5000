package lighter

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"crossarb/internal/exchange"
	"crossarb/internal/registry"
	"crossarb/pkg/types"
)

var quotePolicy = registry.QuoteAliasPolicy{
	Canonical: "USDC",
	Aliases:   []string{"USD"},
}

// RestClient fetches the venue's market table over HTTP.
type RestClient struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewRestClient builds the client. insecureSkipVerify is a development
// escape hatch and must come from explicit per-venue config.
func NewRestClient(baseURL string, insecureSkipVerify bool, logger *slog.Logger) *RestClient {
	limit := exchange.NewRestBucket()
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetHeader("Content-Type", "application/json").
		OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return limit.Wait(req.Context())
		})
	if insecureSkipVerify {
		http.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	return &RestClient{
		http:   http,
		logger: logger.With("component", "rest", "venue", VenueName),
	}
}

type orderBooksResponse struct {
	Code       int64            `json:"code"`
	Message    string           `json:"message"`
	OrderBooks []orderBookEntry `json:"order_books"`
}

type orderBookEntry struct {
	MarketID      int64  `json:"market_id"`
	Symbol        string `json:"symbol"`
	PriceDecimals int32  `json:"supported_price_decimals"`
	SizeDecimals  int32  `json:"supported_size_decimals"`
	MinBaseAmount string `json:"min_base_amount"`
}

// FetchMarkets loads the tradable market table. Entries without a symbol
// are skipped; an empty result is an error.
func (r *RestClient) FetchMarkets(ctx context.Context) ([]types.ContractInfo, error) {
	var out orderBooksResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/v1/orderBooks")
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch markets: http %d", resp.StatusCode())
	}
	if out.Code != 0 && out.Code != 200 {
		return nil, fmt.Errorf("fetch markets: venue code %d %s", out.Code, out.Message)
	}

	markets := make([]types.ContractInfo, 0, len(out.OrderBooks))
	for _, e := range out.OrderBooks {
		base := strings.ToUpper(strings.TrimSpace(e.Symbol))
		if base == "" {
			r.logger.Warn("skipping market without symbol", "market_id", e.MarketID)
			continue
		}
		min := decimalOrZero(e.MinBaseAmount)
		markets = append(markets, types.ContractInfo{
			Canonical:            registry.Canonicalize(base, "USDC", quotePolicy),
			Native:               base,
			ContractID:           strconv.FormatInt(e.MarketID, 10),
			BaseCurrency:         base,
			QuoteCurrency:        "USDC",
			PriceDecimals:        e.PriceDecimals,
			SizeDecimals:         e.SizeDecimals,
			MinOrderSize:         min,
			FundingIntervalHours: fundingIntervalHours,
		})
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("fetch markets: no usable markets")
	}
	return markets, nil
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
