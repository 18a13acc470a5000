package edgex

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"crossarb/internal/exchange"
	"crossarb/internal/registry"
	"crossarb/pkg/types"
)

// quotePolicy maps the venue's collateral spellings onto the canonical
// quote currency.
var quotePolicy = registry.QuoteAliasPolicy{
	Canonical: "USDC",
	Aliases:   []string{"USD", "USDC"},
}

// RestClient fetches venue metadata over HTTP. Market data itself rides
// the WebSocket; REST is only the bootstrap and fallback path.
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

type metadataResponse struct {
	Code string `json:"code"`
	Data struct {
		ContractList []map[string]any `json:"contractList"`
	} `json:"data"`
	Msg string `json:"msg"`
}

// FetchContracts loads the tradable contract list. Malformed entries are
// skipped with a warning; an empty result is an error so callers never
// publish an empty registry table by accident.
func (r *RestClient) FetchContracts(ctx context.Context) ([]types.ContractInfo, error) {
	var out metadataResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/v1/public/meta/getMetaData")
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch metadata: http %d", resp.StatusCode())
	}
	if out.Code != "" && out.Code != "SUCCESS" {
		return nil, fmt.Errorf("fetch metadata: venue code %s %s", out.Code, out.Msg)
	}

	contracts := make([]types.ContractInfo, 0, len(out.Data.ContractList))
	for _, m := range out.Data.ContractList {
		ci, err := ParseContract(m)
		if err != nil {
			r.logger.Warn("skipping malformed contract", "error", err)
			continue
		}
		contracts = append(contracts, ci)
	}
	if len(contracts) == 0 {
		return nil, fmt.Errorf("fetch metadata: no usable contracts")
	}
	return contracts, nil
}

// ParseContract normalizes one venue contract object. Contracts missing
// an id or symbol are rejected rather than given placeholders.
func ParseContract(m map[string]any) (types.ContractInfo, error) {
	id := exchange.StringField(m, "contractId", "contract_id", "id")
	native := exchange.StringField(m, "contractName", "symbol", "name")
	if id == "" || native == "" {
		return types.ContractInfo{}, fmt.Errorf("contract missing id or symbol: id=%q symbol=%q", id, native)
	}

	base := exchange.StringField(m, "baseCoin", "baseCurrency", "base")
	quote := exchange.StringField(m, "quoteCoin", "quoteCurrency", "quote")
	if base == "" || quote == "" {
		// Derive from the native name (e.g. BTCUSD, ETH_USDC_PERP).
		var ok bool
		base, quote, ok = splitNative(native)
		if !ok {
			return types.ContractInfo{}, fmt.Errorf("cannot derive pair from %q", native)
		}
	}

	canonical := registry.Canonicalize(base, quote, quotePolicy)

	interval := int(exchange.DecimalField(m, "fundingInterval", "fundingIntervalHours").IntPart())
	if interval == 0 {
		interval = fundingIntervalHours
	}

	return types.ContractInfo{
		Canonical:            canonical,
		Native:               native,
		ContractID:           id,
		BaseCurrency:         strings.ToUpper(base),
		QuoteCurrency:        strings.ToUpper(quote),
		PriceDecimals:        int32(exchange.DecimalField(m, "priceDecimals", "price_decimals").IntPart()),
		SizeDecimals:         int32(exchange.DecimalField(m, "sizeDecimals", "size_decimals").IntPart()),
		TickSize:             exchange.DecimalField(m, "tickSize", "tick_size"),
		MinOrderSize:         exchange.DecimalField(m, "minOrderSize", "min_order_size"),
		FundingIntervalHours: interval,
	}, nil
}

// splitNative breaks a compact native symbol into base and quote by
// probing known quote suffixes.
func splitNative(native string) (base, quote string, ok bool) {
	s := strings.ToUpper(native)
	s = strings.TrimSuffix(s, "-PERP")
	s = strings.TrimSuffix(s, "_PERP")
	s = strings.NewReplacer("-", "", "_", "").Replace(s)
	for _, q := range []string{"USDC", "USDT", "USD"} {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q, true
		}
	}
	return "", "", false
}
