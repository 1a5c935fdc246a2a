// Package tushare implements the vendor adapter for the TuShare Pro data
// API: a single POST endpoint taking an api_name, a token and parameters,
// returning columnar field/item arrays.
package tushare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/time/rate"
	"resty.dev/v3"

	"marketsync/internal/dates"
	"marketsync/internal/entity"
	"marketsync/internal/vendors"
)

const defaultBaseURL = "http://api.tushare.pro"

// compactDate is the YYYYMMDD form TuShare expects in parameters.
const compactDate = "20060102"

func init() {
	vendor.Register("tushare", func(settings map[string]string) (vendor.Adapter, error) {
		token := settings["token"]
		if token == "" {
			return nil, fmt.Errorf("tushare vendor needs a token")
		}
		baseURL := settings["base_url"]
		if baseURL == "" {
			baseURL = defaultBaseURL
		}
		return New(token, baseURL), nil
	})
}

// request is the TuShare RPC envelope.
type request struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields,omitempty"`
}

// response is the TuShare RPC reply: code 0 on success, columnar data.
type response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Fields []string `json:"fields"`
		Items  [][]any  `json:"items"`
	} `json:"data"`
}

// Adapter fetches raw records from TuShare. It self-throttles with a
// client-side token bucket on top of the engine-level limiter, since the
// vendor bans accounts that burst past their tier.
type Adapter struct {
	token    string
	client   *resty.Client
	throttle *rate.Limiter
}

// New returns an adapter for the given token, targeting baseURL.
func New(token, baseURL string) *Adapter {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	return &Adapter{
		token:  token,
		client: client,
		// Free tier allows roughly 500 calls/minute; stay conservative.
		throttle: rate.NewLimiter(rate.Limit(5), 1),
	}
}

// Name implements vendor.Adapter.
func (a *Adapter) Name() string { return "tushare" }

// Fetch implements vendor.Adapter.
func (a *Adapter) Fetch(ctx context.Context, typ entity.Type, scope entity.Scope, r dates.Range) ([]entity.Record, error) {
	apiName, params, err := buildParams(typ, scope, r)
	if err != nil {
		return nil, err
	}

	if err := a.throttle.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(request{APIName: apiName, Token: a.token, Params: params}).
		Post("")
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if !resp.IsSuccess() {
		return nil, vendor.ClassifyHTTPError(resp.StatusCode())
	}

	// Decode the envelope ourselves rather than via content-type driven
	// unmarshaling; proxies and error pages serve bodies without a JSON
	// content type, and a zero-valued envelope would read as a successful
	// empty fetch.
	var result response
	if err := json.Unmarshal(resp.Bytes(), &result); err != nil {
		return nil, vendor.NewClientError(resp.StatusCode(), fmt.Sprintf("undecodable response: %v", err))
	}
	if result.Code != 0 {
		return nil, classifyAPIError(result.Code, result.Msg)
	}

	records := make([]entity.Record, 0, len(result.Data.Items))
	for _, item := range result.Data.Items {
		record := make(entity.Record, len(result.Data.Fields))
		for i, field := range result.Data.Fields {
			if i < len(item) {
				record[field] = item[i]
			}
		}
		if record["exchange"] == nil {
			record["exchange"] = scope.Exchange
		}
		records = append(records, record)
	}
	return records, nil
}

// buildParams maps an entity type and scope onto the TuShare api_name and
// its parameters.
func buildParams(typ entity.Type, scope entity.Scope, r dates.Range) (string, map[string]string, error) {
	params := map[string]string{}
	if scope.Exchange != "" {
		params["exchange"] = scope.Exchange
	}
	if r.Valid() {
		params["start_date"] = compact(r.From)
		params["end_date"] = compact(r.To)
	}
	switch typ {
	case entity.Calendar:
		// Only open days get stored; closed days carry no information.
		params["is_open"] = "1"
		return "trade_cal", params, nil
	case entity.Contract:
		params["fut_type"] = "1"
		return "fut_basic", params, nil
	case entity.DailyBar:
		if len(scope.Symbols) > 0 {
			params["ts_code"] = strings.Join(scope.Symbols, ",")
		}
		return "fut_daily", params, nil
	case entity.Holding:
		if len(scope.Symbols) > 0 {
			params["symbol"] = strings.Join(scope.Symbols, ",")
		}
		return "fut_holding", params, nil
	case entity.StockListing:
		params["list_status"] = "L"
		return "stock_basic", params, nil
	}
	return "", nil, vendor.NewClientError(0, fmt.Sprintf("unsupported entity type %q", typ))
}

func compact(d dates.Date) string {
	return strings.ReplaceAll(d.String(), "-", "")
}

// classifyTransportError separates timeouts from other network failures so
// the retry policy backs off appropriately.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return vendor.NewTimeoutError(err)
	}
	return vendor.NewNetworkError(err)
}

// classifyAPIError maps TuShare application codes onto the error taxonomy.
// Code 2002 is the credential/points rejection; throttle complaints mention
// the per-minute quota.
func classifyAPIError(code int, msg string) error {
	switch {
	case code == 2002:
		return vendor.NewAuthError(msg)
	case strings.Contains(msg, "每分钟") || strings.Contains(strings.ToLower(msg), "too many"):
		return vendor.NewRateLimitError(0)
	default:
		return vendor.NewClientError(0, fmt.Sprintf("tushare code %d: %s", code, msg))
	}
}
