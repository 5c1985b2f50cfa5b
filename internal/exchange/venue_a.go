// venue_a.go implements the signed-REST venue adapter: HMAC-SHA256 request
// signing, server-time synchronization, an inverted QUOTE_BASE symbol
// convention (engine speaks BASE_QUOTE), and the side-discovery cancellation
// retry required when the venue demands side as a cancel parameter.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"gridbot/internal/config"
	"gridbot/pkg/types"
)

// venueAErrorMessages mirrors the venue's integer error-code taxonomy.
var venueAErrorMessages = map[int]string{
	1:  "invalid JSON payload",
	2:  "missing required parameter",
	3:  "invalid parameter",
	4:  "invalid timestamp",
	5:  "invalid signature",
	6:  "invalid API key or secret",
	7:  "API key not found",
	8:  "API is not activated",
	9:  "IP not allowed",
	10: "invalid IP address",
	11: "private API only",
	15: "insufficient balance",
	18: "order amount too small or invalid",
	20: "rate limit exceeded",
}

// classifyVenueACode maps an integer error code to an error wrapping the
// matching adapter sentinel, or nil for code 0.
func classifyVenueACode(code int) error {
	switch code {
	case 0:
		return nil
	case 20:
		return fmt.Errorf("%w: code %d (%s)", types.ErrAdapterRateLimited, code, venueAErrorMessages[code])
	case 4, 5, 6, 7, 8, 9, 10, 11:
		return fmt.Errorf("%w: code %d (%s)", types.ErrAdapterAuth, code, venueAErrorMessages[code])
	case 1, 2, 3, 15, 18:
		return fmt.Errorf("%w: code %d (%s)", types.ErrAdapterPermanent, code, venueAErrorMessages[code])
	default:
		msg, ok := venueAErrorMessages[code]
		if !ok {
			msg = "unknown error code"
		}
		return fmt.Errorf("%w: code %d (%s)", types.ErrAdapterPermanent, code, msg)
	}
}

type venueAEnvelope struct {
	Error  int             `json:"error"`
	Result json.RawMessage `json:"result"`
}

// VenueA is the signed JSON-REST adapter. Buys quote quote-currency amount,
// sells quote base-currency amount; the wire symbol inverts the engine's
// BASE_QUOTE convention to QUOTE_BASE.
type VenueA struct {
	http   *resty.Client
	apiKey string
	secret string
	rl     *RateLimiter
	logger *slog.Logger
}

// NewVenueA builds a Venue A adapter from configuration.
func NewVenueA(cfg config.VenueAConfig, logger *slog.Logger) *VenueA {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &VenueA{
		http:   httpClient,
		apiKey: cfg.APIKey,
		secret: cfg.APISecret,
		rl:     NewRateLimiter(cfg.RateLimits),
		logger: logger.With("component", "venue_a"),
	}
}

// wireSymbol inverts the engine's BASE_QUOTE convention to the venue's
// QUOTE_BASE convention (e.g. "BTC_THB" → "THB_BTC").
func wireSymbol(symbol string) string {
	parts := strings.SplitN(symbol, "_", 2)
	if len(parts) != 2 {
		return symbol
	}
	return parts[1] + "_" + parts[0]
}

func (v *VenueA) serverTime(ctx context.Context) (int64, error) {
	var ts int64
	resp, err := v.http.R().SetContext(ctx).SetResult(&ts).Get("/servertime")
	if err != nil {
		return time.Now().Unix() * 1000, nil //nolint:nilerr // fall back to local clock, grounded on source behavior
	}
	if resp.StatusCode() != http.StatusOK {
		return time.Now().Unix() * 1000, nil
	}
	return ts * 1000, nil
}

func (v *VenueA) sign(timestamp int64, method, path, body string) string {
	payload := fmt.Sprintf("%d%s%s%s", timestamp, method, path, body)
	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *VenueA) signedRequest(ctx context.Context, method, path string, params map[string]any, out any) (err error) {
	defer func() {
		if err != nil {
			ObserveError("venue_a", err)
		}
	}()

	ts, err := v.serverTime(ctx)
	if err != nil {
		return err
	}

	var body string
	if method == http.MethodPost && len(params) > 0 {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%w: marshal params: %v", types.ErrAdapterPermanent, err)
		}
		body = string(b)
	}

	sig := v.sign(ts, method, path, body)
	headers := map[string]string{
		"X-API-KEY": v.apiKey,
		"X-API-TS":  strconv.FormatInt(ts, 10),
		"X-API-SIG": sig,
	}

	req := v.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&venueAEnvelope{})

	var resp *resty.Response
	if method == http.MethodPost {
		if body != "" {
			req = req.SetBody(json.RawMessage(body))
		}
		resp, err = req.Post(path)
	} else {
		resp, err = req.SetQueryParams(toStringMap(params)).Get(path)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrAdapterTransient, err)
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("%w: status %d", types.ErrAdapterTransient, resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", types.ErrAdapterPermanent, resp.StatusCode(), resp.String())
	}

	var env venueAEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("%w: decode response: %v", types.ErrAdapterPermanent, err)
	}
	if codeErr := classifyVenueACode(env.Error); codeErr != nil {
		return codeErr
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%w: decode result: %v", types.ErrAdapterPermanent, err)
		}
	}
	return nil
}

func toStringMap(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func (v *VenueA) LoadMarkets(ctx context.Context) (map[string]types.MarketInfo, error) {
	if err := v.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result []struct {
		BaseAsset     string `json:"base_asset"`
		QuoteAsset    string `json:"quote_asset"`
		MinQuoteSize  string `json:"min_quote_size"`
		PriceStep     string `json:"price_step"`
	}
	if err := v.signedRequest(ctx, http.MethodGet, "/api/v3/market/symbols", nil, &result); err != nil {
		return nil, err
	}

	markets := make(map[string]types.MarketInfo, len(result))
	for _, m := range result {
		symbol := m.BaseAsset + "_" + m.QuoteAsset
		minNotional, _ := decimal.NewFromString(m.MinQuoteSize)
		priceTick, _ := decimal.NewFromString(m.PriceStep)
		markets[symbol] = types.MarketInfo{
			Symbol:      symbol,
			MinNotional: minNotional,
			PriceTick:   priceTick,
		}
	}
	return markets, nil
}

func (v *VenueA) FetchTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	if err := v.rl.Read.Wait(ctx); err != nil {
		return types.Ticker{}, err
	}

	var result map[string]struct {
		HighestBid string `json:"highestBid"`
		LowestAsk  string `json:"lowestAsk"`
		Last       string `json:"last"`
	}
	resp, err := v.http.R().SetContext(ctx).SetResult(&result).Get("/api/market/ticker")
	if err != nil {
		return types.Ticker{}, fmt.Errorf("%w: %v", types.ErrAdapterTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Ticker{}, fmt.Errorf("%w: status %d", types.ErrAdapterTransient, resp.StatusCode())
	}

	wire := wireSymbol(symbol)
	t, ok := result[wire]
	if !ok {
		return types.Ticker{}, fmt.Errorf("%w: symbol %s not in ticker data", types.ErrNotFound, symbol)
	}

	bid, _ := decimal.NewFromString(t.HighestBid)
	ask, _ := decimal.NewFromString(t.LowestAsk)
	last, _ := decimal.NewFromString(t.Last)
	return types.Ticker{Bid: bid, Ask: ask, Last: last, Timestamp: time.Now()}, nil
}

func (v *VenueA) PlaceLimit(ctx context.Context, symbol string, side types.Side, price, size decimal.Decimal) (types.PlaceResult, error) {
	if err := v.rl.Order.Wait(ctx); err != nil {
		return types.PlaceResult{}, err
	}

	endpoint := "/api/v3/market/place-bid"
	amount := size.Mul(price) // buy: quote-currency amount
	if side == types.Sell {
		endpoint = "/api/v3/market/place-ask"
		amount = size // sell: base-currency amount
	}

	params := map[string]any{
		"sym": wireSymbol(symbol),
		"amt": amount.String(),
		"rat": price.String(),
		"typ": "limit",
	}

	var result struct {
		ID string `json:"id"`
		TS int64  `json:"ts"`
	}
	if err := v.signedRequest(ctx, http.MethodPost, endpoint, params, &result); err != nil {
		return types.PlaceResult{Status: types.StatusUnknown}, err
	}
	if result.ID == "" {
		return types.PlaceResult{Status: types.OrderStatus("rejected")}, nil
	}
	return types.PlaceResult{VenueOrderID: result.ID, Status: types.StatusOpen}, nil
}

// Cancel implements the side-discovery retry: look up the order's side from
// the open-orders listing; if absent, try each side in turn before giving up.
func (v *VenueA) Cancel(ctx context.Context, venueOrderID, symbol string) error {
	if err := v.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	open, err := v.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}

	for _, o := range open {
		if o.ID == venueOrderID {
			return v.cancelWithSide(ctx, symbol, venueOrderID, o.Side)
		}
	}

	v.logger.Warn("order not found in open-orders listing, trying both sides", "order_id", venueOrderID)
	var lastErr error
	for _, side := range []types.Side{types.Sell, types.Buy} {
		if err := v.cancelWithSide(ctx, symbol, venueOrderID, side); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = types.ErrNotFound
	}
	return lastErr
}

func (v *VenueA) cancelWithSide(ctx context.Context, symbol, venueOrderID string, side types.Side) error {
	params := map[string]any{
		"sym":  wireSymbol(symbol),
		"id":   venueOrderID,
		"sd":   string(side),
		"hash": venueOrderID,
	}
	return v.signedRequest(ctx, http.MethodPost, "/api/v3/market/cancel-order", params, nil)
}

func (v *VenueA) FetchOpenOrders(ctx context.Context, symbol string) ([]types.ExternalOrder, error) {
	if err := v.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	params := map[string]any{"sym": wireSymbol(symbol)}
	var result []struct {
		ID     string `json:"id"`
		Side   string `json:"side"`
		Rate   string `json:"rate"`
		Amount string `json:"amount"`
		Filled string `json:"filled"`
		TS     int64  `json:"ts"`
	}
	if err := v.signedRequest(ctx, http.MethodPost, "/api/v3/market/my-open-orders", params, &result); err != nil {
		return nil, err
	}

	out := make([]types.ExternalOrder, 0, len(result))
	for _, o := range result {
		price, _ := decimal.NewFromString(o.Rate)
		amount, _ := decimal.NewFromString(o.Amount)
		filled, _ := decimal.NewFromString(o.Filled)
		out = append(out, types.ExternalOrder{
			ID:        o.ID,
			Side:      types.Side(o.Side),
			Price:     price,
			Amount:    amount,
			Remaining: amount.Sub(filled),
			Timestamp: time.UnixMilli(o.TS),
		})
	}
	return out, nil
}

func (v *VenueA) FetchBalance(ctx context.Context) (map[string]types.Balance, error) {
	if err := v.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result map[string]float64
	if err := v.signedRequest(ctx, http.MethodPost, "/api/v3/market/wallet", nil, &result); err != nil {
		return nil, err
	}

	balances := make(map[string]types.Balance, len(result))
	for asset, total := range result {
		d := decimal.NewFromFloat(total)
		balances[asset] = types.Balance{Free: d, Used: decimal.Zero, Total: d}
	}
	return balances, nil
}

func (v *VenueA) FetchOrder(ctx context.Context, venueOrderID, symbol string) (types.ExternalOrder, error) {
	if err := v.rl.Read.Wait(ctx); err != nil {
		return types.ExternalOrder{}, err
	}

	params := map[string]any{"sym": wireSymbol(symbol), "id": venueOrderID}
	var result struct {
		ID     string `json:"id"`
		Side   string `json:"side"`
		Rate   string `json:"rate"`
		Amount string `json:"amount"`
		Filled string `json:"filled"`
		TS     int64  `json:"ts"`
	}
	if err := v.signedRequest(ctx, http.MethodPost, "/api/v3/market/order-info", params, &result); err != nil {
		return types.ExternalOrder{}, err
	}
	price, _ := decimal.NewFromString(result.Rate)
	amount, _ := decimal.NewFromString(result.Amount)
	filled, _ := decimal.NewFromString(result.Filled)
	return types.ExternalOrder{
		ID:        result.ID,
		Side:      types.Side(result.Side),
		Price:     price,
		Amount:    amount,
		Remaining: amount.Sub(filled),
		Timestamp: time.UnixMilli(result.TS),
	}, nil
}

func (v *VenueA) Close() error {
	return nil
}
