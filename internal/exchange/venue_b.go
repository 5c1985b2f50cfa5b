// venue_b.go implements the library-backed venue adapter: REST for order
// mutation, a persistent auto-reconnecting WebSocket stream for ticker data.
// Unlike Venue A, Venue B uses the engine's own BASE_QUOTE symbol convention
// and quotes both buy and sell order size in base-currency units.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"gridbot/internal/config"
	"gridbot/pkg/types"
)

const (
	vbPingInterval     = 50 * time.Second
	vbReadTimeout      = 90 * time.Second
	vbMaxReconnectWait = 30 * time.Second
	vbWriteTimeout     = 10 * time.Second
)

// VenueB is the library-backed adapter. A single background goroutine
// maintains the ticker stream; REST calls handle every stateful mutation.
type VenueB struct {
	http   *resty.Client
	rl     *RateLimiter
	apiKey string
	secret string

	streamURL string
	logger    *slog.Logger

	mu      sync.RWMutex
	tickers map[string]types.Ticker

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewVenueB builds a Venue B adapter and starts its background ticker stream.
func NewVenueB(cfg config.VenueBConfig, logger *slog.Logger) *VenueB {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+cfg.APIKey)

	ctx, cancel := context.WithCancel(context.Background())
	v := &VenueB{
		http:      httpClient,
		rl:        NewRateLimiter(cfg.RateLimits),
		apiKey:    cfg.APIKey,
		secret:    cfg.APISecret,
		streamURL: cfg.StreamURL,
		logger:    logger.With("component", "venue_b"),
		tickers:   make(map[string]types.Ticker),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go v.runStream(ctx)
	return v
}

type venueBTickerMsg struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
}

// runStream maintains the WebSocket ticker feed with exponential backoff,
// generalized from the persistent market-feed pattern: 1s initial backoff,
// doubling to a 30s cap, read deadline to detect silent failures.
func (v *VenueB) runStream(ctx context.Context) {
	defer close(v.done)
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		err := v.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		v.logger.Warn("ticker stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > vbMaxReconnectWait {
			backoff = vbMaxReconnectWait
		}
	}
}

func (v *VenueB) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, v.streamURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go v.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(vbReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var t venueBTickerMsg
		if err := json.Unmarshal(msg, &t); err != nil {
			v.logger.Warn("malformed ticker message", "error", err)
			continue
		}

		v.mu.Lock()
		v.tickers[t.Symbol] = types.Ticker{
			Bid:       decimal.NewFromFloat(t.Bid),
			Ask:       decimal.NewFromFloat(t.Ask),
			Last:      decimal.NewFromFloat(t.Last),
			Timestamp: time.Now(),
		}
		v.mu.Unlock()
	}
}

func (v *VenueB) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(vbPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(vbWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (v *VenueB) LoadMarkets(ctx context.Context) (map[string]types.MarketInfo, error) {
	if err := v.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result []struct {
		Symbol      string  `json:"symbol"`
		MinSize     float64 `json:"min_size"`
		MinNotional float64 `json:"min_notional"`
		SizeStep    float64 `json:"size_step"`
		PriceTick   float64 `json:"price_tick"`
	}
	resp, err := v.http.R().SetContext(ctx).SetResult(&result).Get("/v1/markets")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrAdapterTransient, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", classifyVenueBStatus(resp.StatusCode()), resp.StatusCode())
	}

	markets := make(map[string]types.MarketInfo, len(result))
	for _, m := range result {
		markets[m.Symbol] = types.MarketInfo{
			Symbol:      m.Symbol,
			MinSize:     decimal.NewFromFloat(m.MinSize),
			MinNotional: decimal.NewFromFloat(m.MinNotional),
			SizeStep:    decimal.NewFromFloat(m.SizeStep),
			PriceTick:   decimal.NewFromFloat(m.PriceTick),
		}
	}
	return markets, nil
}

// FetchTicker reads from the in-memory stream cache rather than issuing a
// REST call; the stream is expected to be warm within a few seconds of startup.
func (v *VenueB) FetchTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	v.mu.RLock()
	t, ok := v.tickers[symbol]
	v.mu.RUnlock()
	if !ok {
		return types.Ticker{}, fmt.Errorf("%w: no ticker data for %s yet", types.ErrAdapterTransient, symbol)
	}
	return t, nil
}

func (v *VenueB) PlaceLimit(ctx context.Context, symbol string, side types.Side, price, size decimal.Decimal) (placeResult types.PlaceResult, err error) {
	defer func() {
		if err != nil {
			ObserveError("venue_b", err)
		}
	}()

	if err := v.rl.Order.Wait(ctx); err != nil {
		return types.PlaceResult{}, err
	}

	body := map[string]any{
		"symbol": symbol,
		"side":   string(side),
		"price":  price.String(),
		"size":   size.String(),
		"type":   "limit",
	}

	var result struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}
	resp, err := v.http.R().SetContext(ctx).SetBody(body).SetResult(&result).Post("/v1/orders")
	if err != nil {
		return types.PlaceResult{}, fmt.Errorf("%w: %v", types.ErrAdapterTransient, err)
	}
	if resp.IsError() {
		return types.PlaceResult{Status: types.StatusUnknown}, fmt.Errorf("%w: status %d: %s", classifyVenueBStatus(resp.StatusCode()), resp.StatusCode(), resp.String())
	}

	status := types.StatusOpen
	if result.Status == "rejected" {
		status = types.OrderStatus("rejected")
	}
	return types.PlaceResult{VenueOrderID: result.OrderID, Status: status}, nil
}

func (v *VenueB) Cancel(ctx context.Context, venueOrderID, symbol string) (err error) {
	defer func() {
		if err != nil {
			ObserveError("venue_b", err)
		}
	}()

	if err := v.rl.Cancel.Wait(ctx); err != nil {
		return err
	}
	resp, err := v.http.R().SetContext(ctx).Delete("/v1/orders/" + venueOrderID)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrAdapterTransient, err)
	}
	if resp.StatusCode() == 404 {
		return fmt.Errorf("%w: order %s", types.ErrNotFound, venueOrderID)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: status %d", classifyVenueBStatus(resp.StatusCode()), resp.StatusCode())
	}
	return nil
}

func (v *VenueB) FetchOpenOrders(ctx context.Context, symbol string) ([]types.ExternalOrder, error) {
	if err := v.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result []struct {
		ID        string  `json:"order_id"`
		Side      string  `json:"side"`
		Price     float64 `json:"price"`
		Size      float64 `json:"size"`
		Remaining float64 `json:"remaining"`
		CreatedAt int64   `json:"created_at_ms"`
	}
	resp, err := v.http.R().SetContext(ctx).SetQueryParam("symbol", symbol).SetResult(&result).Get("/v1/orders/open")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrAdapterTransient, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", classifyVenueBStatus(resp.StatusCode()), resp.StatusCode())
	}

	out := make([]types.ExternalOrder, 0, len(result))
	for _, o := range result {
		out = append(out, types.ExternalOrder{
			ID:        o.ID,
			Side:      types.Side(o.Side),
			Price:     decimal.NewFromFloat(o.Price),
			Amount:    decimal.NewFromFloat(o.Size),
			Remaining: decimal.NewFromFloat(o.Remaining),
			Timestamp: time.UnixMilli(o.CreatedAt),
		})
	}
	return out, nil
}

func (v *VenueB) FetchBalance(ctx context.Context) (map[string]types.Balance, error) {
	if err := v.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result map[string]struct {
		Free  float64 `json:"free"`
		Used  float64 `json:"used"`
		Total float64 `json:"total"`
	}
	resp, err := v.http.R().SetContext(ctx).SetResult(&result).Get("/v1/balances")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrAdapterTransient, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", classifyVenueBStatus(resp.StatusCode()), resp.StatusCode())
	}

	balances := make(map[string]types.Balance, len(result))
	for asset, b := range result {
		balances[asset] = types.Balance{
			Free:  decimal.NewFromFloat(b.Free),
			Used:  decimal.NewFromFloat(b.Used),
			Total: decimal.NewFromFloat(b.Total),
		}
	}
	return balances, nil
}

func (v *VenueB) FetchOrder(ctx context.Context, venueOrderID, symbol string) (types.ExternalOrder, error) {
	if err := v.rl.Read.Wait(ctx); err != nil {
		return types.ExternalOrder{}, err
	}

	var o struct {
		ID        string  `json:"order_id"`
		Side      string  `json:"side"`
		Price     float64 `json:"price"`
		Size      float64 `json:"size"`
		Remaining float64 `json:"remaining"`
		CreatedAt int64   `json:"created_at_ms"`
	}
	resp, err := v.http.R().SetContext(ctx).SetResult(&o).Get("/v1/orders/" + venueOrderID)
	if err != nil {
		return types.ExternalOrder{}, fmt.Errorf("%w: %v", types.ErrAdapterTransient, err)
	}
	if resp.StatusCode() == 404 {
		return types.ExternalOrder{}, fmt.Errorf("%w: order %s", types.ErrNotFound, venueOrderID)
	}
	if resp.IsError() {
		return types.ExternalOrder{}, fmt.Errorf("%w: status %d", classifyVenueBStatus(resp.StatusCode()), resp.StatusCode())
	}

	return types.ExternalOrder{
		ID:        o.ID,
		Side:      types.Side(o.Side),
		Price:     decimal.NewFromFloat(o.Price),
		Amount:    decimal.NewFromFloat(o.Size),
		Remaining: decimal.NewFromFloat(o.Remaining),
		Timestamp: time.UnixMilli(o.CreatedAt),
	}, nil
}

func (v *VenueB) Close() error {
	v.closeOnce.Do(func() {
		v.cancel()
		<-v.done
	})
	return nil
}

func classifyVenueBStatus(status int) error {
	switch {
	case status == 401 || status == 403:
		return types.ErrAdapterAuth
	case status == 429:
		return types.ErrAdapterRateLimited
	case status >= 500:
		return types.ErrAdapterTransient
	default:
		return types.ErrAdapterPermanent
	}
}
