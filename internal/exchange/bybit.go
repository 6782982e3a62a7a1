package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/kirillm/risk-gate/internal/domain"
)

// BybitClient реализует execution client поверх Bybit v5 REST API.
// Все запросы проходят через rate limiter, чтобы throttling биржи
// не засчитывался breaker'ом как деградация.
type BybitClient struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	client     *http.Client
	limiter    *rate.Limiter
	recvWindow string
}

func NewBybitClient(apiKey, apiSecret, baseURL string, rps float64, burst int) *BybitClient {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &BybitClient{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		recvWindow: domain.BybitRecvWindow,
	}
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type instrumentsResult struct {
	List []struct {
		Symbol      string `json:"symbol"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
		LotSizeFilter struct {
			BasePrecision string `json:"basePrecision"`
			MinOrderQty   string `json:"minOrderQty"`
			MinOrderAmt   string `json:"minOrderAmt"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
}

type tickersResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

type ordersResult struct {
	List []struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
		OrderStatus string `json:"orderStatus"`
	} `json:"list"`
}

type createOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type walletResult struct {
	List []struct {
		Coin []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
			Equity        string `json:"equity"`
		} `json:"coin"`
	} `json:"list"`
}

// SymbolFilters запрашивает торговые правила символа (instruments-info)
func (b *BybitClient) SymbolFilters(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	query := fmt.Sprintf("category=%s&symbol=%s", domain.BybitCategorySpot, symbol)

	var result instrumentsResult
	if err := b.doGet(ctx, "/v5/market/instruments-info", query, false, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("%w: symbol %s", domain.ErrNotFound, symbol)
	}

	inst := result.List[0]
	tickSize, err := decimal.NewFromString(inst.PriceFilter.TickSize)
	if err != nil {
		return nil, fmt.Errorf("invalid tickSize %q: %w", inst.PriceFilter.TickSize, err)
	}
	qtyStep, err := decimal.NewFromString(inst.LotSizeFilter.BasePrecision)
	if err != nil {
		return nil, fmt.Errorf("invalid basePrecision %q: %w", inst.LotSizeFilter.BasePrecision, err)
	}
	minQty, err := decimal.NewFromString(inst.LotSizeFilter.MinOrderQty)
	if err != nil {
		return nil, fmt.Errorf("invalid minOrderQty %q: %w", inst.LotSizeFilter.MinOrderQty, err)
	}
	minNotional, err := decimal.NewFromString(inst.LotSizeFilter.MinOrderAmt)
	if err != nil {
		return nil, fmt.Errorf("invalid minOrderAmt %q: %w", inst.LotSizeFilter.MinOrderAmt, err)
	}

	return &domain.SymbolFilters{
		Symbol:      symbol,
		TickSize:    tickSize,
		QtyStep:     qtyStep,
		MinQty:      minQty,
		MinNotional: minNotional,
		FetchedAt:   time.Now(),
	}, nil
}

// LastPrice возвращает последнюю цену символа
func (b *BybitClient) LastPrice(ctx context.Context, symbol string) (float64, error) {
	query := fmt.Sprintf("category=%s&symbol=%s", domain.BybitCategorySpot, symbol)

	var result tickersResult
	if err := b.doGet(ctx, "/v5/market/tickers", query, false, &result); err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("%w: symbol %s", domain.ErrNotFound, symbol)
	}

	price, err := strconv.ParseFloat(result.List[0].LastPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid lastPrice %q: %w", result.List[0].LastPrice, err)
	}
	return price, nil
}

// OrderExists проверяет существование ордера с данным orderLinkId.
// Сначала смотрим активные ордера, затем историю.
func (b *BybitClient) OrderExists(ctx context.Context, symbol, clientOrderID string) (bool, error) {
	query := fmt.Sprintf("category=%s&symbol=%s&orderLinkId=%s",
		domain.BybitCategorySpot, symbol, clientOrderID)

	var realtime ordersResult
	if err := b.doGet(ctx, "/v5/order/realtime", query, true, &realtime); err != nil {
		return false, err
	}
	if len(realtime.List) > 0 {
		return true, nil
	}

	var history ordersResult
	if err := b.doGet(ctx, "/v5/order/history", query, true, &history); err != nil {
		return false, err
	}
	return len(history.List) > 0, nil
}

// SubmitOrder размещает нормализованный ордер с идемпотентным orderLinkId
func (b *BybitClient) SubmitOrder(ctx context.Context, order *domain.NormalizedOrder) (*domain.OrderInfo, error) {
	params := map[string]interface{}{
		"category":    domain.BybitCategorySpot,
		"symbol":      order.Symbol,
		"side":        sideToBybit(order.Side),
		"orderType":   order.OrderType,
		"qty":         order.Quantity,
		"orderLinkId": order.ClientOrderID,
	}
	if order.OrderType == domain.OrderTypeLimit && order.Price != "" {
		params["price"] = order.Price
	}

	var result createOrderResult
	if err := b.doPost(ctx, "/v5/order/create", params, &result); err != nil {
		return nil, err
	}

	return &domain.OrderInfo{
		OrderID:       result.OrderID,
		ClientOrderID: result.OrderLinkID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      order.Quantity,
		Status:        domain.StatusPlaced,
		CreatedAt:     time.Now(),
	}, nil
}

// AccountBalance возвращает баланс аккаунта по монете
func (b *BybitClient) AccountBalance(ctx context.Context, coin string) (*domain.AccountBalance, error) {
	query := fmt.Sprintf("accountType=%s&coin=%s", domain.BybitAccountUnified, coin)

	var result walletResult
	if err := b.doGet(ctx, "/v5/account/wallet-balance", query, true, &result); err != nil {
		return nil, err
	}

	for _, acc := range result.List {
		for _, c := range acc.Coin {
			if c.Coin != coin {
				continue
			}
			total, err := strconv.ParseFloat(c.WalletBalance, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid walletBalance %q: %w", c.WalletBalance, err)
			}
			return &domain.AccountBalance{Coin: coin, Total: total, Available: total}, nil
		}
	}

	return nil, fmt.Errorf("%w: coin %s", domain.ErrNotFound, coin)
}

func (b *BybitClient) doGet(ctx context.Context, endpoint, query string, auth bool, out interface{}) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	url := fmt.Sprintf("%s%s?%s", b.baseURL, endpoint, query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if auth {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		b.setAuthHeaders(req, timestamp, b.generateSignature(timestamp, query))
	}

	return b.execute(req, out)
}

func (b *BybitClient) doPost(ctx context.Context, endpoint string, params map[string]interface{}, out interface{}) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	jsonData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	url := fmt.Sprintf("%s%s", b.baseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	b.setAuthHeaders(req, timestamp, b.generateSignature(timestamp, string(jsonData)))

	return b.execute(req, out)
}

func (b *BybitClient) execute(req *http.Request, out interface{}) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{HTTPStatus: resp.StatusCode, RetMsg: string(body)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if env.RetCode != 0 {
		return &APIError{HTTPStatus: resp.StatusCode, RetCode: env.RetCode, RetMsg: env.RetMsg}
	}

	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	return nil
}

func (b *BybitClient) generateSignature(timestamp, payload string) string {
	data := timestamp + b.apiKey + b.recvWindow + payload
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitClient) setAuthHeaders(req *http.Request, timestamp, signature string) {
	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-RECV-WINDOW", b.recvWindow)
}

// sideToBybit приводит сторону к формату Bybit ("Buy"/"Sell")
func sideToBybit(side string) string {
	if side == domain.SideSell {
		return "Sell"
	}
	return "Buy"
}
