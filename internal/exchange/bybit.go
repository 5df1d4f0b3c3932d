package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"riskguard/internal/models"
	"riskguard/pkg/ratelimit"
	"riskguard/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	bybitMainnetURL   = "https://api.bybit.com"
	bybitTestnetURL   = "https://api-testnet.bybit.com"
	bybitWSPrivate    = "wss://stream.bybit.com/v5/private"
	bybitWSPrivateTst = "wss://stream-testnet.bybit.com/v5/private"
	bybitRecvWindow   = "5000"
)

// Группы rate limit Bybit v5: у ордеров, аккаунта и публичных
// маркет-данных независимые квоты
const (
	bybitCategoryOrder   = "order"
	bybitCategoryAccount = "account"
	bybitCategoryMarket  = "market"
)

// limitsCacheTTL время жизни кэша лимитов инструмента.
// Лимиты меняются редко, но кэш сбрасывается принудительно
// при отказе ордера из-за точности
const limitsCacheTTL = time.Hour

// BybitConfig параметры подключения к Bybit
type BybitConfig struct {
	APIKey    string
	APISecret string
	Testnet   bool

	// Переопределения адресов, пустые значения = стандартные.
	// BaseURL используется тестами для подмены API на httptest сервер
	BaseURL      string
	WSPrivateURL string
}

// Bybit реализует интерфейс Gateway для биржи Bybit (v5 API, UNIFIED account)
type Bybit struct {
	apiKey    string
	secretKey string

	baseURL      string
	wsPrivateURL string

	httpClient *http.Client
	limiter    *ratelimit.MultiLimiter
	logger     *utils.Logger

	// WebSocket manager приватного потока с автоматическим переподключением
	wsPrivateManager *WSReconnectManager
	wsMu             sync.Mutex

	// Callbacks
	positionCallback func(*Position)
	orderCallback    func(*Order)
	callbackMu       sync.RWMutex

	// Кэш лимитов инструментов
	limitsCache map[string]*limitsEntry
	limitsMu    sync.RWMutex

	closeChan chan struct{}
}

type limitsEntry struct {
	limits    *Limits
	fetchedAt time.Time
}

// NewBybit создает новый экземпляр Bybit
// Использует глобальный HTTP клиент с connection pooling и оптимизированными таймаутами
func NewBybit(cfg BybitConfig) *Bybit {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = bybitMainnetURL
		if cfg.Testnet {
			baseURL = bybitTestnetURL
		}
	}

	wsURL := cfg.WSPrivateURL
	if wsURL == "" {
		wsURL = bybitWSPrivate
		if cfg.Testnet {
			wsURL = bybitWSPrivateTst
		}
	}

	// Квоты Bybit v5: ~10 rps на ордера и аккаунт, ~50 rps на маркет-данные
	limiter := ratelimit.NewMultiLimiter()
	limiter.Add(bybitCategoryOrder, 10, 10)
	limiter.Add(bybitCategoryAccount, 10, 10)
	limiter.Add(bybitCategoryMarket, 50, 50)

	return &Bybit{
		apiKey:       cfg.APIKey,
		secretKey:    cfg.APISecret,
		baseURL:      baseURL,
		wsPrivateURL: wsURL,
		httpClient:   NewHTTPClient(DefaultHTTPClientConfig()),
		limiter:      limiter,
		logger:       utils.L().WithComponent("gateway").WithExchange("bybit"),
		limitsCache:  make(map[string]*limitsEntry),
		closeChan:    make(chan struct{}),
	}
}

// Name возвращает идентификатор биржи
func (b *Bybit) Name() string {
	return "bybit"
}

// sign создает подпись для запроса к Bybit API v5
func (b *Bybit) sign(timestamp string, params string) string {
	message := timestamp + b.apiKey + bybitRecvWindow + params
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// encodeQuery кодирует параметры в query string.
// url.Values.Encode сортирует ключи, подпись GET запроса считается
// от той же строки, что уходит в URL
func encodeQuery(params map[string]interface{}) string {
	query := url.Values{}
	for k, v := range params {
		switch val := v.(type) {
		case string:
			query.Set(k, val)
		case bool:
			query.Set(k, strconv.FormatBool(val))
		case int:
			query.Set(k, strconv.Itoa(val))
		case float64:
			query.Set(k, strconv.FormatFloat(val, 'f', -1, 64))
		default:
			query.Set(k, fmt.Sprintf("%v", val))
		}
	}
	return query.Encode()
}

// isTransientRetCode отмечает коды, после которых запрос имеет смысл
// повторить: таймаут сервера, рассинхрон recv_window, rate limit,
// внутренняя ошибка биржи
func isTransientRetCode(code int) bool {
	switch code {
	case 10000, 10002, 10006, 10016:
		return true
	}
	return false
}

// doRequest выполняет HTTP запрос к Bybit API
func (b *Bybit) doRequest(ctx context.Context, method, endpoint, category string, params map[string]interface{}, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx, category); err != nil {
		return nil, err
	}

	var reqBody string
	var reqURL string

	if method == http.MethodGet {
		reqBody = encodeQuery(params)
		if reqBody != "" {
			reqURL = b.baseURL + endpoint + "?" + reqBody
		} else {
			reqURL = b.baseURL + endpoint
		}
	} else {
		reqURL = b.baseURL + endpoint
		if len(params) > 0 {
			jsonBytes, err := json.Marshal(params)
			if err != nil {
				return nil, err
			}
			reqBody = string(jsonBytes)
		}
	}

	var bodyReader io.Reader
	if method != http.MethodGet && reqBody != "" {
		bodyReader = strings.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		// Для GET подписывается query string, для POST тело запроса.
		// Обе строки уходят на сервер байт в байт в том же виде
		signature := b.sign(timestamp, reqBody)

		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-SIGN", signature)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &ExchangeError{
			Exchange:  "bybit",
			Code:      "network",
			Message:   err.Error(),
			Transient: true,
			Original:  err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ExchangeError{
			Exchange:  "bybit",
			Code:      "network",
			Message:   err.Error(),
			Transient: true,
			Original:  err,
		}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ExchangeError{
			Exchange:  "bybit",
			Code:      fmt.Sprintf("http_%d", resp.StatusCode),
			Message:   strings.TrimSpace(string(body)),
			Transient: true,
		}
	}

	// Проверяем базовый ответ
	var baseResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, err
	}

	if baseResp.RetCode != 0 {
		if baseResp.RetCode == 10006 {
			b.slowDown(category)
		}
		return nil, &ExchangeError{
			Exchange:  "bybit",
			Code:      strconv.Itoa(baseResp.RetCode),
			Message:   baseResp.RetMsg,
			Transient: isTransientRetCode(baseResp.RetCode),
		}
	}

	return body, nil
}

// slowDown снижает темп запросов категории после "too many visits".
// Rate половинится, но не опускается ниже 1 rps. Обратно темп
// не восстанавливается до рестарта процесса
func (b *Bybit) slowDown(category string) {
	rl := b.limiter.Get(category)
	if rl == nil {
		return
	}
	rate := rl.Rate() / 2
	if rate < 1 {
		rate = 1
	}
	rl.SetRate(rate)
	b.logger.Warn("rate limit биржи, снижаем темп запросов",
		utils.String("category", category),
		utils.Float64("new_rate", rate))
}

// Ping проверяет доступность API биржи
func (b *Bybit) Ping(ctx context.Context) error {
	_, err := b.doRequest(ctx, http.MethodGet, "/v5/market/time", bybitCategoryMarket, nil, false)
	return err
}

// GetMarginState возвращает снимок маржи UNIFIED аккаунта.
//
// totalEquity обязан присутствовать и парситься: молчаливый ноль
// здесь выглядел бы как полная потеря счёта. Отсутствующая маржа,
// наоборот, безопасно считается нулевой
func (b *Bybit) GetMarginState(ctx context.Context) (*models.AccountMarginState, error) {
	params := map[string]interface{}{
		"accountType": "UNIFIED",
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", bybitCategoryAccount, params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				AccountType           string `json:"accountType"`
				TotalEquity           string `json:"totalEquity"`
				TotalInitialMargin    string `json:"totalInitialMargin"`
				TotalAvailableBalance string `json:"totalAvailableBalance"`
			} `json:"list"`
		} `json:"result"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("bybit: empty wallet-balance response")
	}

	acc := resp.Result.List[0]
	totalEquity, err := strconv.ParseFloat(acc.TotalEquity, 64)
	if err != nil {
		return nil, fmt.Errorf("bybit: invalid totalEquity %q: %w", acc.TotalEquity, err)
	}

	usedIM, _ := strconv.ParseFloat(acc.TotalInitialMargin, 64)
	freeMargin, _ := strconv.ParseFloat(acc.TotalAvailableBalance, 64)

	state, err := models.NewAccountMarginState(totalEquity, usedIM, freeMargin)
	if err != nil {
		return nil, fmt.Errorf("bybit: margin state: %w", err)
	}

	return state, nil
}

// ListOpenOrders возвращает все активные ордера по линейным USDT
// контрактам. Страницы обходятся по курсору до конца
func (b *Bybit) ListOpenOrders(ctx context.Context) ([]Order, error) {
	orders := make([]Order, 0)
	cursor := ""

	for {
		params := map[string]interface{}{
			"category":   "linear",
			"settleCoin": "USDT",
			"limit":      "50",
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		body, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", bybitCategoryOrder, params, true)
		if err != nil {
			return nil, err
		}

		var resp struct {
			Result struct {
				NextPageCursor string `json:"nextPageCursor"`
				List           []struct {
					OrderId     string `json:"orderId"`
					Symbol      string `json:"symbol"`
					Side        string `json:"side"`
					OrderType   string `json:"orderType"`
					Qty         string `json:"qty"`
					CumExecQty  string `json:"cumExecQty"`
					AvgPrice    string `json:"avgPrice"`
					OrderStatus string `json:"orderStatus"`
					ReduceOnly  bool   `json:"reduceOnly"`
					CreatedTime string `json:"createdTime"`
					UpdatedTime string `json:"updatedTime"`
				} `json:"list"`
			} `json:"result"`
		}

		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}

		for _, o := range resp.Result.List {
			qty, _ := strconv.ParseFloat(o.Qty, 64)
			filledQty, _ := strconv.ParseFloat(o.CumExecQty, 64)
			avgPrice, _ := strconv.ParseFloat(o.AvgPrice, 64)
			createdTime, _ := strconv.ParseInt(o.CreatedTime, 10, 64)
			updatedTime, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)

			side := SideBuy
			if o.Side == "Sell" {
				side = SideSell
			}

			orders = append(orders, Order{
				ID:           o.OrderId,
				Symbol:       o.Symbol,
				Side:         side,
				Type:         strings.ToLower(o.OrderType),
				Quantity:     qty,
				FilledQty:    filledQty,
				AvgFillPrice: avgPrice,
				Status:       mapOrderStatus(o.OrderStatus),
				ReduceOnly:   o.ReduceOnly,
				CreatedAt:    time.UnixMilli(createdTime),
				UpdatedAt:    time.UnixMilli(updatedTime),
			})
		}

		if resp.Result.NextPageCursor == "" {
			break
		}
		cursor = resp.Result.NextPageCursor
	}

	return orders, nil
}

// CancelAllOrders снимает все активные ордера.
// Пустой symbol означает все символы категории linear/USDT.
// Возвращает количество снятых ордеров, ноль ордеров это успех
func (b *Bybit) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	params := map[string]interface{}{
		"category": "linear",
	}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = "USDT"
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/v5/order/cancel-all", bybitCategoryOrder, params, true)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Result struct {
			List []struct {
				OrderId string `json:"orderId"`
			} `json:"list"`
		} `json:"result"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}

	return len(resp.Result.List), nil
}

// ListPositions возвращает открытые позиции по линейным USDT контрактам.
// Позиции нулевого размера отфильтрованы
func (b *Bybit) ListPositions(ctx context.Context) ([]Position, error) {
	positions := make([]Position, 0)
	cursor := ""

	for {
		params := map[string]interface{}{
			"category":   "linear",
			"settleCoin": "USDT",
			"limit":      "200",
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		body, err := b.doRequest(ctx, http.MethodGet, "/v5/position/list", bybitCategoryAccount, params, true)
		if err != nil {
			return nil, err
		}

		var resp struct {
			Result struct {
				NextPageCursor string `json:"nextPageCursor"`
				List           []struct {
					Symbol        string `json:"symbol"`
					Side          string `json:"side"`
					Size          string `json:"size"`
					AvgPrice      string `json:"avgPrice"`
					MarkPrice     string `json:"markPrice"`
					Leverage      string `json:"leverage"`
					UnrealisedPnl string `json:"unrealisedPnl"`
					UpdatedTime   string `json:"updatedTime"`
				} `json:"list"`
			} `json:"result"`
		}

		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}

		for _, p := range resp.Result.List {
			size, _ := strconv.ParseFloat(p.Size, 64)
			if size == 0 {
				continue
			}

			entryPrice, _ := strconv.ParseFloat(p.AvgPrice, 64)
			markPrice, _ := strconv.ParseFloat(p.MarkPrice, 64)
			leverage, _ := strconv.ParseFloat(p.Leverage, 64)
			unrealizedPnl, _ := strconv.ParseFloat(p.UnrealisedPnl, 64)
			updatedTime, _ := strconv.ParseInt(p.UpdatedTime, 10, 64)

			side := SideLong
			if p.Side == "Sell" {
				side = SideShort
			}

			positions = append(positions, Position{
				Symbol:        p.Symbol,
				Side:          side,
				Size:          size,
				EntryPrice:    entryPrice,
				MarkPrice:     markPrice,
				Leverage:      int(leverage),
				UnrealizedPnl: unrealizedPnl,
				UpdatedAt:     time.UnixMilli(updatedTime),
			})
		}

		if resp.Result.NextPageCursor == "" {
			break
		}
		cursor = resp.Result.NextPageCursor
	}

	return positions, nil
}

// PlaceReduceOnlyMarket отправляет reduce-only рыночный ордер IOC.
// Количество округляется вниз до шага инструмента перед отправкой.
// Если после округления количество нулевое или ниже минимума,
// возвращается PrecisionError без похода на биржу
func (b *Bybit) PlaceReduceOnlyMarket(ctx context.Context, symbol, side string, qty float64) (*Order, error) {
	limits, err := b.GetLimits(ctx, symbol)
	if err != nil {
		return nil, err
	}

	floored := FloorToStep(qty, limits.QtyStep)
	if floored <= 0 {
		return nil, &PrecisionError{
			Symbol: symbol,
			Qty:    qty,
			Step:   limits.QtyStep,
			Reason: "qty rounds to zero at instrument step",
		}
	}
	if floored < limits.MinOrderQty {
		return nil, &PrecisionError{
			Symbol: symbol,
			Qty:    qty,
			Step:   limits.QtyStep,
			Reason: fmt.Sprintf("rounded qty %s below instrument minimum %s",
				FormatQty(floored, limits.QtyStep),
				strconv.FormatFloat(limits.MinOrderQty, 'f', -1, 64)),
		}
	}

	// Конвертируем side в формат Bybit
	bybitSide := "Buy"
	if side == SideSell || side == SideShort {
		bybitSide = "Sell"
	}

	params := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"side":        bybitSide,
		"orderType":   "Market",
		"qty":         FormatQty(qty, limits.QtyStep),
		"timeInForce": "IOC",
		"reduceOnly":  true,
		"positionIdx": 0,
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", bybitCategoryOrder, params, true)
	if err != nil {
		var exErr *ExchangeError
		if errors.As(err, &exErr) && isPrecisionRejection(exErr) {
			// Лимиты в кэше устарели, следующий GetLimits заберет свежие
			b.invalidateLimits(symbol)
			return nil, &PrecisionError{
				Symbol: symbol,
				Qty:    qty,
				Step:   limits.QtyStep,
				Reason: exErr.Message,
			}
		}
		return nil, err
	}

	var resp struct {
		Result struct {
			OrderId     string `json:"orderId"`
			OrderLinkId string `json:"orderLinkId"`
		} `json:"result"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	now := time.Now()
	order := &Order{
		ID:         resp.Result.OrderId,
		Symbol:     symbol,
		Side:       side,
		Type:       "market",
		Quantity:   floored,
		Status:     OrderStatusFilled,
		ReduceOnly: true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Получаем информацию об исполнении
	execInfo, err := b.getOrderExecution(ctx, symbol, resp.Result.OrderId)
	if err == nil && execInfo != nil {
		order.FilledQty = execInfo.FilledQty
		order.AvgFillPrice = execInfo.AvgPrice
		if execInfo.Status != "" {
			order.Status = mapOrderStatus(execInfo.Status)
		}
	} else {
		order.FilledQty = floored
	}

	return order, nil
}

// isPrecisionRejection отличает отказ из-за точности количества от прочих
// ошибок параметров: retCode 10001 и упоминание qty в сообщении
func isPrecisionRejection(exErr *ExchangeError) bool {
	if exErr.Code != "10001" {
		return false
	}
	msg := strings.ToLower(exErr.Message)
	return strings.Contains(msg, "qty") || strings.Contains(msg, "quantity")
}

type orderExecution struct {
	FilledQty float64
	AvgPrice  float64
	Status    string
}

// getOrderExecution получает информацию об исполнении ордера
func (b *Bybit) getOrderExecution(ctx context.Context, symbol, orderId string) (*orderExecution, error) {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderId,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", bybitCategoryOrder, params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
				OrderStatus string `json:"orderStatus"`
			} `json:"list"`
		} `json:"result"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("order not found")
	}

	o := resp.Result.List[0]
	filledQty, _ := strconv.ParseFloat(o.CumExecQty, 64)
	avgPrice, _ := strconv.ParseFloat(o.AvgPrice, 64)

	return &orderExecution{
		FilledQty: filledQty,
		AvgPrice:  avgPrice,
		Status:    o.OrderStatus,
	}, nil
}

// mapOrderStatus приводит статус ордера Bybit к внутреннему виду
func mapOrderStatus(s string) string {
	switch s {
	case "New", "Untriggered", "Triggered":
		return OrderStatusNew
	case "PartiallyFilled":
		return OrderStatusPartial
	case "Filled":
		return OrderStatusFilled
	case "Cancelled", "Deactivated", "PartiallyFilledCanceled":
		return OrderStatusCancelled
	case "Rejected":
		return OrderStatusRejected
	default:
		return strings.ToLower(s)
	}
}

// GetLimits возвращает лимиты инструмента: шаг количества, минимальный
// и максимальный размер ордера. Ответ кэшируется
func (b *Bybit) GetLimits(ctx context.Context, symbol string) (*Limits, error) {
	if err := utils.ValidateSymbol(symbol); err != nil {
		return nil, &ExchangeError{Exchange: b.Name(), Code: "bad_symbol", Message: err.Error()}
	}

	b.limitsMu.RLock()
	entry, ok := b.limitsCache[symbol]
	b.limitsMu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < limitsCacheTTL {
		return entry.limits, nil
	}

	limits, err := b.fetchLimits(ctx, symbol)
	if err != nil {
		// Протухший кэш лучше отказа: лимиты меняются редко
		if ok {
			return entry.limits, nil
		}
		return nil, err
	}

	b.limitsMu.Lock()
	b.limitsCache[symbol] = &limitsEntry{limits: limits, fetchedAt: time.Now()}
	b.limitsMu.Unlock()

	return limits, nil
}

// invalidateLimits сбрасывает кэш лимитов символа
func (b *Bybit) invalidateLimits(symbol string) {
	b.limitsMu.Lock()
	delete(b.limitsCache, symbol)
	b.limitsMu.Unlock()
}

func (b *Bybit) fetchLimits(ctx context.Context, symbol string) (*Limits, error) {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", bybitCategoryMarket, params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				LotSizeFilter struct {
					MinOrderQty string `json:"minOrderQty"`
					MaxOrderQty string `json:"maxOrderQty"`
					QtyStep     string `json:"qtyStep"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
				LeverageFilter struct {
					MaxLeverage string `json:"maxLeverage"`
				} `json:"leverageFilter"`
			} `json:"list"`
		} `json:"result"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("instrument info not found for %s", symbol)
	}

	info := resp.Result.List[0]
	minOrderQty, _ := strconv.ParseFloat(info.LotSizeFilter.MinOrderQty, 64)
	maxOrderQty, _ := strconv.ParseFloat(info.LotSizeFilter.MaxOrderQty, 64)
	qtyStep, _ := strconv.ParseFloat(info.LotSizeFilter.QtyStep, 64)
	priceStep, _ := strconv.ParseFloat(info.PriceFilter.TickSize, 64)
	maxLeverage, _ := strconv.ParseFloat(info.LeverageFilter.MaxLeverage, 64)

	return &Limits{
		Symbol:      symbol,
		MinOrderQty: minOrderQty,
		MaxOrderQty: maxOrderQty,
		QtyStep:     qtyStep,
		MinNotional: 5.0, // Bybit минимум 5 USDT
		PriceStep:   priceStep,
		MaxLeverage: int(maxLeverage),
	}, nil
}

// ============================================================
// Приватный WebSocket: подсказки для циклов верификации
// ============================================================

// SubscribePositions подписывается на события позиций.
// События используются как подсказки для ускорения верификации,
// источником истины остается REST
func (b *Bybit) SubscribePositions(callback func(*Position)) error {
	b.callbackMu.Lock()
	b.positionCallback = callback
	b.callbackMu.Unlock()

	if err := b.ensurePrivateWS(); err != nil {
		return err
	}

	return b.subscribePrivateTopic("position")
}

// SubscribeOrders подписывается на события ордеров
func (b *Bybit) SubscribeOrders(callback func(*Order)) error {
	b.callbackMu.Lock()
	b.orderCallback = callback
	b.callbackMu.Unlock()

	if err := b.ensurePrivateWS(); err != nil {
		return err
	}

	return b.subscribePrivateTopic("order")
}

// ensurePrivateWS лениво создает и подключает приватный WebSocket manager
func (b *Bybit) ensurePrivateWS() error {
	b.wsMu.Lock()
	defer b.wsMu.Unlock()

	if b.wsPrivateManager != nil {
		return nil
	}

	config := DefaultWSReconnectConfig()
	manager := NewWSReconnectManager("bybit-private", b.wsPrivateURL, config)

	// Устанавливаем функцию аутентификации
	manager.SetAuthFunc(b.authenticateWebSocket)

	// Устанавливаем обработчик сообщений
	manager.SetOnMessage(b.handlePrivateMessage)

	// Подключаемся
	if err := manager.Connect(); err != nil {
		return fmt.Errorf("failed to connect to private WebSocket: %w", err)
	}

	b.wsPrivateManager = manager
	return nil
}

// subscribePrivateTopic отправляет подписку и регистрирует ее
// для восстановления после переподключения
func (b *Bybit) subscribePrivateTopic(topic string) error {
	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": []string{topic},
	}

	b.wsPrivateManager.AddSubscription(subMsg)

	return b.wsPrivateManager.Send(subMsg)
}

// authenticateWebSocket аутентифицирует приватное соединение
func (b *Bybit) authenticateWebSocket(conn *websocket.Conn) error {
	expires := time.Now().UnixMilli() + 10000

	message := fmt.Sprintf("GET/realtime%d", expires)
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	signature := hex.EncodeToString(h.Sum(nil))

	authMsg := map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{b.apiKey, expires, signature},
	}

	return conn.WriteJSON(authMsg)
}

// handlePrivateMessage обрабатывает одно сообщение из приватного WebSocket
func (b *Bybit) handlePrivateMessage(message []byte) {
	var env struct {
		Topic string              `json:"topic"`
		Data  jsoniter.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(message, &env); err != nil {
		return
	}

	switch env.Topic {
	case "position":
		b.dispatchPositions(env.Data)
	case "order":
		b.dispatchOrders(env.Data)
	}
}

// dispatchPositions передает события позиций подписчику.
// Нулевой размер не фильтруется: переход позиции в ноль и есть
// то событие, ради которого верификация слушает поток
func (b *Bybit) dispatchPositions(data jsoniter.RawMessage) {
	b.callbackMu.RLock()
	callback := b.positionCallback
	b.callbackMu.RUnlock()

	if callback == nil {
		return
	}

	var items []struct {
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Size          string `json:"size"`
		EntryPrice    string `json:"entryPrice"`
		MarkPrice     string `json:"markPrice"`
		Leverage      string `json:"leverage"`
		UnrealisedPnl string `json:"unrealisedPnl"`
	}

	if err := json.Unmarshal(data, &items); err != nil {
		return
	}

	for _, p := range items {
		size, _ := strconv.ParseFloat(p.Size, 64)
		entryPrice, _ := strconv.ParseFloat(p.EntryPrice, 64)
		markPrice, _ := strconv.ParseFloat(p.MarkPrice, 64)
		leverage, _ := strconv.ParseFloat(p.Leverage, 64)
		unrealizedPnl, _ := strconv.ParseFloat(p.UnrealisedPnl, 64)

		side := SideLong
		if p.Side == "Sell" {
			side = SideShort
		}

		callback(&Position{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    entryPrice,
			MarkPrice:     markPrice,
			Leverage:      int(leverage),
			UnrealizedPnl: unrealizedPnl,
			UpdatedAt:     time.Now(),
		})
	}
}

// dispatchOrders передает события ордеров подписчику
func (b *Bybit) dispatchOrders(data jsoniter.RawMessage) {
	b.callbackMu.RLock()
	callback := b.orderCallback
	b.callbackMu.RUnlock()

	if callback == nil {
		return
	}

	var items []struct {
		OrderId     string `json:"orderId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		OrderType   string `json:"orderType"`
		Qty         string `json:"qty"`
		CumExecQty  string `json:"cumExecQty"`
		AvgPrice    string `json:"avgPrice"`
		OrderStatus string `json:"orderStatus"`
		ReduceOnly  bool   `json:"reduceOnly"`
		CreatedTime string `json:"createdTime"`
		UpdatedTime string `json:"updatedTime"`
	}

	if err := json.Unmarshal(data, &items); err != nil {
		return
	}

	for _, o := range items {
		qty, _ := strconv.ParseFloat(o.Qty, 64)
		filledQty, _ := strconv.ParseFloat(o.CumExecQty, 64)
		avgPrice, _ := strconv.ParseFloat(o.AvgPrice, 64)
		createdTime, _ := strconv.ParseInt(o.CreatedTime, 10, 64)
		updatedTime, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)

		side := SideBuy
		if o.Side == "Sell" {
			side = SideSell
		}

		callback(&Order{
			ID:           o.OrderId,
			Symbol:       o.Symbol,
			Side:         side,
			Type:         strings.ToLower(o.OrderType),
			Quantity:     qty,
			FilledQty:    filledQty,
			AvgFillPrice: avgPrice,
			Status:       mapOrderStatus(o.OrderStatus),
			ReduceOnly:   o.ReduceOnly,
			CreatedAt:    time.UnixMilli(createdTime),
			UpdatedAt:    time.UnixMilli(updatedTime),
		})
	}
}

// Close закрывает соединения шлюза
func (b *Bybit) Close() error {
	// Закрываем closeChan только если он ещё не закрыт
	select {
	case <-b.closeChan:
		// Уже закрыт
	default:
		close(b.closeChan)
	}

	b.wsMu.Lock()
	defer b.wsMu.Unlock()

	if b.wsPrivateManager != nil {
		b.wsPrivateManager.Close()
		b.wsPrivateManager = nil
	}

	return nil
}
