package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// Cancel retry policy: on HTTP timeout, up to two retries with a fixed
// backoff. A 404 means the order is already gone and counts as success.
const (
	cancelMaxRetries           = 2
	cancelRetryBackoff         = 2 * time.Second
	defaultTradeLockerAuthHost = "https://demo.tradelocker.com"
)

// TradeLockerConfig carries the credentials and mapping for one account.
type TradeLockerConfig struct {
	Email    string
	Password string
	Server   string
	// AccountID pins the account when set; otherwise the first ACTIVE
	// account from the list is used, falling back to the first entry.
	AccountID string
	Demo      bool
	// AuthURL overrides the bootstrap auth host (tests).
	AuthURL string
	// Instruments maps canonical symbols to broker instrument names/ids.
	Instruments map[string]string
}

// TradeLockerBroker is the stateless REST adapter. Every call carries the
// JWT and the account-selector header; the API host comes from the JWT
// payload, the public auth host is a bootstrap only.
type TradeLockerBroker struct {
	id     string
	name   string
	cfg    TradeLockerConfig
	client *http.Client
	logger *logrus.Logger
	sym    symbolMap

	mu           sync.RWMutex
	connected    bool
	accessToken  string
	refreshToken string
	baseURL      string
	accountID    string
	accNum       int64

	// Field schema for array-shaped order/position rows, fetched once at
	// connect from the trade config endpoint.
	orderFields    []string
	positionFields []string

	// Broker instrument id <-> name caches.
	instByID   map[string]string
	instByName map[string]string
}

// Ensure TradeLockerBroker implements Broker at compile time.
var _ Broker = (*TradeLockerBroker)(nil)

// NewTradeLockerBroker creates the REST adapter for one account.
func NewTradeLockerBroker(id string, cfg TradeLockerConfig, logger *logrus.Logger) *TradeLockerBroker {
	if logger == nil {
		logger = logrus.New()
	}
	return &TradeLockerBroker{
		id:         id,
		name:       "TradeLocker",
		cfg:        cfg,
		client:     &http.Client{},
		logger:     logger,
		sym:        newSymbolMap(cfg.Instruments),
		instByID:   make(map[string]string),
		instByName: make(map[string]string),
	}
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (t *TradeLockerBroker) WithHTTPClient(c *http.Client) *TradeLockerBroker {
	if c != nil {
		t.client = c
	}
	return t
}

// ID returns the configured broker id.
func (t *TradeLockerBroker) ID() string { return t.id }

// Name returns the display name.
func (t *TradeLockerBroker) Name() string { return t.name }

// Connected reports whether authentication has completed.
func (t *TradeLockerBroker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

type tlAuthResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type tlAccount struct {
	ID     json.Number `json:"id"`
	AccNum int64       `json:"accNum"`
	Name   string      `json:"name"`
	Status string      `json:"status"`
}

// Connect authenticates, resolves the API host from the JWT, selects the
// account, and loads the field schema and instrument catalog.
func (t *TradeLockerBroker) Connect(ctx context.Context) error {
	authHost := t.cfg.AuthURL
	if authHost == "" {
		authHost = defaultTradeLockerAuthHost
	}

	body, err := json.Marshal(map[string]string{
		"email":    t.cfg.Email,
		"password": t.cfg.Password,
		"server":   t.cfg.Server,
	})
	if err != nil {
		return fmt.Errorf("marshaling auth payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, StateReadTimeout+5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		authHost+"/backend-api/auth/jwt/token", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(b)}
	}

	var auth tlAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return fmt.Errorf("decoding auth response: %w", err)
	}
	if auth.AccessToken == "" {
		return errors.New("auth response carried no access token")
	}

	baseURL := authHost
	if host := jwtHostClaim(auth.AccessToken); host != "" {
		baseURL = "https://" + host
	}

	t.mu.Lock()
	t.accessToken = auth.AccessToken
	t.refreshToken = auth.RefreshToken
	t.baseURL = baseURL
	t.mu.Unlock()

	account, err := t.selectAccount(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.accountID = account.ID.String()
	t.accNum = account.AccNum
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"broker":  t.id,
		"host":    baseURL,
		"account": account.ID.String(),
		"acc_num": account.AccNum,
	}).Info("tradelocker authenticated")

	if err := t.loadFieldConfig(ctx); err != nil {
		// Positional fallback still works; degrade, don't fail connect.
		t.logger.WithError(err).WithField("broker", t.id).Warn("field config unavailable, using positional parsing")
	}
	if err := t.loadInstruments(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// Disconnect drops the token; the API itself is stateless.
func (t *TradeLockerBroker) Disconnect(_ context.Context) error {
	t.mu.Lock()
	t.accessToken = ""
	t.connected = false
	t.mu.Unlock()
	return nil
}

// jwtHostClaim extracts the canonical API host from the JWT payload
// without verifying the signature; the token is ours, freshly issued, and
// the claim only routes subsequent calls.
func jwtHostClaim(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	host, _ := claims["host"].(string)
	return host
}

func (t *TradeLockerBroker) selectAccount(ctx context.Context) (*tlAccount, error) {
	var payload struct {
		Accounts []tlAccount `json:"accounts"`
	}
	if err := t.getJSON(ctx, "/backend-api/auth/jwt/all-accounts", StateReadTimeout, &payload); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	if len(payload.Accounts) == 0 {
		return nil, errors.New("no accounts available for these credentials")
	}

	if t.cfg.AccountID != "" {
		for i := range payload.Accounts {
			if payload.Accounts[i].ID.String() == t.cfg.AccountID {
				return &payload.Accounts[i], nil
			}
		}
		t.logger.WithFields(logrus.Fields{
			"broker":     t.id,
			"account_id": t.cfg.AccountID,
		}).Warn("configured account not found, falling back to account list")
	}
	for i := range payload.Accounts {
		if payload.Accounts[i].Status == "ACTIVE" {
			return &payload.Accounts[i], nil
		}
	}
	return &payload.Accounts[0], nil
}

func (t *TradeLockerBroker) loadFieldConfig(ctx context.Context) error {
	var payload struct {
		D struct {
			Orders    []string `json:"orders"`
			Positions []string `json:"positions"`
		} `json:"d"`
	}
	if err := t.getJSON(ctx, "/backend-api/trade/config", StateReadTimeout, &payload); err != nil {
		return err
	}
	t.mu.Lock()
	t.orderFields = payload.D.Orders
	t.positionFields = payload.D.Positions
	t.mu.Unlock()
	return nil
}

func (t *TradeLockerBroker) loadInstruments(ctx context.Context) error {
	t.mu.RLock()
	accountID := t.accountID
	t.mu.RUnlock()

	var payload struct {
		D struct {
			Instruments []json.RawMessage `json:"instruments"`
		} `json:"d"`
	}
	path := "/backend-api/trade/accounts/" + accountID + "/instruments"
	if err := t.getJSON(ctx, path, SubmitTimeout, &payload); err != nil {
		return fmt.Errorf("loading instruments: %w", err)
	}

	byID := make(map[string]string)
	byName := make(map[string]string)
	for _, raw := range payload.D.Instruments {
		var row []any
		if err := json.Unmarshal(raw, &row); err != nil || len(row) < 2 {
			continue
		}
		id := numberString(row[0])
		name, _ := row[1].(string)
		if id == "" || name == "" {
			continue
		}
		byID[id] = name
		byName[name] = id
	}

	t.mu.Lock()
	t.instByID = byID
	t.instByName = byName
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{"broker": t.id, "count": len(byID)}).
		Debug("tradelocker instruments loaded")
	return nil
}

// instrumentID resolves a canonical symbol to the broker instrument id,
// going through the per-account mapping first, then the live catalog,
// then the conventional ".X" suffixed listing.
func (t *TradeLockerBroker) instrumentID(symbol string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if handle, ok := t.sym.Map(symbol); ok {
		if id, ok := t.instByName[handle]; ok {
			return id, true
		}
		if _, ok := t.instByID[handle]; ok {
			return handle, true
		}
		return handle, true // assume it is already an id
	}
	if id, ok := t.instByName[symbol]; ok {
		return id, true
	}
	if id, ok := t.instByName[symbol+".X"]; ok {
		return id, true
	}
	return "", false
}

// canonicalSymbol reverses an instrument id to the canonical symbol.
func (t *TradeLockerBroker) canonicalSymbol(instID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.instByID[instID]
	if !ok {
		return "ID:" + instID
	}
	return t.sym.Reverse(name)
}

// AccountInfo fetches the live account state.
func (t *TradeLockerBroker) AccountInfo(ctx context.Context) (*AccountState, error) {
	if !t.Connected() {
		return nil, errors.New("not connected")
	}
	t.mu.RLock()
	accountID := t.accountID
	t.mu.RUnlock()

	var payload struct {
		D struct {
			Balance    float64 `json:"balance"`
			Equity     float64 `json:"equity"`
			UsedMargin float64 `json:"usedMargin"`
			FreeMargin float64 `json:"freeMargin"`
			Currency   string  `json:"currency"`
			Leverage   int     `json:"leverage"`
		} `json:"d"`
	}
	path := "/backend-api/trade/accounts/" + accountID + "/state"
	if err := t.getJSON(ctx, path, StateReadTimeout, &payload); err != nil {
		return nil, err
	}

	currency := payload.D.Currency
	if currency == "" {
		currency = "USD"
	}
	return &AccountState{
		AccountID:  accountID,
		BrokerName: t.name,
		Balance:    payload.D.Balance,
		Equity:     payload.D.Equity,
		UsedMargin: payload.D.UsedMargin,
		FreeMargin: payload.D.FreeMargin,
		Currency:   currency,
		Leverage:   payload.D.Leverage,
		Demo:       t.cfg.Demo,
	}, nil
}

// Symbols lists the cached instrument catalog.
func (t *TradeLockerBroker) Symbols(_ context.Context) ([]SymbolInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SymbolInfo, 0, len(t.instByID))
	for id, name := range t.instByID {
		out = append(out, SymbolInfo{Symbol: name, Handle: id, Tradable: true})
	}
	return out, nil
}

// PlaceOrder submits an order. TradeLocker has no native expiry; the
// ExpiryUnixMs hint is ignored and the reaper owns order retraction.
func (t *TradeLockerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if !t.Connected() {
		return nil, errors.New("not connected")
	}

	instID, ok := t.instrumentID(req.Symbol)
	if !ok {
		return &OrderResult{
			Success: false,
			Message: fmt.Sprintf("symbol %s not available on %s", req.Symbol, t.name),
		}, nil
	}

	payload := map[string]any{
		"tradableInstrumentId": jsonNumberFromString(instID),
		"side":                 strings.ToLower(string(req.Side)),
		"qty":                  req.Volume,
	}
	switch req.Type {
	case TypeMarket:
		payload["type"] = "market"
	case TypeLimit:
		payload["type"] = "limit"
		payload["price"] = req.EntryPrice
	case TypeStop:
		payload["type"] = "stop"
		payload["stopPrice"] = req.EntryPrice
	}
	if req.StopLoss != 0 {
		payload["stopLoss"] = req.StopLoss
		payload["stopLossType"] = "absolute"
	}
	if req.TakeProfit != 0 {
		payload["takeProfit"] = req.TakeProfit
		payload["takeProfitType"] = "absolute"
	}

	t.mu.RLock()
	accountID := t.accountID
	t.mu.RUnlock()

	t.logger.WithFields(logrus.Fields{
		"broker": t.id,
		"symbol": req.Symbol,
		"side":   req.Side,
		"type":   req.Type,
		"lots":   req.Volume,
		"entry":  req.EntryPrice,
	}).Info("placing order")

	var out struct {
		D struct {
			OrderID json.Number `json:"orderId"`
			ID      json.Number `json:"id"`
		} `json:"d"`
	}
	path := "/backend-api/trade/accounts/" + accountID + "/orders"
	status, err := t.doJSON(ctx, http.MethodPost, path, payload, SubmitTimeout, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return &OrderResult{
				Success:   false,
				Message:   fmt.Sprintf("order rejected: %s", upstreamMessage(apiErr)),
				ErrorCode: strconv.Itoa(apiErr.Status),
			}, nil
		}
		return nil, err
	}
	_ = status

	orderID := out.D.OrderID.String()
	if orderID == "" || orderID == "0" {
		orderID = out.D.ID.String()
	}
	return &OrderResult{
		Success: true,
		OrderID: orderID,
		Message: "order placed",
	}, nil
}

// CancelOrder deletes a pending order, retrying timeouts and treating 404
// as success (already cancelled or filled).
func (t *TradeLockerBroker) CancelOrder(ctx context.Context, orderID string) (*OrderResult, error) {
	if !t.Connected() {
		return nil, errors.New("not connected")
	}

	path := "/backend-api/trade/orders/" + orderID

	var lastErr error
	for attempt := 0; attempt <= cancelMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cancelRetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			t.logger.WithFields(logrus.Fields{
				"broker":  t.id,
				"order":   orderID,
				"attempt": attempt + 1,
			}).Warn("retrying order cancel after timeout")
		}

		status, err := t.doJSON(ctx, http.MethodDelete, path, nil, CancelTimeout, nil)
		if err == nil {
			return &OrderResult{Success: true, OrderID: orderID, Message: "order cancelled"}, nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.Status == http.StatusNotFound {
				return &OrderResult{
					Success: true,
					OrderID: orderID,
					Message: "order already cancelled or filled",
				}, nil
			}
			return &OrderResult{
				Success:   false,
				OrderID:   orderID,
				Message:   fmt.Sprintf("cancel failed: %d", apiErr.Status),
				ErrorCode: strconv.Itoa(apiErr.Status),
			}, nil
		}

		lastErr = err
		if !isTimeout(err) {
			return nil, err
		}
		_ = status
	}
	return nil, fmt.Errorf("cancel timed out after %d attempts: %w", cancelMaxRetries+1, lastErr)
}

// PendingOrders lists working standalone limit/stop orders, reporting
// canonical symbols and the broker-side creation time when available.
func (t *TradeLockerBroker) PendingOrders(ctx context.Context) ([]PendingOrder, error) {
	if !t.Connected() {
		return nil, errors.New("not connected")
	}
	t.mu.RLock()
	accountID := t.accountID
	fields := t.orderFields
	t.mu.RUnlock()

	var payload struct {
		D struct {
			Orders [][]any `json:"orders"`
		} `json:"d"`
	}
	path := "/backend-api/trade/accounts/" + accountID + "/orders"
	if err := t.getJSON(ctx, path, StateReadTimeout, &payload); err != nil {
		return nil, err
	}

	var out []PendingOrder
	for _, row := range payload.D.Orders {
		rec := parseOrderRow(row, fields)

		orderType, _ := rec["orderType"].(string)
		status, _ := rec["status"].(string)
		if (orderType != "limit" && orderType != "stop") || status != "New" || rec["positionId"] != nil {
			continue
		}

		side := SideSell
		if s, _ := rec["side"].(string); s == "buy" {
			side = SideBuy
		}
		typ := TypeStop
		if orderType == "limit" {
			typ = TypeLimit
		}

		entry := numberValue(rec["limitPrice"])
		if entry == 0 {
			entry = numberValue(rec["stopPrice"])
		}

		var created time.Time
		if ms := int64(numberValue(rec["createTime"])); ms > 0 {
			created = time.UnixMilli(ms).UTC()
		}

		instID := numberString(rec["tradableInstrumentId"])
		out = append(out, PendingOrder{
			ID:         numberString(rec["id"]),
			Symbol:     t.canonicalSymbol(instID),
			Side:       side,
			Type:       typ,
			Volume:     numberValue(rec["qty"]),
			EntryPrice: entry,
			StopLoss:   numberValue(rec["slPrice"]),
			TakeProfit: numberValue(rec["tpPrice"]),
			CreatedAt:  created,
			BrokerID:   t.id,
		})
	}
	return out, nil
}

// Positions lists open positions.
func (t *TradeLockerBroker) Positions(ctx context.Context) ([]Position, error) {
	if !t.Connected() {
		return nil, errors.New("not connected")
	}
	t.mu.RLock()
	accountID := t.accountID
	fields := t.positionFields
	t.mu.RUnlock()

	var payload struct {
		D struct {
			Positions [][]any `json:"positions"`
		} `json:"d"`
	}
	path := "/backend-api/trade/accounts/" + accountID + "/positions"
	if err := t.getJSON(ctx, path, StateReadTimeout, &payload); err != nil {
		return nil, err
	}

	var out []Position
	for _, row := range payload.D.Positions {
		rec := parsePositionRow(row, fields)

		side := SideSell
		if s, _ := rec["side"].(string); s == "buy" {
			side = SideBuy
		}
		instID := numberString(rec["tradableInstrumentId"])
		out = append(out, Position{
			ID:            numberString(rec["id"]),
			Symbol:        t.canonicalSymbol(instID),
			Side:          side,
			Volume:        numberValue(rec["qty"]),
			EntryPrice:    numberValue(rec["avgPrice"]),
			UnrealizedPnL: numberValue(rec["unrealizedPnl"]),
		})
	}
	return out, nil
}

// parseOrderRow maps an array-shaped order row to named fields, using the
// server field schema when present and the documented positions otherwise.
func parseOrderRow(row []any, fields []string) map[string]any {
	if len(fields) > 0 {
		return zipRow(row, fields)
	}
	return map[string]any{
		"id":                   at(row, 0),
		"tradableInstrumentId": at(row, 1),
		"routeId":              at(row, 2),
		"qty":                  at(row, 3),
		"side":                 at(row, 4),
		"orderType":            at(row, 5),
		"status":               at(row, 6),
		"limitPrice":           at(row, 9),
		"stopPrice":            at(row, 10),
		"timeInForce":          at(row, 11),
		"createTime":           at(row, 13),
		"updateTime":           at(row, 14),
		"isStandalone":         at(row, 15),
		"positionId":           at(row, 16),
		"slPrice":              at(row, 17),
		"tpPrice":              at(row, 19),
	}
}

func parsePositionRow(row []any, fields []string) map[string]any {
	if len(fields) > 0 {
		return zipRow(row, fields)
	}
	return map[string]any{
		"id":                   at(row, 0),
		"tradableInstrumentId": at(row, 1),
		"side":                 at(row, 3),
		"qty":                  at(row, 4),
		"avgPrice":             at(row, 5),
		"unrealizedPnl":        at(row, 7),
	}
}

func zipRow(row []any, fields []string) map[string]any {
	rec := make(map[string]any, len(fields))
	for i, name := range fields {
		if i < len(row) {
			rec[name] = row[i]
		}
	}
	return rec
}

func at(row []any, i int) any {
	if i < len(row) {
		return row[i]
	}
	return nil
}

func numberValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}

func numberString(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return strconv.FormatInt(int64(n), 10)
	case json.Number:
		return n.String()
	}
	return ""
}

// jsonNumberFromString keeps integer instrument ids numeric on the wire.
func jsonNumberFromString(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

func upstreamMessage(apiErr *APIError) string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(apiErr.Body), &body) == nil && body.Message != "" {
		return fmt.Sprintf("%d %s", apiErr.Status, body.Message)
	}
	return apiErr.Error()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// getJSON performs an authenticated GET and decodes the 2xx body into out.
func (t *TradeLockerBroker) getJSON(ctx context.Context, path string, timeout time.Duration, out any) error {
	_, err := t.doJSON(ctx, http.MethodGet, path, nil, timeout, out)
	return err
}

// doJSON performs an authenticated request. Non-2xx responses surface as
// *APIError; transport faults as the underlying error.
func (t *TradeLockerBroker) doJSON(ctx context.Context, method, path string, payload any, timeout time.Duration, out any) (int, error) {
	t.mu.RLock()
	baseURL := t.baseURL
	token := t.accessToken
	accNum := t.accNum
	t.mu.RUnlock()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("accept", "application/json")
	if accNum != 0 {
		req.Header.Set("accNum", strconv.FormatInt(accNum, 10))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
