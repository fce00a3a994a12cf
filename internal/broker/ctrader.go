package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// cTrader Open API payload types (JSON-over-websocket transport).
const (
	ptHeartbeatEvent      uint16 = 51
	ptApplicationAuthReq  uint16 = 2100
	ptApplicationAuthRes  uint16 = 2101
	ptAccountAuthReq      uint16 = 2102
	ptAccountAuthRes      uint16 = 2103
	ptNewOrderReq         uint16 = 2106
	ptCancelOrderReq      uint16 = 2108
	ptSymbolsListReq      uint16 = 2114
	ptSymbolsListRes      uint16 = 2115
	ptTraderReq           uint16 = 2121
	ptTraderRes           uint16 = 2122
	ptReconcileReq        uint16 = 2124
	ptReconcileRes        uint16 = 2125
	ptExecutionEvent      uint16 = 2126
	ptErrorRes            uint16 = 2142
	ptAccountsByTokenReq  uint16 = 2149
	ptAccountsByTokenRes  uint16 = 2150
	ptRefreshTokenReq     uint16 = 2173
	ptRefreshTokenRes     uint16 = 2174
)

// Time-in-force values for order submission.
const (
	tifGoodTillDate   = 1
	tifGoodTillCancel = 2
)

// Order type and side enums on the cTrader wire.
const (
	ctOrderMarket = 1
	ctOrderLimit  = 2
	ctOrderStop   = 3

	ctSideBuy  = 1
	ctSideSell = 2
)

const (
	ctraderLiveEndpoint = "wss://live.ctraderapi.com:5036"
	ctraderDemoEndpoint = "wss://demo.ctraderapi.com:5036"

	heartbeatInterval = 10 * time.Second
	frameHeaderSize   = 8
)

// Error codes that mean the access token is no longer valid and a refresh
// should be attempted.
var tokenExpiredCodes = map[string]bool{
	"CH_ACCESS_TOKEN_INVALID": true,
	"ACCESS_TOKEN_EXPIRED":    true,
	"INVALID_TOKEN":           true,
}

// TokenRotator persists a rotated access/refresh token pair. The refresh
// grant is single-use upstream, so persistence failures matter.
type TokenRotator interface {
	UpdateBrokerTokens(brokerID, accessToken, refreshToken string) error
}

// CTraderConfig carries the OAuth credentials and mapping for one account.
type CTraderConfig struct {
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	// AccountID pins the trading account; 0 discovers it from the token.
	AccountID   int64
	Demo        bool
	AutoRefresh bool
	// Endpoint overrides the websocket URL (tests).
	Endpoint    string
	Instruments map[string]string
}

// ctFrame is one message on the wire: an 8-byte header (payload type,
// flags, request id, all big-endian) followed by a JSON body. Responses
// echo the request id of the call they answer, which is the only
// correlation key; payload types never are.
type ctFrame struct {
	payloadType uint16
	flags       uint16
	requestID   uint32
	body        []byte
}

func encodeFrame(f ctFrame) []byte {
	buf := make([]byte, frameHeaderSize+len(f.body))
	binary.BigEndian.PutUint16(buf[0:2], f.payloadType)
	binary.BigEndian.PutUint16(buf[2:4], f.flags)
	binary.BigEndian.PutUint32(buf[4:8], f.requestID)
	copy(buf[frameHeaderSize:], f.body)
	return buf
}

func decodeFrame(data []byte) (ctFrame, error) {
	if len(data) < frameHeaderSize {
		return ctFrame{}, fmt.Errorf("short frame: %d bytes", len(data))
	}
	return ctFrame{
		payloadType: binary.BigEndian.Uint16(data[0:2]),
		flags:       binary.BigEndian.Uint16(data[2:4]),
		requestID:   binary.BigEndian.Uint32(data[4:8]),
		body:        data[frameHeaderSize:],
	}, nil
}

// ctError is the broker-side error payload.
type ctError struct {
	ErrorCode   string `json:"errorCode"`
	Description string `json:"description"`
}

func (e *ctError) Error() string {
	return fmt.Sprintf("ctrader error %s: %s", e.ErrorCode, e.Description)
}

// CTraderBroker is the persistent binary-RPC adapter. One websocket
// session serves all calls; a reader goroutine routes response frames to
// in-flight calls by the echoed request id.
type CTraderBroker struct {
	id      string
	cfg     CTraderConfig
	logger  *logrus.Logger
	rotator TokenRotator
	sym     symbolMap

	dialer *websocket.Dialer

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	accountID int64
	access    string
	refresh   string

	// symbolID by canonical broker name, and the reverse, from the
	// symbols list loaded at connect. symDigits holds the price precision
	// per symbol id; orders carry prices rounded to it.
	symByName map[string]int64
	symByID   map[int64]string
	symDigits map[int64]int

	writeMu sync.Mutex
	nextReq atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan ctFrame

	done chan struct{}

	// closing distinguishes an operator Disconnect from a dropped session;
	// only the latter triggers the reconnect loop. reconnectBase seeds the
	// backoff and is shortened in tests.
	closing       atomic.Bool
	reconnecting  atomic.Bool
	reconnectBase time.Duration
}

// Ensure CTraderBroker implements Broker at compile time.
var _ Broker = (*CTraderBroker)(nil)

// NewCTraderBroker creates the adapter for one account. rotator may be nil
// when token persistence is not wanted (tests).
func NewCTraderBroker(id string, cfg CTraderConfig, rotator TokenRotator, logger *logrus.Logger) *CTraderBroker {
	if logger == nil {
		logger = logrus.New()
	}
	return &CTraderBroker{
		id:            id,
		cfg:           cfg,
		logger:        logger,
		rotator:       rotator,
		sym:           newSymbolMap(cfg.Instruments),
		dialer:        websocket.DefaultDialer,
		access:        cfg.AccessToken,
		refresh:       cfg.RefreshToken,
		symByName:     make(map[string]int64),
		symByID:       make(map[int64]string),
		symDigits:     make(map[int64]int),
		reconnectBase: 2 * time.Second,
	}
}

// ID returns the configured broker id.
func (c *CTraderBroker) ID() string { return c.id }

// Name returns the display name.
func (c *CTraderBroker) Name() string { return "cTrader" }

// Connected reports whether the session is authenticated and live.
func (c *CTraderBroker) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *CTraderBroker) endpoint() string {
	if c.cfg.Endpoint != "" {
		return c.cfg.Endpoint
	}
	if c.cfg.Demo {
		return ctraderDemoEndpoint
	}
	return ctraderLiveEndpoint
}

// Connect dials the websocket, runs the two-phase auth (application, then
// account), resolves the trading account and loads the symbol catalog.
// An expired access token is refreshed once and the rotated pair persisted
// before the account auth is retried.
func (c *CTraderBroker) Connect(ctx context.Context) error {
	c.closing.Store(false)

	conn, _, err := c.dialer.DialContext(ctx, c.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.endpoint(), err)
	}

	c.mu.Lock()
	c.conn = conn
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.pendingMu.Lock()
	c.pending = make(map[uint32]chan ctFrame)
	c.pendingMu.Unlock()

	go c.readLoop()
	go c.heartbeatLoop()

	if err := c.authenticate(ctx); err != nil {
		c.teardown()
		return err
	}
	if err := c.loadSymbols(ctx); err != nil {
		c.teardown()
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"broker":  c.id,
		"account": c.accountID,
		"demo":    c.cfg.Demo,
	}).Info("ctrader session established")
	return nil
}

func (c *CTraderBroker) authenticate(ctx context.Context) error {
	_, err := c.call(ctx, ptApplicationAuthReq, map[string]any{
		"clientId":     c.cfg.ClientID,
		"clientSecret": c.cfg.ClientSecret,
	}, StateReadTimeout)
	if err != nil {
		return fmt.Errorf("application auth: %w", err)
	}

	accountID := c.cfg.AccountID
	if accountID == 0 {
		discovered, derr := c.discoverAccount(ctx)
		if derr != nil {
			return derr
		}
		accountID = discovered
	}

	err = c.accountAuth(ctx, accountID)
	if err != nil && c.cfg.AutoRefresh && isTokenExpired(err) {
		c.logger.WithField("broker", c.id).Warn("access token expired, refreshing")
		if rerr := c.refreshTokens(ctx); rerr != nil {
			return fmt.Errorf("refreshing tokens: %w", rerr)
		}
		err = c.accountAuth(ctx, accountID)
	}
	if err != nil {
		return fmt.Errorf("account auth: %w", err)
	}

	c.mu.Lock()
	c.accountID = accountID
	c.mu.Unlock()
	return nil
}

func (c *CTraderBroker) accountAuth(ctx context.Context, accountID int64) error {
	c.mu.RLock()
	access := c.access
	c.mu.RUnlock()

	_, err := c.call(ctx, ptAccountAuthReq, map[string]any{
		"ctidTraderAccountId": accountID,
		"accessToken":         access,
	}, StateReadTimeout)
	return err
}

func isTokenExpired(err error) bool {
	var ce *ctError
	return errors.As(err, &ce) && tokenExpiredCodes[ce.ErrorCode]
}

// discoverAccount lists the trading accounts the access token grants and
// picks the first one matching the live/demo flag, else the first overall.
func (c *CTraderBroker) discoverAccount(ctx context.Context) (int64, error) {
	c.mu.RLock()
	access := c.access
	c.mu.RUnlock()

	frame, err := c.call(ctx, ptAccountsByTokenReq, map[string]any{
		"accessToken": access,
	}, StateReadTimeout)
	if err != nil {
		return 0, fmt.Errorf("listing accounts: %w", err)
	}

	var payload struct {
		CtidTraderAccount []struct {
			CtidTraderAccountID int64 `json:"ctidTraderAccountId"`
			IsLive              bool  `json:"isLive"`
		} `json:"ctidTraderAccount"`
	}
	if err := json.Unmarshal(frame.body, &payload); err != nil {
		return 0, fmt.Errorf("decoding account list: %w", err)
	}
	if len(payload.CtidTraderAccount) == 0 {
		return 0, errors.New("access token grants no trading accounts")
	}
	for _, acc := range payload.CtidTraderAccount {
		if acc.IsLive != c.cfg.Demo {
			return acc.CtidTraderAccountID, nil
		}
	}
	return payload.CtidTraderAccount[0].CtidTraderAccountID, nil
}

// refreshTokens exchanges the single-use refresh token for a new pair and
// persists it. The new pair is adopted in memory even if persistence
// fails, because the old pair is already void upstream; the failure is
// surfaced loudly so the operator can fix the config file by hand.
func (c *CTraderBroker) refreshTokens(ctx context.Context) error {
	c.mu.RLock()
	refresh := c.refresh
	c.mu.RUnlock()

	if refresh == "" {
		return errors.New("no refresh token configured")
	}

	frame, err := c.call(ctx, ptRefreshTokenReq, map[string]any{
		"refreshToken": refresh,
	}, StateReadTimeout)
	if err != nil {
		return err
	}

	var payload struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(frame.body, &payload); err != nil {
		return fmt.Errorf("decoding refresh response: %w", err)
	}
	if payload.AccessToken == "" {
		return errors.New("refresh response carried no access token")
	}

	c.mu.Lock()
	c.access = payload.AccessToken
	c.refresh = payload.RefreshToken
	c.mu.Unlock()

	if c.rotator != nil {
		if err := c.rotator.UpdateBrokerTokens(c.id, payload.AccessToken, payload.RefreshToken); err != nil {
			c.logger.WithError(err).WithField("broker", c.id).
				Error("rotated tokens could not be persisted; update the config file manually")
		}
	}
	return nil
}

func (c *CTraderBroker) loadSymbols(ctx context.Context) error {
	c.mu.RLock()
	accountID := c.accountID
	c.mu.RUnlock()

	frame, err := c.call(ctx, ptSymbolsListReq, map[string]any{
		"ctidTraderAccountId": accountID,
	}, SubmitTimeout)
	if err != nil {
		return fmt.Errorf("loading symbols: %w", err)
	}

	var payload struct {
		Symbol []struct {
			SymbolID   int64  `json:"symbolId"`
			SymbolName string `json:"symbolName"`
			Digits     int    `json:"digits"`
			Enabled    *bool  `json:"enabled"`
		} `json:"symbol"`
	}
	if err := json.Unmarshal(frame.body, &payload); err != nil {
		return fmt.Errorf("decoding symbols list: %w", err)
	}

	byName := make(map[string]int64, len(payload.Symbol))
	byID := make(map[int64]string, len(payload.Symbol))
	digits := make(map[int64]int, len(payload.Symbol))
	for _, s := range payload.Symbol {
		if s.Enabled != nil && !*s.Enabled {
			continue
		}
		byName[s.SymbolName] = s.SymbolID
		byID[s.SymbolID] = s.SymbolName
		if s.Digits > 0 {
			digits[s.SymbolID] = s.Digits
		}
	}

	c.mu.Lock()
	c.symByName = byName
	c.symByID = byID
	c.symDigits = digits
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"broker": c.id, "count": len(byName)}).
		Debug("ctrader symbols loaded")
	return nil
}

// Disconnect tears the session down for good: no reconnect follows.
// Safe to call twice.
func (c *CTraderBroker) Disconnect(_ context.Context) error {
	c.closing.Store(true)
	return c.teardown()
}

// teardown closes the live connection and stops the session goroutines,
// leaving the closing flag alone so a dropped session can redial.
func (c *CTraderBroker) teardown() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	done := c.done
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// readLoop routes inbound frames to in-flight calls by request id.
// Unsolicited frames (heartbeats, spontaneous execution events) are
// handled inline. A read failure on a session the operator did not close
// tears the connection down and starts the reconnect loop.
func (c *CTraderBroker) readLoop() {
	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()

	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				c.logger.WithError(err).WithField("broker", c.id).Warn("ctrader session read failed")
				c.teardown()
				if !c.closing.Load() && c.reconnecting.CompareAndSwap(false, true) {
					go c.reconnectLoop()
				}
			}
			c.failPending(err)
			return
		}

		frame, err := decodeFrame(data)
		if err != nil {
			c.logger.WithError(err).WithField("broker", c.id).Warn("dropping malformed frame")
			continue
		}

		if frame.payloadType == ptHeartbeatEvent {
			c.writeFrame(ctFrame{payloadType: ptHeartbeatEvent})
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[frame.requestID]
		if ok {
			delete(c.pending, frame.requestID)
		}
		c.pendingMu.Unlock()

		if ok {
			ch <- frame
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"broker":       c.id,
			"payload_type": frame.payloadType,
			"request_id":   frame.requestID,
		}).Debug("unsolicited frame")
	}
}

func (c *CTraderBroker) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	_ = err
}

// reconnectLoop redials until the session is back or Disconnect is
// called. Connect re-runs the full auth and symbol load, so a successful
// redial restores a fully usable session. Backoff doubles from
// reconnectBase up to one minute.
func (c *CTraderBroker) reconnectLoop() {
	defer c.reconnecting.Store(false)

	delay := c.reconnectBase
	for !c.closing.Load() {
		time.Sleep(delay)
		if c.closing.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), SubmitTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.logger.WithField("broker", c.id).Info("ctrader session re-established")
			return
		}
		c.logger.WithError(err).WithField("broker", c.id).Warn("ctrader reconnect failed")

		delay *= 2
		if delay > time.Minute {
			delay = time.Minute
		}
	}
}

func (c *CTraderBroker) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeFrame(ctFrame{payloadType: ptHeartbeatEvent})
		}
	}
}

func (c *CTraderBroker) writeFrame(f ctFrame) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(f)); err != nil {
		c.logger.WithError(err).WithField("broker", c.id).Warn("ctrader write failed")
	}
}

// call sends one request frame and waits for the frame echoing its request
// id. An error payload resolves to *ctError.
func (c *CTraderBroker) call(ctx context.Context, payloadType uint16, payload any, timeout time.Duration) (ctFrame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return ctFrame{}, fmt.Errorf("marshaling request: %w", err)
	}

	reqID := c.nextReq.Add(1)
	ch := make(chan ctFrame, 1)

	c.pendingMu.Lock()
	c.pending[reqID] = ch
	c.pendingMu.Unlock()

	c.writeFrame(ctFrame{payloadType: payloadType, requestID: reqID, body: body})

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case frame, ok := <-ch:
		if !ok {
			return ctFrame{}, errors.New("session closed while awaiting response")
		}
		if frame.payloadType == ptErrorRes {
			var ce ctError
			if err := json.Unmarshal(frame.body, &ce); err != nil {
				return ctFrame{}, fmt.Errorf("error frame with undecodable body: %w", err)
			}
			return ctFrame{}, &ce
		}
		return frame, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return ctFrame{}, fmt.Errorf("request %d (type %d): %w", reqID, payloadType, ctx.Err())
	}
}

// symbolID resolves a canonical symbol through the per-account mapping and
// the live catalog.
func (c *CTraderBroker) symbolID(symbol string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := symbol
	if handle, ok := c.sym.Map(symbol); ok {
		name = handle
	}
	if id, ok := c.symByName[name]; ok {
		return id, true
	}
	// Allow a numeric handle straight from the mapping.
	if id, err := strconv.ParseInt(name, 10, 64); err == nil {
		return id, true
	}
	return 0, false
}

func (c *CTraderBroker) canonicalSymbol(symbolID int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.symByID[symbolID]
	if !ok {
		return "ID:" + strconv.FormatInt(symbolID, 10)
	}
	return c.sym.Reverse(name)
}

// centilots converts lots to the cTrader volume unit (hundredths of a lot).
func centilots(lots float64) int64 {
	return int64(math.Round(lots * 100))
}

// roundPrice snaps a price to the symbol's reported precision. Unknown
// precision (0) leaves the price untouched.
func roundPrice(price float64, digits int) float64 {
	if digits <= 0 || price == 0 {
		return price
	}
	p := math.Pow10(digits)
	return math.Round(price*p) / p
}

// AccountInfo fetches the trader record. Monetary fields arrive in cents.
func (c *CTraderBroker) AccountInfo(ctx context.Context) (*AccountState, error) {
	if !c.Connected() {
		return nil, errors.New("not connected")
	}
	c.mu.RLock()
	accountID := c.accountID
	c.mu.RUnlock()

	frame, err := c.call(ctx, ptTraderReq, map[string]any{
		"ctidTraderAccountId": accountID,
	}, StateReadTimeout)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Trader struct {
			Balance         int64  `json:"balance"`
			Equity          int64  `json:"equity"`
			FreeMargin      int64  `json:"freeMargin"`
			UsedMargin      int64  `json:"usedMargin"`
			Currency        string `json:"depositAssetCurrency"`
			LeverageInCents int64  `json:"leverageInCents"`
		} `json:"trader"`
	}
	if err := json.Unmarshal(frame.body, &payload); err != nil {
		return nil, fmt.Errorf("decoding trader record: %w", err)
	}

	currency := payload.Trader.Currency
	if currency == "" {
		currency = "USD"
	}
	equity := float64(payload.Trader.Equity) / 100
	if payload.Trader.Equity == 0 {
		equity = float64(payload.Trader.Balance) / 100
	}
	return &AccountState{
		AccountID:  strconv.FormatInt(accountID, 10),
		BrokerName: c.Name(),
		Balance:    float64(payload.Trader.Balance) / 100,
		Equity:     equity,
		UsedMargin: float64(payload.Trader.UsedMargin) / 100,
		FreeMargin: float64(payload.Trader.FreeMargin) / 100,
		Currency:   currency,
		Leverage:   int(payload.Trader.LeverageInCents / 100),
		Demo:       c.cfg.Demo,
	}, nil
}

// Symbols lists the cached catalog.
func (c *CTraderBroker) Symbols(_ context.Context) ([]SymbolInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SymbolInfo, 0, len(c.symByName))
	for name, id := range c.symByName {
		out = append(out, SymbolInfo{
			Symbol:   name,
			Handle:   strconv.FormatInt(id, 10),
			Digits:   c.symDigits[id],
			Tradable: true,
		})
	}
	return out, nil
}

// PlaceOrder submits an order. A positive ExpiryUnixMs becomes a native
// good-till-date order, so the broker retracts it even if this process is
// down at the deadline.
func (c *CTraderBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if !c.Connected() {
		return nil, errors.New("not connected")
	}

	symID, ok := c.symbolID(req.Symbol)
	if !ok {
		return &OrderResult{
			Success: false,
			Message: fmt.Sprintf("symbol %s not available on %s", req.Symbol, c.Name()),
		}, nil
	}

	c.mu.RLock()
	accountID := c.accountID
	digits := c.symDigits[symID]
	c.mu.RUnlock()

	side := ctSideSell
	if req.Side == SideBuy {
		side = ctSideBuy
	}

	payload := map[string]any{
		"ctidTraderAccountId": accountID,
		"symbolId":            symID,
		"tradeSide":           side,
		"volume":              centilots(req.Volume),
	}
	switch req.Type {
	case TypeMarket:
		payload["orderType"] = ctOrderMarket
	case TypeLimit:
		payload["orderType"] = ctOrderLimit
		payload["limitPrice"] = roundPrice(req.EntryPrice, digits)
	case TypeStop:
		payload["orderType"] = ctOrderStop
		payload["stopPrice"] = roundPrice(req.EntryPrice, digits)
	}
	if req.StopLoss != 0 {
		payload["stopLoss"] = roundPrice(req.StopLoss, digits)
	}
	if req.TakeProfit != 0 {
		payload["takeProfit"] = roundPrice(req.TakeProfit, digits)
	}
	if req.ExpiryUnixMs > 0 && req.Type != TypeMarket {
		payload["timeInForce"] = tifGoodTillDate
		payload["expirationTimestamp"] = req.ExpiryUnixMs
	} else if req.Type != TypeMarket {
		payload["timeInForce"] = tifGoodTillCancel
	}
	if req.Label != "" {
		payload["label"] = req.Label
	}
	if req.Comment != "" {
		payload["comment"] = req.Comment
	}

	c.logger.WithFields(logrus.Fields{
		"broker": c.id,
		"symbol": req.Symbol,
		"side":   req.Side,
		"type":   req.Type,
		"lots":   req.Volume,
		"entry":  req.EntryPrice,
	}).Info("placing order")

	frame, err := c.call(ctx, ptNewOrderReq, payload, SubmitTimeout)
	if err != nil {
		var ce *ctError
		if errors.As(err, &ce) {
			return &OrderResult{
				Success:   false,
				Message:   ce.Description,
				ErrorCode: ce.ErrorCode,
			}, nil
		}
		return nil, err
	}

	var exec struct {
		ExecutionType string `json:"executionType"`
		Order         struct {
			OrderID int64 `json:"orderId"`
		} `json:"order"`
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(frame.body, &exec); err != nil {
		return nil, fmt.Errorf("decoding execution event: %w", err)
	}
	if exec.ErrorCode != "" {
		return &OrderResult{
			Success:   false,
			Message:   "order rejected",
			ErrorCode: exec.ErrorCode,
		}, nil
	}
	return &OrderResult{
		Success: true,
		OrderID: strconv.FormatInt(exec.Order.OrderID, 10),
		Message: "order placed",
	}, nil
}

// CancelOrder retracts a pending order by id.
func (c *CTraderBroker) CancelOrder(ctx context.Context, orderID string) (*OrderResult, error) {
	if !c.Connected() {
		return nil, errors.New("not connected")
	}

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	c.mu.RLock()
	accountID := c.accountID
	c.mu.RUnlock()

	_, err = c.call(ctx, ptCancelOrderReq, map[string]any{
		"ctidTraderAccountId": accountID,
		"orderId":             id,
	}, CancelTimeout)
	if err != nil {
		var ce *ctError
		if errors.As(err, &ce) {
			// An unknown order id means it is already gone.
			if ce.ErrorCode == "ORDER_NOT_FOUND" {
				return &OrderResult{Success: true, OrderID: orderID, Message: "order already cancelled or filled"}, nil
			}
			return &OrderResult{
				Success:   false,
				OrderID:   orderID,
				Message:   ce.Description,
				ErrorCode: ce.ErrorCode,
			}, nil
		}
		return nil, err
	}
	return &OrderResult{Success: true, OrderID: orderID, Message: "order cancelled"}, nil
}

// reconcile fetches the broker-side snapshot of open positions and
// working orders in one round trip.
func (c *CTraderBroker) reconcile(ctx context.Context) (*ctReconcile, error) {
	c.mu.RLock()
	accountID := c.accountID
	c.mu.RUnlock()

	frame, err := c.call(ctx, ptReconcileReq, map[string]any{
		"ctidTraderAccountId": accountID,
	}, StateReadTimeout)
	if err != nil {
		return nil, err
	}

	var payload ctReconcile
	if err := json.Unmarshal(frame.body, &payload); err != nil {
		return nil, fmt.Errorf("decoding reconcile: %w", err)
	}
	return &payload, nil
}

type ctTradeData struct {
	SymbolID      int64 `json:"symbolId"`
	TradeSide     int   `json:"tradeSide"`
	Volume        int64 `json:"volume"` // centilots
	OpenTimestamp int64 `json:"openTimestamp"`
}

type ctReconcile struct {
	Position []struct {
		PositionID int64       `json:"positionId"`
		TradeData  ctTradeData `json:"tradeData"`
		Price      float64     `json:"price"`
		Swap       int64       `json:"swap"`
	} `json:"position"`
	Order []struct {
		OrderID             int64       `json:"orderId"`
		OrderType           int         `json:"orderType"`
		TradeData           ctTradeData `json:"tradeData"`
		LimitPrice          float64     `json:"limitPrice"`
		StopPrice           float64     `json:"stopPrice"`
		StopLoss            float64     `json:"stopLoss"`
		TakeProfit          float64     `json:"takeProfit"`
		ExpirationTimestamp int64       `json:"expirationTimestamp"`
		Label               string      `json:"label"`
	} `json:"order"`
}

// PendingOrders lists working limit/stop orders from the reconcile snapshot.
func (c *CTraderBroker) PendingOrders(ctx context.Context) ([]PendingOrder, error) {
	if !c.Connected() {
		return nil, errors.New("not connected")
	}
	rec, err := c.reconcile(ctx)
	if err != nil {
		return nil, err
	}

	var out []PendingOrder
	for _, o := range rec.Order {
		var typ OrderType
		switch o.OrderType {
		case ctOrderLimit:
			typ = TypeLimit
		case ctOrderStop:
			typ = TypeStop
		default:
			continue
		}
		side := SideSell
		if o.TradeData.TradeSide == ctSideBuy {
			side = SideBuy
		}
		entry := o.LimitPrice
		if typ == TypeStop {
			entry = o.StopPrice
		}
		var created, expires time.Time
		if o.TradeData.OpenTimestamp > 0 {
			created = time.UnixMilli(o.TradeData.OpenTimestamp).UTC()
		}
		if o.ExpirationTimestamp > 0 {
			expires = time.UnixMilli(o.ExpirationTimestamp).UTC()
		}
		out = append(out, PendingOrder{
			ID:         strconv.FormatInt(o.OrderID, 10),
			Symbol:     c.canonicalSymbol(o.TradeData.SymbolID),
			Side:       side,
			Type:       typ,
			Volume:     float64(o.TradeData.Volume) / 100,
			EntryPrice: entry,
			StopLoss:   o.StopLoss,
			TakeProfit: o.TakeProfit,
			CreatedAt:  created,
			ExpiresAt:  expires,
			Label:      o.Label,
			BrokerID:   c.id,
		})
	}
	return out, nil
}

// Positions lists open positions from the reconcile snapshot.
func (c *CTraderBroker) Positions(ctx context.Context) ([]Position, error) {
	if !c.Connected() {
		return nil, errors.New("not connected")
	}
	rec, err := c.reconcile(ctx)
	if err != nil {
		return nil, err
	}

	var out []Position
	for _, p := range rec.Position {
		side := SideSell
		if p.TradeData.TradeSide == ctSideBuy {
			side = SideBuy
		}
		out = append(out, Position{
			ID:         strconv.FormatInt(p.PositionID, 10),
			Symbol:     c.canonicalSymbol(p.TradeData.SymbolID),
			Side:       side,
			Volume:     float64(p.TradeData.Volume) / 100,
			EntryPrice: p.Price,
		})
	}
	return out, nil
}
