package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/web3guy0/sage/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HYPERLIQUID ADAPTER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Read paths go through the public info API; orders are EIP-712 signed
// actions on the exchange endpoint. Fills stream over WebSocket with
// automatic reconnect; the REST backfill covers anything missed.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	defaultAPIURL = "https://api.hyperliquid.xyz"
	defaultWSURL  = "wss://api.hyperliquid.xyz/ws"

	httpTimeout          = 10 * time.Second
	metaCacheTTL         = time.Hour
	fundingIntervalHours = 8

	wsReconnectDelay = 5 * time.Second
	wsPingInterval   = 30 * time.Second
	streamBuffer     = 256
)

// Options configure the adapter. Empty URLs take the production endpoints.
type Options struct {
	APIURL     string
	WSURL      string
	PrivateKey string // hex; empty = read-only client
	Vault      string
	DryRun     bool
}

// Hyperliquid implements Client against the public info/exchange API.
type Hyperliquid struct {
	apiURL  string
	wsURL   string
	http    *http.Client
	limiter *rate.Limiter
	signer  *ActionSigner
	dryRun  bool

	mu      sync.RWMutex
	assetIx map[string]int // coin -> perp asset index for order actions
	metaAt  time.Time
}

var _ Client = (*Hyperliquid)(nil)

func NewHyperliquid(opts Options) (*Hyperliquid, error) {
	h := &Hyperliquid{
		apiURL:  opts.APIURL,
		wsURL:   opts.WSURL,
		http:    &http.Client{Timeout: httpTimeout},
		limiter: newLimiter("hyperliquid"),
		dryRun:  opts.DryRun,
		assetIx: make(map[string]int),
	}
	if h.apiURL == "" {
		h.apiURL = defaultAPIURL
	}
	if h.wsURL == "" {
		h.wsURL = defaultWSURL
	}

	address := ""
	if opts.PrivateKey != "" {
		signer, err := NewActionSigner(opts.PrivateKey, opts.Vault)
		if err != nil {
			return nil, err
		}
		h.signer = signer
		address = signer.Address().Hex()
	}

	mode := "DRY RUN"
	if !opts.DryRun {
		mode = "LIVE"
	}
	log.Info().
		Str("mode", mode).
		Str("address", address).
		Msg("🚀 Hyperliquid client initialized")

	return h, nil
}

func (h *Hyperliquid) Name() string { return "hyperliquid" }

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// do posts one JSON request. 5xx and transport failures are retryable;
// anything else is permanent.
func (h *Hyperliquid) do(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return permanentError{err}
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return permanentError{err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.apiURL+path, bytes.NewReader(payload))
	if err != nil {
		return permanentError{err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))
	}
	if resp.StatusCode >= 400 {
		return permanentError{fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return permanentError{fmt.Errorf("parse response: %w", err)}
	}
	return nil
}

// info queries the read API with retries. Orders never go through here:
// a replayed order is not idempotent.
func (h *Hyperliquid) info(ctx context.Context, body, out any) error {
	return withRetry(ctx, "hyperliquid info", func() error {
		return h.do(ctx, "/info", body, out)
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// READ API
// ═══════════════════════════════════════════════════════════════════════════════

type hlMeta struct {
	Universe []struct {
		Name string `json:"name"`
	} `json:"universe"`
}

type hlAssetCtx struct {
	Funding string `json:"funding"`
	MarkPx  string `json:"markPx"`
}

type hlClearinghouse struct {
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalNtlPos     string `json:"totalNtlPos"`
		TotalMarginUsed string `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	CrossMaintenanceMarginUsed string `json:"crossMaintenanceMarginUsed"`
}

func (h *Hyperliquid) GetMarkPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	asset = strings.ToUpper(asset)

	var mids map[string]string
	if err := h.info(ctx, map[string]any{"type": "allMids"}, &mids); err != nil {
		return decimal.Zero, err
	}

	raw, ok := mids[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("hyperliquid: no mid for %s", asset)
	}
	px, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse mid %q: %w", raw, err)
	}
	return px, nil
}

// GetFunding returns the current rate in bps per 8h funding interval.
func (h *Hyperliquid) GetFunding(ctx context.Context, asset string) (float64, *time.Time, error) {
	asset = strings.ToUpper(asset)

	var parts []json.RawMessage
	if err := h.info(ctx, map[string]any{"type": "metaAndAssetCtxs"}, &parts); err != nil {
		return 0, nil, err
	}
	if len(parts) != 2 {
		return 0, nil, fmt.Errorf("hyperliquid: malformed metaAndAssetCtxs response")
	}

	var meta hlMeta
	if err := json.Unmarshal(parts[0], &meta); err != nil {
		return 0, nil, fmt.Errorf("parse meta: %w", err)
	}
	var ctxs []hlAssetCtx
	if err := json.Unmarshal(parts[1], &ctxs); err != nil {
		return 0, nil, fmt.Errorf("parse asset contexts: %w", err)
	}

	h.cacheAssetIndex(meta)

	for i, u := range meta.Universe {
		if strings.ToUpper(u.Name) != asset || i >= len(ctxs) {
			continue
		}
		hourly, err := strconv.ParseFloat(ctxs[i].Funding, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("parse funding %q: %w", ctxs[i].Funding, err)
		}
		// The venue quotes an hourly fraction.
		return hourly * 10000 * fundingIntervalHours, nil, nil
	}
	return 0, nil, fmt.Errorf("hyperliquid: no funding for %s", asset)
}

func (h *Hyperliquid) GetAccountState(ctx context.Context, address string) (AccountState, error) {
	var ch hlClearinghouse
	req := map[string]any{"type": "clearinghouseState", "user": strings.ToLower(address)}
	if err := h.info(ctx, req, &ch); err != nil {
		return AccountState{}, err
	}

	st := AccountState{UpdatedAt: time.Now().UTC()}
	var err error
	if st.AccountValue, err = parseDec("accountValue", ch.MarginSummary.AccountValue); err != nil {
		return AccountState{}, err
	}
	if st.MarginUsed, err = parseDec("totalMarginUsed", ch.MarginSummary.TotalMarginUsed); err != nil {
		return AccountState{}, err
	}
	if st.TotalNotional, err = parseDec("totalNtlPos", ch.MarginSummary.TotalNtlPos); err != nil {
		return AccountState{}, err
	}
	if st.MaintenanceMargin, err = parseDec("crossMaintenanceMarginUsed", ch.CrossMaintenanceMarginUsed); err != nil {
		return AccountState{}, err
	}
	return st, nil
}

func parseDec(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return d, nil
}

func (h *Hyperliquid) cacheAssetIndex(meta hlMeta) {
	if len(meta.Universe) == 0 {
		return
	}
	ix := make(map[string]int, len(meta.Universe))
	for i, u := range meta.Universe {
		ix[strings.ToUpper(u.Name)] = i
	}

	h.mu.Lock()
	h.assetIx = ix
	h.metaAt = time.Now()
	h.mu.Unlock()
}

func (h *Hyperliquid) assetIndex(ctx context.Context, asset string) (int, error) {
	asset = strings.ToUpper(asset)

	h.mu.RLock()
	ix, ok := h.assetIx[asset]
	fresh := time.Since(h.metaAt) < metaCacheTTL
	h.mu.RUnlock()
	if ok && fresh {
		return ix, nil
	}

	var meta hlMeta
	if err := h.info(ctx, map[string]any{"type": "meta"}, &meta); err != nil {
		if ok {
			return ix, nil // stale index over no index
		}
		return 0, err
	}
	h.cacheAssetIndex(meta)

	h.mu.RLock()
	defer h.mu.RUnlock()
	ix, ok = h.assetIx[asset]
	if !ok {
		return 0, fmt.Errorf("hyperliquid: unknown asset %s", asset)
	}
	return ix, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// FILLS
// ═══════════════════════════════════════════════════════════════════════════════

type hlFill struct {
	Coin          string `json:"coin"`
	Px            string `json:"px"`
	Sz            string `json:"sz"`
	Side          string `json:"side"` // "B" buy, "A" sell
	Time          int64  `json:"time"` // unix ms
	StartPosition string `json:"startPosition"`
	Dir           string `json:"dir"`
	ClosedPnl     string `json:"closedPnl"`
	Hash          string `json:"hash"`
	Tid           int64  `json:"tid"`
	Fee           string `json:"fee"`
}

func (f hlFill) toFill(address string) (types.Fill, error) {
	px, err := decimal.NewFromString(f.Px)
	if err != nil {
		return types.Fill{}, fmt.Errorf("parse px %q: %w", f.Px, err)
	}
	sz, err := decimal.NewFromString(f.Sz)
	if err != nil {
		return types.Fill{}, fmt.Errorf("parse sz %q: %w", f.Sz, err)
	}

	side := types.SideBuy
	if f.Side == "A" {
		side = types.SideSell
	}

	fill := types.Fill{
		Source:  "hyperliquid",
		Address: strings.ToLower(address),
		Asset:   strings.ToUpper(f.Coin),
		Side:    side,
		Size:    sz,
		Price:   px,
		TS:      time.UnixMilli(f.Time).UTC(),
	}
	if f.Tid != 0 {
		fill.FillID = strconv.FormatInt(f.Tid, 10)
	}
	if f.StartPosition != "" {
		if sp, err := decimal.NewFromString(f.StartPosition); err == nil {
			fill.StartPosition = sp
		}
	}
	if f.ClosedPnl != "" {
		if pnl, err := decimal.NewFromString(f.ClosedPnl); err == nil {
			fill.ClosedPnL = &pnl
		}
	}
	if f.Fee != "" {
		if fee, err := decimal.NewFromString(f.Fee); err == nil {
			fill.Fees = fee
		}
	}
	if f.Dir != "" || f.Hash != "" {
		fill.Meta = make(map[string]string, 2)
		if f.Dir != "" {
			fill.Meta["dir"] = f.Dir
		}
		if f.Hash != "" {
			fill.Meta["hash"] = f.Hash
		}
	}

	fill.EnsureID()
	return fill, fill.Validate()
}

// FetchFills backfills fills since the given time, oldest first.
func (h *Hyperliquid) FetchFills(ctx context.Context, address string, since time.Time) ([]types.Fill, error) {
	address = strings.ToLower(address)
	req := map[string]any{
		"type":      "userFillsByTime",
		"user":      address,
		"startTime": since.UnixMilli(),
	}

	var raw []hlFill
	if err := h.info(ctx, req, &raw); err != nil {
		return nil, err
	}

	fills := make([]types.Fill, 0, len(raw))
	for _, rf := range raw {
		fill, err := rf.toFill(address)
		if err != nil {
			log.Warn().Err(err).Str("address", address).Msg("⚠️ skipping malformed fill")
			continue
		}
		fills = append(fills, fill)
	}

	sort.Slice(fills, func(i, j int) bool {
		if fills[i].TS.Equal(fills[j].TS) {
			return fills[i].FillID < fills[j].FillID
		}
		return fills[i].TS.Before(fills[j].TS)
	})
	return fills, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// FILL STREAM
// ═══════════════════════════════════════════════════════════════════════════════

type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsUserFills struct {
	User       string   `json:"user"`
	IsSnapshot bool     `json:"isSnapshot"`
	Fills      []hlFill `json:"fills"`
}

// StreamFills delivers live fills for the given addresses until ctx ends.
// The channel closes on cancellation, never on venue hiccups.
func (h *Hyperliquid) StreamFills(ctx context.Context, addresses []string) (<-chan types.Fill, error) {
	out := make(chan types.Fill, streamBuffer)
	if len(addresses) == 0 {
		close(out)
		return out, nil
	}

	users := make([]string, len(addresses))
	for i, a := range addresses {
		users[i] = strings.ToLower(a)
	}

	go h.streamLoop(ctx, users, out)
	return out, nil
}

func (h *Hyperliquid) streamLoop(ctx context.Context, users []string, out chan<- types.Fill) {
	defer close(out)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := h.streamOnce(ctx, users, out); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("⚠️ fill stream dropped, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wsReconnectDelay):
		}
	}
}

func (h *Hyperliquid) streamOnce(ctx context.Context, users []string, out chan<- types.Fill) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, h.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for _, user := range users {
		sub := map[string]any{
			"method":       "subscribe",
			"subscription": map[string]string{"type": "userFills", "user": user},
		}
		if err := conn.WriteJSON(sub); err != nil {
			return err
		}
	}
	log.Info().Int("addresses", len(users)).Msg("🔌 Fill stream connected")

	// Single writer from here on.
	go pingLoop(conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		h.handleStreamMessage(ctx, message, out)
	}
}

func pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"method": "ping"}); err != nil {
				return
			}
		}
	}
}

func (h *Hyperliquid) handleStreamMessage(ctx context.Context, data []byte, out chan<- types.Fill) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Channel != "userFills" {
		return
	}

	var batch wsUserFills
	if err := json.Unmarshal(env.Data, &batch); err != nil {
		log.Warn().Err(err).Msg("⚠️ malformed userFills message")
		return
	}
	if batch.IsSnapshot {
		// REST backfill owns history; the stream is live fills only.
		return
	}

	for _, rf := range batch.Fills {
		fill, err := rf.toFill(batch.User)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ skipping malformed fill")
			continue
		}
		select {
		case out <- fill:
		case <-ctx.Done():
			return
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERS
// ═══════════════════════════════════════════════════════════════════════════════

type hlExchangeResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []hlOrderStatus `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

type hlOrderStatus struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     int64  `json:"oid"`
	} `json:"filled,omitempty"`
	Error string `json:"error,omitempty"`
}

// PlaceOrder submits one IOC limit order. Never retried: a replayed order
// that actually landed is a duplicate position.
func (h *Hyperliquid) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if h.dryRun {
		ack := OrderAck{
			OrderID: fmt.Sprintf("DRY_%d", time.Now().UnixNano()),
			Status:  "simulated",
			Filled:  req.Size,
			AvgPx:   req.Price,
		}
		log.Info().
			Str("order_id", ack.OrderID).
			Str("asset", req.Asset).
			Str("direction", string(req.Direction)).
			Str("price", req.Price.StringFixed(2)).
			Str("size", req.Size.String()).
			Msg("📝 DRY RUN: Order would be placed")
		return ack, nil
	}

	if h.signer == nil {
		return OrderAck{}, fmt.Errorf("hyperliquid: no signing key loaded")
	}

	ix, err := h.assetIndex(ctx, req.Asset)
	if err != nil {
		return OrderAck{}, err
	}

	action := map[string]any{
		"type": "order",
		"orders": []any{map[string]any{
			"a": ix,
			"b": req.Direction == types.DirectionLong,
			"p": req.Price.String(),
			"s": req.Size.String(),
			"r": req.ReduceOnly,
			"t": map[string]any{"limit": map[string]any{"tif": "Ioc"}},
		}},
		"grouping": "na",
	}
	nonce := time.Now().UnixMilli()

	sig, err := h.signer.SignAction(action, nonce)
	if err != nil {
		return OrderAck{}, fmt.Errorf("signing failed: %w", err)
	}

	var res hlExchangeResponse
	payload := map[string]any{"action": action, "nonce": nonce, "signature": sig}
	if err := h.do(ctx, "/exchange", payload, &res); err != nil {
		return OrderAck{}, err
	}
	if res.Status != "ok" {
		return OrderAck{}, fmt.Errorf("API error: %s", res.Status)
	}
	if len(res.Response.Data.Statuses) == 0 {
		return OrderAck{}, fmt.Errorf("API returned no order status")
	}

	st := res.Response.Data.Statuses[0]
	switch {
	case st.Error != "":
		return OrderAck{}, fmt.Errorf("API error: %s", st.Error)

	case st.Filled != nil:
		filled, _ := decimal.NewFromString(st.Filled.TotalSz)
		avgPx, _ := decimal.NewFromString(st.Filled.AvgPx)
		ack := OrderAck{
			OrderID: strconv.FormatInt(st.Filled.Oid, 10),
			Status:  "filled",
			Filled:  filled,
			AvgPx:   avgPx,
		}
		log.Info().
			Str("order_id", ack.OrderID).
			Str("avg_px", ack.AvgPx.String()).
			Msg("✅ Order filled")
		return ack, nil

	case st.Resting != nil:
		ack := OrderAck{
			OrderID: strconv.FormatInt(st.Resting.Oid, 10),
			Status:  "resting",
		}
		log.Info().Str("order_id", ack.OrderID).Msg("✅ Order resting")
		return ack, nil
	}
	return OrderAck{}, fmt.Errorf("API returned unknown order status")
}
