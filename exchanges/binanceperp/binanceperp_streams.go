package binanceperp

import (
	"context"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/currency"
	"github.com/tidemark-io/tidemark/exchanges/orderbook"
	"github.com/tidemark-io/tidemark/exchanges/websocket"
	"github.com/tidemark-io/tidemark/log"
)

// BookSource streams depth diffs, trades and mark-price funding updates over
// the futures combined stream
type BookSource struct {
	api     *API
	symbols *currency.SymbolMap
	pairs   currency.Pairs
	wsBase  string
}

// NewBookSource returns the futures market data adapter
func NewBookSource(api *API, symbols *currency.SymbolMap, pairs currency.Pairs) *BookSource {
	return &BookSource{api: api, symbols: symbols, pairs: pairs, wsBase: wsURL}
}

// FetchSnapshot implements orderbook.DataSource
func (s *BookSource) FetchSnapshot(ctx context.Context, pair currency.Pair) (*orderbook.Message, error) {
	if err := s.symbols.EnsureLoaded(ctx); err != nil {
		return nil, err
	}
	native, err := s.symbols.Native(pair)
	if err != nil {
		return nil, err
	}
	data, err := s.api.GetOrderBook(ctx, native)
	if err != nil {
		return nil, err
	}
	msg := &orderbook.Message{
		Type:      orderbook.SnapshotMessage,
		Pair:      pair,
		UpdateID:  data.LastUpdateID,
		Timestamp: time.Now(),
	}
	if msg.Bids, err = parseLevels(data.Bids); err != nil {
		return nil, err
	}
	if msg.Asks, err = parseLevels(data.Asks); err != nil {
		return nil, err
	}
	return msg, nil
}

func parseLevels(rows [][2]string) ([]orderbook.Level, error) {
	out := make([]orderbook.Level, len(rows))
	for i, row := range rows {
		price, err := decimal.NewFromString(row[0])
		if err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, err
		}
		out[i] = orderbook.Level{Price: price, Amount: amount}
	}
	return out, nil
}

// ListenForSubscriptions implements orderbook.DataSource
func (s *BookSource) ListenForSubscriptions(ctx context.Context, out chan<- orderbook.Message) {
	for {
		if err := s.runSession(ctx, out); err != nil && ctx.Err() == nil {
			log.Errorf(log.OrderBook, "%s public stream: %v, reconnecting in %s",
				Name, err, websocket.TransientErrorBackoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(websocket.TransientErrorBackoff):
		}
	}
}

func (s *BookSource) runSession(ctx context.Context, out chan<- orderbook.Message) error {
	if err := s.symbols.EnsureLoaded(ctx); err != nil {
		return err
	}
	streams := make([]string, 0, len(s.pairs)*3)
	for _, pair := range s.pairs {
		native, err := s.symbols.Native(pair)
		if err != nil {
			return err
		}
		lower := strings.ToLower(native)
		streams = append(streams,
			lower+"@depth@100ms",
			lower+"@aggTrade",
			lower+"@markPrice@1s",
		)
	}

	conn := websocket.NewConnection(Name, s.wsBase+"/stream?streams="+strings.Join(streams, "/"))
	if err := conn.Dial(ctx, nil); err != nil {
		return err
	}
	defer conn.Shutdown()
	conn.SetupPingHandler(websocket.PingHandler{
		UseGorillaHandler: true,
		MessageType:       websocket.PongMessage,
		Delay:             websocket.PingTimeout,
	})
	conn.StartTrafficMonitor()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Shutdown()
		case <-done:
		}
	}()

	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg, ok := s.parseFrame(frame); ok {
			select {
			case out <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *BookSource) parseFrame(frame []byte) (orderbook.Message, bool) {
	data, _, _, err := jsonparser.Get(frame, "data")
	if err != nil {
		return orderbook.Message{}, false
	}
	event, err := jsonparser.GetString(data, "e")
	if err != nil {
		return orderbook.Message{}, false
	}
	symbol, err := jsonparser.GetString(data, "s")
	if err != nil {
		return orderbook.Message{}, false
	}
	pair, err := s.symbols.Pair(symbol)
	if err != nil {
		log.Warnf(log.OrderBook, "%s stream message for unmapped symbol %s", Name, symbol)
		return orderbook.Message{}, false
	}

	switch event {
	case "depthUpdate":
		return s.parseDepth(data, pair)
	case "aggTrade":
		return s.parseTrade(data, pair)
	case "markPriceUpdate":
		return s.parseMarkPrice(data, pair)
	default:
		return orderbook.Message{}, false
	}
}

func (s *BookSource) parseDepth(data []byte, pair currency.Pair) (orderbook.Message, bool) {
	last, err := jsonparser.GetInt(data, "u")
	if err != nil {
		return orderbook.Message{}, false
	}
	// futures diffs carry pu, the final id of the previous event
	prev, err := jsonparser.GetInt(data, "pu")
	if err != nil {
		return orderbook.Message{}, false
	}
	msg := orderbook.Message{
		Type:         orderbook.DiffMessage,
		Pair:         pair,
		UpdateID:     last,
		PrevUpdateID: prev,
		Timestamp:    time.Now(),
	}
	ok := true
	appendLevel := func(dst *[]orderbook.Level) func([]byte, jsonparser.ValueType, int, error) {
		return func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
			level, err := parseStreamLevel(value)
			if err != nil {
				ok = false
				return
			}
			*dst = append(*dst, level)
		}
	}
	if _, err := jsonparser.ArrayEach(data, appendLevel(&msg.Bids), "b"); err != nil {
		return orderbook.Message{}, false
	}
	if _, err := jsonparser.ArrayEach(data, appendLevel(&msg.Asks), "a"); err != nil {
		return orderbook.Message{}, false
	}
	if !ok {
		log.Warnf(log.OrderBook, "%s malformed depth levels for %s", Name, pair)
		return orderbook.Message{}, false
	}
	return msg, true
}

func parseStreamLevel(row []byte) (orderbook.Level, error) {
	priceRaw, err := jsonparser.GetString(row, "[0]")
	if err != nil {
		return orderbook.Level{}, err
	}
	amountRaw, err := jsonparser.GetString(row, "[1]")
	if err != nil {
		return orderbook.Level{}, err
	}
	price, err := decimal.NewFromString(priceRaw)
	if err != nil {
		return orderbook.Level{}, err
	}
	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return orderbook.Level{}, err
	}
	return orderbook.Level{Price: price, Amount: amount}, nil
}

func (s *BookSource) parseTrade(data []byte, pair currency.Pair) (orderbook.Message, bool) {
	price, err := getDecimal(data, "p")
	if err != nil {
		return orderbook.Message{}, false
	}
	qty, err := getDecimal(data, "q")
	if err != nil {
		return orderbook.Message{}, false
	}
	return orderbook.Message{
		Type:        orderbook.TradeMessage,
		Pair:        pair,
		TradePrice:  price,
		TradeAmount: qty,
		Timestamp:   time.Now(),
	}, true
}

func (s *BookSource) parseMarkPrice(data []byte, pair currency.Pair) (orderbook.Message, bool) {
	mark, err := getDecimal(data, "p")
	if err != nil {
		return orderbook.Message{}, false
	}
	index, err := getDecimal(data, "i")
	if err != nil {
		return orderbook.Message{}, false
	}
	rate, err := getDecimal(data, "r")
	if err != nil {
		return orderbook.Message{}, false
	}
	next, err := jsonparser.GetInt(data, "T")
	if err != nil {
		return orderbook.Message{}, false
	}
	return orderbook.Message{
		Type:        orderbook.FundingInfoMessage,
		Pair:        pair,
		MarkPrice:   mark,
		IndexPrice:  index,
		FundingRate: rate,
		NextFunding: time.UnixMilli(next),
		Timestamp:   time.Now(),
	}, true
}

func getDecimal(data []byte, key string) (decimal.Decimal, error) {
	raw, err := jsonparser.GetString(data, key)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(raw)
}

// UserSource streams the futures user data channel with listen key
// keepalive, mirroring the spot lifecycle
type UserSource struct {
	api    *API
	wsBase string

	// OnAuthFailure fires after repeated listen key failures
	OnAuthFailure func()
}

const (
	listenKeyKeepAlive = 30 * time.Minute
	authFailureLimit   = 3
)

// NewUserSource returns the private stream adapter
func NewUserSource(api *API) *UserSource {
	return &UserSource{api: api, wsBase: wsURL}
}

// ListenForUserStream implements userstream.DataSource
func (s *UserSource) ListenForUserStream(ctx context.Context, out chan<- []byte) {
	authFailures := 0
	for {
		err := s.runSession(ctx, out, &authFailures)
		if ctx.Err() != nil {
			return
		}
		backoff := websocket.TransientErrorBackoff
		if authFailures >= authFailureLimit {
			if s.OnAuthFailure != nil {
				s.OnAuthFailure()
			}
			backoff = websocket.UnexpectedErrorBackoff
		}
		log.Errorf(log.UserStream, "%s user stream: %v, reconnecting in %s", Name, err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (s *UserSource) runSession(ctx context.Context, out chan<- []byte, authFailures *int) error {
	listenKey, err := s.api.GetListenKey(ctx)
	if err != nil {
		*authFailures++
		return err
	}
	*authFailures = 0

	conn := websocket.NewConnection(Name, s.wsBase+"/ws/"+listenKey)
	if err := conn.Dial(ctx, nil); err != nil {
		return err
	}
	defer conn.Shutdown()
	conn.SetupPingHandler(websocket.PingHandler{
		UseGorillaHandler: true,
		MessageType:       websocket.PongMessage,
		Delay:             websocket.PingTimeout,
	})
	conn.StartTrafficMonitor()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(listenKeyKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Shutdown()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := s.api.KeepAliveListenKey(ctx); err != nil {
					log.Warnf(log.UserStream, "%s listen key keepalive failed: %v", Name, err)
				}
			}
		}
	}()

	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}
