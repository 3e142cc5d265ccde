package binance

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

// BookSource streams depth diffs and trades for a set of pairs over the
// combined public stream, bootstrapping each pair from a REST snapshot
type BookSource struct {
	api     *API
	symbols *currency.SymbolMap
	pairs   currency.Pairs
	wsBase  string
}

// NewBookSource returns the public market data adapter
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

// ListenForSubscriptions implements orderbook.DataSource. The combined
// stream multiplexes <symbol>@depth and <symbol>@trade; disconnects
// reconnect after the transient backoff.
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
	streams := make([]string, 0, len(s.pairs)*2)
	for _, pair := range s.pairs {
		native, err := s.symbols.Native(pair)
		if err != nil {
			return err
		}
		lower := strings.ToLower(native)
		streams = append(streams, lower+"@depth@100ms", lower+"@trade")
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

// parseFrame converts one combined-stream frame into a normalized message.
// Unexpected shapes are logged and skipped, never fatal.
func (s *BookSource) parseFrame(frame []byte) (orderbook.Message, bool) {
	data, _, _, err := jsonparser.Get(frame, "data")
	if err != nil {
		log.Warnf(log.OrderBook, "%s unexpected stream frame: %s", Name, frame)
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
	case "trade":
		return s.parseTrade(data, pair)
	default:
		return orderbook.Message{}, false
	}
}

func (s *BookSource) parseDepth(data []byte, pair currency.Pair) (orderbook.Message, bool) {
	first, err := jsonparser.GetInt(data, "U")
	if err != nil {
		return orderbook.Message{}, false
	}
	last, err := jsonparser.GetInt(data, "u")
	if err != nil {
		return orderbook.Message{}, false
	}
	msg := orderbook.Message{
		Type:     orderbook.DiffMessage,
		Pair:     pair,
		UpdateID: last,
		// The venue numbers every book change; a diff continues the stream
		// when its first id immediately follows the last applied one
		PrevUpdateID: first - 1,
		Timestamp:    time.Now(),
	}
	ok := true
	parse := func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
		level, err := parseStreamLevel(value)
		if err != nil {
			ok = false
			return
		}
		msg.Bids = append(msg.Bids, level)
	}
	if _, err := jsonparser.ArrayEach(data, parse, "b"); err != nil {
		return orderbook.Message{}, false
	}
	parseAsk := func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
		level, err := parseStreamLevel(value)
		if err != nil {
			ok = false
			return
		}
		msg.Asks = append(msg.Asks, level)
	}
	if _, err := jsonparser.ArrayEach(data, parseAsk, "a"); err != nil {
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
	priceRaw, err := jsonparser.GetString(data, "p")
	if err != nil {
		return orderbook.Message{}, false
	}
	qtyRaw, err := jsonparser.GetString(data, "q")
	if err != nil {
		return orderbook.Message{}, false
	}
	price, err := decimal.NewFromString(priceRaw)
	if err != nil {
		return orderbook.Message{}, false
	}
	qty, err := decimal.NewFromString(qtyRaw)
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
