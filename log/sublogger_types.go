package log

// Global vars related to the logger package
var (
	Global *SubLogger

	ClockMgr     *SubLogger
	ConfigMgr    *SubLogger
	EventMgr     *SubLogger
	ExchangeSys  *SubLogger
	OrderBook    *SubLogger
	OrderMgr     *SubLogger
	RequestSys   *SubLogger
	TimeMgr      *SubLogger
	UserStream   *SubLogger
	WebsocketMgr *SubLogger
)

func init() {
	Global = NewSubLogger("LOG")

	ClockMgr = NewSubLogger("CLOCK")
	ConfigMgr = NewSubLogger("CONFIG")
	EventMgr = NewSubLogger("EVENT")
	ExchangeSys = NewSubLogger("EXCHANGE")
	OrderBook = NewSubLogger("ORDERBOOK")
	OrderMgr = NewSubLogger("ORDER")
	RequestSys = NewSubLogger("REQUEST")
	TimeMgr = NewSubLogger("TIMEKEEPER")
	UserStream = NewSubLogger("USERSTREAM")
	WebsocketMgr = NewSubLogger("WEBSOCKET")
}
