package orderbook

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/currency"
)

// MessageType classifies a normalized order book stream message
type MessageType uint8

// Message types emitted by venue data sources
const (
	UnknownMessage MessageType = iota
	SnapshotMessage
	DiffMessage
	TradeMessage
	FundingInfoMessage
)

// Message is a normalized order book event. UpdateID orders snapshots and
// diffs per pair; PrevUpdateID, when a venue provides it, is the id the diff
// expects the book to be at and is used for gap detection.
type Message struct {
	Type         MessageType
	Pair         currency.Pair
	UpdateID     int64
	PrevUpdateID int64
	Bids         []Level
	Asks         []Level

	// Trade fields
	TradePrice  decimal.Decimal
	TradeAmount decimal.Decimal

	// Funding fields (perpetual venues piggyback funding on the public feed)
	IndexPrice  decimal.Decimal
	MarkPrice   decimal.Decimal
	FundingRate decimal.Decimal
	NextFunding time.Time

	Timestamp time.Time
}

// DataSource bootstraps snapshots and streams normalized diff/trade/funding
// messages for a set of pairs. Implementations own their websocket lifecycle
// including reconnect backoff; cancellation of ctx closes the session.
type DataSource interface {
	// FetchSnapshot returns a full REST depth snapshot for pair
	FetchSnapshot(ctx context.Context, pair currency.Pair) (*Message, error)

	// ListenForSubscriptions subscribes to the public streams for every
	// tracked pair and pushes normalized messages to out until ctx is done
	ListenForSubscriptions(ctx context.Context, out chan<- Message)
}
