package exchanges

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidemark-io/tidemark/currency"
	"github.com/tidemark-io/tidemark/events"
	"github.com/tidemark-io/tidemark/exchanges/fundingrate"
	"github.com/tidemark-io/tidemark/exchanges/orderbook"
	"github.com/tidemark-io/tidemark/log"
)

// ErrNotPerpetual is returned for perpetual-only calls on a spot connector
var ErrNotPerpetual = errors.New("connector is not a perpetual venue")

// SetLeverage applies leverage for pair at the venue and records the
// acknowledged value
func (b *Base) SetLeverage(ctx context.Context, pair currency.Pair, leverage int) error {
	if b.perp == nil {
		return ErrNotPerpetual
	}
	if err := b.perp.SubmitLeverage(ctx, pair, leverage); err != nil {
		return fmt.Errorf("%s set leverage %s: %w", b.cfg.Name, pair, err)
	}
	b.funding.SetLeverage(pair, leverage)
	return nil
}

// SetPositionMode switches the venue between one-way and hedge accounting,
// emitting the matching success or failure event
func (b *Base) SetPositionMode(ctx context.Context, mode fundingrate.PositionMode) error {
	if b.perp == nil {
		return ErrNotPerpetual
	}
	if err := b.perp.SubmitPositionMode(ctx, mode); err != nil {
		b.bus.Trigger(events.PositionModeChangeFailed, fundingrate.PositionModeChangeEvent{
			Timestamp: time.Now(),
			Mode:      mode,
			Message:   err.Error(),
		})
		return fmt.Errorf("%s set position mode %s: %w", b.cfg.Name, mode, err)
	}
	b.funding.SetPositionMode(mode)
	b.bus.Trigger(events.PositionModeChangeSucceeded, fundingrate.PositionModeChangeEvent{
		Timestamp: time.Now(),
		Mode:      mode,
	})
	return nil
}

// GetFundingInfo returns the funding state of pair
func (b *Base) GetFundingInfo(pair currency.Pair) (fundingrate.Info, error) {
	if b.perp == nil {
		return fundingrate.Info{}, ErrNotPerpetual
	}
	return b.funding.FundingInfo(pair)
}

// Positions returns a snapshot of open perpetual positions
func (b *Base) Positions() []fundingrate.Position {
	if b.perp == nil {
		return nil
	}
	return b.funding.Positions()
}

// onFundingMessage folds funding info piggybacked on the public stream into
// the funding book
func (b *Base) onFundingMessage(msg orderbook.Message) {
	b.funding.UpdateFundingInfo(fundingrate.Info{
		Pair:        msg.Pair,
		IndexPrice:  msg.IndexPrice,
		MarkPrice:   msg.MarkPrice,
		Rate:        msg.FundingRate,
		NextFunding: msg.NextFunding,
	})
}

// fundingInfoLoop polls funding info as a backup to the mark-price stream
func (b *Base) fundingInfoLoop(ctx context.Context) {
	for {
		for _, pair := range b.cfg.Pairs {
			info, err := b.perp.FetchFundingInfo(ctx, pair)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Errorf(log.ExchangeSys, "%s funding info %s: %v", b.cfg.Name, pair, err)
				continue
			}
			b.funding.UpdateFundingInfo(info)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(FundingInfoPollInterval):
		}
	}
}

// fundingFeeLoop polls for settled funding payments on the venue cadence.
// The poll event is re-armed on any per-pair failure so a partial pass
// repeats until every pair succeeds.
func (b *Base) fundingFeeLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FundingFeePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.raiseFundingPoll()
		case <-b.fundingDue:
			if err := b.pollFundingPayments(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Errorf(log.ExchangeSys, "%s funding payment poll incomplete: %v", b.cfg.Name, err)
				select {
				case <-time.After(pollRetryBackoff):
				case <-ctx.Done():
					return
				}
				b.raiseFundingPoll()
			}
		}
	}
}

func (b *Base) raiseFundingPoll() {
	select {
	case b.fundingDue <- struct{}{}:
	default:
	}
}

// pollFundingPayments fetches the latest settlement per pair, emitting
// FundingPaymentCompleted once per new nonzero payment
func (b *Base) pollFundingPayments(ctx context.Context) error {
	var joined error
	for _, pair := range b.cfg.Pairs {
		payment, err := b.perp.FetchLastFundingPayment(ctx, pair)
		if err != nil {
			joined = errors.Join(joined, fmt.Errorf("funding payment %s: %w", pair, err))
			continue
		}
		if payment.Timestamp.IsZero() {
			continue
		}
		if b.funding.RecordPayment(payment) {
			b.bus.Trigger(events.FundingPaymentCompleted, fundingrate.PaymentCompletedEvent{
				Timestamp: payment.Timestamp,
				Pair:      payment.Pair,
				Rate:      payment.Rate,
				Amount:    payment.Amount,
			})
		}
	}
	return joined
}
