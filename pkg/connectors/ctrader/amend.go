package ctrader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradebridge/pkg/connectors/common"
	"tradebridge/pkg/logger"
)

// Policy bounds the background protection-amend retries.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultPolicy matches the downstream service's positioning window: the
// position row may lag the fill by a few seconds.
func DefaultPolicy() Policy {
	return Policy{Attempts: 10, Delay: 500 * time.Millisecond}
}

// ProtectionWriter persists the resolved absolute stop-loss / take-profit
// for a position. Returning an error means the row is not writable yet and
// the amender should retry.
type ProtectionWriter interface {
	UpdateProtection(ctx context.Context, positionID string, stopLoss, takeProfit *float64) error
}

// AmendOutcome reports how a background amend ended. Consumers are optional;
// the amender logs every outcome itself.
type AmendOutcome struct {
	PositionID string
	StopLoss   float64
	TakeProfit float64
	Err        error
}

// amendProtection resolves absolute SL/TP from pip distances, pushes them to
// the broker, then retries the local write until the position row exists.
// It runs detached from the caller's request cycle: fresh context, own
// deadline, outcome never returned to the trade path.
func (c *Connector) amendProtection(req common.TradeRequest, result *common.TradeResult) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.policy.Attempts)*c.policy.Delay+30*time.Second)
	defer cancel()

	outcome := c.runAmend(ctx, req, result)
	if outcome.Err != nil {
		log.WithField("position_id", outcome.PositionID).WithError(outcome.Err).
			Warn("protection amend gave up")
	} else {
		log.WithFields(logger.Fields{
			"position_id": outcome.PositionID,
			"stop_loss":   outcome.StopLoss,
			"take_profit": outcome.TakeProfit,
		}).Info("protection amended")
	}

	if c.amendOutcomes != nil {
		select {
		case c.amendOutcomes <- outcome:
		default:
		}
	}
}

func (c *Connector) runAmend(ctx context.Context, req common.TradeRequest, result *common.TradeResult) AmendOutcome {
	out := AmendOutcome{PositionID: result.PositionID}
	if result.PositionID == "" {
		out.Err = errors.New("trade result carries no position id")
		return out
	}

	entry := result.ExecutedPrice
	if entry <= 0 {
		price, err := c.client.Price(ctx, req.Symbol)
		if err != nil {
			out.Err = fmt.Errorf("resolve fill price: %w", err)
			return out
		}
		if req.Side == common.SideBuy {
			entry = price.Ask
		} else {
			entry = price.Bid
		}
	}

	info, err := c.client.SymbolInfo(ctx, req.Symbol)
	if err != nil {
		out.Err = fmt.Errorf("symbol info: %w", err)
		return out
	}
	if info.PointSize <= 0 {
		out.Err = fmt.Errorf("symbol %s has no point size", req.Symbol)
		return out
	}

	var sl, tp *float64
	if req.StopLossPips > 0 {
		v := absoluteStop(entry, req.Side, req.StopLossPips*info.PointSize)
		sl = &v
		out.StopLoss = v
	}
	if req.TakeProfitPips > 0 {
		v := absoluteTarget(entry, req.Side, req.TakeProfitPips*info.PointSize)
		tp = &v
		out.TakeProfit = v
	}
	if sl == nil && tp == nil {
		return out
	}

	if err := c.client.ModifyPosition(ctx, result.PositionID, req.Symbol, sl, tp); err != nil {
		out.Err = fmt.Errorf("amend endpoint: %w", err)
		return out
	}

	if c.protection == nil {
		return out
	}

	// The caller's own persistence step races us: the position row may not
	// exist yet when the broker amend lands.
	var lastErr error
	for attempt := 0; attempt < c.policy.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				out.Err = ctx.Err()
				return out
			case <-time.After(c.policy.Delay):
			}
		}
		if lastErr = c.protection.UpdateProtection(ctx, result.PositionID, sl, tp); lastErr == nil {
			return out
		}
	}
	out.Err = fmt.Errorf("record protection after %d attempts: %w", c.policy.Attempts, lastErr)
	return out
}

// absoluteStop converts a protective distance into an absolute price on the
// losing side of entry.
func absoluteStop(entry float64, side common.Side, distance float64) float64 {
	if side == common.SideBuy {
		return entry - distance
	}
	return entry + distance
}

// absoluteTarget converts a target distance into an absolute price on the
// winning side of entry.
func absoluteTarget(entry float64, side common.Side, distance float64) float64 {
	if side == common.SideBuy {
		return entry + distance
	}
	return entry - distance
}
