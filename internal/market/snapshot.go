// snapshot.go builds BookSnapshots from raw stream events. Mid and micro
// prices are computed here, on the publisher side, so cache readers always
// observe a consistent derived tuple.
package market

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-arb/pkg/types"
)

// two is hoisted for the mid-price division.
var two = decimal.NewFromInt(2)

// BuildSnapshot converts a raw book event into an immutable snapshot.
// The event's millisecond timestamp becomes the sequence number, so newer
// exchange state always carries a strictly larger Seq.
func BuildSnapshot(evt types.WSBookEvent) (*types.BookSnapshot, error) {
	seq, err := strconv.ParseUint(evt.Timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse book timestamp %q: %w", evt.Timestamp, err)
	}

	bids, err := parseLevels(evt.Bids)
	if err != nil {
		return nil, fmt.Errorf("parse bids: %w", err)
	}
	asks, err := parseLevels(evt.Asks)
	if err != nil {
		return nil, fmt.Errorf("parse asks: %w", err)
	}

	snap := &types.BookSnapshot{
		Asset:      evt.AssetID,
		Market:     evt.Market,
		Bids:       bids,
		Asks:       asks,
		Seq:        seq,
		ReceivedAt: time.Now(),
	}

	if len(bids) > 0 {
		snap.BestBid = bids[0].Price
		snap.BidSize = bids[0].Size
	}
	if len(asks) > 0 {
		snap.BestAsk = asks[0].Price
		snap.AskSize = asks[0].Size
	}

	if snap.HasBothSides() {
		snap.Mid = snap.BestBid.Add(snap.BestAsk).Div(two)

		// micro = (bidSize·ask + askSize·bid) / (bidSize + askSize)
		totalSize := snap.BidSize.Add(snap.AskSize)
		if totalSize.IsPositive() {
			weighted := snap.BidSize.Mul(snap.BestAsk).Add(snap.AskSize.Mul(snap.BestBid))
			snap.Micro = weighted.Div(totalSize)
		} else {
			snap.Micro = snap.Mid
		}
	}

	return snap, nil
}

func parseLevels(raw []types.WSLevel) ([]types.PriceLevel, error) {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lvl.Price, err)
		}
		size, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", lvl.Size, err)
		}
		if size.IsZero() {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}
