package logger

import (
	"fmt"
	"log/slog"

	"github.com/libp2p/go-libp2p/core/peer"
)

/*
Log attribute key values. Generally shouldn't be used directly, use
appropriate "attribute constructor function" instead.

Only define names here if they are common for multiple modules, module
specific names should be defined in the module.
*/
const (
	NodeIDKey = "node_id"
	ErrorKey  = "err"
	HeightKey = "height"
	MarketKey = "market"
	TxIDKey   = "tx_id"
	OrderKey  = "order_id"
	TradeKey  = "trade_id"
)

/*
NodeID adds the node ID field.

This function should be used with logger.With() method to create sub-logger
for the node (rather than adding NodeID call to individual logging calls).
*/
func NodeID(id peer.ID) slog.Attr {
	return slog.Any(NodeIDKey, id)
}

/*
Error adds error to the log

	if err:= f(); err != nil {
		log.Error("calling f", logger.Error(err))
	}
*/
func Error(err error) slog.Attr {
	return slog.Any(ErrorKey, err)
}

// Height adds the block height / round number the message is about.
func Height(height uint64) slog.Attr {
	return slog.Uint64(HeightKey, height)
}

// Market adds the (zone, window bucket) market identifier.
func Market(zone string, bucket int64) slog.Attr {
	return slog.String(MarketKey, fmt.Sprintf("%s/%d", zone, bucket))
}

func TxID(id string) slog.Attr {
	return slog.String(TxIDKey, id)
}

func OrderID(id string) slog.Attr {
	return slog.String(OrderKey, id)
}

func TradeID(id string) slog.Attr {
	return slog.String(TradeKey, id)
}
