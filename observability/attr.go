package observability

import (
	"encoding/hex"

	"go.opentelemetry.io/otel/attribute"
)

const (
	TxKindKey   attribute.Key = "tx.kind"
	TxHashKey   attribute.Key = "tx.hash"
	MarketKey   attribute.Key = "market"
	NodeIDKey   attribute.Key = "service.node.name" // ECS convention
	ProposerKey attribute.Key = "proposer"
)

func Height(height uint64) attribute.KeyValue {
	return attribute.Int64("height", int64(height))
}

func TxHash(value []byte) attribute.KeyValue {
	return TxHashKey.String(hex.EncodeToString(value))
}

func TxKind(kind int) attribute.KeyValue {
	return TxKindKey.Int(kind)
}

func Market(zone string) attribute.KeyValue {
	return MarketKey.String(zone)
}
