package txsystem

import "crypto"

type (
	Options struct {
		hashAlgorithm crypto.Hash
		tradeSource   TradeSource
	}

	Option func(*Options)
)

func defaultOptions() *Options {
	return &Options{
		hashAlgorithm: crypto.SHA256,
	}
}

func WithHashAlgorithm(hashAlgorithm crypto.Hash) Option {
	return func(o *Options) {
		o.hashAlgorithm = hashAlgorithm
	}
}

// WithTradeSource enables the known-trade check for EnergyTrade
// transactions. Without it any well-formed trade settles.
func WithTradeSource(ts TradeSource) Option {
	return func(o *Options) {
		o.tradeSource = ts
	}
}
