package oracle

import (
	"context"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CachedOracle serves recent quotes from a cache and falls through to the
// wrapped oracle on a miss. Cache failures degrade to a direct lookup.
type CachedOracle struct {
	next  ports.RateOracle
	cache ports.Cache
	ttl   time.Duration
	log   zerolog.Logger
}

// NewCachedOracle wraps next with a quote cache of the given TTL.
func NewCachedOracle(next ports.RateOracle, cache ports.Cache, ttl time.Duration, log zerolog.Logger) *CachedOracle {
	return &CachedOracle{next: next, cache: cache, ttl: ttl, log: log}
}

// GetRate implements ports.RateOracle.
func (o *CachedOracle) GetRate(ctx context.Context, from, to domain.Currency) (decimal.Decimal, error) {
	key := string(from) + ":" + string(to)

	cached, err := o.cache.Get(ctx, key)
	if err != nil {
		o.log.Warn().Err(err).Str("pair", key).Msg("rate cache read failed")
	} else if cached != nil {
		if rate, err := decimal.NewFromString(string(cached)); err == nil {
			return rate, nil
		}
	}

	rate, err := o.next.GetRate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}

	if err := o.cache.Set(ctx, key, []byte(rate.String()), o.ttl); err != nil {
		o.log.Warn().Err(err).Str("pair", key).Msg("rate cache write failed")
	}
	return rate, nil
}
