package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-userops/core/apperrors"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

// quoteCache keeps token quotes per (entryPoint, token set). Quotes are
// queried once per session, the cache spares repeated runs in watch mode.
type quoteCache struct {
	cache *bigcache.BigCache
}

func newQuoteCache(ttl time.Duration) (*quoteCache, error) {
	cache, err := bigcache.New(context.Background(), bigcache.Config{
		// number of shards (must be a power of 2)
		Shards:             16,
		LifeWindow:         ttl,
		CleanWindow:        ttl,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       512,
		HardMaxCacheSize:   8,
	})
	if err != nil {
		return nil, err
	}
	return &quoteCache{cache: cache}, nil
}

func quoteKey(entryPoint common.Address, tokens []common.Address) string {
	keys := lo.Map(tokens, func(t common.Address, _ int) string {
		return strings.ToLower(t.Hex())
	})
	sort.Strings(keys)
	return strings.ToLower(entryPoint.Hex()) + ":" + strings.Join(keys, ",")
}

func (c *quoteCache) get(key string) ([]TokenQuote, bool) {
	data, err := c.cache.Get(key)
	if err != nil {
		return nil, false
	}
	var quotes []TokenQuote
	if err := json.Unmarshal(data, &quotes); err != nil {
		return nil, false
	}
	return quotes, true
}

func (c *quoteCache) set(key string, quotes []TokenQuote) {
	data, err := json.Marshal(quotes)
	if err != nil {
		return
	}
	_ = c.cache.Set(key, data)
}

func (c *quoteCache) Close() error {
	return c.cache.Close()
}

// GetTokenSponsorshipQuotes asks the paymaster which of the tokens it accepts
// for gas and at what rate.
func (bc *BundlerClient) GetTokenSponsorshipQuotes(ctx context.Context, tokens []common.Address) ([]TokenQuote, error) {
	key := quoteKey(bc.entryPoint, tokens)
	if bc.quotes != nil {
		if cached, ok := bc.quotes.get(key); ok {
			bc.logger.Debug("token quotes served from cache", "tokens", len(tokens))
			return cached, nil
		}
	}

	params := map[string]interface{}{"tokens": tokens}
	raw, err := bc.call(ctx, "pimlico_getTokenQuotes", params, bc.entryPoint.Hex(), bc.chainIDHex())
	if err != nil {
		return nil, classify("pimlico_getTokenQuotes", err)
	}

	var wire tokenQuotesWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, apperrors.NewSubmissionFailed("pimlico_getTokenQuotes", err)
	}

	quotes := lo.Map(wire.Quotes, func(q tokenQuoteWire, _ int) TokenQuote {
		return TokenQuote{
			Token:                   q.Token,
			Paymaster:               q.Paymaster,
			ExchangeRate:            optionalBig(q.ExchangeRate),
			ExchangeRateNativeToUsd: optionalBig(q.ExchangeRateNativeToUsd),
			PostOpGas:               optionalBig(q.PostOpGas),
		}
	})

	if bc.quotes != nil && len(quotes) > 0 {
		bc.quotes.set(key, quotes)
	}
	return quotes, nil
}

// SelectQuote returns the first quote whose token matches.
func SelectQuote(quotes []TokenQuote, token common.Address) (*TokenQuote, error) {
	q, ok := lo.Find(quotes, func(q TokenQuote) bool {
		return q.Token == token
	})
	if !ok {
		return nil, apperrors.NewNoSponsorshipAvailable(token.Hex())
	}
	return &q, nil
}

func paymasterContext(s *userop.Sponsorship) map[string]interface{} {
	return map[string]interface{}{"token": s.Token.Hex()}
}

// GetPaymasterStubData returns placeholder paymaster fields for estimation (ERC-7677).
func (bc *BundlerClient) GetPaymasterStubData(ctx context.Context, op *userop.UserOperation, s *userop.Sponsorship) (*PaymasterData, error) {
	return bc.paymasterCall(ctx, "pm_getPaymasterStubData", op, s)
}

// GetPaymasterData returns the signed paymaster fields for an operation whose
// gas is final (ERC-7677).
func (bc *BundlerClient) GetPaymasterData(ctx context.Context, op *userop.UserOperation, s *userop.Sponsorship) (*PaymasterData, error) {
	return bc.paymasterCall(ctx, "pm_getPaymasterData", op, s)
}

func (bc *BundlerClient) paymasterCall(ctx context.Context, method string, op *userop.UserOperation, s *userop.Sponsorship) (*PaymasterData, error) {
	if s == nil {
		return nil, errors.New("paymaster call without sponsorship")
	}

	raw, err := bc.call(ctx, method, op.ToRPC(bc.version), bc.entryPoint.Hex(), bc.chainIDHex(), paymasterContext(s))
	if err != nil {
		return nil, classify(method, err)
	}
	if isNull(raw) {
		return nil, apperrors.NewNoSponsorshipAvailable(s.Token.Hex())
	}

	var pd PaymasterData
	if err := json.Unmarshal(raw, &pd); err != nil {
		return nil, apperrors.NewSubmissionFailed(method, err)
	}
	return &pd, nil
}
