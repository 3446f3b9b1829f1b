package bundler

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
)

// NonceFetcher reads EntryPoint.getNonce(sender, key).
type NonceFetcher func(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error)

// NonceManager tracks the next nonce per (sender, key) so a submitted but not
// yet mined operation does not get its nonce reused by the next one.
type NonceManager struct {
	// key: lowercase sender hex + ":" + nonce key
	pendingNonces map[string]*big.Int
	mu            sync.RWMutex
	logger        logger.Logger
}

func NewNonceManager(lgr logger.Logger) *NonceManager {
	return &NonceManager{
		pendingNonces: make(map[string]*big.Int),
		logger:        logger.Component(lgr, "nonce"),
	}
}

func laneKey(sender common.Address, key *big.Int) string {
	if key == nil {
		key = new(big.Int)
	}
	return strings.ToLower(sender.Hex()) + ":" + key.String()
}

// GetNextNonce returns max(on-chain nonce, cached pending nonce).
func (nm *NonceManager) GetNextNonce(ctx context.Context, sender common.Address, key *big.Int, fetch NonceFetcher) (*big.Int, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	onChain, err := fetch(ctx, sender, key)
	if err != nil {
		return nil, err
	}

	cached, ok := nm.pendingNonces[laneKey(sender, key)]
	if !ok || onChain.Cmp(cached) > 0 {
		// Either first use, or pending operations were mined or dropped.
		return new(big.Int).Set(onChain), nil
	}

	nm.logger.Debug("using cached nonce", "sender", sender.Hex(), "cached", cached, "onchain", onChain)
	return new(big.Int).Set(cached), nil
}

// IncrementNonce records that current was accepted by the bundler.
func (nm *NonceManager) IncrementNonce(sender common.Address, current *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	next := new(big.Int).Add(current, big.NewInt(1))
	nm.pendingNonces[laneKey(sender, userop.NonceKey(current))] = next
	nm.logger.Debug("incremented nonce", "sender", sender.Hex(), "next", next)
}

// ResetNonce clears the cached nonce so the next read comes from chain.
func (nm *NonceManager) ResetNonce(sender common.Address, key *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	delete(nm.pendingNonces, laneKey(sender, key))
	nm.logger.Debug("reset cached nonce", "sender", sender.Hex(), "key", key)
}

func (nm *NonceManager) SetNonce(sender common.Address, nonce *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.pendingNonces[laneKey(sender, userop.NonceKey(nonce))] = new(big.Int).Set(nonce)
}

// GetCachedNonce returns the cached nonce without reading the chain.
func (nm *NonceManager) GetCachedNonce(sender common.Address, key *big.Int) (*big.Int, bool) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()

	nonce, ok := nm.pendingNonces[laneKey(sender, key)]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(nonce), true
}
