package aa

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userops/core/apperrors"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

// CodeChecker reports whether an address holds contract code.
type CodeChecker interface {
	IsContract(ctx context.Context, address common.Address) (bool, error)
}

// SenderResolver asks the factory where createAccount(owner, salt) deploys.
type SenderResolver interface {
	CodeChecker
	GetSenderAddress(ctx context.Context, factory, owner common.Address, salt *big.Int) (common.Address, error)
}

// SmartAccount describes one counterfactual smart account. Once resolved the
// address never changes; the deployed flag only moves from false to true.
type SmartAccount struct {
	Owner      common.Address
	Factory    common.Address
	EntryPoint common.Address
	Version    userop.Version
	Salt       *big.Int

	pinned *common.Address

	mu       sync.Mutex
	resolved *common.Address

	once       sync.Once
	address    common.Address
	addressErr error

	deployed atomic.Bool
}

func NewSmartAccount(owner, factory, entryPoint common.Address, version userop.Version, salt *big.Int) *SmartAccount {
	if salt == nil {
		salt = new(big.Int)
	}
	return &SmartAccount{
		Owner:      owner,
		Factory:    factory,
		EntryPoint: entryPoint,
		Version:    version,
		Salt:       new(big.Int).Set(salt),
	}
}

// WithAddress pins a known account address instead of deriving it. It must be
// called before the first Address call.
func (a *SmartAccount) WithAddress(address common.Address) *SmartAccount {
	a.pinned = &address
	return a
}

// Address returns the account address: the resolved one after Resolve,
// otherwise the pinned address or the local CREATE2 derivation.
func (a *SmartAccount) Address() (common.Address, error) {
	a.mu.Lock()
	resolved := a.resolved
	a.mu.Unlock()
	if resolved != nil {
		return *resolved, nil
	}

	a.once.Do(func() {
		if a.pinned != nil {
			a.address = *a.pinned
			return
		}
		a.address, a.addressErr = DeriveAddress(a.Factory, a.Owner, a.Salt)
	})
	return a.address, a.addressErr
}

func (a *SmartAccount) MustAddress() common.Address {
	addr, err := a.Address()
	if err != nil {
		panic(err)
	}
	return addr
}

// Resolve fixes the address to the one the factory's getAddress reports.
// A pinned address wins, but while it has no code the factory must agree with
// it: deployment creates the account at the factory's address.
func (a *SmartAccount) Resolve(ctx context.Context, r SenderResolver) (common.Address, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved != nil {
		return *a.resolved, nil
	}

	var addr common.Address
	if a.pinned != nil {
		addr = *a.pinned
		hasCode, err := r.IsContract(ctx, addr)
		if err != nil {
			return common.Address{}, fmt.Errorf("failed to check code at %s: %w", addr.Hex(), err)
		}
		if hasCode {
			a.deployed.Store(true)
		} else {
			fromFactory, err := a.askFactory(ctx, r)
			if err != nil {
				return common.Address{}, err
			}
			if fromFactory != addr {
				return common.Address{}, apperrors.NewConfigurationError("account.address",
					fmt.Sprintf("pinned %s is not deployed and factory %s deploys owner %s salt %s to %s",
						addr.Hex(), a.Factory.Hex(), a.Owner.Hex(), a.Salt, fromFactory.Hex()))
			}
		}
	} else {
		var err error
		if addr, err = a.askFactory(ctx, r); err != nil {
			return common.Address{}, err
		}
	}

	a.resolved = &addr
	return addr, nil
}

func (a *SmartAccount) askFactory(ctx context.Context, r SenderResolver) (common.Address, error) {
	addr, err := r.GetSenderAddress(ctx, a.Factory, a.Owner, a.Salt)
	if err != nil {
		return common.Address{}, apperrors.NewConfigurationError("account.factory",
			fmt.Sprintf("factory %s could not report the account address: %v", a.Factory.Hex(), err))
	}
	if addr == (common.Address{}) {
		return common.Address{}, apperrors.NewConfigurationError("account.factory",
			fmt.Sprintf("factory %s reported the zero address", a.Factory.Hex()))
	}
	return addr, nil
}

// IsDeployed checks for code at the account address. A positive answer is
// remembered; a negative one is never cached so callers see deployment as soon
// as it lands.
func (a *SmartAccount) IsDeployed(ctx context.Context, checker CodeChecker) (bool, error) {
	if a.deployed.Load() {
		return true, nil
	}

	addr, err := a.Address()
	if err != nil {
		return false, err
	}

	hasCode, err := checker.IsContract(ctx, addr)
	if err != nil {
		return false, fmt.Errorf("failed to check code at %s: %w", addr.Hex(), err)
	}
	if hasCode {
		a.deployed.Store(true)
	}
	return a.deployed.Load(), nil
}

// FactoryData is the createAccount calldata for this account.
func (a *SmartAccount) FactoryData() ([]byte, error) {
	return FactoryData(a.Owner, a.Salt)
}

func (a *SmartAccount) String() string {
	addr, err := a.Address()
	if err != nil {
		return fmt.Sprintf("SmartAccount(owner=%s, err=%v)", a.Owner.Hex(), err)
	}
	return fmt.Sprintf("SmartAccount(%s, owner=%s, entrypoint=%s v%s)", addr.Hex(), a.Owner.Hex(), a.EntryPoint.Hex(), a.Version)
}
