package testutil

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/pkg/byte4"
)

var (
	// Placeholder runtime code for deployed accounts.
	accountCode = []byte{0x60, 0x80, 0x60, 0x40, 0x52}

	// Stand-in for the ERC1967Proxy creation code a SimpleAccountFactory
	// hashes, so fake senders never match the offline derivation.
	proxyCreationCode = []byte("fake-erc1967-proxy")

	ErrReverted = errors.New("execution reverted")
)

// FakeChain is an in-memory ledger implementing reader.Client. It knows the
// EntryPoint deposit and nonce views, the factory getAddress view, SimpleAccount
// getDeposit/owner and ERC-20 balanceOf/decimals. Everything else reverts.
type FakeChain struct {
	mu sync.Mutex

	chainID *big.Int
	baseFee *big.Int
	tip     *big.Int

	entryPoint common.Address
	balances   map[common.Address]*big.Int
	code       map[common.Address][]byte
	owners     map[common.Address]common.Address
	deposits   map[common.Address]*big.Int
	tokens     map[common.Address]*fakeToken
	nonces     map[string]uint64
	factories  map[common.Address]bool

	reads int
}

type fakeToken struct {
	decimals uint8
	balances map[common.Address]*big.Int
}

func NewFakeChain(chainID int64, entryPoint common.Address) *FakeChain {
	return &FakeChain{
		chainID:    big.NewInt(chainID),
		baseFee:    big.NewInt(1_000_000_000),
		tip:        big.NewInt(1_000_000_000),
		entryPoint: entryPoint,
		balances:   map[common.Address]*big.Int{},
		code:       map[common.Address][]byte{},
		owners:     map[common.Address]common.Address{},
		deposits:   map[common.Address]*big.Int{},
		tokens:     map[common.Address]*fakeToken{},
		nonces:     map[string]uint64{},
		factories: map[common.Address]bool{
			aa.FactoryV07Address: true,
			aa.FactoryV06Address: true,
		},
	}
}

func (c *FakeChain) EntryPoint() common.Address { return c.entryPoint }

func (c *FakeChain) SetBaseFee(baseFee, tip *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseFee, c.tip = baseFee, tip
}

func (c *FakeChain) SetBalance(addr common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Set(v)
}

func (c *FakeChain) Balance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceLocked(addr)
}

func (c *FakeChain) SetDeposit(addr common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deposits[addr] = new(big.Int).Set(v)
}

func (c *FakeChain) Deposit(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depositLocked(addr)
}

// AddToken registers an ERC-20 contract.
func (c *FakeChain) AddToken(token common.Address, decimals uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[token] = &fakeToken{decimals: decimals, balances: map[common.Address]*big.Int{}}
}

func (c *FakeChain) SetTokenBalance(token, holder common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[token].balances[holder] = new(big.Int).Set(v)
}

func (c *FakeChain) TokenBalance(token, holder common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenBalanceLocked(token, holder)
}

// RemoveFactory makes calls to factory revert, as if nothing were deployed there.
func (c *FakeChain) RemoveFactory(factory common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.factories, factory)
}

// SenderFor is the address the factory deploys for owner and salt.
func (c *FakeChain) SenderFor(factory, owner common.Address, salt *big.Int) (common.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senderForLocked(factory, owner, salt)
}

func (c *FakeChain) senderForLocked(factory, owner common.Address, salt *big.Int) (common.Address, bool) {
	if !c.factories[factory] || salt == nil {
		return common.Address{}, false
	}
	var saltBytes [32]byte
	salt.FillBytes(saltBytes[:])
	codeHash := crypto.Keccak256(proxyCreationCode, common.LeftPadBytes(owner.Bytes(), 32))
	return crypto.CreateAddress2(factory, saltBytes, codeHash), true
}

// DeployAccount puts account code at addr and records its owner.
func (c *FakeChain) DeployAccount(addr, owner common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code[addr] = accountCode
	c.owners[addr] = owner
}

func (c *FakeChain) IsDeployed(addr common.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.code[addr]) > 0
}

func (c *FakeChain) Owner(addr common.Address) (common.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.owners[addr]
	return o, ok
}

func (c *FakeChain) Nonce(sender common.Address, key *big.Int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[nonceLane(sender, key)]
}

func (c *FakeChain) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func nonceLane(sender common.Address, key *big.Int) string {
	if key == nil {
		key = new(big.Int)
	}
	return sender.Hex() + ":" + key.String()
}

func (c *FakeChain) balanceLocked(addr common.Address) *big.Int {
	if v, ok := c.balances[addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (c *FakeChain) depositLocked(addr common.Address) *big.Int {
	if v, ok := c.deposits[addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (c *FakeChain) tokenBalanceLocked(token, holder common.Address) *big.Int {
	t, ok := c.tokens[token]
	if !ok {
		return new(big.Int)
	}
	if v, ok := t.balances[holder]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// reader.Client

func (c *FakeChain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	return c.balanceLocked(account), nil
}

func (c *FakeChain) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	return append([]byte{}, c.code[account]...), nil
}

func (c *FakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *FakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &types.Header{BaseFee: new(big.Int).Set(c.baseFee)}, nil
}

func (c *FakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.tip), nil
}

func (c *FakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if msg.To == nil {
		return nil, ErrReverted
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++

	to := *msg.To
	switch {
	case to == c.entryPoint:
		return c.callEntryPoint(msg.Data)
	case c.factories[to]:
		return c.callFactory(to, msg.Data)
	case c.tokens[to] != nil:
		return c.callToken(to, msg.Data)
	case len(c.code[to]) > 0:
		return c.callAccount(to, msg.Data)
	}
	return nil, ErrReverted
}

func (c *FakeChain) callEntryPoint(data []byte) ([]byte, error) {
	method, args, err := byte4.DecodeCalldata(aa.EntryPointABI, data)
	if err != nil {
		return nil, ErrReverted
	}
	switch method.Name {
	case "balanceOf":
		return packOutput(method, c.depositLocked(args[0].(common.Address)))
	case "getNonce":
		sender := args[0].(common.Address)
		key := args[1].(*big.Int)
		seq := c.nonces[nonceLane(sender, key)]
		nonce := new(big.Int).Lsh(key, 64)
		return packOutput(method, nonce.Or(nonce, new(big.Int).SetUint64(seq)))
	}
	return nil, ErrReverted
}

func (c *FakeChain) callFactory(factory common.Address, data []byte) ([]byte, error) {
	method, args, err := byte4.DecodeCalldata(aa.FactoryABI, data)
	if err != nil || method.Name != "getAddress" {
		return nil, ErrReverted
	}
	sender, _ := c.senderForLocked(factory, args[0].(common.Address), args[1].(*big.Int))
	return packOutput(method, sender)
}

func (c *FakeChain) callToken(token common.Address, data []byte) ([]byte, error) {
	method, args, err := byte4.DecodeCalldata(aa.ERC20ABI, data)
	if err != nil {
		return nil, ErrReverted
	}
	switch method.Name {
	case "balanceOf":
		return packOutput(method, c.tokenBalanceLocked(token, args[0].(common.Address)))
	case "decimals":
		return packOutput(method, c.tokens[token].decimals)
	}
	return nil, ErrReverted
}

func (c *FakeChain) callAccount(account common.Address, data []byte) ([]byte, error) {
	method, _, err := byte4.DecodeCalldata(aa.SimpleAccountABI, data)
	if err != nil {
		return nil, ErrReverted
	}
	switch method.Name {
	case "getDeposit":
		return packOutput(method, c.depositLocked(account))
	case "owner":
		return packOutput(method, c.owners[account])
	}
	return nil, ErrReverted
}

func packOutput(method *abi.Method, v interface{}) ([]byte, error) {
	return method.Outputs.Pack(v)
}

// Ledger mutations used by the fake bundler. All of them expect c.mu held.

func (c *FakeChain) moveNativeLocked(from, to common.Address, v *big.Int) error {
	bal := c.balanceLocked(from)
	if bal.Cmp(v) < 0 {
		return fmt.Errorf("insufficient balance: have %s want %s", bal, v)
	}
	c.balances[from] = bal.Sub(bal, v)
	c.balances[to] = new(big.Int).Add(c.balanceLocked(to), v)
	return nil
}

func (c *FakeChain) moveTokenLocked(token, from, to common.Address, v *big.Int) error {
	t, ok := c.tokens[token]
	if !ok {
		return ErrReverted
	}
	bal := c.tokenBalanceLocked(token, from)
	if bal.Cmp(v) < 0 {
		return fmt.Errorf("ERC20: transfer amount exceeds balance")
	}
	t.balances[from] = bal.Sub(bal, v)
	t.balances[to] = new(big.Int).Add(c.tokenBalanceLocked(token, to), v)
	return nil
}

type chainState struct {
	balances map[common.Address]*big.Int
	deposits map[common.Address]*big.Int
	tokens   map[common.Address]map[common.Address]*big.Int
}

func (c *FakeChain) saveLocked() chainState {
	s := chainState{
		balances: copyLedger(c.balances),
		deposits: copyLedger(c.deposits),
		tokens:   map[common.Address]map[common.Address]*big.Int{},
	}
	for addr, t := range c.tokens {
		s.tokens[addr] = copyLedger(t.balances)
	}
	return s
}

func (c *FakeChain) restoreLocked(s chainState) {
	c.balances = s.balances
	c.deposits = s.deposits
	for addr, balances := range s.tokens {
		c.tokens[addr].balances = balances
	}
}

func copyLedger(in map[common.Address]*big.Int) map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(in))
	for k, v := range in {
		out[k] = new(big.Int).Set(v)
	}
	return out
}
