// Package reader wraps the read-only chain queries the orchestrator needs:
// native balances, contract reads, code existence, nonces and fee suggestions.
// Every read goes through a bounded exponential backoff.
package reader

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/pkg/eip1559"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
)

// Client is the part of ethclient.Client the reader uses.
type Client interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

type Options struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

type Reader struct {
	client Client
	logger logger.Logger
	opts   Options

	mu      sync.Mutex
	chainID *big.Int
}

func New(client Client, lgr logger.Logger, opts Options) *Reader {
	return &Reader{
		client: client,
		logger: logger.Component(lgr, "reader"),
		opts:   opts,
	}
}

// Dial connects to an RPC endpoint and wraps the client.
func Dial(ctx context.Context, url string, lgr logger.Logger, opts Options) (*Reader, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to chain rpc: %w", err)
	}
	return New(client, lgr, opts), client, nil
}

func (r *Reader) Client() Client {
	return r.client
}

func (r *Reader) retry(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.opts.InitialInterval
	eb.MaxInterval = r.opts.MaxInterval

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, r.opts.MaxRetries), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		r.logger.Warn("chain read failed, retrying", "op", op, "wait", wait, "err", err)
	})
}

// A revert is an answer, not a transient failure.
func isPermanent(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "invalid opcode")
}

func (r *Reader) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	var balance *big.Int
	err := r.retry(ctx, "balance", func() error {
		var err error
		balance, err = r.client.BalanceAt(ctx, address, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read balance of %s: %w", address.Hex(), err)
	}
	return balance, nil
}

func (r *Reader) IsContract(ctx context.Context, address common.Address) (bool, error) {
	var code []byte
	err := r.retry(ctx, "code", func() error {
		var err error
		code, err = r.client.CodeAt(ctx, address, nil)
		return err
	})
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// ReadContract calls a view method and returns its unpacked outputs.
func (r *Reader) ReadContract(ctx context.Context, address common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	var output []byte
	err = r.retry(ctx, method, func() error {
		var err error
		output, err = r.client.CallContract(ctx, ethereum.CallMsg{To: &address, Data: input}, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s failed: %w", method, address.Hex(), err)
	}
	if len(output) == 0 {
		return nil, fmt.Errorf("call %s on %s returned no data", method, address.Hex())
	}

	return contractABI.Unpack(method, output)
}

func (r *Reader) readUint(ctx context.Context, address common.Address, contractABI abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	out, err := r.ReadContract(ctx, address, contractABI, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s output type %T", method, out[0])
	}
	return v, nil
}

func (r *Reader) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	return r.readUint(ctx, token, aa.ERC20ABI, "balanceOf", holder)
}

func (r *Reader) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := r.ReadContract(ctx, token, aa.ERC20ABI, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals output type %T", out[0])
	}
	return d, nil
}

// GetSenderAddress asks the factory where createAccount(owner, salt) deploys.
func (r *Reader) GetSenderAddress(ctx context.Context, factory, owner common.Address, salt *big.Int) (common.Address, error) {
	if salt == nil {
		salt = new(big.Int)
	}
	out, err := r.ReadContract(ctx, factory, aa.FactoryABI, "getAddress", owner, salt)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected getAddress output type %T", out[0])
	}
	return addr, nil
}

// EntryPointDeposit reads EntryPoint.balanceOf(account). It works before deployment.
func (r *Reader) EntryPointDeposit(ctx context.Context, entryPoint, account common.Address) (*big.Int, error) {
	return r.readUint(ctx, entryPoint, aa.EntryPointABI, "balanceOf", account)
}

// AccountDeposit reads the account's own getDeposit() accessor. Requires a deployed account.
func (r *Reader) AccountDeposit(ctx context.Context, account common.Address) (*big.Int, error) {
	return r.readUint(ctx, account, aa.SimpleAccountABI, "getDeposit")
}

func (r *Reader) GetNonce(ctx context.Context, entryPoint, sender common.Address, key *big.Int) (*big.Int, error) {
	if key == nil {
		key = new(big.Int)
	}
	return r.readUint(ctx, entryPoint, aa.EntryPointABI, "getNonce", sender, key)
}

// ChainID is read once and cached.
func (r *Reader) ChainID(ctx context.Context) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chainID != nil {
		return r.chainID, nil
	}

	var id *big.Int
	err := r.retry(ctx, "chainId", func() error {
		var err error
		id, err = r.client.ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	r.chainID = id
	return id, nil
}

func (r *Reader) SuggestFee(ctx context.Context) (*big.Int, *big.Int, error) {
	var maxFee, tip *big.Int
	err := r.retry(ctx, "fees", func() error {
		var err error
		maxFee, tip, err = eip1559.SuggestFee(ctx, r.client)
		return err
	})
	return maxFee, tip, err
}
