// Provide primitive to work with a bundler RPC
// Bundler RPC is stateless
package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/ap-userops/core/apperrors"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
)

const (
	// JSON-RPC error codes bundlers return (ERC-7769)
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeRejectedByEntryPoint = -32500
	CodeRejectedByPaymaster  = -32501
	CodeBannedOpcode         = -32502
	CodeShortDeadline        = -32503
	CodeInvalidSignature     = -32507
	CodeExecutionReverted    = -32521

	DefaultTimeout = 30 * time.Second
)

var aaCodePattern = regexp.MustCompile(`\bAA[1-9][0-9]\b`)

// RPCError is a JSON-RPC error object returned by the bundler.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// Simulation reports whether the error is a rejected dry run rather than a transport problem.
func (e *RPCError) Simulation() bool {
	switch e.Code {
	case CodeRejectedByEntryPoint, CodeRejectedByPaymaster, CodeBannedOpcode,
		CodeShortDeadline, CodeInvalidSignature, CodeExecutionReverted:
		return true
	}
	msg := strings.ToLower(e.Message)
	return aaCodePattern.MatchString(e.Message) || strings.Contains(msg, "revert")
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

type Options struct {
	URL        string
	EntryPoint common.Address
	Version    userop.Version
	ChainID    *big.Int
	Timeout    time.Duration
	FeeTier    FeeTier
	// FeeFallback is consulted when the bundler does not implement the
	// pimlico gas price method. Optional.
	FeeFallback FeeSuggester
	// QuoteCacheTTL of zero disables the token quote cache.
	QuoteCacheTTL time.Duration
}

// FeeSuggester returns (maxFeePerGas, maxPriorityFeePerGas).
type FeeSuggester interface {
	SuggestFee(ctx context.Context) (*big.Int, *big.Int, error)
}

// BundlerClient defines a client for interacting with an EIP-4337 bundler RPC endpoint.
type BundlerClient struct {
	http       *resty.Client
	url        string
	entryPoint common.Address
	version    userop.Version
	chainID    *big.Int
	feeTier    FeeTier
	fallback   FeeSuggester
	quotes     *quoteCache
	logger     logger.Logger
	nextID     atomic.Uint64
}

// NewBundlerClient creates a new BundlerClient that posts to the given URL.
func NewBundlerClient(opts Options, lgr logger.Logger) (*BundlerClient, error) {
	if opts.URL == "" {
		return nil, apperrors.NewConfigurationError("bundler.url", "is required")
	}
	if opts.ChainID == nil {
		return nil, apperrors.NewConfigurationError("chain.chain_id", "is required by the bundler client")
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.FeeTier == "" {
		opts.FeeTier = FeeTierFast
	}
	if opts.Version == "" {
		opts.Version = userop.V07
	}

	client := resty.New()
	client.SetTimeout(opts.Timeout)
	client.SetHeader("Content-Type", "application/json")

	bc := &BundlerClient{
		http:       client,
		url:        opts.URL,
		entryPoint: opts.EntryPoint,
		version:    opts.Version,
		chainID:    new(big.Int).Set(opts.ChainID),
		feeTier:    opts.FeeTier,
		fallback:   opts.FeeFallback,
		logger:     logger.Component(lgr, "bundler"),
	}

	if opts.QuoteCacheTTL > 0 {
		cache, err := newQuoteCache(opts.QuoteCacheTTL)
		if err != nil {
			return nil, err
		}
		bc.quotes = cache
	}

	return bc, nil
}

// Close releases the quote cache.
func (bc *BundlerClient) Close() error {
	if bc.quotes != nil {
		return bc.quotes.Close()
	}
	return nil
}

func (bc *BundlerClient) EntryPoint() common.Address {
	return bc.entryPoint
}

func (bc *BundlerClient) Version() userop.Version {
	return bc.version
}

func (bc *BundlerClient) chainIDHex() string {
	return hexutil.EncodeBig(bc.chainID)
}

// call posts one JSON-RPC request and returns the raw result. A JSON-RPC error
// object comes back as *RPCError; anything else is a transport failure.
func (bc *BundlerClient) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      bc.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	resp, err := bc.http.R().
		SetContext(ctx).
		SetBody(req).
		Post(bc.url)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	var out rpcResponse
	if jsonErr := json.Unmarshal(resp.Body(), &out); jsonErr != nil {
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("%d %s: %s", resp.StatusCode(), http.StatusText(resp.StatusCode()), resp.String())
		}
		return nil, fmt.Errorf("failed to parse %s response: %w", method, jsonErr)
	}

	if out.Error != nil {
		bc.logger.Debug("bundler returned error", "method", method, "code", out.Error.Code, "message", out.Error.Message)
		return nil, out.Error
	}

	return out.Result, nil
}

// classify maps a failed call onto the error taxonomy.
func classify(method string, err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Simulation() {
		return apperrors.NewSimulationReverted(rpcErr.Message, rpcErr)
	}
	return apperrors.NewSubmissionFailed(method, err)
}

func isMethodNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeMethodNotFound
}

// GetFeeQuote returns the bundler's recommended fees for the configured tier.
func (bc *BundlerClient) GetFeeQuote(ctx context.Context) (*FeeQuote, error) {
	raw, err := bc.call(ctx, "pimlico_getUserOperationGasPrice")
	if err != nil {
		if bc.fallback != nil && isMethodNotFound(err) {
			bc.logger.Info("bundler has no gas price method, falling back to chain fee suggestion")
			maxFee, tip, ferr := bc.fallback.SuggestFee(ctx)
			if ferr != nil {
				return nil, apperrors.NewSubmissionFailed("eth_maxPriorityFeePerGas", ferr)
			}
			return &FeeQuote{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
		}
		return nil, classify("pimlico_getUserOperationGasPrice", err)
	}

	var prices gasPriceWire
	if err := json.Unmarshal(raw, &prices); err != nil {
		return nil, apperrors.NewSubmissionFailed("pimlico_getUserOperationGasPrice", err)
	}
	tier := prices.tier(bc.feeTier)
	if tier == nil || tier.MaxFeePerGas == nil || tier.MaxPriorityFeePerGas == nil {
		return nil, apperrors.NewSubmissionFailed("pimlico_getUserOperationGasPrice",
			fmt.Errorf("missing %s tier", bc.feeTier))
	}

	return &FeeQuote{
		MaxFeePerGas:         tier.MaxFeePerGas.ToInt(),
		MaxPriorityFeePerGas: tier.MaxPriorityFeePerGas.ToInt(),
	}, nil
}

// EstimateGas estimates the gas required for a UserOperation.
// https://eips.ethereum.org/EIPS/eip-4337#rpc-methods-eth-namespace
// The signature field is ignored by the bundler but must have the right length.
func (bc *BundlerClient) EstimateGas(ctx context.Context, op *userop.UserOperation) (*GasEstimation, error) {
	bc.logger.Debug("estimating user operation gas",
		"sender", op.Sender.Hex(),
		"nonce", op.Nonce,
		"paymaster", op.HasPaymaster())

	raw, err := bc.call(ctx, "eth_estimateUserOperationGas", op.ToRPC(bc.version), bc.entryPoint.Hex())
	if err != nil {
		return nil, classify("eth_estimateUserOperationGas", err)
	}

	var wire gasEstimationWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, apperrors.NewSubmissionFailed("eth_estimateUserOperationGas", err)
	}
	est, err := wire.decode()
	if err != nil {
		return nil, apperrors.NewSubmissionFailed("eth_estimateUserOperationGas", err)
	}
	return est, nil
}

// Submit hands a signed operation to the bundler mempool. It does not imply inclusion.
func (bc *BundlerClient) Submit(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	if !op.Submittable() {
		return common.Hash{}, apperrors.NewSubmissionFailed("eth_sendUserOperation",
			fmt.Errorf("user operation is missing gas parameters"))
	}

	raw, err := bc.call(ctx, "eth_sendUserOperation", op.ToRPC(bc.version), bc.entryPoint.Hex())
	if err != nil {
		return common.Hash{}, classify("eth_sendUserOperation", err)
	}

	var hash common.Hash
	if err := json.Unmarshal(raw, &hash); err != nil {
		return common.Hash{}, apperrors.NewSubmissionFailed("eth_sendUserOperation", err)
	}

	bc.logger.Info("user operation submitted", "hash", hash.Hex(), "sender", op.Sender.Hex(), "nonce", op.Nonce)
	return hash, nil
}

// ErrOperationNotFound is returned when the bundler has never seen a hash.
var ErrOperationNotFound = errors.New("user operation not found")

// GetOperationByHash fetches a UserOperation by its hash.
func (bc *BundlerClient) GetOperationByHash(ctx context.Context, hash common.Hash) (*OperationLookup, error) {
	raw, err := bc.call(ctx, "eth_getUserOperationByHash", hash.Hex())
	if err != nil {
		return nil, classify("eth_getUserOperationByHash", err)
	}
	if isNull(raw) {
		return nil, ErrOperationNotFound
	}

	var wire operationLookupWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, apperrors.NewSubmissionFailed("eth_getUserOperationByHash", err)
	}
	return wire.decode()
}

// GetReceipt fetches the receipt of a UserOperation. A nil receipt with a nil
// error means the operation is still pending.
func (bc *BundlerClient) GetReceipt(ctx context.Context, hash common.Hash) (*userop.Receipt, error) {
	raw, err := bc.call(ctx, "eth_getUserOperationReceipt", hash.Hex())
	if err != nil {
		return nil, classify("eth_getUserOperationReceipt", err)
	}
	if isNull(raw) {
		return nil, nil
	}

	var wire receiptWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, apperrors.NewSubmissionFailed("eth_getUserOperationReceipt", err)
	}
	return wire.decode(), nil
}

func (bc *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	raw, err := bc.call(ctx, "eth_supportedEntryPoints")
	if err != nil {
		return nil, classify("eth_supportedEntryPoints", err)
	}
	var eps []common.Address
	if err := json.Unmarshal(raw, &eps); err != nil {
		return nil, apperrors.NewSubmissionFailed("eth_supportedEntryPoints", err)
	}
	return eps, nil
}

// CheckEntryPoint fails with a configuration error when the bundler does not
// serve the configured EntryPoint.
func (bc *BundlerClient) CheckEntryPoint(ctx context.Context) error {
	eps, err := bc.SupportedEntryPoints(ctx)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		if ep == bc.entryPoint {
			return nil
		}
	}
	return apperrors.NewConfigurationError("account.entrypoint",
		fmt.Sprintf("%s is not supported by the bundler", bc.entryPoint.Hex()))
}
