package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/chainio/signer"
	"github.com/AvaProtocol/ap-userops/pkg/byte4"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

var (
	Beneficiary = common.HexToAddress("0x000000000000000000000000000000000000beef")

	DefaultGasUsed       = big.NewInt(80_000)
	DefaultDeployGasUsed = big.NewInt(250_000)

	// Paymaster limits: the stub's guess and the estimate's answer differ.
	StubPaymasterVerificationGas      = big.NewInt(75_000)
	EstimatedPaymasterVerificationGas = big.NewInt(60_000)
	EstimatedPaymasterPostOpGas       = big.NewInt(45_000)

	weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type fakeRecord struct {
	raw     json.RawMessage
	op      *userop.UserOperation
	receipt map[string]interface{}
	polls   int
}

// FakeBundler serves the bundler and paymaster JSON-RPC methods over
// httptest and applies each accepted operation to a FakeChain immediately:
// deployment, call values, EntryPoint deposits, token transfers and the gas
// charge (token when sponsored, else deposit, else native balance). Prefund
// refunds into the deposit are not modelled.
type FakeBundler struct {
	Chain   *FakeChain
	Version userop.Version
	Quotes  []bundler.TokenQuote

	// Estimation reverts with AA21 when any call value exceeds this.
	RevertAboveValue *big.Int
	// Receipts stay null for this many polls per hash.
	PendingPolls int
	// Receipts stay null forever.
	NeverInclude bool
	// Drops pimlico_getUserOperationGasPrice so clients hit method-not-found.
	NoFeeMethod bool
	// Returned by eth_sendUserOperation instead of accepting the operation.
	SubmitError *bundler.RPCError

	GasUsed       *big.Int
	DeployGasUsed *big.Int

	server *httptest.Server

	mu              sync.Mutex
	ops             map[common.Hash]*fakeRecord
	order           []common.Hash
	calls           map[string]int
	estimatedValues []*big.Int
	block           uint64
}

func NewFakeBundler(chain *FakeChain, version userop.Version) *FakeBundler {
	b := &FakeBundler{
		Chain:         chain,
		Version:       version,
		GasUsed:       DefaultGasUsed,
		DeployGasUsed: DefaultDeployGasUsed,
		ops:           map[common.Hash]*fakeRecord{},
		calls:         map[string]int{},
		block:         100,
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.serve))
	return b
}

func (b *FakeBundler) URL() string { return b.server.URL }

func (b *FakeBundler) Close() { b.server.Close() }

func (b *FakeBundler) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// EstimatedValues returns the total call value of every estimation request.
func (b *FakeBundler) EstimatedValues() []*big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*big.Int{}, b.estimatedValues...)
}

// Submitted returns accepted operation hashes in order.
func (b *FakeBundler) Submitted() []common.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]common.Hash{}, b.order...)
}

func (b *FakeBundler) Operation(hash common.Hash) *userop.UserOperation {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.ops[hash]; ok {
		return r.op
	}
	return nil
}

// TokenCharge converts a native gas cost into token units with a quote's rate.
func TokenCharge(cost, exchangeRate *big.Int) *big.Int {
	out := new(big.Int).Mul(cost, exchangeRate)
	return out.Div(out, weiPerEther)
}

type rpcError = bundler.RPCError

func simErr(code int, msg string) *rpcError {
	return &rpcError{Code: code, Message: msg}
}

func (b *FakeBundler) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.calls[req.Method]++
	b.mu.Unlock()

	result, rpcErr := b.dispatch(req.Method, req.Params)

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (b *FakeBundler) dispatch(method string, params []json.RawMessage) (interface{}, *rpcError) {
	switch method {
	case "eth_supportedEntryPoints":
		return []string{b.Chain.EntryPoint().Hex()}, nil
	case "pimlico_getUserOperationGasPrice":
		if b.NoFeeMethod {
			break
		}
		return b.gasPrice(), nil
	case "pimlico_getTokenQuotes":
		return b.tokenQuotes(params)
	case "pm_getPaymasterStubData":
		return b.paymasterData(params, false)
	case "pm_getPaymasterData":
		return b.paymasterData(params, true)
	case "eth_estimateUserOperationGas":
		return b.estimate(params)
	case "eth_sendUserOperation":
		return b.send(params)
	case "eth_getUserOperationReceipt":
		return b.receipt(params)
	case "eth_getUserOperationByHash":
		return b.lookup(params)
	}
	return nil, simErr(bundler.CodeMethodNotFound, fmt.Sprintf("method %s not found", method))
}

func (b *FakeBundler) gasPrice() interface{} {
	header, _ := b.Chain.HeaderByNumber(context.Background(), nil)
	tip, _ := b.Chain.SuggestGasTipCap(context.Background())
	tier := func(mult int64) map[string]string {
		maxFee := new(big.Int).Mul(header.BaseFee, big.NewInt(mult))
		maxFee.Add(maxFee, tip)
		return map[string]string{
			"maxFeePerGas":         hexutil.EncodeBig(maxFee),
			"maxPriorityFeePerGas": hexutil.EncodeBig(tip),
		}
	}
	return map[string]interface{}{"slow": tier(1), "standard": tier(2), "fast": tier(3)}
}

func (b *FakeBundler) tokenQuotes(params []json.RawMessage) (interface{}, *rpcError) {
	var filter struct {
		Tokens []common.Address `json:"tokens"`
	}
	if len(params) < 1 || json.Unmarshal(params[0], &filter) != nil {
		return nil, simErr(bundler.CodeInvalidParams, "invalid token quote params")
	}
	wanted := map[common.Address]bool{}
	for _, t := range filter.Tokens {
		wanted[t] = true
	}

	quotes := []map[string]string{}
	for _, q := range b.Quotes {
		if !wanted[q.Token] {
			continue
		}
		quotes = append(quotes, map[string]string{
			"token":                   q.Token.Hex(),
			"paymaster":               q.Paymaster.Hex(),
			"exchangeRate":            hexutil.EncodeBig(q.ExchangeRate),
			"exchangeRateNativeToUsd": hexutil.EncodeBig(q.ExchangeRate),
			"postOpGas":               hexutil.EncodeBig(q.PostOpGas),
		})
	}
	return map[string]interface{}{"quotes": quotes}, nil
}

func (b *FakeBundler) quoteFor(paymaster *common.Address, token *common.Address) *bundler.TokenQuote {
	for i := range b.Quotes {
		q := b.Quotes[i]
		if (paymaster != nil && q.Paymaster == *paymaster) || (token != nil && q.Token == *token) {
			return &q
		}
	}
	return nil
}

func (b *FakeBundler) paymasterData(params []json.RawMessage, final bool) (interface{}, *rpcError) {
	if len(params) < 4 {
		return nil, simErr(bundler.CodeInvalidParams, "pm methods take 4 params")
	}
	var pmCtx struct {
		Token common.Address `json:"token"`
	}
	if err := json.Unmarshal(params[3], &pmCtx); err != nil {
		return nil, simErr(bundler.CodeInvalidParams, "invalid paymaster context")
	}
	q := b.quoteFor(nil, &pmCtx.Token)
	if q == nil {
		return nil, simErr(bundler.CodeInvalidParams, "token not supported by paymaster")
	}

	// the final answer carries only paymaster and paymasterData
	if final {
		return map[string]interface{}{
			"paymaster":     q.Paymaster.Hex(),
			"paymasterData": "0x01" + pmCtx.Token.Hex()[2:],
		}, nil
	}
	return map[string]interface{}{
		"paymaster":                     q.Paymaster.Hex(),
		"paymasterData":                 "0x00",
		"paymasterVerificationGasLimit": hexutil.EncodeBig(StubPaymasterVerificationGas),
		"paymasterPostOpGasLimit":       hexutil.EncodeBig(q.PostOpGas),
		"isFinal":                       false,
	}, nil
}

func (b *FakeBundler) decodeOp(params []json.RawMessage) (*userop.UserOperation, json.RawMessage, *rpcError) {
	if len(params) < 2 {
		return nil, nil, simErr(bundler.CodeInvalidParams, "missing params")
	}
	var ep common.Address
	if err := json.Unmarshal(params[1], &ep); err != nil || ep != b.Chain.EntryPoint() {
		return nil, nil, simErr(bundler.CodeInvalidParams, "unsupported entrypoint")
	}
	var wire userop.RPCUserOperation
	if err := json.Unmarshal(params[0], &wire); err != nil {
		return nil, nil, simErr(bundler.CodeInvalidParams, err.Error())
	}
	op, err := wire.FromRPC()
	if err != nil {
		return nil, nil, simErr(bundler.CodeInvalidParams, err.Error())
	}
	return op, params[0], nil
}

func (b *FakeBundler) estimate(params []json.RawMessage) (interface{}, *rpcError) {
	op, _, rpcErr := b.decodeOp(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	calls, err := aa.UnpackCalls(b.Version, op.CallData)
	if err != nil {
		return nil, simErr(bundler.CodeExecutionReverted, "execution reverted: bad callData")
	}

	total := new(big.Int)
	for _, c := range calls {
		if c.Value == nil {
			continue
		}
		total.Add(total, c.Value)
		if b.RevertAboveValue != nil && c.Value.Cmp(b.RevertAboveValue) > 0 {
			b.recordEstimate(total)
			return nil, simErr(bundler.CodeRejectedByEntryPoint, "AA21 didn't pay prefund")
		}
	}
	b.recordEstimate(total)

	// the account tops up its deposit to the prefund before executing
	balance := b.Chain.Balance(op.Sender)
	if !op.HasPaymaster() {
		missing := new(big.Int).Sub(op.MaxGasCost(), b.Chain.Deposit(op.Sender))
		if missing.Sign() > 0 {
			if missing.Cmp(balance) > 0 {
				return nil, simErr(bundler.CodeRejectedByEntryPoint, "AA21 didn't pay prefund")
			}
			balance.Sub(balance, missing)
		}
	}
	if total.Cmp(balance) > 0 {
		return nil, simErr(bundler.CodeExecutionReverted, "execution reverted")
	}

	verification := big.NewInt(150_000)
	if op.Factory != nil {
		verification.Add(verification, b.DeployGasUsed)
	}
	out := map[string]string{
		"preVerificationGas":   hexutil.EncodeBig(big.NewInt(50_000)),
		"verificationGasLimit": hexutil.EncodeBig(verification),
		"callGasLimit":         hexutil.EncodeBig(big.NewInt(100_000)),
	}
	if op.HasPaymaster() {
		out["paymasterVerificationGasLimit"] = hexutil.EncodeBig(EstimatedPaymasterVerificationGas)
		out["paymasterPostOpGasLimit"] = hexutil.EncodeBig(EstimatedPaymasterPostOpGas)
	}
	return out, nil
}

func (b *FakeBundler) recordEstimate(total *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.estimatedValues = append(b.estimatedValues, new(big.Int).Set(total))
}

// send validates like an EntryPoint would and applies the operation.
func (b *FakeBundler) send(params []json.RawMessage) (interface{}, *rpcError) {
	if b.SubmitError != nil {
		return nil, b.SubmitError
	}
	op, raw, rpcErr := b.decodeOp(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	hash, err := op.Hash(b.Chain.EntryPoint(), b.Chain.chainID, b.Version)
	if err != nil {
		return nil, simErr(bundler.CodeInvalidParams, err.Error())
	}

	c := b.Chain
	c.mu.Lock()
	defer c.mu.Unlock()

	// validation
	deployed := len(c.code[op.Sender]) > 0
	owner, hasOwner := c.owners[op.Sender]
	switch {
	case deployed && op.Factory != nil:
		return nil, simErr(bundler.CodeRejectedByEntryPoint, "AA10 sender already constructed")
	case !deployed && op.Factory == nil:
		return nil, simErr(bundler.CodeRejectedByEntryPoint, "AA20 account not deployed")
	case !deployed:
		_, args, err := byte4.DecodeCalldata(aa.FactoryABI, op.FactoryData)
		if err != nil {
			return nil, simErr(bundler.CodeRejectedByEntryPoint, "AA13 initCode failed or OOG")
		}
		owner = args[0].(common.Address)
		if !c.factories[*op.Factory] {
			return nil, simErr(bundler.CodeRejectedByEntryPoint, "AA13 initCode failed or OOG")
		}
		sender, _ := c.senderForLocked(*op.Factory, owner, args[1].(*big.Int))
		if sender != op.Sender {
			return nil, simErr(bundler.CodeRejectedByEntryPoint, "AA14 initCode must return sender")
		}
		hasOwner = true
	}

	if !hasOwner {
		return nil, simErr(bundler.CodeInvalidSignature, "AA24 signature error")
	}
	recovered, err := signer.RecoverAddress(hash.Bytes(), op.Signature)
	if err != nil || recovered != owner {
		return nil, simErr(bundler.CodeInvalidSignature, "AA24 signature error")
	}

	key := userop.NonceKey(op.Nonce)
	lane := nonceLane(op.Sender, key)
	expected := new(big.Int).Lsh(key, 64)
	expected.Or(expected, new(big.Int).SetUint64(c.nonces[lane]))
	if op.Nonce.Cmp(expected) != 0 {
		return nil, simErr(bundler.CodeInvalidParams, "AA25 invalid account nonce")
	}

	gasUsed := new(big.Int).Set(b.GasUsed)
	if op.Factory != nil {
		gasUsed.Add(gasUsed, b.DeployGasUsed)
	}
	cost := new(big.Int).Mul(gasUsed, op.MaxFeePerGas)

	var quote *bundler.TokenQuote
	if op.HasPaymaster() {
		quote = b.quoteFor(op.Paymaster, nil)
		if quote == nil {
			return nil, simErr(bundler.CodeRejectedByPaymaster, "AA30 paymaster not deployed")
		}
		if b.Version == userop.V07 && (op.PaymasterVerificationGasLimit == nil || op.PaymasterVerificationGasLimit.Sign() == 0) {
			return nil, simErr(bundler.CodeRejectedByPaymaster, "AA33 reverted: paymaster validation out of gas")
		}
		if c.tokenBalanceLocked(quote.Token, op.Sender).Cmp(TokenCharge(cost, quote.ExchangeRate)) < 0 {
			return nil, simErr(bundler.CodeRejectedByPaymaster, "AA33 reverted: insufficient token balance")
		}
	} else if c.depositLocked(op.Sender).Cmp(cost) < 0 && c.balanceLocked(op.Sender).Cmp(cost) < 0 {
		return nil, simErr(bundler.CodeRejectedByEntryPoint, "AA21 didn't pay prefund")
	}

	calls, err := aa.UnpackCalls(b.Version, op.CallData)
	if err != nil {
		return nil, simErr(bundler.CodeExecutionReverted, "execution reverted: bad callData")
	}

	// inclusion
	if !deployed {
		c.code[op.Sender] = accountCode
		c.owners[op.Sender] = owner
	}
	c.nonces[lane]++

	switch {
	case quote != nil:
		_ = c.moveTokenLocked(quote.Token, op.Sender, quote.Paymaster, TokenCharge(cost, quote.ExchangeRate))
	case c.depositLocked(op.Sender).Cmp(cost) >= 0:
		c.deposits[op.Sender] = c.depositLocked(op.Sender).Sub(c.depositLocked(op.Sender), cost)
	default:
		_ = c.moveNativeLocked(op.Sender, Beneficiary, cost)
	}

	success, reason := true, ""
	saved := c.saveLocked()
	if err := b.executeLocked(op.Sender, calls); err != nil {
		c.restoreLocked(saved)
		success, reason = false, err.Error()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.block++
	txHash := crypto.Keccak256Hash(hash.Bytes(), []byte("tx"))
	var paymaster interface{}
	if op.HasPaymaster() {
		paymaster = op.Paymaster.Hex()
	}
	b.ops[hash] = &fakeRecord{
		raw: raw,
		op:  op,
		receipt: map[string]interface{}{
			"userOpHash":    hash.Hex(),
			"sender":        op.Sender.Hex(),
			"nonce":         hexutil.EncodeBig(op.Nonce),
			"paymaster":     paymaster,
			"actualGasCost": hexutil.EncodeBig(cost),
			"actualGasUsed": hexutil.EncodeBig(gasUsed),
			"success":       success,
			"reason":        reason,
			"receipt": map[string]string{
				"transactionHash": txHash.Hex(),
				"blockHash":       crypto.Keccak256Hash(txHash.Bytes()).Hex(),
				"blockNumber":     hexutil.EncodeUint64(b.block),
			},
		},
	}
	b.order = append(b.order, hash)

	return hash.Hex(), nil
}

func (b *FakeBundler) executeLocked(sender common.Address, calls []userop.Call) error {
	c := b.Chain
	for i, call := range calls {
		value := call.Value
		if value == nil {
			value = new(big.Int)
		}

		switch {
		case call.To == c.entryPoint:
			method, args, err := byte4.DecodeCalldata(aa.EntryPointABI, call.Data)
			if err != nil || method.Name != "depositTo" {
				return fmt.Errorf("call %d: execution reverted", i)
			}
			if err := c.moveNativeLocked(sender, c.entryPoint, value); err != nil {
				return fmt.Errorf("call %d: %w", i, err)
			}
			// the EntryPoint holds deposits on its own ledger
			c.balances[c.entryPoint] = c.balanceLocked(c.entryPoint).Sub(c.balanceLocked(c.entryPoint), value)
			to := args[0].(common.Address)
			c.deposits[to] = new(big.Int).Add(c.depositLocked(to), value)

		case c.tokens[call.To] != nil:
			method, args, err := byte4.DecodeCalldata(aa.ERC20ABI, call.Data)
			if err != nil {
				return fmt.Errorf("call %d: execution reverted", i)
			}
			switch method.Name {
			case "transfer":
				if err := c.moveTokenLocked(call.To, sender, args[0].(common.Address), args[1].(*big.Int)); err != nil {
					return fmt.Errorf("call %d: %w", i, err)
				}
			case "approve":
			default:
				return fmt.Errorf("call %d: execution reverted", i)
			}

		default:
			if value.Sign() > 0 {
				if err := c.moveNativeLocked(sender, call.To, value); err != nil {
					return fmt.Errorf("call %d: %w", i, err)
				}
			}
		}
	}
	return nil
}

func (b *FakeBundler) hashParam(params []json.RawMessage) (common.Hash, *rpcError) {
	if len(params) < 1 {
		return common.Hash{}, simErr(bundler.CodeInvalidParams, "missing hash")
	}
	var h string
	if err := json.Unmarshal(params[0], &h); err != nil {
		return common.Hash{}, simErr(bundler.CodeInvalidParams, "invalid hash")
	}
	return common.HexToHash(h), nil
}

func (b *FakeBundler) receipt(params []json.RawMessage) (interface{}, *rpcError) {
	hash, rpcErr := b.hashParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.ops[hash]
	if !ok || b.NeverInclude {
		return nil, nil
	}
	if rec.polls < b.PendingPolls {
		rec.polls++
		return nil, nil
	}
	return rec.receipt, nil
}

func (b *FakeBundler) lookup(params []json.RawMessage) (interface{}, *rpcError) {
	hash, rpcErr := b.hashParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.ops[hash]
	if !ok {
		return nil, nil
	}
	inner := rec.receipt["receipt"].(map[string]string)
	return map[string]interface{}{
		"userOperation":   rec.raw,
		"entryPoint":      b.Chain.EntryPoint().Hex(),
		"blockNumber":     inner["blockNumber"],
		"blockHash":       inner["blockHash"],
		"transactionHash": inner["transactionHash"],
	}, nil
}
