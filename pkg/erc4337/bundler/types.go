package bundler

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

// GasEstimation is the eth_estimateUserOperationGas result.
type GasEstimation struct {
	PreVerificationGas            *big.Int
	VerificationGasLimit          *big.Int
	CallGasLimit                  *big.Int
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
}

type gasEstimationWire struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big `json:"paymasterPostOpGasLimit,omitempty"`
}

func (w *gasEstimationWire) decode() (*GasEstimation, error) {
	if w.PreVerificationGas == nil || w.VerificationGasLimit == nil || w.CallGasLimit == nil {
		return nil, fmt.Errorf("incomplete gas estimation")
	}
	return &GasEstimation{
		PreVerificationGas:            w.PreVerificationGas.ToInt(),
		VerificationGasLimit:          w.VerificationGasLimit.ToInt(),
		CallGasLimit:                  w.CallGasLimit.ToInt(),
		PaymasterVerificationGasLimit: optionalBig(w.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       optionalBig(w.PaymasterPostOpGasLimit),
	}, nil
}

// FeeTier selects one of the tiers pimlico_getUserOperationGasPrice returns.
type FeeTier string

const (
	FeeTierSlow     FeeTier = "slow"
	FeeTierStandard FeeTier = "standard"
	FeeTierFast     FeeTier = "fast"
)

func ParseFeeTier(s string) (FeeTier, error) {
	switch FeeTier(s) {
	case "":
		return FeeTierFast, nil
	case FeeTierSlow, FeeTierStandard, FeeTierFast:
		return FeeTier(s), nil
	}
	return "", fmt.Errorf("unknown fee tier %q", s)
}

type FeeQuote struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

type feeWire struct {
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

type gasPriceWire struct {
	Slow     *feeWire `json:"slow"`
	Standard *feeWire `json:"standard"`
	Fast     *feeWire `json:"fast"`
}

func (w *gasPriceWire) tier(t FeeTier) *feeWire {
	switch t {
	case FeeTierSlow:
		return w.Slow
	case FeeTierStandard:
		return w.Standard
	}
	return w.Fast
}

// TokenQuote is one entry of pimlico_getTokenQuotes.
type TokenQuote struct {
	Token                   common.Address `json:"token"`
	Paymaster               common.Address `json:"paymaster"`
	ExchangeRate            *big.Int       `json:"exchangeRate"`
	ExchangeRateNativeToUsd *big.Int       `json:"exchangeRateNativeToUsd,omitempty"`
	PostOpGas               *big.Int       `json:"postOpGas"`
}

func (q TokenQuote) Sponsorship() *userop.Sponsorship {
	return &userop.Sponsorship{
		Token:        q.Token,
		Paymaster:    q.Paymaster,
		ExchangeRate: q.ExchangeRate,
		PostOpGas:    q.PostOpGas,
	}
}

type tokenQuoteWire struct {
	Token                   common.Address `json:"token"`
	Paymaster               common.Address `json:"paymaster"`
	ExchangeRate            *hexutil.Big   `json:"exchangeRate"`
	ExchangeRateNativeToUsd *hexutil.Big   `json:"exchangeRateNativeToUsd"`
	PostOpGas               *hexutil.Big   `json:"postOpGas"`
}

type tokenQuotesWire struct {
	Quotes []tokenQuoteWire `json:"quotes"`
}

// PaymasterData is the ERC-7677 pm_getPaymasterStubData / pm_getPaymasterData result.
// v0.6 paymasters return PaymasterAndData instead of the split fields.
type PaymasterData struct {
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterAndData              hexutil.Bytes   `json:"paymasterAndData,omitempty"`
	IsFinal                       bool            `json:"isFinal,omitempty"`
}

// Apply copies the paymaster fields onto op.
func (p *PaymasterData) Apply(op *userop.UserOperation) error {
	switch {
	case p.Paymaster != nil:
		pm := *p.Paymaster
		op.Paymaster = &pm
		op.PaymasterData = common.CopyBytes(p.PaymasterData)
		if p.PaymasterVerificationGasLimit != nil {
			op.PaymasterVerificationGasLimit = p.PaymasterVerificationGasLimit.ToInt()
		}
		if p.PaymasterPostOpGasLimit != nil {
			op.PaymasterPostOpGasLimit = p.PaymasterPostOpGasLimit.ToInt()
		}
	case len(p.PaymasterAndData) >= common.AddressLength:
		pm := common.BytesToAddress(p.PaymasterAndData[:common.AddressLength])
		op.Paymaster = &pm
		op.PaymasterData = common.CopyBytes(p.PaymasterAndData[common.AddressLength:])
	default:
		return fmt.Errorf("paymaster response carries no paymaster")
	}
	return nil
}

// OperationLookup is the eth_getUserOperationByHash result.
type OperationLookup struct {
	Operation       *userop.UserOperation
	EntryPoint      common.Address
	BlockNumber     *big.Int
	BlockHash       common.Hash
	TransactionHash common.Hash
}

type operationLookupWire struct {
	UserOperation   userop.RPCUserOperation `json:"userOperation"`
	EntryPoint      common.Address          `json:"entryPoint"`
	BlockNumber     *hexutil.Big            `json:"blockNumber"`
	BlockHash       common.Hash             `json:"blockHash"`
	TransactionHash common.Hash             `json:"transactionHash"`
}

func (w *operationLookupWire) decode() (*OperationLookup, error) {
	op, err := w.UserOperation.FromRPC()
	if err != nil {
		return nil, err
	}
	return &OperationLookup{
		Operation:       op,
		EntryPoint:      w.EntryPoint,
		BlockNumber:     optionalBig(w.BlockNumber),
		BlockHash:       w.BlockHash,
		TransactionHash: w.TransactionHash,
	}, nil
}

// Pending reports whether the bundler knows the operation but has not included it.
func (l *OperationLookup) Pending() bool {
	return l.BlockNumber == nil
}

type receiptWire struct {
	UserOpHash    common.Hash     `json:"userOpHash"`
	Sender        common.Address  `json:"sender"`
	Nonce         *hexutil.Big    `json:"nonce"`
	Paymaster     *common.Address `json:"paymaster"`
	ActualGasCost *hexutil.Big    `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big    `json:"actualGasUsed"`
	Success       bool            `json:"success"`
	Reason        string          `json:"reason"`
	Receipt       struct {
		TransactionHash common.Hash  `json:"transactionHash"`
		BlockHash       common.Hash  `json:"blockHash"`
		BlockNumber     *hexutil.Big `json:"blockNumber"`
	} `json:"receipt"`
}

func (w *receiptWire) decode() *userop.Receipt {
	r := &userop.Receipt{
		OperationHash:   w.UserOpHash,
		Sender:          w.Sender,
		Nonce:           optionalBig(w.Nonce),
		Success:         w.Success,
		Reason:          w.Reason,
		ActualGasCost:   optionalBig(w.ActualGasCost),
		ActualGasUsed:   optionalBig(w.ActualGasUsed),
		BlockHash:       w.Receipt.BlockHash,
		TransactionHash: w.Receipt.TransactionHash,
	}
	if w.Paymaster != nil {
		r.Paymaster = *w.Paymaster
	}
	if w.Receipt.BlockNumber != nil {
		r.BlockNumber = w.Receipt.BlockNumber.ToInt().Uint64()
	}
	if r.ActualGasCost == nil {
		r.ActualGasCost = new(big.Int)
	}
	return r
}

func optionalBig(v *hexutil.Big) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v.ToInt())
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
