package userop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RPCUserOperation is the hex encoded JSON shape bundlers accept and return.
// v0.6 bundlers use InitCode/PaymasterAndData, v0.7 bundlers use the unpacked fields.
type RPCUserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	Signature            hexutil.Bytes  `json:"signature"`

	InitCode         *hexutil.Bytes `json:"initCode,omitempty"`
	PaymasterAndData *hexutil.Bytes `json:"paymasterAndData,omitempty"`

	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   *hexutil.Bytes  `json:"factoryData,omitempty"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 *hexutil.Bytes  `json:"paymasterData,omitempty"`
}

// ToRPC encodes the operation for the given EntryPoint version. Unset gas
// fields are sent as 0x0 so estimation requests stay well formed.
func (op *UserOperation) ToRPC(v Version) *RPCUserOperation {
	out := &RPCUserOperation{
		Sender:               op.Sender,
		Nonce:                hexBig(op.Nonce),
		CallData:             orEmpty(op.CallData),
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		Signature:            orEmpty(op.Signature),
	}

	if v == V06 {
		initCode := hexutil.Bytes(orEmpty(op.InitCode()))
		pmd := hexutil.Bytes(orEmpty(op.PaymasterAndData(V06)))
		out.InitCode = &initCode
		out.PaymasterAndData = &pmd
		return out
	}

	if op.Factory != nil {
		f := *op.Factory
		fd := hexutil.Bytes(orEmpty(op.FactoryData))
		out.Factory = &f
		out.FactoryData = &fd
	}
	if op.HasPaymaster() {
		p := *op.Paymaster
		pd := hexutil.Bytes(orEmpty(op.PaymasterData))
		out.Paymaster = &p
		out.PaymasterVerificationGasLimit = hexBig(op.PaymasterVerificationGasLimit)
		out.PaymasterPostOpGasLimit = hexBig(op.PaymasterPostOpGasLimit)
		out.PaymasterData = &pd
	}
	return out
}

// FromRPC decodes either wire shape back into a UserOperation.
func (r *RPCUserOperation) FromRPC() (*UserOperation, error) {
	op := &UserOperation{
		Sender:               r.Sender,
		Nonce:                bigOf(r.Nonce),
		CallData:             []byte(r.CallData),
		CallGasLimit:         bigOf(r.CallGasLimit),
		VerificationGasLimit: bigOf(r.VerificationGasLimit),
		PreVerificationGas:   bigOf(r.PreVerificationGas),
		MaxFeePerGas:         bigOf(r.MaxFeePerGas),
		MaxPriorityFeePerGas: bigOf(r.MaxPriorityFeePerGas),
		Signature:            []byte(r.Signature),
	}

	switch {
	case r.Factory != nil:
		f := *r.Factory
		op.Factory = &f
		if r.FactoryData != nil {
			op.FactoryData = []byte(*r.FactoryData)
		}
	case r.InitCode != nil && len(*r.InitCode) > 0:
		if len(*r.InitCode) < common.AddressLength {
			return nil, fmt.Errorf("initCode too short: %d bytes", len(*r.InitCode))
		}
		f := common.BytesToAddress((*r.InitCode)[:common.AddressLength])
		op.Factory = &f
		op.FactoryData = common.CopyBytes((*r.InitCode)[common.AddressLength:])
	}

	switch {
	case r.Paymaster != nil:
		p := *r.Paymaster
		op.Paymaster = &p
		op.PaymasterVerificationGasLimit = bigOf(r.PaymasterVerificationGasLimit)
		op.PaymasterPostOpGasLimit = bigOf(r.PaymasterPostOpGasLimit)
		if r.PaymasterData != nil {
			op.PaymasterData = []byte(*r.PaymasterData)
		}
	case r.PaymasterAndData != nil && len(*r.PaymasterAndData) > 0:
		if len(*r.PaymasterAndData) < common.AddressLength {
			return nil, fmt.Errorf("paymasterAndData too short: %d bytes", len(*r.PaymasterAndData))
		}
		p := common.BytesToAddress((*r.PaymasterAndData)[:common.AddressLength])
		op.Paymaster = &p
		op.PaymasterData = common.CopyBytes((*r.PaymasterAndData)[common.AddressLength:])
	}

	return op, nil
}

// MarshalJSON defaults to the v0.7 wire shape.
func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(op.ToRPC(V07))
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var r RPCUserOperation
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	decoded, err := r.FromRPC()
	if err != nil {
		return err
	}
	*op = *decoded
	return nil
}

func hexBig(v *big.Int) *hexutil.Big {
	return (*hexutil.Big)(orZero(v))
}

func bigOf(v *hexutil.Big) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v.ToInt())
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
