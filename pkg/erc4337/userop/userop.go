// Package userop models ERC-4337 UserOperations for EntryPoint v0.6 and v0.7,
// including the user operation hash and the JSON form used by bundler RPCs.
package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Version string

const (
	V06 Version = "0.6"
	V07 Version = "0.7"
)

func ParseVersion(s string) (Version, error) {
	switch s {
	case "0.6", "v0.6", "0.6.0":
		return V06, nil
	case "0.7", "v0.7", "0.7.0", "":
		return V07, nil
	}
	return "", fmt.Errorf("unsupported entrypoint version %q", s)
}

// Call is one target invocation executed by the smart account.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// GasParameters holds fees and limits. The three limits are optional until
// an estimation (or a fixed policy) fills them.
type GasParameters struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
}

// Sponsorship identifies a fee token and the paymaster charging it.
type Sponsorship struct {
	Token        common.Address
	Paymaster    common.Address
	ExchangeRate *big.Int
	PostOpGas    *big.Int
}

// UserOperation is kept in the unpacked v0.7 shape. For v0.6 the factory
// fields form initCode and the paymaster fields form paymasterAndData.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	Factory              *common.Address
	FactoryData          []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte

	Signature []byte
}

// Receipt is the bundler's view of an included operation.
type Receipt struct {
	OperationHash   common.Hash
	Sender          common.Address
	Nonce           *big.Int
	Paymaster       common.Address
	Success         bool
	Reason          string
	ActualGasCost   *big.Int
	ActualGasUsed   *big.Int
	BlockHash       common.Hash
	BlockNumber     uint64
	TransactionHash common.Hash
}

// NewNonce packs a 192 bit key and a 64 bit sequence the way EntryPoint.getNonce does.
func NewNonce(key *big.Int, seq uint64) *big.Int {
	n := new(big.Int).Lsh(key, 64)
	return n.Or(n, new(big.Int).SetUint64(seq))
}

func NonceKey(nonce *big.Int) *big.Int {
	return new(big.Int).Rsh(nonce, 64)
}

func (op *UserOperation) GasParameters() GasParameters {
	return GasParameters{
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
	}
}

func (op *UserOperation) SetGasParameters(g GasParameters) {
	op.MaxFeePerGas = g.MaxFeePerGas
	op.MaxPriorityFeePerGas = g.MaxPriorityFeePerGas
	op.CallGasLimit = g.CallGasLimit
	op.VerificationGasLimit = g.VerificationGasLimit
	op.PreVerificationGas = g.PreVerificationGas
}

// Complete reports whether all five gas fields are populated.
func (g GasParameters) Complete() bool {
	return g.MaxFeePerGas != nil && g.MaxPriorityFeePerGas != nil &&
		g.CallGasLimit != nil && g.VerificationGasLimit != nil && g.PreVerificationGas != nil
}

// Submittable reports whether the operation carries a nonce and a full gas set.
func (op *UserOperation) Submittable() bool {
	return op.Nonce != nil && op.GasParameters().Complete()
}

func (op *UserOperation) HasPaymaster() bool {
	return op.Paymaster != nil && *op.Paymaster != (common.Address{})
}

// InitCode returns factory ++ factoryData, or nil for a deployed account.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == nil {
		return nil
	}
	out := append([]byte{}, op.Factory.Bytes()...)
	return append(out, op.FactoryData...)
}

// PaymasterAndData returns the packed paymaster field for the given EntryPoint version.
func (op *UserOperation) PaymasterAndData(v Version) []byte {
	if !op.HasPaymaster() {
		return nil
	}
	out := append([]byte{}, op.Paymaster.Bytes()...)
	if v == V07 {
		out = append(out, pad16(op.PaymasterVerificationGasLimit)...)
		out = append(out, pad16(op.PaymasterPostOpGasLimit)...)
	}
	return append(out, op.PaymasterData...)
}

// MaxGasCost is the most the operation can be charged: sum of limits times maxFeePerGas.
func (op *UserOperation) MaxGasCost() *big.Int {
	total := new(big.Int)
	for _, g := range []*big.Int{
		op.CallGasLimit, op.VerificationGasLimit, op.PreVerificationGas,
		op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit,
	} {
		if g != nil {
			total.Add(total, g)
		}
	}
	if op.MaxFeePerGas == nil {
		return new(big.Int)
	}
	return total.Mul(total, op.MaxFeePerGas)
}

// Copy returns a deep copy so drafts can be finalized without touching the original.
func (op *UserOperation) Copy() *UserOperation {
	cp := *op
	cp.Nonce = cloneInt(op.Nonce)
	cp.CallGasLimit = cloneInt(op.CallGasLimit)
	cp.VerificationGasLimit = cloneInt(op.VerificationGasLimit)
	cp.PreVerificationGas = cloneInt(op.PreVerificationGas)
	cp.MaxFeePerGas = cloneInt(op.MaxFeePerGas)
	cp.MaxPriorityFeePerGas = cloneInt(op.MaxPriorityFeePerGas)
	cp.PaymasterVerificationGasLimit = cloneInt(op.PaymasterVerificationGasLimit)
	cp.PaymasterPostOpGasLimit = cloneInt(op.PaymasterPostOpGasLimit)
	cp.FactoryData = common.CopyBytes(op.FactoryData)
	cp.CallData = common.CopyBytes(op.CallData)
	cp.PaymasterData = common.CopyBytes(op.PaymasterData)
	cp.Signature = common.CopyBytes(op.Signature)
	if op.Factory != nil {
		f := *op.Factory
		cp.Factory = &f
	}
	if op.Paymaster != nil {
		p := *op.Paymaster
		cp.Paymaster = &p
	}
	return &cp
}

var (
	addressT, _ = abi.NewType("address", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)
	bytes32T, _ = abi.NewType("bytes32", "", nil)

	packedV06 = abi.Arguments{
		{Type: addressT}, {Type: uint256T}, {Type: bytes32T}, {Type: bytes32T},
		{Type: uint256T}, {Type: uint256T}, {Type: uint256T}, {Type: uint256T}, {Type: uint256T},
		{Type: bytes32T},
	}
	packedV07 = abi.Arguments{
		{Type: addressT}, {Type: uint256T}, {Type: bytes32T}, {Type: bytes32T},
		{Type: bytes32T}, {Type: uint256T}, {Type: bytes32T}, {Type: bytes32T},
	}
	hashEnvelope = abi.Arguments{{Type: bytes32T}, {Type: addressT}, {Type: uint256T}}
)

// Pack returns the ABI encoding hashed into the userOpHash, signature excluded.
func (op *UserOperation) Pack(v Version) ([]byte, error) {
	initCodeHash := crypto.Keccak256Hash(op.InitCode())
	callDataHash := crypto.Keccak256Hash(op.CallData)
	paymasterHash := crypto.Keccak256Hash(op.PaymasterAndData(v))

	if v == V06 {
		return packedV06.Pack(
			op.Sender, orZero(op.Nonce), initCodeHash, callDataHash,
			orZero(op.CallGasLimit), orZero(op.VerificationGasLimit), orZero(op.PreVerificationGas),
			orZero(op.MaxFeePerGas), orZero(op.MaxPriorityFeePerGas),
			paymasterHash,
		)
	}

	var accountGasLimits, gasFees [32]byte
	copy(accountGasLimits[:16], pad16(op.VerificationGasLimit))
	copy(accountGasLimits[16:], pad16(op.CallGasLimit))
	copy(gasFees[:16], pad16(op.MaxPriorityFeePerGas))
	copy(gasFees[16:], pad16(op.MaxFeePerGas))

	return packedV07.Pack(
		op.Sender, orZero(op.Nonce), initCodeHash, callDataHash,
		accountGasLimits, orZero(op.PreVerificationGas), gasFees,
		paymasterHash,
	)
}

// Hash computes the userOpHash that is signed by the account owner.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int, v Version) (common.Hash, error) {
	packed, err := op.Pack(v)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack user operation: %w", err)
	}
	enc, err := hashEnvelope.Pack(crypto.Keccak256Hash(packed), entryPoint, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack user operation hash: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

func pad16(v *big.Int) []byte {
	return common.LeftPadBytes(orZero(v).Bytes(), 16)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
