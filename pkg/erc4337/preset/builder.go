package preset

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/chainio/signer"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

var (
	// Fallback limits for fixed-override policies. Based on SimpleAccount
	// execute + ETH transfer on Sepolia; deployment adds the factory call.
	DEFAULT_CALL_GAS_LIMIT         = big.NewInt(200000)
	DEFAULT_VERIFICATION_GAS_LIMIT = big.NewInt(1000000)
	DEFAULT_PREVERIFICATION_GAS    = big.NewInt(50000)

	DEPLOYMENT_VERIFICATION_GAS_LIMIT = big.NewInt(3000000)

	// Anything above a block gas limit is malformed input.
	MAX_GAS_LIMIT = big.NewInt(30_000_000)

	// Recovers to a throwaway address without reverting. Bundlers only check its length during estimation.
	DummySignature = common.FromHex("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")
)

var (
	ErrEmptyBatch       = errors.New("call batch is empty")
	ErrInvalidAddress   = errors.New("call target is not a valid address")
	ErrNegativeValue    = errors.New("call value is negative")
	ErrValueOverflow    = errors.New("call value does not fit uint256")
	ErrGasLimitTooHigh  = errors.New("gas limit above ceiling")
	ErrNegativeGasField = errors.New("gas field is negative")
)

type buildOptions struct {
	nonce       *big.Int
	deploy      bool
	maxGasLimit *big.Int
}

type Option func(*buildOptions)

func WithNonce(nonce *big.Int) Option {
	return func(o *buildOptions) { o.nonce = nonce }
}

// WithDeployment attaches factory and factoryData so the EntryPoint deploys the account first.
func WithDeployment() Option {
	return func(o *buildOptions) { o.deploy = true }
}

func WithMaxGasLimit(limit *big.Int) Option {
	return func(o *buildOptions) { o.maxGasLimit = limit }
}

// Build assembles an unsigned UserOperation. It validates input only; it does
// not sign, estimate or submit.
func Build(account *aa.SmartAccount, calls []userop.Call, gas userop.GasParameters, sponsorship *userop.Sponsorship, opts ...Option) (*userop.UserOperation, error) {
	o := buildOptions{maxGasLimit: MAX_GAS_LIMIT}
	for _, fn := range opts {
		fn(&o)
	}

	if err := ValidateCalls(calls); err != nil {
		return nil, err
	}
	if err := validateGas(gas, o.maxGasLimit); err != nil {
		return nil, err
	}

	sender, err := account.Address()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account address: %w", err)
	}

	callData, err := aa.PackCalls(account.Version, calls)
	if err != nil {
		return nil, fmt.Errorf("failed to encode calls: %w", err)
	}

	op := &userop.UserOperation{
		Sender:   sender,
		Nonce:    o.nonce,
		CallData: callData,
	}
	op.SetGasParameters(copyGas(gas))

	if o.deploy {
		factoryData, err := account.FactoryData()
		if err != nil {
			return nil, fmt.Errorf("failed to encode factory data: %w", err)
		}
		factory := account.Factory
		op.Factory = &factory
		op.FactoryData = factoryData
	}

	if sponsorship != nil {
		pm := sponsorship.Paymaster
		op.Paymaster = &pm
		if sponsorship.PostOpGas != nil {
			op.PaymasterPostOpGasLimit = new(big.Int).Set(sponsorship.PostOpGas)
		}
	}

	return op, nil
}

// ValidateCalls rejects empty batches and malformed targets or values.
func ValidateCalls(calls []userop.Call) error {
	if len(calls) == 0 {
		return ErrEmptyBatch
	}
	for i, c := range calls {
		if c.To == (common.Address{}) {
			return fmt.Errorf("call %d: %w", i, ErrInvalidAddress)
		}
		if c.Value == nil {
			continue
		}
		if c.Value.Sign() < 0 {
			return fmt.Errorf("call %d: %w", i, ErrNegativeValue)
		}
		if _, overflow := uint256.FromBig(c.Value); overflow {
			return fmt.Errorf("call %d: %w", i, ErrValueOverflow)
		}
	}
	return nil
}

func validateGas(g userop.GasParameters, ceiling *big.Int) error {
	limits := map[string]*big.Int{
		"callGasLimit":         g.CallGasLimit,
		"verificationGasLimit": g.VerificationGasLimit,
		"preVerificationGas":   g.PreVerificationGas,
	}
	for name, v := range limits {
		if v == nil {
			continue
		}
		if v.Sign() < 0 {
			return fmt.Errorf("%s: %w", name, ErrNegativeGasField)
		}
		if ceiling != nil && v.Cmp(ceiling) > 0 {
			return fmt.Errorf("%s %s: %w", name, v, ErrGasLimitTooHigh)
		}
	}
	for name, v := range map[string]*big.Int{
		"maxFeePerGas":         g.MaxFeePerGas,
		"maxPriorityFeePerGas": g.MaxPriorityFeePerGas,
	} {
		if v != nil && v.Sign() < 0 {
			return fmt.Errorf("%s: %w", name, ErrNegativeGasField)
		}
	}
	if g.MaxFeePerGas != nil && g.MaxPriorityFeePerGas != nil && g.MaxPriorityFeePerGas.Cmp(g.MaxFeePerGas) > 0 {
		return fmt.Errorf("maxPriorityFeePerGas %s exceeds maxFeePerGas %s", g.MaxPriorityFeePerGas, g.MaxFeePerGas)
	}
	return nil
}

// ProbeCalls returns a copy of calls for gas estimation. When the batch's
// total value plus prefund exceeds threshold, every non-zero value becomes
// probe so the bundler's simulation does not fail on an amount the account
// cannot yet afford. Otherwise the values are kept.
func ProbeCalls(calls []userop.Call, threshold, probe, prefund *big.Int) []userop.Call {
	if probe == nil {
		probe = new(big.Int)
	}
	need := lo.Reduce(calls, func(sum *big.Int, c userop.Call, _ int) *big.Int {
		if c.Value != nil {
			sum.Add(sum, c.Value)
		}
		return sum
	}, new(big.Int))
	if prefund != nil {
		need.Add(need, prefund)
	}
	replace := threshold != nil && need.Cmp(threshold) > 0

	return lo.Map(calls, func(c userop.Call, _ int) userop.Call {
		out := userop.Call{To: c.To, Value: c.Value, Data: common.CopyBytes(c.Data)}
		if c.Value != nil {
			out.Value = new(big.Int).Set(c.Value)
		}
		if replace && c.Value != nil && c.Value.Sign() > 0 {
			out.Value = new(big.Int).Set(probe)
		}
		return out
	})
}

// SelfCall is the no-op used to trigger counterfactual deployment.
func SelfCall(account common.Address) []userop.Call {
	return []userop.Call{{To: account, Value: new(big.Int), Data: []byte{}}}
}

// Sign hashes op and attaches the owner's EIP-191 signature. It returns the userOpHash.
func Sign(op *userop.UserOperation, s signer.Signer, entryPoint common.Address, chainID *big.Int, v userop.Version) (common.Hash, error) {
	hash, err := op.Hash(entryPoint, chainID, v)
	if err != nil {
		return common.Hash{}, err
	}
	sig, err := s.SignMessage(hash.Bytes())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign user operation: %w", err)
	}
	op.Signature = sig
	return hash, nil
}

// WithDummySignature sets a well-formed placeholder signature for estimation.
func WithDummySignature(op *userop.UserOperation) *userop.UserOperation {
	op.Signature = common.CopyBytes(DummySignature)
	return op
}

func copyGas(g userop.GasParameters) userop.GasParameters {
	return userop.GasParameters{
		MaxFeePerGas:         cloneInt(g.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneInt(g.MaxPriorityFeePerGas),
		CallGasLimit:         cloneInt(g.CallGasLimit),
		VerificationGasLimit: cloneInt(g.VerificationGasLimit),
		PreVerificationGas:   cloneInt(g.PreVerificationGas),
	}
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
