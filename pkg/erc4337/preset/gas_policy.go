package preset

import (
	"fmt"
	"math/big"

	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

type GasPolicyKind string

const (
	// Gas limits come from eth_estimateUserOperationGas.
	PolicyEstimated GasPolicyKind = "estimated"
	// Gas limits are fixed by the caller; no estimation round trip.
	PolicyFixedOverride GasPolicyKind = "fixed-override"
)

// GasPolicy decides where an operation's gas limits and fees come from.
// Fees left nil are taken from the bundler's fee quote.
type GasPolicy struct {
	Kind GasPolicyKind

	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int

	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	// BufferPercent is added on top of estimated limits.
	BufferPercent int64
}

func Estimated() GasPolicy {
	return GasPolicy{Kind: PolicyEstimated}
}

func FixedOverride(callGas, verificationGas, preVerificationGas *big.Int) GasPolicy {
	return GasPolicy{
		Kind:                 PolicyFixedOverride,
		CallGasLimit:         callGas,
		VerificationGasLimit: verificationGas,
		PreVerificationGas:   preVerificationGas,
	}
}

// DefaultFixed uses the package defaults, with the larger verification limit
// when the operation deploys the account.
func DefaultFixed(deploying bool) GasPolicy {
	verification := DEFAULT_VERIFICATION_GAS_LIMIT
	if deploying {
		verification = DEPLOYMENT_VERIFICATION_GAS_LIMIT
	}
	return FixedOverride(
		new(big.Int).Set(DEFAULT_CALL_GAS_LIMIT),
		new(big.Int).Set(verification),
		new(big.Int).Set(DEFAULT_PREVERIFICATION_GAS),
	)
}

// WithFees pins explicit fees, bypassing the fee quote.
func (p GasPolicy) WithFees(maxFeePerGas, maxPriorityFeePerGas *big.Int) GasPolicy {
	p.MaxFeePerGas = maxFeePerGas
	p.MaxPriorityFeePerGas = maxPriorityFeePerGas
	return p
}

func (p GasPolicy) PinsFees() bool {
	return p.MaxFeePerGas != nil && p.MaxPriorityFeePerGas != nil
}

func (p GasPolicy) NeedsEstimate() bool {
	return p.Kind != PolicyFixedOverride
}

func (p GasPolicy) Validate() error {
	switch p.Kind {
	case PolicyEstimated:
	case PolicyFixedOverride:
		if p.CallGasLimit == nil || p.VerificationGasLimit == nil || p.PreVerificationGas == nil {
			return fmt.Errorf("fixed-override gas policy needs all three gas limits")
		}
	default:
		return fmt.Errorf("unknown gas policy %q", p.Kind)
	}
	if (p.MaxFeePerGas == nil) != (p.MaxPriorityFeePerGas == nil) {
		return fmt.Errorf("fee override needs both maxFeePerGas and maxPriorityFeePerGas")
	}
	if p.BufferPercent < 0 {
		return fmt.Errorf("negative gas buffer %d%%", p.BufferPercent)
	}
	return nil
}

// Fees returns the pinned fees, or the quote when fees are not pinned.
func (p GasPolicy) Fees(quote *bundler.FeeQuote) (*big.Int, *big.Int, error) {
	if p.PinsFees() {
		return p.MaxFeePerGas, p.MaxPriorityFeePerGas, nil
	}
	if quote == nil {
		return nil, nil, fmt.Errorf("gas policy needs a fee quote")
	}
	return quote.MaxFeePerGas, quote.MaxPriorityFeePerGas, nil
}

// Parameters merges the fees with either the fixed limits or an estimate.
func (p GasPolicy) Parameters(quote *bundler.FeeQuote, est *bundler.GasEstimation) (userop.GasParameters, error) {
	maxFee, prio, err := p.Fees(quote)
	if err != nil {
		return userop.GasParameters{}, err
	}

	g := userop.GasParameters{
		MaxFeePerGas:         new(big.Int).Set(maxFee),
		MaxPriorityFeePerGas: new(big.Int).Set(prio),
	}

	if !p.NeedsEstimate() {
		g.CallGasLimit = new(big.Int).Set(p.CallGasLimit)
		g.VerificationGasLimit = new(big.Int).Set(p.VerificationGasLimit)
		g.PreVerificationGas = new(big.Int).Set(p.PreVerificationGas)
		return g, nil
	}

	if est == nil {
		return userop.GasParameters{}, fmt.Errorf("estimated gas policy needs a gas estimation")
	}
	g.CallGasLimit = p.buffer(est.CallGasLimit)
	g.VerificationGasLimit = p.buffer(est.VerificationGasLimit)
	g.PreVerificationGas = p.buffer(est.PreVerificationGas)
	return g, nil
}

func (p GasPolicy) buffer(v *big.Int) *big.Int {
	out := new(big.Int).Set(v)
	if p.BufferPercent == 0 {
		return out
	}
	extra := new(big.Int).Mul(v, big.NewInt(p.BufferPercent))
	return out.Add(out, extra.Div(extra, big.NewInt(100)))
}
