package orchestrator

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userops/core/apperrors"
	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/reconciler"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

type Stage string

const (
	StageDiscover  Stage = "discover"
	StageQuote     Stage = "quote"
	StageEstimate  Stage = "estimate"
	StageDeploy    Stage = "deploy"
	StageTransact  Stage = "transact"
	StageReconcile Stage = "reconcile"
)

// Operation is one user operation the caller wants executed. Operations run
// in the order given, one user operation each.
type Operation struct {
	Name      string
	Stage     Stage
	Calls     []userop.Call
	GasPolicy preset.GasPolicy
	// Sponsored operations pay gas in the plan's fee token through the paymaster.
	Sponsored bool
}

// Plan is everything a run needs besides its collaborators.
type Plan struct {
	Session string
	Account *aa.SmartAccount

	Operations []Operation

	// Token is tracked by the reconciler and used for sponsorship.
	Token         common.Address
	TokenDecimals int32

	// Values above ProbeThreshold are replaced by ProbeValue in estimation
	// drafts. A nil threshold means the native balance seen at Discover.
	ProbeThreshold *big.Int
	ProbeValue     *big.Int

	DeployPolicy preset.GasPolicy
	AwaitDeploy  bool

	NonceKey *big.Int

	// Boolean expressions checked against the cost report.
	Expectations []string
}

func (p *Plan) sponsored() bool {
	for _, op := range p.Operations {
		if op.Sponsored {
			return true
		}
	}
	return false
}

func (p *Plan) Validate() error {
	if p.Account == nil {
		return apperrors.NewConfigurationError("account", "is required")
	}
	if p.sponsored() && p.Token == (common.Address{}) {
		return apperrors.NewConfigurationError("token", "sponsored operations need a fee token")
	}
	if p.ProbeValue != nil && p.ProbeValue.Sign() < 0 {
		return apperrors.NewConfigurationError("estimation.probe_value_wei", "must not be negative")
	}
	if err := p.DeployPolicy.Validate(); err != nil {
		return apperrors.NewConfigurationError("deploy.gas_policy", err.Error())
	}

	names := map[string]bool{}
	for i, op := range p.Operations {
		if op.Name == "" {
			return apperrors.NewConfigurationError(fmt.Sprintf("operations[%d].name", i), "is required")
		}
		if names[op.Name] {
			return apperrors.NewConfigurationError(fmt.Sprintf("operations[%d].name", i), "duplicate name "+op.Name)
		}
		names[op.Name] = true

		if op.Stage != "" && op.Stage != StageTransact {
			return apperrors.NewConfigurationError(fmt.Sprintf("operations[%d].stage", i), "only transact operations can be planned")
		}
		if err := preset.ValidateCalls(op.Calls); err != nil {
			return apperrors.NewConfigurationError(fmt.Sprintf("operations[%d].calls", i), err.Error())
		}
		if err := op.GasPolicy.Validate(); err != nil {
			return apperrors.NewConfigurationError(fmt.Sprintf("operations[%d].gas_policy", i), err.Error())
		}
	}
	return nil
}

type Status string

const (
	StatusIncluded  Status = "included"
	StatusReverted  Status = "reverted"
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusFailed    Status = "failed"
)

// OperationResult is the outcome of one submitted (or attempted) operation.
type OperationResult struct {
	Name         string                 `json:"name"`
	Stage        Stage                  `json:"stage"`
	Status       Status                 `json:"status"`
	Hash         common.Hash            `json:"hash"`
	Nonce        *big.Int               `json:"nonce"`
	Sponsored    bool                   `json:"sponsored"`
	Gas          userop.GasParameters   `json:"gas"`
	PaymasterGas *PaymasterGas          `json:"paymasterGas,omitempty"`
	Receipt      *userop.Receipt        `json:"receipt,omitempty"`
	Estimate     *bundler.GasEstimation `json:"-"`
	Error        string                 `json:"error,omitempty"`
}

// PaymasterGas holds the paymaster limits settled at estimation. The final
// pm_getPaymasterData answer may leave them out.
type PaymasterGas struct {
	VerificationGasLimit *big.Int `json:"verificationGasLimit"`
	PostOpGasLimit       *big.Int `json:"postOpGasLimit"`
}

// paymasterGasOf prefers the estimate and falls back to what the stub put on draft.
func paymasterGasOf(est *bundler.GasEstimation, draft *userop.UserOperation) *PaymasterGas {
	g := &PaymasterGas{
		VerificationGasLimit: draft.PaymasterVerificationGasLimit,
		PostOpGasLimit:       draft.PaymasterPostOpGasLimit,
	}
	if est != nil && est.PaymasterVerificationGasLimit != nil {
		g.VerificationGasLimit = est.PaymasterVerificationGasLimit
	}
	if est != nil && est.PaymasterPostOpGasLimit != nil {
		g.PostOpGasLimit = est.PaymasterPostOpGasLimit
	}
	if g.VerificationGasLimit == nil && g.PostOpGasLimit == nil {
		return nil
	}
	return g
}

func (g *PaymasterGas) apply(op *userop.UserOperation) {
	if g == nil {
		return
	}
	if g.VerificationGasLimit != nil {
		op.PaymasterVerificationGasLimit = new(big.Int).Set(g.VerificationGasLimit)
	}
	if g.PostOpGasLimit != nil {
		op.PaymasterPostOpGasLimit = new(big.Int).Set(g.PostOpGasLimit)
	}
}

// Report accumulates everything a run observed. It is returned even when a
// stage fails so the caller sees partial progress.
type Report struct {
	Session     string                 `json:"session"`
	Account     common.Address         `json:"account"`
	WasDeployed bool                   `json:"wasDeployed"`
	Deployed    bool                   `json:"deployed"`
	Fees        *bundler.FeeQuote      `json:"fees,omitempty"`
	Quote       *bundler.TokenQuote    `json:"quote,omitempty"`
	Before      *reconciler.Snapshot   `json:"before,omitempty"`
	After       *reconciler.Snapshot   `json:"after,omitempty"`
	Deploy      *OperationResult       `json:"deploy,omitempty"`
	Operations  []*OperationResult     `json:"operations"`
	Cost        *reconciler.CostReport `json:"cost,omitempty"`
	Completed   []Stage                `json:"completed"`
}

// Hashes returns every hash the run submitted, deploy first.
func (r *Report) Hashes() []common.Hash {
	var out []common.Hash
	if r.Deploy != nil && r.Deploy.Hash != (common.Hash{}) {
		out = append(out, r.Deploy.Hash)
	}
	for _, op := range r.Operations {
		if op.Hash != (common.Hash{}) {
			out = append(out, op.Hash)
		}
	}
	return out
}

// OperationFailed says which stage (and operation, once submission started)
// a run stopped at.
type OperationFailed struct {
	Stage     Stage
	Operation string
	Hash      common.Hash
	Cause     error
}

func (e *OperationFailed) Error() string {
	switch {
	case e.Hash != (common.Hash{}):
		return fmt.Sprintf("%s failed at operation %s (%s): %v", e.Stage, e.Operation, e.Hash.Hex(), e.Cause)
	case e.Operation != "":
		return fmt.Sprintf("%s failed at operation %s: %v", e.Stage, e.Operation, e.Cause)
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Cause)
}

func (e *OperationFailed) Unwrap() error {
	return e.Cause
}
