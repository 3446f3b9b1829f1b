package orchestrator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userops/core/apperrors"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userops/storage"
)

func (r *run) buildOptions(extra ...preset.Option) []preset.Option {
	opts := extra
	if r.config.MaxGasLimit != nil {
		opts = append(opts, preset.WithMaxGasLimit(r.config.MaxGasLimit))
	}
	return opts
}

func (r *run) deployOperation() Operation {
	return Operation{
		Name:      "deploy",
		Stage:     StageDeploy,
		Calls:     preset.SelfCall(r.address),
		GasPolicy: r.plan.DeployPolicy,
	}
}

// estimate prices every operation up front. Drafts carry probe values,
// factory data while the account is undeployed, paymaster stub data when
// sponsored and a dummy signature.
func (r *run) estimate(ctx context.Context) error {
	needsQuote := !r.plan.DeployPolicy.PinsFees() && !r.deployed
	for _, op := range r.plan.Operations {
		if !op.GasPolicy.PinsFees() {
			needsQuote = true
		}
	}

	if needsQuote {
		fees, err := r.gateway.GetFeeQuote(ctx)
		if err != nil {
			return err
		}
		r.report.Fees = fees
		r.logger.Info("fee quote", "maxFeePerGas", fees.MaxFeePerGas.String(), "maxPriorityFeePerGas", fees.MaxPriorityFeePerGas.String())
	}

	nonce, err := r.fetchNonce(ctx, r.address, r.nonceKey())
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}

	if !r.deployed {
		gas, est, _, err := r.estimateOne(ctx, r.deployOperation(), nonce)
		if err != nil {
			return &OperationFailed{Stage: StageEstimate, Operation: "deploy", Cause: err}
		}
		r.deployGas = gas
		r.report.Deploy = &OperationResult{Name: "deploy", Stage: StageDeploy, Gas: gas, Estimate: est}
	}

	r.gas = make([]userop.GasParameters, len(r.plan.Operations))
	for i, op := range r.plan.Operations {
		gas, est, pmGas, err := r.estimateOne(ctx, op, nonce)
		if err != nil {
			return &OperationFailed{Stage: StageEstimate, Operation: op.Name, Cause: err}
		}
		r.gas[i] = gas
		r.report.Operations = append(r.report.Operations, &OperationResult{
			Name:         op.Name,
			Stage:        StageTransact,
			Gas:          gas,
			PaymasterGas: pmGas,
			Estimate:     est,
			Sponsored:    op.Sponsored,
		})
	}
	return nil
}

func (r *run) estimateOne(ctx context.Context, op Operation, nonce *big.Int) (userop.GasParameters, *bundler.GasEstimation, *PaymasterGas, error) {
	if !op.GasPolicy.NeedsEstimate() {
		gas, err := op.GasPolicy.Parameters(r.report.Fees, nil)
		return gas, nil, nil, err
	}

	placeholderPolicy := preset.DefaultFixed(!r.deployed)
	if op.GasPolicy.PinsFees() {
		placeholderPolicy = placeholderPolicy.WithFees(op.GasPolicy.MaxFeePerGas, op.GasPolicy.MaxPriorityFeePerGas)
	}
	placeholder, err := placeholderPolicy.Parameters(r.report.Fees, nil)
	if err != nil {
		return userop.GasParameters{}, nil, nil, err
	}

	probe := r.plan.ProbeValue
	if probe == nil {
		probe = r.config.DefaultProbeValue
	}
	var sponsorship *userop.Sponsorship
	if op.Sponsored {
		sponsorship = r.sponsorship
	}

	// without a paymaster the account also owes the prefund
	var prefund *big.Int
	if sponsorship == nil {
		sized := &userop.UserOperation{}
		sized.SetGasParameters(placeholder)
		prefund = sized.MaxGasCost()
	}
	calls := preset.ProbeCalls(op.Calls, r.threshold, probe, prefund)

	extra := []preset.Option{preset.WithNonce(nonce)}
	if !r.deployed {
		extra = append(extra, preset.WithDeployment())
	}
	draft, err := preset.Build(r.plan.Account, calls, placeholder, sponsorship, r.buildOptions(extra...)...)
	if err != nil {
		return userop.GasParameters{}, nil, nil, err
	}

	if sponsorship != nil {
		stub, err := r.gateway.GetPaymasterStubData(ctx, draft, sponsorship)
		if err != nil {
			return userop.GasParameters{}, nil, nil, err
		}
		if err := stub.Apply(draft); err != nil {
			return userop.GasParameters{}, nil, nil, err
		}
	}
	preset.WithDummySignature(draft)

	est, err := r.gateway.EstimateGas(ctx, draft)
	if err != nil {
		return userop.GasParameters{}, nil, nil, err
	}

	r.logger.Debug("operation estimated",
		"operation", op.Name,
		"callGasLimit", est.CallGasLimit.String(),
		"verificationGasLimit", est.VerificationGasLimit.String(),
		"preVerificationGas", est.PreVerificationGas.String())

	var pmGas *PaymasterGas
	if sponsorship != nil {
		pmGas = paymasterGasOf(est, draft)
	}

	gas, err := op.GasPolicy.Parameters(r.report.Fees, est)
	return gas, est, pmGas, err
}

// deploy submits the self-call that makes the EntryPoint run the factory.
func (r *run) deploy(ctx context.Context) error {
	if r.deployed {
		r.logger.Info("account already deployed, skipping deployment", "account", r.address.Hex())
		return nil
	}

	result := r.report.Deploy
	if err := r.submit(ctx, r.deployOperation(), r.deployGas, nil, true, result); err != nil {
		return err
	}
	// the deploy is in the mempool or included; later operations must not carry factory data
	r.deployed = true

	if !r.plan.AwaitDeploy {
		r.logger.Info("deployment submitted without waiting", "hash", result.Hash.Hex())
		return nil
	}

	if err := r.await(ctx, result); err != nil {
		return &OperationFailed{Stage: StageDeploy, Operation: result.Name, Hash: result.Hash, Cause: err}
	}

	deployed, err := r.plan.Account.IsDeployed(ctx, r.reader)
	if err != nil {
		return &OperationFailed{Stage: StageDeploy, Operation: result.Name, Hash: result.Hash, Cause: err}
	}
	if !deployed {
		return &OperationFailed{Stage: StageDeploy, Operation: result.Name, Hash: result.Hash,
			Cause: fmt.Errorf("account %s has no code after deployment was included", r.address.Hex())}
	}
	r.report.Deployed = true
	return nil
}

func (r *run) transact(ctx context.Context) error {
	for i, op := range r.plan.Operations {
		if err := ctx.Err(); err != nil {
			return &OperationFailed{Stage: StageTransact, Operation: op.Name, Cause: err}
		}

		result := r.report.Operations[i]
		var sponsorship *userop.Sponsorship
		if op.Sponsored {
			sponsorship = r.sponsorship
		}

		if err := r.submit(ctx, op, r.gas[i], sponsorship, false, result); err != nil {
			return err
		}
		if err := r.await(ctx, result); err != nil {
			return &OperationFailed{Stage: StageTransact, Operation: op.Name, Hash: result.Hash, Cause: err}
		}
	}
	return nil
}

// submit builds, signs and hands one operation to the bundler, then journals
// the returned hash.
func (r *run) submit(ctx context.Context, op Operation, gas userop.GasParameters, sponsorship *userop.Sponsorship, deploying bool, result *OperationResult) error {
	stage := StageTransact
	if deploying {
		stage = StageDeploy
	}
	fail := func(err error) error {
		result.Status = StatusFailed
		result.Error = err.Error()
		r.metrics.IncSubmission(op.Name, string(StatusFailed))
		return &OperationFailed{Stage: stage, Operation: op.Name, Hash: result.Hash, Cause: err}
	}

	key := r.nonceKey()
	nonce, err := r.nonces.GetNextNonce(ctx, r.address, key, r.fetchNonce)
	if err != nil {
		return fail(fmt.Errorf("nonce: %w", err))
	}
	result.Nonce = nonce

	extra := []preset.Option{preset.WithNonce(nonce)}
	if deploying {
		extra = append(extra, preset.WithDeployment())
	}
	uo, err := preset.Build(r.plan.Account, op.Calls, gas, sponsorship, r.buildOptions(extra...)...)
	if err != nil {
		return fail(err)
	}

	if sponsorship != nil {
		result.PaymasterGas.apply(uo)
		pm, err := r.gateway.GetPaymasterData(ctx, uo, sponsorship)
		if err != nil {
			return fail(err)
		}
		if err := pm.Apply(uo); err != nil {
			return fail(err)
		}
		if r.gateway.Version() == userop.V07 && uo.PaymasterVerificationGasLimit == nil {
			return fail(fmt.Errorf("paymaster %s returned no verification gas limit and none was estimated", uo.Paymaster.Hex()))
		}
	}

	hash, err := preset.Sign(uo, r.signer, r.gateway.EntryPoint(), r.chainID, r.gateway.Version())
	if err != nil {
		return fail(err)
	}

	submitted, err := r.gateway.Submit(ctx, uo)
	if err != nil {
		r.nonces.ResetNonce(r.address, key)
		return fail(err)
	}
	if submitted != hash {
		r.logger.Warn("bundler returned a different userOpHash", "computed", hash.Hex(), "returned", submitted.Hex())
	}

	result.Hash = submitted
	result.Status = StatusSubmitted
	r.nonces.IncrementNonce(r.address, nonce)
	r.metrics.IncSubmission(op.Name, string(StatusSubmitted))

	r.logger.Info("operation submitted",
		"session", r.report.Session,
		"stage", stage,
		"operation", op.Name,
		"hash", submitted.Hex(),
		"sender", r.address.Hex(),
		"nonce", nonce.String(),
		"sponsored", sponsorship != nil)

	if r.journal != nil {
		err := r.journal.Record(&storage.JournalEntry{
			Session:    r.report.Session,
			Operation:  op.Name,
			Stage:      string(stage),
			Sender:     r.address.Hex(),
			Hash:       submitted.Hex(),
			Nonce:      nonce.String(),
			EntryPoint: r.gateway.EntryPoint().Hex(),
		})
		if err != nil {
			r.logger.Error("failed to journal submission", "hash", submitted.Hex(), "error", err)
		}
	}
	return nil
}

// await polls for the receipt of a hash this run submitted and records the outcome.
func (r *run) await(ctx context.Context, result *OperationResult) error {
	receipt, waited, err := r.waitForReceipt(ctx, result.Hash)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeInclusionTimeout {
			result.Status = StatusPending
			r.resolve(result.Hash, storage.StatusPending, "", "", err.Error())
		}
		result.Error = err.Error()
		r.metrics.IncSubmission(result.Name, string(result.Status))
		return err
	}

	result.Receipt = receipt
	r.metrics.ObserveInclusion(result.Name, waited)

	if !receipt.Success {
		result.Status = StatusReverted
		result.Error = receipt.Reason
		r.metrics.IncSubmission(result.Name, string(StatusReverted))
		r.resolve(result.Hash, storage.StatusReverted, receipt.ActualGasCost.String(), receipt.TransactionHash.Hex(), receipt.Reason)
		return apperrors.NewOperationReverted(result.Hash.Hex(), receipt.Reason)
	}

	result.Status = StatusIncluded
	r.metrics.IncSubmission(result.Name, string(StatusIncluded))
	r.resolve(result.Hash, storage.StatusIncluded, receipt.ActualGasCost.String(), receipt.TransactionHash.Hex(), "")

	r.logger.Info("operation included",
		"operation", result.Name,
		"hash", result.Hash.Hex(),
		"tx", receipt.TransactionHash.Hex(),
		"block", receipt.BlockNumber,
		"actualGasCost", receipt.ActualGasCost.String(),
		"waited", waited.String())
	return nil
}

func (r *run) resolve(hash common.Hash, status storage.EntryStatus, gasCost, txHash, reason string) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Resolve(hash.Hex(), status, gasCost, txHash, reason); err != nil {
		r.logger.Error("failed to update journal", "hash", hash.Hex(), "error", err)
	}
}
