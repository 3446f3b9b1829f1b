// Package orchestrator drives one smart account through
// Discover → Quote → Estimate → Deploy → Transact → Reconcile.
//
// Stages run strictly in order and any failure stops the run. Operations that
// were already included stay included; the returned Report shows how far the
// run got and the error is an *OperationFailed naming the stage.
package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userops/core/apperrors"
	"github.com/AvaProtocol/ap-userops/core/chainio/signer"
	"github.com/AvaProtocol/ap-userops/core/reconciler"
	"github.com/AvaProtocol/ap-userops/metrics"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
	"github.com/AvaProtocol/ap-userops/storage"
)

// Gateway is the bundler and paymaster surface a run uses.
type Gateway interface {
	EntryPoint() common.Address
	Version() userop.Version

	GetFeeQuote(ctx context.Context) (*bundler.FeeQuote, error)
	GetTokenSponsorshipQuotes(ctx context.Context, tokens []common.Address) ([]bundler.TokenQuote, error)
	GetPaymasterStubData(ctx context.Context, op *userop.UserOperation, s *userop.Sponsorship) (*bundler.PaymasterData, error)
	GetPaymasterData(ctx context.Context, op *userop.UserOperation, s *userop.Sponsorship) (*bundler.PaymasterData, error)
	EstimateGas(ctx context.Context, op *userop.UserOperation) (*bundler.GasEstimation, error)
	Submit(ctx context.Context, op *userop.UserOperation) (common.Hash, error)
	GetReceipt(ctx context.Context, hash common.Hash) (*userop.Receipt, error)
}

// ChainReader is the read side of the chain a run uses.
type ChainReader interface {
	reconciler.BalanceReader
	GetSenderAddress(ctx context.Context, factory, owner common.Address, salt *big.Int) (common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
	GetNonce(ctx context.Context, entryPoint, sender common.Address, key *big.Int) (*big.Int, error)
}

// Journal durably records submitted hashes.
type Journal interface {
	Record(entry *storage.JournalEntry) error
	Resolve(hash string, status storage.EntryStatus, gasCost, txHash, reason string) error
}

type Config struct {
	InclusionTimeout  time.Duration
	PollInitial       time.Duration
	PollMaxInterval   time.Duration
	PollMultiplier    float64
	MaxGasLimit       *big.Int
	DefaultProbeValue *big.Int
}

func DefaultConfig() Config {
	return Config{
		InclusionTimeout:  2 * time.Minute,
		PollInitial:       time.Second,
		PollMaxInterval:   5 * time.Second,
		PollMultiplier:    1.5,
		DefaultProbeValue: big.NewInt(1),
	}
}

type Orchestrator struct {
	reader  ChainReader
	gateway Gateway
	signer  signer.Signer
	nonces  *bundler.NonceManager
	journal Journal
	metrics metrics.MetricsGenerator
	logger  logger.Logger
	config  Config
}

type Option func(*Orchestrator)

func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

func WithMetrics(m metrics.MetricsGenerator) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithNonceManager shares pending nonces across runs on the same account.
func WithNonceManager(nm *bundler.NonceManager) Option {
	return func(o *Orchestrator) { o.nonces = nm }
}

func New(reader ChainReader, gateway Gateway, s signer.Signer, config Config, lgr logger.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reader:  reader,
		gateway: gateway,
		signer:  s,
		config:  config,
		logger:  logger.Component(lgr, "orchestrator"),
		metrics: metrics.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.nonces == nil {
		o.nonces = bundler.NewNonceManager(lgr)
	}
	return o
}

// run carries the state of a single Run call between stages.
type run struct {
	*Orchestrator

	plan   *Plan
	report *Report

	reconciler  *reconciler.Reconciler
	address     common.Address
	chainID     *big.Int
	deployed    bool
	sponsorship *userop.Sponsorship
	threshold   *big.Int

	deployGas userop.GasParameters
	gas       []userop.GasParameters
}

// Run executes the plan. The report is never nil; on failure it holds what
// was observed up to the failing stage.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan) (*Report, error) {
	report := &Report{Session: plan.Session}
	if report.Session == "" {
		report.Session = storage.NewSessionID()
	}

	if err := plan.Validate(); err != nil {
		o.metrics.IncRun("invalid")
		return report, &OperationFailed{Stage: StageDiscover, Cause: err}
	}
	if plan.Account.Owner != o.signer.Address() {
		o.metrics.IncRun("invalid")
		return report, &OperationFailed{Stage: StageDiscover, Cause: apperrors.NewConfigurationError("account.signing_key",
			fmt.Sprintf("signer %s does not own the account (owner %s)", o.signer.Address().Hex(), plan.Account.Owner.Hex()))}
	}
	if plan.Account.EntryPoint != o.gateway.EntryPoint() {
		o.metrics.IncRun("invalid")
		return report, &OperationFailed{Stage: StageDiscover, Cause: apperrors.NewConfigurationError("account.entrypoint",
			fmt.Sprintf("account uses %s but the bundler is configured for %s", plan.Account.EntryPoint.Hex(), o.gateway.EntryPoint().Hex()))}
	}
	if plan.Account.Version != o.gateway.Version() {
		o.metrics.IncRun("invalid")
		return report, &OperationFailed{Stage: StageDiscover, Cause: apperrors.NewConfigurationError("account.entrypoint_version",
			fmt.Sprintf("account is v%s but the bundler speaks v%s", plan.Account.Version, o.gateway.Version()))}
	}

	r := &run{
		Orchestrator: o,
		plan:         plan,
		report:       report,
		reconciler:   reconciler.New(o.reader, plan.Token, o.logger),
	}

	stages := []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageDiscover, r.discover},
		{StageQuote, r.quote},
		{StageEstimate, r.estimate},
		{StageDeploy, r.deploy},
		{StageTransact, r.transact},
		{StageReconcile, r.reconcile},
	}

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			o.logger.Warn("run cancelled", "session", report.Session, "stage", s.stage)
			o.metrics.IncRun("cancelled")
			return report, &OperationFailed{Stage: s.stage, Cause: err}
		}

		start := time.Now()
		if err := s.fn(ctx); err != nil {
			o.metrics.IncStage(string(s.stage), "failed")
			o.metrics.IncRun("failed")

			failed, ok := err.(*OperationFailed)
			if !ok {
				failed = &OperationFailed{Stage: s.stage, Cause: err}
			}
			o.logger.Error("stage failed",
				"session", report.Session,
				"stage", s.stage,
				"operation", failed.Operation,
				"hash", failed.Hash.Hex(),
				"error", failed.Cause)
			return report, failed
		}

		o.metrics.IncStage(string(s.stage), "ok")
		report.Completed = append(report.Completed, s.stage)
		o.logger.Info("stage completed", "session", report.Session, "stage", s.stage, "elapsed", time.Since(start).String())
	}

	o.metrics.IncRun("completed")
	return report, nil
}

func (r *run) discover(ctx context.Context) error {
	addr, err := r.plan.Account.Resolve(ctx, r.reader)
	if err != nil {
		return err
	}
	r.address = addr
	r.report.Account = addr

	r.chainID, err = r.reader.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}

	r.deployed, err = r.plan.Account.IsDeployed(ctx, r.reader)
	if err != nil {
		return err
	}
	r.report.WasDeployed = r.deployed
	r.report.Deployed = r.deployed

	before, err := r.reconciler.Snapshot(ctx, r.plan.Account)
	if err != nil {
		return err
	}
	r.report.Before = before

	r.threshold = r.plan.ProbeThreshold
	if r.threshold == nil {
		r.threshold = new(big.Int).Set(before.Native)
	}

	r.logger.Info("account discovered",
		"session", r.report.Session,
		"account", addr.Hex(),
		"owner", r.plan.Account.Owner.Hex(),
		"deployed", r.deployed,
		"chainId", r.chainID.String(),
		"probeThreshold", r.threshold.String())
	return nil
}

func (r *run) quote(ctx context.Context) error {
	if !r.plan.sponsored() {
		return nil
	}

	quotes, err := r.gateway.GetTokenSponsorshipQuotes(ctx, []common.Address{r.plan.Token})
	if err != nil {
		return err
	}
	q, err := bundler.SelectQuote(quotes, r.plan.Token)
	if err != nil {
		return err
	}

	r.report.Quote = q
	r.sponsorship = q.Sponsorship()
	r.logger.Info("sponsorship quote selected",
		"token", q.Token.Hex(),
		"paymaster", q.Paymaster.Hex(),
		"exchangeRate", q.ExchangeRate.String())
	return nil
}

func (r *run) nonceKey() *big.Int {
	if r.plan.NonceKey == nil {
		return new(big.Int)
	}
	return r.plan.NonceKey
}

func (r *run) fetchNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	return r.reader.GetNonce(ctx, r.gateway.EntryPoint(), sender, key)
}

func (r *run) reconcile(ctx context.Context) error {
	after, err := r.reconciler.Snapshot(ctx, r.plan.Account)
	if err != nil {
		return err
	}
	r.report.After = after
	r.report.Deployed = after.Deployed

	cost := reconciler.Diff(r.report.Before, after)
	r.report.Cost = cost

	for _, w := range cost.Warnings {
		r.logger.Warn("balance inconsistency", "account", r.address.Hex(), "warning", w)
	}

	native, _ := new(big.Float).SetInt(cost.NativeCost).Float64()
	deposit, _ := new(big.Float).SetInt(cost.EntryPointCost).Float64()
	token, _ := new(big.Float).SetInt(cost.TokenCost).Float64()
	r.metrics.AddGasCost("native", native)
	r.metrics.AddGasCost("entrypoint", deposit)
	r.metrics.AddGasCost("token", token)

	r.logger.Info("cost report",
		"session", r.report.Session,
		"account", r.address.Hex(),
		"nativeCostWei", cost.NativeCost.String(),
		"entryPointCostWei", cost.EntryPointCost.String(),
		"tokenCost", cost.TokenCost.String(),
		"formatted", cost.Format(r.plan.TokenDecimals).String())

	return cost.Check(r.plan.Expectations, r.plan.TokenDecimals)
}
