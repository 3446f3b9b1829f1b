// Package reconciler snapshots the three balances a smart account is debited
// through (native balance, EntryPoint deposit, ERC-20 token) and turns a
// before/after pair into a cost report.
//
// The three reads are independent calls, not pinned to one block. A transfer
// landing between them skews the computed costs; that is accepted and shows
// up as a BalanceInconsistency warning when it drives a cost negative.
package reconciler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
)

// BalanceReader is the subset of the chain reader the reconciler needs.
type BalanceReader interface {
	aa.CodeChecker
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	EntryPointDeposit(ctx context.Context, entryPoint, account common.Address) (*big.Int, error)
	AccountDeposit(ctx context.Context, account common.Address) (*big.Int, error)
}

// Snapshot is one account's balances at one point in time.
type Snapshot struct {
	Account  common.Address `json:"account"`
	Native   *big.Int       `json:"native"`
	Deposit  *big.Int       `json:"deposit"`
	Token    *big.Int       `json:"token"`
	Deployed bool           `json:"deployed"`
	TakenAt  time.Time      `json:"takenAt"`
}

type Reconciler struct {
	reader BalanceReader
	token  common.Address
	logger logger.Logger
}

// New returns a reconciler. A zero token address skips the token read.
func New(reader BalanceReader, token common.Address, lgr logger.Logger) *Reconciler {
	return &Reconciler{
		reader: reader,
		token:  token,
		logger: logger.Component(lgr, "reconciler"),
	}
}

func (r *Reconciler) Token() common.Address {
	return r.token
}

// Snapshot reads native balance, EntryPoint deposit and token balance.
// The deposit comes from the account's getDeposit() once deployed and from
// EntryPoint.balanceOf before that.
func (r *Reconciler) Snapshot(ctx context.Context, account *aa.SmartAccount) (*Snapshot, error) {
	addr, err := account.Address()
	if err != nil {
		return nil, err
	}

	deployed, err := account.IsDeployed(ctx, r.reader)
	if err != nil {
		return nil, err
	}

	native, err := r.reader.GetBalance(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("native balance: %w", err)
	}

	var deposit *big.Int
	if deployed {
		deposit, err = r.reader.AccountDeposit(ctx, addr)
	} else {
		deposit, err = r.reader.EntryPointDeposit(ctx, account.EntryPoint, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("entrypoint deposit: %w", err)
	}

	token := new(big.Int)
	if r.token != (common.Address{}) {
		token, err = r.reader.TokenBalance(ctx, r.token, addr)
		if err != nil {
			return nil, fmt.Errorf("token balance: %w", err)
		}
	}

	snap := &Snapshot{
		Account:  addr,
		Native:   native,
		Deposit:  deposit,
		Token:    token,
		Deployed: deployed,
		TakenAt:  time.Now().UTC(),
	}

	r.logger.Info("balance snapshot",
		"account", addr.Hex(),
		"native", native.String(),
		"deposit", deposit.String(),
		"token", token.String(),
		"deployed", deployed)

	return snap, nil
}

// Equal compares balances only.
func (s *Snapshot) Equal(o *Snapshot) bool {
	return s.Account == o.Account &&
		s.Native.Cmp(o.Native) == 0 &&
		s.Deposit.Cmp(o.Deposit) == 0 &&
		s.Token.Cmp(o.Token) == 0
}
