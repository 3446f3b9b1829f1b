package config

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-userops/core/apperrors"
	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/orchestrator"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

type OperationKind string

const (
	// Send amount ether to `to` (or the recipient).
	KindNativeTransfer OperationKind = "native-transfer"
	// A native transfer whose gas is paid in the fee token.
	KindSponsoredTransfer OperationKind = "sponsored-transfer"
	// Send amount tokens to `to` (or the recipient).
	KindERC20Transfer OperationKind = "erc20-transfer"
	// Approve the paymaster (or `to`) to pull fee tokens. No amount means unlimited.
	KindApprovePaymaster OperationKind = "approve-paymaster"
	// EntryPoint.depositTo(account) with amount ether.
	KindDeposit OperationKind = "deposit"
	// A zero value call to the account itself.
	KindSelfCall OperationKind = "self-call"
	// Explicit calls.
	KindBatch OperationKind = "batch"
)

type OperationRaw struct {
	Name      string       `yaml:"name" validate:"required"`
	Kind      string       `yaml:"kind" validate:"required,oneof=native-transfer sponsored-transfer erc20-transfer approve-paymaster deposit self-call batch"`
	To        string       `yaml:"to" validate:"omitempty,eth_addr"`
	Amount    string       `yaml:"amount"`
	Sponsored bool         `yaml:"sponsored"`
	Calls     []CallRaw    `yaml:"calls" validate:"dive"`
	Gas       GasPolicyRaw `yaml:"gas"`
}

type CallRaw struct {
	To       string `yaml:"to" validate:"required,eth_addr"`
	ValueWei string `yaml:"value_wei"`
	Data     string `yaml:"data"`
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func (raw *ConfigRaw) buildOperations(c *Config) ([]orchestrator.Operation, error) {
	ops := make([]orchestrator.Operation, 0, len(raw.Operations))
	for i, o := range raw.Operations {
		field := fmt.Sprintf("operations[%d]", i)

		calls, err := o.calls(field, c)
		if err != nil {
			return nil, err
		}
		policy, err := o.Gas.toPolicy(field + ".gas")
		if err != nil {
			return nil, err
		}

		op := orchestrator.Operation{
			Name:      o.Name,
			Stage:     orchestrator.StageTransact,
			Calls:     calls,
			GasPolicy: policy,
			Sponsored: o.Sponsored || OperationKind(o.Kind) == KindSponsoredTransfer,
		}
		if op.Sponsored && c.Token == (common.Address{}) {
			return nil, apperrors.NewConfigurationError(field+".sponsored", "needs token.address")
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (o OperationRaw) target(field string, fallback common.Address) (common.Address, error) {
	if o.To != "" {
		return common.HexToAddress(o.To), nil
	}
	if fallback == (common.Address{}) {
		return common.Address{}, apperrors.NewConfigurationError(field+".to", "is required")
	}
	return fallback, nil
}

func (o OperationRaw) amount(field string, decimals int32) (*big.Int, error) {
	if o.Amount == "" {
		return nil, apperrors.NewConfigurationError(field+".amount", "is required")
	}
	return parseUnits(field+".amount", o.Amount, decimals)
}

func (o OperationRaw) calls(field string, c *Config) ([]userop.Call, error) {
	switch OperationKind(o.Kind) {
	case KindNativeTransfer, KindSponsoredTransfer:
		to, err := o.target(field, c.Recipient)
		if err != nil {
			return nil, err
		}
		value, err := o.amount(field, 18)
		if err != nil {
			return nil, err
		}
		return []userop.Call{{To: to, Value: value, Data: []byte{}}}, nil

	case KindERC20Transfer:
		if c.Token == (common.Address{}) {
			return nil, apperrors.NewConfigurationError(field, "erc20-transfer needs token.address")
		}
		to, err := o.target(field, c.Recipient)
		if err != nil {
			return nil, err
		}
		amount, err := o.amount(field, c.TokenDecimals)
		if err != nil {
			return nil, err
		}
		data, err := aa.PackERC20Transfer(to, amount)
		if err != nil {
			return nil, err
		}
		return []userop.Call{{To: c.Token, Value: new(big.Int), Data: data}}, nil

	case KindApprovePaymaster:
		if c.Token == (common.Address{}) {
			return nil, apperrors.NewConfigurationError(field, "approve-paymaster needs token.address")
		}
		spender, err := o.target(field, c.Paymaster)
		if err != nil {
			return nil, err
		}
		amount := maxUint256
		if o.Amount != "" {
			if amount, err = o.amount(field, c.TokenDecimals); err != nil {
				return nil, err
			}
		}
		data, err := aa.PackERC20Approve(spender, amount)
		if err != nil {
			return nil, err
		}
		return []userop.Call{{To: c.Token, Value: new(big.Int), Data: data}}, nil

	case KindDeposit:
		value, err := o.amount(field, 18)
		if err != nil {
			return nil, err
		}
		account, err := c.Account.Address()
		if err != nil {
			return nil, err
		}
		data, err := aa.PackDepositTo(account)
		if err != nil {
			return nil, err
		}
		return []userop.Call{{To: c.Account.EntryPoint, Value: value, Data: data}}, nil

	case KindSelfCall:
		account, err := c.Account.Address()
		if err != nil {
			return nil, err
		}
		return preset.SelfCall(account), nil

	case KindBatch:
		if len(o.Calls) == 0 {
			return nil, apperrors.NewConfigurationError(field+".calls", "batch needs at least one call")
		}
		var parseErr error
		calls := lo.Map(o.Calls, func(cr CallRaw, j int) userop.Call {
			call, err := cr.toCall(fmt.Sprintf("%s.calls[%d]", field, j))
			if err != nil && parseErr == nil {
				parseErr = err
			}
			return call
		})
		if parseErr != nil {
			return nil, parseErr
		}
		return calls, nil
	}

	return nil, apperrors.NewConfigurationError(field+".kind", fmt.Sprintf("unknown kind %q", o.Kind))
}

func (cr CallRaw) toCall(field string) (userop.Call, error) {
	value, err := parseUint(field+".value_wei", cr.ValueWei)
	if err != nil {
		return userop.Call{}, err
	}
	if value == nil {
		value = new(big.Int)
	}
	data := []byte{}
	if cr.Data != "" && cr.Data != "0x" {
		if data, err = hexutil.Decode(cr.Data); err != nil {
			return userop.Call{}, apperrors.NewConfigurationError(field+".data", err.Error())
		}
	}
	return userop.Call{To: common.HexToAddress(cr.To), Value: value, Data: data}, nil
}
