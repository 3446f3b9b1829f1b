package aa

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-userops/pkg/byte4"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

var defaultSalt = big.NewInt(0)

// FactoryData returns the createAccount(owner, salt) calldata sent to the factory.
func FactoryData(owner common.Address, salt *big.Int) ([]byte, error) {
	if salt == nil {
		salt = defaultSalt
	}
	return FactoryABI.Pack("createAccount", owner, salt)
}

// InitCode returns factory ++ createAccount calldata, the v0.6 initCode layout.
func InitCode(factory, owner common.Address, salt *big.Int) ([]byte, error) {
	calldata, err := FactoryData(owner, salt)
	if err != nil {
		return nil, err
	}

	var data []byte
	data = append(data, factory.Bytes()...)
	return append(data, calldata...), nil
}

// DeriveAddress computes keccak256(0xff ++ factory ++ salt ++ keccak256(initCode))[12:]
// with initCode = factory ++ createAccount calldata. It is an offline estimate:
// proxy based factories such as SimpleAccountFactory hash their own creation
// code, so SmartAccount.Resolve asks the factory's getAddress instead.
func DeriveAddress(factory, owner common.Address, salt *big.Int) (common.Address, error) {
	if salt == nil {
		return common.Address{}, fmt.Errorf("salt is required")
	}
	if salt.Sign() < 0 || salt.BitLen() > 256 {
		return common.Address{}, fmt.Errorf("salt out of range: %s", salt)
	}

	initCode, err := InitCode(factory, owner, salt)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to build init code: %w", err)
	}

	var saltBytes [32]byte
	salt.FillBytes(saltBytes[:])

	return crypto.CreateAddress2(factory, saltBytes, crypto.Keccak256(initCode)), nil
}

func accountABI(v userop.Version) abi.ABI {
	if v == userop.V06 {
		return SimpleAccountV06ABI
	}
	return SimpleAccountABI
}

// PackExecute encodes a single call through the account's execute method.
func PackExecute(target common.Address, value *big.Int, calldata []byte) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	if calldata == nil {
		calldata = []byte{}
	}
	return SimpleAccountABI.Pack("execute", target, value, calldata)
}

// PackCalls encodes one call with execute and several with executeBatch.
func PackCalls(v userop.Version, calls []userop.Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("empty call batch")
	}
	if len(calls) == 1 {
		return PackExecute(calls[0].To, calls[0].Value, calls[0].Data)
	}

	dest := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	funcs := make([][]byte, len(calls))
	for i, c := range calls {
		dest[i] = c.To
		values[i] = c.Value
		if values[i] == nil {
			values[i] = new(big.Int)
		}
		funcs[i] = c.Data
		if funcs[i] == nil {
			funcs[i] = []byte{}
		}
	}

	if v == userop.V06 {
		for i, val := range values {
			if val.Sign() != 0 {
				return nil, fmt.Errorf("call %d: v0.6 executeBatch cannot carry value", i)
			}
		}
		return SimpleAccountV06ABI.Pack("executeBatch", dest, funcs)
	}
	return SimpleAccountABI.Pack("executeBatch", dest, values, funcs)
}

// UnpackCalls is the inverse of PackCalls.
func UnpackCalls(v userop.Version, callData []byte) ([]userop.Call, error) {
	method, args, err := byte4.DecodeCalldata(accountABI(v), callData)
	if err != nil {
		return nil, err
	}

	switch {
	case method.Name == "execute" && len(args) == 3:
		return []userop.Call{{
			To:    args[0].(common.Address),
			Value: args[1].(*big.Int),
			Data:  args[2].([]byte),
		}}, nil

	case method.Name == "executeBatch" && len(args) == 3:
		dest := args[0].([]common.Address)
		values := args[1].([]*big.Int)
		funcs := args[2].([][]byte)
		if len(dest) != len(values) || len(dest) != len(funcs) {
			return nil, fmt.Errorf("executeBatch length mismatch")
		}
		calls := make([]userop.Call, len(dest))
		for i := range dest {
			calls[i] = userop.Call{To: dest[i], Value: values[i], Data: funcs[i]}
		}
		return calls, nil

	case method.Name == "executeBatch" && len(args) == 2:
		dest := args[0].([]common.Address)
		funcs := args[1].([][]byte)
		if len(dest) != len(funcs) {
			return nil, fmt.Errorf("executeBatch length mismatch")
		}
		calls := make([]userop.Call, len(dest))
		for i := range dest {
			calls[i] = userop.Call{To: dest[i], Value: new(big.Int), Data: funcs[i]}
		}
		return calls, nil
	}

	return nil, fmt.Errorf("unsupported account method %s", method.Name)
}

func PackDepositTo(account common.Address) ([]byte, error) {
	return EntryPointABI.Pack("depositTo", account)
}

func PackERC20Transfer(to common.Address, amount *big.Int) ([]byte, error) {
	return ERC20ABI.Pack("transfer", to, amount)
}

func PackERC20Approve(spender common.Address, amount *big.Int) ([]byte, error) {
	return ERC20ABI.Pack("approve", spender, amount)
}
