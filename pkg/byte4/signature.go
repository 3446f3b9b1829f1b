package byte4

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Selector returns the 4 byte function selector of a canonical signature such as "transfer(address,uint256)".
func Selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// GetMethodFromCalldata returns the ABI method matching the first 4 bytes of calldata.
func GetMethodFromCalldata(parsedABI abi.ABI, calldata []byte) (*abi.Method, error) {
	if len(calldata) < 4 {
		return nil, fmt.Errorf("invalid selector length: %d", len(calldata))
	}

	methodID := calldata[:4]

	// Sig is canonical even for overloaded methods, whose Go name carries a numeric suffix.
	for _, method := range parsedABI.Methods {
		if bytes.Equal(Selector(method.Sig), methodID) {
			m := method
			return &m, nil
		}
	}

	return nil, fmt.Errorf("no matching method found for selector: 0x%x", methodID)
}

// DecodeCalldata resolves the method and unpacks its arguments.
func DecodeCalldata(parsedABI abi.ABI, calldata []byte) (*abi.Method, []interface{}, error) {
	method, err := GetMethodFromCalldata(parsedABI, calldata)
	if err != nil {
		return nil, nil, err
	}

	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return method, nil, fmt.Errorf("failed to unpack %s arguments: %w", method.Name, err)
	}

	return method, args, nil
}
