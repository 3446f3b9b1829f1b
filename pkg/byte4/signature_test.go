package byte4

import (
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const erc20ABI = `[
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

func TestGetMethodFromCalldata(t *testing.T) {
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)

	decodeHex := func(s string) []byte {
		b, err := hex.DecodeString(s)
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name        string
		calldata    []byte
		wantMethod  string
		wantErr     bool
		errContains string
	}{
		{
			name:       "valid balanceOf selector",
			calldata:   decodeHex("70a08231000000000000000000000000ce289bb9fb0a9591317981223cbe33d5dc42268d"),
			wantMethod: "balanceOf",
		},
		{
			name:       "valid transfer selector",
			calldata:   decodeHex("a9059cbb000000000000000000000000ce289bb9fb0a9591317981223cbe33d5dc42268d0000000000000000000000000000000000000000000000000de0b6b3a7640000"),
			wantMethod: "transfer",
		},
		{
			name:        "invalid selector length",
			calldata:    []byte{0x70, 0xa0},
			wantErr:     true,
			errContains: "invalid selector length",
		},
		{
			name:        "unknown selector",
			calldata:    decodeHex("12345678"),
			wantErr:     true,
			errContains: "no matching method found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, err := GetMethodFromCalldata(parsedABI, tt.calldata)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				assert.Nil(t, method)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMethod, method.Name)
		})
	}
}

func TestDecodeCalldataTransfer(t *testing.T) {
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)

	to := common.HexToAddress("0xce289bb9fb0a9591317981223cbe33d5dc42268d")
	data, err := parsedABI.Pack("transfer", to, big.NewInt(30))
	require.NoError(t, err)

	method, args, err := DecodeCalldata(parsedABI, data)
	require.NoError(t, err)
	assert.Equal(t, "transfer", method.Name)
	require.Len(t, args, 2)
	assert.Equal(t, to, args[0])
	assert.Equal(t, big.NewInt(30), args[1])
}

func TestSelector(t *testing.T) {
	assert.Equal(t, "a9059cbb", hex.EncodeToString(Selector("transfer(address,uint256)")))
	assert.Equal(t, "b61d27f6", hex.EncodeToString(Selector("execute(address,uint256,bytes)")))
}
