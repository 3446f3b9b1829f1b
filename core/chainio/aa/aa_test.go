package aa

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

var (
	testFactory = common.HexToAddress("0x91E60e0613810449d098b0b5Ec8b51A0FE8c8985")
	testOwner   = common.HexToAddress("0x804e49e8C4eDb560AE7c48B554f6d2e27Bb81557")
)

func TestDeriveAddress_CREATE2Formula(t *testing.T) {
	salt := big.NewInt(0)

	computed, err := DeriveAddress(testFactory, testOwner, salt)
	require.NoError(t, err)
	require.NotEqual(t, common.Address{}, computed)

	initCode, err := InitCode(testFactory, testOwner, salt)
	require.NoError(t, err)

	saltBytes := make([]byte, 32)
	salt.FillBytes(saltBytes)

	var b []byte
	b = append(b, 0xff)
	b = append(b, testFactory.Bytes()...)
	b = append(b, saltBytes...)
	b = append(b, crypto.Keccak256(initCode)...)
	expected := common.BytesToAddress(crypto.Keccak256(b)[12:])

	assert.Equal(t, expected, computed)
}

func TestDeriveAddress_Deterministic(t *testing.T) {
	a1, err := DeriveAddress(testFactory, testOwner, big.NewInt(0))
	require.NoError(t, err)
	a2, err := DeriveAddress(testFactory, testOwner, big.NewInt(0))
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
}

func TestDeriveAddress_InputsChangeOutput(t *testing.T) {
	base, err := DeriveAddress(testFactory, testOwner, big.NewInt(0))
	require.NoError(t, err)

	tests := []struct {
		name    string
		factory common.Address
		owner   common.Address
		salt    *big.Int
	}{
		{"different owner", testFactory, common.HexToAddress("0x578B110b0a7c06e66b7B1a33C39635304aaF733c"), big.NewInt(0)},
		{"different factory", common.HexToAddress("0x0000000000000000000000000000000000000001"), testOwner, big.NewInt(0)},
		{"different salt", testFactory, testOwner, big.NewInt(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := DeriveAddress(tt.factory, tt.owner, tt.salt)
			require.NoError(t, err)
			assert.NotEqual(t, base, addr)
		})
	}
}

func TestDeriveAddress_InvalidSalt(t *testing.T) {
	_, err := DeriveAddress(testFactory, testOwner, nil)
	assert.Error(t, err)

	_, err = DeriveAddress(testFactory, testOwner, big.NewInt(-1))
	assert.Error(t, err)
}

func TestInitCodeLayout(t *testing.T) {
	initCode, err := InitCode(testFactory, testOwner, big.NewInt(7))
	require.NoError(t, err)

	assert.Equal(t, testFactory.Bytes(), initCode[:20])
	assert.Equal(t, FactoryABI.Methods["createAccount"].ID, initCode[20:24])
}

func TestPackUnpackCalls(t *testing.T) {
	recipient := common.HexToAddress("0xF6c6f66528BA9DD00583fb74525481f4275273c8")
	token := common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
	transfer, err := PackERC20Transfer(recipient, big.NewInt(30))
	require.NoError(t, err)

	single := []userop.Call{{To: recipient, Value: big.NewInt(100), Data: []byte{}}}
	batch := []userop.Call{
		{To: recipient, Value: big.NewInt(100), Data: []byte{}},
		{To: token, Value: big.NewInt(0), Data: transfer},
	}

	for _, calls := range [][]userop.Call{single, batch} {
		data, err := PackCalls(userop.V07, calls)
		require.NoError(t, err)

		back, err := UnpackCalls(userop.V07, data)
		require.NoError(t, err)
		require.Len(t, back, len(calls))
		for i := range calls {
			assert.Equal(t, calls[i].To, back[i].To)
			assert.Equal(t, 0, calls[i].Value.Cmp(back[i].Value))
			assert.Equal(t, calls[i].Data, back[i].Data)
		}
	}
}

func TestPackCallsV06RejectsBatchValue(t *testing.T) {
	calls := []userop.Call{
		{To: testOwner, Value: big.NewInt(1)},
		{To: testFactory, Value: big.NewInt(0)},
	}
	_, err := PackCalls(userop.V06, calls)
	assert.Error(t, err)

	calls[0].Value = big.NewInt(0)
	data, err := PackCalls(userop.V06, calls)
	require.NoError(t, err)

	back, err := UnpackCalls(userop.V06, data)
	require.NoError(t, err)
	assert.Len(t, back, 2)
}

func TestPackCallsEmpty(t *testing.T) {
	_, err := PackCalls(userop.V07, nil)
	assert.Error(t, err)
}
