package userop

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testEntryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	testSender     = common.HexToAddress("0x2D7cac1C3caf43307aB11e3FF8a3c86048047628")
	testFactory    = common.HexToAddress("0x91E60e0613810449d098b0b5Ec8b51A0FE8c8985")
	testPaymaster  = common.HexToAddress("0x0000000000000039cd5e8aE05257CE51C473ddd1")
)

func sampleOp() *UserOperation {
	return &UserOperation{
		Sender:               testSender,
		Nonce:                big.NewInt(3),
		Factory:              &testFactory,
		FactoryData:          common.FromHex("0x5fbfb9cf"),
		CallData:             common.FromHex("0xb61d27f6"),
		CallGasLimit:         big.NewInt(17955),
		VerificationGasLimit: big.NewInt(72320),
		PreVerificationGas:   big.NewInt(50996),
		MaxFeePerGas:         big.NewInt(20_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_500_000_000),
		Signature:            common.FromHex("0x01"),
	}
}

func TestHashIgnoresSignature(t *testing.T) {
	op := sampleOp()
	h1, err := op.Hash(testEntryPoint, big.NewInt(11155111), V07)
	require.NoError(t, err)

	op.Signature = common.FromHex("0xdeadbeef")
	h2, err := op.Hash(testEntryPoint, big.NewInt(11155111), V07)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestHashDependsOnChainAndEntryPoint(t *testing.T) {
	op := sampleOp()
	base, err := op.Hash(testEntryPoint, big.NewInt(11155111), V07)
	require.NoError(t, err)

	otherChain, err := op.Hash(testEntryPoint, big.NewInt(1), V07)
	require.NoError(t, err)
	otherEntryPoint, err := op.Hash(common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"), big.NewInt(11155111), V07)
	require.NoError(t, err)
	v06, err := op.Hash(testEntryPoint, big.NewInt(11155111), V06)
	require.NoError(t, err)

	assert.NotEqual(t, base, otherChain)
	assert.NotEqual(t, base, otherEntryPoint)
	assert.NotEqual(t, base, v06)
}

func TestPackV07GasLayout(t *testing.T) {
	op := sampleOp()
	packed, err := op.Pack(V07)
	require.NoError(t, err)
	require.Len(t, packed, 8*32)

	// accountGasLimits is the fifth word: verificationGasLimit(16) ++ callGasLimit(16)
	word := packed[4*32 : 5*32]
	assert.Equal(t, big.NewInt(72320), new(big.Int).SetBytes(word[:16]))
	assert.Equal(t, big.NewInt(17955), new(big.Int).SetBytes(word[16:]))

	// gasFees is the seventh word: maxPriorityFeePerGas(16) ++ maxFeePerGas(16)
	fees := packed[6*32 : 7*32]
	assert.Equal(t, big.NewInt(1_500_000_000), new(big.Int).SetBytes(fees[:16]))
	assert.Equal(t, big.NewInt(20_000_000_000), new(big.Int).SetBytes(fees[16:]))
}

func TestPaymasterAndDataByVersion(t *testing.T) {
	op := sampleOp()
	op.Paymaster = &testPaymaster
	op.PaymasterVerificationGasLimit = big.NewInt(100000)
	op.PaymasterPostOpGasLimit = big.NewInt(50000)
	op.PaymasterData = common.FromHex("0xabcd")

	v07 := op.PaymasterAndData(V07)
	assert.Len(t, v07, 20+16+16+2)
	assert.Equal(t, testPaymaster.Bytes(), v07[:20])
	assert.Equal(t, big.NewInt(100000), new(big.Int).SetBytes(v07[20:36]))

	v06 := op.PaymasterAndData(V06)
	assert.Equal(t, append(testPaymaster.Bytes(), 0xab, 0xcd), v06)
}

func TestRPCRoundTripV07(t *testing.T) {
	op := sampleOp()
	raw, err := json.Marshal(op.ToRPC(V07))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"factory"`)
	assert.NotContains(t, string(raw), `"initCode"`)

	var decoded RPCUserOperation
	require.NoError(t, json.Unmarshal(raw, &decoded))
	back, err := decoded.FromRPC()
	require.NoError(t, err)

	assert.Equal(t, op.Sender, back.Sender)
	assert.Equal(t, op.Nonce, back.Nonce)
	assert.Equal(t, op.CallData, back.CallData)
	assert.Equal(t, *op.Factory, *back.Factory)
	assert.Equal(t, op.FactoryData, back.FactoryData)
	assert.Nil(t, back.Paymaster)
}

func TestRPCRoundTripV06SplitsInitCode(t *testing.T) {
	op := sampleOp()
	op.Paymaster = &testPaymaster
	op.PaymasterData = common.FromHex("0x1234")

	raw, err := json.Marshal(op.ToRPC(V06))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"initCode"`)

	var decoded RPCUserOperation
	require.NoError(t, json.Unmarshal(raw, &decoded))
	back, err := decoded.FromRPC()
	require.NoError(t, err)

	require.NotNil(t, back.Factory)
	assert.Equal(t, testFactory, *back.Factory)
	assert.Equal(t, op.FactoryData, back.FactoryData)
	require.NotNil(t, back.Paymaster)
	assert.Equal(t, testPaymaster, *back.Paymaster)
	assert.Equal(t, op.PaymasterData, back.PaymasterData)
}

func TestSubmittableRequiresAllGasFields(t *testing.T) {
	op := sampleOp()
	assert.True(t, op.Submittable())

	op.PreVerificationGas = nil
	assert.False(t, op.Submittable())
}

func TestNonceKeyPacking(t *testing.T) {
	n := NewNonce(big.NewInt(2), 7)
	assert.Equal(t, big.NewInt(2), NonceKey(n))
	assert.Equal(t, uint64(7), new(big.Int).And(n, big.NewInt(0).SetUint64(^uint64(0))).Uint64())
}

func TestCopyIsDeep(t *testing.T) {
	op := sampleOp()
	cp := op.Copy()
	cp.CallGasLimit.SetInt64(1)
	cp.CallData[0] = 0x00

	assert.Equal(t, big.NewInt(17955), op.CallGasLimit)
	assert.Equal(t, byte(0xb6), op.CallData[0])
}

func TestMaxGasCost(t *testing.T) {
	op := sampleOp()
	expected := new(big.Int).Mul(big.NewInt(17955+72320+50996), big.NewInt(20_000_000_000))
	assert.Equal(t, expected, op.MaxGasCost())
}
