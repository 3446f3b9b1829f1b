package preset

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/chainio/signer"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

var (
	owner     = common.HexToAddress("0xe272b72E51a5bF8cB720fc6D6DF164a4D5E321C5")
	recipient = common.HexToAddress("0xe0f7d11fd714674722d325cd86062a5f1882e13a")
)

func testAccount() *aa.SmartAccount {
	return aa.NewSmartAccount(owner, aa.FactoryV07Address, aa.EntryPointV07Address, userop.V07, big.NewInt(0))
}

func fullGas() userop.GasParameters {
	return userop.GasParameters{
		MaxFeePerGas:         big.NewInt(20_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_500_000_000),
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(200000),
		PreVerificationGas:   big.NewInt(50000),
	}
}

func ether(tenths int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tenths), big.NewInt(100_000_000_000_000_000))
}

func TestBuildRejectsInvalidInput(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)

	tests := []struct {
		name    string
		calls   []userop.Call
		gas     userop.GasParameters
		wantErr error
	}{
		{"empty batch", nil, fullGas(), ErrEmptyBatch},
		{"zero target", []userop.Call{{To: common.Address{}, Value: big.NewInt(1)}}, fullGas(), ErrInvalidAddress},
		{"negative value", []userop.Call{{To: recipient, Value: big.NewInt(-1)}}, fullGas(), ErrNegativeValue},
		{"value overflows uint256", []userop.Call{{To: recipient, Value: tooBig}}, fullGas(), ErrValueOverflow},
		{
			"gas limit above ceiling",
			[]userop.Call{{To: recipient, Value: big.NewInt(1)}},
			userop.GasParameters{CallGasLimit: big.NewInt(30_000_001)},
			ErrGasLimitTooHigh,
		},
		{
			"negative fee",
			[]userop.Call{{To: recipient, Value: big.NewInt(1)}},
			userop.GasParameters{MaxFeePerGas: big.NewInt(-1)},
			ErrNegativeGasField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(testAccount(), tt.calls, tt.gas, nil)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBuildRejectsPriorityAboveMaxFee(t *testing.T) {
	gas := fullGas()
	gas.MaxPriorityFeePerGas = new(big.Int).Add(gas.MaxFeePerGas, big.NewInt(1))
	_, err := Build(testAccount(), []userop.Call{{To: recipient, Value: big.NewInt(1)}}, gas, nil)
	assert.Error(t, err)
}

func TestBuildSingleAndBatch(t *testing.T) {
	account := testAccount()
	single := []userop.Call{{To: recipient, Value: ether(1)}}
	batch := []userop.Call{
		{To: recipient, Value: ether(1)},
		{To: aa.EntryPointV07Address, Value: ether(1), Data: []byte{0xb7, 0x60, 0xfa, 0xf9}},
	}

	for _, calls := range [][]userop.Call{single, batch} {
		op, err := Build(account, calls, fullGas(), nil, WithNonce(big.NewInt(7)))
		require.NoError(t, err)

		assert.Equal(t, account.MustAddress(), op.Sender)
		assert.Equal(t, int64(7), op.Nonce.Int64())
		assert.Nil(t, op.Factory)
		assert.False(t, op.HasPaymaster())
		assert.True(t, op.Submittable())

		decoded, err := aa.UnpackCalls(userop.V07, op.CallData)
		require.NoError(t, err)
		require.Len(t, decoded, len(calls))
		for i := range calls {
			assert.Equal(t, calls[i].To, decoded[i].To)
			assert.Equal(t, 0, calls[i].Value.Cmp(decoded[i].Value))
		}
	}
}

func TestBuildDoesNotAliasGas(t *testing.T) {
	gas := fullGas()
	op, err := Build(testAccount(), []userop.Call{{To: recipient}}, gas, nil)
	require.NoError(t, err)

	op.CallGasLimit.SetInt64(1)
	assert.Equal(t, int64(100000), gas.CallGasLimit.Int64())
}

func TestBuildWithDeploymentAndSponsorship(t *testing.T) {
	account := testAccount()
	pm := common.HexToAddress("0x0000000000000039cd5e8aE05257CE51C473ddd1")

	op, err := Build(account, []userop.Call{{To: recipient, Value: ether(1)}}, userop.GasParameters{},
		&userop.Sponsorship{Token: recipient, Paymaster: pm, PostOpGas: big.NewInt(50000)},
		WithDeployment())
	require.NoError(t, err)

	require.NotNil(t, op.Factory)
	assert.Equal(t, aa.FactoryV07Address, *op.Factory)
	expectedFactoryData, err := account.FactoryData()
	require.NoError(t, err)
	assert.Equal(t, expectedFactoryData, op.FactoryData)

	require.True(t, op.HasPaymaster())
	assert.Equal(t, pm, *op.Paymaster)
	assert.Equal(t, int64(50000), op.PaymasterPostOpGasLimit.Int64())
	assert.False(t, op.Submittable(), "no nonce and no gas limits yet")
}

func TestProbeCalls(t *testing.T) {
	calls := []userop.Call{
		{To: recipient, Value: ether(1)},
		{To: recipient, Value: big.NewInt(10)},
		{To: recipient},
		{To: recipient, Value: big.NewInt(0)},
	}

	probed := ProbeCalls(calls, big.NewInt(1000), big.NewInt(1), nil)
	require.Len(t, probed, 4)
	assert.Equal(t, int64(1), probed[0].Value.Int64())
	assert.Equal(t, int64(1), probed[1].Value.Int64(), "every value is replaced once the batch is over")
	assert.Nil(t, probed[2].Value)
	assert.Zero(t, probed[3].Value.Sign())

	assert.Equal(t, 0, ether(1).Cmp(calls[0].Value), "original calls untouched")

	unchanged := ProbeCalls(calls, nil, nil, nil)
	assert.Equal(t, 0, ether(1).Cmp(unchanged[0].Value))
}

func TestEstimationValuesFollowTheBatchTotal(t *testing.T) {
	batch := []userop.Call{
		{To: recipient, Value: big.NewInt(300)},
		{To: recipient, Value: big.NewInt(300)},
	}

	tests := []struct {
		name      string
		threshold int64
		prefund   *big.Int
		want      []int64
	}{
		{name: "total under threshold", threshold: 700, want: []int64{300, 300}},
		{name: "total equals threshold", threshold: 600, want: []int64{300, 300}},
		{name: "each under but total over", threshold: 500, want: []int64{2, 2}},
		{name: "prefund pushes total over", threshold: 650, prefund: big.NewInt(51), want: []int64{2, 2}},
		{name: "prefund fits", threshold: 650, prefund: big.NewInt(50), want: []int64{300, 300}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProbeCalls(batch, big.NewInt(tt.threshold), big.NewInt(2), tt.prefund)
			require.Len(t, got, len(tt.want))
			for i, v := range tt.want {
				assert.Equal(t, v, got[i].Value.Int64())
			}
		})
	}
}

func TestSignRecoversOwner(t *testing.T) {
	s, err := signer.FromHex("0xe8d3e6c2d7f16f8a4d4f4b1c0a0ad2d9bb93a07bb8d7e1c6fbe4d1b2a3c4d5e6")
	require.NoError(t, err)

	account := aa.NewSmartAccount(s.Address(), aa.FactoryV07Address, aa.EntryPointV07Address, userop.V07, nil)
	op, err := Build(account, []userop.Call{{To: recipient, Value: ether(1)}}, fullGas(), nil, WithNonce(big.NewInt(0)))
	require.NoError(t, err)

	hash, err := Sign(op, s, aa.EntryPointV07Address, big.NewInt(11155111), userop.V07)
	require.NoError(t, err)

	recovered, err := signer.RecoverAddress(hash.Bytes(), op.Signature)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), recovered)

	again, err := op.Hash(aa.EntryPointV07Address, big.NewInt(11155111), userop.V07)
	require.NoError(t, err)
	assert.Equal(t, hash, again, "signature is not part of the hash")
}

func TestDummySignatureLength(t *testing.T) {
	op := WithDummySignature(&userop.UserOperation{})
	assert.Len(t, op.Signature, 65)
}

func TestGasPolicyParameters(t *testing.T) {
	quote := &bundler.FeeQuote{MaxFeePerGas: big.NewInt(30), MaxPriorityFeePerGas: big.NewInt(3)}
	est := &bundler.GasEstimation{
		CallGasLimit:         big.NewInt(1000),
		VerificationGasLimit: big.NewInt(2000),
		PreVerificationGas:   big.NewInt(500),
	}

	t.Run("estimated uses quote and estimate", func(t *testing.T) {
		g, err := Estimated().Parameters(quote, est)
		require.NoError(t, err)
		assert.Equal(t, int64(30), g.MaxFeePerGas.Int64())
		assert.Equal(t, int64(1000), g.CallGasLimit.Int64())
		assert.True(t, g.Complete())
	})

	t.Run("estimated with buffer", func(t *testing.T) {
		p := Estimated()
		p.BufferPercent = 20
		g, err := p.Parameters(quote, est)
		require.NoError(t, err)
		assert.Equal(t, int64(1200), g.CallGasLimit.Int64())
		assert.Equal(t, int64(600), g.PreVerificationGas.Int64())
	})

	t.Run("estimated without estimate fails", func(t *testing.T) {
		_, err := Estimated().Parameters(quote, nil)
		assert.Error(t, err)
	})

	t.Run("fixed override ignores estimate and pins fees", func(t *testing.T) {
		p := FixedOverride(big.NewInt(1), big.NewInt(2), big.NewInt(3)).
			WithFees(big.NewInt(20_000_000_000), big.NewInt(1_500_000_000))
		require.NoError(t, p.Validate())
		assert.False(t, p.NeedsEstimate())
		assert.True(t, p.PinsFees())

		g, err := p.Parameters(nil, est)
		require.NoError(t, err)
		assert.Equal(t, int64(1), g.CallGasLimit.Int64())
		assert.Equal(t, int64(20_000_000_000), g.MaxFeePerGas.Int64())
	})

	t.Run("default fixed raises verification gas when deploying", func(t *testing.T) {
		assert.Equal(t, 0, DEPLOYMENT_VERIFICATION_GAS_LIMIT.Cmp(DefaultFixed(true).VerificationGasLimit))
		assert.Equal(t, 0, DEFAULT_VERIFICATION_GAS_LIMIT.Cmp(DefaultFixed(false).VerificationGasLimit))
	})
}

func TestGasPolicyValidate(t *testing.T) {
	assert.NoError(t, Estimated().Validate())
	assert.Error(t, GasPolicy{Kind: "magic"}.Validate())
	assert.Error(t, FixedOverride(nil, big.NewInt(1), big.NewInt(1)).Validate())
	assert.Error(t, Estimated().WithFees(big.NewInt(1), nil).Validate())
}
