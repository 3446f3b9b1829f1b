package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userops/core/apperrors"
	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/testutil"
	"github.com/AvaProtocol/ap-userops/pkg/byte4"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

const fullConfig = `
environment: development
db_path: /tmp/ap-userops-test
metrics_bind_address: localhost:9090
chain:
  rpc_url: https://sepolia.example.org
  chain_id: 11155111
bundler:
  url: https://bundler.example.org/rpc
  timeout: 15s
  fee_tier: standard
  quote_cache_ttl: 30s
account:
  signing_key: "0xe8d3b4d9e7d2a4f5a5a96c3e2c3f2c3d6e4a8b1c7f0e9d8c7b6a5f4e3d2c1b0a"
  salt: "7"
token:
  address: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
  paymaster: "0x0000000000000039cd5e8aE05257CE51C473ddd1"
recipient: "0xD7050816337a3f8f690F8083B5Ff8019D50c0E50"
estimation:
  probe_threshold_wei: "10000000000000000"
  max_gas_limit: 5000000
inclusion:
  timeout: 90s
  initial_interval: 500ms
  max_interval: 4s
  multiplier: 2
deploy:
  gas:
    policy: fixed-override
    call_gas_limit: 100000
    verification_gas_limit: 3000000
    pre_verification_gas: 60000
    max_fee_per_gas_gwei: "20"
    max_priority_fee_per_gas_gwei: "1.5"
operations:
  - name: transfer
    kind: native-transfer
    amount: "0.1"
  - name: pay-in-usdc
    kind: sponsored-transfer
    amount: "0.05"
  - name: usdc
    kind: erc20-transfer
    amount: "1.5"
  - name: approve
    kind: approve-paymaster
  - name: top-up
    kind: deposit
    amount: "0.01"
  - name: ping
    kind: self-call
  - name: raw
    kind: batch
    calls:
      - to: "0xD7050816337a3f8f690F8083B5Ff8019D50c0E50"
        value_wei: "1"
      - to: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
        data: "0x70a08231000000000000000000000000d7050816337a3f8f690f8083b5ff8019d50c0e50"
expectations:
  - nativeCost > 0
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func load(t *testing.T, content string, env map[string]string) (*Config, error) {
	t.Helper()
	raw, err := ReadConfigRaw(writeConfig(t, content), envOf(env))
	require.NoError(t, err)
	return raw.ToConfig()
}

func TestFullConfig(t *testing.T) {
	c, err := load(t, fullConfig, nil)
	require.NoError(t, err)

	assert.Equal(t, "development", c.Environment)
	assert.NotNil(t, c.Logger)
	assert.Equal(t, big.NewInt(11155111), c.ChainID)
	assert.Equal(t, "localhost:9090", c.MetricsBindAddress)

	assert.Equal(t, userop.V07, c.Account.Version)
	assert.Equal(t, aa.EntryPointV07Address, c.Account.EntryPoint)
	assert.Equal(t, aa.FactoryV07Address, c.Account.Factory)
	assert.Equal(t, big.NewInt(7), c.Account.Salt)
	assert.Equal(t, c.Signer.Address(), c.Account.Owner)

	assert.Equal(t, "https://bundler.example.org/rpc", c.Bundler.URL)
	assert.Equal(t, 15*time.Second, c.Bundler.Timeout)
	assert.Equal(t, bundler.FeeTierStandard, c.Bundler.FeeTier)
	assert.Equal(t, 30*time.Second, c.Bundler.QuoteCacheTTL)
	assert.Equal(t, c.Account.EntryPoint, c.Bundler.EntryPoint)

	assert.Equal(t, 90*time.Second, c.Orchestrator.InclusionTimeout)
	assert.Equal(t, 500*time.Millisecond, c.Orchestrator.PollInitial)
	assert.Equal(t, 4*time.Second, c.Orchestrator.PollMaxInterval)
	assert.Equal(t, 2.0, c.Orchestrator.PollMultiplier)
	assert.Equal(t, big.NewInt(5_000_000), c.Orchestrator.MaxGasLimit)
	assert.Equal(t, testutil.Ether("0.01"), c.ProbeThreshold)
	assert.Nil(t, c.ProbeValue)

	assert.True(t, c.AwaitDeploy)
	assert.Equal(t, preset.PolicyFixedOverride, c.DeployPolicy.Kind)
	assert.Equal(t, big.NewInt(20_000_000_000), c.DeployPolicy.MaxFeePerGas)
	assert.Equal(t, big.NewInt(1_500_000_000), c.DeployPolicy.MaxPriorityFeePerGas)

	assert.Equal(t, []string{"nativeCost > 0"}, c.Expectations)
	assert.Len(t, c.Operations, 7)

	plan := c.Plan("session-1")
	assert.Equal(t, "session-1", plan.Session)
	assert.Equal(t, int32(DefaultTokenDecimals), plan.TokenDecimals)
	require.NoError(t, plan.Validate())
}

func TestOperationKinds(t *testing.T) {
	c, err := load(t, fullConfig, nil)
	require.NoError(t, err)
	account := c.Account.MustAddress()
	ops := c.Operations

	transfer := ops[0]
	assert.Equal(t, "transfer", transfer.Name)
	assert.False(t, transfer.Sponsored)
	assert.Equal(t, preset.PolicyEstimated, transfer.GasPolicy.Kind)
	require.Len(t, transfer.Calls, 1)
	assert.Equal(t, testutil.TestRecipient, transfer.Calls[0].To)
	assert.Equal(t, testutil.Ether("0.1"), transfer.Calls[0].Value)

	sponsored := ops[1]
	assert.True(t, sponsored.Sponsored)
	assert.Equal(t, testutil.Ether("0.05"), sponsored.Calls[0].Value)

	usdc := ops[2]
	assert.Equal(t, testutil.TestToken, usdc.Calls[0].To)
	method, args, err := byte4.DecodeCalldata(aa.ERC20ABI, usdc.Calls[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "transfer", method.Name)
	assert.Equal(t, testutil.TestRecipient, args[0])
	assert.Equal(t, big.NewInt(1_500_000), args[1])

	approve := ops[3]
	method, args, err = byte4.DecodeCalldata(aa.ERC20ABI, approve.Calls[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "approve", method.Name)
	assert.Equal(t, testutil.TestPaymaster, args[0])
	assert.Equal(t, maxUint256, args[1])

	deposit := ops[4]
	assert.Equal(t, aa.EntryPointV07Address, deposit.Calls[0].To)
	assert.Equal(t, testutil.Ether("0.01"), deposit.Calls[0].Value)
	method, args, err = byte4.DecodeCalldata(aa.EntryPointABI, deposit.Calls[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "depositTo", method.Name)
	assert.Equal(t, account, args[0])

	self := ops[5]
	assert.Equal(t, account, self.Calls[0].To)
	assert.Zero(t, self.Calls[0].Value.Sign())

	batch := ops[6]
	require.Len(t, batch.Calls, 2)
	assert.Equal(t, big.NewInt(1), batch.Calls[0].Value)
	assert.Empty(t, batch.Calls[0].Data)
	assert.Len(t, batch.Calls[1].Data, 36)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	c, err := load(t, fullConfig, map[string]string{
		"BUNDLER_URL":        "https://other.example.org",
		"ENTRYPOINT_VERSION": "0.6",
		"DEPLOY_AWAIT":       "false",
		"TOKEN_DECIMALS":     "18",
		"CHAIN_ID":           "84532",
		"ACCOUNT_ADDRESS":    "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://other.example.org", c.Bundler.URL)
	assert.Equal(t, userop.V06, c.Account.Version)
	assert.Equal(t, aa.EntryPointV06Address, c.Account.EntryPoint)
	assert.Equal(t, aa.FactoryV06Address, c.Account.Factory)
	assert.False(t, c.AwaitDeploy)
	assert.Equal(t, int32(18), c.TokenDecimals)
	assert.Equal(t, big.NewInt(84532), c.ChainID)
	assert.Equal(t, common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"), c.Account.MustAddress())

	// untouched keys keep their file values
	assert.Equal(t, 15*time.Second, c.Bundler.Timeout)
	assert.Equal(t, "https://sepolia.example.org", c.RPCURL)
}

func TestEnvironmentOnly(t *testing.T) {
	raw, err := ReadConfigRaw("", envOf(map[string]string{
		"RPC_URL":     "http://localhost:8545",
		"BUNDLER_URL": "http://localhost:4337",
		"SIGNING_KEY": testutil.TestOwnerKey,
	}))
	require.NoError(t, err)

	c, err := raw.ToConfig()
	require.NoError(t, err)
	assert.Equal(t, testutil.TestSigner().Address(), c.Account.Owner)
	assert.Equal(t, bundler.FeeTierFast, c.Bundler.FeeTier)
	assert.Equal(t, 2*time.Minute, c.Orchestrator.InclusionTimeout)
	assert.Equal(t, DefaultWatchInterval, c.WatchInterval)
	assert.Equal(t, preset.PolicyEstimated, c.DeployPolicy.Kind)
	assert.True(t, c.AwaitDeploy)
	assert.Nil(t, c.ChainID)
	assert.Empty(t, c.Operations)
}

func TestInvalidConfig(t *testing.T) {
	base := map[string]string{
		"RPC_URL":     "http://localhost:8545",
		"BUNDLER_URL": "http://localhost:4337",
		"SIGNING_KEY": testutil.TestOwnerKey,
	}

	tests := []struct {
		name  string
		yaml  string
		env   map[string]string
		field string
	}{
		{name: "missing signing key", env: map[string]string{"SIGNING_KEY": ""}, field: "account.signing_key"},
		{name: "bad bundler url", env: map[string]string{"BUNDLER_URL": "not a url"}, field: "bundler.url"},
		{name: "bad recipient", env: map[string]string{"RECIPIENT": "0x1234"}, field: "recipient"},
		{name: "unknown version", env: map[string]string{"ENTRYPOINT_VERSION": "0.8"}, field: "account.entrypoint_version"},
		{name: "bad duration", env: map[string]string{"INCLUSION_TIMEOUT": "soon"}, field: "inclusion.timeout"},
		{name: "bad probe threshold", env: map[string]string{"PROBE_THRESHOLD_WEI": "-5"}, field: "estimation.probe_threshold_wei"},
		{name: "signing key is garbage", env: map[string]string{"SIGNING_KEY": "0xdeadbeef"}, field: "account.signing_key"},
		{
			name:  "unknown operation kind",
			yaml:  "operations:\n  - name: x\n    kind: teleport\n",
			field: "operations[0].kind",
		},
		{
			name:  "transfer without amount",
			yaml:  "recipient: \"0xD7050816337a3f8f690F8083B5Ff8019D50c0E50\"\noperations:\n  - name: x\n    kind: native-transfer\n",
			field: "operations[0].amount",
		},
		{
			name:  "transfer without recipient",
			yaml:  "operations:\n  - name: x\n    kind: native-transfer\n    amount: \"1\"\n",
			field: "operations[0].to",
		},
		{
			name:  "sponsored without token",
			yaml:  "operations:\n  - name: x\n    kind: sponsored-transfer\n    to: \"0xD7050816337a3f8f690F8083B5Ff8019D50c0E50\"\n    amount: \"1\"\n",
			field: "operations[0].sponsored",
		},
		{
			name:  "too many decimals",
			yaml:  "token:\n  address: \"0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238\"\noperations:\n  - name: x\n    kind: erc20-transfer\n    to: \"0xD7050816337a3f8f690F8083B5Ff8019D50c0E50\"\n    amount: \"0.0000001\"\n",
			field: "operations[0].amount",
		},
		{
			name:  "half pinned fees",
			yaml:  "deploy:\n  gas:\n    max_fee_per_gas_gwei: \"20\"\n",
			field: "deploy.gas",
		},
		{
			name:  "incomplete fixed gas",
			yaml:  "deploy:\n  gas:\n    policy: fixed-override\n    call_gas_limit: 1\n",
			field: "deploy.gas",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := map[string]string{}
			for k, v := range base {
				env[k] = v
			}
			for k, v := range tt.env {
				env[k] = v
			}

			_, err := load(t, tt.yaml, env)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.field)
			assert.NotContains(t, err.Error(), testutil.TestOwnerKey[2:])
		})
	}
}

func TestStrictYaml(t *testing.T) {
	_, err := ReadConfigRaw(writeConfig(t, "chain:\n  rpc_urll: http://x\n"), noEnv)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestParseUnits(t *testing.T) {
	v, err := parseUnits("f", "0.1", 18)
	require.NoError(t, err)
	assert.Equal(t, testutil.Ether("0.1"), v)

	v, err = parseUnits("f", "1.5", 6)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_500_000), v)

	_, err = parseUnits("f", "-1", 6)
	assert.Error(t, err)

	_, err = parseUnits("f", "abc", 6)
	assert.Error(t, err)
}
