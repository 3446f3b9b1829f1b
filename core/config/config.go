package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/ap-userops/core/apperrors"
	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/chainio/signer"
	"github.com/AvaProtocol/ap-userops/core/orchestrator"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
)

// Config is the typed, validated configuration of one account's run.
type Config struct {
	Environment string
	Logger      logger.Logger `json:"-"`

	// json:"-" keeps the key out of anything that dumps the config
	Signer *signer.PrivateKeySigner `json:"-"`

	RPCURL  string
	ChainID *big.Int

	Bundler bundler.Options

	Account *aa.SmartAccount

	Token         common.Address
	TokenDecimals int32
	Paymaster     common.Address
	Recipient     common.Address

	Orchestrator   orchestrator.Config
	ProbeThreshold *big.Int
	ProbeValue     *big.Int

	DeployPolicy preset.GasPolicy
	AwaitDeploy  bool
	NonceKey     *big.Int

	Operations   []orchestrator.Operation
	Expectations []string

	DbPath             string
	MetricsBindAddress string
	WatchInterval      time.Duration
}

// These are read from the config file, then overlaid from the environment
type ConfigRaw struct {
	Environment        string `yaml:"environment" validate:"omitempty,oneof=development production"`
	DbPath             string `yaml:"db_path"`
	MetricsBindAddress string `yaml:"metrics_bind_address" validate:"omitempty,hostname_port"`

	Chain      ChainRaw      `yaml:"chain"`
	Bundler    BundlerRaw    `yaml:"bundler"`
	Account    AccountRaw    `yaml:"account"`
	Token      TokenRaw      `yaml:"token"`
	Recipient  string        `yaml:"recipient" validate:"omitempty,eth_addr"`
	Estimation EstimationRaw `yaml:"estimation"`
	Inclusion  InclusionRaw  `yaml:"inclusion"`
	Deploy     DeployRaw     `yaml:"deploy"`
	Watch      WatchRaw      `yaml:"watch"`

	Operations   []OperationRaw `yaml:"operations" validate:"dive"`
	Expectations []string       `yaml:"expectations"`
}

type ChainRaw struct {
	RPCURL  string `yaml:"rpc_url" validate:"required,url"`
	ChainID int64  `yaml:"chain_id" validate:"omitempty,gt=0"`
}

type BundlerRaw struct {
	URL           string `yaml:"url" validate:"required,url"`
	Timeout       string `yaml:"timeout"`
	FeeTier       string `yaml:"fee_tier" validate:"omitempty,oneof=slow standard fast"`
	QuoteCacheTTL string `yaml:"quote_cache_ttl"`
}

type AccountRaw struct {
	SigningKey        string `yaml:"signing_key" validate:"required"`
	Factory           string `yaml:"factory" validate:"omitempty,eth_addr"`
	EntryPoint        string `yaml:"entrypoint" validate:"omitempty,eth_addr"`
	EntryPointVersion string `yaml:"entrypoint_version" validate:"omitempty,oneof=0.6 0.7"`
	Salt              string `yaml:"salt"`
	Address           string `yaml:"address" validate:"omitempty,eth_addr"`
	NonceKey          string `yaml:"nonce_key"`
}

type TokenRaw struct {
	Address   string `yaml:"address" validate:"omitempty,eth_addr"`
	Decimals  int32  `yaml:"decimals" validate:"gte=0,lte=36"`
	Paymaster string `yaml:"paymaster" validate:"omitempty,eth_addr"`
}

type EstimationRaw struct {
	ProbeThresholdWei string `yaml:"probe_threshold_wei"`
	ProbeValueWei     string `yaml:"probe_value_wei"`
	MaxGasLimit       uint64 `yaml:"max_gas_limit"`
}

type InclusionRaw struct {
	Timeout         string  `yaml:"timeout"`
	InitialInterval string  `yaml:"initial_interval"`
	MaxInterval     string  `yaml:"max_interval"`
	Multiplier      float64 `yaml:"multiplier" validate:"omitempty,gte=1"`
}

type DeployRaw struct {
	// Await defaults to true when omitted.
	Await *bool        `yaml:"await"`
	Gas   GasPolicyRaw `yaml:"gas"`
}

type WatchRaw struct {
	Interval string `yaml:"interval"`
}

// GasPolicyRaw describes a preset.GasPolicy. Fees are in gwei.
type GasPolicyRaw struct {
	Policy                   string `yaml:"policy" validate:"omitempty,oneof=estimated fixed-override"`
	CallGasLimit             uint64 `yaml:"call_gas_limit"`
	VerificationGasLimit     uint64 `yaml:"verification_gas_limit"`
	PreVerificationGas       uint64 `yaml:"pre_verification_gas"`
	MaxFeePerGasGwei         string `yaml:"max_fee_per_gas_gwei"`
	MaxPriorityFeePerGasGwei string `yaml:"max_priority_fee_per_gas_gwei"`
	BufferPercent            int64  `yaml:"buffer_percent" validate:"gte=0"`
}

const (
	DefaultTokenDecimals = 6
	DefaultWatchInterval = time.Minute
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their yaml names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// NewConfig reads the yaml file, applies environment overrides and converts
// the result into a Config. Every failure is a ConfigurationError.
func NewConfig(configFilePath string) (*Config, error) {
	raw, err := ReadConfigRaw(configFilePath, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	return raw.ToConfig()
}

// ReadConfigRaw loads the file (optional when path is empty) and overlays the
// environment through lookup.
func ReadConfigRaw(configFilePath string, lookup func(string) (string, bool)) (*ConfigRaw, error) {
	var raw ConfigRaw
	if configFilePath != "" {
		data, err := os.ReadFile(configFilePath)
		if err != nil {
			return nil, apperrors.NewConfigurationError("config", fmt.Sprintf("cannot read %s: %v", configFilePath, err))
		}
		if err := yaml.UnmarshalStrict(data, &raw); err != nil {
			return nil, apperrors.NewConfigurationError("config", fmt.Sprintf("%s is not valid yaml: %v", configFilePath, err))
		}
	}

	if err := raw.overlayEnv(lookup); err != nil {
		return nil, err
	}
	return &raw, nil
}

func (raw *ConfigRaw) Validate() error {
	err := validate.Struct(raw)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		reason := fmt.Sprintf("failed %q check", fe.Tag())
		if fe.Param() != "" {
			reason = fmt.Sprintf("failed %q check (%s)", fe.Tag(), fe.Param())
		}
		return apperrors.NewConfigurationError(field, reason)
	}
	return apperrors.NewConfigurationError("config", err.Error())
}

// ToConfig validates the raw values and converts them into typed values.
func (raw *ConfigRaw) ToConfig() (*Config, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}

	lgr, err := logger.New(raw.Environment)
	if err != nil {
		return nil, apperrors.NewConfigurationError("environment", err.Error())
	}

	s, err := signer.FromHex(raw.Account.SigningKey)
	if err != nil {
		// the parse error can echo key material
		return nil, apperrors.NewConfigurationError("account.signing_key", "not a valid secp256k1 private key")
	}

	c := &Config{
		Environment:        raw.Environment,
		Logger:             lgr,
		Signer:             s,
		RPCURL:             raw.Chain.RPCURL,
		Recipient:          parseAddress(raw.Recipient),
		Token:              parseAddress(raw.Token.Address),
		TokenDecimals:      raw.Token.Decimals,
		Paymaster:          parseAddress(raw.Token.Paymaster),
		Expectations:       raw.Expectations,
		DbPath:             raw.DbPath,
		MetricsBindAddress: raw.MetricsBindAddress,
		AwaitDeploy:        raw.Deploy.Await == nil || *raw.Deploy.Await,
	}
	if c.TokenDecimals == 0 {
		c.TokenDecimals = DefaultTokenDecimals
	}
	if raw.Chain.ChainID > 0 {
		c.ChainID = big.NewInt(raw.Chain.ChainID)
	}

	if c.WatchInterval, err = parseDuration("watch.interval", raw.Watch.Interval, DefaultWatchInterval); err != nil {
		return nil, err
	}

	if err := raw.buildAccount(c); err != nil {
		return nil, err
	}
	if err := raw.buildBundler(c); err != nil {
		return nil, err
	}
	if err := raw.buildOrchestrator(c); err != nil {
		return nil, err
	}

	if c.DeployPolicy, err = raw.Deploy.Gas.toPolicy("deploy.gas"); err != nil {
		return nil, err
	}

	ops, err := raw.buildOperations(c)
	if err != nil {
		return nil, err
	}
	c.Operations = ops

	return c, nil
}

func (raw *ConfigRaw) buildAccount(c *Config) error {
	version := userop.V07
	if raw.Account.EntryPointVersion != "" {
		v, err := userop.ParseVersion(raw.Account.EntryPointVersion)
		if err != nil {
			return apperrors.NewConfigurationError("account.entrypoint_version", err.Error())
		}
		version = v
	}

	entryPoint, factory := aa.EntryPointV07Address, aa.FactoryV07Address
	if version == userop.V06 {
		entryPoint, factory = aa.EntryPointV06Address, aa.FactoryV06Address
	}
	if raw.Account.EntryPoint != "" {
		entryPoint = common.HexToAddress(raw.Account.EntryPoint)
	}
	if raw.Account.Factory != "" {
		factory = common.HexToAddress(raw.Account.Factory)
	}

	salt, err := parseUint("account.salt", raw.Account.Salt)
	if err != nil {
		return err
	}
	c.NonceKey, err = parseUint("account.nonce_key", raw.Account.NonceKey)
	if err != nil {
		return err
	}
	if c.NonceKey != nil && c.NonceKey.BitLen() > 192 {
		return apperrors.NewConfigurationError("account.nonce_key", "must fit in 192 bits")
	}

	c.Account = aa.NewSmartAccount(c.Signer.Address(), factory, entryPoint, version, salt)
	if raw.Account.Address != "" {
		c.Account.WithAddress(common.HexToAddress(raw.Account.Address))
	}
	return nil
}

func (raw *ConfigRaw) buildBundler(c *Config) error {
	timeout, err := parseDuration("bundler.timeout", raw.Bundler.Timeout, bundler.DefaultTimeout)
	if err != nil {
		return err
	}
	ttl, err := parseDuration("bundler.quote_cache_ttl", raw.Bundler.QuoteCacheTTL, 0)
	if err != nil {
		return err
	}
	tier, err := bundler.ParseFeeTier(raw.Bundler.FeeTier)
	if err != nil {
		return apperrors.NewConfigurationError("bundler.fee_tier", err.Error())
	}

	c.Bundler = bundler.Options{
		URL:           raw.Bundler.URL,
		EntryPoint:    c.Account.EntryPoint,
		Version:       c.Account.Version,
		ChainID:       c.ChainID,
		Timeout:       timeout,
		FeeTier:       tier,
		QuoteCacheTTL: ttl,
	}
	return nil
}

func (raw *ConfigRaw) buildOrchestrator(c *Config) error {
	oc := orchestrator.DefaultConfig()

	var err error
	if oc.InclusionTimeout, err = parseDuration("inclusion.timeout", raw.Inclusion.Timeout, oc.InclusionTimeout); err != nil {
		return err
	}
	if oc.PollInitial, err = parseDuration("inclusion.initial_interval", raw.Inclusion.InitialInterval, oc.PollInitial); err != nil {
		return err
	}
	if oc.PollMaxInterval, err = parseDuration("inclusion.max_interval", raw.Inclusion.MaxInterval, oc.PollMaxInterval); err != nil {
		return err
	}
	if oc.PollMaxInterval < oc.PollInitial {
		return apperrors.NewConfigurationError("inclusion.max_interval", "must not be below inclusion.initial_interval")
	}
	if raw.Inclusion.Multiplier != 0 {
		oc.PollMultiplier = raw.Inclusion.Multiplier
	}

	if raw.Estimation.MaxGasLimit > 0 {
		oc.MaxGasLimit = new(big.Int).SetUint64(raw.Estimation.MaxGasLimit)
	}
	if c.ProbeThreshold, err = parseUint("estimation.probe_threshold_wei", raw.Estimation.ProbeThresholdWei); err != nil {
		return err
	}
	if c.ProbeValue, err = parseUint("estimation.probe_value_wei", raw.Estimation.ProbeValueWei); err != nil {
		return err
	}

	c.Orchestrator = oc
	return nil
}

func (g GasPolicyRaw) toPolicy(field string) (preset.GasPolicy, error) {
	var policy preset.GasPolicy
	switch preset.GasPolicyKind(g.Policy) {
	case "", preset.PolicyEstimated:
		policy = preset.Estimated()
	case preset.PolicyFixedOverride:
		if g.CallGasLimit == 0 || g.VerificationGasLimit == 0 || g.PreVerificationGas == 0 {
			return policy, apperrors.NewConfigurationError(field, "fixed-override needs call, verification and pre-verification gas")
		}
		policy = preset.FixedOverride(
			new(big.Int).SetUint64(g.CallGasLimit),
			new(big.Int).SetUint64(g.VerificationGasLimit),
			new(big.Int).SetUint64(g.PreVerificationGas),
		)
	}
	policy.BufferPercent = g.BufferPercent

	if (g.MaxFeePerGasGwei == "") != (g.MaxPriorityFeePerGasGwei == "") {
		return policy, apperrors.NewConfigurationError(field, "set both max_fee_per_gas_gwei and max_priority_fee_per_gas_gwei or neither")
	}
	if g.MaxFeePerGasGwei != "" {
		maxFee, err := parseUnits(field+".max_fee_per_gas_gwei", g.MaxFeePerGasGwei, 9)
		if err != nil {
			return policy, err
		}
		tip, err := parseUnits(field+".max_priority_fee_per_gas_gwei", g.MaxPriorityFeePerGasGwei, 9)
		if err != nil {
			return policy, err
		}
		if tip.Cmp(maxFee) > 0 {
			return policy, apperrors.NewConfigurationError(field, "priority fee above max fee")
		}
		policy = policy.WithFees(maxFee, tip)
	}

	if err := policy.Validate(); err != nil {
		return policy, apperrors.NewConfigurationError(field, err.Error())
	}
	return policy, nil
}

// Plan turns the configuration into an orchestrator plan for one session.
func (c *Config) Plan(session string) *orchestrator.Plan {
	return &orchestrator.Plan{
		Session:        session,
		Account:        c.Account,
		Operations:     c.Operations,
		Token:          c.Token,
		TokenDecimals:  c.TokenDecimals,
		ProbeThreshold: c.ProbeThreshold,
		ProbeValue:     c.ProbeValue,
		DeployPolicy:   c.DeployPolicy,
		AwaitDeploy:    c.AwaitDeploy,
		NonceKey:       c.NonceKey,
		Expectations:   c.Expectations,
	}
}
